package socket

import (
	"net"
	"strings"
)

// PacketConn is the opaque send/recv boundary spec.md §1 declares out of
// scope: a Socket is built against this interface rather than *net.UDPConn
// directly, so tests can substitute an in-memory transport.
type PacketConn interface {
	ReadFrom(p []byte) (n int, addr net.Addr, err error)
	WriteTo(p []byte, addr net.Addr) (n int, err error)
	LocalAddr() net.Addr
	Close() error
}

type recvDatagram struct {
	data []byte
	addr net.Addr
}

// dialUDP binds a *net.UDPConn at laddr, translating the common bind
// failures into the taxonomy in errors.go (§4.1).
func dialUDP(laddr string) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, ErrAddressInvalid
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		if strings.Contains(err.Error(), "address already in use") {
			return nil, ErrAddressInUse
		}
		return nil, ErrSocketAllocationFailure
	}
	return conn, nil
}
