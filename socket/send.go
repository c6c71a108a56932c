package socket

import (
	"net"

	"github.com/torquesockets/torquesockets/connection"
	"github.com/torquesockets/torquesockets/handshake"
)

// SendToConnection encrypts and sends payload over an established
// connection, returning the packet-sequence number the caller can later
// match against a connection_packet_notify event (§4.1 send_to_connection,
// §4.2 "Send path").
func (s *Socket) SendToConnection(id uint64, payload []byte) (uint32, error) {
	if len(payload) > connection.MaxPayloadSize {
		return 0, ErrPayloadTooLarge
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok || p.conn == nil {
		return 0, ErrNoSuchConnection
	}
	pkt, err := p.conn.Send(payload)
	if err != nil {
		return 0, err
	}
	decoded, err := connection.DecodeDataPacket(pkt)
	if err != nil {
		return 0, err
	}
	s.sendLocked(pkt, p.conn.RemoteAddr)
	return decoded.Sequence, nil
}

// SendInfoPacket sends an unencrypted application packet that belongs to no
// connection, classified at the peer's dispatch point by packetType falling
// in the reserved info-packet range and surfaced there as a socket_packet
// event (§4.1 "Dispatch rules", §6).
func (s *Socket) SendInfoPacket(addr net.Addr, packetType byte, payload []byte) error {
	if packetType < handshake.InfoPacketTypeMin || packetType > handshake.InfoPacketTypeMax {
		return ErrInvalidInfoPacketType
	}
	if len(payload)+1 > handshake.MaxDatagramPayload {
		return ErrPayloadTooLarge
	}
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, packetType)
	buf = append(buf, payload...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendLocked(buf, addr)
	return nil
}
