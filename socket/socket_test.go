package socket

import (
	"crypto/ecdsa"
	"net"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"

	"github.com/torquesockets/torquesockets/cipher"
	"github.com/torquesockets/torquesockets/connection"
	"github.com/torquesockets/torquesockets/tsevent"
)

// fakeWire is a tiny in-memory packet switch connecting a handful of
// fakeConn endpoints, standing in for PacketConn the way
// p2p/discover's test harnesses substitute an in-memory transport for a
// real UDP socket.
type fakeWire struct {
	mu    chan struct{}
	peers map[string]*fakeConn
}

func newFakeWire() *fakeWire {
	return &fakeWire{mu: make(chan struct{}, 1), peers: make(map[string]*fakeConn)}
}

func (w *fakeWire) register(c *fakeConn) {
	w.peers[c.addr.String()] = c
}

func (w *fakeWire) deliver(data []byte, from, to net.Addr) {
	if dst, ok := w.peers[to.String()]; ok {
		cp := make([]byte, len(data))
		copy(cp, data)
		select {
		case dst.in <- recvDatagram{data: cp, addr: from}:
		default:
		}
	}
}

type fakeConn struct {
	wire   *fakeWire
	addr   *net.UDPAddr
	in     chan recvDatagram
	closed chan struct{}
}

func newFakeConn(wire *fakeWire, port int) *fakeConn {
	c := &fakeConn{
		wire:   wire,
		addr:   &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port},
		in:     make(chan recvDatagram, 64),
		closed: make(chan struct{}),
	}
	wire.register(c)
	return c
}

func (c *fakeConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case dg := <-c.in:
		n := copy(p, dg.data)
		return n, dg.addr, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	c.wire.deliver(p, c.addr, addr)
	return len(p), nil
}

func (c *fakeConn) LocalAddr() net.Addr { return c.addr }

func (c *fakeConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

func mustTestKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := cipher.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	return key
}

// pump runs one scheduling pass of s (incoming datagrams, puzzle results,
// retry tick) without popping any of its queued events.
func pump(s *Socket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drainIncomingLocked()
	s.drainPuzzleResultsLocked()
	s.tickLocked(s.clock.Now())
}

// awaitEvent polls GetNextEvent under the given simulated clock, advancing
// it between polls, until an event of the given type arrives or attempts
// are exhausted. Each socket in others is pumped before every poll, so a
// peer whose reply the awaited event depends on keeps processing datagrams
// and puzzle results while s is being polled.
func awaitEvent(t *testing.T, s *Socket, clock *mclock.Simulated, typ tsevent.Type, others ...*Socket) tsevent.Event {
	t.Helper()
	for i := 0; i < 200; i++ {
		for _, o := range others {
			pump(o)
		}
		if ev, ok := s.GetNextEvent(); ok {
			if ev.Type == typ {
				return ev
			}
			continue
		}
		clock.Run(50 * time.Millisecond)
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("never observed event %v", typ)
	return tsevent.Event{}
}

func TestSocketDirectHandshakeEstablishes(t *testing.T) {
	wire := newFakeWire()
	clock := &mclock.Simulated{}

	iConn := newFakeConn(wire, 40001)
	hConn := newFakeConn(wire, 40002)

	initiator, err := NewWithConn(iConn, clock)
	if err != nil {
		t.Fatalf("NewWithConn initiator: %v", err)
	}
	defer initiator.Close()
	initiator.SetPrivateKey(mustTestKey(t))

	host, err := NewWithConn(hConn, clock)
	if err != nil {
		t.Fatalf("NewWithConn host: %v", err)
	}
	defer host.Close()
	host.SetPrivateKey(mustTestKey(t))
	host.AllowIncomingConnections(true)

	id, err := initiator.Connect(hConn.addr, []byte("hello"))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	awaitEvent(t, initiator, clock, tsevent.ChallengeResponse, host)
	if err := initiator.AcceptChallenge(id); err != nil {
		t.Fatalf("AcceptChallenge: %v", err)
	}

	reqEv := awaitEvent(t, host, clock, tsevent.ConnectionRequested, initiator)
	if string(reqEv.Data) != "hello" {
		t.Fatalf("connect data = %q, want hello", reqEv.Data)
	}

	if err := host.AcceptConnection(reqEv.ConnectionID, []byte("welcome")); err != nil {
		t.Fatalf("AcceptConnection: %v", err)
	}

	acceptEv := awaitEvent(t, initiator, clock, tsevent.Accepted)
	if string(acceptEv.Data) != "welcome" {
		t.Fatalf("accept data = %q, want welcome", acceptEv.Data)
	}
	awaitEvent(t, initiator, clock, tsevent.Established)
	awaitEvent(t, host, clock, tsevent.Established)

	if initiator.byID[id].conn == nil {
		t.Fatal("initiator connection not installed")
	}
}

func TestSocketSendToConnectionNotifiesDelivery(t *testing.T) {
	wire := newFakeWire()
	clock := &mclock.Simulated{}

	iConn := newFakeConn(wire, 40041)
	hConn := newFakeConn(wire, 40042)

	initiator, _ := NewWithConn(iConn, clock)
	defer initiator.Close()
	initiator.SetPrivateKey(mustTestKey(t))

	host, _ := NewWithConn(hConn, clock)
	defer host.Close()
	host.SetPrivateKey(mustTestKey(t))
	host.AllowIncomingConnections(true)

	id, err := initiator.Connect(hConn.addr, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	awaitEvent(t, initiator, clock, tsevent.ChallengeResponse, host)
	if err := initiator.AcceptChallenge(id); err != nil {
		t.Fatalf("AcceptChallenge: %v", err)
	}
	reqEv := awaitEvent(t, host, clock, tsevent.ConnectionRequested, initiator)
	if err := host.AcceptConnection(reqEv.ConnectionID, nil); err != nil {
		t.Fatalf("AcceptConnection: %v", err)
	}
	awaitEvent(t, initiator, clock, tsevent.Established)
	awaitEvent(t, host, clock, tsevent.Established)

	seq, err := initiator.SendToConnection(id, []byte("payload"))
	if err != nil {
		t.Fatalf("SendToConnection: %v", err)
	}

	dataEv := awaitEvent(t, host, clock, tsevent.ConnectionPacket)
	if string(dataEv.Data) != "payload" {
		t.Fatalf("connection_packet data = %q, want payload", dataEv.Data)
	}

	if _, err := host.SendToConnection(reqEv.ConnectionID, []byte("ack-carrier")); err != nil {
		t.Fatalf("host SendToConnection: %v", err)
	}

	notifyEv := awaitEvent(t, initiator, clock, tsevent.ConnectionPacketNotify)
	if notifyEv.PacketSequence != seq || !notifyEv.Delivered {
		t.Fatalf("notify = %+v, want seq=%d delivered=true", notifyEv, seq)
	}

	if _, err := initiator.SendToConnection(id, make([]byte, connection.MaxPayloadSize+1)); err != ErrPayloadTooLarge {
		t.Fatalf("oversized send err = %v, want ErrPayloadTooLarge", err)
	}
}

func TestSocketInfoPacketSurfacesAsEvent(t *testing.T) {
	wire := newFakeWire()
	clock := &mclock.Simulated{}

	a, _ := NewWithConn(newFakeConn(wire, 40051), clock)
	defer a.Close()
	b, _ := NewWithConn(newFakeConn(wire, 40052), clock)
	defer b.Close()

	if err := a.SendInfoPacket(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40052}, 40, []byte("ping")); err != nil {
		t.Fatalf("SendInfoPacket: %v", err)
	}

	ev := awaitEvent(t, b, clock, tsevent.SocketPacket)
	if ev.Data[0] != 40 || string(ev.Data[1:]) != "ping" {
		t.Fatalf("socket_packet data = %q", ev.Data)
	}
}

func TestSocketReconnectDisconnectsExistingConnection(t *testing.T) {
	wire := newFakeWire()
	clock := &mclock.Simulated{}

	iConn := newFakeConn(wire, 40061)
	hConn := newFakeConn(wire, 40062)

	initiator, _ := NewWithConn(iConn, clock)
	defer initiator.Close()
	initiator.SetPrivateKey(mustTestKey(t))

	host, _ := NewWithConn(hConn, clock)
	defer host.Close()
	host.SetPrivateKey(mustTestKey(t))
	host.AllowIncomingConnections(true)

	firstID, err := initiator.Connect(hConn.addr, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	awaitEvent(t, initiator, clock, tsevent.ChallengeResponse, host)
	if err := initiator.AcceptChallenge(firstID); err != nil {
		t.Fatalf("AcceptChallenge: %v", err)
	}
	reqEv := awaitEvent(t, host, clock, tsevent.ConnectionRequested, initiator)
	if err := host.AcceptConnection(reqEv.ConnectionID, nil); err != nil {
		t.Fatalf("AcceptConnection: %v", err)
	}
	awaitEvent(t, initiator, clock, tsevent.Established)
	awaitEvent(t, host, clock, tsevent.Established)

	if _, ok := initiator.byID[firstID]; !ok {
		t.Fatalf("first connection missing before reconnect")
	}

	secondID, err := initiator.Connect(hConn.addr, nil)
	if err != nil {
		t.Fatalf("Connect (reconnect): %v", err)
	}
	if secondID == firstID {
		t.Fatalf("reconnect reused the old connection id")
	}

	discEv := awaitEvent(t, initiator, clock, tsevent.Disconnected)
	if discEv.ConnectionID != firstID {
		t.Fatalf("disconnected event connection id = %d, want %d", discEv.ConnectionID, firstID)
	}
	if string(discEv.Data) != ReasonReconnecting {
		t.Fatalf("disconnected reason = %q, want %q", discEv.Data, ReasonReconnecting)
	}
	if _, ok := initiator.byID[firstID]; ok {
		t.Fatalf("old connection still present in byID after reconnect")
	}
}

func TestSocketRejectConnection(t *testing.T) {
	wire := newFakeWire()
	clock := &mclock.Simulated{}

	iConn := newFakeConn(wire, 40011)
	hConn := newFakeConn(wire, 40012)

	initiator, _ := NewWithConn(iConn, clock)
	defer initiator.Close()
	initiator.SetPrivateKey(mustTestKey(t))

	host, _ := NewWithConn(hConn, clock)
	defer host.Close()
	host.SetPrivateKey(mustTestKey(t))
	host.AllowIncomingConnections(true)

	id, err := initiator.Connect(hConn.addr, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	awaitEvent(t, initiator, clock, tsevent.ChallengeResponse, host)
	if err := initiator.AcceptChallenge(id); err != nil {
		t.Fatalf("AcceptChallenge: %v", err)
	}

	reqEv := awaitEvent(t, host, clock, tsevent.ConnectionRequested, initiator)
	if err := host.RejectConnection(reqEv.ConnectionID, []byte("nope")); err != nil {
		t.Fatalf("RejectConnection: %v", err)
	}

	rejectEv := awaitEvent(t, initiator, clock, tsevent.Rejected)
	if string(rejectEv.Data) != "nope" {
		t.Fatalf("reject reason = %q, want nope", rejectEv.Data)
	}
}

func TestSocketIncomingDisallowedIsSilentlyDropped(t *testing.T) {
	wire := newFakeWire()
	clock := &mclock.Simulated{}

	iConn := newFakeConn(wire, 40021)
	hConn := newFakeConn(wire, 40022)

	initiator, _ := NewWithConn(iConn, clock)
	defer initiator.Close()
	initiator.SetPrivateKey(mustTestKey(t))

	host, _ := NewWithConn(hConn, clock)
	defer host.Close()
	host.SetPrivateKey(mustTestKey(t))
	// allowIncoming left false.

	if _, err := initiator.Connect(hConn.addr, nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if ev, ok := host.GetNextEvent(); ok {
		t.Fatalf("unexpected event from host: %+v", ev)
	}

	var timedOut bool
	for i := 0; i < 10 && !timedOut; i++ {
		clock.Run(3 * time.Second)
		for {
			ev, ok := initiator.GetNextEvent()
			if !ok {
				break
			}
			if ev.Type == tsevent.TimedOut {
				timedOut = true
				break
			}
		}
	}
	if !timedOut {
		t.Fatal("never observed timed_out")
	}
}

func TestSocketDisconnectNotifiesPeer(t *testing.T) {
	wire := newFakeWire()
	clock := &mclock.Simulated{}

	iConn := newFakeConn(wire, 40031)
	hConn := newFakeConn(wire, 40032)

	initiator, _ := NewWithConn(iConn, clock)
	defer initiator.Close()
	initiator.SetPrivateKey(mustTestKey(t))

	host, _ := NewWithConn(hConn, clock)
	defer host.Close()
	host.SetPrivateKey(mustTestKey(t))
	host.AllowIncomingConnections(true)

	id, err := initiator.Connect(hConn.addr, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	awaitEvent(t, initiator, clock, tsevent.ChallengeResponse, host)
	if err := initiator.AcceptChallenge(id); err != nil {
		t.Fatalf("AcceptChallenge: %v", err)
	}
	reqEv := awaitEvent(t, host, clock, tsevent.ConnectionRequested, initiator)
	if err := host.AcceptConnection(reqEv.ConnectionID, nil); err != nil {
		t.Fatalf("AcceptConnection: %v", err)
	}
	awaitEvent(t, initiator, clock, tsevent.Established)
	awaitEvent(t, host, clock, tsevent.Established)

	if err := initiator.Disconnect(id, []byte("bye")); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	discEv := awaitEvent(t, host, clock, tsevent.Disconnected)
	if string(discEv.Data) != "bye" {
		t.Fatalf("disconnect reason = %q, want bye", discEv.Data)
	}
}
