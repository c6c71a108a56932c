// Package socket implements the top-level Socket type: a bound UDP
// endpoint, its connection tables, and the cooperative, single-threaded
// dispatch loop the application drives via GetNextEvent (§3, §4.1, §5).
package socket

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"net"
	"sync"

	"github.com/davecgh/go-spew/spew"
	"github.com/ethereum/go-ethereum/common/mclock"

	"github.com/torquesockets/torquesockets/connection"
	"github.com/torquesockets/torquesockets/handshake"
	"github.com/torquesockets/torquesockets/puzzle"
	"github.com/torquesockets/torquesockets/rendezvous"
	"github.com/torquesockets/torquesockets/tsevent"
	"github.com/torquesockets/torquesockets/tslog"
)

// peer bundles everything a socket remembers about one remote address,
// whatever stage of its lifecycle it's in: a handshake still in progress,
// an established data connection, or (for peers this socket introduces
// others to, or that introduce it to others) both at once — the
// handshake's shared secret must be kept alive past StateConnected so later
// introduction_request/send_punch_packet messages riding this connection
// can still be authenticated (§4.3 "Introduced connection sequence",
// §4.5).
type peer struct {
	id      uint64
	engine  *handshake.Engine
	conn    *connection.Connection
	puncher *rendezvous.Puncher
	tracker *rendezvous.Tracker
}

// Socket is one bound UDP endpoint and everything needed to run the
// handshake/connection/rendezvous state machines over it (§3, §4.1).
type Socket struct {
	mu sync.Mutex

	conn  PacketConn
	clock mclock.Clock
	log   tslog.Logger

	privateKey      *ecdsa.PrivateKey
	protocolVersion uint8
	hashSecret      [32]byte

	allowIncoming      bool
	challengeResponse []byte

	puzzleMgr *puzzle.Manager
	solver    *puzzle.Solver

	byAddr map[string]*peer
	byID   map[uint64]*peer
	nextID uint64

	// pendingConnect remembers the application data supplied to Connect
	// until the puzzle solver returns a solution and connect_request can
	// actually be built (§4.3 step 3, §4.4).
	pendingConnect map[uint64]pendingConnect

	// pendingIntro tracks introduce_connection authorizations this socket's
	// application has granted as an introducer T, keyed by the rendezvous
	// token, until a matching introduction_request arrives from one of the
	// two named peers (§4.3 "Introduced connection sequence").
	pendingIntro map[uint32]pendingIntro

	recv   chan recvDatagram
	events *tsevent.Queue

	closed chan struct{}
}

// pendingConnect holds per-attempt state a Socket needs between submitting
// a puzzle job and being able to build the resulting connect_request.
type pendingConnect struct {
	data []byte
}

// pendingIntro records which two of an introducer's established connections
// its application has authorized to be introduced to each other under a
// given token (§4.3 "Introduced connection sequence").
type pendingIntro struct {
	idA, idB uint64
}

// New binds a Socket at laddr. The caller must call SetPrivateKey before
// any handshake can proceed (§3, §4.1).
func New(laddr string, clock mclock.Clock) (*Socket, error) {
	conn, err := dialUDP(laddr)
	if err != nil {
		return nil, err
	}
	return newSocket(conn, clock)
}

// NewWithConn builds a Socket over a caller-supplied PacketConn, the
// testing/embedding seam (§4.1 "opaque send/recv interface").
func NewWithConn(conn PacketConn, clock mclock.Clock) (*Socket, error) {
	return newSocket(conn, clock)
}

func newSocket(conn PacketConn, clock mclock.Clock) (*Socket, error) {
	if clock == nil {
		clock = mclock.System{}
	}
	mgr, err := puzzle.NewManager(clock, nil)
	if err != nil {
		return nil, ErrInitializationFailure
	}
	var hashSecret [32]byte
	if _, err := rand.Read(hashSecret[:]); err != nil {
		return nil, ErrInitializationFailure
	}
	s := &Socket{
		conn:            conn,
		clock:           clock,
		log:             tslog.New("laddr", conn.LocalAddr()),
		protocolVersion: handshake.DefaultProtocolVersion,
		hashSecret:      hashSecret,
		puzzleMgr:       mgr,
		solver:          puzzle.NewSolver(),
		byAddr:          make(map[string]*peer),
		byID:            make(map[uint64]*peer),
		pendingConnect:  make(map[uint64]pendingConnect),
		pendingIntro:    make(map[uint32]pendingIntro),
		recv:            make(chan recvDatagram, 256),
		events:          tsevent.NewQueue(64),
		closed:          make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func (s *Socket) readLoop() {
	buf := make([]byte, handshake.MaxDatagramPayload)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case s.recv <- recvDatagram{data: data, addr: addr}:
		case <-s.closed:
			return
		}
	}
}

// SetPrivateKey installs the long-term (or, for an ephemeral socket,
// per-session) keypair used to derive every connection's shared secret
// (§3, §4.1).
func (s *Socket) SetPrivateKey(key *ecdsa.PrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.privateKey = key
}

// SetChallengeResponse installs the opaque application blob a host embeds
// in every connect_challenge_response, e.g. for application-layer identity
// proofs (§3 "challenge-response payload", §4.1, §6 "Max status/reason
// payload").
func (s *Socket) SetChallengeResponse(data []byte) error {
	if len(data) > handshake.MaxReasonPayload {
		return ErrPayloadTooLarge
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challengeResponse = data
	return nil
}

// AllowIncomingConnections toggles whether connect_challenge_request
// packets are answered at all (§4.1).
func (s *Socket) AllowIncomingConnections(allow bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowIncoming = allow
}

// SetProtocolVersion overrides the advertised protocol revision (default
// handshake.DefaultProtocolVersion); see §4.3 supplemental note.
func (s *Socket) SetProtocolVersion(v uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.protocolVersion = v
}

// Connect begins a direct handshake to remoteAddr, returning the pending
// connection's id. connectData is the opaque blob carried in
// connect_request (§4.3 step 1/3).
func (s *Socket) Connect(remoteAddr net.Addr, connectData []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.privateKey == nil {
		return 0, ErrNoPrivateKey
	}
	var nonceBuf [8]byte
	if _, err := rand.Read(nonceBuf[:]); err != nil {
		return 0, ErrGenericFailure
	}
	initiatorNonce := leU64(nonceBuf)

	s.disconnectExistingLocked(remoteAddr, []byte(ReasonReconnecting))

	engine := handshake.NewInitiatorEngine(s.clock, remoteAddr, s.privateKey, initiatorNonce)
	engine.ProtocolVersion = s.protocolVersion
	p := s.addPeerLocked(remoteAddr, engine)
	p.tracker = rendezvous.NewTracker(s.clock)
	s.pendingConnect[p.id] = pendingConnect{data: connectData}

	pkt := engine.BuildChallengeRequest()
	s.sendLocked(pkt, remoteAddr)
	return p.id, nil
}

// Disconnect closes an established or in-progress connection, sending an
// authenticated disconnect datagram where a shared secret already exists
// (§4.5, §7).
func (s *Socket) Disconnect(id uint64, reason []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return ErrNoSuchConnection
	}
	if p.engine != nil && p.engine.State == handshake.StateConnected {
		if pkt, err := p.engine.BuildDisconnect(reason); err == nil {
			s.sendLocked(pkt, p.engine.RemoteAddr)
		}
	}
	s.removePeerLocked(p)
	return nil
}

// GetNextEvent drains socket I/O, advances every pending handshake and
// solved-puzzle job, runs the retry/timeout tick, and returns the oldest
// queued event, if any (§3, §4.1, §5). It never blocks.
func (s *Socket) GetNextEvent() (tsevent.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.drainIncomingLocked()
	s.drainPuzzleResultsLocked()
	s.tickLocked(s.clock.Now())

	return s.events.Pop()
}

// Close tears down the socket's background reader and the puzzle solver.
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	s.solver.Close()
	return s.conn.Close()
}

// LocalAddr returns the bound local address.
func (s *Socket) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// Report returns a spew-based debug dump of the socket's connection
// tables, mirroring p2p/discover.Table.Report()'s debug-surface style.
func (s *Socket) Report() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, p := range s.byID {
		out = append(out, fmt.Sprintf("peer %d: state=%v addr=%v\n%s", id, p.state(), p.engine.RemoteAddr, spew.Sdump(p)))
	}
	return fmt.Sprint(out)
}

func (p *peer) state() handshake.State {
	if p.conn != nil {
		return p.conn.State
	}
	if p.engine != nil {
		return p.engine.State
	}
	return handshake.StateDisconnected
}

func (s *Socket) addPeerLocked(addr net.Addr, engine *handshake.Engine) *peer {
	s.nextID++
	id := s.nextID
	p := &peer{id: id, engine: engine}
	s.byAddr[addrKey(addr)] = p
	s.byID[id] = p
	return p
}

// disconnectExistingLocked enforces the "exactly one connected peer per
// remote address" invariant (§3): if addr already names an established
// connection, it is torn down — a best-effort disconnect datagram is sent
// and a Disconnected event raised with reason — before the caller installs
// a new one in its place (§3 "starting a new connection to an address
// whose entry is connected disconnects the old one with reason
// reconnecting", §7).
func (s *Socket) disconnectExistingLocked(addr net.Addr, reason []byte) {
	p, ok := s.byAddr[addrKey(addr)]
	if !ok || p.state() != handshake.StateConnected {
		return
	}
	if p.engine != nil {
		if pkt, err := p.engine.BuildDisconnect(reason); err == nil {
			s.sendLocked(pkt, p.engine.RemoteAddr)
		}
	}
	s.removePeerLocked(p)
	s.events.Push(tsevent.Event{Type: tsevent.Disconnected, ConnectionID: p.id, Data: reason})
}

// addPunchingPeerLocked registers a peer arriving via rendezvous before its
// real address is known: it lives in the id table only until a matching
// punch datagram binds it to an address (§4.3 "Introduced connection
// sequence").
func (s *Socket) addPunchingPeerLocked(engine *handshake.Engine, puncher *rendezvous.Puncher) *peer {
	s.nextID++
	id := s.nextID
	p := &peer{id: id, engine: engine, puncher: puncher}
	s.byID[id] = p
	return p
}

func (s *Socket) removePeerLocked(p *peer) {
	delete(s.byID, p.id)
	delete(s.pendingConnect, p.id)
	if p.engine != nil {
		delete(s.byAddr, addrKey(p.engine.RemoteAddr))
	}
}

func (s *Socket) sendLocked(pkt []byte, addr net.Addr) {
	if _, err := s.conn.WriteTo(pkt, addr); err != nil {
		s.log.Debug("send failed", "addr", addr, "err", err)
	}
}

func addrKey(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

func leU64(b [8]byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
