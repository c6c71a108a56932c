package socket

import (
	"github.com/torquesockets/torquesockets/connection"
	"github.com/torquesockets/torquesockets/puzzle"
	"github.com/torquesockets/torquesockets/rendezvous"
	"github.com/torquesockets/torquesockets/tsevent"
)

// AcceptChallenge (initiator side) is the application's consent to proceed
// past a received challenge_response, per §4.1's accept_challenge and the
// awaiting-local-challenge-accept state in §3: only once the application
// calls this does puzzle solving actually start (§4.3 step 2, §4.4).
func (s *Socket) AcceptChallenge(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok || p.engine == nil {
		return ErrNoSuchConnection
	}
	if err := p.engine.AcceptChallenge(); err != nil {
		return err
	}
	s.solver.Submit(puzzle.Job{
		JobIndex:       p.id,
		ClientNonce:    p.engine.InitiatorNonce,
		ServerNonce:    p.engine.HostNonce,
		Difficulty:     p.engine.Difficulty,
		ClientIdentity: p.engine.ClientIdentityToken,
	})
	return nil
}

// AcceptConnection completes a pending connection the application was
// notified of via a ConnectionRequested event: it sends connect_accept,
// installs the data-packet cipher state, and emits established (§4.3
// step 5).
func (s *Socket) AcceptConnection(id uint64, acceptData []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok || p.engine == nil {
		return ErrNoSuchConnection
	}
	var initSeq [4]byte
	if _, err := cryptoRand(initSeq[:]); err != nil {
		return ErrGenericFailure
	}
	pkt, err := p.engine.AcceptConnection(leU32(initSeq), acceptData)
	if err != nil {
		return err
	}
	s.sendLocked(pkt, p.engine.RemoteAddr)
	p.conn = connection.NewFromEngine(p.id, p.engine, p.engine.InitialSendSequenceHost)
	p.tracker = rendezvous.NewTracker(s.clock)
	s.events.Push(tsevent.Event{Type: tsevent.Established, ConnectionID: p.id})
	return nil
}

// RejectConnection refuses a pending connection request, sending
// connect_reject and discarding the pending state (§4.3 step 5 alternate
// path).
func (s *Socket) RejectConnection(id uint64, reason []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok || p.engine == nil {
		return ErrNoSuchConnection
	}
	pkt, err := p.engine.RejectConnection(reason)
	if err != nil {
		return err
	}
	s.sendLocked(pkt, p.engine.RemoteAddr)
	s.removePeerLocked(p)
	return nil
}
