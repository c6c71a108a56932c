package socket

import (
	"crypto/rand"
	"net"

	"github.com/torquesockets/torquesockets/handshake"
	"github.com/torquesockets/torquesockets/rendezvous"
	"github.com/torquesockets/torquesockets/tsevent"
)

// FindByNonces implements handshake.ConnectionLookup over this socket's
// connection table, used by HandleIntroductionRequest to authenticate an
// introduction_request against the sender's existing connection.
func (s *Socket) FindByNonces(initiatorNonce, hostNonce uint64) (*handshake.Engine, bool) {
	for _, p := range s.byID {
		if p.engine != nil && p.engine.InitiatorNonce == initiatorNonce && p.engine.HostNonce == hostNonce {
			return p.engine, true
		}
	}
	return nil, false
}

// FindByClientID implements handshake.ConnectionLookup, resolving the peer
// an introduction_request names by the client_identity_token that peer's
// handshake with this introducer produced (§4.3).
func (s *Socket) FindByClientID(clientID uint32) (*handshake.Engine, bool) {
	for _, p := range s.byID {
		if p.engine != nil && p.engine.ClientIdentityToken == clientID {
			return p.engine, true
		}
	}
	return nil, false
}

// IntroduceConnection is the introducer T's application authorizing a
// rendezvous between two of its established peers under token; T acts on
// it once a matching introduction_request arrives from either side (§4.1,
// §4.3 "Introduced connection sequence").
func (s *Socket) IntroduceConnection(idA, idB uint64, token uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[idA]; !ok {
		return ErrNoSuchConnection
	}
	if _, ok := s.byID[idB]; !ok {
		return ErrNoSuchConnection
	}
	s.pendingIntro[token] = pendingIntro{idA: idA, idB: idB}
	return nil
}

// ConnectIntroduced asks an already-established introducer connection to
// broker a rendezvous with one of its other peers, named by remoteClientID
// (§3, §4.3 "Introduced connection sequence").
func (s *Socket) ConnectIntroduced(introducerID uint64, remoteClientID uint32, token uint32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	introducer, ok := s.byID[introducerID]
	if !ok || introducer.engine == nil || introducer.engine.State != handshake.StateConnected {
		return ErrNoSuchConnection
	}
	pkt, err := handshake.SealIntroductionRequest(introducer.engine.SharedSecret(), introducer.engine.InitiatorNonce, introducer.engine.HostNonce, remoteClientID, token, data)
	if err != nil {
		return err
	}
	encoded, err := pkt.Encode()
	if err != nil {
		return err
	}
	s.sendLocked(encoded, introducer.engine.RemoteAddr)
	return nil
}

// handleIntroductionRequest is the introducer T's side: authenticate the
// request against the sender's existing connection, check the application
// has authorized pairing it with the named peer, mint a fresh nonce pair,
// and send each side a send_punch_packet (§4.3 "Introduced connection
// sequence").
func (s *Socket) handleIntroductionRequest(data []byte, addr net.Addr) {
	sender, ok := s.byAddr[addrKey(addr)]
	if !ok || sender.engine == nil || sender.engine.State != handshake.StateConnected {
		return
	}
	pkt, err := handshake.DecodeIntroductionRequest(data)
	if err != nil {
		return
	}
	if pkt.AuthNonceA != sender.engine.InitiatorNonce || pkt.AuthNonceB != sender.engine.HostNonce {
		return
	}
	if _, err := handshake.OpenIntroductionRequest(sender.engine.SharedSecret(), pkt); err != nil {
		return
	}

	auth, ok := s.pendingIntro[pkt.Token]
	if !ok || (sender.id != auth.idA && sender.id != auth.idB) {
		s.events.Push(tsevent.Event{Type: tsevent.IntroducedConnectionRequest, ConnectionID: sender.id, ClientIdentity: pkt.RemoteClientID, Data: data})
		return
	}
	targetID := auth.idA
	if sender.id == auth.idA {
		targetID = auth.idB
	}
	target, ok := s.byID[targetID]
	if !ok || target.engine == nil || target.engine.State != handshake.StateConnected {
		return
	}

	toSender, toTarget, err := handshake.HandleIntroductionRequest(pkt, s, cryptoRandU64, []handshake.CandidateAddress{addrToCandidate(sender.engine.RemoteAddr)}, []handshake.CandidateAddress{addrToCandidate(target.engine.RemoteAddr)})
	if err != nil {
		return
	}
	toSender, err = handshake.SealSendPunchPacket(sender.engine.SharedSecret(), toSender)
	if err != nil {
		return
	}
	toTarget, err = handshake.SealSendPunchPacket(target.engine.SharedSecret(), toTarget)
	if err != nil {
		return
	}
	if encoded, err := toSender.Encode(); err == nil {
		s.sendLocked(encoded, sender.engine.RemoteAddr)
	}
	if encoded, err := toTarget.Encode(); err == nil {
		s.sendLocked(encoded, target.engine.RemoteAddr)
	}
	delete(s.pendingIntro, pkt.Token)
}

// handleSendPunchPacket is a peer's side of rendezvous: verify the
// introducer's instruction, start a punch round against the candidate
// address set it supplied, and register the not-yet-located peer under its
// nonce pair so a later punch datagram can bind it to a real address
// (§4.3 "Introduced connection sequence").
func (s *Socket) handleSendPunchPacket(data []byte, addr net.Addr) {
	introducer, ok := s.byAddr[addrKey(addr)]
	if !ok || introducer.engine == nil || introducer.engine.State != handshake.StateConnected {
		return
	}
	pkt, err := handshake.DecodeSendPunchPacket(data)
	if err != nil {
		return
	}
	if !handshake.VerifySendPunchPacket(introducer.engine.SharedSecret(), pkt) {
		return
	}

	var engine *handshake.Engine
	if pkt.PeerIsHost {
		engine = handshake.NewInitiatorEngine(s.clock, nil, s.privateKey, pkt.InitiatorNonce)
		handshake.NewIntroducedInitiatorEngine(engine, pkt.InitiatorNonce, pkt.HostNonce)
	} else {
		engine = handshake.NewHostEngine(s.clock, nil, s.privateKey)
		handshake.NewIntroducedHostEngine(engine, pkt.InitiatorNonce, pkt.HostNonce)
	}
	puncher := rendezvous.NewPuncher(pkt.Candidates)
	p := s.addPunchingPeerLocked(engine, puncher)

	punch := engine.BuildPunch()
	if target, ok := puncher.NextTarget(); ok {
		s.sendLocked(punch, target)
	}
	s.log.Debug("punching towards introduced peer", "connid", p.id, "candidates", len(pkt.Candidates))
}

func addrToCandidate(addr net.Addr) handshake.CandidateAddress {
	udp, ok := addr.(*net.UDPAddr)
	if !ok || udp == nil {
		return handshake.CandidateAddress{}
	}
	return handshake.CandidateAddress{IP: udp.IP, Port: uint16(udp.Port)}
}

func cryptoRandU64() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return leU64(b), nil
}
