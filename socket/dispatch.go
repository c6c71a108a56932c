package socket

import (
	"net"

	"github.com/ethereum/go-ethereum/common/mclock"

	"github.com/torquesockets/torquesockets/connection"
	"github.com/torquesockets/torquesockets/handshake"
	"github.com/torquesockets/torquesockets/tsevent"
)

// drainIncomingLocked pulls every datagram the reader goroutine has queued
// and dispatches it by its packet type byte (§4.1, §6). Called only from
// GetNextEvent, under s.mu.
func (s *Socket) drainIncomingLocked() {
	for {
		select {
		case dg := <-s.recv:
			s.handleDatagram(dg.data, dg.addr)
		default:
			return
		}
	}
}

func (s *Socket) handleDatagram(data []byte, addr net.Addr) {
	if len(data) == 0 {
		return
	}
	if data[0] >= connection.DataPacketType {
		s.handleDataPacket(data, addr)
		return
	}
	if data[0] >= handshake.InfoPacketTypeMin && data[0] <= handshake.InfoPacketTypeMax {
		s.events.Push(tsevent.Event{Type: tsevent.SocketPacket, Data: append([]byte(nil), data...), SourceAddress: addr})
		return
	}
	switch handshake.PacketType(data[0]) {
	case handshake.TypeConnectChallengeRequest:
		s.handleChallengeRequest(data, addr)
	case handshake.TypeConnectChallengeResponse:
		s.handleChallengeResponse(data, addr)
	case handshake.TypeConnectRequest:
		s.handleConnectRequest(data, addr)
	case handshake.TypeConnectReject:
		s.handleConnectReject(data, addr)
	case handshake.TypeConnectAccept:
		s.handleConnectAccept(data, addr)
	case handshake.TypeDisconnect:
		s.handleDisconnect(data, addr)
	case handshake.TypePunch:
		s.handlePunch(data, addr)
	case handshake.TypeIntroductionRequest:
		s.handleIntroductionRequest(data, addr)
	case handshake.TypeSendPunchPacket:
		s.handleSendPunchPacket(data, addr)
	default:
		s.log.Trace("dropped unrecognized packet", "type", data[0], "addr", addr)
	}
}

func (s *Socket) handleChallengeRequest(data []byte, addr net.Addr) {
	if !s.allowIncoming {
		return
	}
	pkt, err := handshake.DecodeChallengeRequest(data)
	if err != nil {
		return
	}
	p, ok := s.byAddr[addrKey(addr)]
	if !ok {
		p = s.addPeerLocked(addr, handshake.NewHostEngine(s.clock, addr, s.privateKey))
	}
	if err := p.engine.OnChallengeRequest(pkt); err != nil {
		return
	}

	serverNonce, difficulty := s.puzzleMgr.Issue()
	token := handshake.ClientIdentityToken([]byte(addr.String()), pkt.InitiatorNonce, s.hashSecret)
	resp, err := p.engine.BuildChallengeResponse(serverNonce, difficulty, token, s.protocolVersion, publicKeyBytes(s.privateKey), s.challengeResponse)
	if err != nil {
		return
	}
	s.sendLocked(resp, addr)
}

func (s *Socket) handleChallengeResponse(data []byte, addr net.Addr) {
	p, ok := s.byAddr[addrKey(addr)]
	if !ok {
		return
	}
	pkt, err := handshake.DecodeChallengeResponse(data)
	if err != nil {
		return
	}
	peerPub, err := cipherUnmarshal(pkt.HostPublicKey)
	if err != nil {
		return
	}
	if err := p.engine.OnChallengeResponse(pkt, peerPub); err != nil {
		return
	}
	s.events.Push(tsevent.Event{Type: tsevent.ChallengeResponse, ConnectionID: p.id, Data: pkt.ChallengeData})
}

func (s *Socket) handleConnectRequest(data []byte, addr net.Addr) {
	p, ok := s.byAddr[addrKey(addr)]
	if !ok {
		return
	}
	pkt, err := handshake.DecodeConnectRequest(data)
	if err != nil {
		return
	}
	if resend, dup := p.engine.DuplicateConnectRequest(pkt); dup {
		s.sendLocked(resend, addr)
		return
	}
	token := handshake.ClientIdentityToken([]byte(addr.String()), pkt.InitiatorNonce, s.hashSecret)
	connectData, err := p.engine.OnConnectRequest(pkt, s.puzzleMgr, token, s.protocolVersion)
	if err != nil {
		s.log.Debug("connect_request rejected", "addr", addr, "err", err)
		return
	}
	s.events.Push(tsevent.Event{
		Type:           tsevent.ConnectionRequested,
		ConnectionID:   p.id,
		ClientIdentity: pkt.ClientIdentityToken,
		PublicKey:      pkt.InitiatorPublicKey,
		Data:           connectData,
		SourceAddress:  addr,
	})
}

func (s *Socket) handleConnectReject(data []byte, addr net.Addr) {
	p, ok := s.byAddr[addrKey(addr)]
	if !ok {
		return
	}
	pkt, err := handshake.DecodeConnectReject(data)
	if err != nil {
		return
	}
	reason, err := p.engine.OnConnectReject(pkt)
	if err != nil {
		return
	}
	s.events.Push(tsevent.Event{Type: tsevent.Rejected, ConnectionID: p.id, Data: reason})
	s.removePeerLocked(p)
}

func (s *Socket) handleConnectAccept(data []byte, addr net.Addr) {
	p, ok := s.byAddr[addrKey(addr)]
	if !ok {
		return
	}
	pkt, err := handshake.DecodeConnectAccept(data)
	if err != nil {
		return
	}
	acceptData, err := p.engine.OnConnectAccept(pkt)
	if err != nil {
		return
	}
	p.conn = connection.NewFromEngine(p.id, p.engine, p.engine.InitialSendSequenceInitiator)
	delete(s.pendingConnect, p.id)
	s.events.Push(tsevent.Event{Type: tsevent.Accepted, ConnectionID: p.id, Data: acceptData})
	s.events.Push(tsevent.Event{Type: tsevent.Established, ConnectionID: p.id})
}

func (s *Socket) handleDisconnect(data []byte, addr net.Addr) {
	p, ok := s.byAddr[addrKey(addr)]
	if !ok {
		return
	}
	pkt, err := handshake.DecodeDisconnect(data)
	if err != nil {
		return
	}
	reason, err := p.engine.OnDisconnect(pkt)
	if err != nil {
		return
	}
	s.events.Push(tsevent.Event{Type: tsevent.Disconnected, ConnectionID: p.id, Data: reason})
	s.removePeerLocked(p)
}

func (s *Socket) handlePunch(data []byte, addr net.Addr) {
	pkt, err := handshake.DecodePunch(data)
	if err != nil {
		return
	}
	p, ok := s.byAddr[addrKey(addr)]
	if !ok {
		p = s.findPunchingPeerLocked(pkt.InitiatorNonce, pkt.HostNonce)
		if p == nil {
			return
		}
		p.engine.RemoteAddr = addr
		s.byAddr[addrKey(addr)] = p
	}
	if err := p.engine.OnPunch(pkt); err != nil {
		return
	}
	if p.engine.State == handshake.StateAwaitingChallengeResponse {
		req := p.engine.BuildChallengeRequest()
		s.sendLocked(req, addr)
	}
}

// findPunchingPeerLocked locates a peer registered by handleSendPunchPacket
// that has not yet been bound to a real address, matching it by the nonce
// pair the introducer minted for it (§4.3 "Introduced connection
// sequence").
func (s *Socket) findPunchingPeerLocked(initiatorNonce, hostNonce uint64) *peer {
	for _, p := range s.byID {
		if p.engine == nil || p.engine.State != handshake.StateSendingPunchPackets {
			continue
		}
		if p.engine.RemoteAddr != nil {
			continue
		}
		if p.engine.InitiatorNonce == initiatorNonce && p.engine.HostNonce == hostNonce {
			return p
		}
	}
	return nil
}

func (s *Socket) handleDataPacket(data []byte, addr net.Addr) {
	p, ok := s.byAddr[addrKey(addr)]
	if !ok || p.conn == nil {
		return
	}
	payload, notifies, err := p.conn.Receive(data)
	if err != nil {
		return
	}
	for _, n := range notifies {
		s.events.Push(n)
	}
	if payload != nil {
		s.events.Push(tsevent.Event{Type: tsevent.ConnectionPacket, ConnectionID: p.id, Data: payload, SourceAddress: addr})
	}
}

// drainPuzzleResultsLocked advances every engine whose puzzle job has
// completed, automatically emitting the connect_request once a solution is
// found (§4.3 step 3, §4.4).
func (s *Socket) drainPuzzleResultsLocked() {
	for {
		res, ok := s.solver.Poll()
		if !ok {
			return
		}
		p, ok := s.byID[res.JobIndex]
		if !ok {
			continue
		}
		if res.Cancelled {
			continue
		}
		if err := p.engine.OnPuzzleSolved(res.Solution); err != nil {
			continue
		}
		symKey, err := cipherRandom16()
		if err != nil {
			continue
		}
		pending := s.pendingConnect[p.id]
		var initSeq [4]byte
		_, _ = cryptoRand(initSeq[:])
		reqBytes, err := p.engine.BuildConnectRequest(publicKeyBytes(s.privateKey), symKey, leU32(initSeq), pending.data)
		if err != nil {
			continue
		}
		s.sendLocked(reqBytes, p.engine.RemoteAddr)
	}
}

// tickLocked drives retry/timeout bookkeeping for every pending handshake
// (§4.3, §6). Completed connections don't need ticking: they rely on the
// application's own send cadence plus the window's ack mechanism instead of
// a retry timer.
func (s *Socket) tickLocked(now mclock.AbsTime) {
	s.puzzleMgr.Tick()
	for id, p := range s.byID {
		if p.conn != nil {
			continue
		}
		resend, ok := p.engine.Tick(now)
		if ok {
			dest := p.engine.RemoteAddr
			if p.engine.State == handshake.StateSendingPunchPackets && p.puncher != nil {
				if target, ok := p.puncher.NextTarget(); ok {
					dest = target
				}
			}
			s.sendLocked(resend, dest)
			continue
		}
		if p.engine.State == handshake.StateTimedOut {
			s.events.Push(tsevent.Event{Type: tsevent.TimedOut, ConnectionID: id})
			s.removePeerLocked(p)
		}
	}
}
