package handshake

import "net"

// IntroductionRequest is sent by a peer already connected to an introducer
// T, asking T to arrange a direct or punched connection to another of T's
// peers (§4.3 "Introduced connection sequence"). It rides the trust of the
// sender's existing connection to T: AuthNonceA/AuthNonceB identify that
// connection so T can look up its shared_secret and authenticate the
// request, rather than T accepting an unauthenticated request naming an
// arbitrary peer.
type IntroductionRequest struct {
	AuthNonceA     uint64 // initiator nonce of the sender's connection to T
	AuthNonceB     uint64 // host nonce of the sender's connection to T
	RemoteClientID uint32 // the other peer's client identity, as known to T
	Token          uint32 // application-supplied rendezvous token
	EncryptedBlob  []byte // opaque application data, encrypted under the sender<->T shared_secret
	MAC            [5]byte
}

func (p IntroductionRequest) Encode() ([]byte, error) {
	w := writer{buf: make([]byte, 0, 32+len(p.EncryptedBlob))}
	w.byte(byte(TypeIntroductionRequest))
	w.u64(p.AuthNonceA)
	w.u64(p.AuthNonceB)
	w.u32(p.RemoteClientID)
	w.u32(p.Token)
	if err := w.blob16(p.EncryptedBlob); err != nil {
		return nil, err
	}
	w.fixed(p.MAC[:])
	return w.buf, nil
}

func DecodeIntroductionRequest(b []byte) (IntroductionRequest, error) {
	r := reader{buf: b}
	t, err := r.byte()
	if err != nil {
		return IntroductionRequest{}, err
	}
	if err := checkType(t, TypeIntroductionRequest); err != nil {
		return IntroductionRequest{}, err
	}
	var p IntroductionRequest
	if p.AuthNonceA, err = r.u64(); err != nil {
		return IntroductionRequest{}, err
	}
	if p.AuthNonceB, err = r.u64(); err != nil {
		return IntroductionRequest{}, err
	}
	if p.RemoteClientID, err = r.u32(); err != nil {
		return IntroductionRequest{}, err
	}
	if p.Token, err = r.u32(); err != nil {
		return IntroductionRequest{}, err
	}
	if p.EncryptedBlob, err = r.blob16(); err != nil {
		return IntroductionRequest{}, err
	}
	mac, err := r.fixed(5)
	if err != nil {
		return IntroductionRequest{}, err
	}
	copy(p.MAC[:], mac)
	return p, nil
}

func (p IntroductionRequest) unencryptedPrefix() []byte {
	w := writer{}
	w.byte(byte(TypeIntroductionRequest))
	w.u64(p.AuthNonceA)
	w.u64(p.AuthNonceB)
	w.u32(p.RemoteClientID)
	w.u32(p.Token)
	return w.buf
}

// CandidateAddress is one entry of the bounded candidate-address set an
// introducer forwards to each side (§3 "candidate address set", capped at
// MaxCandidateAddrs).
type CandidateAddress struct {
	IP   net.IP
	Port uint16
}

func encodeAddr(w *writer, a CandidateAddress) {
	ip4 := a.IP.To4()
	if ip4 == nil {
		ip4 = net.IPv4zero.To4()
	}
	w.fixed(ip4)
	w.u32(uint32(a.Port))
}

func decodeAddr(r *reader) (CandidateAddress, error) {
	ipBytes, err := r.fixed(4)
	if err != nil {
		return CandidateAddress{}, err
	}
	port, err := r.u32()
	if err != nil {
		return CandidateAddress{}, err
	}
	return CandidateAddress{IP: net.IP(ipBytes), Port: uint16(port)}, nil
}

// SendPunchPacket is the introducer T's instruction to each of its two
// peers to begin punching towards the other, carrying that peer's
// candidate address set and the freshly minted nonce pair for the direct
// handshake about to follow (§4.3 "Introduced connection sequence"). It is
// authenticated (MAC only, no secrecy needed) under the T<->peer
// shared_secret so a third party on-path between T and the peer can't
// redirect the punch.
type SendPunchPacket struct {
	InitiatorNonce uint64
	HostNonce      uint64
	PeerIsHost     bool
	Candidates     []CandidateAddress // <= MaxCandidateAddrs
	MAC            [5]byte
}

func (p SendPunchPacket) Encode() ([]byte, error) {
	if len(p.Candidates) > MaxCandidateAddrs {
		return nil, ErrFieldTooLarge
	}
	w := writer{buf: make([]byte, 0, 24+8*len(p.Candidates))}
	w.byte(byte(TypeSendPunchPacket))
	w.u64(p.InitiatorNonce)
	w.u64(p.HostNonce)
	if p.PeerIsHost {
		w.byte(1)
	} else {
		w.byte(0)
	}
	w.byte(byte(len(p.Candidates)))
	for _, c := range p.Candidates {
		encodeAddr(&w, c)
	}
	w.fixed(p.MAC[:])
	return w.buf, nil
}

func DecodeSendPunchPacket(b []byte) (SendPunchPacket, error) {
	r := reader{buf: b}
	t, err := r.byte()
	if err != nil {
		return SendPunchPacket{}, err
	}
	if err := checkType(t, TypeSendPunchPacket); err != nil {
		return SendPunchPacket{}, err
	}
	var p SendPunchPacket
	if p.InitiatorNonce, err = r.u64(); err != nil {
		return SendPunchPacket{}, err
	}
	if p.HostNonce, err = r.u64(); err != nil {
		return SendPunchPacket{}, err
	}
	roleByte, err := r.byte()
	if err != nil {
		return SendPunchPacket{}, err
	}
	p.PeerIsHost = roleByte != 0
	count, err := r.byte()
	if err != nil {
		return SendPunchPacket{}, err
	}
	if int(count) > MaxCandidateAddrs {
		return SendPunchPacket{}, ErrFieldTooLarge
	}
	p.Candidates = make([]CandidateAddress, count)
	for i := range p.Candidates {
		if p.Candidates[i], err = decodeAddr(&r); err != nil {
			return SendPunchPacket{}, err
		}
	}
	mac, err := r.fixed(5)
	if err != nil {
		return SendPunchPacket{}, err
	}
	copy(p.MAC[:], mac)
	return p, nil
}

func (p SendPunchPacket) unencryptedPrefix() []byte {
	w := writer{}
	w.byte(byte(TypeSendPunchPacket))
	w.u64(p.InitiatorNonce)
	w.u64(p.HostNonce)
	if p.PeerIsHost {
		w.byte(1)
	} else {
		w.byte(0)
	}
	w.byte(byte(len(p.Candidates)))
	for _, c := range p.Candidates {
		encodeAddr(&w, c)
	}
	return w.buf
}

// ArrangedConnectRequest corresponds to the original's dormant
// "arranged connection" path (old_arranged_connection_logic.h), which the
// spec's Open Questions note is not exercised by any active caller. The
// type byte is reserved and a decoder is provided, but nothing calls it: the
// socket's dispatch drops type-7 datagrams as unrecognized and the handshake
// engine does not act on them (see DESIGN.md).
type ArrangedConnectRequest struct {
	InitiatorNonce uint64
	HostNonce      uint64
}

func DecodeArrangedConnectRequest(b []byte) (ArrangedConnectRequest, error) {
	r := reader{buf: b}
	t, err := r.byte()
	if err != nil {
		return ArrangedConnectRequest{}, err
	}
	if err := checkType(t, TypeArrangedConnectRequest); err != nil {
		return ArrangedConnectRequest{}, err
	}
	var p ArrangedConnectRequest
	if p.InitiatorNonce, err = r.u64(); err != nil {
		return ArrangedConnectRequest{}, err
	}
	if p.HostNonce, err = r.u64(); err != nil {
		return ArrangedConnectRequest{}, err
	}
	return p, nil
}
