// Package handshake implements the wire packet formats and the state
// machine driving the challenge/request/accept/reject handshake, in both
// its direct and introduced (rendezvous) variants (§4.3, §6).
//
// Packet encode/decode uses encoding/binary.LittleEndian directly, per the
// spec's explicit fixed little-endian wire layout (§6) — this is one of the
// few places the teacher's usual RLP encoding is deliberately not followed,
// because RLP's variable-length list framing cannot express the concrete
// byte layout the spec mandates.
package handshake

import (
	"encoding/binary"
	"errors"
)

// PacketType is the first byte of every handshake-path UDP datagram (§6).
type PacketType byte

const (
	TypeConnectChallengeRequest  PacketType = 0
	TypeConnectChallengeResponse PacketType = 1
	TypeConnectRequest           PacketType = 2
	TypeConnectReject            PacketType = 3
	TypeConnectAccept            PacketType = 4
	TypeDisconnect               PacketType = 5
	TypePunch                    PacketType = 6
	TypeArrangedConnectRequest   PacketType = 7
	TypeIntroductionRequest      PacketType = 8
	TypeSendPunchPacket          PacketType = 9
)

// Wire limits (§6).
const (
	MaxDatagramPayload = 1480
	MaxReasonPayload    = 511
	MaxPublicKeySize    = 512
	WindowWidth         = 31
	MaxCandidateAddrs   = 5
)

// InfoPacketTypeMin and InfoPacketTypeMax bound the first-byte range the
// wire format reserves for application info packets: opaque, unencrypted
// datagrams that don't belong to any connection and are surfaced to the
// application as a socket_packet event rather than being dispatched to the
// handshake or connection packet paths (§4.1 "Dispatch rules", §6).
const (
	InfoPacketTypeMin = 32
	InfoPacketTypeMax = 127
)

var (
	ErrTruncated     = errors.New("handshake: packet truncated")
	ErrFieldTooLarge = errors.New("handshake: field exceeds maximum size")
	ErrBadType       = errors.New("handshake: unexpected packet type byte")
)

// --- small helpers shared by all packet encoders -------------------------

type writer struct{ buf []byte }

func (w *writer) byte(b byte)          { w.buf = append(w.buf, b) }
func (w *writer) u32(v uint32)         { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64)         { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *writer) blob16(b []byte) error {
	if len(b) > 0xFFFF {
		return ErrFieldTooLarge
	}
	w.buf = binary.LittleEndian.AppendUint16(w.buf, uint16(len(b)))
	w.buf = append(w.buf, b...)
	return nil
}
func (w *writer) fixed(b []byte) { w.buf = append(w.buf, b...) }

type reader struct {
	buf []byte
	pos int
}

func (r *reader) remaining() int { return len(r.buf) - r.pos }

func (r *reader) byte() (byte, error) {
	if r.remaining() < 1 {
		return 0, ErrTruncated
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) u32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, ErrTruncated
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if r.remaining() < 8 {
		return 0, ErrTruncated
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) blob16() ([]byte, error) {
	if r.remaining() < 2 {
		return nil, ErrTruncated
	}
	n := int(binary.LittleEndian.Uint16(r.buf[r.pos:]))
	r.pos += 2
	if r.remaining() < n {
		return nil, ErrTruncated
	}
	b := make([]byte, n)
	copy(b, r.buf[r.pos:r.pos+n])
	r.pos += n
	return b, nil
}

func (r *reader) fixed(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, ErrTruncated
	}
	b := make([]byte, n)
	copy(b, r.buf[r.pos:r.pos+n])
	r.pos += n
	return b, nil
}

func checkType(got byte, want PacketType) error {
	if got != byte(want) {
		return ErrBadType
	}
	return nil
}

// --- connect_challenge_request --------------------------------------------

// ChallengeRequest is I→H step 1 of the direct connect sequence (§4.3).
type ChallengeRequest struct {
	InitiatorNonce uint64
}

func (p ChallengeRequest) Encode() []byte {
	w := writer{buf: make([]byte, 0, 9)}
	w.byte(byte(TypeConnectChallengeRequest))
	w.u64(p.InitiatorNonce)
	return w.buf
}

func DecodeChallengeRequest(b []byte) (ChallengeRequest, error) {
	r := reader{buf: b}
	t, err := r.byte()
	if err != nil {
		return ChallengeRequest{}, err
	}
	if err := checkType(t, TypeConnectChallengeRequest); err != nil {
		return ChallengeRequest{}, err
	}
	n, err := r.u64()
	if err != nil {
		return ChallengeRequest{}, err
	}
	return ChallengeRequest{InitiatorNonce: n}, nil
}

// --- connect_challenge_response -------------------------------------------

// ChallengeResponse is H→I step 2 (§4.3).
type ChallengeResponse struct {
	InitiatorNonce      uint64
	ClientIdentityToken uint32
	HostNonce           uint64
	Difficulty          uint8
	// ProtocolVersion lets a host advertise the protocol revision it
	// speaks; the initiator echoes it back in ConnectRequest so the host
	// can refuse a mismatched peer before ever deriving a shared secret.
	// Carried over from original_source/'s challenge_response, which
	// embeds this byte even though spec.md's distillation dropped it.
	ProtocolVersion uint8
	HostPublicKey   []byte // <= MaxPublicKeySize
	ChallengeData   []byte // <= MaxReasonPayload, the application's blob (§4.1)
}

func (p ChallengeResponse) Encode() ([]byte, error) {
	if len(p.HostPublicKey) > MaxPublicKeySize || len(p.ChallengeData) > MaxReasonPayload {
		return nil, ErrFieldTooLarge
	}
	w := writer{buf: make([]byte, 0, 64+len(p.HostPublicKey)+len(p.ChallengeData))}
	w.byte(byte(TypeConnectChallengeResponse))
	w.u64(p.InitiatorNonce)
	w.u32(p.ClientIdentityToken)
	w.u64(p.HostNonce)
	w.byte(p.Difficulty)
	w.byte(p.ProtocolVersion)
	if err := w.blob16(p.HostPublicKey); err != nil {
		return nil, err
	}
	if err := w.blob16(p.ChallengeData); err != nil {
		return nil, err
	}
	return w.buf, nil
}

func DecodeChallengeResponse(b []byte) (ChallengeResponse, error) {
	r := reader{buf: b}
	t, err := r.byte()
	if err != nil {
		return ChallengeResponse{}, err
	}
	if err := checkType(t, TypeConnectChallengeResponse); err != nil {
		return ChallengeResponse{}, err
	}
	var p ChallengeResponse
	if p.InitiatorNonce, err = r.u64(); err != nil {
		return ChallengeResponse{}, err
	}
	if p.ClientIdentityToken, err = r.u32(); err != nil {
		return ChallengeResponse{}, err
	}
	if p.HostNonce, err = r.u64(); err != nil {
		return ChallengeResponse{}, err
	}
	if p.Difficulty, err = r.byte(); err != nil {
		return ChallengeResponse{}, err
	}
	if p.ProtocolVersion, err = r.byte(); err != nil {
		return ChallengeResponse{}, err
	}
	if p.HostPublicKey, err = r.blob16(); err != nil {
		return ChallengeResponse{}, err
	}
	if p.ChallengeData, err = r.blob16(); err != nil {
		return ChallengeResponse{}, err
	}
	return p, nil
}

// --- connect_request --------------------------------------------------

// ConnectRequest is I→H step 3 (§4.3). EncryptedBlob/MAC cover
// {symmetric_key, initial_send_sequence, opaque_connect_data} under
// shared_secret (§4.5).
type ConnectRequest struct {
	InitiatorNonce      uint64
	HostNonce           uint64
	ClientIdentityToken uint32
	Difficulty          uint8
	ProtocolVersion     uint8 // echoes ChallengeResponse.ProtocolVersion
	Solution            uint32
	InitiatorPublicKey  []byte
	EncryptedBlob       []byte
	MAC                 [5]byte
}

func (p ConnectRequest) Encode() ([]byte, error) {
	if len(p.InitiatorPublicKey) > MaxPublicKeySize {
		return nil, ErrFieldTooLarge
	}
	w := writer{buf: make([]byte, 0, 96+len(p.InitiatorPublicKey)+len(p.EncryptedBlob))}
	w.byte(byte(TypeConnectRequest))
	w.u64(p.InitiatorNonce)
	w.u64(p.HostNonce)
	w.u32(p.ClientIdentityToken)
	w.byte(p.Difficulty)
	w.byte(p.ProtocolVersion)
	w.u32(p.Solution)
	if err := w.blob16(p.InitiatorPublicKey); err != nil {
		return nil, err
	}
	if err := w.blob16(p.EncryptedBlob); err != nil {
		return nil, err
	}
	w.fixed(p.MAC[:])
	return w.buf, nil
}

func DecodeConnectRequest(b []byte) (ConnectRequest, error) {
	r := reader{buf: b}
	t, err := r.byte()
	if err != nil {
		return ConnectRequest{}, err
	}
	if err := checkType(t, TypeConnectRequest); err != nil {
		return ConnectRequest{}, err
	}
	var p ConnectRequest
	if p.InitiatorNonce, err = r.u64(); err != nil {
		return ConnectRequest{}, err
	}
	if p.HostNonce, err = r.u64(); err != nil {
		return ConnectRequest{}, err
	}
	if p.ClientIdentityToken, err = r.u32(); err != nil {
		return ConnectRequest{}, err
	}
	if p.Difficulty, err = r.byte(); err != nil {
		return ConnectRequest{}, err
	}
	if p.ProtocolVersion, err = r.byte(); err != nil {
		return ConnectRequest{}, err
	}
	if p.Solution, err = r.u32(); err != nil {
		return ConnectRequest{}, err
	}
	if p.InitiatorPublicKey, err = r.blob16(); err != nil {
		return ConnectRequest{}, err
	}
	if p.EncryptedBlob, err = r.blob16(); err != nil {
		return ConnectRequest{}, err
	}
	mac, err := r.fixed(5)
	if err != nil {
		return ConnectRequest{}, err
	}
	copy(p.MAC[:], mac)
	return p, nil
}

// unencryptedPrefix returns the bytes that act as the MAC's cleartext
// prefix for a connect_request (everything before EncryptedBlob), per the
// "truncation of SHA256(cleartext-prefix || keystream-output)" rule (§4.5).
func (p ConnectRequest) unencryptedPrefix() []byte {
	w := writer{}
	w.byte(byte(TypeConnectRequest))
	w.u64(p.InitiatorNonce)
	w.u64(p.HostNonce)
	w.u32(p.ClientIdentityToken)
	w.byte(p.Difficulty)
	w.byte(p.ProtocolVersion)
	w.u32(p.Solution)
	w.blob16(p.InitiatorPublicKey)
	return w.buf
}

// --- connect_reject -----------------------------------------------------

// ConnectReject is H→I, sent in clear (§4.3 step 5).
type ConnectReject struct {
	InitiatorNonce uint64
	HostNonce      uint64
	Reason         []byte
}

func (p ConnectReject) Encode() ([]byte, error) {
	if len(p.Reason) > MaxReasonPayload {
		return nil, ErrFieldTooLarge
	}
	w := writer{buf: make([]byte, 0, 20+len(p.Reason))}
	w.byte(byte(TypeConnectReject))
	w.u64(p.InitiatorNonce)
	w.u64(p.HostNonce)
	if err := w.blob16(p.Reason); err != nil {
		return nil, err
	}
	return w.buf, nil
}

func DecodeConnectReject(b []byte) (ConnectReject, error) {
	r := reader{buf: b}
	t, err := r.byte()
	if err != nil {
		return ConnectReject{}, err
	}
	if err := checkType(t, TypeConnectReject); err != nil {
		return ConnectReject{}, err
	}
	var p ConnectReject
	if p.InitiatorNonce, err = r.u64(); err != nil {
		return ConnectReject{}, err
	}
	if p.HostNonce, err = r.u64(); err != nil {
		return ConnectReject{}, err
	}
	if p.Reason, err = r.blob16(); err != nil {
		return ConnectReject{}, err
	}
	return p, nil
}

// --- connect_accept -------------------------------------------------------

// ConnectAccept is H→I, step 5 on accept (§4.3). EncryptedBlob/MAC cover
// {initial_send_sequence_host, opaque_accept_data, init_vector}.
type ConnectAccept struct {
	InitiatorNonce uint64
	HostNonce      uint64
	EncryptedBlob  []byte
	MAC            [5]byte
}

func (p ConnectAccept) Encode() ([]byte, error) {
	w := writer{buf: make([]byte, 0, 24+len(p.EncryptedBlob))}
	w.byte(byte(TypeConnectAccept))
	w.u64(p.InitiatorNonce)
	w.u64(p.HostNonce)
	if err := w.blob16(p.EncryptedBlob); err != nil {
		return nil, err
	}
	w.fixed(p.MAC[:])
	return w.buf, nil
}

func DecodeConnectAccept(b []byte) (ConnectAccept, error) {
	r := reader{buf: b}
	t, err := r.byte()
	if err != nil {
		return ConnectAccept{}, err
	}
	if err := checkType(t, TypeConnectAccept); err != nil {
		return ConnectAccept{}, err
	}
	var p ConnectAccept
	if p.InitiatorNonce, err = r.u64(); err != nil {
		return ConnectAccept{}, err
	}
	if p.HostNonce, err = r.u64(); err != nil {
		return ConnectAccept{}, err
	}
	if p.EncryptedBlob, err = r.blob16(); err != nil {
		return ConnectAccept{}, err
	}
	mac, err := r.fixed(5)
	if err != nil {
		return ConnectAccept{}, err
	}
	copy(p.MAC[:], mac)
	return p, nil
}

func (p ConnectAccept) unencryptedPrefix() []byte {
	w := writer{}
	w.byte(byte(TypeConnectAccept))
	w.u64(p.InitiatorNonce)
	w.u64(p.HostNonce)
	return w.buf
}

// --- disconnect -----------------------------------------------------------

// Disconnect carries the application's opaque reason, encrypted+MACed
// directly under shared_secret like connect_request/connect_accept (§4.5).
type Disconnect struct {
	InitiatorNonce uint64
	HostNonce      uint64
	EncryptedBlob  []byte
	MAC            [5]byte
}

func (p Disconnect) Encode() ([]byte, error) {
	w := writer{buf: make([]byte, 0, 24+len(p.EncryptedBlob))}
	w.byte(byte(TypeDisconnect))
	w.u64(p.InitiatorNonce)
	w.u64(p.HostNonce)
	if err := w.blob16(p.EncryptedBlob); err != nil {
		return nil, err
	}
	w.fixed(p.MAC[:])
	return w.buf, nil
}

func DecodeDisconnect(b []byte) (Disconnect, error) {
	r := reader{buf: b}
	t, err := r.byte()
	if err != nil {
		return Disconnect{}, err
	}
	if err := checkType(t, TypeDisconnect); err != nil {
		return Disconnect{}, err
	}
	var p Disconnect
	if p.InitiatorNonce, err = r.u64(); err != nil {
		return Disconnect{}, err
	}
	if p.HostNonce, err = r.u64(); err != nil {
		return Disconnect{}, err
	}
	if p.EncryptedBlob, err = r.blob16(); err != nil {
		return Disconnect{}, err
	}
	mac, err := r.fixed(5)
	if err != nil {
		return Disconnect{}, err
	}
	copy(p.MAC[:], mac)
	return p, nil
}

func (p Disconnect) unencryptedPrefix() []byte {
	w := writer{}
	w.byte(byte(TypeDisconnect))
	w.u64(p.InitiatorNonce)
	w.u64(p.HostNonce)
	return w.buf
}

// --- punch ------------------------------------------------------------

// Punch is sprayed to candidate addresses to open a NAT/firewall pinhole
// (§4.3 "Introduced connection sequence", GLOSSARY). It carries no MAC: the
// two peers don't yet share a secret at this point in the sequence.
type Punch struct {
	InitiatorNonce uint64
	HostNonce      uint64
}

func (p Punch) Encode() []byte {
	w := writer{buf: make([]byte, 0, 17)}
	w.byte(byte(TypePunch))
	w.u64(p.InitiatorNonce)
	w.u64(p.HostNonce)
	return w.buf
}

func DecodePunch(b []byte) (Punch, error) {
	r := reader{buf: b}
	t, err := r.byte()
	if err != nil {
		return Punch{}, err
	}
	if err := checkType(t, TypePunch); err != nil {
		return Punch{}, err
	}
	var p Punch
	if p.InitiatorNonce, err = r.u64(); err != nil {
		return Punch{}, err
	}
	if p.HostNonce, err = r.u64(); err != nil {
		return Punch{}, err
	}
	return p, nil
}
