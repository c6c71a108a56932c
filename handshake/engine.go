package handshake

import (
	"crypto/ecdsa"
	"errors"
	"net"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/torquesockets/torquesockets/cipher"
	"github.com/torquesockets/torquesockets/puzzle"
)

// State is a node in the per-connection handshake state machine (§3, §4.2).
// Some states only ever apply to one Role; the machine is shared so the
// transition table stays in one place.
type State int

const (
	StateAwaitingChallengeResponse State = iota
	StateComputingPuzzleSolution
	StateAwaitingLocalChallengeAccept
	StateAwaitingLocalAccept
	StateAwaitingConnectResponse
	StateAwaitingConnectRequest
	StateSendingPunchPackets
	StateConnected
	StateDisconnected
	StateTimedOut
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateAwaitingChallengeResponse:
		return "awaiting-challenge-response"
	case StateComputingPuzzleSolution:
		return "computing-puzzle-solution"
	case StateAwaitingLocalChallengeAccept:
		return "awaiting-local-challenge-accept"
	case StateAwaitingLocalAccept:
		return "awaiting-local-accept"
	case StateAwaitingConnectResponse:
		return "awaiting-connect-response"
	case StateAwaitingConnectRequest:
		return "awaiting-connect-request"
	case StateSendingPunchPackets:
		return "sending-punch-packets"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateTimedOut:
		return "timed-out"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Role distinguishes which side of the handshake a node is playing, and
// whether the connection was arranged via an introducer (§3, §4.3).
type Role int

const (
	RoleInitiator Role = iota
	RoleHost
	RoleIntroducedInitiator
	RoleIntroducedHost
)

// Retry/timeout schedule (§4.3, §6). A node gives up after RetryCount
// unacknowledged sends spaced RetryInterval apart.
const (
	RetryInterval          = 2500 * time.Millisecond
	ChallengeRetryCount    = 4
	ConnectRequestRetryCount = 4
	PunchRetryCount        = 6
	PuzzleSolveTimeout     = 30 * time.Second
)

// DefaultProtocolVersion is the protocol revision a Socket advertises
// unless configured otherwise (§4.3 supplemental note, original_source/
// challenge_response version byte).
const DefaultProtocolVersion = 1

var (
	ErrWrongState             = errors.New("handshake: packet not valid in current state")
	ErrNonceMismatch          = errors.New("handshake: nonce mismatch")
	ErrBadToken               = errors.New("handshake: client identity token mismatch")
	ErrBadPuzzle              = errors.New("handshake: puzzle check failed")
	ErrBadMAC                 = cipher.ErrMACMismatch
	ErrProtocolVersionMismatch = errors.New("handshake: protocol version mismatch")
)

// Engine drives one connection's handshake from the first challenge
// request through to StateConnected (or an abort state), on either the
// initiator or host side (§4.2, §4.3).
type Engine struct {
	Role  Role
	State State

	clock mclock.Clock

	RemoteAddr net.Addr

	InitiatorNonce uint64
	HostNonce      uint64

	ClientIdentityToken uint32
	Difficulty          uint32
	PuzzleSolution      uint32
	ProtocolVersion     uint8

	ownKey    *ecdsa.PrivateKey
	PeerKey   *ecdsa.PublicKey
	sharedSecret [cipher.SharedSecretSize]byte

	// SymmetricKey/InitVector seed the per-connection data-packet cipher
	// (distinct from sharedSecret, which only ever MACs/encrypts the
	// handshake-path messages themselves, §4.5).
	SymmetricKey [16]byte
	InitVector   [16]byte

	InitialSendSequenceInitiator uint32
	InitialSendSequenceHost      uint32

	attempts     int
	lastSent     mclock.AbsTime
	lastSentPkt  []byte

	// lastAcceptPkt is the host's own connect_accept, kept around after
	// StateConnected so a duplicate connect_request (the original having
	// raced or lost its reply) can be answered idempotently instead of
	// re-running the handshake (§4.2 "Duplicate received connect-request
	// with matching nonce pair").
	lastAcceptPkt []byte
}

// NewInitiatorEngine begins a direct connect sequence as the connecting
// side (§4.3 step 1).
func NewInitiatorEngine(clock mclock.Clock, remote net.Addr, ownKey *ecdsa.PrivateKey, initiatorNonce uint64) *Engine {
	if clock == nil {
		clock = mclock.System{}
	}
	return &Engine{
		Role:           RoleInitiator,
		State:          StateAwaitingChallengeResponse,
		clock:          clock,
		RemoteAddr:     remote,
		InitiatorNonce: initiatorNonce,
		ownKey:         ownKey,
	}
}

// NewHostEngine is created when a host first sees a connect_challenge_request
// from a new remote address (§4.3 step 2).
func NewHostEngine(clock mclock.Clock, remote net.Addr, ownKey *ecdsa.PrivateKey) *Engine {
	if clock == nil {
		clock = mclock.System{}
	}
	return &Engine{
		Role:       RoleHost,
		State:      StateAwaitingConnectRequest,
		clock:      clock,
		RemoteAddr: remote,
		ownKey:     ownKey,
	}
}

// BuildChallengeRequest returns the wire bytes for step 1, recording the
// send for retry bookkeeping.
func (e *Engine) BuildChallengeRequest() []byte {
	pkt := ChallengeRequest{InitiatorNonce: e.InitiatorNonce}.Encode()
	e.recordSend(pkt)
	return pkt
}

// OnChallengeRequest (host side) validates the initial packet (no nonce
// pairing is expected yet, since the host nonce doesn't exist) and returns
// the caller to the state in which it must obtain a server nonce and
// difficulty from the puzzle manager before replying (§4.3 step 2).
func (e *Engine) OnChallengeRequest(pkt ChallengeRequest) error {
	if e.State != StateAwaitingConnectRequest {
		return ErrWrongState
	}
	e.InitiatorNonce = pkt.InitiatorNonce
	return nil
}

// BuildChallengeResponse (host side) is sent once the caller has obtained a
// server nonce/difficulty from puzzle.Manager.Issue and computed the
// client identity token (§4.3 step 2).
func (e *Engine) BuildChallengeResponse(hostNonce uint64, difficulty uint32, token uint32, protocolVersion uint8, hostPub []byte, appData []byte) ([]byte, error) {
	e.HostNonce = hostNonce
	e.Difficulty = difficulty
	e.ClientIdentityToken = token
	e.ProtocolVersion = protocolVersion
	pkt, err := ChallengeResponse{
		InitiatorNonce:      e.InitiatorNonce,
		ClientIdentityToken: token,
		HostNonce:           hostNonce,
		Difficulty:          uint8(difficulty),
		ProtocolVersion:     protocolVersion,
		HostPublicKey:       hostPub,
		ChallengeData:       appData,
	}.Encode()
	if err != nil {
		return nil, err
	}
	e.recordSend(pkt)
	return pkt, nil
}

// OnChallengeResponse (initiator side) validates the nonce it echoes back
// and moves to AwaitingLocalChallengeAccept: the application must still call
// AcceptChallenge before puzzle solving starts (§3 state table, §4.1
// accept_challenge, §4.3 step 2).
func (e *Engine) OnChallengeResponse(pkt ChallengeResponse, peerPub *ecdsa.PublicKey) error {
	if e.State != StateAwaitingChallengeResponse {
		return ErrWrongState
	}
	if pkt.InitiatorNonce != e.InitiatorNonce {
		return ErrNonceMismatch
	}
	e.HostNonce = pkt.HostNonce
	e.Difficulty = uint32(pkt.Difficulty)
	e.ClientIdentityToken = pkt.ClientIdentityToken
	e.ProtocolVersion = pkt.ProtocolVersion
	e.PeerKey = peerPub
	e.State = StateAwaitingLocalChallengeAccept
	return nil
}

// AcceptChallenge (initiator side) is the application's consent to proceed
// past the received challenge, moving to ComputingPuzzleSolution; the
// caller (socket loop) is responsible for submitting a puzzle.Job to the
// solver (§4.1 accept_challenge, §4.3 step 2, §4.4).
func (e *Engine) AcceptChallenge() error {
	if e.State != StateAwaitingLocalChallengeAccept {
		return ErrWrongState
	}
	e.State = StateComputingPuzzleSolution
	return nil
}

// OnPuzzleSolved (initiator side) records the solved puzzle and derives the
// ECDH shared secret, advancing to AwaitingConnectResponse once the caller
// sends the resulting BuildConnectRequest (§4.3 step 3, §4.4 step 2).
func (e *Engine) OnPuzzleSolved(solution uint32) error {
	if e.State != StateComputingPuzzleSolution {
		return ErrWrongState
	}
	e.PuzzleSolution = solution
	secret, err := cipher.DeriveSharedSecret(e.ownKey, e.PeerKey)
	if err != nil {
		return err
	}
	e.sharedSecret = secret
	return nil
}

// BuildConnectRequest (initiator side) encrypts {symmetricKey,
// initialSendSequence, connectData} under the shared secret and appends
// the truncated MAC (§4.3 step 3, §4.5).
func (e *Engine) BuildConnectRequest(ownPub []byte, symmetricKey [16]byte, initialSendSequence uint32, connectData []byte) ([]byte, error) {
	if e.State != StateComputingPuzzleSolution {
		return nil, ErrWrongState
	}
	e.SymmetricKey = symmetricKey
	e.InitialSendSequenceInitiator = initialSendSequence

	plaintext := make([]byte, 0, 20+len(connectData))
	plaintext = append(plaintext, symmetricKey[:]...)
	plaintext = appendU32(plaintext, initialSendSequence)
	plaintext = append(plaintext, connectData...)

	key, iv := cipher.SplitHandshakeKey(e.sharedSecret)
	pkt := ConnectRequest{
		InitiatorNonce:      e.InitiatorNonce,
		HostNonce:           e.HostNonce,
		ClientIdentityToken: e.ClientIdentityToken,
		Difficulty:          uint8(e.Difficulty),
		ProtocolVersion:     e.ProtocolVersion,
		Solution:            e.PuzzleSolution,
		InitiatorPublicKey:  ownPub,
	}
	ciphertext, mac, err := cipher.Seal(key, iv, 0, pkt.unencryptedPrefix(), plaintext)
	if err != nil {
		return nil, err
	}
	pkt.EncryptedBlob = ciphertext
	copy(pkt.MAC[:], mac)

	encoded, err := pkt.Encode()
	if err != nil {
		return nil, err
	}
	e.State = StateAwaitingConnectResponse
	e.recordSend(encoded)
	return encoded, nil
}

// OnConnectRequest (host side) validates the nonce pairing, re-derives the
// client identity token and checks it, verifies the puzzle solution via
// mgr, derives the shared secret from the initiator's public key, and
// decrypts the request body. On success it moves to AwaitingLocalAccept and
// the caller emits a ConnectionRequested event to the application (§4.3
// step 4, §4.4). expectedProtocolVersion is the value this host advertised
// in its own ChallengeResponse; a mismatch is dropped before any
// cryptographic work runs.
func (e *Engine) OnConnectRequest(pkt ConnectRequest, mgr *puzzle.Manager, expectedToken uint32, expectedProtocolVersion uint8) ([]byte, error) {
	if e.State != StateAwaitingConnectRequest {
		return nil, ErrWrongState
	}
	if pkt.InitiatorNonce != e.InitiatorNonce || pkt.HostNonce != e.HostNonce {
		return nil, ErrNonceMismatch
	}
	if pkt.ProtocolVersion != expectedProtocolVersion {
		return nil, ErrProtocolVersionMismatch
	}
	if pkt.ClientIdentityToken != expectedToken {
		return nil, ErrBadToken
	}
	if res := mgr.CheckSolution(pkt.Solution, pkt.InitiatorNonce, pkt.HostNonce, uint32(pkt.Difficulty), pkt.ClientIdentityToken); res != puzzle.Success {
		return nil, ErrBadPuzzle
	}

	peerPub, err := cipher.UnmarshalPublicKey(pkt.InitiatorPublicKey)
	if err != nil {
		return nil, err
	}
	e.PeerKey = peerPub
	secret, err := cipher.DeriveSharedSecret(e.ownKey, e.PeerKey)
	if err != nil {
		return nil, err
	}
	e.sharedSecret = secret

	key, iv := cipher.SplitHandshakeKey(e.sharedSecret)
	plaintext, err := cipher.Open(key, iv, 0, pkt.unencryptedPrefix(), pkt.EncryptedBlob, pkt.MAC[:])
	if err != nil {
		return nil, err
	}
	if len(plaintext) < 20 {
		return nil, ErrTruncated
	}
	copy(e.SymmetricKey[:], plaintext[0:16])
	e.InitialSendSequenceInitiator = decodeU32(plaintext[16:20])
	connectData := plaintext[20:]

	e.State = StateAwaitingLocalAccept
	return connectData, nil
}

// AcceptConnection (host side) is called once the application has approved
// the pending connection request; it builds the connect_accept packet and
// moves to Connected (§4.3 step 5).
func (e *Engine) AcceptConnection(initialSendSequence uint32, acceptData []byte) ([]byte, error) {
	if e.State != StateAwaitingLocalAccept {
		return nil, ErrWrongState
	}
	e.InitialSendSequenceHost = initialSendSequence
	iv, err := cipher.NewRandom16()
	if err != nil {
		return nil, err
	}
	e.InitVector = iv

	plaintext := make([]byte, 0, 20+16+len(acceptData))
	plaintext = appendU32(plaintext, initialSendSequence)
	plaintext = append(plaintext, acceptData...)
	plaintext = append(plaintext, iv[:]...)

	key, hiv := cipher.SplitHandshakeKey(e.sharedSecret)
	pkt := ConnectAccept{InitiatorNonce: e.InitiatorNonce, HostNonce: e.HostNonce}
	ciphertext, mac, err := cipher.Seal(key, hiv, 0, pkt.unencryptedPrefix(), plaintext)
	if err != nil {
		return nil, err
	}
	pkt.EncryptedBlob = ciphertext
	copy(pkt.MAC[:], mac)

	encoded, err := pkt.Encode()
	if err != nil {
		return nil, err
	}
	e.State = StateConnected
	e.recordSend(encoded)
	e.lastAcceptPkt = encoded
	return encoded, nil
}

// DuplicateConnectRequest (host side) reports whether pkt is a retransmit
// of the connect_request this engine already completed — same nonce pair,
// already StateConnected — in which case the caller should re-send the
// stored connect_accept instead of treating it as a new connection attempt
// (§4.2 "Duplicate received connect-request with matching nonce pair:
// re-send last connect-accept (idempotent)", §8 round-trip law).
func (e *Engine) DuplicateConnectRequest(pkt ConnectRequest) ([]byte, bool) {
	if e.State != StateConnected {
		return nil, false
	}
	if pkt.InitiatorNonce != e.InitiatorNonce || pkt.HostNonce != e.HostNonce {
		return nil, false
	}
	if e.lastAcceptPkt == nil {
		return nil, false
	}
	return e.lastAcceptPkt, true
}

// RejectConnection (host side) sends a cleartext connect_reject and ends
// the handshake (§4.3 step 5 alternate path).
func (e *Engine) RejectConnection(reason []byte) ([]byte, error) {
	if e.State != StateAwaitingLocalAccept {
		return nil, ErrWrongState
	}
	pkt, err := ConnectReject{InitiatorNonce: e.InitiatorNonce, HostNonce: e.HostNonce, Reason: reason}.Encode()
	if err != nil {
		return nil, err
	}
	e.State = StateRejected
	return pkt, nil
}

// OnConnectAccept (initiator side) verifies and decrypts the accept body,
// recovers the host's initial send sequence and init vector, and completes
// the handshake (§4.3 step 5).
func (e *Engine) OnConnectAccept(pkt ConnectAccept) ([]byte, error) {
	if e.State != StateAwaitingConnectResponse {
		return nil, ErrWrongState
	}
	if pkt.InitiatorNonce != e.InitiatorNonce || pkt.HostNonce != e.HostNonce {
		return nil, ErrNonceMismatch
	}
	key, iv := cipher.SplitHandshakeKey(e.sharedSecret)
	plaintext, err := cipher.Open(key, iv, 0, pkt.unencryptedPrefix(), pkt.EncryptedBlob, pkt.MAC[:])
	if err != nil {
		return nil, err
	}
	if len(plaintext) < 20 {
		return nil, ErrTruncated
	}
	e.InitialSendSequenceHost = decodeU32(plaintext[0:4])
	acceptData := plaintext[4 : len(plaintext)-16]
	copy(e.InitVector[:], plaintext[len(plaintext)-16:])
	e.State = StateConnected
	return acceptData, nil
}

// OnConnectReject (initiator side) ends the handshake on the host's
// refusal (§4.3 step 5 alternate path).
func (e *Engine) OnConnectReject(pkt ConnectReject) ([]byte, error) {
	if pkt.InitiatorNonce != e.InitiatorNonce || pkt.HostNonce != e.HostNonce {
		return nil, ErrNonceMismatch
	}
	e.State = StateRejected
	return pkt.Reason, nil
}

// BuildDisconnect encrypts and MACs a local close reason under the
// handshake shared secret, usable from StateConnected (§4.5, §7).
func (e *Engine) BuildDisconnect(reason []byte) ([]byte, error) {
	key, iv := cipher.SplitHandshakeKey(e.sharedSecret)
	pkt := Disconnect{InitiatorNonce: e.InitiatorNonce, HostNonce: e.HostNonce}
	ciphertext, mac, err := cipher.Seal(key, iv, 0, pkt.unencryptedPrefix(), reason)
	if err != nil {
		return nil, err
	}
	pkt.EncryptedBlob = ciphertext
	copy(pkt.MAC[:], mac)
	encoded, err := pkt.Encode()
	if err != nil {
		return nil, err
	}
	e.State = StateDisconnected
	return encoded, nil
}

// OnDisconnect authenticates and decrypts a peer's close reason. Valid from
// any state that has a shared secret established (§7).
func (e *Engine) OnDisconnect(pkt Disconnect) ([]byte, error) {
	if pkt.InitiatorNonce != e.InitiatorNonce || pkt.HostNonce != e.HostNonce {
		return nil, ErrNonceMismatch
	}
	key, iv := cipher.SplitHandshakeKey(e.sharedSecret)
	reason, err := cipher.Open(key, iv, 0, pkt.unencryptedPrefix(), pkt.EncryptedBlob, pkt.MAC[:])
	if err != nil {
		return nil, err
	}
	e.State = StateDisconnected
	return reason, nil
}

// Tick drives retry/timeout bookkeeping (§4.3, §6). It returns the packet
// to resend if the retry interval elapsed, or nil with ok=false if nothing
// is due. When the retry budget for the current state is exhausted it
// transitions to StateTimedOut and returns ok=false.
func (e *Engine) Tick(now mclock.AbsTime) (resend []byte, ok bool) {
	if e.lastSentPkt == nil {
		return nil, false
	}
	if time.Duration(now-e.lastSent) < RetryInterval {
		return nil, false
	}
	limit := e.retryLimit()
	if limit == 0 {
		return nil, false
	}
	e.attempts++
	if e.attempts > limit {
		e.State = StateTimedOut
		e.lastSentPkt = nil
		return nil, false
	}
	e.lastSent = now
	return e.lastSentPkt, true
}

func (e *Engine) retryLimit() int {
	switch e.State {
	case StateAwaitingChallengeResponse:
		return ChallengeRetryCount
	case StateAwaitingConnectResponse:
		return ConnectRequestRetryCount
	case StateSendingPunchPackets:
		return PunchRetryCount
	default:
		return 0
	}
}

func (e *Engine) recordSend(pkt []byte) {
	e.attempts = 0
	e.lastSent = e.clock.Now()
	e.lastSentPkt = pkt
}

// SharedSecret exposes the derived handshake secret once established, for
// the socket layer to seed the connected-protocol cipher.
func (e *Engine) SharedSecret() [cipher.SharedSecretSize]byte { return e.sharedSecret }

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	tmp[0] = byte(v)
	tmp[1] = byte(v >> 8)
	tmp[2] = byte(v >> 16)
	tmp[3] = byte(v >> 24)
	return append(b, tmp[:]...)
}

func decodeU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
