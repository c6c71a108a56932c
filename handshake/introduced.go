package handshake

import (
	"errors"

	"github.com/torquesockets/torquesockets/cipher"
)

// ConnectionLookup is the subset of a socket's connection table the
// introducer orchestration needs: looking up an existing connection either
// by its handshake nonce pair (to authenticate an incoming
// introduction_request) or by the client identity the requester wants to
// reach (§4.3 "Introduced connection sequence").
type ConnectionLookup interface {
	FindByNonces(initiatorNonce, hostNonce uint64) (*Engine, bool)
	FindByClientID(clientID uint32) (*Engine, bool)
}

var (
	ErrUnknownSender = errors.New("handshake: introduction_request does not match an established connection")
	ErrUnknownTarget = errors.New("handshake: introduction_request names an unknown peer")
)

// HandleIntroductionRequest implements the introducer T's side of
// rendezvous (§4.3 "Introduced connection sequence"): it authenticates the
// request against the sender's existing connection, resolves the named
// peer, mints a fresh nonce pair for the direct handshake the two peers are
// about to attempt, and returns the two send_punch_packet messages T must
// deliver — one to the original sender, one to the target — each carrying
// the other's candidate address set and a PeerIsHost flag telling each side
// which end plays host in the handshake that follows.
func HandleIntroductionRequest(
	pkt IntroductionRequest,
	lookup ConnectionLookup,
	randSource func() (uint64, error),
	senderCandidates, targetCandidates []CandidateAddress,
) (toSender, toTarget SendPunchPacket, err error) {
	senderConn, ok := lookup.FindByNonces(pkt.AuthNonceA, pkt.AuthNonceB)
	if !ok {
		return SendPunchPacket{}, SendPunchPacket{}, ErrUnknownSender
	}
	_ = senderConn // authenticated: sender has a live connection to T

	targetConn, ok := lookup.FindByClientID(pkt.RemoteClientID)
	if !ok {
		return SendPunchPacket{}, SendPunchPacket{}, ErrUnknownTarget
	}
	_ = targetConn

	initiatorNonce, err := randSource()
	if err != nil {
		return SendPunchPacket{}, SendPunchPacket{}, err
	}
	hostNonce, err := randSource()
	if err != nil {
		return SendPunchPacket{}, SendPunchPacket{}, err
	}

	toSender = SendPunchPacket{
		InitiatorNonce: initiatorNonce,
		HostNonce:      hostNonce,
		PeerIsHost:     true,
		Candidates:     targetCandidates,
	}
	toTarget = SendPunchPacket{
		InitiatorNonce: initiatorNonce,
		HostNonce:      hostNonce,
		PeerIsHost:     false,
		Candidates:     senderCandidates,
	}
	return toSender, toTarget, nil
}

// SealIntroductionRequest builds an authenticated introduction_request
// riding the sender's existing connection to the introducer, encrypting
// plaintext and MACing the whole packet under that connection's shared
// secret (§4.3 "Introduced connection sequence", §4.5).
func SealIntroductionRequest(sharedSecret [cipher.SharedSecretSize]byte, authNonceA, authNonceB uint64, remoteClientID, token uint32, plaintext []byte) (IntroductionRequest, error) {
	pkt := IntroductionRequest{AuthNonceA: authNonceA, AuthNonceB: authNonceB, RemoteClientID: remoteClientID, Token: token}
	key, iv := cipher.SplitHandshakeKey(sharedSecret)
	ciphertext, mac, err := cipher.Seal(key, iv, 0, pkt.unencryptedPrefix(), plaintext)
	if err != nil {
		return IntroductionRequest{}, err
	}
	pkt.EncryptedBlob = ciphertext
	copy(pkt.MAC[:], mac)
	return pkt, nil
}

// OpenIntroductionRequest authenticates and decrypts an introduction_request
// against the shared secret of the connection it claims to ride.
func OpenIntroductionRequest(sharedSecret [cipher.SharedSecretSize]byte, pkt IntroductionRequest) ([]byte, error) {
	key, iv := cipher.SplitHandshakeKey(sharedSecret)
	return cipher.Open(key, iv, 0, pkt.unencryptedPrefix(), pkt.EncryptedBlob, pkt.MAC[:])
}

// SealSendPunchPacket MACs (without encrypting — candidate addresses carry
// no confidentiality requirement) a send_punch_packet under the shared
// secret of the introducer<->peer connection it rides over (§4.5).
func SealSendPunchPacket(sharedSecret [cipher.SharedSecretSize]byte, pkt SendPunchPacket) (SendPunchPacket, error) {
	key, iv := cipher.SplitHandshakeKey(sharedSecret)
	_, mac, err := cipher.Seal(key, iv, 0, pkt.unencryptedPrefix(), nil)
	if err != nil {
		return SendPunchPacket{}, err
	}
	copy(pkt.MAC[:], mac)
	return pkt, nil
}

// VerifySendPunchPacket reports whether pkt's MAC matches under
// sharedSecret.
func VerifySendPunchPacket(sharedSecret [cipher.SharedSecretSize]byte, pkt SendPunchPacket) bool {
	key, iv := cipher.SplitHandshakeKey(sharedSecret)
	_, err := cipher.Open(key, iv, 0, pkt.unencryptedPrefix(), nil, pkt.MAC[:])
	return err == nil
}

// NewIntroducedInitiatorEngine starts the direct handshake half of an
// introduced connection on the side whose send_punch_packet said
// PeerIsHost=true: it begins punching towards the candidate set T supplied,
// and once OnPunch matches it moves to AwaitingChallengeResponse so the
// normal challenge/puzzle round runs (§4.3 "Introduced connection
// sequence").
func NewIntroducedInitiatorEngine(e *Engine, initiatorNonce, hostNonce uint64) {
	e.Role = RoleIntroducedInitiator
	e.InitiatorNonce = initiatorNonce
	e.HostNonce = hostNonce
	e.State = StateSendingPunchPackets
}

// NewIntroducedHostEngine is the PeerIsHost=false counterpart.
func NewIntroducedHostEngine(e *Engine, initiatorNonce, hostNonce uint64) {
	e.Role = RoleIntroducedHost
	e.InitiatorNonce = initiatorNonce
	e.HostNonce = hostNonce
	e.State = StateSendingPunchPackets
}

// BuildPunch returns the wire bytes for one punch datagram towards a
// candidate address, recording the send for PunchRetryCount/RetryInterval
// bookkeeping (§4.3, §6).
func (e *Engine) BuildPunch() []byte {
	pkt := Punch{InitiatorNonce: e.InitiatorNonce, HostNonce: e.HostNonce}.Encode()
	e.recordSend(pkt)
	return pkt
}

// OnPunch transitions an introduced engine out of SendingPunchPackets once
// a matching punch datagram arrives from the peer, clearing the way for the
// normal connect_request/connect_accept exchange to proceed over the now
// hole-punched path (§4.3).
func (e *Engine) OnPunch(pkt Punch) error {
	if e.State != StateSendingPunchPackets {
		return ErrWrongState
	}
	if pkt.InitiatorNonce != e.InitiatorNonce || pkt.HostNonce != e.HostNonce {
		return ErrNonceMismatch
	}
	switch e.Role {
	case RoleIntroducedInitiator:
		e.State = StateAwaitingChallengeResponse
	case RoleIntroducedHost:
		e.State = StateAwaitingConnectRequest
	}
	return nil
}
