package handshake

import (
	"bytes"
	"crypto/ecdsa"
	"net"
	"testing"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/torquesockets/torquesockets/cipher"
	"github.com/torquesockets/torquesockets/puzzle"
)

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	k, err := cipher.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return k
}

func TestFullDirectHandshake(t *testing.T) {
	clock := mclock.System{}
	hostAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000}
	initAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9001}

	initKey := mustKey(t)
	hostKey := mustKey(t)

	mgr, err := puzzle.NewManager(clock, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	initiator := NewInitiatorEngine(clock, hostAddr, initKey, 0x1111)
	reqBytes := initiator.BuildChallengeRequest()

	host := NewHostEngine(clock, initAddr, hostKey)
	req, err := DecodeChallengeRequest(reqBytes)
	if err != nil {
		t.Fatalf("decode challenge request: %v", err)
	}
	if err := host.OnChallengeRequest(req); err != nil {
		t.Fatalf("host on challenge request: %v", err)
	}

	serverNonce, difficulty := mgr.Issue()
	var hashSecret [32]byte
	token := ClientIdentityToken([]byte(initAddr.String()), req.InitiatorNonce, hashSecret)
	respBytes, err := host.BuildChallengeResponse(serverNonce, difficulty, token, DefaultProtocolVersion, cipher.MarshalPublicKey(&hostKey.PublicKey), nil)
	if err != nil {
		t.Fatalf("build challenge response: %v", err)
	}

	resp, err := DecodeChallengeResponse(respBytes)
	if err != nil {
		t.Fatalf("decode challenge response: %v", err)
	}
	hostPub, err := cipher.UnmarshalPublicKey(resp.HostPublicKey)
	if err != nil {
		t.Fatalf("unmarshal host pub: %v", err)
	}
	if err := initiator.OnChallengeResponse(resp, hostPub); err != nil {
		t.Fatalf("initiator on challenge response: %v", err)
	}
	if err := initiator.AcceptChallenge(); err != nil {
		t.Fatalf("initiator accept challenge: %v", err)
	}

	var solution uint32
	for !puzzle.CheckOneSolution(solution, initiator.InitiatorNonce, initiator.HostNonce, initiator.Difficulty, initiator.ClientIdentityToken) {
		solution++
	}
	if err := initiator.OnPuzzleSolved(solution); err != nil {
		t.Fatalf("on puzzle solved: %v", err)
	}

	symKey, err := cipher.NewRandom16()
	if err != nil {
		t.Fatalf("random key: %v", err)
	}
	connReqBytes, err := initiator.BuildConnectRequest(cipher.MarshalPublicKey(&initKey.PublicKey), symKey, 1000, []byte("hello host"))
	if err != nil {
		t.Fatalf("build connect request: %v", err)
	}

	connReq, err := DecodeConnectRequest(connReqBytes)
	if err != nil {
		t.Fatalf("decode connect request: %v", err)
	}
	connectData, err := host.OnConnectRequest(connReq, mgr, token, DefaultProtocolVersion)
	if err != nil {
		t.Fatalf("host on connect request: %v", err)
	}
	if !bytes.Equal(connectData, []byte("hello host")) {
		t.Fatalf("connect data mismatch: got %q", connectData)
	}

	acceptBytes, err := host.AcceptConnection(2000, []byte("welcome"))
	if err != nil {
		t.Fatalf("accept connection: %v", err)
	}
	if host.State != StateConnected {
		t.Fatalf("host state = %v, want connected", host.State)
	}

	accept, err := DecodeConnectAccept(acceptBytes)
	if err != nil {
		t.Fatalf("decode connect accept: %v", err)
	}
	acceptData, err := initiator.OnConnectAccept(accept)
	if err != nil {
		t.Fatalf("initiator on connect accept: %v", err)
	}
	if !bytes.Equal(acceptData, []byte("welcome")) {
		t.Fatalf("accept data mismatch: got %q", acceptData)
	}
	if initiator.State != StateConnected {
		t.Fatalf("initiator state = %v, want connected", initiator.State)
	}
	if initiator.SharedSecret() != host.SharedSecret() {
		t.Fatalf("shared secrets diverge between initiator and host")
	}
	if initiator.InitialSendSequenceHost != 2000 {
		t.Fatalf("initial send sequence host = %d, want 2000", initiator.InitialSendSequenceHost)
	}
	if host.InitialSendSequenceInitiator != 1000 {
		t.Fatalf("initial send sequence initiator = %d, want 1000", host.InitialSendSequenceInitiator)
	}

	// A retransmitted connect_request with the same nonce pair must be
	// answered idempotently with the original connect_accept, not treated
	// as a fresh connection attempt.
	resend, dup := host.DuplicateConnectRequest(connReq)
	if !dup {
		t.Fatalf("expected duplicate connect_request to be recognized")
	}
	if !bytes.Equal(resend, acceptBytes) {
		t.Fatalf("resent connect_accept differs from the original")
	}
	if host.State != StateConnected {
		t.Fatalf("duplicate connect_request must not change host state, got %v", host.State)
	}
	mismatched := connReq
	mismatched.HostNonce++
	if _, dup := host.DuplicateConnectRequest(mismatched); dup {
		t.Fatalf("request with a different nonce pair must not be treated as a duplicate")
	}
}

func TestOnConnectRequestRejectsProtocolVersionMismatch(t *testing.T) {
	clock := mclock.System{}
	hostKey := mustKey(t)
	host := NewHostEngine(clock, &net.UDPAddr{Port: 1}, hostKey)
	host.InitiatorNonce = 1
	host.HostNonce = 2
	host.State = StateAwaitingConnectRequest

	mgr, err := puzzle.NewManager(clock, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	req := ConnectRequest{InitiatorNonce: 1, HostNonce: 2, ProtocolVersion: DefaultProtocolVersion + 1}
	if _, err := host.OnConnectRequest(req, mgr, 0, DefaultProtocolVersion); err != ErrProtocolVersionMismatch {
		t.Fatalf("expected ErrProtocolVersionMismatch, got %v", err)
	}
}

func TestConnectRejectEndsHandshake(t *testing.T) {
	clock := mclock.System{}
	initKey := mustKey(t)
	hostKey := mustKey(t)
	hostAddr := &net.UDPAddr{Port: 1}
	initAddr := &net.UDPAddr{Port: 2}

	host := NewHostEngine(clock, initAddr, hostKey)
	host.InitiatorNonce = 7
	host.HostNonce = 8
	host.State = StateAwaitingLocalAccept

	rejectBytes, err := host.RejectConnection([]byte("no thanks"))
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if host.State != StateRejected {
		t.Fatalf("host state = %v, want rejected", host.State)
	}

	initiator := NewInitiatorEngine(clock, hostAddr, initKey, 7)
	initiator.HostNonce = 8
	reject, err := DecodeConnectReject(rejectBytes)
	if err != nil {
		t.Fatalf("decode reject: %v", err)
	}
	reason, err := initiator.OnConnectReject(reject)
	if err != nil {
		t.Fatalf("on connect reject: %v", err)
	}
	if string(reason) != "no thanks" {
		t.Fatalf("reason = %q", reason)
	}
	if initiator.State != StateRejected {
		t.Fatalf("initiator state = %v, want rejected", initiator.State)
	}
}

func TestDisconnectAuthenticatedUnderSharedSecret(t *testing.T) {
	clock := mclock.System{}
	a := &Engine{clock: clock, InitiatorNonce: 1, HostNonce: 2}
	b := &Engine{clock: clock, InitiatorNonce: 1, HostNonce: 2}
	a.sharedSecret = [32]byte{1, 2, 3}
	b.sharedSecret = a.sharedSecret

	pkt, err := a.BuildDisconnect([]byte("bye"))
	if err != nil {
		t.Fatalf("build disconnect: %v", err)
	}
	if a.State != StateDisconnected {
		t.Fatalf("state = %v", a.State)
	}
	d, err := DecodeDisconnect(pkt)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	reason, err := b.OnDisconnect(d)
	if err != nil {
		t.Fatalf("on disconnect: %v", err)
	}
	if string(reason) != "bye" {
		t.Fatalf("reason = %q", reason)
	}
}

func TestTickRetriesThenTimesOut(t *testing.T) {
	clock := &mclock.Simulated{}
	initiator := NewInitiatorEngine(clock, &net.UDPAddr{}, mustKey(t), 1)
	initiator.BuildChallengeRequest()

	for i := 0; i < ChallengeRetryCount; i++ {
		clock.Run(RetryInterval)
		if _, ok := initiator.Tick(clock.Now()); !ok {
			t.Fatalf("expected resend on attempt %d", i)
		}
	}
	clock.Run(RetryInterval)
	if _, ok := initiator.Tick(clock.Now()); ok {
		t.Fatalf("expected no resend once retries exhausted")
	}
	if initiator.State != StateTimedOut {
		t.Fatalf("state = %v, want timed-out", initiator.State)
	}
}
