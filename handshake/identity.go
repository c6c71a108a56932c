package handshake

import (
	"crypto/sha256"
	"encoding/binary"
)

// ClientIdentityToken derives the 4-byte anti-amplification token a host
// embeds in its connect_challenge_response and later verifies in the
// matching connect_request (§4.3 step 2, §4.4): it binds the challenge to
// the requester's observed address and nonce so a forged source address
// can't reuse another client's puzzle solution.
//
//	token = SHA256(remoteAddress || initiatorNonce || randomHashSecret)[0:4]
func ClientIdentityToken(remoteAddress []byte, initiatorNonce uint64, randomHashSecret [32]byte) uint32 {
	h := sha256.New()
	h.Write(remoteAddress)
	var nonceBuf [8]byte
	binary.LittleEndian.PutUint64(nonceBuf[:], initiatorNonce)
	h.Write(nonceBuf[:])
	h.Write(randomHashSecret[:])
	digest := h.Sum(nil)
	return binary.LittleEndian.Uint32(digest[0:4])
}
