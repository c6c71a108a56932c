// Package cipher implements the symmetric pipeline that covers post-handshake
// connection packets and the encrypted portions of the handshake messages:
// AES-128 counter-mode keystream plus a truncated SHA-256 integrity tag.
//
// The primitives themselves (AES, SHA-256, ECDH) are external collaborators —
// this package only fixes where they are invoked and what their inputs and
// outputs are, grounded on the key/IV/counter-mode-keystream-plus-reseeded-MAC
// structure of p2p/rlpx/framing.go, adapted from RLPx's frame MAC to the
// spec's simpler truncated-SHA-256-over-header-and-ciphertext MAC.
package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"errors"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
)

// MACSize is the width of the truncated SHA-256 integrity tag carried by
// every connected-protocol packet and encrypted handshake payload (§4.2, §4.5).
const MACSize = 5

// SharedSecretSize is the width of the ECDH-derived root secret (§4.5).
const SharedSecretSize = sha256.Size

// ErrMACMismatch is returned by Open when the integrity tag does not verify.
// The caller must treat this exactly like any other silent-drop condition —
// it is never surfaced to the application as an event (§4.2, §7).
var ErrMACMismatch = errors.New("cipher: mac mismatch")

// DeriveSharedSecret computes shared_secret = SHA256(ECDH(priv, pub)), the
// root of every per-connection symmetric key (§3, §4.5).
func DeriveSharedSecret(priv *ecdsa.PrivateKey, pub *ecdsa.PublicKey) ([SharedSecretSize]byte, error) {
	var out [SharedSecretSize]byte
	ecdhSecret, err := ecies.ImportECDSA(priv).GenerateShared(ecies.ImportECDSAPublic(pub), SharedSecretSize, 0)
	if err != nil {
		return out, err
	}
	out = sha256.Sum256(ecdhSecret)
	return out, nil
}

// GenerateKeypair creates a fresh ephemeral ECDH keypair on the secp256k1
// curve the teacher's crypto package exposes via crypto.S256().
func GenerateKeypair() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(crypto.S256(), rand.Reader)
}

// counterBlock returns baseIV treated as a 128-bit big-endian counter,
// advanced by blockOffset blocks — this is how the send sequence number is
// "mixed into the counter" so that keystream blocks never repeat within a
// connection's lifetime (§4.2, §4.5).
func counterBlock(baseIV [16]byte, blockOffset uint64) [16]byte {
	var out [16]byte
	copy(out[:], baseIV[:])
	carry := blockOffset
	for i := 15; i >= 0 && carry > 0; i-- {
		sum := uint64(out[i]) + carry
		out[i] = byte(sum)
		carry = sum >> 8
	}
	return out
}

func streamFor(key, iv [16]byte, blockOffset uint64) (stdcipher.Stream, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	ctr := counterBlock(iv, blockOffset)
	return stdcipher.NewCTR(block, ctr[:]), nil
}

// Seal encrypts plaintext into a newly allocated ciphertext slice (plaintext
// itself is left unchanged) under (key, iv) positioned at blockOffset
// blocks into the keystream, and returns a MACSize-byte truncated SHA-256 tag
// computed over headerForMAC||ciphertext.
func Seal(key, iv [16]byte, blockOffset uint64, headerForMAC, plaintext []byte) (ciphertext, mac []byte, err error) {
	stream, err := streamFor(key, iv, blockOffset)
	if err != nil {
		return nil, nil, err
	}
	ciphertext = make([]byte, len(plaintext))
	stream.XORKeyStream(ciphertext, plaintext)
	mac = truncatedMAC(headerForMAC, ciphertext)
	return ciphertext, mac, nil
}

// Open verifies the MAC over headerForMAC||ciphertext and, if it matches,
// decrypts ciphertext under (key, iv) positioned at blockOffset. A mismatch
// returns ErrMACMismatch and no plaintext — callers must drop silently.
func Open(key, iv [16]byte, blockOffset uint64, headerForMAC, ciphertext, mac []byte) ([]byte, error) {
	if !macEqual(truncatedMAC(headerForMAC, ciphertext), mac) {
		return nil, ErrMACMismatch
	}
	stream, err := streamFor(key, iv, blockOffset)
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(ciphertext))
	stream.XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}

func truncatedMAC(header, ciphertext []byte) []byte {
	h := sha256.New()
	h.Write(header)
	h.Write(ciphertext)
	return h.Sum(nil)[:MACSize]
}

func macEqual(a, b []byte) bool {
	if len(a) != len(b) || len(a) != MACSize {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}

// SplitHandshakeKey derives the (key, iv) pair handshake payloads are keyed
// from directly: the first 16 bytes of shared_secret as key, the next 16 as
// IV (§4.5).
func SplitHandshakeKey(sharedSecret [SharedSecretSize]byte) (key, iv [16]byte) {
	copy(key[:], sharedSecret[:16])
	copy(iv[:], sharedSecret[16:32])
	return key, iv
}

// NewRandom16 generates a fresh 16-byte value — used for the per-connection
// symmetric_key and init_vector chosen by initiator and host (§3).
func NewRandom16() ([16]byte, error) {
	var b [16]byte
	_, err := rand.Read(b[:])
	return b, err
}

// MarshalPublicKey renders a public key as the uncompressed point format
// carried in connect_challenge_response/connect_request (§6, §3
// "public_key").
func MarshalPublicKey(pub *ecdsa.PublicKey) []byte {
	return crypto.FromECDSAPub(pub)
}

// UnmarshalPublicKey parses a peer's wire-format public key, rejecting
// anything not on the curve (§4.3 step 4 validation).
func UnmarshalPublicKey(b []byte) (*ecdsa.PublicKey, error) {
	return crypto.UnmarshalPubkey(b)
}
