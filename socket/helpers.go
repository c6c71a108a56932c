package socket

import (
	"crypto/ecdsa"
	"crypto/rand"

	"github.com/torquesockets/torquesockets/cipher"
)

func publicKeyBytes(key *ecdsa.PrivateKey) []byte {
	if key == nil {
		return nil
	}
	return cipher.MarshalPublicKey(&key.PublicKey)
}

func cipherUnmarshal(b []byte) (*ecdsa.PublicKey, error) {
	return cipher.UnmarshalPublicKey(b)
}

func cipherRandom16() ([16]byte, error) {
	return cipher.NewRandom16()
}

func cryptoRand(b []byte) (int, error) {
	return rand.Read(b)
}

func leU32(b [4]byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
