package puzzle

import (
	"crypto/rand"
	"encoding/binary"
)

// RandomNonce returns a fresh CSPRNG-backed 64-bit nonce, the default
// randSource for NewManager.
func RandomNonce() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}
