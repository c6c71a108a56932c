package cipher

import (
	"bytes"
	"testing"
)

func TestDeriveSharedSecretIsSymmetric(t *testing.T) {
	a, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate a: %v", err)
	}
	b, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate b: %v", err)
	}

	s1, err := DeriveSharedSecret(a, &b.PublicKey)
	if err != nil {
		t.Fatalf("derive a->b: %v", err)
	}
	s2, err := DeriveSharedSecret(b, &a.PublicKey)
	if err != nil {
		t.Fatalf("derive b->a: %v", err)
	}
	if s1 != s2 {
		t.Fatalf("shared secrets diverge: %x != %x", s1, s2)
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := NewRandom16()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	iv, err := NewRandom16()
	if err != nil {
		t.Fatalf("iv: %v", err)
	}
	header := []byte("header")
	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	ciphertext, mac, err := Seal(key, iv, 0, header, plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Fatalf("ciphertext equals plaintext")
	}
	if len(mac) != MACSize {
		t.Fatalf("mac length = %d, want %d", len(mac), MACSize)
	}

	got, err := Open(key, iv, 0, header, ciphertext, mac)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	key, _ := NewRandom16()
	iv, _ := NewRandom16()
	ciphertext, mac, err := Seal(key, iv, 0, []byte("h"), []byte("payload"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	ciphertext[0] ^= 0xFF
	if _, err := Open(key, iv, 0, []byte("h"), ciphertext, mac); err != ErrMACMismatch {
		t.Fatalf("expected ErrMACMismatch, got %v", err)
	}
}

func TestOpenRejectsWrongHeader(t *testing.T) {
	key, _ := NewRandom16()
	iv, _ := NewRandom16()
	ciphertext, mac, err := Seal(key, iv, 0, []byte("h1"), []byte("payload"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := Open(key, iv, 0, []byte("h2"), ciphertext, mac); err != ErrMACMismatch {
		t.Fatalf("expected ErrMACMismatch, got %v", err)
	}
}

func TestBlockOffsetAdvancesKeystream(t *testing.T) {
	key, _ := NewRandom16()
	iv, _ := NewRandom16()
	plaintext := make([]byte, 32)

	c0, _, err := Seal(key, iv, 0, nil, plaintext)
	if err != nil {
		t.Fatalf("seal offset 0: %v", err)
	}
	c1, _, err := Seal(key, iv, 1, nil, plaintext)
	if err != nil {
		t.Fatalf("seal offset 1: %v", err)
	}
	if bytes.Equal(c0, c1) {
		t.Fatalf("ciphertext identical across block offsets")
	}
}

func TestMarshalUnmarshalPublicKeyRoundTrip(t *testing.T) {
	priv, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	raw := MarshalPublicKey(&priv.PublicKey)
	got, err := UnmarshalPublicKey(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.X.Cmp(priv.PublicKey.X) != 0 || got.Y.Cmp(priv.PublicKey.Y) != 0 {
		t.Fatalf("round trip mismatch")
	}
}
