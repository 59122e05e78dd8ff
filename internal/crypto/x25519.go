package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const x25519KeySize = 32

var x25519Info = []byte("pqattest x25519 kem")

// x25519Scheme is a DHKEM over X25519: the ciphertext is an ephemeral
// public key and the shared secret is HKDF-SHA256(dh, eph||recipient).
type x25519Scheme struct{}

func (x25519Scheme) generate() ([]byte, []byte, error) {
	sk := make([]byte, x25519KeySize)
	if _, err := rand.Read(sk); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrRandomness, err)
	}
	pk, err := curve25519.X25519(sk, curve25519.Basepoint)
	if err != nil {
		zero(sk)
		return nil, nil, fmt.Errorf("derive public key: %w", err)
	}
	return pk, sk, nil
}

func (s x25519Scheme) encapsulate(_ *KeyCache, _ string, pk []byte) ([]byte, []byte, error) {
	ephPub, ephPriv, err := s.generate()
	if err != nil {
		return nil, nil, err
	}
	defer zero(ephPriv)

	dh, err := curve25519.X25519(ephPriv, pk)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}
	ss, err := x25519Derive(dh, ephPub, pk)
	if err != nil {
		return nil, nil, err
	}
	return ephPub, ss, nil
}

func (x25519Scheme) decapsulate(_ *KeyCache, _ string, sk, ct []byte) ([]byte, error) {
	dh, err := curve25519.X25519(sk, ct)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertextFormat, err)
	}
	pk, err := curve25519.X25519(sk, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}
	return x25519Derive(dh, ct, pk)
}

func x25519Derive(dh, ephPub, recipient []byte) ([]byte, error) {
	defer zero(dh)
	salt := append(append(make([]byte, 0, len(ephPub)+len(recipient)), ephPub...), recipient...)
	out := make([]byte, sharedSecretSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, dh, salt, x25519Info), out); err != nil {
		return nil, fmt.Errorf("derive shared secret: %w", err)
	}
	return out, nil
}
