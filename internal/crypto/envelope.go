package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

const (
	ivLen     = 12
	gcmTagLen = 16
)

// Seal encrypts plaintext to a KEM public key: the KEM shared secret keys
// AES-256-GCM and the ciphertext is bound as associated data.
// Output format: kemCiphertext || iv(12) || ciphertext+tag
func Seal(p Provider, algorithm string, publicKey, plaintext []byte) ([]byte, error) {
	enc, err := p.Encapsulate(publicKey, algorithm)
	if err != nil {
		return nil, err
	}
	defer zero(enc.SharedSecret)

	gcm, err := newGCM(enc.SharedSecret)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("%w: generate IV: %v", ErrRandomness, err)
	}
	ct := gcm.Seal(nil, iv, plaintext, enc.Ciphertext)

	out := make([]byte, 0, len(enc.Ciphertext)+ivLen+len(ct))
	out = append(out, enc.Ciphertext...)
	out = append(out, iv...)
	out = append(out, ct...)
	return out, nil
}

// Open reverses Seal.
func Open(p Provider, algorithm string, secretKey, blob []byte) ([]byte, error) {
	spec, err := p.Algorithm(algorithm)
	if err != nil {
		return nil, err
	}
	if len(blob) < spec.CiphertextSize+ivLen+gcmTagLen {
		return nil, opError("open", spec.Name, fmt.Errorf("%w: envelope too short", ErrInvalidCiphertextFormat))
	}
	kemCT := blob[:spec.CiphertextSize]
	iv := blob[spec.CiphertextSize : spec.CiphertextSize+ivLen]
	ct := blob[spec.CiphertextSize+ivLen:]

	ss, err := p.Decapsulate(kemCT, secretKey, spec.Name)
	if err != nil {
		return nil, err
	}
	defer zero(ss)

	gcm, err := newGCM(ss)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, iv, ct, kemCT)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}
