package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const minAtRestLen = ivLen + gcmTagLen // 28 bytes minimum

// ParseMasterKey decodes a 64-hex-character AES-256 key.
func ParseMasterKey(s string) ([32]byte, error) {
	var key [32]byte
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return key, fmt.Errorf("master key must be hex: %w", err)
	}
	if len(raw) != len(key) {
		return key, fmt.Errorf("master key must be 32 bytes, got %d", len(raw))
	}
	copy(key[:], raw)
	zero(raw)
	return key, nil
}

// EncryptAtRest encrypts plaintext (typically a secret key file payload)
// using AES-256-GCM with the given master key. The label is bound as
// associated data so a sealed ML-DSA key cannot be replayed as another
// algorithm's key.
// Output format: iv(12) || ciphertext+tag
func EncryptAtRest(masterKey [32]byte, label string, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(masterKey[:])
	if err != nil {
		return nil, err
	}

	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("%w: generate IV: %v", ErrRandomness, err)
	}

	ct := gcm.Seal(nil, iv, plaintext, []byte(label))

	out := make([]byte, 0, ivLen+len(ct))
	out = append(out, iv...)
	out = append(out, ct...)
	return out, nil
}

// DecryptAtRest decrypts data encrypted with EncryptAtRest.
// Input format: iv(12) || ciphertext+tag
func DecryptAtRest(masterKey [32]byte, label string, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < minAtRestLen {
		return nil, errors.New("ciphertext too short")
	}

	iv := ciphertext[:ivLen]
	ct := ciphertext[ivLen:]

	gcm, err := newGCM(masterKey[:])
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, iv, ct, []byte(label))
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}
