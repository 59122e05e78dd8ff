package crypto

import (
	"errors"
	"fmt"
)

// Sentinel errors returned (wrapped in *Error) by the provider.
var (
	ErrUnsupportedAlgorithm    = errors.New("unsupported algorithm")
	ErrInvalidKeyFormat        = errors.New("invalid key format")
	ErrInvalidCiphertextFormat = errors.New("invalid ciphertext format")
	ErrInvalidSignatureFormat  = errors.New("invalid signature format")
	ErrRateLimitExceeded       = errors.New("rate limit exceeded")
	ErrRandomness              = errors.New("random generation failed")
	ErrWrongKind               = errors.New("algorithm kind does not support operation")
)

// Error describes a failed cryptographic operation. Every Error is
// security relevant: callers must fail closed.
type Error struct {
	Op        string
	Algorithm string
	Err       error
}

func (e *Error) Error() string {
	if e.Algorithm == "" {
		return fmt.Sprintf("crypto %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("crypto %s (%s): %v", e.Op, e.Algorithm, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func opError(op, alg string, err error) error {
	return &Error{Op: op, Algorithm: alg, Err: err}
}

func sizeError(kind error, what string, got, want int) error {
	return fmt.Errorf("%w: %s is %d bytes, want %d", kind, what, got, want)
}
