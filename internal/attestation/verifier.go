package attestation

import (
	"errors"
	"fmt"

	"github.com/aspect-build/pqattest/internal/crypto"
)

// Sign signs the canonical form of r and moves it to the Signed stage.
// A report is signed exactly once.
func Sign(p crypto.Provider, r *Report, secretKey []byte, algorithm string) error {
	if r.Stage() != StageCollected || len(r.Signature) > 0 {
		return fmt.Errorf("%w: report %s is already %s", ErrInvalidTransition, r.ID, r.Stage())
	}
	spec, err := p.Algorithm(algorithm)
	if err != nil {
		return err
	}
	msg, err := Canonicalize(r)
	if err != nil {
		return err
	}
	sig, err := p.Sign(msg, secretKey, spec.Name)
	if err != nil {
		return err
	}
	r.Signature = sig
	r.SignatureAlgorithm = spec.Name
	return r.Advance(StageSigned)
}

// SignatureCheck is the outcome of checking one report signature. An
// invalid signature is a result, not an error.
type SignatureCheck struct {
	Valid     bool
	Algorithm string
	Reason    string
}

// SignatureVerifier recomputes a report's canonical form and checks its
// signature against the device's registered key.
type SignatureVerifier struct {
	provider crypto.Provider
}

func NewSignatureVerifier(p crypto.Provider) *SignatureVerifier {
	return &SignatureVerifier{provider: p}
}

// Verify checks r against publicKey registered under registeredAlg.
// It fails closed: a missing signature, an algorithm other than the
// registered one, or a malformed signature are all invalid. Errors are
// returned only for problems on the verifier side (unknown registered
// algorithm, wrong registered key length, rate limiting).
func (v *SignatureVerifier) Verify(r *Report, publicKey []byte, registeredAlg string) (SignatureCheck, error) {
	registered, err := v.provider.Algorithm(registeredAlg)
	if err != nil {
		return SignatureCheck{}, err
	}
	check := SignatureCheck{Algorithm: registered.Name}

	if len(r.Signature) == 0 {
		check.Reason = "missing signature"
		return check, nil
	}
	declared, err := v.provider.Algorithm(r.SignatureAlgorithm)
	if err != nil || declared.Name != registered.Name {
		check.Reason = fmt.Sprintf("signature algorithm %q does not match registered %q", r.SignatureAlgorithm, registered.Name)
		return check, nil
	}
	if len(publicKey) == 0 {
		return SignatureCheck{}, fmt.Errorf("no public key registered for %s", registered.Name)
	}

	msg, err := Canonicalize(r)
	if err != nil {
		return SignatureCheck{}, err
	}
	ok, err := v.provider.Verify(msg, r.Signature, publicKey, registered.Name)
	if errors.Is(err, crypto.ErrInvalidSignatureFormat) {
		check.Reason = "malformed signature"
		return check, nil
	}
	if err != nil {
		return SignatureCheck{}, err
	}
	if !ok {
		check.Reason = "signature does not verify"
		return check, nil
	}
	check.Valid = true
	return check, nil
}
