package attestation

import (
	"errors"
	"testing"

	"github.com/aspect-build/pqattest/internal/crypto"
)

func signedReport(t *testing.T, e *crypto.Engine, alg string) (*Report, *crypto.KeyPair) {
	t.Helper()
	kp, err := e.GenerateKeyPair(alg)
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	r := newTestReport()
	if err := Sign(e, r, kp.SecretKey, alg); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return r, kp
}

func TestSignAdvancesStage(t *testing.T) {
	e := crypto.NewEngine()
	r, kp := signedReport(t, e, "dilithium5")
	if r.Stage() != StageSigned {
		t.Fatalf("stage = %s", r.Stage())
	}
	if r.SignatureAlgorithm != crypto.MLDSA87 {
		t.Fatalf("algorithm = %q, want canonical name", r.SignatureAlgorithm)
	}
	if err := Sign(e, r, kp.SecretKey, crypto.MLDSA87); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second Sign err = %v", err)
	}
}

func TestSignatureVerifierRoundTrip(t *testing.T) {
	e := crypto.NewEngine()
	v := NewSignatureVerifier(e)
	for _, alg := range []string{crypto.MLDSA65, crypto.MLDSA87, crypto.Ed25519, crypto.Ed25519MLDSA87} {
		t.Run(alg, func(t *testing.T) {
			r, kp := signedReport(t, e, alg)
			check, err := v.Verify(r, kp.PublicKey, alg)
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if !check.Valid {
				t.Fatalf("valid report rejected: %s", check.Reason)
			}
		})
	}
}

func TestSignatureVerifierFailsClosed(t *testing.T) {
	e := crypto.NewEngine()
	v := NewSignatureVerifier(e)
	other, err := e.GenerateKeyPair(crypto.MLDSA87)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		mutate func(r *Report, pk *[]byte)
	}{
		{"missing signature", func(r *Report, _ *[]byte) { r.Signature = nil }},
		{"tampered measurement", func(r *Report, _ *[]byte) { r.Measurements.PCRValues[0].Value = hexOf("9") }},
		{"tampered nonce", func(r *Report, _ *[]byte) { r.Nonce = hexOf("d")[:32] }},
		{"flipped bit", func(r *Report, _ *[]byte) { r.Signature[10] ^= 0x01 }},
		{"truncated signature", func(r *Report, _ *[]byte) { r.Signature = r.Signature[:100] }},
		{"other key", func(_ *Report, pk *[]byte) { *pk = other.PublicKey }},
		{"declared ed25519", func(r *Report, _ *[]byte) { r.SignatureAlgorithm = crypto.Ed25519 }},
		{"declared unknown", func(r *Report, _ *[]byte) { r.SignatureAlgorithm = "rsa-2048" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r, kp := signedReport(t, e, crypto.MLDSA87)
			pk := kp.PublicKey
			tc.mutate(r, &pk)
			check, err := v.Verify(r, pk, crypto.MLDSA87)
			if err != nil {
				t.Fatalf("Verify returned error, want invalid result: %v", err)
			}
			if check.Valid {
				t.Fatal("tampered report accepted")
			}
			if check.Reason == "" {
				t.Fatal("invalid result without a reason")
			}
		})
	}
}

func TestSignatureVerifierAliases(t *testing.T) {
	e := crypto.NewEngine()
	v := NewSignatureVerifier(e)
	r, kp := signedReport(t, e, crypto.Ed25519MLDSA87)
	r.SignatureAlgorithm = "hybrid"
	check, err := v.Verify(r, kp.PublicKey, crypto.Ed25519MLDSA87)
	if err != nil || !check.Valid {
		t.Fatalf("alias rejected: %+v, %v", check, err)
	}
}

func TestSignatureVerifierErrors(t *testing.T) {
	e := crypto.NewEngine()
	v := NewSignatureVerifier(e)
	r, kp := signedReport(t, e, crypto.Ed25519)

	if _, err := v.Verify(r, kp.PublicKey, "rsa-2048"); !errors.Is(err, crypto.ErrUnsupportedAlgorithm) {
		t.Fatalf("unknown registered algorithm err = %v", err)
	}
	if _, err := v.Verify(r, kp.PublicKey[:10], crypto.Ed25519); !errors.Is(err, crypto.ErrInvalidKeyFormat) {
		t.Fatalf("short key err = %v", err)
	}
	if _, err := v.Verify(r, nil, crypto.Ed25519); err == nil {
		t.Fatal("expected error without a registered key")
	}
}

func TestSignatureVerifierRateLimited(t *testing.T) {
	e := crypto.NewEngine(crypto.WithRateLimiter(crypto.NewRateLimiter(1)))
	r, kp := signedReport(t, crypto.NewEngine(), crypto.Ed25519)
	v := NewSignatureVerifier(e)
	if _, err := v.Verify(r, kp.PublicKey, crypto.Ed25519); err != nil {
		t.Fatalf("first verify: %v", err)
	}
	if _, err := v.Verify(r, kp.PublicKey, crypto.Ed25519); !errors.Is(err, crypto.ErrRateLimitExceeded) {
		t.Fatalf("err = %v, want ErrRateLimitExceeded", err)
	}
}
