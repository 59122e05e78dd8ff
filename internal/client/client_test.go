package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aspect-build/pqattest/internal/attestation"
	"github.com/aspect-build/pqattest/internal/attestation/collector"
	"github.com/aspect-build/pqattest/internal/crypto"
)

// stubVerifier issues one nonce, optionally sealed, and checks the
// signature of the submitted report.
func stubVerifier(t *testing.T, p crypto.Provider, kf *KeyFile, seal bool) *httptest.Server {
	t.Helper()
	const nonce = "00112233445566778899aabbccddeeff"
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/challenges", func(w http.ResponseWriter, r *http.Request) {
		ch := Challenge{DeviceID: kf.DeviceID, Nonce: nonce}
		if seal {
			sealed, err := crypto.Seal(p, kf.KEMAlgorithm, kf.KEMPublicKey, []byte(nonce))
			if err != nil {
				t.Errorf("seal: %v", err)
			}
			ch.Nonce, ch.SealedNonce, ch.KEMAlgorithm = "", sealed, kf.KEMAlgorithm
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(ch)
	})
	mux.HandleFunc("/v1/reports", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rep, err := attestation.DecodeReport(body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		if rep.Nonce != nonce {
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]string{"error": "replay"})
			return
		}
		check, err := attestation.NewSignatureVerifier(p).Verify(rep, kf.SignPublicKey, kf.SignAlgorithm)
		if err != nil {
			t.Errorf("verify: %v", err)
		}
		json.NewEncoder(w).Encode(SubmitResult{VerificationResult: attestation.VerificationResult{
			ReportID:       rep.ID,
			DeviceID:       rep.DeviceID,
			SignatureValid: check.Valid,
		}, Token: "tok"})
	})
	mux.HandleFunc("/v1/token-keys", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"keys":[]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestAttest(t *testing.T) {
	p := crypto.NewEngine()
	kf, err := GenerateKeyFile(p, "", crypto.MLDSA87, crypto.MLKEM1024)
	if err != nil {
		t.Fatalf("GenerateKeyFile: %v", err)
	}
	col := &collector.Static{
		Measurements: attestation.Measurements{Hashes: map[string]string{attestation.FirmwareHash: strings.Repeat("a", 64)}},
		Platform:     attestation.PlatformInfo{SecureBootEnabled: true},
	}

	for _, seal := range []bool{false, true} {
		srv := stubVerifier(t, p, kf, seal)
		c, err := New(srv.URL+"/", true, nil)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		r, res, err := c.Attest(context.Background(), p, kf, col, nil)
		if err != nil {
			t.Fatalf("Attest(seal=%v): %v", seal, err)
		}
		if !res.SignatureValid || res.ReportID != r.ID || res.Token != "tok" {
			t.Fatalf("seal=%v: result = %+v", seal, res)
		}
	}
}

func TestAttestSealedWithoutKEMKey(t *testing.T) {
	p := crypto.NewEngine()
	kf, err := GenerateKeyFile(p, "", crypto.MLDSA87, crypto.MLKEM768)
	if err != nil {
		t.Fatalf("GenerateKeyFile: %v", err)
	}
	srv := stubVerifier(t, p, kf, true)
	c, _ := New(srv.URL, true, nil)

	noKEM := *kf
	noKEM.KEMSecretKey = nil
	if _, _, err := c.Attest(context.Background(), p, &noKEM, &collector.Static{}, nil); err == nil {
		t.Fatal("expected error opening a sealed nonce without a KEM key")
	}
}

func TestAPIError(t *testing.T) {
	p := crypto.NewEngine()
	kf, _ := GenerateKeyFile(p, "", crypto.Ed25519, "")
	srv := stubVerifier(t, p, kf, false)
	c, _ := New(srv.URL, true, nil)

	_, err := c.Submit(context.Background(), attestation.NewReport(kf.DeviceID, "ffff0000ffff0000", testTime(), attestation.Measurements{}, attestation.PlatformInfo{}))
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict || apiErr.Message != "replay" {
		t.Fatalf("err = %v", err)
	}

	ks, err := c.TokenKeys(context.Background())
	if err != nil || len(ks.Keys) != 0 {
		t.Fatalf("TokenKeys: %v %v", ks, err)
	}
}

func TestNewRejectsPlainHTTP(t *testing.T) {
	if _, err := New("http://verifier.local", false, nil); err == nil {
		t.Fatal("expected error for plain HTTP without allowInsecure")
	}
	if _, err := New("https://verifier.local", false, nil); err != nil {
		t.Fatalf("https: %v", err)
	}
}

func testTime() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
