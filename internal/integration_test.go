package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/aspect-build/pqattest/internal/attestation"
	"github.com/aspect-build/pqattest/internal/attestation/collector"
	"github.com/aspect-build/pqattest/internal/client"
	"github.com/aspect-build/pqattest/internal/config"
	"github.com/aspect-build/pqattest/internal/crypto"
	"github.com/aspect-build/pqattest/internal/server"
	"github.com/aspect-build/pqattest/internal/server/db"
	"github.com/aspect-build/pqattest/internal/server/handler"
	"github.com/aspect-build/pqattest/internal/token"
)

const testAdminToken = "test-admin-token-1234567890"

func setupTestServer(t *testing.T) (*httptest.Server, *handler.Services) {
	t.Helper()
	ts, s, err := startServer()
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		ts.Close()
		s.Store.Close()
	})
	return ts, s
}

func startServer() (*httptest.Server, *handler.Services, error) {
	store, err := db.NewStore(":memory:")
	if err != nil {
		return nil, nil, fmt.Errorf("NewStore: %w", err)
	}
	cfg := &server.Config{
		AdminToken:  testAdminToken,
		Attestation: config.Default(),
	}
	s, err := server.NewServices(context.Background(), store, cfg, zap.NewNop())
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("NewServices: %w", err)
	}
	return httptest.NewServer(server.NewRouter(s, cfg)), s, nil
}

func adminRequest(method, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	return http.DefaultClient.Do(req)
}

// registerDevice posts the key file's public halves to /v1/devices.
func registerDevice(serverURL string, kf *client.KeyFile, policyName string) error {
	body := map[string]any{
		"id":        kf.DeviceID,
		"algorithm": kf.SignAlgorithm,
		"publicKey": kf.SignPublicKey,
		"status":    "active",
		"policy":    policyName,
	}
	if kf.KEMAlgorithm != "" {
		body["kemAlgorithm"] = kf.KEMAlgorithm
		body["kemPublicKey"] = kf.KEMPublicKey
	}
	raw, _ := json.Marshal(body)
	resp, err := adminRequest(http.MethodPost, serverURL+"/v1/devices", raw)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("register device: got status %d", resp.StatusCode)
	}
	return nil
}

const goodMeasurementFile = `measurements:
  firmware_hash: aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa
  bootloader_hash: bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb
  pcr_values:
    - {index: 0, algorithm: sha256, value: "0000000000000000000000000000000000000000000000000000000000000000"}
    - {index: 1, algorithm: sha256, value: "1111111111111111111111111111111111111111111111111111111111111111"}
    - {index: 2, algorithm: sha256, value: "2222222222222222222222222222222222222222222222222222222222222222"}
    - {index: 3, algorithm: sha256, value: "3333333333333333333333333333333333333333333333333333333333333333"}
    - {index: 4, algorithm: sha256, value: "4444444444444444444444444444444444444444444444444444444444444444"}
    - {index: 7, algorithm: sha256, value: "7777777777777777777777777777777777777777777777777777777777777777"}
platformInfo:
  secureBootEnabled: true
  bootState: secure_boot_enabled
`

func writeMeasurements(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "measurements.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write measurements: %v", err)
	}
	return path
}

func TestIntegration_AttestRoundTrip(t *testing.T) {
	ts, s := setupTestServer(t)
	engine := crypto.NewEngine()

	for _, tc := range []struct {
		sign, kem string
	}{
		{crypto.MLDSA87, crypto.MLKEM768},
		{crypto.MLDSA65, ""},
		{crypto.Ed25519MLDSA87, crypto.X25519MLKEM1024},
	} {
		t.Run(tc.sign, func(t *testing.T) {
			kf, err := client.GenerateKeyFile(engine, "", tc.sign, tc.kem)
			if err != nil {
				t.Fatalf("GenerateKeyFile: %v", err)
			}
			if err := registerDevice(ts.URL, kf, ""); err != nil {
				t.Fatal(err)
			}
			c, err := client.New(ts.URL, true, nil)
			if err != nil {
				t.Fatalf("client.New: %v", err)
			}

			col := collector.NewFile(writeMeasurements(t, goodMeasurementFile))
			r, res, err := c.Attest(context.Background(), engine, kf, col, nil)
			if err != nil {
				t.Fatalf("Attest: %v", err)
			}
			if !res.SignatureValid || !res.PolicyCompliant || !res.EligibleForTrust {
				t.Fatalf("result = %+v", res)
			}
			if res.ReportID != r.ID {
				t.Fatalf("report id %s, want %s", res.ReportID, r.ID)
			}

			ks, err := c.TokenKeys(context.Background())
			if err != nil {
				t.Fatalf("TokenKeys: %v", err)
			}
			if len(ks.Keys) != 1 {
				t.Fatalf("expected one token key, got %d", len(ks.Keys))
			}
			if _, err := token.Verify(res.Token, s.Tokens.PublicKey(), "", res.VerifiedAt); err != nil {
				t.Fatalf("token: %v", err)
			}

			// The same nonce cannot be redeemed by a second report.
			again := attestation.NewReport(kf.DeviceID, r.Nonce, r.Timestamp.Add(1), r.Measurements, r.PlatformInfo)
			if err := attestation.Sign(engine, again, kf.SignSecretKey, kf.SignAlgorithm); err != nil {
				t.Fatalf("sign: %v", err)
			}
			_, err = c.Submit(context.Background(), again)
			var apiErr *client.APIError
			if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
				t.Fatalf("replay: err = %v", err)
			}
		})
	}
}

func TestIntegration_PolicyViolation(t *testing.T) {
	ts, _ := setupTestServer(t)
	engine := crypto.NewEngine()

	strict := []byte("name: pinned\nrequiredPcrs: [0, 7]\nbaselines:\n  7: \"" + strings.Repeat("9", 64) + "\"\nrequireSecureBoot: true\n")
	resp, err := adminRequest(http.MethodPut, ts.URL+"/v1/policies/pinned", strict)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put policy: status %d", resp.StatusCode)
	}

	kf, err := client.GenerateKeyFile(engine, "", crypto.MLDSA87, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := registerDevice(ts.URL, kf, "pinned"); err != nil {
		t.Fatal(err)
	}
	c, _ := client.New(ts.URL, true, nil)
	_, res, err := c.Attest(context.Background(), engine, kf, collector.NewFile(writeMeasurements(t, goodMeasurementFile)), nil)
	if err != nil {
		t.Fatalf("Attest: %v", err)
	}
	if !res.SignatureValid || res.PolicyCompliant || res.EligibleForTrust {
		t.Fatalf("expected a valid signature that fails policy, got %+v", res)
	}
	if res.Policy != "pinned" || len(res.Violations) == 0 {
		t.Fatalf("policy = %q violations = %v", res.Policy, res.Violations)
	}
}

func TestIntegration_WrongKeyRejected(t *testing.T) {
	ts, _ := setupTestServer(t)
	engine := crypto.NewEngine()

	registered, err := client.GenerateKeyFile(engine, "", crypto.MLDSA87, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := registerDevice(ts.URL, registered, ""); err != nil {
		t.Fatal(err)
	}
	imposter, err := client.GenerateKeyFile(engine, registered.DeviceID, crypto.MLDSA87, "")
	if err != nil {
		t.Fatal(err)
	}

	c, _ := client.New(ts.URL, true, nil)
	_, res, err := c.Attest(context.Background(), engine, imposter, collector.NewFile(writeMeasurements(t, goodMeasurementFile)), nil)
	if err != nil {
		t.Fatalf("Attest: %v", err)
	}
	if res.SignatureValid || res.EligibleForTrust {
		t.Fatalf("imposter signature accepted: %+v", res)
	}
}

func TestIntegration_AdminAuth(t *testing.T) {
	ts, _ := setupTestServer(t)

	for _, path := range []string{"/v1/devices", "/v1/policies", "/v1/audit", "/v1/reports"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("GET %s without token: status %d", path, resp.StatusCode)
		}
	}
	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: status %d", resp.StatusCode)
	}
}
