// Package client is the device side of the verifier API: it requests
// challenges, collects and signs reports, and submits them.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"

	"github.com/aspect-build/pqattest/internal/attestation"
	"github.com/aspect-build/pqattest/internal/crypto"
)

const maxResponseBytes = 4 << 20

// Challenge is the verifier's answer to a challenge request. Exactly one
// of Nonce and SealedNonce is set.
type Challenge struct {
	DeviceID     string    `json:"deviceId"`
	Nonce        string    `json:"nonce,omitempty"`
	SealedNonce  []byte    `json:"sealedNonce,omitempty"`
	KEMAlgorithm string    `json:"kemAlgorithm,omitempty"`
	IssuedAt     time.Time `json:"issuedAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// SubmitResult is the verdict for a submitted report.
type SubmitResult struct {
	attestation.VerificationResult
	Cached bool   `json:"cached"`
	Token  string `json:"token,omitempty"`
}

// APIError is a non-2xx answer from the verifier.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to one verifier.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

func normalizeServerURL(serverURL string) string {
	return strings.TrimRight(serverURL, "/")
}

// New returns a client for serverURL. Plain HTTP is refused unless
// allowInsecure is set. A nil logger discards output.
func New(serverURL string, allowInsecure bool, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	serverURL = normalizeServerURL(serverURL)
	if !strings.HasPrefix(serverURL, "https://") {
		if !allowInsecure {
			return nil, fmt.Errorf("server URL %q is not HTTPS; use --insecure to allow plaintext HTTP", serverURL)
		}
		logger.Warn("communicating over plaintext HTTP", zap.String("server", serverURL))
	}
	return &Client{
		baseURL: serverURL,
		http:    &http.Client{Timeout: 20 * time.Second},
		logger:  logger,
	}, nil
}

// WithHTTPClient replaces the transport, e.g. with an httptest client.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// RequestChallenge asks the verifier for a nonce bound to deviceID.
func (c *Client) RequestChallenge(ctx context.Context, deviceID string) (*Challenge, error) {
	var ch Challenge
	if err := c.do(ctx, http.MethodPost, "/v1/challenges", map[string]string{"deviceId": deviceID}, &ch); err != nil {
		return nil, fmt.Errorf("request challenge: %w", err)
	}
	if ch.Nonce == "" && len(ch.SealedNonce) == 0 {
		return nil, fmt.Errorf("challenge response missing nonce")
	}
	return &ch, nil
}

// OpenNonce returns the plain nonce, decapsulating a sealed one with the
// device's KEM secret key.
func OpenNonce(p crypto.Provider, ch *Challenge, keys *KeyFile) (string, error) {
	if len(ch.SealedNonce) == 0 {
		return ch.Nonce, nil
	}
	if len(keys.KEMSecretKey) == 0 {
		return "", fmt.Errorf("challenge is sealed to %s but the key file has no KEM key", ch.KEMAlgorithm)
	}
	nonce, err := crypto.Open(p, ch.KEMAlgorithm, keys.KEMSecretKey, ch.SealedNonce)
	if err != nil {
		return "", fmt.Errorf("open sealed nonce: %w", err)
	}
	return string(nonce), nil
}

// Submit posts a signed report and returns the verdict.
func (c *Client) Submit(ctx context.Context, r *attestation.Report) (*SubmitResult, error) {
	var res SubmitResult
	if err := c.do(ctx, http.MethodPost, "/v1/reports", r, &res); err != nil {
		return nil, fmt.Errorf("submit report: %w", err)
	}
	return &res, nil
}

// TokenKeys fetches the JWKS that verifies result tokens.
func (c *Client) TokenKeys(ctx context.Context) (*jose.JSONWebKeySet, error) {
	var ks jose.JSONWebKeySet
	if err := c.do(ctx, http.MethodGet, "/v1/token-keys", nil, &ks); err != nil {
		return nil, fmt.Errorf("fetch token keys: %w", err)
	}
	return &ks, nil
}

// Attest runs one full round: challenge, collect, sign, submit.
func (c *Client) Attest(ctx context.Context, p crypto.Provider, keys *KeyFile, col attestation.Collector, requiredPCRs []int) (*attestation.Report, *SubmitResult, error) {
	ch, err := c.RequestChallenge(ctx, keys.DeviceID)
	if err != nil {
		return nil, nil, err
	}
	nonce, err := OpenNonce(p, ch, keys)
	if err != nil {
		return nil, nil, err
	}

	device := &attestation.Device{
		ID:         keys.DeviceID,
		Algorithm:  keys.SignAlgorithm,
		PublicKeys: map[string][]byte{keys.SignAlgorithm: keys.SignPublicKey},
	}
	coll, err := col.Collect(ctx, device, requiredPCRs)
	if err != nil {
		return nil, nil, fmt.Errorf("collect measurements: %w", err)
	}
	r := attestation.NewReport(keys.DeviceID, nonce, time.Now(), coll.Measurements, coll.Platform)
	if err := attestation.Sign(p, r, keys.SignSecretKey, keys.SignAlgorithm); err != nil {
		return nil, nil, fmt.Errorf("sign report: %w", err)
	}
	c.logger.Debug("submitting report",
		zap.String("report_id", r.ID),
		zap.String("device_id", r.DeviceID),
		zap.Int("pcrs", len(r.Measurements.PCRValues)),
	)

	res, err := c.Submit(ctx, r)
	if err != nil {
		return r, nil, err
	}
	return r, res, nil
}
