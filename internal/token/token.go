// Package token issues signed verdict tokens that relying parties can
// check offline.
package token

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aspect-build/pqattest/internal/attestation"
	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

const (
	// DefaultIssuer is the iss claim of issued tokens.
	DefaultIssuer = "pqattest"
	// DefaultTTL bounds how long a verdict stays usable.
	DefaultTTL = 5 * time.Minute

	tokenType = "attestation-result+jwt"
)

var ErrInvalidToken = errors.New("invalid result token")

// Verdict is the private claim set carried by a token.
type Verdict struct {
	SignatureValid   bool                  `json:"sig_valid"`
	PolicyCompliant  bool                  `json:"compliant"`
	Policy           string                `json:"policy,omitempty"`
	RiskScore        float64               `json:"risk_score"`
	RiskLevel        attestation.RiskLevel `json:"risk_level"`
	EligibleForTrust bool                  `json:"eligible"`
}

// Claims is a parsed token.
type Claims struct {
	jwt.Claims
	Verdict
}

// Issuer signs verdict tokens with an Ed25519 key.
type Issuer struct {
	key    ed25519.PrivateKey
	issuer string
	ttl    time.Duration
	kid    string
	now    func() time.Time
}

// ParseSeed decodes a 32-byte hex Ed25519 seed.
func ParseSeed(v string) (ed25519.PrivateKey, error) {
	seed, err := hex.DecodeString(strings.TrimSpace(v))
	if err != nil {
		return nil, fmt.Errorf("result key must be hex: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("result key must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// GenerateKey returns a fresh signing key.
func GenerateKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	return priv, err
}

func NewIssuer(key ed25519.PrivateKey, issuer string, ttl time.Duration) *Issuer {
	if issuer == "" {
		issuer = DefaultIssuer
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	i := &Issuer{key: key, issuer: issuer, ttl: ttl, now: time.Now}
	jwk := jose.JSONWebKey{Key: i.PublicKey()}
	if tp, err := jwk.Thumbprint(crypto.SHA256); err == nil {
		i.kid = hex.EncodeToString(tp[:8])
	}
	return i
}

// KeyID is the kid header of issued tokens, derived from the RFC 7638
// thumbprint of the public key.
func (i *Issuer) KeyID() string { return i.kid }

// KeySet publishes the verification key as a JWKS.
func (i *Issuer) KeySet() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       i.PublicKey(),
		KeyID:     i.kid,
		Algorithm: string(jose.EdDSA),
		Use:       "sig",
	}}}
}

// PublicKey returns the verification key.
func (i *Issuer) PublicKey() ed25519.PublicKey {
	return i.key.Public().(ed25519.PublicKey)
}

// Issue signs res. Subject is the device id and jti the report id.
func (i *Issuer) Issue(res *attestation.VerificationResult) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.EdDSA, Key: i.key},
		(&jose.SignerOptions{}).WithType(tokenType).WithHeader("kid", i.kid),
	)
	if err != nil {
		return "", fmt.Errorf("create signer: %w", err)
	}
	now := i.now()
	std := jwt.Claims{
		Issuer:    i.issuer,
		Subject:   res.DeviceID,
		ID:        res.ReportID,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(now.Add(i.ttl)),
	}
	verdict := Verdict{
		SignatureValid:   res.SignatureValid,
		PolicyCompliant:  res.PolicyCompliant,
		Policy:           res.Policy,
		RiskScore:        res.RiskAssessment.Score,
		RiskLevel:        res.RiskAssessment.Level,
		EligibleForTrust: res.EligibleForTrust,
	}
	out, err := jwt.Signed(signer).Claims(std).Claims(verdict).Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize result token: %w", err)
	}
	return out, nil
}

// Verify checks the signature, issuer and validity window of raw.
func Verify(raw string, pub ed25519.PublicKey, issuer string, now time.Time) (*Claims, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.EdDSA})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	var c Claims
	if err := tok.Claims(pub, &c.Claims, &c.Verdict); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if issuer == "" {
		issuer = DefaultIssuer
	}
	if err := c.Claims.ValidateWithLeeway(jwt.Expected{Issuer: issuer, Time: now}, time.Second); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return &c, nil
}
