package attestation

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultChallengeTTL bounds how long an issued nonce stays redeemable.
const DefaultChallengeTTL = 5 * time.Minute

const challengeNonceBytes = 32

var (
	ErrUnknownNonce        = errors.New("nonce was not issued or was already used")
	ErrNonceExpired        = errors.New("nonce expired")
	ErrNonceDeviceMismatch = errors.New("nonce was issued to a different device")
)

// Challenge is a verifier-issued nonce bound to one device.
type Challenge struct {
	DeviceID  string    `json:"deviceId"`
	Nonce     string    `json:"nonce"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ChallengeTable tracks outstanding nonces. Each nonce is redeemable once;
// consuming it removes it whether or not the redemption succeeds.
type ChallengeTable struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]Challenge
	now     func() time.Time
}

func NewChallengeTable(ttl time.Duration) *ChallengeTable {
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	return &ChallengeTable{
		ttl:     ttl,
		entries: make(map[string]Challenge),
		now:     time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (t *ChallengeTable) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// TTL returns the configured lifetime of issued nonces.
func (t *ChallengeTable) TTL() time.Duration { return t.ttl }

// Issue creates a fresh nonce for deviceID.
func (t *ChallengeTable) Issue(deviceID string) (*Challenge, error) {
	buf := make([]byte, challengeNonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.sweepLocked(now)

	c := Challenge{
		DeviceID:  deviceID,
		Nonce:     hex.EncodeToString(buf),
		IssuedAt:  now.UTC(),
		ExpiresAt: now.Add(t.ttl).UTC(),
	}
	t.entries[c.Nonce] = c
	return &c, nil
}

// Consume redeems nonce for deviceID.
func (t *ChallengeTable) Consume(deviceID, nonce string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[nonce]
	if !ok {
		return ErrUnknownNonce
	}
	delete(t.entries, nonce)

	if subtle.ConstantTimeCompare([]byte(entry.DeviceID), []byte(deviceID)) != 1 {
		return ErrNonceDeviceMismatch
	}
	if t.now().After(entry.ExpiresAt) {
		return ErrNonceExpired
	}
	return nil
}

// Sweep drops expired nonces and returns how many were removed.
func (t *ChallengeTable) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sweepLocked(t.now())
}

// Len returns the number of outstanding nonces, expired ones included
// until the next sweep.
func (t *ChallengeTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *ChallengeTable) sweepLocked(now time.Time) int {
	n := 0
	for k, e := range t.entries {
		if now.After(e.ExpiresAt) {
			delete(t.entries, k)
			n++
		}
	}
	return n
}
