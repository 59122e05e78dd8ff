package attestation

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestChallengeTable(now *time.Time) *ChallengeTable {
	tbl := NewChallengeTable(5 * time.Minute)
	tbl.SetClock(func() time.Time { return *now })
	return tbl
}

func TestChallengeConsumeOnce(t *testing.T) {
	now := testNow
	tbl := newTestChallengeTable(&now)
	c, err := tbl.Issue(testDeviceID)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if len(c.Nonce) != 64 {
		t.Fatalf("nonce length = %d", len(c.Nonce))
	}
	if !c.ExpiresAt.Equal(now.Add(5 * time.Minute)) {
		t.Fatalf("expiresAt = %v", c.ExpiresAt)
	}
	if err := tbl.Consume(testDeviceID, c.Nonce); err != nil {
		t.Fatalf("first Consume: %v", err)
	}
	if err := tbl.Consume(testDeviceID, c.Nonce); !errors.Is(err, ErrUnknownNonce) {
		t.Fatalf("replay err = %v, want ErrUnknownNonce", err)
	}
}

func TestChallengeFailedAttemptBurnsNonce(t *testing.T) {
	now := testNow
	tbl := newTestChallengeTable(&now)
	c, _ := tbl.Issue(testDeviceID)
	if err := tbl.Consume("ffffffffffffffffffffffffffffffff", c.Nonce); !errors.Is(err, ErrNonceDeviceMismatch) {
		t.Fatalf("err = %v, want ErrNonceDeviceMismatch", err)
	}
	if err := tbl.Consume(testDeviceID, c.Nonce); !errors.Is(err, ErrUnknownNonce) {
		t.Fatalf("err = %v, want ErrUnknownNonce", err)
	}
}

func TestChallengeExpiry(t *testing.T) {
	now := testNow
	tbl := newTestChallengeTable(&now)
	c, _ := tbl.Issue(testDeviceID)
	now = now.Add(5*time.Minute + time.Millisecond)
	if err := tbl.Consume(testDeviceID, c.Nonce); !errors.Is(err, ErrNonceExpired) {
		t.Fatalf("err = %v, want ErrNonceExpired", err)
	}
}

func TestChallengeSweep(t *testing.T) {
	now := testNow
	tbl := newTestChallengeTable(&now)
	for i := 0; i < 3; i++ {
		if _, err := tbl.Issue(testDeviceID); err != nil {
			t.Fatal(err)
		}
	}
	now = now.Add(time.Minute)
	if _, err := tbl.Issue(testDeviceID); err != nil {
		t.Fatal(err)
	}
	now = now.Add(4*time.Minute + time.Second)
	if n := tbl.Sweep(); n != 3 {
		t.Fatalf("swept %d, want 3", n)
	}
	if tbl.Len() != 1 {
		t.Fatalf("Len = %d, want 1", tbl.Len())
	}
}

func TestChallengeConcurrentConsume(t *testing.T) {
	now := testNow
	tbl := newTestChallengeTable(&now)
	c, _ := tbl.Issue(testDeviceID)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tbl.Consume(testDeviceID, c.Nonce) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("nonce redeemed %d times", wins)
	}
}
