package crypto

import (
	"sync"
	"time"
)

// Operation names a rate-limited class of crypto calls.
type Operation string

const (
	OpKeyGen      Operation = "keygen"
	OpEncapsulate Operation = "encapsulate"
	OpDecapsulate Operation = "decapsulate"
	OpSign        Operation = "sign"
	OpVerify      Operation = "verify"
)

// DefaultRateLimitPerMinute is the per-operation budget when none is configured.
const DefaultRateLimitPerMinute = 100

// RateLimiter admits at most limit calls per operation type in any
// trailing window. Excess calls are rejected, never queued.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	now    func() time.Time
	events map[Operation][]time.Time
}

// NewRateLimiter returns a limiter with a sliding 60-second window.
// A limit <= 0 disables limiting.
func NewRateLimiter(perMinute int) *RateLimiter {
	return &RateLimiter{
		limit:  perMinute,
		window: time.Minute,
		now:    time.Now,
		events: make(map[Operation][]time.Time),
	}
}

// Allow records one call of op, or returns ErrRateLimitExceeded.
func (l *RateLimiter) Allow(op Operation) error {
	if l == nil || l.limit <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	events := l.pruneLocked(op, now)
	if len(events) >= l.limit {
		return ErrRateLimitExceeded
	}
	l.events[op] = append(events, now)
	return nil
}

// Remaining returns how many calls of op would currently be admitted.
func (l *RateLimiter) Remaining(op Operation) int {
	if l == nil || l.limit <= 0 {
		return -1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit - len(l.pruneLocked(op, l.now()))
}

func (l *RateLimiter) pruneLocked(op Operation, now time.Time) []time.Time {
	events := l.events[op]
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		events = append(events[:0], events[i:]...)
		l.events[op] = events
	}
	return events
}
