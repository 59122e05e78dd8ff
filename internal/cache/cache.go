// Package cache memoizes verification results per report id.
package cache

import (
	"sync"
	"time"

	"github.com/aspect-build/pqattest/internal/attestation"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a result stays valid.
const DefaultTTL = 60 * time.Second

type entry struct {
	result   *attestation.VerificationResult
	digest   string
	storedAt time.Time
	ttl      time.Duration
}

func (e entry) expired(now time.Time) bool {
	return now.Sub(e.storedAt) >= e.ttl
}

// VerificationCache is a TTL map from report id to result. Each entry
// remembers the canonical digest of the report it was computed for, so a
// different report presented under a known id never hits.
type VerificationCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]entry
	group   singleflight.Group
	now     func() time.Time

	hits, misses uint64
}

func New(ttl time.Duration) *VerificationCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &VerificationCache{ttl: ttl, entries: make(map[string]entry), now: time.Now}
}

// SetClock replaces the time source. Intended for tests.
func (c *VerificationCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Get returns the cached result for id if it is fresh and was computed
// for digest. Stale entries are evicted on read.
func (c *VerificationCache) Get(id, digest string) (*attestation.VerificationResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		c.misses++
		return nil, false
	}
	if e.expired(c.now()) {
		delete(c.entries, id)
		c.misses++
		return nil, false
	}
	if e.digest != digest {
		c.misses++
		return nil, false
	}
	c.hits++
	return e.result, true
}

// Set stores res for id, replacing any previous entry.
func (c *VerificationCache) Set(id, digest string, res *attestation.VerificationResult) {
	c.mu.Lock()
	c.entries[id] = entry{result: res, digest: digest, storedAt: c.now(), ttl: c.ttl}
	c.mu.Unlock()
}

// Delete drops the entry for id.
func (c *VerificationCache) Delete(id string) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

// Do returns the cached result for (id, digest) or computes it with fn.
// Concurrent callers for the same key share one computation. Errors are
// not cached. The boolean reports whether the result came from the cache.
func (c *VerificationCache) Do(id, digest string, fn func() (*attestation.VerificationResult, error)) (*attestation.VerificationResult, bool, error) {
	if res, ok := c.Get(id, digest); ok {
		return res, true, nil
	}
	v, err, _ := c.group.Do(id+"\x00"+digest, func() (any, error) {
		if res, ok := c.Get(id, digest); ok {
			return res, nil
		}
		res, err := fn()
		if err != nil {
			return nil, err
		}
		c.Set(id, digest, res)
		return res, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*attestation.VerificationResult), false, nil
}

// Sweep evicts every stale entry and returns how many were removed.
func (c *VerificationCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for id, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, id)
			n++
		}
	}
	return n
}

// Len returns the number of entries, stale ones included.
func (c *VerificationCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns hit and miss counters.
func (c *VerificationCache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// TTL returns the entry lifetime.
func (c *VerificationCache) TTL() time.Duration { return c.ttl }
