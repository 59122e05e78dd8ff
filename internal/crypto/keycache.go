package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"reflect"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultKeyCacheSize bounds the number of parsed keys held in memory.
const DefaultKeyCacheSize = 256

type keyEntry struct {
	raw    []byte
	parsed any
	// parsedBuf is the parsed key's own backing array when the key type
	// is a byte slice that does not alias the caller's buffer.
	parsedBuf []byte
	secret    bool
	locked    bool
}

// KeyCache memoizes parsed key objects keyed by algorithm and key bytes.
// The cache keeps its own copy of each raw key; that copy is locked in
// memory where the platform allows and zeroed when the entry leaves the
// cache, whether by Evict, Purge or capacity pressure.
//
// Parsed secret keys backed by a byte slice, such as Ed25519, are zeroed
// in place as well. Parsed ML-DSA and ML-KEM keys hold their expanded
// state in unexported fields that cannot be reached from here; those are
// dropped on eviction and stay in memory until the garbage collector
// reclaims them. Callers needing stronger guarantees should run without
// a cache.
//
// A nil *KeyCache is valid and parses on every call.
type KeyCache struct {
	entries  *lru.Cache
	scrubbed atomic.Int64
}

// NewKeyCache returns a cache holding at most size keys.
func NewKeyCache(size int) (*KeyCache, error) {
	if size <= 0 {
		size = DefaultKeyCacheSize
	}
	c := &KeyCache{}
	entries, err := lru.NewWithEvict(size, func(_ interface{}, value interface{}) {
		c.scrub(value.(*keyEntry))
	})
	if err != nil {
		return nil, err
	}
	c.entries = entries
	return c, nil
}

func cacheKey(alg string, raw []byte) string {
	h := sha256.New()
	h.Write([]byte(alg))
	h.Write([]byte{0})
	h.Write(raw)
	return hex.EncodeToString(h.Sum(nil))
}

func (c *KeyCache) load(alg string, raw []byte, secret bool, parse func() (any, error)) (any, error) {
	if c == nil {
		return parse()
	}
	k := cacheKey(alg, raw)
	if v, ok := c.entries.Get(k); ok {
		e := v.(*keyEntry)
		if subtle.ConstantTimeCompare(e.raw, raw) == 1 {
			return e.parsed, nil
		}
	}
	parsed, err := parse()
	if err != nil {
		return nil, err
	}
	e := &keyEntry{raw: append([]byte(nil), raw...), parsed: parsed, secret: secret}
	if secret {
		if b := byteBacked(parsed); b != nil && !overlaps(b, raw) {
			e.parsedBuf = b
		}
	}
	e.locked = lockMemory(e.raw)
	c.entries.Add(k, e)
	return parsed, nil
}

// Evict removes and scrubs the entry for (alg, raw), if present.
func (c *KeyCache) Evict(alg string, raw []byte) {
	if c == nil {
		return
	}
	c.entries.Remove(cacheKey(alg, raw))
}

// Purge removes and scrubs every entry.
func (c *KeyCache) Purge() {
	if c == nil {
		return
	}
	c.entries.Purge()
}

// Len returns the number of cached keys.
func (c *KeyCache) Len() int {
	if c == nil {
		return 0
	}
	return c.entries.Len()
}

// Scrubbed returns how many key buffers have been zeroed so far.
func (c *KeyCache) Scrubbed() int64 {
	if c == nil {
		return 0
	}
	return c.scrubbed.Load()
}

func (c *KeyCache) scrub(e *keyEntry) {
	zero(e.raw)
	if e.locked {
		unlockMemory(e.raw)
		e.locked = false
	}
	zero(e.parsedBuf)
	e.parsedBuf = nil
	e.parsed = nil
	c.scrubbed.Add(1)
}

// byteBacked returns the backing bytes of v when v's type is a byte
// slice, named or not.
func byteBacked(v any) []byte {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice || rv.Type().Elem().Kind() != reflect.Uint8 || rv.Len() == 0 {
		return nil
	}
	return rv.Bytes()
}

func overlaps(a, b []byte) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	for i := range b {
		if &b[i] == &a[0] {
			return true
		}
	}
	for i := range a {
		if &a[i] == &b[0] {
			return true
		}
	}
	return false
}
