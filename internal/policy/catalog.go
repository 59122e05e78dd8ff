package policy

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrNotFound is returned for an unknown policy name.
var ErrNotFound = errors.New("policy not found")

// Catalog is an in-memory set of policies keyed by name. It always
// contains the default policy unless one with the same name replaces it.
type Catalog struct {
	mu       sync.RWMutex
	policies map[string]*Policy
}

func NewCatalog(policies ...*Policy) *Catalog {
	c := &Catalog{policies: map[string]*Policy{DefaultName: Default()}}
	for _, p := range policies {
		c.policies[p.Name] = p
	}
	return c
}

// Put adds or replaces p after validating it.
func (c *Catalog) Put(p *Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.policies[p.Name] = p
	c.mu.Unlock()
	return nil
}

// Policy returns the named policy. An empty name selects the default.
func (c *Catalog) Policy(_ context.Context, name string) (*Policy, error) {
	if name == "" {
		name = DefaultName
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.policies[name]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

// Names returns the catalog's policy names, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.policies))
	for n := range c.policies {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
