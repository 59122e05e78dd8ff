package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aspect-build/pqattest/internal/attestation"
)

// MemoryRegistry is a DeviceRegistry backed by a map. The offline CLI
// and tests use it; the server uses the SQLite store.
type MemoryRegistry struct {
	mu      sync.RWMutex
	devices map[string]*attestation.Device
}

func NewMemoryRegistry(devices ...*attestation.Device) *MemoryRegistry {
	m := &MemoryRegistry{devices: make(map[string]*attestation.Device, len(devices))}
	for _, d := range devices {
		m.Put(d)
	}
	return m
}

// Put adds or replaces d.
func (m *MemoryRegistry) Put(d *attestation.Device) {
	c := *d
	m.mu.Lock()
	m.devices[d.ID] = &c
	m.mu.Unlock()
}

func (m *MemoryRegistry) Device(_ context.Context, id string) (*attestation.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, nil
	}
	c := *d
	return &c, nil
}

// MemoryReportStore keeps reports as their JSON encoding, so every read
// returns an independent copy.
type MemoryReportStore struct {
	mu      sync.RWMutex
	reports map[string][]byte
}

func NewMemoryReportStore() *MemoryReportStore {
	return &MemoryReportStore{reports: make(map[string][]byte)}
}

// SaveReport stores r, or refreshes the annotations of the same
// submission. A different submission under a stored id is refused.
func (m *MemoryReportStore) SaveReport(_ context.Context, r *attestation.Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	digest, err := attestation.SubmissionDigest(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.reports[r.ID]; ok {
		stored, err := attestation.DecodeReport(prev)
		if err != nil {
			return err
		}
		storedDigest, err := attestation.SubmissionDigest(stored)
		if err != nil {
			return err
		}
		if storedDigest != digest {
			return fmt.Errorf("%w: %s", ErrReportConflict, r.ID)
		}
	}
	m.reports[r.ID] = data
	return nil
}

func (m *MemoryReportStore) Report(_ context.Context, id string) (*attestation.Report, error) {
	m.mu.RLock()
	data, ok := m.reports[id]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return attestation.DecodeReport(data)
}
