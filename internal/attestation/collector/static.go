// Package collector provides attestation.Collector implementations: fixed
// values for tests and simulation, measurement files, TDX guests via the
// dstack agent, and TPM 2.0 devices.
package collector

import (
	"context"
	"time"

	"github.com/aspect-build/pqattest/internal/attestation"
)

// Static returns the same measurements on every call.
type Static struct {
	Measurements attestation.Measurements
	Platform     attestation.PlatformInfo
	// Delay simulates a slow device; the call honors ctx while waiting.
	Delay time.Duration
	// Err, when set, is returned instead of a collection.
	Err error
}

func (s *Static) Collect(ctx context.Context, _ *attestation.Device, _ []int) (*attestation.Collection, error) {
	start := time.Now()
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Err != nil {
		return nil, s.Err
	}
	return &attestation.Collection{
		Measurements: copyMeasurements(s.Measurements),
		Platform:     s.Platform,
		Duration:     time.Since(start),
	}, nil
}

func copyMeasurements(m attestation.Measurements) attestation.Measurements {
	out := attestation.Measurements{Hashes: make(map[string]string, len(m.Hashes))}
	for k, v := range m.Hashes {
		out.Hashes[k] = v
	}
	out.PCRValues = m.SortedPCRs()
	return out
}
