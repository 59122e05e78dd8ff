package attestation

import (
	"context"
	"time"
)

// Collector gathers the measured state of a device.
type Collector interface {
	Collect(ctx context.Context, device *Device, requiredPCRs []int) (*Collection, error)
}

// Collection is what a Collector returns.
type Collection struct {
	Measurements Measurements
	Platform     PlatformInfo
	Duration     time.Duration
}
