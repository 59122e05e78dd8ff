//go:build tpmsim

package collector

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/aspect-build/pqattest/internal/attestation"
	"github.com/google/go-tpm-tools/simulator"
)

func TestTPMSimulatorReadsPCRs(t *testing.T) {
	c := NewTPM("simulator", attestation.PlatformInfo{SecureBootEnabled: true}).WithOpener(func(string) (io.ReadWriteCloser, error) {
		return simulator.GetWithFixedSeedInsecure(1073741825)
	})
	got, err := c.Collect(context.Background(), nil, []int{0, 7, 7})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(got.Measurements.PCRValues) != 2 {
		t.Fatalf("got %+v", got.Measurements.PCRValues)
	}
	zero := strings.Repeat("0", 64)
	if p, _ := got.Measurements.PCR(0); p.Value != zero {
		t.Fatalf("fresh simulator PCR 0 = %s", p.Value)
	}
	if got.Platform.TPMVersion != "2.0" {
		t.Fatalf("TPMVersion = %q", got.Platform.TPMVersion)
	}
}
