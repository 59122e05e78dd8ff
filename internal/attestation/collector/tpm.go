package collector

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/aspect-build/pqattest/internal/attestation"
	"github.com/google/go-tpm-tools/client"
	tpm2legacy "github.com/google/go-tpm/legacy/tpm2"
	"github.com/google/go-tpm/tpmutil"
)

// BootPCRs is the SRTM range read when no PCRs are requested.
var BootPCRs = []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}

// TPM reads SHA-256 PCR banks from a TPM 2.0 device such as /dev/tpmrm0.
type TPM struct {
	path     string
	platform attestation.PlatformInfo
	open     func(path string) (io.ReadWriteCloser, error)
}

// NewTPM reads from the device at path. platform is reported as-is,
// with TPMVersion forced to "2.0".
func NewTPM(path string, platform attestation.PlatformInfo) *TPM {
	platform.TPMVersion = "2.0"
	return &TPM{path: path, platform: platform, open: tpmutil.OpenTPM}
}

// WithOpener replaces how the device is opened, e.g. with a simulator.
func (t *TPM) WithOpener(open func(path string) (io.ReadWriteCloser, error)) *TPM {
	t.open = open
	return t
}

func (t *TPM) Collect(ctx context.Context, _ *attestation.Device, requiredPCRs []int) (*attestation.Collection, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want := requiredPCRs
	if len(want) == 0 {
		want = BootPCRs
	}
	seen := make(map[int]bool, len(want))
	pcrs := make([]int, 0, len(want))
	for _, idx := range want {
		if idx < 0 || idx >= attestation.PCRCount {
			return nil, fmt.Errorf("tpm: PCR %d out of range", idx)
		}
		if !seen[idx] {
			seen[idx] = true
			pcrs = append(pcrs, idx)
		}
	}

	rwc, err := t.open(t.path)
	if err != nil {
		return nil, fmt.Errorf("open TPM %s: %w", t.path, err)
	}
	defer rwc.Close()

	sel := tpm2legacy.PCRSelection{Hash: tpm2legacy.AlgSHA256, PCRs: pcrs}
	bank, err := client.ReadPCRs(rwc, sel)
	if err != nil {
		return nil, fmt.Errorf("read PCRs %v: %w", pcrs, err)
	}

	values := bank.GetPcrs()
	m := attestation.Measurements{Hashes: map[string]string{}}
	for _, idx := range pcrs {
		v, ok := values[uint32(idx)]
		if !ok {
			return nil, fmt.Errorf("tpm: PCR %d missing from read", idx)
		}
		m.PCRValues = append(m.PCRValues, attestation.PCRValue{
			Index:     idx,
			Value:     hex.EncodeToString(v),
			Algorithm: attestation.PCRAlgorithm,
		})
	}
	if p, ok := m.PCR(0); ok {
		m.Hashes[attestation.FirmwareHash] = p.Value
	}
	if p, ok := m.PCR(4); ok {
		m.Hashes[attestation.BootloaderHash] = p.Value
	}

	return &attestation.Collection{
		Measurements: copyMeasurements(m),
		Platform:     t.platform,
		Duration:     time.Since(start),
	}, nil
}
