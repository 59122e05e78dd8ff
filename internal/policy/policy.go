// Package policy holds compliance policies and the engine that evaluates
// attestation reports against them.
package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/aspect-build/pqattest/internal/attestation"
	"gopkg.in/yaml.v3"
)

// DefaultName is the policy applied when a device names none.
const DefaultName = "default"

// DefaultMaxMeasurementAgeMs is the freshness window used when neither
// the policy nor the verifier configuration sets one.
const DefaultMaxMeasurementAgeMs = 300000

var ErrInvalidPolicy = errors.New("invalid policy")

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,63}$`)

// Policy is an operator-defined baseline for device measurements.
type Policy struct {
	Name                 string         `yaml:"name" json:"name"`
	Description          string         `yaml:"description,omitempty" json:"description,omitempty"`
	RequiredPCRs         []int          `yaml:"requiredPcrs,omitempty" json:"requiredPcrs,omitempty"`
	Baselines            map[int]string `yaml:"baselines,omitempty" json:"baselines,omitempty"`
	AllowedBootStates    []string       `yaml:"allowedBootStates,omitempty" json:"allowedBootStates,omitempty"`
	RequireSecureBoot    bool           `yaml:"requireSecureBoot,omitempty" json:"requireSecureBoot,omitempty"`
	MaxMeasurementAgeMs  int64          `yaml:"maxMeasurementAgeMs,omitempty" json:"maxMeasurementAgeMs,omitempty"`
	CriticalMeasurements []string       `yaml:"criticalMeasurements,omitempty" json:"criticalMeasurements,omitempty"`
	MinPCRCount          int            `yaml:"minPcrCount,omitempty" json:"minPcrCount,omitempty"`
}

// Default returns the built-in policy: boot PCRs 0-7, secure boot,
// firmware and bootloader hashes. It leaves the freshness window to the
// verifier configuration.
func Default() *Policy {
	return &Policy{
		Name:                 DefaultName,
		Description:          "Boot chain integrity with secure boot",
		RequiredPCRs:         []int{0, 1, 2, 3, 4, 7},
		RequireSecureBoot:    true,
		CriticalMeasurements: []string{attestation.FirmwareHash, attestation.BootloaderHash},
		MinPCRCount:          6,
	}
}

// FreshnessWindowMs returns the policy's freshness window, or fallback
// when the policy leaves it unset. A nil policy uses fallback.
func (p *Policy) FreshnessWindowMs(fallback int64) int64 {
	if p != nil && p.MaxMeasurementAgeMs > 0 {
		return p.MaxMeasurementAgeMs
	}
	if fallback <= 0 {
		return DefaultMaxMeasurementAgeMs
	}
	return fallback
}

// RequiresSecureBoot reports whether the policy demands secure boot,
// either directly or by allowing only the secure boot state.
func (p *Policy) RequiresSecureBoot() bool {
	if p.RequireSecureBoot {
		return true
	}
	return len(p.AllowedBootStates) == 1 && p.AllowedBootStates[0] == attestation.BootStateSecure
}

// Validate normalizes baselines to lowercase and checks every field.
func (p *Policy) Validate() error {
	if !namePattern.MatchString(p.Name) {
		return fmt.Errorf("%w: name %q must match %s", ErrInvalidPolicy, p.Name, namePattern)
	}
	seen := map[int]bool{}
	for _, idx := range p.RequiredPCRs {
		if idx < 0 || idx >= attestation.PCRCount {
			return fmt.Errorf("%w: required PCR %d out of range", ErrInvalidPolicy, idx)
		}
		if seen[idx] {
			return fmt.Errorf("%w: required PCR %d listed twice", ErrInvalidPolicy, idx)
		}
		seen[idx] = true
	}
	for idx, v := range p.Baselines {
		if idx < 0 || idx >= attestation.PCRCount {
			return fmt.Errorf("%w: baseline PCR %d out of range", ErrInvalidPolicy, idx)
		}
		norm := strings.ToLower(strings.TrimSpace(v))
		if !attestation.IsHashShaped(norm) {
			return fmt.Errorf("%w: baseline for PCR %d must be 64 hex characters", ErrInvalidPolicy, idx)
		}
		p.Baselines[idx] = norm
	}
	for _, s := range p.AllowedBootStates {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%w: empty allowed boot state", ErrInvalidPolicy)
		}
	}
	if p.MaxMeasurementAgeMs < 0 {
		return fmt.Errorf("%w: maxMeasurementAgeMs must not be negative", ErrInvalidPolicy)
	}
	for _, k := range p.CriticalMeasurements {
		if k == "" {
			return fmt.Errorf("%w: empty critical measurement name", ErrInvalidPolicy)
		}
	}
	if p.MinPCRCount < 0 || p.MinPCRCount > attestation.PCRCount {
		return fmt.Errorf("%w: minPcrCount must be 0..%d", ErrInvalidPolicy, attestation.PCRCount)
	}
	return nil
}

// Parse decodes and validates one YAML policy document.
// Unknown keys are rejected.
func Parse(data []byte) (*Policy, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var p Policy
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidPolicy)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Marshal renders p as YAML.
func Marshal(p *Policy) ([]byte, error) {
	return yaml.Marshal(p)
}

// LoadFile reads a policy from path.
func LoadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// LoadDir reads every *.yaml / *.yml file in dir. Duplicate names are an
// error.
func LoadDir(dir string) ([]*Policy, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read policy dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]*Policy, 0, len(names))
	byName := map[string]string{}
	for _, n := range names {
		path := filepath.Join(dir, n)
		p, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		if prev, ok := byName[p.Name]; ok {
			return nil, fmt.Errorf("%w: policy %q defined in both %s and %s", ErrInvalidPolicy, p.Name, prev, n)
		}
		byName[p.Name] = n
		out = append(out, p)
	}
	return out, nil
}
