package attestation

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"
)

// ErrValidation is wrapped by every ValidationError.
var ErrValidation = errors.New("validation failed")

// ValidationError reports a malformed field. It is raised before any
// cryptographic work is done.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// DefaultClockSkew tolerates device clocks running slightly ahead.
const DefaultClockSkew = 5 * time.Second

const (
	maxIDLen          = 128
	maxMeasurementLen = 256
	maxPlatformLen    = 128
	maxNamedHashes    = 64
	maxSignatureLen   = 16 << 10
	minNonceHex       = 16
	maxNonceHex       = 64
)

var (
	deviceIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)
	noncePattern    = regexp.MustCompile(`^[0-9a-f]+$`)
	pcrValuePattern = regexp.MustCompile(`^[0-9a-f]{64}$`)
	hashKeyPattern  = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)
	reportIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)
)

// digestMeasurements are the named measurements that always carry a
// SHA-256 digest.
var digestMeasurements = map[string]bool{
	FirmwareHash:      true,
	BootloaderHash:    true,
	ConfigurationHash: true,
}

// IsHashShaped reports whether v is a 64-character lowercase hex digest.
func IsHashShaped(v string) bool { return pcrValuePattern.MatchString(v) }

// ValidDeviceID reports whether id is 32 lowercase hex characters.
func ValidDeviceID(id string) bool { return deviceIDPattern.MatchString(id) }

// ValidateReport checks the shape of every field. Timestamps more than
// skew ahead of now are rejected.
func ValidateReport(r *Report, now time.Time, skew time.Duration) error {
	if r == nil {
		return &ValidationError{Field: "report", Reason: "missing"}
	}
	if r.ID == "" || len(r.ID) > maxIDLen || !reportIDPattern.MatchString(r.ID) {
		return &ValidationError{Field: "id", Reason: "must be 1-128 characters of [A-Za-z0-9._:-]"}
	}
	if !ValidDeviceID(r.DeviceID) {
		return &ValidationError{Field: "deviceId", Reason: "must be 32 lowercase hex characters"}
	}
	if r.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "missing"}
	}
	if r.Timestamp.After(now.Add(skew)) {
		return &ValidationError{Field: "timestamp", Reason: "is in the future"}
	}
	if n := len(r.Nonce); n < minNonceHex || n > maxNonceHex || !noncePattern.MatchString(r.Nonce) {
		return &ValidationError{Field: "nonce", Reason: "must be 16-64 lowercase hex characters"}
	}
	if err := validateMeasurements(r.Measurements); err != nil {
		return err
	}
	if err := validatePlatform(r.PlatformInfo); err != nil {
		return err
	}
	if len(r.Signature) > maxSignatureLen {
		return &ValidationError{Field: "signature", Reason: "too long"}
	}
	if len(r.Signature) > 0 && r.SignatureAlgorithm == "" {
		return &ValidationError{Field: "signatureAlgorithm", Reason: "required when a signature is present"}
	}
	return nil
}

func validateMeasurements(m Measurements) error {
	if len(m.Hashes) > maxNamedHashes {
		return &ValidationError{Field: "measurements", Reason: "too many named measurements"}
	}
	keys := make([]string, 0, len(m.Hashes))
	for k := range m.Hashes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := m.Hashes[k]
		if !hashKeyPattern.MatchString(k) {
			return &ValidationError{Field: "measurements." + k, Reason: "name must match [a-z0-9_]{1,64}"}
		}
		if len(v) > maxMeasurementLen {
			return &ValidationError{Field: "measurements." + k, Reason: "value too long"}
		}
		if digestMeasurements[k] && !IsHashShaped(v) {
			return &ValidationError{Field: "measurements." + k, Reason: "must be 64 lowercase hex characters"}
		}
	}
	if len(m.PCRValues) > PCRCount {
		return &ValidationError{Field: "measurements.pcr_values", Reason: "more entries than PCRs"}
	}
	seen := make(map[int]bool, len(m.PCRValues))
	for i, p := range m.PCRValues {
		field := fmt.Sprintf("measurements.pcr_values[%d]", i)
		if p.Index < 0 || p.Index >= PCRCount {
			return &ValidationError{Field: field + ".index", Reason: fmt.Sprintf("must be 0..%d", PCRCount-1)}
		}
		if seen[p.Index] {
			return &ValidationError{Field: field + ".index", Reason: fmt.Sprintf("duplicate PCR %d", p.Index)}
		}
		seen[p.Index] = true
		if p.Algorithm != PCRAlgorithm {
			return &ValidationError{Field: field + ".algorithm", Reason: "must be sha256"}
		}
		if !IsHashShaped(p.Value) {
			return &ValidationError{Field: field + ".value", Reason: "must be 64 lowercase hex characters"}
		}
	}
	return nil
}

func validatePlatform(p PlatformInfo) error {
	fields := []struct{ name, value string }{
		{"platformInfo.bootState", p.BootState},
		{"platformInfo.firmwareVersion", p.FirmwareVersion},
		{"platformInfo.hardwareVersion", p.HardwareVersion},
		{"platformInfo.tpmVersion", p.TPMVersion},
	}
	for _, f := range fields {
		if len(f.value) > maxPlatformLen {
			return &ValidationError{Field: f.name, Reason: "too long"}
		}
	}
	return nil
}
