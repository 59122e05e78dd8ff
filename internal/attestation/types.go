package attestation

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Named measurement keys carried by most devices.
const (
	FirmwareHash      = "firmware_hash"
	BootloaderHash    = "bootloader_hash"
	ConfigurationHash = "configuration_hash"

	pcrValuesKey = "pcr_values"
)

// PCR bounds for a TPM 2.0 style register bank.
const (
	PCRCount     = 24
	PCRAlgorithm = "sha256"
)

// DeviceStatus is the registry-owned lifecycle state of a device.
type DeviceStatus string

const (
	DeviceUnprovisioned DeviceStatus = "unprovisioned"
	DeviceProvisioned   DeviceStatus = "provisioned"
	DeviceActive        DeviceStatus = "active"
	DeviceInactive      DeviceStatus = "inactive"
	DeviceRevoked       DeviceStatus = "revoked"
)

// Valid reports whether s is a known status.
func (s DeviceStatus) Valid() bool {
	switch s {
	case DeviceUnprovisioned, DeviceProvisioned, DeviceActive, DeviceInactive, DeviceRevoked:
		return true
	}
	return false
}

// CanBeTrusted reports whether a device in this status may be marked
// trusted after a successful attestation.
func (s DeviceStatus) CanBeTrusted() bool {
	return s == DeviceProvisioned || s == DeviceActive
}

// Device is the trust anchor for a reporting device. The attestation core
// only reads it.
type Device struct {
	ID              string            `json:"id"`
	Algorithm       string            `json:"algorithm"`
	PublicKeys      map[string][]byte `json:"publicKeys"`
	KEMAlgorithm    string            `json:"kemAlgorithm,omitempty"`
	KEMPublicKey    []byte            `json:"kemPublicKey,omitempty"`
	PolicyRef       string            `json:"policy,omitempty"`
	FirmwareVersion string            `json:"firmwareVersion,omitempty"`
	HardwareVersion string            `json:"hardwareVersion,omitempty"`
	Status          DeviceStatus      `json:"status"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// PublicKey returns the key registered for alg (canonical name).
func (d *Device) PublicKey(alg string) []byte {
	if d == nil {
		return nil
	}
	return d.PublicKeys[alg]
}

// PCRValue is one recorded platform configuration register.
type PCRValue struct {
	Index     int    `json:"index"`
	Value     string `json:"value"`
	Algorithm string `json:"algorithm"`
}

// Measurements holds named hashes and PCR values. On the wire the named
// hashes sit next to "pcr_values" in a single object.
type Measurements struct {
	Hashes    map[string]string
	PCRValues []PCRValue
}

// Hash returns the named measurement.
func (m Measurements) Hash(name string) (string, bool) {
	v, ok := m.Hashes[name]
	return v, ok
}

// PCR returns the value recorded for index.
func (m Measurements) PCR(index int) (PCRValue, bool) {
	for _, p := range m.PCRValues {
		if p.Index == index {
			return p, true
		}
	}
	return PCRValue{}, false
}

// SortedPCRs returns the PCR values ordered by index.
func (m Measurements) SortedPCRs() []PCRValue {
	out := append([]PCRValue(nil), m.PCRValues...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func (m Measurements) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(m.Hashes)+1)
	for k, v := range m.Hashes {
		obj[k] = v
	}
	pcrs := m.PCRValues
	if pcrs == nil {
		pcrs = []PCRValue{}
	}
	obj[pcrValuesKey] = pcrs
	return json.Marshal(obj)
}

func (m *Measurements) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := Measurements{Hashes: make(map[string]string, len(raw))}
	for k, v := range raw {
		if k == pcrValuesKey {
			if err := json.Unmarshal(v, &out.PCRValues); err != nil {
				return fmt.Errorf("pcr_values: %w", err)
			}
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return fmt.Errorf("measurement %q must be a string", k)
		}
		out.Hashes[k] = s
	}
	*m = out
	return nil
}

// Boot states reported by collectors.
const (
	BootStateSecure   = "secure_boot_enabled"
	BootStateInsecure = "secure_boot_disabled"
)

// PlatformInfo is the platform state captured alongside measurements.
type PlatformInfo struct {
	SecureBootEnabled bool   `json:"secureBootEnabled"`
	BootState         string `json:"bootState,omitempty"`
	FirmwareVersion   string `json:"firmwareVersion,omitempty"`
	HardwareVersion   string `json:"hardwareVersion,omitempty"`
	TPMVersion        string `json:"tpmVersion,omitempty"`
}

// EffectiveBootState returns BootState, or one derived from SecureBootEnabled.
func (p PlatformInfo) EffectiveBootState() string {
	if p.BootState != "" {
		return p.BootState
	}
	if p.SecureBootEnabled {
		return BootStateSecure
	}
	return BootStateInsecure
}

// Status is the verification annotation attached to a report.
type Status string

const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
	StatusFailed   Status = "failed"
	StatusExpired  Status = "expired"
)

// Severity ranks policy violations.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
)

// Violation is one failed policy rule. Violations are data, never errors.
type Violation struct {
	Rule        string   `json:"rule"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
}

// RiskLevel bands a risk score; higher is worse.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskFactor is one additive contribution to a risk score.
type RiskFactor struct {
	Name        string  `json:"name"`
	Weight      float64 `json:"weight"`
	Description string  `json:"description"`
}

// RiskAssessment is a bounded distrust signal.
type RiskAssessment struct {
	Score   float64      `json:"score"`
	Level   RiskLevel    `json:"level"`
	Factors []RiskFactor `json:"factors,omitempty"`
}

// PolicyCompliance is the compliance annotation attached to a report.
type PolicyCompliance struct {
	Policy    string  `json:"policy"`
	Compliant bool    `json:"compliant"`
	Score     float64 `json:"score"`
}

// VerificationResult is the derived outcome of verifying one report.
type VerificationResult struct {
	ReportID           string         `json:"reportId"`
	DeviceID           string         `json:"deviceId"`
	SignatureValid     bool           `json:"signatureValid"`
	SignatureAlgorithm string         `json:"signatureAlgorithm,omitempty"`
	SignatureReason    string         `json:"signatureReason,omitempty"`
	Policy             string         `json:"policy,omitempty"`
	PolicyCompliant    bool           `json:"policyCompliant"`
	PolicyScore        float64        `json:"policyScore"`
	Violations         []Violation    `json:"violations"`
	RiskAssessment     RiskAssessment `json:"riskAssessment"`
	EligibleForTrust   bool           `json:"eligibleForTrust"`
	TrustReason        string         `json:"trustReason,omitempty"`
	VerifiedAt         time.Time      `json:"verifiedAt"`
}

// Status maps the result onto a report annotation.
func (r *VerificationResult) Status() Status {
	if r.SignatureValid && r.PolicyCompliant {
		return StatusVerified
	}
	return StatusFailed
}
