// Package risk turns verification and policy outcomes into a bounded
// distrust score. Higher is worse.
package risk

import (
	"math"
	"time"

	"github.com/aspect-build/pqattest/internal/attestation"
	"github.com/aspect-build/pqattest/internal/policy"
)

// DefaultThreshold is the highest score still eligible for trust.
const DefaultThreshold = 0.5

// Factor names and their weights.
const (
	FactorSignatureInvalid    = "signature_invalid"
	FactorStaleReport         = "stale_report"
	FactorMissingFirmware     = "missing_firmware_hash"
	FactorInsufficientPCRs    = "insufficient_pcrs"
	FactorPolicyCritical      = "policy_critical_violation"
	FactorPolicyHigh          = "policy_high_violation"
	weightSignatureInvalid    = 0.5
	weightStaleReport         = 0.2
	weightMissingFirmwareHash = 0.3
	weightInsufficientPCRs    = 0.1
	weightPolicyCritical      = 0.3
	weightPolicyHigh          = 0.1
)

// Input is everything the scorer looks at.
type Input struct {
	Report         *attestation.Report
	SignatureValid bool
	Policy         *policy.Policy
	PolicyResult   policy.Result
}

// Scorer computes risk assessments.
type Scorer struct {
	threshold float64
	maxAgeMs  int64
	now       func() time.Time
}

type Option func(*Scorer)

// WithThreshold sets the eligibility threshold.
func WithThreshold(t float64) Option { return func(s *Scorer) { s.threshold = t } }

// WithMaxAge sets the freshness window used when the policy has none.
func WithMaxAge(d time.Duration) Option { return func(s *Scorer) { s.maxAgeMs = d.Milliseconds() } }

// WithClock sets the time source used for staleness.
func WithClock(now func() time.Time) Option { return func(s *Scorer) { s.now = now } }

func NewScorer(opts ...Option) *Scorer {
	s := &Scorer{threshold: DefaultThreshold, maxAgeMs: policy.DefaultMaxMeasurementAgeMs, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Threshold returns the eligibility threshold.
func (s *Scorer) Threshold() float64 { return s.threshold }

// Assess sums the applicable factors, clamps to [0,1] and bands the
// result. Each factor contributes at most its weight once.
func (s *Scorer) Assess(in Input) attestation.RiskAssessment {
	var factors []attestation.RiskFactor
	add := func(name string, weight float64, desc string) {
		factors = append(factors, attestation.RiskFactor{Name: name, Weight: weight, Description: desc})
	}

	if !in.SignatureValid {
		add(FactorSignatureInvalid, weightSignatureInvalid, "report signature did not verify")
	}

	maxAge := in.Policy.FreshnessWindowMs(s.maxAgeMs)
	minPCRs := 0
	if in.Policy != nil {
		minPCRs = in.Policy.MinPCRCount
	}
	if in.Report.Age(s.now()).Milliseconds() > maxAge {
		add(FactorStaleReport, weightStaleReport, "report is older than the freshness window")
	}

	if fw, ok := in.Report.Measurements.Hash(attestation.FirmwareHash); !ok || fw == "" {
		add(FactorMissingFirmware, weightMissingFirmwareHash, "firmware hash measurement is absent")
	}
	if n := len(in.Report.Measurements.PCRValues); n < minPCRs {
		add(FactorInsufficientPCRs, weightInsufficientPCRs, "fewer PCR values than the policy minimum")
	}

	if in.PolicyResult.HasSeverity(attestation.SeverityCritical) {
		add(FactorPolicyCritical, weightPolicyCritical, "policy reported a critical violation")
	}
	if in.PolicyResult.HasSeverity(attestation.SeverityHigh) {
		add(FactorPolicyHigh, weightPolicyHigh, "policy reported a high severity violation")
	}

	total := 0.0
	for _, f := range factors {
		total += f.Weight
	}
	score := math.Round(clamp(total)*1e6) / 1e6
	return attestation.RiskAssessment{Score: score, Level: Band(score), Factors: factors}
}

// Eligible reports whether a result may promote a device to trusted.
func (s *Scorer) Eligible(a attestation.RiskAssessment, signatureValid, policyCompliant bool) bool {
	return a.Score <= s.threshold && signatureValid && policyCompliant
}

// Band maps a score onto a risk level.
func Band(score float64) attestation.RiskLevel {
	switch {
	case score <= 0.2:
		return attestation.RiskLow
	case score <= 0.5:
		return attestation.RiskMedium
	case score <= 0.8:
		return attestation.RiskHigh
	default:
		return attestation.RiskCritical
	}
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
