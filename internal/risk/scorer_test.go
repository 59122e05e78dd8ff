package risk

import (
	"strings"
	"testing"
	"time"

	"github.com/aspect-build/pqattest/internal/attestation"
	"github.com/aspect-build/pqattest/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func report(age time.Duration, pcrs int, firmware bool) *attestation.Report {
	m := attestation.Measurements{Hashes: map[string]string{}}
	if firmware {
		m.Hashes[attestation.FirmwareHash] = strings.Repeat("a", 64)
	}
	for i := 0; i < pcrs; i++ {
		m.PCRValues = append(m.PCRValues, attestation.PCRValue{Index: i, Value: strings.Repeat("0", 64), Algorithm: "sha256"})
	}
	return attestation.NewReport("0123456789abcdef0123456789abcdef", strings.Repeat("e", 32), now.Add(-age), m, attestation.PlatformInfo{})
}

func newTestScorer() *Scorer {
	return NewScorer(WithClock(func() time.Time { return now }))
}

func factorNames(a attestation.RiskAssessment) []string {
	var out []string
	for _, f := range a.Factors {
		out = append(out, f.Name)
	}
	return out
}

func TestAssessClean(t *testing.T) {
	a := newTestScorer().Assess(Input{
		Report:         report(10*time.Second, 6, true),
		SignatureValid: true,
		Policy:         policy.Default(),
	})
	assert.Equal(t, 0.0, a.Score)
	assert.Equal(t, attestation.RiskLow, a.Level)
	assert.Empty(t, a.Factors)
}

func TestAssessFactors(t *testing.T) {
	tests := []struct {
		name    string
		in      Input
		score   float64
		level   attestation.RiskLevel
		factors []string
	}{
		{
			name:    "invalid signature",
			in:      Input{Report: report(time.Second, 6, true), Policy: policy.Default()},
			score:   0.5,
			level:   attestation.RiskMedium,
			factors: []string{FactorSignatureInvalid},
		},
		{
			name:    "stale",
			in:      Input{Report: report(10*time.Minute, 6, true), SignatureValid: true, Policy: policy.Default()},
			score:   0.2,
			level:   attestation.RiskLow,
			factors: []string{FactorStaleReport},
		},
		{
			name:    "missing firmware and pcrs",
			in:      Input{Report: report(time.Second, 2, false), SignatureValid: true, Policy: policy.Default()},
			score:   0.4,
			level:   attestation.RiskMedium,
			factors: []string{FactorMissingFirmware, FactorInsufficientPCRs},
		},
		{
			name: "everything wrong clamps to one",
			in: Input{
				Report: report(time.Hour, 0, false),
				Policy: policy.Default(),
				PolicyResult: policy.Result{Violations: []attestation.Violation{
					{Rule: "pcr_0", Severity: attestation.SeverityCritical},
					{Rule: "secure_boot", Severity: attestation.SeverityHigh},
				}},
			},
			score: 1,
			level: attestation.RiskCritical,
			factors: []string{FactorSignatureInvalid, FactorStaleReport, FactorMissingFirmware,
				FactorInsufficientPCRs, FactorPolicyCritical, FactorPolicyHigh},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a := newTestScorer().Assess(tc.in)
			assert.InDelta(t, tc.score, a.Score, 1e-9)
			assert.Equal(t, tc.level, a.Level)
			assert.Equal(t, tc.factors, factorNames(a))
		})
	}
}

func TestAssessConfiguredMaxAge(t *testing.T) {
	s := NewScorer(WithClock(func() time.Time { return now }), WithMaxAge(time.Minute))
	in := Input{Report: report(2*time.Minute, 6, true), SignatureValid: true, Policy: policy.Default()}
	assert.Contains(t, factorNames(s.Assess(in)), FactorStaleReport)

	assert.NotContains(t, factorNames(newTestScorer().Assess(in)), FactorStaleReport)
}

func TestAssessMonotonicInAge(t *testing.T) {
	s := newTestScorer()
	prev := -1.0
	for _, age := range []time.Duration{0, time.Second, time.Minute, 5 * time.Minute, 5*time.Minute + time.Millisecond, time.Hour, 48 * time.Hour} {
		a := s.Assess(Input{Report: report(age, 6, true), SignatureValid: true, Policy: policy.Default()})
		require.GreaterOrEqual(t, a.Score, prev, "age %s", age)
		require.True(t, a.Score >= 0 && a.Score <= 1)
		prev = a.Score
	}
}

func TestBand(t *testing.T) {
	cases := map[float64]attestation.RiskLevel{
		0:     attestation.RiskLow,
		0.2:   attestation.RiskLow,
		0.21:  attestation.RiskMedium,
		0.5:   attestation.RiskMedium,
		0.51:  attestation.RiskHigh,
		0.8:   attestation.RiskHigh,
		0.801: attestation.RiskCritical,
		1:     attestation.RiskCritical,
	}
	for score, want := range cases {
		assert.Equal(t, want, Band(score), "score %v", score)
	}
}

func TestEligible(t *testing.T) {
	s := NewScorer(WithThreshold(0.3))
	low := attestation.RiskAssessment{Score: 0.2}
	high := attestation.RiskAssessment{Score: 0.4}
	assert.True(t, s.Eligible(low, true, true))
	assert.False(t, s.Eligible(high, true, true))
	assert.False(t, s.Eligible(low, false, true))
	assert.False(t, s.Eligible(low, true, false))
	assert.Equal(t, 0.3, s.Threshold())
}
