package policy

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/aspect-build/pqattest/internal/attestation"
)

// Per-check score terms. Staleness degrades gradually instead.
const (
	termPass     = 1.0
	termHigh     = 0.5
	termCritical = 0.0
)

// Result is the outcome of evaluating one report against one policy.
type Result struct {
	Policy     string
	Compliant  bool
	Violations []attestation.Violation
	Score      float64
}

// HasSeverity reports whether any violation has severity s.
func (r *Result) HasSeverity(s attestation.Severity) bool {
	for _, v := range r.Violations {
		if v.Severity == s {
			return true
		}
	}
	return false
}

// Engine evaluates reports. It is stateless apart from its clock and the
// freshness window applied to policies that leave theirs unset.
type Engine struct {
	now      func() time.Time
	maxAgeMs int64
}

type EngineOption func(*Engine)

// WithClock sets the time source used for freshness.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithMaxAge sets the freshness window for policies without one.
func WithMaxAge(d time.Duration) EngineOption {
	return func(e *Engine) { e.maxAgeMs = d.Milliseconds() }
}

func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{now: time.Now, maxAgeMs: DefaultMaxMeasurementAgeMs}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Evaluate checks r against p. The score is the minimum of the per-check
// terms; a report is compliant when that score is above zero and no
// critical violation was found. Violations are ordered by check, then by
// PCR index or measurement name.
func (e *Engine) Evaluate(r *attestation.Report, p *Policy) Result {
	ev := evaluation{score: termPass}

	required := append([]int(nil), p.RequiredPCRs...)
	sort.Ints(required)
	requiredSet := make(map[int]bool, len(required))
	for _, idx := range required {
		requiredSet[idx] = true
		if _, ok := r.Measurements.PCR(idx); !ok {
			ev.add(attestation.Violation{
				Rule:        fmt.Sprintf("pcr_%d", idx),
				Description: fmt.Sprintf("required PCR %d is missing", idx),
				Severity:    attestation.SeverityCritical,
			}, termCritical)
		}
	}

	baselineIdx := make([]int, 0, len(p.Baselines))
	for idx := range p.Baselines {
		baselineIdx = append(baselineIdx, idx)
	}
	sort.Ints(baselineIdx)
	for _, idx := range baselineIdx {
		want := strings.ToLower(p.Baselines[idx])
		got, ok := r.Measurements.PCR(idx)
		switch {
		case !ok && requiredSet[idx]:
			// already reported as missing
		case !ok:
			ev.add(attestation.Violation{
				Rule:        fmt.Sprintf("baseline_pcr_%d", idx),
				Description: fmt.Sprintf("PCR %d is missing; baseline expects %s", idx, want),
				Severity:    attestation.SeverityCritical,
			}, termCritical)
		case strings.ToLower(got.Value) != want:
			ev.add(attestation.Violation{
				Rule:        fmt.Sprintf("baseline_pcr_%d", idx),
				Description: fmt.Sprintf("PCR %d is %s; baseline expects %s", idx, got.Value, want),
				Severity:    attestation.SeverityCritical,
			}, termCritical)
		}
	}

	secureBootFailed := false
	if p.RequiresSecureBoot() && !r.PlatformInfo.SecureBootEnabled {
		secureBootFailed = true
		ev.add(attestation.Violation{
			Rule:        "secure_boot",
			Description: "policy requires secure boot but it is disabled",
			Severity:    attestation.SeverityHigh,
		}, termHigh)
	}
	if len(p.AllowedBootStates) > 0 && !secureBootFailed {
		state := r.PlatformInfo.EffectiveBootState()
		if !contains(p.AllowedBootStates, state) {
			ev.add(attestation.Violation{
				Rule:        "boot_state",
				Description: fmt.Sprintf("boot state %q is not allowed", state),
				Severity:    attestation.SeverityHigh,
			}, termHigh)
		}
	}

	maxAge := p.FreshnessWindowMs(e.maxAgeMs)
	ageMs := r.Age(e.now()).Milliseconds()
	ev.term(math.Max(0, 1-float64(ageMs)/float64(maxAge)))
	if ageMs > maxAge {
		ev.add(attestation.Violation{
			Rule:        "freshness",
			Description: fmt.Sprintf("report is %d ms old; limit is %d ms", ageMs, maxAge),
			Severity:    attestation.SeverityMedium,
		}, termPass)
	}

	critical := append([]string(nil), p.CriticalMeasurements...)
	sort.Strings(critical)
	for _, name := range critical {
		v, ok := r.Measurements.Hash(name)
		switch {
		case !ok || v == "":
			ev.add(attestation.Violation{
				Rule:        "measurement_" + name,
				Description: fmt.Sprintf("critical measurement %s is missing", name),
				Severity:    attestation.SeverityCritical,
			}, termCritical)
		case !attestation.IsHashShaped(v):
			ev.add(attestation.Violation{
				Rule:        "measurement_" + name,
				Description: fmt.Sprintf("critical measurement %s is not a 64 character hex digest", name),
				Severity:    attestation.SeverityCritical,
			}, termCritical)
		}
	}

	res := Result{
		Policy:     p.Name,
		Violations: ev.violations,
		Score:      round6(ev.score),
	}
	if res.Violations == nil {
		res.Violations = []attestation.Violation{}
	}
	res.Compliant = res.Score > 0 && !res.HasSeverity(attestation.SeverityCritical)
	return res
}

type evaluation struct {
	violations []attestation.Violation
	score      float64
}

func (ev *evaluation) add(v attestation.Violation, term float64) {
	ev.violations = append(ev.violations, v)
	ev.term(term)
}

func (ev *evaluation) term(t float64) {
	if t < ev.score {
		ev.score = t
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
