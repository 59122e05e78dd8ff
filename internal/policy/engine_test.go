package policy

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/aspect-build/pqattest/internal/attestation"
)

var evalNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func pcrValue(i int) string {
	return strings.Repeat(string("0123456789abcdef"[i%16]), 64)
}

func compliantReport(age time.Duration) *attestation.Report {
	m := attestation.Measurements{
		Hashes: map[string]string{
			attestation.FirmwareHash:   strings.Repeat("a", 64),
			attestation.BootloaderHash: strings.Repeat("b", 64),
		},
	}
	for _, i := range []int{0, 1, 2, 3, 4, 7} {
		m.PCRValues = append(m.PCRValues, attestation.PCRValue{Index: i, Value: pcrValue(i), Algorithm: "sha256"})
	}
	return attestation.NewReport("0123456789abcdef0123456789abcdef", strings.Repeat("e", 32), evalNow.Add(-age), m,
		attestation.PlatformInfo{SecureBootEnabled: true})
}

func baselinePolicy() *Policy {
	p := Default()
	p.Baselines = map[int]string{}
	for _, i := range p.RequiredPCRs {
		p.Baselines[i] = pcrValue(i)
	}
	return p
}

func newTestEngine() *Engine {
	return NewEngine(WithClock(func() time.Time { return evalNow }))
}

func TestEvaluateCompliant(t *testing.T) {
	res := newTestEngine().Evaluate(compliantReport(10*time.Second), baselinePolicy())
	if !res.Compliant {
		t.Fatalf("expected compliant, violations: %+v", res.Violations)
	}
	if len(res.Violations) != 0 {
		t.Fatalf("violations = %+v", res.Violations)
	}
	// freshness term 1 - 10s/300s
	if want := round6(1 - 10.0/300.0); res.Score != want {
		t.Fatalf("score = %v, want %v", res.Score, want)
	}
}

func TestEvaluateMissingPCR0(t *testing.T) {
	r := compliantReport(10 * time.Second)
	r.Measurements.PCRValues = r.Measurements.PCRValues[1:]
	res := newTestEngine().Evaluate(r, baselinePolicy())
	if res.Compliant || res.Score != 0 {
		t.Fatalf("compliant = %v score = %v", res.Compliant, res.Score)
	}
	if len(res.Violations) != 1 {
		t.Fatalf("violations = %+v", res.Violations)
	}
	v := res.Violations[0]
	if v.Rule != "pcr_0" || v.Severity != attestation.SeverityCritical {
		t.Fatalf("violation = %+v", v)
	}
}

func TestEvaluateStaleReport(t *testing.T) {
	p := baselinePolicy()
	r := compliantReport(time.Duration(DefaultMaxMeasurementAgeMs*2) * time.Millisecond)
	res := newTestEngine().Evaluate(r, p)
	if res.Score != 0 {
		t.Fatalf("score = %v, want 0", res.Score)
	}
	if res.Compliant {
		t.Fatal("score 0 must not be compliant")
	}
	if len(res.Violations) != 1 || res.Violations[0].Rule != "freshness" || res.Violations[0].Severity != attestation.SeverityMedium {
		t.Fatalf("violations = %+v", res.Violations)
	}
	if res.HasSeverity(attestation.SeverityCritical) {
		t.Fatal("staleness must not be critical")
	}
}

func TestEvaluateConfiguredMaxAge(t *testing.T) {
	e := NewEngine(WithClock(func() time.Time { return evalNow }), WithMaxAge(time.Minute))
	r := compliantReport(2 * time.Minute)

	res := e.Evaluate(r, baselinePolicy())
	if len(res.Violations) != 1 || res.Violations[0].Rule != "freshness" {
		t.Fatalf("violations = %+v", res.Violations)
	}

	p := baselinePolicy()
	p.MaxMeasurementAgeMs = int64((10 * time.Minute) / time.Millisecond)
	if res := e.Evaluate(r, p); len(res.Violations) != 0 {
		t.Fatalf("policy window should override the configured one, violations = %+v", res.Violations)
	}
}

func TestEvaluateSecureBootIsHigh(t *testing.T) {
	r := compliantReport(time.Second)
	r.PlatformInfo.SecureBootEnabled = false
	res := newTestEngine().Evaluate(r, baselinePolicy())
	if len(res.Violations) != 1 || res.Violations[0].Severity != attestation.SeverityHigh {
		t.Fatalf("violations = %+v", res.Violations)
	}
	if res.Score != termHigh || !res.Compliant {
		t.Fatalf("score = %v compliant = %v", res.Score, res.Compliant)
	}
}

func TestEvaluateBootStateAllowList(t *testing.T) {
	p := baselinePolicy()
	p.RequireSecureBoot = false
	p.AllowedBootStates = []string{"measured"}
	res := newTestEngine().Evaluate(compliantReport(time.Second), p)
	if len(res.Violations) != 1 || res.Violations[0].Rule != "boot_state" {
		t.Fatalf("violations = %+v", res.Violations)
	}
}

func TestEvaluateBaselineMismatch(t *testing.T) {
	r := compliantReport(time.Second)
	r.Measurements.PCRValues[2].Value = strings.Repeat("f", 64)
	res := newTestEngine().Evaluate(r, baselinePolicy())
	if res.Compliant || len(res.Violations) != 1 || res.Violations[0].Rule != "baseline_pcr_2" {
		t.Fatalf("res = %+v", res)
	}
}

func TestEvaluateCriticalMeasurements(t *testing.T) {
	r := compliantReport(time.Second)
	delete(r.Measurements.Hashes, attestation.FirmwareHash)
	r.Measurements.Hashes[attestation.BootloaderHash] = "not-a-digest"
	res := newTestEngine().Evaluate(r, baselinePolicy())
	if res.Compliant {
		t.Fatal("missing critical measurement must not be compliant")
	}
	rules := []string{res.Violations[0].Rule, res.Violations[1].Rule}
	if !reflect.DeepEqual(rules, []string{"measurement_bootloader_hash", "measurement_firmware_hash"}) {
		t.Fatalf("rules = %v", rules)
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	r := compliantReport(time.Hour)
	r.Measurements.PCRValues = nil
	r.PlatformInfo.SecureBootEnabled = false
	p := baselinePolicy()
	p.Baselines[9] = pcrValue(9)
	e := newTestEngine()
	first := e.Evaluate(r, p)
	for i := 0; i < 20; i++ {
		if got := e.Evaluate(r, p); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d differs:\n%+v\n%+v", i, got, first)
		}
	}
}

func TestEvaluateDefaultsMaxAge(t *testing.T) {
	p := &Policy{Name: "open"}
	res := newTestEngine().Evaluate(compliantReport(4*time.Minute), p)
	if !res.Compliant || len(res.Violations) != 0 {
		t.Fatalf("res = %+v", res)
	}
	res = newTestEngine().Evaluate(compliantReport(6*time.Minute), p)
	if res.Compliant {
		t.Fatal("report older than the default window must not be compliant")
	}
}
