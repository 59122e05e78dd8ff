package attestation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage is a report's position in its lifecycle.
type Stage int

const (
	StageCollected Stage = iota + 1
	StageSigned
	StageTransmitted
	StagePendingVerification
	StageVerified
	StageFailed
	StageExpired
)

func (s Stage) String() string {
	switch s {
	case StageCollected:
		return "collected"
	case StageSigned:
		return "signed"
	case StageTransmitted:
		return "transmitted"
	case StagePendingVerification:
		return "pending_verification"
	case StageVerified:
		return "verified"
	case StageFailed:
		return "failed"
	case StageExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// ErrInvalidTransition is returned by Advance for an illegal stage change.
var ErrInvalidTransition = errors.New("invalid report stage transition")

// Expired is never entered explicitly: it is derived from age.
var transitions = map[Stage][]Stage{
	StageCollected:           {StageSigned, StagePendingVerification},
	StageSigned:              {StageTransmitted, StagePendingVerification},
	StageTransmitted:         {StagePendingVerification},
	StagePendingVerification: {StageVerified, StageFailed},
	StageVerified:            {StagePendingVerification},
	StageFailed:              {StagePendingVerification},
}

// Report is a device's signed statement of its measured state. Measurement
// fields are fixed at creation; the verifier only adds annotations.
type Report struct {
	ID                 string            `json:"id"`
	DeviceID           string            `json:"deviceId"`
	Timestamp          time.Time         `json:"timestamp"`
	Nonce              string            `json:"nonce"`
	Measurements       Measurements      `json:"measurements"`
	PlatformInfo       PlatformInfo      `json:"platformInfo"`
	Signature          []byte            `json:"signature,omitempty"`
	SignatureAlgorithm string            `json:"signatureAlgorithm,omitempty"`
	VerificationStatus Status            `json:"verificationStatus,omitempty"`
	RiskAssessment     *RiskAssessment   `json:"riskAssessment,omitempty"`
	PolicyCompliance   *PolicyCompliance `json:"policyCompliance,omitempty"`

	stage Stage
}

// NewReport creates a report in the Collected stage. The timestamp is
// truncated to the millisecond precision used by the canonical form.
func NewReport(deviceID, nonce string, at time.Time, m Measurements, p PlatformInfo) *Report {
	return &Report{
		ID:           uuid.NewString(),
		DeviceID:     deviceID,
		Timestamp:    at.UTC().Truncate(time.Millisecond),
		Nonce:        nonce,
		Measurements: m,
		PlatformInfo: p,
		stage:        StageCollected,
	}
}

// DecodeReport parses a submitted report. Verifier annotations present in
// the payload are discarded; they are always recomputed.
func DecodeReport(data []byte) (*Report, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var r Report
	if err := dec.Decode(&r); err != nil {
		return nil, &ValidationError{Field: "report", Reason: err.Error()}
	}
	r.VerificationStatus = ""
	r.RiskAssessment = nil
	r.PolicyCompliance = nil
	r.stage = StageCollected
	if len(r.Signature) > 0 {
		r.stage = StageTransmitted
	}
	return &r, nil
}

// Stage returns the recorded lifecycle stage.
func (r *Report) Stage() Stage {
	if r.stage != 0 {
		return r.stage
	}
	switch r.VerificationStatus {
	case StatusPending:
		return StagePendingVerification
	case StatusVerified:
		return StageVerified
	case StatusFailed:
		return StageFailed
	}
	if len(r.Signature) > 0 {
		return StageSigned
	}
	return StageCollected
}

// StageAt returns the stage, or StageExpired once the report is older
// than maxAge.
func (r *Report) StageAt(now time.Time, maxAge time.Duration) Stage {
	if r.IsExpired(now, maxAge) {
		return StageExpired
	}
	return r.Stage()
}

// Age returns how old the report is at now. Future timestamps yield 0.
func (r *Report) Age(now time.Time) time.Duration {
	age := now.Sub(r.Timestamp)
	if age < 0 {
		return 0
	}
	return age
}

// IsExpired reports whether the report is older than maxAge. A
// non-positive maxAge disables expiry.
func (r *Report) IsExpired(now time.Time, maxAge time.Duration) bool {
	return maxAge > 0 && r.Age(now) > maxAge
}

// Advance moves the report to next, rejecting illegal transitions.
func (r *Report) Advance(next Stage) error {
	cur := r.Stage()
	for _, allowed := range transitions[cur] {
		if allowed == next {
			r.stage = next
			switch next {
			case StagePendingVerification:
				r.VerificationStatus = StatusPending
			case StageVerified:
				r.VerificationStatus = StatusVerified
			case StageFailed:
				r.VerificationStatus = StatusFailed
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, next)
}

// Annotate attaches a verification outcome and moves the report to its
// terminal stage for this attempt.
func (r *Report) Annotate(res *VerificationResult) error {
	if r.Stage() != StagePendingVerification {
		if err := r.Advance(StagePendingVerification); err != nil {
			return err
		}
	}
	next := StageFailed
	if res.Status() == StatusVerified {
		next = StageVerified
	}
	if err := r.Advance(next); err != nil {
		return err
	}
	risk := res.RiskAssessment
	r.RiskAssessment = &risk
	r.PolicyCompliance = &PolicyCompliance{
		Policy:    res.Policy,
		Compliant: res.PolicyCompliant,
		Score:     res.PolicyScore,
	}
	return nil
}
