// Package trustgate decides whether a verified device may be trusted by
// evaluating a Cedar policy set over the verification outcome.
package trustgate

import (
	_ "embed"
	"fmt"
	"math"
	"os"

	"github.com/cedar-policy/cedar-go"
	"go.uber.org/zap"

	"github.com/aspect-build/pqattest/internal/attestation"
)

//go:embed trust.cedar
var defaultPolicy []byte

const (
	verifierID = "pqattest"
	actionID   = "trust"
)

// Input is the outcome being gated.
type Input struct {
	DeviceID        string
	DeviceStatus    attestation.DeviceStatus
	SignatureValid  bool
	PolicyCompliant bool
	Risk            attestation.RiskAssessment
	Threshold       float64
	Violations      []attestation.Violation
}

// Decision is the gate's answer.
type Decision struct {
	Allowed  bool
	PolicyID string
	Reason   string
}

// Gate wraps a parsed policy set.
type Gate struct {
	policies *cedar.PolicySet
	logger   *zap.Logger
}

// New parses policy, falling back to the embedded default when it is nil.
func New(policy []byte, logger *zap.Logger) (*Gate, error) {
	if policy == nil {
		policy = defaultPolicy
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ps, err := cedar.NewPolicySetFromBytes("trust.cedar", policy)
	if err != nil {
		return nil, fmt.Errorf("parse trust policy: %w", err)
	}
	return &Gate{policies: ps, logger: logger}, nil
}

// LoadFile reads a Cedar policy file.
func LoadFile(path string, logger *zap.Logger) (*Gate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trust policy: %w", err)
	}
	return New(data, logger)
}

// DefaultPolicy returns the embedded policy text.
func DefaultPolicy() []byte { return append([]byte(nil), defaultPolicy...) }

// Decide evaluates in. Evaluation errors inside a policy deny.
func (g *Gate) Decide(in Input) Decision {
	device := cedar.NewEntityUID("Device", cedar.String(in.DeviceID))
	verifier := cedar.NewEntityUID("Verifier", cedar.String(verifierID))
	entities := cedar.EntityMap{
		device: cedar.Entity{
			UID:     device,
			Parents: cedar.NewEntityUIDSet(),
			Attributes: cedar.NewRecord(cedar.RecordMap{
				"status": cedar.String(string(in.DeviceStatus)),
			}),
		},
		verifier: cedar.Entity{
			UID:        verifier,
			Parents:    cedar.NewEntityUIDSet(),
			Attributes: cedar.NewRecord(cedar.RecordMap{}),
		},
	}

	rules := make([]cedar.Value, 0, len(in.Violations))
	for _, v := range in.Violations {
		rules = append(rules, cedar.String(v.Rule))
	}
	req := cedar.Request{
		Principal: device,
		Action:    cedar.NewEntityUID("Action", cedar.String(actionID)),
		Resource:  verifier,
		Context: cedar.NewRecord(cedar.RecordMap{
			"signatureValid":  cedar.Boolean(in.SignatureValid),
			"policyCompliant": cedar.Boolean(in.PolicyCompliant),
			"riskScoreMicros": cedar.Long(micros(in.Risk.Score)),
			"thresholdMicros": cedar.Long(micros(in.Threshold)),
			"riskLevel":       cedar.String(string(in.Risk.Level)),
			"deviceStatus":    cedar.String(string(in.DeviceStatus)),
			"violations":      cedar.NewSet(rules...),
		}),
	}

	decision, diag := cedar.Authorize(g.policies, entities, req)
	for _, e := range diag.Errors {
		g.logger.Warn("trust policy evaluation error",
			zap.String("policy", string(e.PolicyID)),
			zap.String("error", e.Message))
	}

	out := Decision{Allowed: decision == cedar.Allow}
	if len(diag.Reasons) > 0 {
		out.PolicyID = string(diag.Reasons[0].PolicyID)
	}
	switch {
	case out.Allowed:
		out.Reason = "trusted"
	case out.PolicyID != "":
		out.Reason = fmt.Sprintf("denied by trust policy %s", out.PolicyID)
	default:
		out.Reason = "no trust policy permits this device"
	}
	g.logger.Debug("trust decision",
		zap.String("device_id", in.DeviceID),
		zap.Bool("allowed", out.Allowed),
		zap.String("reason", out.Reason))
	return out
}

// Scores are compared in integer millionths; Cedar has no decimals that
// order with <=.
func micros(v float64) int64 {
	return int64(math.Round(v * 1e6))
}
