package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/aspect-build/pqattest/internal/attestation"
	"github.com/aspect-build/pqattest/internal/audit"
	"github.com/aspect-build/pqattest/internal/crypto"
	"github.com/aspect-build/pqattest/internal/policy"
	"github.com/aspect-build/pqattest/internal/risk"
	"github.com/aspect-build/pqattest/internal/trustgate"
)

// PublicKey is a verification key supplied by the caller instead of the
// registry.
type PublicKey struct {
	Algorithm string
	Key       []byte
}

// Result is a verification outcome as returned to callers.
type Result struct {
	attestation.VerificationResult
	Cached bool `json:"cached"`
}

type verifyOptions struct {
	force        bool
	consumeNonce bool
}

// VerifyAttestationReport verifies r and annotates it. A nil key resolves
// the device's registered key; a nil policy resolves the device's policy.
// Results are cached per report id and submission digest, so resubmitting
// the same report within the cache TTL returns the earlier result. A report
// id already stored with different content or signature is refused with
// ErrReportConflict.
func (o *Orchestrator) VerifyAttestationReport(ctx context.Context, r *attestation.Report, key *PublicKey, pol *policy.Policy) (*Result, error) {
	return o.verify(ctx, r, key, pol, verifyOptions{consumeNonce: o.cfg.RequireChallenge})
}

func (o *Orchestrator) verify(ctx context.Context, r *attestation.Report, key *PublicKey, pol *policy.Policy, opts verifyOptions) (*Result, error) {
	if err := attestation.ValidateReport(r, o.now(), o.cfg.ClockSkew()); err != nil {
		o.record(ctx, audit.NewEvent(audit.EventReportRejected, deviceOf(r), idOf(r), "invalid").With("error", err.Error()))
		return nil, err
	}
	digest, err := attestation.SubmissionDigest(r)
	if err != nil {
		return nil, err
	}
	if err := o.checkReportID(ctx, r, digest); err != nil {
		return nil, err
	}

	compute := func() (*attestation.VerificationResult, error) {
		return o.compute(ctx, r, key, pol, opts)
	}
	if opts.force {
		res, err := compute()
		if err != nil {
			return nil, err
		}
		o.cache.Set(r.ID, digest, res)
		return &Result{VerificationResult: *res}, nil
	}

	res, cached, err := o.cache.Do(r.ID, digest, compute)
	if err != nil {
		return nil, err
	}
	if cached {
		o.logger.Debug("verification cache hit", zap.String("report_id", r.ID))
	}
	return &Result{VerificationResult: *res, Cached: cached}, nil
}

// checkReportID binds a report id to its first stored submission.
func (o *Orchestrator) checkReportID(ctx context.Context, r *attestation.Report, digest string) error {
	if o.reports == nil {
		return nil
	}
	stored, err := o.reports.Report(ctx, r.ID)
	if err != nil {
		return fmt.Errorf("load report %s: %w", r.ID, err)
	}
	if stored == nil {
		return nil
	}
	prev, err := attestation.SubmissionDigest(stored)
	if err != nil {
		return err
	}
	if prev == digest {
		return nil
	}
	o.record(ctx, audit.NewEvent(audit.EventReportRejected, r.DeviceID, r.ID, "conflict"))
	return fmt.Errorf("%w: %s", ErrReportConflict, r.ID)
}

func (o *Orchestrator) compute(ctx context.Context, r *attestation.Report, key *PublicKey, pol *policy.Policy, opts verifyOptions) (*attestation.VerificationResult, error) {
	log := o.logger.With(zap.String("report_id", r.ID), zap.String("device_id", r.DeviceID))

	if opts.consumeNonce {
		if err := o.challenges.Consume(r.DeviceID, r.Nonce); err != nil {
			log.Warn("replayed or unsolicited report", zap.Error(err))
			o.record(ctx, audit.NewEvent(audit.EventReplayRejected, r.DeviceID, r.ID, "rejected").With("error", err.Error()))
			return nil, fmt.Errorf("%w: %w", ErrReplay, err)
		}
	}

	var device *attestation.Device
	if o.registry != nil {
		d, err := o.registry.Device(ctx, r.DeviceID)
		if err != nil {
			return nil, err
		}
		device = d
	}
	if key == nil {
		if device == nil {
			return nil, ErrDeviceNotFound
		}
		key = &PublicKey{Algorithm: device.Algorithm, Key: device.PublicKey(device.Algorithm)}
	}
	if pol == nil {
		p, err := o.policyFor(ctx, device)
		if err != nil {
			return nil, err
		}
		pol = p
	}

	sig, err := o.verifier.Verify(r, key.Key, key.Algorithm)
	if err != nil {
		if errors.Is(err, crypto.ErrRateLimitExceeded) || isCryptoError(err) {
			log.Warn("signature verification error", zap.Error(err))
		}
		return nil, err
	}

	eval := o.engine.Evaluate(r, pol)
	assessment := o.scorer.Assess(risk.Input{
		Report:         r,
		SignatureValid: sig.Valid,
		Policy:         pol,
		PolicyResult:   eval,
	})

	var status attestation.DeviceStatus
	if device != nil {
		status = device.Status
	}
	eligible := o.scorer.Eligible(assessment, sig.Valid, eval.Compliant) && status.CanBeTrusted()
	reason := trustReason(sig, eval, assessment, o.scorer.Threshold(), device, eligible)
	if eligible && o.gate != nil {
		d := o.gate.Decide(trustgate.Input{
			DeviceID:        r.DeviceID,
			DeviceStatus:    status,
			SignatureValid:  sig.Valid,
			PolicyCompliant: eval.Compliant,
			Risk:            assessment,
			Threshold:       o.scorer.Threshold(),
			Violations:      eval.Violations,
		})
		eligible = d.Allowed
		reason = d.Reason
	}

	res := &attestation.VerificationResult{
		ReportID:           r.ID,
		DeviceID:           r.DeviceID,
		SignatureValid:     sig.Valid,
		SignatureAlgorithm: sig.Algorithm,
		SignatureReason:    sig.Reason,
		Policy:             pol.Name,
		PolicyCompliant:    eval.Compliant,
		PolicyScore:        eval.Score,
		Violations:         eval.Violations,
		RiskAssessment:     assessment,
		EligibleForTrust:   eligible,
		TrustReason:        reason,
		VerifiedAt:         o.now().UTC(),
	}

	if err := r.Annotate(res); err != nil {
		return nil, err
	}
	if o.reports != nil {
		if err := o.reports.SaveReport(ctx, r); err != nil {
			return nil, fmt.Errorf("save report: %w", err)
		}
	}

	evt := audit.EventReportVerified
	if res.Status() != attestation.StatusVerified {
		evt = audit.EventReportRejected
	}
	o.record(ctx, audit.NewEvent(evt, r.DeviceID, r.ID, string(res.Status())).
		With("risk_level", string(assessment.Level)).
		With("eligible", fmt.Sprint(eligible)))
	log.Info("report verified",
		zap.Bool("signature_valid", sig.Valid),
		zap.Bool("compliant", eval.Compliant),
		zap.Float64("risk_score", assessment.Score),
		zap.String("risk_level", string(assessment.Level)),
		zap.Bool("eligible", eligible))
	return res, nil
}

func trustReason(sig attestation.SignatureCheck, eval policy.Result, a attestation.RiskAssessment, threshold float64, d *attestation.Device, eligible bool) string {
	switch {
	case eligible:
		return "trusted"
	case !sig.Valid:
		return sig.Reason
	case !eval.Compliant:
		return "policy not satisfied"
	case a.Score > threshold:
		return fmt.Sprintf("risk score %.2f above threshold %.2f", a.Score, threshold)
	case d == nil:
		return "device not registered"
	default:
		return fmt.Sprintf("device status %s cannot be trusted", d.Status)
	}
}

func isCryptoError(err error) bool {
	var ce *crypto.Error
	return errors.As(err, &ce)
}

func deviceOf(r *attestation.Report) string {
	if r == nil {
		return ""
	}
	return r.DeviceID
}

func idOf(r *attestation.Report) string {
	if r == nil {
		return ""
	}
	return r.ID
}
