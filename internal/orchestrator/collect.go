package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aspect-build/pqattest/internal/attestation"
	"github.com/aspect-build/pqattest/internal/audit"
)

// CollectionError reports a collector failure or timeout.
type CollectionError struct {
	DeviceID string
	Err      error
}

func (e *CollectionError) Error() string {
	return fmt.Sprintf("collect measurements for %s: %v", e.DeviceID, e.Err)
}

func (e *CollectionError) Unwrap() []error { return []error{ErrCollectionFailed, e.Err} }

// IssueChallenge creates a nonce for a registered device.
func (o *Orchestrator) IssueChallenge(ctx context.Context, deviceID string) (*attestation.Challenge, error) {
	if !attestation.ValidDeviceID(deviceID) {
		return nil, &attestation.ValidationError{Field: "deviceId", Reason: "must be 32 lowercase hex characters"}
	}
	if o.registry != nil {
		if _, err := o.device(ctx, deviceID); err != nil {
			return nil, err
		}
	}
	c, err := o.challenges.Issue(deviceID)
	if err != nil {
		return nil, err
	}
	o.record(ctx, audit.NewEvent(audit.EventChallengeIssued, deviceID, "", "issued"))
	return c, nil
}

// CollectMeasurements gathers measurements for deviceID and binds them to
// nonce in a new unsigned report. An empty nonce issues a fresh challenge.
// The collector is bounded by the configured collection timeout.
func (o *Orchestrator) CollectMeasurements(ctx context.Context, deviceID, nonce string) (*attestation.Report, error) {
	if o.collector == nil {
		return nil, ErrNoCollector
	}
	if !attestation.ValidDeviceID(deviceID) {
		return nil, &attestation.ValidationError{Field: "deviceId", Reason: "must be 32 lowercase hex characters"}
	}

	device := &attestation.Device{ID: deviceID}
	if o.registry != nil {
		d, err := o.device(ctx, deviceID)
		if err != nil {
			return nil, err
		}
		device = d
	}
	pol, err := o.policyFor(ctx, device)
	if err != nil {
		return nil, err
	}

	if nonce == "" {
		c, err := o.IssueChallenge(ctx, deviceID)
		if err != nil {
			return nil, err
		}
		nonce = c.Nonce
	}

	col, err := o.collect(ctx, device, pol.RequiredPCRs)
	if err != nil {
		o.logger.Warn("measurement collection failed", zap.String("device_id", deviceID), zap.Error(err))
		return nil, err
	}

	r := attestation.NewReport(deviceID, nonce, o.now(), col.Measurements, col.Platform)
	o.logger.Debug("measurements collected",
		zap.String("device_id", deviceID),
		zap.String("report_id", r.ID),
		zap.Int("pcrs", len(col.Measurements.PCRValues)),
		zap.Duration("took", col.Duration))
	o.record(ctx, audit.NewEvent(audit.EventReportCollected, deviceID, r.ID, "collected"))
	return r, nil
}

func (o *Orchestrator) collect(ctx context.Context, d *attestation.Device, pcrs []int) (*attestation.Collection, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.CollectionTimeout())
	defer cancel()

	type outcome struct {
		col *attestation.Collection
		err error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		col, err := o.collector.Collect(ctx, d, pcrs)
		done <- outcome{col, err}
	}()

	select {
	case <-ctx.Done():
		return nil, &CollectionError{DeviceID: d.ID, Err: ctx.Err()}
	case out := <-done:
		if out.err != nil {
			return nil, &CollectionError{DeviceID: d.ID, Err: out.err}
		}
		if out.col == nil {
			return nil, &CollectionError{DeviceID: d.ID, Err: fmt.Errorf("collector returned no measurements")}
		}
		if out.col.Duration == 0 {
			out.col.Duration = time.Since(start)
		}
		return out.col, nil
	}
}

// SignReport signs an unsigned report with the device's secret key.
func (o *Orchestrator) SignReport(r *attestation.Report, secretKey []byte, algorithm string) error {
	if err := attestation.Sign(o.provider, r, secretKey, algorithm); err != nil {
		return fmt.Errorf("sign report %s: %w", r.ID, err)
	}
	return nil
}
