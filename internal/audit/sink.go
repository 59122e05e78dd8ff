// Package audit records security-relevant attestation events.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType names what happened.
type EventType string

const (
	EventChallengeIssued    EventType = "challenge_issued"
	EventReportCollected    EventType = "report_collected"
	EventReportVerified     EventType = "report_verified"
	EventReportRejected     EventType = "report_rejected"
	EventReplayRejected     EventType = "replay_rejected"
	EventBulkVerified       EventType = "bulk_verified"
	EventDeviceRegistered   EventType = "device_registered"
	EventDeviceStatusChange EventType = "device_status_changed"
	EventPolicyUpdated      EventType = "policy_updated"
)

// Event is one audit record.
type Event struct {
	ID       string            `json:"id"`
	Type     EventType         `json:"type"`
	DeviceID string            `json:"deviceId,omitempty"`
	ReportID string            `json:"reportId,omitempty"`
	Outcome  string            `json:"outcome,omitempty"`
	Detail   map[string]string `json:"detail,omitempty"`
	At       time.Time         `json:"at"`
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(t EventType, deviceID, reportID, outcome string) Event {
	return Event{
		ID:       uuid.NewString(),
		Type:     t,
		DeviceID: deviceID,
		ReportID: reportID,
		Outcome:  outcome,
		At:       time.Now().UTC(),
	}
}

// With returns a copy of e with detail key set to value.
func (e Event) With(key, value string) Event {
	d := make(map[string]string, len(e.Detail)+1)
	for k, v := range e.Detail {
		d[k] = v
	}
	d[key] = value
	e.Detail = d
	return e
}

// Sink receives audit events. Implementations must be safe for
// concurrent use.
type Sink interface {
	Record(ctx context.Context, e Event) error
}

// NopSink drops every event.
type NopSink struct{}

func (NopSink) Record(context.Context, Event) error { return nil }

// LogSink writes events to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("audit")}
}

func (s *LogSink) Record(_ context.Context, e Event) error {
	fields := []zap.Field{
		zap.String("event_id", e.ID),
		zap.String("type", string(e.Type)),
		zap.Time("at", e.At),
	}
	if e.DeviceID != "" {
		fields = append(fields, zap.String("device_id", e.DeviceID))
	}
	if e.ReportID != "" {
		fields = append(fields, zap.String("report_id", e.ReportID))
	}
	if e.Outcome != "" {
		fields = append(fields, zap.String("outcome", e.Outcome))
	}
	if len(e.Detail) > 0 {
		fields = append(fields, zap.Any("detail", e.Detail))
	}
	s.logger.Info("audit", fields...)
	return nil
}

// Multi fans an event out to several sinks and joins their errors.
type Multi []Sink

func (m Multi) Record(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
