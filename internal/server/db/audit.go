package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aspect-build/pqattest/internal/audit"
)

// Record appends e to the audit log. Store satisfies audit.Sink.
func (s *Store) Record(ctx context.Context, e audit.Event) error {
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("encode audit detail: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_events (event_id, type, device_id, report_id, outcome, detail, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Type), e.DeviceID, e.ReportID, e.Outcome, string(detail), e.At,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// AuditEvents returns recorded events, newest first. An empty deviceID
// returns events for all devices; limit <= 0 means 100.
func (s *Store) AuditEvents(ctx context.Context, deviceID string, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT event_id, type, device_id, report_id, outcome, detail, at FROM audit_events`
	args := []any{}
	if deviceID != "" {
		query += ` WHERE device_id = ?`
		args = append(args, deviceID)
	}
	query += ` ORDER BY at DESC, event_id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		var e audit.Event
		var typ, detail string
		if err := rows.Scan(&e.ID, &typ, &e.DeviceID, &e.ReportID, &e.Outcome, &detail, &e.At); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Type = audit.EventType(typ)
		if err := json.Unmarshal([]byte(detail), &e.Detail); err != nil {
			return nil, fmt.Errorf("decode audit detail: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
