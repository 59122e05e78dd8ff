package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/aspect-build/pqattest/internal/attestation"
)

var (
	// ErrReportDeviceUnknown is returned when saving a report for a device
	// that is not registered.
	ErrReportDeviceUnknown = errors.New("report belongs to an unregistered device")
	// ErrReportConflict is returned when a report id is already stored
	// with different content or a different signature.
	ErrReportConflict = errors.New("report id already stored with different content")
)

// SaveReport inserts a report, or refreshes the annotations of a stored
// report with the same submission digest. Stored measurements are never
// replaced.
func (s *Store) SaveReport(ctx context.Context, r *attestation.Report) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	digest, err := attestation.SubmissionDigest(r)
	if err != nil {
		return err
	}
	var (
		pol       string
		compliant bool
		score     float64
		level     string
	)
	if r.PolicyCompliance != nil {
		pol = r.PolicyCompliance.Policy
		compliant = r.PolicyCompliance.Compliant
	}
	if r.RiskAssessment != nil {
		score = r.RiskAssessment.Score
		level = string(r.RiskAssessment.Level)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reports (report_id, device_id, reported_at, status, policy, compliant, risk_score, risk_level, payload, submission_digest)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(report_id) DO UPDATE SET
			status = excluded.status,
			policy = excluded.policy,
			compliant = excluded.compliant,
			risk_score = excluded.risk_score,
			risk_level = excluded.risk_level,
			payload = excluded.payload,
			updated_at = CURRENT_TIMESTAMP
		 WHERE reports.submission_digest = excluded.submission_digest`,
		r.ID, r.DeviceID, r.Timestamp, string(r.VerificationStatus), pol, compliant, score, level, string(payload), digest,
	)
	if err != nil {
		var sqliteErr *sqlite.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY {
			return ErrReportDeviceUnknown
		}
		return fmt.Errorf("save report: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrReportConflict, r.ID)
	}
	return nil
}

// Report returns the stored report as submitted, or nil if unknown.
// Verification annotations are dropped; they are recomputed on every
// verification.
func (s *Store) Report(ctx context.Context, id string) (*attestation.Report, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM reports WHERE report_id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}
	return attestation.DecodeReport([]byte(payload))
}

// AnnotatedReport returns the stored report including its most recent
// verification annotations, or nil if unknown.
func (s *Store) AnnotatedReport(ctx context.Context, id string) (*attestation.Report, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM reports WHERE report_id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}
	var r attestation.Report
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return nil, fmt.Errorf("decode stored report %s: %w", id, err)
	}
	return &r, nil
}

// ListReports returns report summaries, newest first. An empty deviceID
// lists all devices; limit <= 0 means 100.
func (s *Store) ListReports(ctx context.Context, deviceID string, limit int) ([]ReportSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT report_id, device_id, reported_at, status, policy, compliant, risk_score, risk_level, updated_at
		FROM reports`
	args := []any{}
	if deviceID != "" {
		query += ` WHERE device_id = ?`
		args = append(args, deviceID)
	}
	query += ` ORDER BY reported_at DESC, report_id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var out []ReportSummary
	for rows.Next() {
		var r ReportSummary
		var status, level string
		if err := rows.Scan(&r.ReportID, &r.DeviceID, &r.ReportedAt, &status, &r.Policy, &r.Compliant,
			&r.RiskScore, &level, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		r.Status = attestation.Status(status)
		r.RiskLevel = attestation.RiskLevel(level)
		out = append(out, r)
	}
	return out, rows.Err()
}
