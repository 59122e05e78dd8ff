package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database connection. It backs the device
// registry, the policy catalog, the report archive and the audit log.
type Store struct {
	db *sql.DB
}

// NewStore opens or creates a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// An in-memory database exists per connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	// Enable foreign key enforcement (off by default in SQLite)
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			device_id TEXT PRIMARY KEY,
			algorithm TEXT NOT NULL,
			policy TEXT NOT NULL DEFAULT '',
			firmware_version TEXT NOT NULL DEFAULT '',
			hardware_version TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS device_keys (
			device_id TEXT NOT NULL,
			algorithm TEXT NOT NULL,
			public_key BLOB NOT NULL,
			PRIMARY KEY (device_id, algorithm),
			FOREIGN KEY (device_id) REFERENCES devices(device_id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS policies (
			name TEXT PRIMARY KEY,
			document TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS reports (
			report_id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			reported_at DATETIME NOT NULL,
			status TEXT NOT NULL DEFAULT '',
			policy TEXT NOT NULL DEFAULT '',
			compliant INTEGER NOT NULL DEFAULT 0,
			risk_score REAL NOT NULL DEFAULT 0,
			risk_level TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL,
			submission_digest TEXT NOT NULL DEFAULT '',
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (device_id) REFERENCES devices(device_id)
		)`,
		`CREATE INDEX IF NOT EXISTS reports_device ON reports(device_id, reported_at)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			event_id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			device_id TEXT NOT NULL DEFAULT '',
			report_id TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '{}',
			at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS audit_events_device ON audit_events(device_id, at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	// Databases created before KEM support lack the kem columns; reports
	// stored before submission digests have an empty digest and can no
	// longer be re-submitted.
	upgrades := []struct{ table, column, ddl string }{
		{"devices", "kem_algorithm", `ALTER TABLE devices ADD COLUMN kem_algorithm TEXT NOT NULL DEFAULT ''`},
		{"devices", "kem_public_key", `ALTER TABLE devices ADD COLUMN kem_public_key BLOB`},
		{"reports", "submission_digest", `ALTER TABLE reports ADD COLUMN submission_digest TEXT NOT NULL DEFAULT ''`},
	}
	for _, u := range upgrades {
		cols, err := s.columns(u.table)
		if err != nil {
			return err
		}
		if cols[u.column] {
			continue
		}
		if _, err := s.db.Exec(u.ddl); err != nil {
			return fmt.Errorf("add %s.%s: %w", u.table, u.column, err)
		}
	}
	return nil
}

func (s *Store) columns(table string) (map[string]bool, error) {
	rows, err := s.db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, fmt.Errorf("read %s schema: %w", table, err)
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan %s schema: %w", table, err)
		}
		out[name] = true
	}
	return out, rows.Err()
}
