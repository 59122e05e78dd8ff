package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/aspect-build/pqattest/internal/attestation"
)

// Sentinel errors for device operations.
var (
	ErrDeviceDuplicate = errors.New("device already registered")
	ErrDeviceNotFound  = errors.New("device not found")
	ErrInvalidStatus   = errors.New("invalid device status")
)

// CreateDevice registers d with its public keys. CreatedAt and UpdatedAt
// are set when zero.
func (s *Store) CreateDevice(ctx context.Context, d *attestation.Device) error {
	if !d.Status.Valid() {
		return ErrInvalidStatus
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = d.CreatedAt
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create device: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO devices (device_id, algorithm, policy, firmware_version, hardware_version, status,
			kem_algorithm, kem_public_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Algorithm, d.PolicyRef, d.FirmwareVersion, d.HardwareVersion, string(d.Status),
		d.KEMAlgorithm, d.KEMPublicKey, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		var sqliteErr *sqlite.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return ErrDeviceDuplicate
		}
		return fmt.Errorf("insert device: %w", err)
	}
	for alg, key := range d.PublicKeys {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO device_keys (device_id, algorithm, public_key) VALUES (?, ?, ?)`,
			d.ID, alg, key,
		); err != nil {
			return fmt.Errorf("insert device key: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create device: %w", err)
	}
	return nil
}

const deviceColumns = `device_id, algorithm, policy, firmware_version, hardware_version, status,
	kem_algorithm, kem_public_key, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*attestation.Device, error) {
	d := &attestation.Device{}
	var status string
	if err := row.Scan(&d.ID, &d.Algorithm, &d.PolicyRef, &d.FirmwareVersion, &d.HardwareVersion, &status,
		&d.KEMAlgorithm, &d.KEMPublicKey, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Status = attestation.DeviceStatus(status)
	return d, nil
}

// Device returns the device with its public keys, or nil if it is not
// registered.
func (s *Store) Device(ctx context.Context, id string) (*attestation.Device, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE device_id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	if d.PublicKeys, err = s.deviceKeys(ctx, id); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Store) deviceKeys(ctx context.Context, id string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT algorithm, public_key FROM device_keys WHERE device_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("list device keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[string][]byte)
	for rows.Next() {
		var alg string
		var key []byte
		if err := rows.Scan(&alg, &key); err != nil {
			return nil, fmt.Errorf("scan device key: %w", err)
		}
		keys[alg] = key
	}
	return keys, rows.Err()
}

// ListDevices returns every registered device ordered by registration.
func (s *Store) ListDevices(ctx context.Context) ([]*attestation.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM devices ORDER BY created_at, device_id`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	var devices []*attestation.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	// Keys are loaded after the cursor is closed; the in-memory store
	// runs on a single connection.
	for _, d := range devices {
		if d.PublicKeys, err = s.deviceKeys(ctx, d.ID); err != nil {
			return nil, err
		}
	}
	return devices, nil
}

// UpdateDeviceStatus sets the status of a device.
func (s *Store) UpdateDeviceStatus(ctx context.Context, id string, status attestation.DeviceStatus) error {
	if !status.Valid() {
		return ErrInvalidStatus
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET status = ?, updated_at = ? WHERE device_id = ?`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update device status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// PutDeviceKey adds or replaces the public key registered for alg.
func (s *Store) PutDeviceKey(ctx context.Context, id, alg string, key []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_keys (device_id, algorithm, public_key) VALUES (?, ?, ?)
		 ON CONFLICT(device_id, algorithm) DO UPDATE SET public_key = excluded.public_key`,
		id, alg, key,
	)
	if err != nil {
		var sqliteErr *sqlite.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY {
			return ErrDeviceNotFound
		}
		return fmt.Errorf("put device key: %w", err)
	}
	return nil
}
