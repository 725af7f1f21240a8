package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kioskguard/kioskguard/internal/database/models"
)

const deviceColumns = `id, fingerprint, name, android_id, build_board, build_brand, build_model,
	build_manufacturer, os_version, mac_address_hash, app_signature_hash,
	is_rooted, is_emulator, is_blacklisted, blacklist_reason, blacklisted_at,
	total_activations, failed_activations, last_ip_address, first_seen_at, last_seen_at`

// deviceRepo implements DeviceRepository.
type deviceRepo struct {
	db *DB
}

// NewDeviceRepository creates a new DeviceRepository.
func NewDeviceRepository(db *DB) DeviceRepository {
	return &deviceRepo{db: db}
}

func scanDevice(s rowScanner) (*models.Device, error) {
	var d models.Device
	err := s.Scan(&d.ID, &d.Fingerprint, &d.Name, &d.AndroidID, &d.BuildBoard, &d.BuildBrand, &d.BuildModel,
		&d.BuildManufacturer, &d.OSVersion, &d.MACAddressHash, &d.AppSignatureHash,
		&d.IsRooted, &d.IsEmulator, &d.IsBlacklisted, &d.BlacklistReason, &d.BlacklistedAt,
		&d.TotalActivations, &d.FailedActivations, &d.LastIPAddress, &d.FirstSeenAt, &d.LastSeenAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Create inserts a device. Fingerprints are stored lowercase.
func (r *deviceRepo) Create(ctx context.Context, d *models.Device) error {
	if d.ID == "" {
		d.ID = newID()
	}
	d.Fingerprint = strings.ToLower(d.Fingerprint)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO devices (`+deviceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Fingerprint, d.Name, d.AndroidID, d.BuildBoard, d.BuildBrand, d.BuildModel,
		d.BuildManufacturer, d.OSVersion, d.MACAddressHash, d.AppSignatureHash,
		d.IsRooted, d.IsEmulator, d.IsBlacklisted, d.BlacklistReason, nullTime(d.BlacklistedAt),
		d.TotalActivations, d.FailedActivations, d.LastIPAddress, d.FirstSeenAt.UTC(), d.LastSeenAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting device: %w", err)
	}
	return nil
}

func (r *deviceRepo) GetByID(ctx context.Context, id string) (*models.Device, error) {
	d, err := scanDevice(r.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return d, nil
}

func (r *deviceRepo) GetByFingerprint(ctx context.Context, fingerprint string) (*models.Device, error) {
	d, err := scanDevice(r.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE fingerprint = ?`, strings.ToLower(fingerprint)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying device by fingerprint: %w", err)
	}
	return d, nil
}

// Update writes descriptors, risk flags and last-seen data. Counters and
// blacklist state have dedicated methods and are left untouched.
func (r *deviceRepo) Update(ctx context.Context, d *models.Device) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE devices SET
		   name = ?, android_id = ?, build_board = ?, build_brand = ?, build_model = ?,
		   build_manufacturer = ?, os_version = ?, mac_address_hash = ?, app_signature_hash = ?,
		   is_rooted = ?, is_emulator = ?, last_ip_address = ?, last_seen_at = ?
		 WHERE id = ?`,
		d.Name, d.AndroidID, d.BuildBoard, d.BuildBrand, d.BuildModel,
		d.BuildManufacturer, d.OSVersion, d.MACAddressHash, d.AppSignatureHash,
		d.IsRooted, d.IsEmulator, d.LastIPAddress, d.LastSeenAt.UTC(), d.ID)
	if err != nil {
		return fmt.Errorf("updating device: %w", err)
	}
	return nil
}

func (r *deviceRepo) TouchLastSeen(ctx context.Context, id, ip string, at time.Time) error {
	var err error
	if ip == "" {
		_, err = r.db.ExecContext(ctx,
			`UPDATE devices SET last_seen_at = ? WHERE id = ?`, at.UTC(), id)
	} else {
		_, err = r.db.ExecContext(ctx,
			`UPDATE devices SET last_seen_at = ?, last_ip_address = ? WHERE id = ?`, at.UTC(), ip, id)
	}
	if err != nil {
		return fmt.Errorf("updating device last seen: %w", err)
	}
	return nil
}

func (r *deviceRepo) IncrementActivations(ctx context.Context, id string, success bool) error {
	column := "failed_activations"
	if success {
		column = "total_activations"
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE devices SET `+column+` = `+column+` + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("incrementing device %s: %w", column, err)
	}
	return nil
}

func (r *deviceRepo) SetBlacklisted(ctx context.Context, fingerprint string, blacklisted bool, reason string, at *time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE devices SET is_blacklisted = ?, blacklist_reason = ?, blacklisted_at = ? WHERE fingerprint = ?`,
		blacklisted, reason, nullTime(at), strings.ToLower(fingerprint))
	if err != nil {
		return fmt.Errorf("updating device blacklist flag: %w", err)
	}
	return nil
}

func (r *deviceRepo) List(ctx context.Context, limit, offset int) ([]models.Device, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM devices ORDER BY last_seen_at DESC, id LIMIT ? OFFSET ?`,
		clampLimit(limit, 50, 500), max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	return collectDevices(rows)
}

func (r *deviceRepo) ListBlacklisted(ctx context.Context) ([]models.Device, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE is_blacklisted = ? ORDER BY blacklisted_at DESC, id`, true)
	if err != nil {
		return nil, fmt.Errorf("querying blacklisted devices: %w", err)
	}
	return collectDevices(rows)
}

func collectDevices(rows *sql.Rows) ([]models.Device, error) {
	defer rows.Close()
	var devices []models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device row: %w", err)
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}
