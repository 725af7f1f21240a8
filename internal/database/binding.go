package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kioskguard/kioskguard/internal/database/models"
)

const bindingColumns = `id, license_id, device_id, location_id, location_name, is_active,
	activated_at, deactivated_at, deactivation_reason, activation_code, device_token,
	token_expires_at, heartbeat_count, missed_heartbeats, last_heartbeat_at,
	activation_ip, last_seen_ip, created_at, updated_at`

// bindingRepo implements BindingRepository.
type bindingRepo struct {
	db *DB
}

// NewBindingRepository creates a new BindingRepository.
func NewBindingRepository(db *DB) BindingRepository {
	return &bindingRepo{db: db}
}

func scanBinding(s rowScanner) (*models.Binding, error) {
	var b models.Binding
	var locationID sql.NullString
	err := s.Scan(&b.ID, &b.LicenseID, &b.DeviceID, &locationID, &b.LocationName, &b.IsActive,
		&b.ActivatedAt, &b.DeactivatedAt, &b.DeactivationReason, &b.ActivationCode, &b.DeviceToken,
		&b.TokenExpiresAt, &b.HeartbeatCount, &b.MissedHeartbeats, &b.LastHeartbeatAt,
		&b.ActivationIP, &b.LastSeenIP, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.LocationID = locationID.String
	return &b, nil
}

func (r *bindingRepo) getOne(ctx context.Context, what, where string, arg any) (*models.Binding, error) {
	b, err := scanBinding(r.db.QueryRowContext(ctx,
		`SELECT `+bindingColumns+` FROM device_licenses WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying binding by %s: %w", what, err)
	}
	return b, nil
}

func (r *bindingRepo) Create(ctx context.Context, b *models.Binding) error {
	if b.ID == "" {
		b.ID = newID()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO device_licenses (`+bindingColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.LicenseID, b.DeviceID, nullString(b.LocationID), b.LocationName, b.IsActive,
		b.ActivatedAt.UTC(), nullTime(b.DeactivatedAt), b.DeactivationReason, b.ActivationCode, b.DeviceToken,
		b.TokenExpiresAt.UTC(), b.HeartbeatCount, b.MissedHeartbeats, nullTime(b.LastHeartbeatAt),
		b.ActivationIP, b.LastSeenIP, b.CreatedAt.UTC(), b.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting binding: %w", err)
	}
	return nil
}

func (r *bindingRepo) GetByID(ctx context.Context, id string) (*models.Binding, error) {
	return r.getOne(ctx, "id", "id = ?", id)
}

func (r *bindingRepo) GetByLicenseID(ctx context.Context, licenseID string) (*models.Binding, error) {
	return r.getOne(ctx, "license", "license_id = ?", licenseID)
}

func (r *bindingRepo) GetByActivationCode(ctx context.Context, code string) (*models.Binding, error) {
	return r.getOne(ctx, "activation code", "activation_code = ?", code)
}

func (r *bindingRepo) GetActiveByDeviceID(ctx context.Context, deviceID string) (*models.Binding, error) {
	b, err := scanBinding(r.db.QueryRowContext(ctx,
		`SELECT `+bindingColumns+` FROM device_licenses WHERE device_id = ? AND is_active = ?`, deviceID, true))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying active binding by device: %w", err)
	}
	return b, nil
}

func (r *bindingRepo) Rebind(ctx context.Context, b *models.Binding, fromDeviceID string, wasActive bool) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE device_licenses SET
		   device_id = ?, location_id = ?, location_name = ?, is_active = ?,
		   activated_at = ?, deactivated_at = ?, deactivation_reason = ?,
		   activation_code = ?, device_token = ?, token_expires_at = ?,
		   heartbeat_count = ?, missed_heartbeats = ?, last_heartbeat_at = ?,
		   activation_ip = ?, last_seen_ip = ?, updated_at = ?
		 WHERE id = ? AND device_id = ? AND is_active = ?`,
		b.DeviceID, nullString(b.LocationID), b.LocationName, b.IsActive,
		b.ActivatedAt.UTC(), nullTime(b.DeactivatedAt), b.DeactivationReason,
		b.ActivationCode, b.DeviceToken, b.TokenExpiresAt.UTC(),
		b.HeartbeatCount, b.MissedHeartbeats, nullTime(b.LastHeartbeatAt),
		b.ActivationIP, b.LastSeenIP, b.UpdatedAt.UTC(),
		b.ID, fromDeviceID, wasActive,
	)
	if err != nil {
		return false, fmt.Errorf("rebinding binding: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rebound rows: %w", err)
	}
	return n == 1, nil
}

func (r *bindingRepo) UpdateLocation(ctx context.Context, id, locationID, locationName string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE device_licenses SET location_id = ?, location_name = ?, updated_at = ? WHERE id = ?`,
		nullString(locationID), locationName, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("updating binding location: %w", err)
	}
	return nil
}

func (r *bindingRepo) RecordHeartbeat(ctx context.Context, id, ip string, at time.Time) (int, error) {
	at = at.UTC()
	var count int
	err := r.db.QueryRowContext(ctx,
		`UPDATE device_licenses SET
		   heartbeat_count = heartbeat_count + 1,
		   missed_heartbeats = 0,
		   last_heartbeat_at = ?,
		   last_seen_ip = ?,
		   updated_at = ?
		 WHERE id = ?
		 RETURNING heartbeat_count`,
		at, ip, at, id,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("recording heartbeat: %w", err)
	}
	return count, nil
}

func (r *bindingRepo) SetMissedHeartbeats(ctx context.Context, id string, missed int, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE device_licenses SET missed_heartbeats = ?, updated_at = ? WHERE id = ?`,
		missed, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("updating missed heartbeats: %w", err)
	}
	return nil
}

func (r *bindingRepo) Deactivate(ctx context.Context, id, reason string, at time.Time) error {
	at = at.UTC()
	_, err := r.db.ExecContext(ctx,
		`UPDATE device_licenses SET is_active = ?, deactivated_at = ?, deactivation_reason = ?, updated_at = ?
		 WHERE id = ? AND is_active = ?`,
		false, at, reason, at, id, true)
	if err != nil {
		return fmt.Errorf("deactivating binding: %w", err)
	}
	return nil
}

func (r *bindingRepo) ListActive(ctx context.Context) ([]models.Binding, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+bindingColumns+` FROM device_licenses WHERE is_active = ? ORDER BY activated_at, id`, true)
	if err != nil {
		return nil, fmt.Errorf("querying active bindings: %w", err)
	}
	defer rows.Close()

	var bindings []models.Binding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning binding row: %w", err)
		}
		bindings = append(bindings, *b)
	}
	return bindings, rows.Err()
}

func (r *bindingRepo) CountActive(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM device_licenses WHERE is_active = ?`, true).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting active bindings: %w", err)
	}
	return n, nil
}
