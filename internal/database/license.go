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

const licenseColumns = `id, license_key, type, status, issued_date, expiry_date, max_devices,
	first_activated_at, last_validated_at, revoked_at, revoked_reason, revoked_by,
	client_id, branch_id, created_by, created_at, updated_at`

// licenseRepo implements LicenseRepository.
type licenseRepo struct {
	db *DB
}

// NewLicenseRepository creates a new LicenseRepository.
func NewLicenseRepository(db *DB) LicenseRepository {
	return &licenseRepo{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLicense(s rowScanner) (*models.License, error) {
	var l models.License
	err := s.Scan(&l.ID, &l.LicenseKey, &l.Type, &l.Status, &l.IssuedDate, &l.ExpiryDate, &l.MaxDevices,
		&l.FirstActivatedAt, &l.LastValidatedAt, &l.RevokedAt, &l.RevokedReason, &l.RevokedBy,
		&l.ClientID, &l.BranchID, &l.CreatedBy, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// Create inserts a license. A duplicate key surfaces as a uniqueness
// violation so callers can retry with a fresh key.
func (r *licenseRepo) Create(ctx context.Context, l *models.License) error {
	if l.ID == "" {
		l.ID = newID()
	}
	if l.MaxDevices == 0 {
		l.MaxDevices = 1
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO licenses (`+licenseColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.LicenseKey, l.Type, l.Status, l.IssuedDate.UTC(), nullTime(l.ExpiryDate), l.MaxDevices,
		nullTime(l.FirstActivatedAt), nullTime(l.LastValidatedAt), nullTime(l.RevokedAt), l.RevokedReason, l.RevokedBy,
		l.ClientID, l.BranchID, l.CreatedBy, l.CreatedAt.UTC(), l.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting license: %w", err)
	}
	return nil
}

func (r *licenseRepo) GetByID(ctx context.Context, id string) (*models.License, error) {
	l, err := scanLicense(r.db.QueryRowContext(ctx,
		`SELECT `+licenseColumns+` FROM licenses WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying license by id: %w", err)
	}
	return l, nil
}

func (r *licenseRepo) GetByKey(ctx context.Context, key string) (*models.License, error) {
	l, err := scanLicense(r.db.QueryRowContext(ctx,
		`SELECT `+licenseColumns+` FROM licenses WHERE license_key = ?`, strings.ToUpper(key)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying license by key: %w", err)
	}
	return l, nil
}

func (r *licenseRepo) List(ctx context.Context, f LicenseFilter) ([]models.License, error) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if f.ClientID != "" {
		where = append(where, "client_id = ?")
		args = append(args, f.ClientID)
	}
	if f.BranchID != "" {
		where = append(where, "branch_id = ?")
		args = append(args, f.BranchID)
	}
	if f.KeyPrefix != "" {
		where = append(where, "license_key LIKE ?")
		args = append(args, strings.ToUpper(f.KeyPrefix)+"%")
	}

	query := `SELECT ` + licenseColumns + ` FROM licenses`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit >= 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, clampLimit(f.Limit, 50, 500), max(f.Offset, 0))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying licenses: %w", err)
	}
	defer rows.Close()

	var licenses []models.License
	for rows.Next() {
		l, err := scanLicense(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning license row: %w", err)
		}
		licenses = append(licenses, *l)
	}
	return licenses, rows.Err()
}

func (r *licenseRepo) MarkActivated(ctx context.Context, id string, at time.Time) error {
	at = at.UTC()
	_, err := r.db.ExecContext(ctx,
		`UPDATE licenses SET
		   status = CASE WHEN status = ? THEN ? ELSE status END,
		   first_activated_at = COALESCE(first_activated_at, ?),
		   last_validated_at = ?,
		   updated_at = ?
		 WHERE id = ?`,
		models.LicenseStatusPending, models.LicenseStatusActive, at, at, at, id)
	if err != nil {
		return fmt.Errorf("marking license activated: %w", err)
	}
	return nil
}

func (r *licenseRepo) TouchValidated(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE licenses SET last_validated_at = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("updating license last_validated_at: %w", err)
	}
	return nil
}

func (r *licenseRepo) Revoke(ctx context.Context, id, reason, by string, at time.Time) (bool, error) {
	at = at.UTC()
	res, err := r.db.ExecContext(ctx,
		`UPDATE licenses SET status = ?, revoked_at = ?, revoked_reason = ?, revoked_by = ?, updated_at = ?
		 WHERE id = ? AND status <> ?`,
		models.LicenseStatusRevoked, at, reason, by, at, id, models.LicenseStatusRevoked)
	if err != nil {
		return false, fmt.Errorf("revoking license: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking revoked rows: %w", err)
	}
	return n == 1, nil
}

func (r *licenseRepo) UpdateExpiry(ctx context.Context, id string, expiry time.Time, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE licenses SET expiry_date = ?, updated_at = ? WHERE id = ? AND status <> ?`,
		expiry.UTC(), at.UTC(), id, models.LicenseStatusRevoked)
	if err != nil {
		return fmt.Errorf("updating license expiry: %w", err)
	}
	return nil
}

func (r *licenseRepo) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM licenses GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting licenses by status: %w", err)
	}
	counts, err := scanCounts(rows)
	if err != nil {
		return nil, fmt.Errorf("scanning license status counts: %w", err)
	}
	return counts, nil
}

func (r *licenseRepo) CountByType(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM licenses GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("counting licenses by type: %w", err)
	}
	counts, err := scanCounts(rows)
	if err != nil {
		return nil, fmt.Errorf("scanning license type counts: %w", err)
	}
	return counts, nil
}
