package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kioskguard/kioskguard/internal/database/models"
)

const auditColumns = `id, event_type, severity, message, license_id, device_id, event_data,
	ip_address, user_agent, admin_email, created_at`

// auditRepo implements AuditRepository. Rows are only ever inserted.
type auditRepo struct {
	db *DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *DB) AuditRepository {
	return &auditRepo{db: db}
}

func (r *auditRepo) Create(ctx context.Context, e *models.AuditLogEntry) error {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.EventData == "" {
		e.EventData = "{}"
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_logs (`+auditColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.EventType, e.Severity, e.Message, nullString(e.LicenseID), nullString(e.DeviceID), e.EventData,
		e.IPAddress, e.UserAgent, e.AdminEmail, e.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting audit log: %w", err)
	}
	return nil
}

func (r *auditRepo) list(ctx context.Context, what, where string, limit int, args ...any) ([]models.AuditLogEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_logs`
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit logs %s: %w", what, err)
	}
	defer rows.Close()

	var entries []models.AuditLogEntry
	for rows.Next() {
		var e models.AuditLogEntry
		var licenseID, deviceID sql.NullString
		if err := rows.Scan(&e.ID, &e.EventType, &e.Severity, &e.Message, &licenseID, &deviceID, &e.EventData,
			&e.IPAddress, &e.UserAgent, &e.AdminEmail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit log row: %w", err)
		}
		e.LicenseID = licenseID.String
		e.DeviceID = deviceID.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *auditRepo) ListRecent(ctx context.Context, limit int) ([]models.AuditLogEntry, error) {
	return r.list(ctx, "recent", "", clampLimit(limit, 100, 1000))
}

func (r *auditRepo) ListByLicense(ctx context.Context, licenseID string, limit int) ([]models.AuditLogEntry, error) {
	return r.list(ctx, "by license", "license_id = ?", clampLimit(limit, 50, 1000), licenseID)
}

func (r *auditRepo) ListByDevice(ctx context.Context, deviceID string, limit int) ([]models.AuditLogEntry, error) {
	return r.list(ctx, "by device", "device_id = ?", clampLimit(limit, 50, 1000), deviceID)
}

func (r *auditRepo) ListBySeverity(ctx context.Context, severity string, limit int) ([]models.AuditLogEntry, error) {
	return r.list(ctx, "by severity", "severity = ?", clampLimit(limit, 100, 1000), severity)
}

func (r *auditRepo) ListByType(ctx context.Context, eventType string, limit int) ([]models.AuditLogEntry, error) {
	return r.list(ctx, "by type", "event_type = ?", clampLimit(limit, 100, 1000), eventType)
}

func (r *auditRepo) CountBySeverity(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT severity, COUNT(*) FROM audit_logs GROUP BY severity`)
	if err != nil {
		return nil, fmt.Errorf("counting audit logs by severity: %w", err)
	}
	counts, err := scanCounts(rows)
	if err != nil {
		return nil, fmt.Errorf("scanning audit severity counts: %w", err)
	}
	return counts, nil
}

func (r *auditRepo) CountByType(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT event_type, COUNT(*) FROM audit_logs GROUP BY event_type`)
	if err != nil {
		return nil, fmt.Errorf("counting audit logs by type: %w", err)
	}
	counts, err := scanCounts(rows)
	if err != nil {
		return nil, fmt.Errorf("scanning audit type counts: %w", err)
	}
	return counts, nil
}
