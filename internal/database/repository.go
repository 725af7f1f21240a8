package database

import (
	"context"
	"time"

	"github.com/kioskguard/kioskguard/internal/database/models"
)

// ClientRepository manages license-owning clients.
type ClientRepository interface {
	Create(ctx context.Context, c *models.Client) error
	GetByID(ctx context.Context, id string) (*models.Client, error)
}

// BranchRepository manages client branches.
type BranchRepository interface {
	Create(ctx context.Context, b *models.Branch) error
	GetByID(ctx context.Context, id string) (*models.Branch, error)
}

// LocationRepository manages physical kiosk locations.
type LocationRepository interface {
	Create(ctx context.Context, loc *models.Location) error
	GetByID(ctx context.Context, id string) (*models.Location, error)
	SetActive(ctx context.Context, id string, active bool) error
	List(ctx context.Context) ([]models.Location, error)
}

// LicenseFilter narrows a license listing. Zero values match everything.
// A negative Limit returns every matching row.
type LicenseFilter struct {
	Status    string
	Type      string
	ClientID  string
	BranchID  string
	KeyPrefix string
	Limit     int
	Offset    int
}

// LicenseRepository manages licenses.
type LicenseRepository interface {
	Create(ctx context.Context, l *models.License) error
	GetByID(ctx context.Context, id string) (*models.License, error)
	GetByKey(ctx context.Context, key string) (*models.License, error)
	List(ctx context.Context, f LicenseFilter) ([]models.License, error)
	// MarkActivated moves a pending license to active, stamps
	// first_activated_at once and always refreshes last_validated_at.
	MarkActivated(ctx context.Context, id string, at time.Time) error
	TouchValidated(ctx context.Context, id string, at time.Time) error
	// Revoke returns false when the license was already revoked.
	Revoke(ctx context.Context, id, reason, by string, at time.Time) (bool, error)
	UpdateExpiry(ctx context.Context, id string, expiry time.Time, at time.Time) error
	CountByStatus(ctx context.Context) (map[string]int64, error)
	CountByType(ctx context.Context) (map[string]int64, error)
}

// DeviceRepository manages physical devices.
type DeviceRepository interface {
	Create(ctx context.Context, d *models.Device) error
	GetByID(ctx context.Context, id string) (*models.Device, error)
	GetByFingerprint(ctx context.Context, fingerprint string) (*models.Device, error)
	Update(ctx context.Context, d *models.Device) error
	TouchLastSeen(ctx context.Context, id, ip string, at time.Time) error
	IncrementActivations(ctx context.Context, id string, success bool) error
	SetBlacklisted(ctx context.Context, fingerprint string, blacklisted bool, reason string, at *time.Time) error
	List(ctx context.Context, limit, offset int) ([]models.Device, error)
	ListBlacklisted(ctx context.Context) ([]models.Device, error)
}

// BindingRepository manages license-to-device bindings.
type BindingRepository interface {
	// Create inserts a new binding. A uniqueness violation (see
	// IsUniqueViolation) means another binding already owns the license,
	// the device's active slot, or the activation code.
	Create(ctx context.Context, b *models.Binding) error
	GetByID(ctx context.Context, id string) (*models.Binding, error)
	GetByLicenseID(ctx context.Context, licenseID string) (*models.Binding, error)
	GetByActivationCode(ctx context.Context, code string) (*models.Binding, error)
	GetActiveByDeviceID(ctx context.Context, deviceID string) (*models.Binding, error)
	// Rebind rewrites the device, credentials and counters of an existing
	// row, but only if it is still bound to fromDeviceID with the given
	// active state. It returns false when the row changed underneath.
	Rebind(ctx context.Context, b *models.Binding, fromDeviceID string, wasActive bool) (bool, error)
	UpdateLocation(ctx context.Context, id, locationID, locationName string, at time.Time) error
	// RecordHeartbeat increments the heartbeat counter, clears missed
	// heartbeats and returns the new count.
	RecordHeartbeat(ctx context.Context, id, ip string, at time.Time) (int, error)
	SetMissedHeartbeats(ctx context.Context, id string, missed int, at time.Time) error
	Deactivate(ctx context.Context, id, reason string, at time.Time) error
	ListActive(ctx context.Context) ([]models.Binding, error)
	CountActive(ctx context.Context) (int64, error)
}

// AuditRepository appends and queries audit log entries.
type AuditRepository interface {
	Create(ctx context.Context, e *models.AuditLogEntry) error
	ListRecent(ctx context.Context, limit int) ([]models.AuditLogEntry, error)
	ListByLicense(ctx context.Context, licenseID string, limit int) ([]models.AuditLogEntry, error)
	ListByDevice(ctx context.Context, deviceID string, limit int) ([]models.AuditLogEntry, error)
	ListBySeverity(ctx context.Context, severity string, limit int) ([]models.AuditLogEntry, error)
	ListByType(ctx context.Context, eventType string, limit int) ([]models.AuditLogEntry, error)
	CountBySeverity(ctx context.Context) (map[string]int64, error)
	CountByType(ctx context.Context) (map[string]int64, error)
}

// BlacklistRepository manages the fingerprint denylist.
type BlacklistRepository interface {
	Create(ctx context.Context, e *models.BlacklistEntry) error
	GetByFingerprint(ctx context.Context, fingerprint string) (*models.BlacklistEntry, error)
	Update(ctx context.Context, e *models.BlacklistEntry) error
	Delete(ctx context.Context, fingerprint string) (bool, error)
	List(ctx context.Context) ([]models.BlacklistEntry, error)
}
