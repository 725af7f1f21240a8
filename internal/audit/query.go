package audit

import (
	"context"
	"fmt"

	"github.com/kioskguard/kioskguard/internal/database/models"
)

// Stats aggregates the audit log for dashboards.
type Stats struct {
	Total           int64            `json:"total"`
	BySeverity      map[string]int64 `json:"by_severity"`
	ByType          map[string]int64 `json:"by_type"`
	SecurityThreats ThreatCounts     `json:"security_threats"`
}

// ThreatCounts counts the event types that indicate an attack on a device.
type ThreatCounts struct {
	CloningAttempts  int64 `json:"cloning_attempts"`
	RootedDevices    int64 `json:"rooted_devices"`
	EmulatorsBlocked int64 `json:"emulators_detected"`
}

// Recent returns the newest entries, 100 by default.
func (t *Trail) Recent(ctx context.Context, limit int) ([]models.AuditLogEntry, error) {
	return t.repo.ListRecent(ctx, limit)
}

// ByLicense returns the newest entries referencing a license, 50 by default.
func (t *Trail) ByLicense(ctx context.Context, licenseID string, limit int) ([]models.AuditLogEntry, error) {
	return t.repo.ListByLicense(ctx, licenseID, limit)
}

// ByDevice returns the newest entries referencing a device, 50 by default.
func (t *Trail) ByDevice(ctx context.Context, deviceID string, limit int) ([]models.AuditLogEntry, error) {
	return t.repo.ListByDevice(ctx, deviceID, limit)
}

// Critical returns the newest critical entries.
func (t *Trail) Critical(ctx context.Context, limit int) ([]models.AuditLogEntry, error) {
	return t.repo.ListBySeverity(ctx, models.SeverityCritical, limit)
}

// CloningAttempts returns the newest cloning-attempt entries.
func (t *Trail) CloningAttempts(ctx context.Context, limit int) ([]models.AuditLogEntry, error) {
	return t.repo.ListByType(ctx, CloningAttempt, limit)
}

// CountBySeverity returns entry counts keyed by severity.
func (t *Trail) CountBySeverity(ctx context.Context) (map[string]int64, error) {
	return t.repo.CountBySeverity(ctx)
}

// Stats returns counts by severity and type plus security threat totals.
func (t *Trail) Stats(ctx context.Context) (*Stats, error) {
	bySeverity, err := t.repo.CountBySeverity(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit stats: %w", err)
	}
	byType, err := t.repo.CountByType(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit stats: %w", err)
	}

	var total int64
	for _, n := range bySeverity {
		total += n
	}

	return &Stats{
		Total:      total,
		BySeverity: bySeverity,
		ByType:     byType,
		SecurityThreats: ThreatCounts{
			CloningAttempts:  byType[CloningAttempt],
			RootedDevices:    byType[RootedDevice],
			EmulatorsBlocked: byType[EmulatorDetected],
		},
	}, nil
}
