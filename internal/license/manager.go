package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kioskguard/kioskguard/internal/audit"
	"github.com/kioskguard/kioskguard/internal/database"
	"github.com/kioskguard/kioskguard/internal/database/models"
)

// maxKeyAttempts bounds key generation retries on collision.
const maxKeyAttempts = 10

// Extension bounds, in days.
const (
	MinExtendDays = 1
	MaxExtendDays = 3650
)

// ErrNotFound is returned when the license does not exist.
var ErrNotFound = errors.New("license not found")

// ErrAlreadyRevoked is returned when revoking or extending a revoked license.
var ErrAlreadyRevoked = errors.New("license already revoked")

// ErrPerpetual is returned when extending a license that never expires.
var ErrPerpetual = errors.New("perpetual licenses cannot be extended")

// ErrKeyExhausted is returned when no unique key could be generated.
var ErrKeyExhausted = errors.New("could not generate a unique license key")

// ErrOwnerNotFound is returned when the client or branch is missing or inactive.
var ErrOwnerNotFound = errors.New("client or branch not found or inactive")

// ErrInvalidType is returned for an unknown license type.
var ErrInvalidType = errors.New("invalid license type")

// ErrInvalidDays is returned when an extension is out of range.
var ErrInvalidDays = fmt.Errorf("extension must be between %d and %d days", MinExtendDays, MaxExtendDays)

// Stats summarises the license population.
type Stats struct {
	Total    int64            `json:"total"`
	ByStatus map[string]int64 `json:"by_status"`
	ByType   map[string]int64 `json:"by_type"`
	// ByEffectiveStatus counts expired and grace_period computed at the
	// time of the call.
	ByEffectiveStatus map[string]int64 `json:"by_effective_status"`
}

// Manager performs the persistent license lifecycle operations.
type Manager struct {
	licenses database.LicenseRepository
	clients  database.ClientRepository
	branches database.BranchRepository
	audit    audit.Logger
	policy   Policy
	now      func() time.Time
	logger   *slog.Logger

	// generateKey is swapped in tests to force collisions.
	generateKey func() (string, error)
}

// NewManager creates a license Manager.
func NewManager(
	licenses database.LicenseRepository,
	clients database.ClientRepository,
	branches database.BranchRepository,
	auditLog audit.Logger,
	policy Policy,
	now func() time.Time,
) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{
		licenses:    licenses,
		clients:     clients,
		branches:    branches,
		audit:       auditLog,
		policy:      policy,
		now:         now,
		logger:      slog.Default().With("subsystem", "license"),
		generateKey: GenerateKey,
	}
}

// Policy returns the expiry and grace policy in force.
func (m *Manager) Policy() Policy {
	return m.policy
}

// Create issues a pending license of type typ for a client branch.
func (m *Manager) Create(ctx context.Context, typ, clientID, branchID, creator string) (*models.License, error) {
	now := m.now().UTC()
	expiry, err := m.policy.ExpiryFor(typ, now)
	if err != nil {
		return nil, ErrInvalidType
	}

	client, err := m.clients.GetByID(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("loading client: %w", err)
	}
	branch, err := m.branches.GetByID(ctx, branchID)
	if err != nil {
		return nil, fmt.Errorf("loading branch: %w", err)
	}
	if client == nil || !client.Active || branch == nil || !branch.Active || branch.ClientID != client.ID {
		return nil, ErrOwnerNotFound
	}

	l := &models.License{
		Type:       typ,
		Status:     models.LicenseStatusPending,
		IssuedDate: now,
		ExpiryDate: expiry,
		MaxDevices: 1,
		ClientID:   clientID,
		BranchID:   branchID,
		CreatedBy:  creator,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	for attempt := 1; ; attempt++ {
		key, err := m.generateKey()
		if err != nil {
			return nil, err
		}
		l.ID = ""
		l.LicenseKey = key
		err = m.licenses.Create(ctx, l)
		if err == nil {
			break
		}
		if !database.IsUniqueViolation(err) {
			return nil, fmt.Errorf("creating license: %w", err)
		}
		m.logger.Warn("license key collision, retrying", "attempt", attempt)
		if attempt == maxKeyAttempts {
			return nil, ErrKeyExhausted
		}
	}

	m.audit.LogEvent(ctx, audit.Event{
		Type:       audit.LicenseCreated,
		Message:    fmt.Sprintf("%s license %s created", typ, l.LicenseKey),
		LicenseID:  l.ID,
		AdminEmail: creator,
		Data: map[string]any{
			"license_key": l.LicenseKey,
			"type":        typ,
			"client_id":   clientID,
			"branch_id":   branchID,
		},
	})
	return l, nil
}

// Get returns a license by id.
func (m *Manager) Get(ctx context.Context, id string) (*models.License, error) {
	l, err := m.licenses.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, ErrNotFound
	}
	return l, nil
}

// GetByKey returns a license by its key, case-insensitively.
func (m *Manager) GetByKey(ctx context.Context, key string) (*models.License, error) {
	l, err := m.licenses.GetByKey(ctx, strings.TrimSpace(key))
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, ErrNotFound
	}
	return l, nil
}

// List returns licenses matching f. Status filters on expired and
// grace_period are evaluated against the current time because those
// states are never stored.
func (m *Manager) List(ctx context.Context, f database.LicenseFilter) ([]models.License, error) {
	computed := f.Status == models.LicenseStatusExpired ||
		f.Status == models.LicenseStatusGracePeriod ||
		f.Status == models.LicenseStatusActive ||
		f.Status == models.LicenseStatusPending
	if !computed {
		return m.licenses.List(ctx, f)
	}

	want := f.Status
	inner := f
	inner.Status = ""
	inner.Limit = -1
	inner.Offset = 0
	if want == models.LicenseStatusActive || want == models.LicenseStatusPending {
		inner.Status = want
	}
	all, err := m.licenses.List(ctx, inner)
	if err != nil {
		return nil, err
	}

	now := m.now()
	var out []models.License
	for _, l := range all {
		if m.policy.EffectiveStatus(&l, now) == want {
			out = append(out, l)
		}
	}
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	limit := f.Limit
	if limit == 0 {
		limit = 50
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Revoke permanently revokes a license.
func (m *Manager) Revoke(ctx context.Context, id, reason, actor string) (*models.License, error) {
	l, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.Status == models.LicenseStatusRevoked {
		return nil, ErrAlreadyRevoked
	}

	now := m.now().UTC()
	ok, err := m.licenses.Revoke(ctx, id, reason, actor, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAlreadyRevoked
	}
	l.Status = models.LicenseStatusRevoked
	l.RevokedAt = &now
	l.RevokedReason = reason
	l.RevokedBy = actor
	l.UpdatedAt = now

	m.audit.LogEvent(ctx, audit.Event{
		Type:       audit.LicenseRevoked,
		Message:    fmt.Sprintf("license %s revoked: %s", l.LicenseKey, reason),
		LicenseID:  l.ID,
		AdminEmail: actor,
		Data:       map[string]any{"reason": reason},
	})
	return l, nil
}

// Extend pushes the expiry date of a license days into the future,
// counting from the later of its current expiry and now.
func (m *Manager) Extend(ctx context.Context, id string, days int, actor string) (*models.License, error) {
	if days < MinExtendDays || days > MaxExtendDays {
		return nil, ErrInvalidDays
	}
	l, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.Status == models.LicenseStatusRevoked {
		return nil, ErrAlreadyRevoked
	}
	if l.ExpiryDate == nil {
		return nil, ErrPerpetual
	}

	now := m.now().UTC()
	base := *l.ExpiryDate
	if now.After(base) {
		base = now
	}
	previous := *l.ExpiryDate
	expiry := base.Add(time.Duration(days) * day)
	if err := m.licenses.UpdateExpiry(ctx, id, expiry, now); err != nil {
		return nil, err
	}
	l.ExpiryDate = &expiry
	l.UpdatedAt = now

	m.audit.LogEvent(ctx, audit.Event{
		Type:       audit.LicenseRenewed,
		Message:    fmt.Sprintf("license %s extended by %d days", l.LicenseKey, days),
		LicenseID:  l.ID,
		AdminEmail: actor,
		Data: map[string]any{
			"days":            days,
			"previous_expiry": previous.Format(time.RFC3339),
			"new_expiry":      expiry.Format(time.RFC3339),
		},
	})
	return l, nil
}

// Stats counts licenses by stored status, effective status and type.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	byStatus, err := m.licenses.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("license stats: %w", err)
	}
	byType, err := m.licenses.CountByType(ctx)
	if err != nil {
		return nil, fmt.Errorf("license stats: %w", err)
	}
	effective, err := m.EffectiveCounts(ctx)
	if err != nil {
		return nil, err
	}

	var total int64
	for _, n := range byStatus {
		total += n
	}
	return &Stats{
		Total:             total,
		ByStatus:          byStatus,
		ByType:            byType,
		ByEffectiveStatus: effective,
	}, nil
}

// EffectiveCounts counts every license by its status at the current time.
func (m *Manager) EffectiveCounts(ctx context.Context) (map[string]int64, error) {
	all, err := m.licenses.List(ctx, database.LicenseFilter{Limit: -1})
	if err != nil {
		return nil, fmt.Errorf("listing licenses: %w", err)
	}
	now := m.now()
	counts := map[string]int64{
		models.LicenseStatusPending:     0,
		models.LicenseStatusActive:      0,
		models.LicenseStatusExpired:     0,
		models.LicenseStatusGracePeriod: 0,
		models.LicenseStatusRevoked:     0,
	}
	for i := range all {
		counts[m.policy.EffectiveStatus(&all[i], now)]++
	}
	return counts, nil
}
