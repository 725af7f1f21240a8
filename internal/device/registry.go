// Package device tracks physical kiosk devices by fingerprint, their risk
// flags and usage counters, and owns the fingerprint denylist.
package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kioskguard/kioskguard/internal/audit"
	"github.com/kioskguard/kioskguard/internal/database"
	"github.com/kioskguard/kioskguard/internal/database/models"
	"github.com/kioskguard/kioskguard/internal/fingerprint"
)

// ErrNotBlacklisted is returned when unblacklisting an unknown fingerprint.
var ErrNotBlacklisted = errors.New("fingerprint is not blacklisted")

// ErrInvalidFingerprint is returned for malformed fingerprints.
var ErrInvalidFingerprint = errors.New("invalid device fingerprint")

// ErrNotFound is returned when the device does not exist.
var ErrNotFound = errors.New("device not found")

// Denial causes reported by CanActivate.
const (
	CauseBlacklisted = "blacklisted"
	CauseRooted      = "rooted"
	CauseEmulator    = "emulator"
)

// Descriptors are the hardware attributes a kiosk reports about itself.
type Descriptors struct {
	Name              string `json:"device_name,omitempty"`
	AndroidID         string `json:"android_id,omitempty"`
	BuildBoard        string `json:"build_board,omitempty"`
	BuildBrand        string `json:"build_brand,omitempty"`
	BuildModel        string `json:"build_model,omitempty"`
	BuildManufacturer string `json:"build_manufacturer,omitempty"`
	OSVersion         string `json:"os_version,omitempty"`
	MACAddressHash    string `json:"mac_address_hash,omitempty"`
	AppSignatureHash  string `json:"app_signature_hash,omitempty"`
	IsRooted          bool   `json:"is_rooted,omitempty"`
	IsEmulator        bool   `json:"is_emulator,omitempty"`
}

// Verdict is the outcome of CanActivate.
type Verdict struct {
	OK     bool
	Reason string
	Cause  string
}

// Registry manages device records and the denylist.
type Registry struct {
	devices   database.DeviceRepository
	blacklist database.BlacklistRepository
	audit     audit.Logger
	now       func() time.Time
	logger    *slog.Logger
}

// NewRegistry creates a device Registry.
func NewRegistry(devices database.DeviceRepository, blacklist database.BlacklistRepository, auditLog audit.Logger, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		devices:   devices,
		blacklist: blacklist,
		audit:     auditLog,
		now:       now,
		logger:    slog.Default().With("subsystem", "device"),
	}
}

// RegisterOrUpdate upserts the device with fingerprint fp. Existing risk
// flags are never cleared and known descriptors are never overwritten
// with blanks.
func (r *Registry) RegisterOrUpdate(ctx context.Context, fp string, desc Descriptors, ip string) (*models.Device, error) {
	now := r.now().UTC()
	d, err := r.devices.GetByFingerprint(ctx, fp)
	if err != nil {
		return nil, err
	}

	if d == nil {
		d = &models.Device{
			Fingerprint:   fingerprint.Normalize(fp),
			LastIPAddress: ip,
			FirstSeenAt:   now,
			LastSeenAt:    now,
		}
		applyDescriptors(d, desc)
		err := r.devices.Create(ctx, d)
		if err == nil {
			r.audit.LogEvent(ctx, audit.Event{
				Type:     audit.DeviceRegistered,
				Message:  fmt.Sprintf("device %s registered", fingerprint.Short(fp)),
				DeviceID: d.ID,
				IP:       ip,
				Data: map[string]any{
					"brand": desc.BuildBrand,
					"model": desc.BuildModel,
				},
			})
			return d, nil
		}
		if !database.IsUniqueViolation(err) {
			return nil, err
		}
		// Registered concurrently; fall through to update the winner's row.
		d, err = r.devices.GetByFingerprint(ctx, fp)
		if err != nil {
			return nil, err
		}
		if d == nil {
			return nil, fmt.Errorf("device %s vanished after conflict", fingerprint.Short(fp))
		}
	}

	applyDescriptors(d, desc)
	if ip != "" {
		d.LastIPAddress = ip
	}
	d.LastSeenAt = now
	if err := r.devices.Update(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func applyDescriptors(d *models.Device, desc Descriptors) {
	fill := func(dst *string, v string) {
		if *dst == "" && v != "" {
			*dst = v
		}
	}
	fill(&d.Name, desc.Name)
	fill(&d.AndroidID, desc.AndroidID)
	fill(&d.BuildBoard, desc.BuildBoard)
	fill(&d.BuildBrand, desc.BuildBrand)
	fill(&d.BuildModel, desc.BuildModel)
	fill(&d.BuildManufacturer, desc.BuildManufacturer)
	fill(&d.OSVersion, desc.OSVersion)
	fill(&d.MACAddressHash, desc.MACAddressHash)
	fill(&d.AppSignatureHash, desc.AppSignatureHash)
	d.IsRooted = d.IsRooted || desc.IsRooted
	d.IsEmulator = d.IsEmulator || desc.IsEmulator
}

// IsEntryActive reports whether a denylist entry still blocks at now.
func IsEntryActive(e *models.BlacklistEntry, now time.Time) bool {
	return e.IsPermanent || e.UnblockAfter == nil || now.Before(*e.UnblockAfter)
}

// CanActivate reports whether the device with fingerprint fp may hold a
// license. Unknown devices are allowed unless denylisted.
func (r *Registry) CanActivate(ctx context.Context, fp string) (Verdict, error) {
	entry, err := r.blacklist.GetByFingerprint(ctx, fp)
	if err != nil {
		return Verdict{}, err
	}
	if entry != nil && IsEntryActive(entry, r.now()) {
		return Verdict{Reason: "device is blacklisted: " + entry.Reason, Cause: CauseBlacklisted}, nil
	}

	d, err := r.devices.GetByFingerprint(ctx, fp)
	if err != nil {
		return Verdict{}, err
	}
	if d != nil {
		if d.IsRooted {
			return Verdict{Reason: "rooted devices are not allowed", Cause: CauseRooted}, nil
		}
		if d.IsEmulator {
			return Verdict{Reason: "emulators are not allowed", Cause: CauseEmulator}, nil
		}
	}
	return Verdict{OK: true}, nil
}

// Blacklist adds fp to the denylist, or bumps the violation counter of an
// existing entry. unblockAfter is ignored for permanent entries.
func (r *Registry) Blacklist(ctx context.Context, fp, reason, actor string, permanent bool, unblockAfter *time.Time) (*models.BlacklistEntry, error) {
	if !fingerprint.IsWellFormed(fp) {
		return nil, ErrInvalidFingerprint
	}
	now := r.now().UTC()
	if permanent {
		unblockAfter = nil
	}

	d, err := r.devices.GetByFingerprint(ctx, fp)
	if err != nil {
		return nil, err
	}

	entry, err := r.blacklist.GetByFingerprint(ctx, fp)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		entry = &models.BlacklistEntry{
			Fingerprint:  fingerprint.Normalize(fp),
			Reason:       reason,
			BlockedBy:    actor,
			DeviceInfo:   deviceInfo(d),
			IsPermanent:  permanent,
			UnblockAfter: unblockAfter,
			BlockedAt:    now,
		}
		if d != nil {
			entry.LastSeenIP = d.LastIPAddress
		}
		err = r.blacklist.Create(ctx, entry)
		if database.IsUniqueViolation(err) {
			entry, err = r.blacklist.GetByFingerprint(ctx, fp)
			if err == nil && entry != nil {
				err = r.bump(ctx, entry, reason, actor, permanent, unblockAfter, now)
			}
		}
	} else {
		err = r.bump(ctx, entry, reason, actor, permanent, unblockAfter, now)
	}
	if err != nil {
		return nil, err
	}

	var deviceID string
	if d != nil {
		deviceID = d.ID
		if err := r.devices.SetBlacklisted(ctx, fp, true, reason, &now); err != nil {
			return nil, err
		}
	}

	r.audit.LogEvent(ctx, audit.Event{
		Type:       audit.DeviceBlacklisted,
		Message:    fmt.Sprintf("device %s blacklisted: %s", fingerprint.Short(fp), reason),
		DeviceID:   deviceID,
		AdminEmail: actor,
		Data: map[string]any{
			"fingerprint":     fingerprint.Short(fp),
			"reason":          reason,
			"permanent":       entry.IsPermanent,
			"violation_count": entry.ViolationCount,
		},
	})
	return entry, nil
}

func (r *Registry) bump(ctx context.Context, e *models.BlacklistEntry, reason, actor string, permanent bool, unblockAfter *time.Time, now time.Time) error {
	e.ViolationCount++
	e.Reason = reason
	e.BlockedBy = actor
	e.BlockedAt = now
	e.IsPermanent = e.IsPermanent || permanent
	if e.IsPermanent {
		e.UnblockAfter = nil
	} else {
		e.UnblockAfter = unblockAfter
	}
	return r.blacklist.Update(ctx, e)
}

func deviceInfo(d *models.Device) string {
	if d == nil {
		return "{}"
	}
	b, err := json.Marshal(map[string]string{
		"brand":        d.BuildBrand,
		"model":        d.BuildModel,
		"manufacturer": d.BuildManufacturer,
		"os_version":   d.OSVersion,
	})
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Unblacklist removes fp from the denylist and clears the device flag.
func (r *Registry) Unblacklist(ctx context.Context, fp, actor string) error {
	removed, err := r.blacklist.Delete(ctx, fp)
	if err != nil {
		return err
	}
	if !removed {
		return ErrNotBlacklisted
	}

	d, err := r.devices.GetByFingerprint(ctx, fp)
	if err != nil {
		return err
	}
	var deviceID string
	if d != nil {
		deviceID = d.ID
		if err := r.devices.SetBlacklisted(ctx, fp, false, "", nil); err != nil {
			return err
		}
	}

	r.audit.LogEvent(ctx, audit.Event{
		Type:       audit.DeviceUnblacklisted,
		Message:    fmt.Sprintf("device %s removed from blacklist", fingerprint.Short(fp)),
		DeviceID:   deviceID,
		AdminEmail: actor,
	})
	return nil
}

// RecordActivation bumps the device's successful or failed activation counter.
func (r *Registry) RecordActivation(ctx context.Context, deviceID string, success bool) {
	if err := r.devices.IncrementActivations(ctx, deviceID, success); err != nil {
		r.logger.Warn("failed to update activation counters", "device_id", deviceID, "error", err)
	}
}

// Touch refreshes the device's last-seen time and origin.
func (r *Registry) Touch(ctx context.Context, deviceID, ip string) error {
	return r.devices.TouchLastSeen(ctx, deviceID, ip, r.now())
}

// Get returns a device by id.
func (r *Registry) Get(ctx context.Context, id string) (*models.Device, error) {
	d, err := r.devices.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, ErrNotFound
	}
	return d, nil
}

// GetByFingerprint returns a device by fingerprint, or nil if unknown.
func (r *Registry) GetByFingerprint(ctx context.Context, fp string) (*models.Device, error) {
	return r.devices.GetByFingerprint(ctx, fp)
}

// List returns devices, most recently seen first.
func (r *Registry) List(ctx context.Context, limit, offset int) ([]models.Device, error) {
	return r.devices.List(ctx, limit, offset)
}

// ListBlacklisted returns devices currently flagged as blacklisted.
func (r *Registry) ListBlacklisted(ctx context.Context) ([]models.Device, error) {
	return r.devices.ListBlacklisted(ctx)
}

// Entries returns the whole denylist, including entries for fingerprints
// that never registered.
func (r *Registry) Entries(ctx context.Context) ([]models.BlacklistEntry, error) {
	return r.blacklist.List(ctx)
}
