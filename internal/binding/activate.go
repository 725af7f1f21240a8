package binding

import (
	"context"
	"fmt"
	"time"

	"github.com/kioskguard/kioskguard/internal/audit"
	"github.com/kioskguard/kioskguard/internal/database"
	"github.com/kioskguard/kioskguard/internal/database/models"
	"github.com/kioskguard/kioskguard/internal/device"
	"github.com/kioskguard/kioskguard/internal/fingerprint"
)

// ActivateRequest is a kiosk's request to bind a license to itself.
type ActivateRequest struct {
	LicenseKey  string
	Fingerprint string
	Descriptors device.Descriptors
	LocationID  string
	IP          string
	UserAgent   string
}

// Activate binds the license named by req.LicenseKey to the requesting
// device. Re-activating with the same license and device is idempotent.
// Only store failures are returned as errors.
func (e *Engine) Activate(ctx context.Context, req ActivateRequest) (*Activation, *Failure, error) {
	now := e.now().UTC()
	fp := req.Fingerprint

	if !fingerprint.IsWellFormed(fp) {
		e.auditSuspicious(ctx, req, []string{"malformed"})
		return nil, fail(CodeSuspiciousFingerprint, "device fingerprint is invalid").
			withDetails([]string{"malformed"}), nil
	}
	if suspicious, reasons := fingerprint.DetectSuspicious(fp); suspicious {
		e.auditSuspicious(ctx, req, reasons)
		return nil, fail(CodeSuspiciousFingerprint, "device fingerprint is suspicious or invalid").
			withDetails(reasons), nil
	}
	fp = fingerprint.Normalize(fp)

	var loc *models.Location
	if req.LocationID != "" {
		var err error
		loc, err = e.locations.GetByID(ctx, req.LocationID)
		if err != nil {
			return nil, nil, fmt.Errorf("loading location: %w", err)
		}
		if loc == nil {
			e.auditActivationFailed(ctx, req, "", "location not found")
			return nil, fail(CodeLocationNotFound, fmt.Sprintf("location %s does not exist", req.LocationID)), nil
		}
		if !loc.Active {
			e.auditActivationFailed(ctx, req, "", "location inactive")
			return nil, fail(CodeLocationInactive, fmt.Sprintf("location %q is inactive, contact your administrator", loc.Name)), nil
		}
	}

	lic, err := e.licenses.GetByKey(ctx, req.LicenseKey)
	if err != nil {
		return nil, nil, fmt.Errorf("loading license: %w", err)
	}
	if lic == nil {
		e.audit.LogEvent(ctx, audit.Event{
			Type:      audit.InvalidLicenseKey,
			Message:   "activation with unknown license key",
			IP:        req.IP,
			UserAgent: req.UserAgent,
			Data: map[string]any{
				"license_key": req.LicenseKey,
				"fingerprint": fp,
			},
		})
		return nil, fail(CodeLicenseNotFound, "license not found"), nil
	}
	if v := e.policy.IsValid(lic, now); !v.Valid {
		e.auditActivationFailed(ctx, req, lic.ID, v.Reason)
		return nil, fail(CodeLicenseInvalid, v.Reason), nil
	}

	existing, err := e.bindings.GetByLicenseID(ctx, lic.ID)
	if err != nil {
		return nil, nil, err
	}
	if existing != nil && existing.IsActive {
		return e.resolveBound(ctx, req, fp, lic, existing, loc)
	}

	dev, err := e.devices.GetByFingerprint(ctx, fp)
	if err != nil {
		return nil, nil, err
	}
	if dev != nil {
		other, err := e.bindings.GetActiveByDeviceID(ctx, dev.ID)
		if err != nil {
			return nil, nil, err
		}
		if other != nil {
			e.auditActivationFailed(ctx, req, lic.ID, "device already holds an active license")
			return nil, deviceAlreadyBound(), nil
		}
	}

	if f, err := e.checkEligible(ctx, req, fp, lic.ID); f != nil || err != nil {
		return nil, f, err
	}

	dev, err = e.devices.RegisterOrUpdate(ctx, fp, req.Descriptors, req.IP)
	if err != nil {
		return nil, nil, fmt.Errorf("registering device: %w", err)
	}

	b, err := e.newBinding(lic, dev, loc, req.IP, now)
	if err != nil {
		return nil, nil, err
	}
	var stored bool
	if existing == nil {
		err = e.bindings.Create(ctx, b)
		stored = err == nil
	} else {
		// Reuse the license's one row; it may only be taken over while
		// still inactive.
		b.ID = existing.ID
		b.CreatedAt = existing.CreatedAt
		stored, err = e.bindings.Rebind(ctx, b, existing.DeviceID, false)
	}
	if err != nil && !database.IsUniqueViolation(err) {
		return nil, nil, fmt.Errorf("storing binding: %w", err)
	}
	if !stored {
		return e.resolveConflict(ctx, req, fp, lic, dev, loc)
	}

	if err := e.licenses.MarkActivated(ctx, lic.ID, now); err != nil {
		return nil, nil, fmt.Errorf("marking license activated: %w", err)
	}
	if lic.Status == models.LicenseStatusPending {
		lic.Status = models.LicenseStatusActive
	}
	e.devices.RecordActivation(ctx, dev.ID, true)

	e.audit.LogEvent(ctx, audit.Event{
		Type:      audit.LicenseActivated,
		Message:   fmt.Sprintf("license %s activated on device %s", lic.LicenseKey, fingerprint.Short(fp)),
		LicenseID: lic.ID,
		DeviceID:  dev.ID,
		IP:        req.IP,
		UserAgent: req.UserAgent,
		Data: map[string]any{
			"binding_id":  b.ID,
			"location_id": b.LocationID,
		},
	})
	e.logger.Info("license activated", "license_id", lic.ID, "device_id", dev.ID, "fingerprint", fingerprint.Short(fp))

	return e.activation(ctx, lic, dev, b, loc, false)
}

// checkEligible rejects denylisted, rooted and emulated devices. Flags
// reported in this request count even if the device was never seen before.
func (e *Engine) checkEligible(ctx context.Context, req ActivateRequest, fp, licenseID string) (*Failure, error) {
	verdict, err := e.devices.CanActivate(ctx, fp)
	if err != nil {
		return nil, fmt.Errorf("checking device eligibility: %w", err)
	}
	if verdict.OK && !req.Descriptors.IsRooted && !req.Descriptors.IsEmulator {
		return nil, nil
	}

	dev, err := e.devices.RegisterOrUpdate(ctx, fp, req.Descriptors, req.IP)
	if err != nil {
		return nil, fmt.Errorf("registering device: %w", err)
	}
	e.devices.RecordActivation(ctx, dev.ID, false)

	cause, reason := verdict.Cause, verdict.Reason
	if verdict.OK {
		if dev.IsRooted {
			cause, reason = device.CauseRooted, "rooted devices are not allowed"
		} else {
			cause, reason = device.CauseEmulator, "emulators are not allowed"
		}
	}

	ev := audit.Event{
		Type:      audit.ActivationFailed,
		Message:   fmt.Sprintf("device %s not allowed: %s", fingerprint.Short(fp), reason),
		LicenseID: licenseID,
		DeviceID:  dev.ID,
		IP:        req.IP,
		UserAgent: req.UserAgent,
		Data:      map[string]any{"fingerprint": fp, "cause": cause},
	}
	switch cause {
	case device.CauseRooted:
		ev.Type = audit.RootedDevice
	case device.CauseEmulator:
		ev.Type = audit.EmulatorDetected
	}
	e.audit.LogEvent(ctx, ev)

	return fail(CodeDeviceNotAllowed, reason), nil
}

// resolveBound handles activation of a license whose binding is active:
// the same device gets its current credentials back, any other device is
// a cloning attempt.
func (e *Engine) resolveBound(ctx context.Context, req ActivateRequest, fp string, lic *models.License, b *models.Binding, loc *models.Location) (*Activation, *Failure, error) {
	bound, err := e.devices.Get(ctx, b.DeviceID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading bound device: %w", err)
	}

	if !fingerprint.Equal(bound.Fingerprint, fp) {
		e.audit.LogEvent(ctx, audit.Event{
			Type:      audit.CloningAttempt,
			Message:   fmt.Sprintf("license %s is bound to another device", lic.LicenseKey),
			LicenseID: lic.ID,
			DeviceID:  bound.ID,
			IP:        req.IP,
			UserAgent: req.UserAgent,
			Data: map[string]any{
				"original_fingerprint":  bound.Fingerprint,
				"attempted_fingerprint": fp,
				"location_id":           req.LocationID,
			},
		})
		return nil, fail(CodeLicenseAlreadyBound, "this license is already activated on another device").
			withDetails(map[string]any{
				"message":         "contact your administrator to transfer the license",
				"original_device": deviceRef(bound.ID),
				"activated_at":    b.ActivatedAt,
			}), nil
	}

	if loc != nil && loc.ID != b.LocationID {
		now := e.now().UTC()
		if err := e.bindings.UpdateLocation(ctx, b.ID, loc.ID, loc.Name, now); err != nil {
			return nil, nil, err
		}
		e.audit.LogEvent(ctx, audit.Event{
			Type:      audit.LocationUpdated,
			Message:   fmt.Sprintf("location changed from %q to %q", b.LocationName, loc.Name),
			LicenseID: lic.ID,
			DeviceID:  bound.ID,
			IP:        req.IP,
			Data: map[string]any{
				"old_location_id": b.LocationID,
				"new_location_id": loc.ID,
			},
		})
		b.LocationID, b.LocationName = loc.ID, loc.Name
	}
	if err := e.devices.Touch(ctx, bound.ID, req.IP); err != nil {
		return nil, nil, err
	}
	return e.activation(ctx, lic, bound, b, loc, true)
}

// resolveConflict runs after the store rejected a binding write: another
// activation got there first. Re-read and answer as if it had been
// sequential.
func (e *Engine) resolveConflict(ctx context.Context, req ActivateRequest, fp string, lic *models.License, dev *models.Device, loc *models.Location) (*Activation, *Failure, error) {
	e.logger.Info("binding conflict, resolving", "license_id", lic.ID, "device_id", dev.ID)

	current, err := e.bindings.GetByLicenseID(ctx, lic.ID)
	if err != nil {
		return nil, nil, err
	}
	if current != nil && current.IsActive {
		return e.resolveBound(ctx, req, fp, lic, current, loc)
	}

	other, err := e.bindings.GetActiveByDeviceID(ctx, dev.ID)
	if err != nil {
		return nil, nil, err
	}
	if other != nil {
		e.auditActivationFailed(ctx, req, lic.ID, "device already holds an active license")
		return nil, deviceAlreadyBound(), nil
	}
	return nil, nil, fmt.Errorf("unresolved binding conflict for license %s", lic.ID)
}

func deviceAlreadyBound() *Failure {
	return fail(CodeDeviceAlreadyBound, "this device already holds a different active license").
		withDetails(map[string]any{"message": "release the current license before activating a new one"})
}

func (e *Engine) newBinding(lic *models.License, dev *models.Device, loc *models.Location, ip string, now time.Time) (*models.Binding, error) {
	code, err := fingerprint.GenerateActivationCode()
	if err != nil {
		return nil, err
	}
	token, expiresAt, err := e.tokens.Sign(lic, dev.ID, dev.Fingerprint, now)
	if err != nil {
		return nil, err
	}
	b := &models.Binding{
		LicenseID:      lic.ID,
		DeviceID:       dev.ID,
		IsActive:       true,
		ActivatedAt:    now,
		ActivationCode: code,
		DeviceToken:    token,
		TokenExpiresAt: expiresAt,
		ActivationIP:   ip,
		LastSeenIP:     ip,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if loc != nil {
		b.LocationID, b.LocationName = loc.ID, loc.Name
	}
	return b, nil
}

func (e *Engine) activation(ctx context.Context, lic *models.License, dev *models.Device, b *models.Binding, loc *models.Location, reactivated bool) (*Activation, *Failure, error) {
	s, err := e.snapshot(ctx, lic, b, loc)
	if err != nil {
		return nil, nil, err
	}
	return &Activation{
		BindingID:      b.ID,
		ActivationCode: b.ActivationCode,
		DeviceToken:    b.DeviceToken,
		TokenExpiresAt: b.TokenExpiresAt,
		Reactivated:    reactivated,
		Device:         deviceInfo(dev),
		License:        s.license,
		Client:         s.client,
		Branch:         s.branch,
		Location:       s.location,
	}, nil, nil
}

func (e *Engine) auditSuspicious(ctx context.Context, req ActivateRequest, reasons []string) {
	e.audit.LogEvent(ctx, audit.Event{
		Type:      audit.SuspiciousPrint,
		Message:   fmt.Sprintf("suspicious fingerprint rejected: %v", reasons),
		IP:        req.IP,
		UserAgent: req.UserAgent,
		Data: map[string]any{
			"fingerprint": req.Fingerprint,
			"license_key": req.LicenseKey,
			"reasons":     reasons,
		},
	})
}

func (e *Engine) auditActivationFailed(ctx context.Context, req ActivateRequest, licenseID, reason string) {
	e.audit.LogEvent(ctx, audit.Event{
		Type:      audit.ActivationFailed,
		Message:   "activation failed: " + reason,
		LicenseID: licenseID,
		IP:        req.IP,
		UserAgent: req.UserAgent,
		Data: map[string]any{
			"fingerprint": req.Fingerprint,
			"license_key": req.LicenseKey,
			"location_id": req.LocationID,
		},
	})
}
