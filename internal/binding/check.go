package binding

import (
	"context"
	"fmt"

	"github.com/kioskguard/kioskguard/internal/audit"
	"github.com/kioskguard/kioskguard/internal/database/models"
	"github.com/kioskguard/kioskguard/internal/fingerprint"
	"github.com/kioskguard/kioskguard/internal/license"
)

// CheckRequest carries a kiosk's credentials for validate and heartbeat.
type CheckRequest struct {
	Fingerprint    string
	ActivationCode string
	IP             string
	UserAgent      string
}

// checkMode selects the failure vocabulary of validate or heartbeat.
type checkMode struct {
	name           string
	unknownCode    string
	unknownAction  string
	mismatchAction string
	invalidCode    string
	invalidAction  string
	checkLocation  bool
}

var (
	validateMode = checkMode{
		name:           "validate",
		unknownCode:    CodeInvalidActivationCode,
		unknownAction:  ActionReactivate,
		mismatchAction: ActionContactAdmin,
		invalidCode:    CodeLicenseExpired,
		invalidAction:  ActionRenew,
	}
	heartbeatMode = checkMode{
		name:           "heartbeat",
		unknownCode:    CodeInvalidActivationCode,
		unknownAction:  ActionStopOperation,
		mismatchAction: ActionStopOperation,
		invalidCode:    CodeLicenseInvalid,
		invalidAction:  ActionRenewLicense,
		checkLocation:  true,
	}
)

// checked is the state a successful credential check resolves.
type checked struct {
	binding  *models.Binding
	license  *models.License
	device   *models.Device
	location *models.Location
	validity license.Validity
}

// check authenticates a kiosk by activation code and fingerprint. The
// binding is looked up whether active or not so that a revoked license
// reports its license failure rather than an unknown code.
func (e *Engine) check(ctx context.Context, req CheckRequest, mode checkMode) (*checked, *Failure, error) {
	if !fingerprint.IsWellFormed(req.Fingerprint) {
		return nil, fail(CodeInvalidFingerprint, "device fingerprint is invalid").withAction(mode.unknownAction), nil
	}
	fp := fingerprint.Normalize(req.Fingerprint)

	unknown := fail(mode.unknownCode, "activation code is invalid or the license was deactivated").
		withAction(mode.unknownAction)

	if req.ActivationCode == "" {
		return nil, unknown, nil
	}
	b, err := e.bindings.GetByActivationCode(ctx, req.ActivationCode)
	if err != nil {
		return nil, nil, fmt.Errorf("loading binding: %w", err)
	}
	if b == nil {
		return nil, unknown, nil
	}

	dev, err := e.devices.Get(ctx, b.DeviceID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading bound device: %w", err)
	}
	if !fingerprint.Equal(dev.Fingerprint, fp) {
		e.audit.LogEvent(ctx, audit.Event{
			Type:      audit.CloningAttempt,
			Message:   fmt.Sprintf("%s with an activation code bound to another device", mode.name),
			LicenseID: b.LicenseID,
			DeviceID:  dev.ID,
			IP:        req.IP,
			UserAgent: req.UserAgent,
			Data: map[string]any{
				"expected_fingerprint": dev.Fingerprint,
				"received_fingerprint": fp,
				"protocol":             mode.name,
			},
		})
		return nil, fail(CodeDeviceMismatch, "device not authorized, fingerprint does not match").
			withAction(mode.mismatchAction), nil
	}

	var loc *models.Location
	if b.LocationID != "" {
		loc, err = e.locations.GetByID(ctx, b.LocationID)
		if err != nil {
			return nil, nil, fmt.Errorf("loading location: %w", err)
		}
		if mode.checkLocation && b.IsActive && (loc == nil || !loc.Active) {
			name := b.LocationName
			if loc != nil {
				name = loc.Name
			}
			return nil, fail(CodeLocationInactive, fmt.Sprintf("location %q has been deactivated", name)).
				withAction(ActionStopOperation), nil
		}
	}

	lic, err := e.loadLicense(ctx, b.LicenseID)
	if err != nil {
		return nil, nil, err
	}
	v := e.policy.IsValid(lic, e.now())
	if !v.Valid {
		e.audit.LogEvent(ctx, audit.Event{
			Type:      audit.ValidationFailed,
			Message:   fmt.Sprintf("%s rejected: %s", mode.name, v.Reason),
			LicenseID: lic.ID,
			DeviceID:  dev.ID,
			IP:        req.IP,
			UserAgent: req.UserAgent,
		})
		return nil, fail(mode.invalidCode, v.Reason).withAction(mode.invalidAction), nil
	}

	if !b.IsActive {
		return nil, unknown, nil
	}
	return &checked{binding: b, license: lic, device: dev, location: loc, validity: v}, nil, nil
}

// Validate is the kiosk's startup check.
func (e *Engine) Validate(ctx context.Context, req CheckRequest) (*Validation, *Failure, error) {
	c, f, err := e.check(ctx, req, validateMode)
	if f != nil || err != nil {
		return nil, f, err
	}

	now := e.now().UTC()
	if err := e.devices.Touch(ctx, c.device.ID, req.IP); err != nil {
		return nil, nil, err
	}
	if err := e.licenses.TouchValidated(ctx, c.license.ID, now); err != nil {
		return nil, nil, err
	}

	s, err := e.snapshot(ctx, c.license, c.binding, c.location)
	if err != nil {
		return nil, nil, err
	}
	inGrace := c.validity.InGrace
	s.license.DaysRemaining = license.DaysRemaining(c.license, now)
	s.license.InGrace = &inGrace

	return &Validation{
		License:  s.license,
		Device:   deviceInfo(c.device),
		Client:   s.client,
		Branch:   s.branch,
		Location: s.location,
	}, nil, nil
}

// Heartbeat records that a kiosk is alive and reports its license health.
func (e *Engine) Heartbeat(ctx context.Context, req CheckRequest) (*Heartbeat, *Failure, error) {
	c, f, err := e.check(ctx, req, heartbeatMode)
	if f != nil || err != nil {
		return nil, f, err
	}

	now := e.now().UTC()
	count, err := e.bindings.RecordHeartbeat(ctx, c.binding.ID, req.IP, now)
	if err != nil {
		return nil, nil, err
	}
	if err := e.licenses.TouchValidated(ctx, c.license.ID, now); err != nil {
		return nil, nil, err
	}
	if err := e.devices.Touch(ctx, c.device.ID, req.IP); err != nil {
		return nil, nil, err
	}

	if count%heartbeatAuditEvery == 0 {
		e.audit.LogEvent(ctx, audit.Event{
			Type:      audit.HeartbeatReceived,
			Message:   fmt.Sprintf("heartbeat #%d", count),
			LicenseID: c.license.ID,
			DeviceID:  c.device.ID,
			IP:        req.IP,
			Data:      map[string]any{"heartbeat_count": count},
		})
	}

	days := license.DaysRemaining(c.license, now)
	var warnings []string
	if days != nil && *days > 0 && *days <= 7 {
		warnings = append(warnings, fmt.Sprintf("license expires in %d days", *days))
	}
	if c.validity.InGrace {
		warnings = append(warnings, "license is in its grace period, renew soon")
	}

	return &Heartbeat{
		NextHeartbeat: e.cfg.HeartbeatInterval,
		Status: LicenseStatus{
			IsValid:       true,
			IsExpired:     license.IsExpired(c.license, now),
			InGrace:       c.validity.InGrace,
			DaysRemaining: days,
		},
		Warnings:       warnings,
		HeartbeatCount: count,
	}, nil, nil
}
