package binding

import (
	"context"
	"fmt"

	"github.com/kioskguard/kioskguard/internal/audit"
	"github.com/kioskguard/kioskguard/internal/database"
	"github.com/kioskguard/kioskguard/internal/database/models"
	"github.com/kioskguard/kioskguard/internal/device"
	"github.com/kioskguard/kioskguard/internal/fingerprint"
)

// Transfer moves a license from the device with fingerprint oldFP to the
// device with fingerprint newFP. The license keeps its single binding row;
// the old activation code stops working immediately.
func (e *Engine) Transfer(ctx context.Context, licenseID, oldFP, newFP, reason, actor string) (*Activation, error) {
	if !fingerprint.IsWellFormed(oldFP) || !fingerprint.IsWellFormed(newFP) {
		return nil, device.ErrInvalidFingerprint
	}
	if suspicious, _ := fingerprint.DetectSuspicious(newFP); suspicious {
		return nil, device.ErrInvalidFingerprint
	}
	newFP = fingerprint.Normalize(newFP)

	lic, err := e.manager.Get(ctx, licenseID)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	if v := e.policy.IsValid(lic, now); !v.Valid {
		return nil, fmt.Errorf("%w: %s", ErrLicenseInvalid, v.Reason)
	}

	b, err := e.bindings.GetByLicenseID(ctx, lic.ID)
	if err != nil {
		return nil, err
	}
	if b == nil || !b.IsActive {
		return nil, ErrNotBound
	}
	oldDev, err := e.devices.Get(ctx, b.DeviceID)
	if err != nil {
		return nil, err
	}
	if !fingerprint.Equal(oldDev.Fingerprint, oldFP) {
		return nil, ErrFingerprintMismatch
	}
	if fingerprint.Equal(oldFP, newFP) {
		return nil, fmt.Errorf("%w: source and target are the same device", ErrDeviceBound)
	}

	verdict, err := e.devices.CanActivate(ctx, newFP)
	if err != nil {
		return nil, err
	}
	if !verdict.OK {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotAllowed, verdict.Reason)
	}
	newDev, err := e.devices.RegisterOrUpdate(ctx, newFP, device.Descriptors{}, "")
	if err != nil {
		return nil, err
	}
	other, err := e.bindings.GetActiveByDeviceID(ctx, newDev.ID)
	if err != nil {
		return nil, err
	}
	if other != nil {
		return nil, ErrDeviceBound
	}

	var loc *models.Location
	if b.LocationID != "" {
		if loc, err = e.locations.GetByID(ctx, b.LocationID); err != nil {
			return nil, err
		}
	}
	next, err := e.newBinding(lic, newDev, nil, "", now)
	if err != nil {
		return nil, err
	}
	next.ID = b.ID
	next.CreatedAt = b.CreatedAt
	next.LocationID, next.LocationName = b.LocationID, b.LocationName

	ok, err := e.bindings.Rebind(ctx, next, oldDev.ID, true)
	if database.IsUniqueViolation(err) {
		return nil, ErrDeviceBound
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: binding changed during transfer", ErrFingerprintMismatch)
	}
	e.devices.RecordActivation(ctx, newDev.ID, true)

	e.audit.LogEvent(ctx, audit.Event{
		Type:       audit.LicenseTransferred,
		Message:    fmt.Sprintf("license %s transferred: %s", lic.LicenseKey, reason),
		LicenseID:  lic.ID,
		DeviceID:   newDev.ID,
		AdminEmail: actor,
		Data: map[string]any{
			"binding_id":      b.ID,
			"old_device_id":   oldDev.ID,
			"old_fingerprint": oldDev.Fingerprint,
			"new_fingerprint": newDev.Fingerprint,
			"reason":          reason,
		},
	})
	e.logger.Info("license transferred", "license_id", lic.ID, "from_device", oldDev.ID, "to_device", newDev.ID)

	a, _, err := e.activation(ctx, lic, newDev, next, loc, false)
	return a, err
}

// Release deactivates the license's binding so that any eligible device
// can activate it again.
func (e *Engine) Release(ctx context.Context, licenseID, reason, actor string) error {
	lic, err := e.manager.Get(ctx, licenseID)
	if err != nil {
		return err
	}
	b, err := e.bindings.GetByLicenseID(ctx, lic.ID)
	if err != nil {
		return err
	}
	if b == nil || !b.IsActive {
		return ErrNotBound
	}
	if err := e.bindings.Deactivate(ctx, b.ID, reason, e.now()); err != nil {
		return err
	}

	e.audit.LogEvent(ctx, audit.Event{
		Type:       audit.LicenseReleased,
		Message:    fmt.Sprintf("license %s released: %s", lic.LicenseKey, reason),
		LicenseID:  lic.ID,
		DeviceID:   b.DeviceID,
		AdminEmail: actor,
		Data:       map[string]any{"binding_id": b.ID, "reason": reason},
	})
	return nil
}

// Revoke revokes the license and deactivates its binding.
func (e *Engine) Revoke(ctx context.Context, licenseID, reason, actor string) (*models.License, error) {
	lic, err := e.manager.Revoke(ctx, licenseID, reason, actor)
	if err != nil {
		return nil, err
	}
	b, err := e.bindings.GetByLicenseID(ctx, lic.ID)
	if err != nil {
		return nil, err
	}
	if b != nil && b.IsActive {
		if err := e.bindings.Deactivate(ctx, b.ID, "revoked: "+reason, e.now()); err != nil {
			return nil, err
		}
	}
	return lic, nil
}

// Binding returns the license's binding, active or not, or nil.
func (e *Engine) Binding(ctx context.Context, licenseID string) (*models.Binding, error) {
	return e.bindings.GetByLicenseID(ctx, licenseID)
}
