// Package binding enforces the one-license-to-one-device invariant. It
// implements the activate, validate and heartbeat protocol that kiosks
// speak, plus the operator-driven transfer, release and revoke operations.
//
// The storage layer's uniqueness constraints are the real arbiter of
// concurrent activations: a constraint violation is read back and turned
// into the outcome a sequential caller would have seen.
package binding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kioskguard/kioskguard/internal/audit"
	"github.com/kioskguard/kioskguard/internal/database"
	"github.com/kioskguard/kioskguard/internal/database/models"
	"github.com/kioskguard/kioskguard/internal/device"
	"github.com/kioskguard/kioskguard/internal/fingerprint"
	"github.com/kioskguard/kioskguard/internal/license"
)

// ErrNotBound is returned when a license has no active binding.
var ErrNotBound = errors.New("license is not bound to a device")

// ErrFingerprintMismatch is returned when a transfer names the wrong
// current device.
var ErrFingerprintMismatch = errors.New("license is bound to a different device")

// ErrDeviceBound is returned when the target device already holds a license.
var ErrDeviceBound = errors.New("device already holds an active license")

// ErrDeviceNotAllowed is returned when the target device is denylisted or
// flagged.
var ErrDeviceNotAllowed = errors.New("device is not allowed to hold a license")

// ErrLicenseInvalid is returned when an operation needs a valid license.
var ErrLicenseInvalid = errors.New("license is not valid")

// LocationLookup resolves a physical location by id. A nil location
// means it does not exist.
type LocationLookup interface {
	GetByID(ctx context.Context, id string) (*models.Location, error)
}

// Config holds the heartbeat policy.
type Config struct {
	HeartbeatInterval   time.Duration
	MaxMissedHeartbeats int
	HeartbeatLateAfter  time.Duration
}

// DefaultConfig is the heartbeat policy used when none is configured.
var DefaultConfig = Config{
	HeartbeatInterval:   5 * time.Minute,
	MaxMissedHeartbeats: 5,
	HeartbeatLateAfter:  10 * time.Minute,
}

// heartbeatAuditEvery bounds audit volume: only every Nth heartbeat is
// recorded.
const heartbeatAuditEvery = 10

// Deps are the collaborators of an Engine.
type Deps struct {
	Bindings  database.BindingRepository
	Licenses  database.LicenseRepository
	Clients   database.ClientRepository
	Branches  database.BranchRepository
	Locations LocationLookup
	Manager   *license.Manager
	Devices   *device.Registry
	Audit     audit.Logger
	Tokens    *TokenSigner
	Now       func() time.Time
	Config    Config
}

// Engine orchestrates license, device and audit state for the binding
// protocol.
type Engine struct {
	bindings  database.BindingRepository
	licenses  database.LicenseRepository
	clients   database.ClientRepository
	branches  database.BranchRepository
	locations LocationLookup
	manager   *license.Manager
	devices   *device.Registry
	audit     audit.Logger
	tokens    *TokenSigner
	policy    license.Policy
	cfg       Config
	now       func() time.Time
	logger    *slog.Logger
}

// NewEngine creates an Engine from deps.
func NewEngine(deps Deps) *Engine {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	cfg := deps.Config
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig.HeartbeatInterval
	}
	if cfg.MaxMissedHeartbeats <= 0 {
		cfg.MaxMissedHeartbeats = DefaultConfig.MaxMissedHeartbeats
	}
	if cfg.HeartbeatLateAfter <= 0 {
		cfg.HeartbeatLateAfter = DefaultConfig.HeartbeatLateAfter
	}
	return &Engine{
		bindings:  deps.Bindings,
		licenses:  deps.Licenses,
		clients:   deps.Clients,
		branches:  deps.Branches,
		locations: deps.Locations,
		manager:   deps.Manager,
		devices:   deps.Devices,
		audit:     deps.Audit,
		tokens:    deps.Tokens,
		policy:    deps.Manager.Policy(),
		cfg:       cfg,
		now:       now,
		logger:    slog.Default().With("subsystem", "binding"),
	}
}

// Config returns the heartbeat policy in force.
func (e *Engine) Config() Config {
	return e.cfg
}

// snapshot assembles the license, owner and location sections shared by
// activation and validation responses.
type snapshot struct {
	license  LicenseInfo
	client   OwnerInfo
	branch   OwnerInfo
	location *LocationInfo
}

func (e *Engine) snapshot(ctx context.Context, l *models.License, b *models.Binding, loc *models.Location) (*snapshot, error) {
	s := &snapshot{
		license: LicenseInfo{
			ID:         l.ID,
			Key:        l.LicenseKey,
			Type:       l.Type,
			Status:     l.Status,
			ExpiryDate: l.ExpiryDate,
		},
		client: OwnerInfo{ID: l.ClientID},
		branch: OwnerInfo{ID: l.BranchID},
	}

	client, err := e.clients.GetByID(ctx, l.ClientID)
	if err != nil {
		return nil, err
	}
	if client != nil {
		s.client.Name = client.Name
	}
	branch, err := e.branches.GetByID(ctx, l.BranchID)
	if err != nil {
		return nil, err
	}
	if branch != nil {
		s.branch.Name = branch.Name
	}

	if b.LocationID != "" {
		if loc == nil || loc.ID != b.LocationID {
			loc, err = e.locations.GetByID(ctx, b.LocationID)
			if err != nil {
				return nil, err
			}
		}
		if loc != nil {
			s.location = &LocationInfo{ID: loc.ID, Name: loc.Name, Address: loc.Address, Active: loc.Active}
		} else {
			s.location = &LocationInfo{ID: b.LocationID, Name: b.LocationName}
		}
	}
	return s, nil
}

func deviceInfo(d *models.Device) DeviceInfo {
	return DeviceInfo{ID: d.ID, Fingerprint: d.Fingerprint, Name: d.Name}
}

// deviceRef is an opaque, stable reference to a device that reveals
// nothing about its fingerprint.
func deviceRef(deviceID string) string {
	return "dev_" + fingerprint.HashHex(deviceID)[:12]
}

func (e *Engine) loadLicense(ctx context.Context, id string) (*models.License, error) {
	l, err := e.licenses.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, fmt.Errorf("binding references missing license %s", id)
	}
	return l, nil
}
