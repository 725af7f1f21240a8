// Package audit is the append-only security and lifecycle event log.
// LogEvent is the single write path; a failed write is logged and
// swallowed so that auditing can never fail the operation being audited.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/kioskguard/kioskguard/internal/alert"
	"github.com/kioskguard/kioskguard/internal/database"
	"github.com/kioskguard/kioskguard/internal/database/models"
)

// Event types.
const (
	LicenseCreated      = "license_created"
	LicenseActivated    = "license_activated"
	LicenseRenewed      = "license_renewed"
	LicenseRevoked      = "license_revoked"
	LicenseExpired      = "license_expired"
	LicenseTransferred  = "license_transferred"
	LicenseReleased     = "license_released"
	DeviceRegistered    = "device_registered"
	DeviceBlacklisted   = "device_blacklisted"
	DeviceUnblacklisted = "device_unblacklisted"
	CloningAttempt      = "cloning_attempt"
	RootedDevice        = "rooted_device_detected"
	EmulatorDetected    = "emulator_detected"
	SuspiciousPrint     = "suspicious_fingerprint"
	ActivationFailed    = "activation_failed"
	InvalidLicenseKey   = "invalid_license_key"
	LocationUpdated     = "location_updated"
	HeartbeatReceived   = "heartbeat_received"
	HeartbeatMissed     = "heartbeat_missed"
	ValidationFailed    = "validation_failed"
	AdminAction         = "admin_action"
)

// defaultSeverity maps event types to the severity used when an Event
// does not name one.
var defaultSeverity = map[string]string{
	CloningAttempt:     models.SeverityCritical,
	RootedDevice:       models.SeverityCritical,
	EmulatorDetected:   models.SeverityCritical,
	LicenseRevoked:     models.SeverityWarning,
	LicenseTransferred: models.SeverityWarning,
	DeviceBlacklisted:  models.SeverityWarning,
	ActivationFailed:   models.SeverityWarning,
	InvalidLicenseKey:  models.SeverityWarning,
	SuspiciousPrint:    models.SeverityWarning,
	HeartbeatMissed:    models.SeverityWarning,
	ValidationFailed:   models.SeverityWarning,
}

// SeverityFor returns the default severity of an event type.
func SeverityFor(eventType string) string {
	if s, ok := defaultSeverity[eventType]; ok {
		return s
	}
	return models.SeverityInfo
}

// Event is one audit record before persistence.
type Event struct {
	Type       string
	Severity   string // defaults to SeverityFor(Type)
	Message    string
	LicenseID  string
	DeviceID   string
	Data       map[string]any
	IP         string
	UserAgent  string
	AdminEmail string
}

// Logger is the write side of the trail, accepted by every component that
// records events.
type Logger interface {
	LogEvent(ctx context.Context, ev Event)
}

// Publisher streams persisted entries to an external consumer.
type Publisher interface {
	Publish(ctx context.Context, entry models.AuditLogEntry) error
}

// deliveryTimeout bounds each asynchronous publish or alert.
const deliveryTimeout = 5 * time.Second

// Trail persists events and answers audit queries.
type Trail struct {
	repo      database.AuditRepository
	publisher Publisher
	notifier  alert.Notifier
	now       func() time.Time

	wg sync.WaitGroup
}

// Option configures a Trail.
type Option func(*Trail)

// WithPublisher streams every persisted entry to p.
func WithPublisher(p Publisher) Option {
	return func(t *Trail) { t.publisher = p }
}

// WithNotifier sends an operator alert for every critical entry.
func WithNotifier(n alert.Notifier) Option {
	return func(t *Trail) { t.notifier = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Trail) { t.now = now }
}

// NewTrail creates a Trail backed by repo.
func NewTrail(repo database.AuditRepository, opts ...Option) *Trail {
	t := &Trail{repo: repo, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// LogEvent records ev. Failures are logged, never returned.
func (t *Trail) LogEvent(ctx context.Context, ev Event) {
	entry := models.AuditLogEntry{
		EventType:  ev.Type,
		Severity:   ev.Severity,
		Message:    ev.Message,
		LicenseID:  ev.LicenseID,
		DeviceID:   ev.DeviceID,
		EventData:  "{}",
		IPAddress:  ev.IP,
		UserAgent:  ev.UserAgent,
		AdminEmail: ev.AdminEmail,
		CreatedAt:  t.now().UTC(),
	}
	if entry.Severity == "" {
		entry.Severity = SeverityFor(ev.Type)
	}
	if len(ev.Data) > 0 {
		if b, err := json.Marshal(ev.Data); err == nil {
			entry.EventData = string(b)
		} else {
			slog.Warn("audit: encoding event data", "event_type", ev.Type, "error", err)
		}
	}

	mirror(ctx, entry)

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
	defer cancel()
	if err := t.repo.Create(pctx, &entry); err != nil {
		slog.Error("audit: persisting event", "event_type", entry.EventType, "error", err)
		return
	}

	if t.publisher != nil {
		t.deliver(ctx, func(ctx context.Context) {
			if err := t.publisher.Publish(ctx, entry); err != nil {
				slog.Warn("audit: publishing event", "event_type", entry.EventType, "error", err)
			}
		})
	}
	if t.notifier != nil && entry.Severity == models.SeverityCritical {
		t.deliver(ctx, func(ctx context.Context) {
			if err := t.notifier.Notify(ctx, alertFor(entry)); err != nil {
				slog.Warn("audit: sending alert", "event_type", entry.EventType, "error", err)
			}
		})
	}
}

// Close waits for in-flight publishes and alerts to finish.
func (t *Trail) Close() {
	t.wg.Wait()
}

func (t *Trail) deliver(ctx context.Context, fn func(ctx context.Context)) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func alertFor(e models.AuditLogEntry) alert.Alert {
	return alert.Alert{
		Title:     "Security event: " + e.EventType,
		Body:      e.Message,
		Severity:  e.Severity,
		EventType: e.EventType,
		LicenseID: e.LicenseID,
		DeviceID:  e.DeviceID,
		Time:      e.CreatedAt,
	}
}

func mirror(ctx context.Context, e models.AuditLogEntry) {
	level := slog.LevelInfo
	switch e.Severity {
	case models.SeverityWarning:
		level = slog.LevelWarn
	case models.SeverityError, models.SeverityCritical:
		level = slog.LevelError
	}
	slog.Log(ctx, level, "audit event",
		"event_type", e.EventType,
		"severity", e.Severity,
		"message", e.Message,
		"license_id", e.LicenseID,
		"device_id", e.DeviceID,
		"ip", e.IPAddress,
	)
}
