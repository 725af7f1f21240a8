package binding

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kioskguard/kioskguard/internal/alert"
	"github.com/kioskguard/kioskguard/internal/audit"
	"github.com/kioskguard/kioskguard/internal/database/models"
)

// Monitor periodically recomputes missed heartbeats for active bindings
// and alerts operators about kiosks that went silent. It never
// deactivates a binding.
type Monitor struct {
	engine   *Engine
	notifier alert.Notifier
	interval time.Duration
}

// NewMonitor creates a Monitor that sweeps every interval. notifier may be
// nil.
func NewMonitor(engine *Engine, notifier alert.Notifier, interval time.Duration) *Monitor {
	return &Monitor{engine: engine, notifier: notifier, interval: interval}
}

// Run sweeps until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			flagged, err := m.Sweep(ctx)
			if err != nil {
				slog.Error("heartbeat sweep failed", "error", err)
				continue
			}
			if flagged > 0 {
				slog.Warn("bindings missed heartbeats", "newly_flagged", flagged)
			}
		}
	}
}

// Sweep updates the missed-heartbeat counter of every active binding and
// returns how many crossed the alert threshold during this sweep.
func (m *Monitor) Sweep(ctx context.Context) (int, error) {
	e := m.engine
	bindings, err := e.bindings.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing active bindings: %w", err)
	}

	now := e.now().UTC()
	flagged := 0
	for i := range bindings {
		b := &bindings[i]
		missed := missedHeartbeats(b, e.cfg.HeartbeatInterval, now)
		if missed == b.MissedHeartbeats {
			continue
		}
		wasAlerting := ShouldAlert(b, e.cfg.MaxMissedHeartbeats)
		if err := e.bindings.SetMissedHeartbeats(ctx, b.ID, missed, now); err != nil {
			slog.Error("updating missed heartbeats", "binding_id", b.ID, "error", err)
			continue
		}
		b.MissedHeartbeats = missed
		if wasAlerting || !ShouldAlert(b, e.cfg.MaxMissedHeartbeats) {
			continue
		}
		flagged++
		m.flag(ctx, b, now)
	}
	return flagged, nil
}

func (m *Monitor) flag(ctx context.Context, b *models.Binding, now time.Time) {
	msg := fmt.Sprintf("binding %s missed %d consecutive heartbeats", b.ID, b.MissedHeartbeats)
	m.engine.audit.LogEvent(ctx, audit.Event{
		Type:      audit.HeartbeatMissed,
		Message:   msg,
		LicenseID: b.LicenseID,
		DeviceID:  b.DeviceID,
		Data: map[string]any{
			"binding_id":        b.ID,
			"missed_heartbeats": b.MissedHeartbeats,
			"location_name":     b.LocationName,
		},
	})
	if m.notifier == nil {
		return
	}
	err := m.notifier.Notify(ctx, alert.Alert{
		Title:     "Kiosk stopped sending heartbeats",
		Body:      msg,
		Severity:  models.SeverityWarning,
		EventType: audit.HeartbeatMissed,
		LicenseID: b.LicenseID,
		DeviceID:  b.DeviceID,
		Time:      now,
	})
	if err != nil {
		slog.Warn("sending heartbeat alert", "binding_id", b.ID, "error", err)
	}
}

// missedHeartbeats counts whole heartbeat intervals elapsed since the last
// heartbeat, or since activation when there was none.
func missedHeartbeats(b *models.Binding, interval time.Duration, now time.Time) int {
	since := b.ActivatedAt
	if b.LastHeartbeatAt != nil {
		since = *b.LastHeartbeatAt
	}
	elapsed := now.Sub(since)
	if elapsed <= 0 || interval <= 0 {
		return 0
	}
	return int(elapsed / interval)
}
