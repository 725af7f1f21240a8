package binding

import (
	"context"
	"time"

	"github.com/kioskguard/kioskguard/internal/database/models"
)

// ShouldAlert reports whether an active binding has missed at least
// maxMissed consecutive heartbeats.
func ShouldAlert(b *models.Binding, maxMissed int) bool {
	return b.IsActive && b.MissedHeartbeats >= maxMissed
}

// MinutesSinceLastHeartbeat returns whole minutes since the last
// heartbeat, or nil if the binding never sent one.
func MinutesSinceLastHeartbeat(b *models.Binding, now time.Time) *int {
	if b.LastHeartbeatAt == nil {
		return nil
	}
	m := int(now.Sub(*b.LastHeartbeatAt) / time.Minute)
	return &m
}

// IsHeartbeatLate reports whether more than threshold has passed since the
// last heartbeat. A binding that never sent one is late.
func IsHeartbeatLate(b *models.Binding, threshold time.Duration, now time.Time) bool {
	m := MinutesSinceLastHeartbeat(b, now)
	if m == nil {
		return true
	}
	return time.Duration(*m)*time.Minute > threshold
}

// Health is an active binding annotated with heartbeat health.
type Health struct {
	models.Binding
	ShouldAlert               bool
	HeartbeatLate             bool
	MinutesSinceLastHeartbeat *int
}

// ActiveBindings lists every active binding with its heartbeat health.
func (e *Engine) ActiveBindings(ctx context.Context) ([]Health, error) {
	bindings, err := e.bindings.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	now := e.now()
	out := make([]Health, 0, len(bindings))
	for i := range bindings {
		b := &bindings[i]
		out = append(out, Health{
			Binding:                   *b,
			ShouldAlert:               ShouldAlert(b, e.cfg.MaxMissedHeartbeats),
			HeartbeatLate:             IsHeartbeatLate(b, e.cfg.HeartbeatLateAfter, now),
			MinutesSinceLastHeartbeat: MinutesSinceLastHeartbeat(b, now),
		})
	}
	return out, nil
}

// CountLate returns the number of active bindings whose heartbeat is late.
func (e *Engine) CountLate(ctx context.Context) (int, error) {
	health, err := e.ActiveBindings(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, h := range health {
		if h.HeartbeatLate {
			n++
		}
	}
	return n, nil
}
