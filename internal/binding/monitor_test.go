package binding

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kioskguard/kioskguard/internal/alert"
	"github.com/kioskguard/kioskguard/internal/audit"
	"github.com/kioskguard/kioskguard/internal/database/models"
)

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (r *recordingNotifier) Notify(_ context.Context, a alert.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func TestHeartbeatHealthHelpers(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	last := now.Add(-12*time.Minute - 30*time.Second)

	never := &models.Binding{IsActive: true}
	if MinutesSinceLastHeartbeat(never, now) != nil {
		t.Error("MinutesSinceLastHeartbeat() without heartbeat should be nil")
	}
	if !IsHeartbeatLate(never, 10*time.Minute, now) {
		t.Error("binding without heartbeat should be late")
	}

	b := &models.Binding{IsActive: true, LastHeartbeatAt: &last, MissedHeartbeats: 5}
	if m := MinutesSinceLastHeartbeat(b, now); m == nil || *m != 12 {
		t.Errorf("MinutesSinceLastHeartbeat() = %v, want 12", m)
	}
	if !IsHeartbeatLate(b, 10*time.Minute, now) {
		t.Error("12 minutes should be late with a 10 minute threshold")
	}
	if IsHeartbeatLate(b, 12*time.Minute, now) {
		t.Error("12 minutes should not be late with a 12 minute threshold")
	}

	tests := []struct {
		name   string
		active bool
		missed int
		want   bool
	}{
		{"below threshold", true, 4, false},
		{"at threshold", true, 5, true},
		{"above threshold", true, 9, true},
		{"inactive", false, 9, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &models.Binding{IsActive: tt.active, MissedHeartbeats: tt.missed}
			if got := ShouldAlert(b, 5); got != tt.want {
				t.Errorf("ShouldAlert() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMonitorSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fp := testFingerprint(t, "kiosk-a")
	l := f.license(t, models.LicenseTypePerpetual)
	a := f.activate(t, l.LicenseKey, fp)

	notifier := &recordingNotifier{}
	mon := NewMonitor(f.engine, notifier, time.Minute)

	f.advance(12 * time.Minute)
	if n, err := mon.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("Sweep() = %d, %v, want 0 flagged", n, err)
	}
	b, _ := f.engine.Binding(ctx, l.ID)
	if b.MissedHeartbeats != 2 {
		t.Errorf("missed = %d, want 2", b.MissedHeartbeats)
	}

	f.advance(14 * time.Minute)
	if n, err := mon.Sweep(ctx); err != nil || n != 1 {
		t.Fatalf("Sweep() = %d, %v, want 1 flagged", n, err)
	}
	f.advance(5 * time.Minute)
	if n, err := mon.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("repeat Sweep() = %d, %v, want 0 flagged", n, err)
	}

	if len(notifier.alerts) != 1 || notifier.alerts[0].LicenseID != l.ID {
		t.Errorf("alerts = %+v, want one for the license", notifier.alerts)
	}
	if n := countEvents(t, f, l.ID, audit.HeartbeatMissed); n != 1 {
		t.Errorf("heartbeat_missed events = %d, want 1", n)
	}

	health, err := f.engine.ActiveBindings(ctx)
	if err != nil {
		t.Fatalf("ActiveBindings() error: %v", err)
	}
	if len(health) != 1 || !health[0].ShouldAlert || !health[0].HeartbeatLate {
		t.Errorf("health = %+v", health)
	}

	// A heartbeat clears the counter and the binding was never deactivated.
	if _, fl, err := f.engine.Heartbeat(ctx, CheckRequest{Fingerprint: fp, ActivationCode: a.ActivationCode}); err != nil || fl != nil {
		t.Fatalf("Heartbeat() = %v, %v", fl, err)
	}
	b, _ = f.engine.Binding(ctx, l.ID)
	if !b.IsActive || b.MissedHeartbeats != 0 {
		t.Errorf("binding after heartbeat = active %v missed %d", b.IsActive, b.MissedHeartbeats)
	}
	late, err := f.engine.CountLate(ctx)
	if err != nil || late != 0 {
		t.Errorf("CountLate() = %d, %v, want 0", late, err)
	}
}

func TestMonitorRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewMonitor(f.engine, nil, 10*time.Millisecond).Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
