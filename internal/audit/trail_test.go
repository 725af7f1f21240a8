package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kioskguard/kioskguard/internal/alert"
	"github.com/kioskguard/kioskguard/internal/database/models"
)

// fakeRepo is an in-memory AuditRepository.
type fakeRepo struct {
	mu      sync.Mutex
	entries []models.AuditLogEntry
	err     error
}

func (f *fakeRepo) Create(_ context.Context, e *models.AuditLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	e.ID = "entry-" + string(rune('a'+len(f.entries)))
	f.entries = append(f.entries, *e)
	return nil
}

func (f *fakeRepo) filter(limit int, keep func(models.AuditLogEntry) bool) []models.AuditLogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.AuditLogEntry
	for i := len(f.entries) - 1; i >= 0; i-- {
		if keep(f.entries[i]) {
			out = append(out, f.entries[i])
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (f *fakeRepo) ListRecent(_ context.Context, limit int) ([]models.AuditLogEntry, error) {
	return f.filter(limit, func(models.AuditLogEntry) bool { return true }), nil
}

func (f *fakeRepo) ListByLicense(_ context.Context, id string, limit int) ([]models.AuditLogEntry, error) {
	return f.filter(limit, func(e models.AuditLogEntry) bool { return e.LicenseID == id }), nil
}

func (f *fakeRepo) ListByDevice(_ context.Context, id string, limit int) ([]models.AuditLogEntry, error) {
	return f.filter(limit, func(e models.AuditLogEntry) bool { return e.DeviceID == id }), nil
}

func (f *fakeRepo) ListBySeverity(_ context.Context, sev string, limit int) ([]models.AuditLogEntry, error) {
	return f.filter(limit, func(e models.AuditLogEntry) bool { return e.Severity == sev }), nil
}

func (f *fakeRepo) ListByType(_ context.Context, typ string, limit int) ([]models.AuditLogEntry, error) {
	return f.filter(limit, func(e models.AuditLogEntry) bool { return e.EventType == typ }), nil
}

func (f *fakeRepo) count(key func(models.AuditLogEntry) string) map[string]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int64)
	for _, e := range f.entries {
		out[key(e)]++
	}
	return out
}

func (f *fakeRepo) CountBySeverity(context.Context) (map[string]int64, error) {
	return f.count(func(e models.AuditLogEntry) string { return e.Severity }), nil
}

func (f *fakeRepo) CountByType(context.Context) (map[string]int64, error) {
	return f.count(func(e models.AuditLogEntry) string { return e.EventType }), nil
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []alert.Alert
}

func (r *recordingNotifier) Notify(_ context.Context, a alert.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, a)
	return nil
}

type recordingPublisher struct {
	mu  sync.Mutex
	got []models.AuditLogEntry
	err error
}

func (r *recordingPublisher) Publish(_ context.Context, e models.AuditLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, e)
	return r.err
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestLogEventDefaults(t *testing.T) {
	repo := &fakeRepo{}
	trail := NewTrail(repo, WithClock(func() time.Time { return fixedNow }))

	trail.LogEvent(context.Background(), Event{
		Type:      CloningAttempt,
		Message:   "license presented by a second device",
		LicenseID: "lic-1",
		Data:      map[string]any{"attempted": "abcd1234..."},
	})
	trail.LogEvent(context.Background(), Event{Type: LicenseCreated, Message: "created"})

	if len(repo.entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(repo.entries))
	}
	cloning := repo.entries[0]
	if cloning.Severity != models.SeverityCritical {
		t.Errorf("cloning severity = %q, want critical", cloning.Severity)
	}
	if !cloning.CreatedAt.Equal(fixedNow) {
		t.Errorf("created_at = %v, want %v", cloning.CreatedAt, fixedNow)
	}
	var data map[string]string
	if err := json.Unmarshal([]byte(cloning.EventData), &data); err != nil {
		t.Fatalf("event data is not JSON: %v", err)
	}
	if data["attempted"] != "abcd1234..." {
		t.Errorf("event data = %v", data)
	}

	created := repo.entries[1]
	if created.Severity != models.SeverityInfo {
		t.Errorf("created severity = %q, want info", created.Severity)
	}
	if created.EventData != "{}" {
		t.Errorf("empty event data = %q, want {}", created.EventData)
	}
}

func TestLogEventExplicitSeverity(t *testing.T) {
	repo := &fakeRepo{}
	trail := NewTrail(repo)
	trail.LogEvent(context.Background(), Event{Type: AdminAction, Severity: models.SeverityError, Message: "x"})
	if repo.entries[0].Severity != models.SeverityError {
		t.Errorf("severity = %q, want error", repo.entries[0].Severity)
	}
}

func TestLogEventRepoFailureIsSwallowed(t *testing.T) {
	repo := &fakeRepo{err: errors.New("disk full")}
	pub := &recordingPublisher{}
	trail := NewTrail(repo, WithPublisher(pub))

	trail.LogEvent(context.Background(), Event{Type: LicenseActivated, Message: "ok"})
	trail.Close()

	if len(pub.got) != 0 {
		t.Errorf("published %d entries after failed persist, want 0", len(pub.got))
	}
}

func TestLogEventSurvivesCancelledContext(t *testing.T) {
	repo := &fakeRepo{}
	trail := NewTrail(repo)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	trail.LogEvent(ctx, Event{Type: HeartbeatReceived, Message: "hb"})

	if len(repo.entries) != 1 {
		t.Errorf("entries = %d, want 1", len(repo.entries))
	}
}

func TestCriticalEventsAlertAndPublish(t *testing.T) {
	repo := &fakeRepo{}
	n := &recordingNotifier{}
	pub := &recordingPublisher{err: errors.New("broker down")}
	trail := NewTrail(repo, WithNotifier(n), WithPublisher(pub))

	trail.LogEvent(context.Background(), Event{Type: RootedDevice, Message: "rooted", DeviceID: "dev-1"})
	trail.LogEvent(context.Background(), Event{Type: HeartbeatReceived, Message: "hb"})
	trail.Close()

	if len(n.got) != 1 {
		t.Fatalf("alerts = %d, want 1", len(n.got))
	}
	if n.got[0].EventType != RootedDevice || n.got[0].DeviceID != "dev-1" {
		t.Errorf("alert = %+v", n.got[0])
	}
	if len(pub.got) != 2 {
		t.Errorf("published = %d, want 2", len(pub.got))
	}
}

func TestQueries(t *testing.T) {
	repo := &fakeRepo{}
	trail := NewTrail(repo)
	ctx := context.Background()

	trail.LogEvent(ctx, Event{Type: CloningAttempt, Message: "c1", LicenseID: "lic-1"})
	trail.LogEvent(ctx, Event{Type: EmulatorDetected, Message: "e1", DeviceID: "dev-2"})
	trail.LogEvent(ctx, Event{Type: LicenseActivated, Message: "a1", LicenseID: "lic-1", DeviceID: "dev-1"})
	trail.LogEvent(ctx, Event{Type: CloningAttempt, Message: "c2", LicenseID: "lic-2"})

	byLicense, _ := trail.ByLicense(ctx, "lic-1", 0)
	if len(byLicense) != 2 {
		t.Errorf("ByLicense = %d entries, want 2", len(byLicense))
	}
	critical, _ := trail.Critical(ctx, 0)
	if len(critical) != 3 {
		t.Errorf("Critical = %d entries, want 3", len(critical))
	}
	cloning, _ := trail.CloningAttempts(ctx, 0)
	if len(cloning) != 2 || cloning[0].Message != "c2" {
		t.Errorf("CloningAttempts = %+v, want newest first", cloning)
	}

	stats, err := trail.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error: %v", err)
	}
	if stats.Total != 4 {
		t.Errorf("Total = %d, want 4", stats.Total)
	}
	if stats.SecurityThreats.CloningAttempts != 2 || stats.SecurityThreats.EmulatorsBlocked != 1 {
		t.Errorf("SecurityThreats = %+v", stats.SecurityThreats)
	}
	if stats.BySeverity[models.SeverityCritical] != 3 {
		t.Errorf("BySeverity[critical] = %d, want 3", stats.BySeverity[models.SeverityCritical])
	}
}
