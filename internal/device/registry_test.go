package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kioskguard/kioskguard/internal/audit"
	"github.com/kioskguard/kioskguard/internal/database"
)

const (
	fpA = "bea790fd292541a6c6e33a284a35c6e71bed0f5f97a57fe4995a6235301dead1"
	fpB = "650ecebadd0f192704715cf50ac03baba28831f2b81a5b61a1648ad17a627f15"
)

type recordingLogger struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingLogger) LogEvent(_ context.Context, ev audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingLogger) count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func newTestRegistry(t *testing.T) (*Registry, *recordingLogger, *time.Time) {
	t.Helper()
	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("database.Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	log := &recordingLogger{}
	reg := NewRegistry(database.NewDeviceRepository(db), database.NewBlacklistRepository(db), log,
		func() time.Time { return clock })
	return reg, log, &clock
}

func TestRegisterOrUpdate(t *testing.T) {
	reg, log, clock := newTestRegistry(t)
	ctx := context.Background()

	d, err := reg.RegisterOrUpdate(ctx, fpA, Descriptors{BuildBrand: "Samsung", IsRooted: true}, "10.0.0.1")
	if err != nil {
		t.Fatalf("RegisterOrUpdate() error: %v", err)
	}
	if d.ID == "" || !d.IsRooted || d.BuildBrand != "Samsung" {
		t.Errorf("device = %+v", d)
	}
	if log.count(audit.DeviceRegistered) != 1 {
		t.Error("expected one device_registered event")
	}

	*clock = clock.Add(time.Hour)
	again, err := reg.RegisterOrUpdate(ctx, fpA, Descriptors{BuildBrand: "Other", BuildModel: "Tab A"}, "10.0.0.2")
	if err != nil {
		t.Fatalf("RegisterOrUpdate() error: %v", err)
	}
	if again.ID != d.ID {
		t.Errorf("ID changed from %s to %s", d.ID, again.ID)
	}
	if !again.IsRooted {
		t.Error("rooted flag was cleared")
	}
	if again.BuildBrand != "Samsung" || again.BuildModel != "Tab A" {
		t.Errorf("descriptors = %q/%q, want Samsung/Tab A", again.BuildBrand, again.BuildModel)
	}
	if again.LastIPAddress != "10.0.0.2" || !again.LastSeenAt.Equal(*clock) {
		t.Errorf("last seen = %s at %v", again.LastIPAddress, again.LastSeenAt)
	}
	if log.count(audit.DeviceRegistered) != 1 {
		t.Error("update emitted a second device_registered event")
	}
}

func TestCanActivate(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	v, err := reg.CanActivate(ctx, fpA)
	if err != nil || !v.OK {
		t.Errorf("unknown device: CanActivate() = %+v, %v; want ok", v, err)
	}

	if _, err := reg.RegisterOrUpdate(ctx, fpA, Descriptors{IsEmulator: true}, ""); err != nil {
		t.Fatalf("RegisterOrUpdate() error: %v", err)
	}
	v, _ = reg.CanActivate(ctx, fpA)
	if v.OK || v.Cause != CauseEmulator {
		t.Errorf("emulator: CanActivate() = %+v", v)
	}
}

func TestBlacklistLifecycle(t *testing.T) {
	reg, log, _ := newTestRegistry(t)
	ctx := context.Background()

	d, err := reg.RegisterOrUpdate(ctx, fpB, Descriptors{BuildBrand: "Lenovo"}, "10.0.0.9")
	if err != nil {
		t.Fatalf("RegisterOrUpdate() error: %v", err)
	}

	entry, err := reg.Blacklist(ctx, fpB, "tampering", "ops@example.com", false, nil)
	if err != nil {
		t.Fatalf("Blacklist() error: %v", err)
	}
	if entry.ViolationCount != 1 || entry.LastSeenIP != "10.0.0.9" {
		t.Errorf("entry = %+v", entry)
	}

	v, _ := reg.CanActivate(ctx, fpB)
	if v.OK || v.Cause != CauseBlacklisted {
		t.Errorf("CanActivate() = %+v, want blacklisted", v)
	}
	flagged, _ := reg.Get(ctx, d.ID)
	if !flagged.IsBlacklisted || flagged.BlacklistReason != "tampering" {
		t.Errorf("device flag not mirrored: %+v", flagged)
	}

	entry, err = reg.Blacklist(ctx, fpB, "repeat offence", "ops@example.com", true, nil)
	if err != nil {
		t.Fatalf("second Blacklist() error: %v", err)
	}
	if entry.ViolationCount != 2 || !entry.IsPermanent {
		t.Errorf("entry after re-blacklist = %+v", entry)
	}

	if err := reg.Unblacklist(ctx, fpB, "ops@example.com"); err != nil {
		t.Fatalf("Unblacklist() error: %v", err)
	}
	if v, _ := reg.CanActivate(ctx, fpB); !v.OK {
		t.Errorf("CanActivate() after unblacklist = %+v", v)
	}
	cleared, _ := reg.Get(ctx, d.ID)
	if cleared.IsBlacklisted {
		t.Error("device flag still set after unblacklist")
	}
	if err := reg.Unblacklist(ctx, fpB, ""); !errors.Is(err, ErrNotBlacklisted) {
		t.Errorf("second Unblacklist() error = %v, want ErrNotBlacklisted", err)
	}

	if log.count(audit.DeviceBlacklisted) != 2 || log.count(audit.DeviceUnblacklisted) != 1 {
		t.Errorf("audit events = %+v", log.events)
	}
}

func TestBlacklistUnknownFingerprint(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Blacklist(ctx, fpA, "leaked", "", true, nil); err != nil {
		t.Fatalf("Blacklist() error: %v", err)
	}
	entries, err := reg.Entries(ctx)
	if err != nil || len(entries) != 1 {
		t.Fatalf("Entries() = %v, %v", entries, err)
	}
	if v, _ := reg.CanActivate(ctx, fpA); v.OK {
		t.Error("blacklisted unknown device allowed")
	}
	if _, err := reg.Blacklist(ctx, "not-a-fingerprint", "x", "", true, nil); !errors.Is(err, ErrInvalidFingerprint) {
		t.Errorf("Blacklist(bad) error = %v, want ErrInvalidFingerprint", err)
	}
}

func TestTemporaryBlacklistExpires(t *testing.T) {
	reg, _, clock := newTestRegistry(t)
	ctx := context.Background()

	until := clock.Add(24 * time.Hour)
	if _, err := reg.Blacklist(ctx, fpA, "cool-off", "", false, &until); err != nil {
		t.Fatalf("Blacklist() error: %v", err)
	}
	if v, _ := reg.CanActivate(ctx, fpA); v.OK {
		t.Error("temporary entry did not block before expiry")
	}

	*clock = until.Add(time.Second)
	if v, _ := reg.CanActivate(ctx, fpA); !v.OK {
		t.Errorf("expired entry still blocks: %+v", v)
	}
}

func TestRecordActivation(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	d, _ := reg.RegisterOrUpdate(ctx, fpA, Descriptors{}, "")
	reg.RecordActivation(ctx, d.ID, true)
	reg.RecordActivation(ctx, d.ID, true)
	reg.RecordActivation(ctx, d.ID, false)

	got, err := reg.Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.TotalActivations != 2 || got.FailedActivations != 1 {
		t.Errorf("counters = %d/%d, want 2/1", got.TotalActivations, got.FailedActivations)
	}
	if _, err := reg.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}
