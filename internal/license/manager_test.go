package license

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kioskguard/kioskguard/internal/audit"
	"github.com/kioskguard/kioskguard/internal/database"
	"github.com/kioskguard/kioskguard/internal/database/models"
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

type managerFixture struct {
	mgr      *Manager
	log      *recordingLogger
	clock    *time.Time
	clientID string
	branchID string
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("database.Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	clients := database.NewClientRepository(db)
	branches := database.NewBranchRepository(db)
	client := &models.Client{Name: "Acme Retail", Active: true}
	if err := clients.Create(ctx, client); err != nil {
		t.Fatalf("creating client: %v", err)
	}
	branch := &models.Branch{ClientID: client.ID, Name: "Downtown", Active: true}
	if err := branches.Create(ctx, branch); err != nil {
		t.Fatalf("creating branch: %v", err)
	}

	clock := now
	log := &recordingLogger{}
	mgr := NewManager(database.NewLicenseRepository(db), clients, branches, log, DefaultPolicy,
		func() time.Time { return clock })
	return &managerFixture{mgr: mgr, log: log, clock: &clock, clientID: client.ID, branchID: branch.ID}
}

func TestManagerCreate(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	l, err := f.mgr.Create(ctx, models.LicenseTypeTrial, f.clientID, f.branchID, "ops@example.com")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if l.Status != models.LicenseStatusPending {
		t.Errorf("Status = %q, want pending", l.Status)
	}
	if l.ExpiryDate == nil || !l.ExpiryDate.Equal(now.Add(10*day)) {
		t.Errorf("ExpiryDate = %v, want now+10d", l.ExpiryDate)
	}
	if !IsKeyFormat(l.LicenseKey) {
		t.Errorf("LicenseKey = %q, bad format", l.LicenseKey)
	}
	if f.log.count(audit.LicenseCreated) != 1 {
		t.Error("expected one license_created event")
	}

	got, err := f.mgr.GetByKey(ctx, l.LicenseKey)
	if err != nil || got.ID != l.ID {
		t.Errorf("GetByKey() = %+v, %v", got, err)
	}

	perpetual, err := f.mgr.Create(ctx, models.LicenseTypePerpetual, f.clientID, f.branchID, "ops@example.com")
	if err != nil {
		t.Fatalf("Create(perpetual) error: %v", err)
	}
	if perpetual.ExpiryDate != nil {
		t.Errorf("perpetual ExpiryDate = %v, want nil", perpetual.ExpiryDate)
	}
}

func TestManagerCreateRejects(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	if _, err := f.mgr.Create(ctx, "lifetime", f.clientID, f.branchID, ""); !errors.Is(err, ErrInvalidType) {
		t.Errorf("unknown type error = %v, want ErrInvalidType", err)
	}
	if _, err := f.mgr.Create(ctx, models.LicenseTypeAnnual, "missing", f.branchID, ""); !errors.Is(err, ErrOwnerNotFound) {
		t.Errorf("missing client error = %v, want ErrOwnerNotFound", err)
	}
}

func TestManagerCreateKeyExhausted(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	attempts := 0
	f.mgr.generateKey = func() (string, error) {
		attempts++
		return "LIC-AAAA-BBBB-CCCC-DDDD", nil
	}

	if _, err := f.mgr.Create(ctx, models.LicenseTypeAnnual, f.clientID, f.branchID, ""); err != nil {
		t.Fatalf("first Create() error: %v", err)
	}
	attempts = 0
	_, err := f.mgr.Create(ctx, models.LicenseTypeAnnual, f.clientID, f.branchID, "")
	if !errors.Is(err, ErrKeyExhausted) {
		t.Fatalf("Create() error = %v, want ErrKeyExhausted", err)
	}
	if attempts != maxKeyAttempts {
		t.Errorf("attempts = %d, want %d", attempts, maxKeyAttempts)
	}
}

func TestManagerRevoke(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	l, err := f.mgr.Create(ctx, models.LicenseTypeAnnual, f.clientID, f.branchID, "")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	revoked, err := f.mgr.Revoke(ctx, l.ID, "chargeback", "ops@example.com")
	if err != nil {
		t.Fatalf("Revoke() error: %v", err)
	}
	if revoked.Status != models.LicenseStatusRevoked || revoked.RevokedBy != "ops@example.com" {
		t.Errorf("revoked = %+v", revoked)
	}

	if _, err := f.mgr.Revoke(ctx, l.ID, "again", ""); !errors.Is(err, ErrAlreadyRevoked) {
		t.Errorf("second Revoke() error = %v, want ErrAlreadyRevoked", err)
	}
	if _, err := f.mgr.Extend(ctx, l.ID, 30, ""); !errors.Is(err, ErrAlreadyRevoked) {
		t.Errorf("Extend(revoked) error = %v, want ErrAlreadyRevoked", err)
	}
	if _, err := f.mgr.Revoke(ctx, "missing", "x", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("Revoke(missing) error = %v, want ErrNotFound", err)
	}

	stored, err := f.mgr.Get(ctx, l.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if stored.Status != models.LicenseStatusRevoked || stored.RevokedReason != "chargeback" {
		t.Errorf("stored = %+v", stored)
	}
	if v := DefaultPolicy.IsValid(stored, now); v.Valid {
		t.Error("revoked license is valid")
	}
	if f.log.count(audit.LicenseRevoked) != 1 {
		t.Error("expected one license_revoked event")
	}
}

func TestManagerExtend(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	l, err := f.mgr.Create(ctx, models.LicenseTypeTrial, f.clientID, f.branchID, "")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	extended, err := f.mgr.Extend(ctx, l.ID, 30, "ops@example.com")
	if err != nil {
		t.Fatalf("Extend() error: %v", err)
	}
	if want := now.Add(40 * day); !extended.ExpiryDate.Equal(want) {
		t.Errorf("ExpiryDate = %v, want %v", extended.ExpiryDate, want)
	}

	// Long after expiry the extension counts from now.
	*f.clock = now.Add(100 * day)
	extended, err = f.mgr.Extend(ctx, l.ID, 5, "")
	if err != nil {
		t.Fatalf("Extend() error: %v", err)
	}
	if want := now.Add(105 * day); !extended.ExpiryDate.Equal(want) {
		t.Errorf("ExpiryDate = %v, want %v", extended.ExpiryDate, want)
	}

	for _, days := range []int{0, -1, MaxExtendDays + 1} {
		if _, err := f.mgr.Extend(ctx, l.ID, days, ""); !errors.Is(err, ErrInvalidDays) {
			t.Errorf("Extend(%d) error = %v, want ErrInvalidDays", days, err)
		}
	}

	perpetual, _ := f.mgr.Create(ctx, models.LicenseTypePerpetual, f.clientID, f.branchID, "")
	if _, err := f.mgr.Extend(ctx, perpetual.ID, 10, ""); !errors.Is(err, ErrPerpetual) {
		t.Errorf("Extend(perpetual) error = %v, want ErrPerpetual", err)
	}
	if f.log.count(audit.LicenseRenewed) != 2 {
		t.Errorf("license_renewed events = %d, want 2", f.log.count(audit.LicenseRenewed))
	}
}

func TestManagerListAndStats(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	trial, _ := f.mgr.Create(ctx, models.LicenseTypeTrial, f.clientID, f.branchID, "")
	if _, err := f.mgr.Create(ctx, models.LicenseTypeAnnual, f.clientID, f.branchID, ""); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	revoked, _ := f.mgr.Create(ctx, models.LicenseTypePerpetual, f.clientID, f.branchID, "")
	if _, err := f.mgr.Revoke(ctx, revoked.ID, "test", ""); err != nil {
		t.Fatalf("Revoke() error: %v", err)
	}

	// 12 days later the trial is in grace, 20 days later fully expired.
	*f.clock = now.Add(12 * day)
	grace, err := f.mgr.List(ctx, database.LicenseFilter{Status: models.LicenseStatusGracePeriod})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(grace) != 1 || grace[0].ID != trial.ID {
		t.Errorf("grace licenses = %+v, want the trial", grace)
	}

	*f.clock = now.Add(20 * day)
	stats, err := f.mgr.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.ByStatus[models.LicenseStatusPending] != 2 || stats.ByStatus[models.LicenseStatusRevoked] != 1 {
		t.Errorf("ByStatus = %v", stats.ByStatus)
	}
	if stats.ByEffectiveStatus[models.LicenseStatusExpired] != 1 {
		t.Errorf("ByEffectiveStatus = %v, want one expired", stats.ByEffectiveStatus)
	}
	if stats.ByType[models.LicenseTypeAnnual] != 1 {
		t.Errorf("ByType = %v", stats.ByType)
	}

	byPrefix, err := f.mgr.List(ctx, database.LicenseFilter{KeyPrefix: trial.LicenseKey[:9]})
	if err != nil {
		t.Fatalf("List(prefix) error: %v", err)
	}
	found := false
	for _, l := range byPrefix {
		if l.ID == trial.ID {
			found = true
		}
	}
	if !found {
		t.Error("prefix search did not return the trial license")
	}
}
