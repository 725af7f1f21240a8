package metrics

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeLicenses map[string]int64

func (f fakeLicenses) EffectiveCounts(context.Context) (map[string]int64, error) { return f, nil }

type fakeBindings struct {
	active int64
	late   int
	err    error
}

func (f fakeBindings) CountActive(context.Context) (int64, error) { return f.active, f.err }
func (f fakeBindings) CountLate(context.Context) (int, error)     { return f.late, f.err }

type fakeAudit map[string]int64

func (f fakeAudit) CountBySeverity(context.Context) (map[string]int64, error) { return f, nil }

func TestCollector(t *testing.T) {
	b := fakeBindings{active: 3, late: 1}
	c := NewCollector(
		fakeLicenses{"active": 3, "expired": 2},
		b, b,
		fakeAudit{"info": 40, "critical": 2},
		time.Now(),
	)

	expected := `
# HELP kioskguard_active_bindings Number of licenses currently bound to a device
# TYPE kioskguard_active_bindings gauge
kioskguard_active_bindings 3
# HELP kioskguard_audit_events_total Audit log entries recorded, by severity
# TYPE kioskguard_audit_events_total counter
kioskguard_audit_events_total{severity="critical"} 2
kioskguard_audit_events_total{severity="error"} 0
kioskguard_audit_events_total{severity="info"} 40
kioskguard_audit_events_total{severity="warning"} 0
# HELP kioskguard_late_bindings Active bindings whose last heartbeat is older than the late threshold
# TYPE kioskguard_late_bindings gauge
kioskguard_late_bindings 1
# HELP kioskguard_licenses Number of licenses by effective status
# TYPE kioskguard_licenses gauge
kioskguard_licenses{status="active"} 3
kioskguard_licenses{status="expired"} 2
kioskguard_licenses{status="grace_period"} 0
kioskguard_licenses{status="pending"} 0
kioskguard_licenses{status="revoked"} 0
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"kioskguard_active_bindings",
		"kioskguard_audit_events_total",
		"kioskguard_late_bindings",
		"kioskguard_licenses",
	)
	if err != nil {
		t.Fatal(err)
	}

	if n := testutil.CollectAndCount(c, "kioskguard_uptime_seconds"); n != 1 {
		t.Errorf("uptime series = %d, want 1", n)
	}
}

func TestCollectorSkipsFailingProviders(t *testing.T) {
	b := fakeBindings{err: errors.New("db down")}
	c := NewCollector(nil, b, b, nil, time.Now())

	// Only uptime survives.
	if n := testutil.CollectAndCount(c); n != 1 {
		t.Errorf("collected %d series, want 1", n)
	}
}
