package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kioskguard/kioskguard/internal/database/models"
)

// LicenseCounter returns license counts keyed by effective status.
type LicenseCounter interface {
	EffectiveCounts(ctx context.Context) (map[string]int64, error)
}

// BindingCounter returns the number of active bindings.
type BindingCounter interface {
	CountActive(ctx context.Context) (int64, error)
}

// LateCounter returns the number of active bindings whose heartbeat is late.
type LateCounter interface {
	CountLate(ctx context.Context) (int, error)
}

// AuditCounter returns audit entry counts grouped by severity.
type AuditCounter interface {
	CountBySeverity(ctx context.Context) (map[string]int64, error)
}

// licenseStatuses are reported even when no license is in them so that
// dashboards see zeros rather than gaps.
var licenseStatuses = []string{
	models.LicenseStatusPending,
	models.LicenseStatusActive,
	models.LicenseStatusGracePeriod,
	models.LicenseStatusExpired,
	models.LicenseStatusRevoked,
}

var severities = []string{
	models.SeverityInfo,
	models.SeverityWarning,
	models.SeverityError,
	models.SeverityCritical,
}

// Collector is a prometheus.Collector that gathers KioskGuard metrics at scrape time.
type Collector struct {
	licenses  LicenseCounter
	bindings  BindingCounter
	late      LateCounter
	audit     AuditCounter
	startTime time.Time

	licensesDesc     *prometheus.Desc
	bindingsDesc     *prometheus.Desc
	lateBindingsDesc *prometheus.Desc
	auditEventsDesc  *prometheus.Desc
	uptimeDesc       *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	licenses LicenseCounter,
	bindings BindingCounter,
	late LateCounter,
	audit AuditCounter,
	startTime time.Time,
) *Collector {
	return &Collector{
		licenses:  licenses,
		bindings:  bindings,
		late:      late,
		audit:     audit,
		startTime: startTime,

		licensesDesc: prometheus.NewDesc(
			"kioskguard_licenses",
			"Number of licenses by effective status",
			[]string{"status"}, nil,
		),
		bindingsDesc: prometheus.NewDesc(
			"kioskguard_active_bindings",
			"Number of licenses currently bound to a device",
			nil, nil,
		),
		lateBindingsDesc: prometheus.NewDesc(
			"kioskguard_late_bindings",
			"Active bindings whose last heartbeat is older than the late threshold",
			nil, nil,
		),
		auditEventsDesc: prometheus.NewDesc(
			"kioskguard_audit_events_total",
			"Audit log entries recorded, by severity",
			[]string{"severity"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"kioskguard_uptime_seconds",
			"Seconds since the KioskGuard process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.licensesDesc
	ch <- c.bindingsDesc
	ch <- c.lateBindingsDesc
	ch <- c.auditEventsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.licenses != nil {
		counts, err := c.licenses.EffectiveCounts(ctx)
		if err != nil {
			slog.Error("metrics: failed to count licenses", "error", err)
		} else {
			for _, status := range licenseStatuses {
				ch <- prometheus.MustNewConstMetric(
					c.licensesDesc, prometheus.GaugeValue,
					float64(counts[status]), status,
				)
			}
		}
	}

	if c.bindings != nil {
		count, err := c.bindings.CountActive(ctx)
		if err != nil {
			slog.Error("metrics: failed to count active bindings", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.bindingsDesc, prometheus.GaugeValue,
				float64(count),
			)
		}
	}

	if c.late != nil {
		count, err := c.late.CountLate(ctx)
		if err != nil {
			slog.Error("metrics: failed to count late bindings", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.lateBindingsDesc, prometheus.GaugeValue,
				float64(count),
			)
		}
	}

	// Audit entries are append-only, so the per-severity totals only grow.
	if c.audit != nil {
		counts, err := c.audit.CountBySeverity(ctx)
		if err != nil {
			slog.Error("metrics: failed to count audit events", "error", err)
		} else {
			for _, sev := range severities {
				ch <- prometheus.MustNewConstMetric(
					c.auditEventsDesc, prometheus.CounterValue,
					float64(counts[sev]), sev,
				)
			}
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
