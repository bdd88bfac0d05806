// Package metrics is the Prometheus instrumentation surface shared by
// dispatcher and reconciler (SPEC_FULL.md §4 "Ambient metrics"). A nil
// *Metrics observes nothing — every method is nil-receiver safe, so
// callers that never wire a registry pay no overhead and need no guard
// at the call site.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the five series named in SPEC_FULL.md §4.
type Metrics struct {
	syncsTotal            *prometheus.CounterVec
	syncDuration          prometheus.Histogram
	databaseOutcomesTotal *prometheus.CounterVec
	conduitRunsTotal      *prometheus.CounterVec
	archiveRecordsTotal   *prometheus.CounterVec
}

// New registers every series against reg and returns the facade. Pass a
// fresh *prometheus.Registry (or prometheus.DefaultRegisterer) in
// cmd/hsyncd; passing nil is also accepted and yields a Metrics that
// discards everything (same effect as a nil *Metrics, kept for callers
// that always have a registry variable in hand).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)
	return &Metrics{
		syncsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hsync_syncs_total",
			Help: "Completed HotSync sessions by outcome.",
		}, []string{"outcome"}),
		syncDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "hsync_sync_duration_seconds",
			Help:    "Wall-clock duration of a HotSync session.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~34min
		}),
		databaseOutcomesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hsync_database_outcomes_total",
			Help: "Per-database reconciliation outcomes.",
		}, []string{"result"}),
		conduitRunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hsync_conduit_runs_total",
			Help: "Conduit executions by flavor and result.",
		}, []string{"flavor", "result"}),
		archiveRecordsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hsync_archive_records_total",
			Help: "Records appended to a database's archive file.",
		}, []string{"db"}),
	}
}

// ObserveSync records one completed session's outcome ("complete",
// "partial", or "fatal", per SPEC_FULL.md §4) and its duration.
func (m *Metrics) ObserveSync(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.syncsTotal.WithLabelValues(outcome).Inc()
	m.syncDuration.Observe(d.Seconds())
}

// ObserveDatabaseOutcome records one database's reconciliation result
// ("ok", "error", or "skipped").
func (m *Metrics) ObserveDatabaseOutcome(result string) {
	if m == nil {
		return
	}
	m.databaseOutcomesTotal.WithLabelValues(result).Inc()
}

// ObserveConduitRun records one conduit execution's flavor and result
// class (dispatcher.StatusClass.String()).
func (m *Metrics) ObserveConduitRun(flavor, result string) {
	if m == nil {
		return
	}
	m.conduitRunsTotal.WithLabelValues(flavor, result).Inc()
}

// ObserveArchiveRecords adds n to the archive-record counter for db.
func (m *Metrics) ObserveArchiveRecords(db string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.archiveRecordsTotal.WithLabelValues(db).Add(float64(n))
}
