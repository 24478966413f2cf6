// Package metrics defines the Prometheus metrics this core emits, the
// way coordinator/internal/metrics/prometheus.go does: a single
// promauto-registered struct constructed once at startup and threaded
// into the components that record against it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus series the core exposes.
type Metrics struct {
	PhasesStarted    *prometheus.CounterVec
	PhasesCompleted  *prometheus.CounterVec
	PhasesFailed     *prometheus.CounterVec
	PhaseDuration    *prometheus.HistogramVec

	WorkerBatchesApplied *prometheus.CounterVec
	WorkerKeysMigrated   *prometheus.CounterVec
	WorkerApplyErrors    *prometheus.CounterVec

	SourceRequestsTotal  *prometheus.CounterVec
	SourceRequestRetries *prometheus.CounterVec

	CatchupDelta     prometheus.Gauge
	CurrentPhase     *prometheus.GaugeVec
	MigrationStatus  *prometheus.GaugeVec
}

// New creates and registers every metric, mirroring prometheus.go's
// constructor shape.
func New() *Metrics {
	return &Metrics{
		PhasesStarted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "actormigrate_phases_started_total",
				Help: "Total number of (phase, iteration) workloads started",
			},
			[]string{"phase"},
		),
		PhasesCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "actormigrate_phases_completed_total",
				Help: "Total number of (phase, iteration) workloads completed",
			},
			[]string{"phase"},
		),
		PhasesFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "actormigrate_phases_failed_total",
				Help: "Total number of (phase, iteration) workloads that failed",
			},
			[]string{"phase"},
		),
		PhaseDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "actormigrate_phase_duration_seconds",
				Help:    "Duration of a (phase, iteration) workload",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"phase"},
		),

		WorkerBatchesApplied: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "actormigrate_worker_batches_applied_total",
				Help: "Total number of batches successfully applied to the destination",
			},
			[]string{"phase"},
		),
		WorkerKeysMigrated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "actormigrate_worker_keys_migrated_total",
				Help: "Total number of keys migrated by workers",
			},
			[]string{"phase"},
		),
		WorkerApplyErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "actormigrate_worker_apply_errors_total",
				Help: "Total number of poison records rejected by the destination",
			},
			[]string{"phase"},
		),

		SourceRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "actormigrate_source_requests_total",
				Help: "Total number of requests issued to the source service",
			},
			[]string{"operation", "status"},
		),
		SourceRequestRetries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "actormigrate_source_request_retries_total",
				Help: "Total number of retried source requests",
			},
			[]string{"operation"},
		),

		CatchupDelta: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "actormigrate_catchup_delta",
				Help: "Most recently observed (EndSN - StartSN) span of the current migration result",
			},
		),
		CurrentPhase: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "actormigrate_current_phase",
				Help: "1 if phase is the current phase, else 0",
			},
			[]string{"phase"},
		),
		MigrationStatus: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "actormigrate_migration_status",
				Help: "1 if status is the current migration status, else 0",
			},
			[]string{"status"},
		),
	}
}

// RecordPhaseStarted records that a (phase, iteration) workload began
// planning or resumed. A nil receiver is a no-op, so components can be
// constructed without a *Metrics (as tests do) without guarding every
// call site.
func (m *Metrics) RecordPhaseStarted(phase string) {
	if m == nil {
		return
	}
	m.PhasesStarted.WithLabelValues(phase).Inc()
}

// RecordPhaseCompleted records a (phase, iteration) workload's
// successful completion and its wall-clock duration in seconds.
func (m *Metrics) RecordPhaseCompleted(phase string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.PhasesCompleted.WithLabelValues(phase).Inc()
	m.PhaseDuration.WithLabelValues(phase).Observe(durationSeconds)
}

// RecordPhaseFailed records a (phase, iteration) workload that
// returned an error from its worker fan-out.
func (m *Metrics) RecordPhaseFailed(phase string) {
	if m == nil {
		return
	}
	m.PhasesFailed.WithLabelValues(phase).Inc()
}

// RecordWorkerBatch records one batch a worker successfully applied to
// the destination, and the keys it carried.
func (m *Metrics) RecordWorkerBatch(phase string, keys int) {
	if m == nil {
		return
	}
	m.WorkerBatchesApplied.WithLabelValues(phase).Inc()
	m.WorkerKeysMigrated.WithLabelValues(phase).Add(float64(keys))
}

// RecordWorkerApplyError records a batch the destination rejected.
func (m *Metrics) RecordWorkerApplyError(phase string) {
	if m == nil {
		return
	}
	m.WorkerApplyErrors.WithLabelValues(phase).Inc()
}

// RecordSourceRequest records one completed request against the
// source service, tagged "ok" or "error" by the caller's retry loop.
func (m *Metrics) RecordSourceRequest(operation, status string) {
	if m == nil {
		return
	}
	m.SourceRequestsTotal.WithLabelValues(operation, status).Inc()
}

// RecordSourceRetry records one retried attempt of a source request,
// issued after a Transient-classified failure.
func (m *Metrics) RecordSourceRetry(operation string) {
	if m == nil {
		return
	}
	m.SourceRequestRetries.WithLabelValues(operation).Inc()
}

// SetCurrentPhase flips the one-hot CurrentPhase gauge set.
func (m *Metrics) SetCurrentPhase(phases []string, current string) {
	for _, p := range phases {
		if p == current {
			m.CurrentPhase.WithLabelValues(p).Set(1)
		} else {
			m.CurrentPhase.WithLabelValues(p).Set(0)
		}
	}
}

// SetMigrationStatus flips the one-hot MigrationStatus gauge set.
func (m *Metrics) SetMigrationStatus(statuses []string, current string) {
	for _, s := range statuses {
		if s == current {
			m.MigrationStatus.WithLabelValues(s).Set(1)
		} else {
			m.MigrationStatus.WithLabelValues(s).Set(0)
		}
	}
}
