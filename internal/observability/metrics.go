package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for optimizer self-monitoring.
// It uses a custom registry to avoid polluting the global default.
type Metrics struct {
	Registry *prometheus.Registry

	// Planning metrics
	WorkloadsAnalyzed   prometheus.Counter
	ActionsPlanned      prometheus.Counter
	ClassifierSamples   prometheus.Histogram
	ClassifierConfidence prometheus.Histogram

	// Execution metrics
	ActionsExecuted      *prometheus.CounterVec
	ApplyRetries         prometheus.Counter
	ControlPlaneDuration *prometheus.HistogramVec

	// Safety-net metrics
	ActiveWatches   prometheus.Gauge
	WatchOutcomes   *prometheus.CounterVec
	RollbacksTotal  *prometheus.CounterVec
	TrafficPolls    *prometheus.CounterVec
	ReconciledWatches prometheus.Counter

	// Run metrics
	RunDuration prometheus.Histogram
	RunsTotal   *prometheus.CounterVec

	// API metrics
	HTTPRequestDuration *prometheus.HistogramVec

	// Alert metrics
	AlertsFired *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all Prometheus metrics
// registered on a custom registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		WorkloadsAnalyzed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zeroscale_workloads_analyzed_total",
			Help: "Total number of workloads run through classification and planning.",
		}),
		ActionsPlanned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zeroscale_actions_planned_total",
			Help: "Total number of zero-scale actions planned.",
		}),
		ClassifierSamples: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "zeroscale_classifier_window_samples",
			Help:    "Number of traffic samples per classified window.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		ClassifierConfidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "zeroscale_classifier_confidence",
			Help:    "Idle-confidence scores produced by the traffic classifier.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),

		ActionsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zeroscale_actions_executed_total",
			Help: "Total number of executed actions by terminal status.",
		}, []string{"status"}),
		ApplyRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zeroscale_apply_retries_total",
			Help: "Total number of control-plane apply retry attempts.",
		}),
		ControlPlaneDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "zeroscale_control_plane_duration_seconds",
			Help:    "Duration of control-plane calls in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),

		ActiveWatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zeroscale_active_watches",
			Help: "Number of rollback watches currently running.",
		}),
		WatchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zeroscale_watch_outcomes_total",
			Help: "Total number of rollback watches by terminal outcome.",
		}, []string{"outcome"}),
		RollbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zeroscale_rollbacks_total",
			Help: "Total number of rollback attempts by result and trigger.",
		}, []string{"result", "trigger"}),
		TrafficPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zeroscale_traffic_polls_total",
			Help: "Total number of traffic-source polls by status.",
		}, []string{"status"}),
		ReconciledWatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zeroscale_reconciled_watches_total",
			Help: "Total number of watches resumed by the crash-recovery pass.",
		}),

		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "zeroscale_run_duration_seconds",
			Help:    "Duration of optimization runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zeroscale_runs_total",
			Help: "Total number of optimization runs by terminal status.",
		}, []string{"status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "zeroscale_http_request_duration_seconds",
			Help:    "Duration of API requests in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),

		AlertsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zeroscale_alerts_fired_total",
			Help: "Total number of alerts fired by severity.",
		}, []string{"severity"}),
	}

	// Register all metrics with the custom registry.
	reg.MustRegister(
		m.WorkloadsAnalyzed,
		m.ActionsPlanned,
		m.ClassifierSamples,
		m.ClassifierConfidence,
		m.ActionsExecuted,
		m.ApplyRetries,
		m.ControlPlaneDuration,
		m.ActiveWatches,
		m.WatchOutcomes,
		m.RollbacksTotal,
		m.TrafficPolls,
		m.ReconciledWatches,
		m.RunDuration,
		m.RunsTotal,
		m.HTTPRequestDuration,
		m.AlertsFired,
	)

	return m
}
