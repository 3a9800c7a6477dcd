package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics namespace for all playwatch metrics.
const metricsNamespace = "playwatch"

// Run metrics.
var (
	// RunsTotal counts runs that reached a terminal state.
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "runs_total",
			Help:      "Total number of finished runs by playbook and terminal state",
		},
		[]string{"playbook", "state"},
	)

	// GateDecisionsTotal counts risk gate outcomes.
	GateDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "gate_decisions_total",
			Help:      "Total number of gate decisions",
		},
		[]string{"decision"},
	)

	// StepDuration measures investigation and validation query latency.
	StepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of connector queries in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"query_type", "status"},
	)

	// ActiveRemediations tracks remediations holding a blast-radius slot.
	ActiveRemediations = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_remediations",
			Help:      "Number of remediations in flight per environment",
		},
		[]string{"environment"},
	)
)

// PlaybooksLoaded tracks the registry size.
var PlaybooksLoaded = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "playbooks_loaded",
		Help:      "Number of playbook definitions in the registry",
	},
)

func init() {
	// Register all metrics with the default registry.
	prometheus.MustRegister(
		RunsTotal,
		GateDecisionsTotal,
		StepDuration,
		ActiveRemediations,
		PlaybooksLoaded,
	)
}

// ObserveQuery records one connector query.
func ObserveQuery(queryType string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	StepDuration.WithLabelValues(queryType, status).Observe(d.Seconds())
}
