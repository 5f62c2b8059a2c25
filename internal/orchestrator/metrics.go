package orchestrator

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report orchestrator activity.
type Metrics struct {
	instancesRunning  prometheus.Gauge
	approvalsPending  prometheus.Gauge
	approvalsResolved *prometheus.CounterVec
	queriesCompleted  *prometheus.CounterVec
	toolExecutions    *prometheus.CounterVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. The collectors are created only once to
// avoid duplicate registration panics when the orchestrator is constructed
// multiple times in one process.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided
// registerer. Tests pass a fresh registry; any registration error panics,
// mirroring promauto semantics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		instancesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "conductor",
			Subsystem: "orchestrator",
			Name:      "instances_running",
			Help:      "Number of instances with a query in flight.",
		}),
		approvalsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "conductor",
			Subsystem: "orchestrator",
			Name:      "approvals_pending",
			Help:      "Number of approval requests awaiting a human decision.",
		}),
		approvalsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "orchestrator",
			Name:      "approvals_resolved_total",
			Help:      "Total approval requests resolved, by outcome.",
		}, []string{"outcome"}),
		queriesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "orchestrator",
			Name:      "queries_completed_total",
			Help:      "Total queries that reached a terminal state, by status.",
		}, []string{"status"}),
		toolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "orchestrator",
			Name:      "tool_executions_total",
			Help:      "Total tool executions observed, by final status.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.instancesRunning,
		m.approvalsPending,
		m.approvalsResolved,
		m.queriesCompleted,
		m.toolExecutions,
	)
	return m
}
