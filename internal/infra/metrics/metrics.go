// Package metrics exposes the orchestrator's Prometheus surface: circuit
// breaker state gauges, DAG executor wave/task counters, and substrate
// token counters. Grounded on cuemby-warren's pkg/metrics package-level
// collector style. Metrics are an ambient concern: core decision logic
// never reads them back (spec's "Metrics surface" supplement).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CircuitBreakerState reports 0=closed, 1=half-open, 2=open per scope.
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "abathur_circuit_breaker_state",
			Help: "Circuit breaker state by scope (0=closed, 1=half-open, 2=open)",
		},
		[]string{"scope"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abathur_circuit_breaker_failures_total",
			Help: "Total recorded circuit breaker failures by scope",
		},
		[]string{"scope"},
	)

	DAGWaveDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "abathur_dag_wave_duration_seconds",
			Help:    "Duration of a DAG executor wave",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"executor"},
	)

	DAGTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abathur_dag_tasks_total",
			Help: "Total DAG-executed tasks by outcome",
		},
		[]string{"outcome"},
	)

	SubstrateTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abathur_substrate_tokens_total",
			Help: "Total substrate tokens consumed by kind",
		},
		[]string{"kind"},
	)

	TasksByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "abathur_tasks_by_status",
			Help: "Current task count by status",
		},
		[]string{"status"},
	)

	AgentsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "abathur_agents_running",
			Help: "Number of agents currently running",
		},
	)
)

// Register adds every collector in this package to reg. Called once at
// process startup; tests use a throwaway prometheus.NewRegistry().
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		CircuitBreakerState, CircuitBreakerFailures, DAGWaveDuration,
		DAGTasksTotal, SubstrateTokensTotal, TasksByStatus, AgentsRunning,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handler returns the standard promhttp handler for the default registry,
// used by whatever out-of-core HTTP server exposes `/metrics`.
func Handler() http.Handler {
	return promhttp.Handler()
}
