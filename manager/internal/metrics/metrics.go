// Package metrics exposes the manager's Prometheus instrumentation: task
// throughput by status, claim-latency, and the size of the online fleet.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager groups the gauges/histograms the manager updates as it serves the
// admin surface, the agent protocol, and the sweepers.
type Manager struct {
	TasksByStatus   *prometheus.GaugeVec
	ClaimLatency    prometheus.Histogram
	OnlineAgents    prometheus.Gauge
	ClaimsTotal     *prometheus.CounterVec
}

// New registers and returns the manager's metric set against reg.
func New(reg prometheus.Registerer) *Manager {
	factory := promauto.With(reg)

	return &Manager{
		TasksByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ifperf_tasks_by_status",
			Help: "Current number of tasks in each status",
		}, []string{"status"}),
		ClaimLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ifperf_claim_latency_seconds",
			Help:    "Time spent servicing POST /v1/agent/tasks/claim",
			Buckets: prometheus.DefBuckets,
		}),
		OnlineAgents: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ifperf_online_agents",
			Help: "Number of agents currently considered online",
		}),
		ClaimsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ifperf_claims_total",
			Help: "Total claim attempts, partitioned by whether a task was handed out",
		}, []string{"result"}),
	}
}
