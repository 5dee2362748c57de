package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.OnlineAgents.Set(3)
	m.TasksByStatus.WithLabelValues("pending").Set(2)
	m.ClaimsTotal.WithLabelValues("claimed").Inc()
	m.ClaimLatency.Observe(0.05)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	require.True(t, names["ifperf_online_agents"])
	require.True(t, names["ifperf_tasks_by_status"])
	require.True(t, names["ifperf_claims_total"])
	require.True(t, names["ifperf_claim_latency_seconds"])
}

func TestOnlineAgentsGauge_ReflectsSetValue(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.OnlineAgents.Set(5)

	var metric dto.Metric
	require.NoError(t, m.OnlineAgents.Write(&metric))
	require.Equal(t, float64(5), metric.GetGauge().GetValue())
}
