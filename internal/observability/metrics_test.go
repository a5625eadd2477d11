package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMustNewMetrics_ReusesExistingCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()

	first := MustNewMetrics(reg)
	require.NotNil(t, first)

	// Registering against the same registry must not panic.
	second := MustNewMetrics(reg)
	require.NotNil(t, second)

	first.IncTasksInFlight()
	second.IncTasksInFlight()

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, mf := range families {
		if mf.GetName() == "coder_runner_tasks_in_flight" {
			found = true
			require.Len(t, mf.GetMetric(), 1)
			// Both instances share the underlying gauge.
			assert.Equal(t, 2.0, mf.GetMetric()[0].GetGauge().GetValue())
		}
	}
	assert.True(t, found, "gauge not gathered")
}

func TestMetricsObservations(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNewMetrics(reg)

	m.ObserveStageDuration("execute", "success", 2*time.Second)
	m.IncTaskFailure("provision_credentials", "symlink")
	m.IncReport("delivered")

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}

	assert.True(t, names["coder_runner_stage_duration_seconds"])
	assert.True(t, names["coder_runner_task_failures_total"])
	assert.True(t, names["coder_reporter_deliveries_total"])
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics

	// All methods must tolerate a nil receiver so metrics stay optional.
	m.ObserveStageDuration("execute", "success", time.Second)
	m.IncTaskFailure("execute", "timeout")
	m.IncTasksInFlight()
	m.DecTasksInFlight()
	m.IncReport("failed")
}
