package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/dbsync/coordinator/internal/metrics"
)

func counterValue(t *testing.T, c *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.WithLabelValues(labels...).Write(&m))
	return m.GetCounter().GetValue()
}

func TestMetrics_ElectionCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.ElectionStarted("db-1")
	m.ElectionStarted("db-1")
	m.ElectionWon("db-1")
	m.ElectionTimedOut("db-1")
	m.BroadcastSent("db-1")

	require.Equal(t, float64(2), counterValue(t, m.ElectionsStarted, "db-1"))
	require.Equal(t, float64(1), counterValue(t, m.ElectionsWon, "db-1"))
	require.Equal(t, float64(1), counterValue(t, m.ElectionsTimedOut, "db-1"))
	require.Equal(t, float64(1), counterValue(t, m.BroadcastsSent, "db-1"))
}

func TestMetrics_StateChangedSetsGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.StateChanged("db-1", "running")

	var metric dto.Metric
	require.NoError(t, m.RunnersByState.WithLabelValues("running").Write(&metric))
	require.Equal(t, float64(1), metric.GetGauge().GetValue())
}

func TestMetrics_RegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	// Vector collectors gather nothing until a series exists, so emit one
	// series on each before scraping.
	m.StateChanged("db-1", "idle")
	m.ElectionStarted("db-1")
	m.ElectionWon("db-1")
	m.ElectionTimedOut("db-1")
	m.BroadcastSent("db-1")

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 5)
}
