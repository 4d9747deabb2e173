// Package metrics exposes the coordinator's ambient Prometheus counters and
// gauges: runner state, election outcomes, and broadcast volume.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector the coordinator registers. It
// implements runner.Recorder structurally.
type Metrics struct {
	RunnersByState     *prometheus.GaugeVec
	ElectionsStarted   *prometheus.CounterVec
	ElectionsWon       *prometheus.CounterVec
	ElectionsTimedOut  *prometheus.CounterVec
	BroadcastsSent     *prometheus.CounterVec

	mu           sync.Mutex
	runnerStates map[string]string
}

// New constructs and registers every collector against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunnersByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "coordinator_runners_by_state",
			Help: "Number of sync runners currently in each state.",
		}, []string{"state"}),
		ElectionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_elections_started_total",
			Help: "Host elections started, by database_id.",
		}, []string{"database_id"}),
		ElectionsWon: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_elections_won_total",
			Help: "Host elections that found a responder, by database_id.",
		}, []string{"database_id"}),
		ElectionsTimedOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_election_pings_timed_out_total",
			Help: "Individual election pings that timed out, by database_id.",
		}, []string{"database_id"}),
		BroadcastsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_status_broadcasts_total",
			Help: "notifySyncStatus notifications sent, by database_id.",
		}, []string{"database_id"}),
		runnerStates: make(map[string]string),
	}

	reg.MustRegister(
		m.RunnersByState,
		m.ElectionsStarted,
		m.ElectionsWon,
		m.ElectionsTimedOut,
		m.BroadcastsSent,
	)
	return m
}

// ElectionStarted implements runner.Recorder.
func (m *Metrics) ElectionStarted(databaseID string) {
	m.ElectionsStarted.WithLabelValues(databaseID).Inc()
}

// ElectionWon implements runner.Recorder.
func (m *Metrics) ElectionWon(databaseID string) {
	m.ElectionsWon.WithLabelValues(databaseID).Inc()
}

// ElectionTimedOut implements runner.Recorder.
func (m *Metrics) ElectionTimedOut(databaseID string) {
	m.ElectionsTimedOut.WithLabelValues(databaseID).Inc()
}

// BroadcastSent implements runner.Recorder.
func (m *Metrics) BroadcastSent(databaseID string) {
	m.BroadcastsSent.WithLabelValues(databaseID).Inc()
}

// StateChanged implements runner.Recorder.
func (m *Metrics) StateChanged(databaseID, state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.runnerStates[databaseID]
	if ok && prev == state {
		return
	}
	if ok {
		m.RunnersByState.WithLabelValues(prev).Dec()
	}
	m.RunnersByState.WithLabelValues(state).Inc()
	m.runnerStates[databaseID] = state
}
