// Package metrics registers the scheduler's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Execution outcomes
const (
	OutcomeExecuted  = "executed"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
	OutcomeUnsettled = "unsettled"
	OutcomeWon       = "won"
	OutcomeLost      = "lost"
)

var (
	executionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "digitbot_executions_total",
			Help: "Session execution attempts by outcome",
		},
		[]string{"mode", "outcome"},
	)

	consensusStrength = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "digitbot_consensus_strength",
			Help:    "Consensus strength of each decided round",
			Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
		[]string{"mode"},
	)

	adapterLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "digitbot_adapter_latency_seconds",
			Help:    "Prediction adapter latency in seconds",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
		[]string{"model", "status"},
	)

	recoveryActivations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "digitbot_recovery_activations_total",
			Help: "Number of times daily recovery mode was activated",
		},
	)

	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "digitbot_active_sessions",
			Help: "Active trading sessions seen by the last tick",
		},
	)

	tickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "digitbot_tick_duration_seconds",
			Help:    "Time to schedule one scheduler tick",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
	)

	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "digitbot_errors_total",
			Help: "Pipeline errors by kind",
		},
		[]string{"kind"},
	)

	lockConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "digitbot_session_lock_conflicts_total",
			Help: "Due sessions skipped because another execution held the lock",
		},
	)

	restartEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "digitbot_restart_events_total",
			Help: "Restart events emitted by the supervisor",
		},
		[]string{"component"},
	)

	breakerTrips = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "digitbot_breaker_trips_total",
			Help: "Per-user broker circuit breaker trips",
		},
	)
)

// RecordExecution counts one execution attempt
func RecordExecution(mode, outcome string) {
	executionsTotal.WithLabelValues(mode, outcome).Inc()
}

// ObserveConsensusStrength records a round's strength
func ObserveConsensusStrength(mode string, strength float64) {
	consensusStrength.WithLabelValues(mode).Observe(strength)
}

// ObserveAdapterLatency records one adapter call
func ObserveAdapterLatency(model string, d time.Duration, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	adapterLatency.WithLabelValues(model, status).Observe(d.Seconds())
}

// RecordRecoveryActivation counts a recovery activation
func RecordRecoveryActivation() {
	recoveryActivations.Inc()
}

// SetActiveSessions sets the active session gauge
func SetActiveSessions(n int) {
	activeSessions.Set(float64(n))
}

// ObserveTickDuration records how long scheduling a tick took
func ObserveTickDuration(d time.Duration) {
	tickDuration.Observe(d.Seconds())
}

// RecordError counts a pipeline error
func RecordError(kind string) {
	errorsTotal.WithLabelValues(kind).Inc()
}

// RecordLockConflict counts a skipped due session
func RecordLockConflict() {
	lockConflicts.Inc()
}

// RecordRestartEvent counts a supervisor restart event
func RecordRestartEvent(component string) {
	restartEvents.WithLabelValues(component).Inc()
}

// RecordBreakerTrip counts a circuit breaker opening
func RecordBreakerTrip() {
	breakerTrips.Inc()
}
