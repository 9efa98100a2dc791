package clients

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// breakerState values: 0=closed, 1=half-open, 2=open
	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "curator_circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	breakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "curator_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	httpAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "curator_http_attempts_total",
			Help: "Outbound HTTP attempts by client and outcome",
		},
		[]string{"client", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(breakerState, breakerTransitions, httpAttempts)
}

func recordTransition(name string, from, to BreakerState) {
	breakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
	breakerState.WithLabelValues(name).Set(float64(to))
}
