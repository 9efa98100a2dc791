package publish

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"curator/pkg/monitoring"
)

// Metrics are the pipeline's Prometheus series. A nil *Metrics records nothing.
type Metrics struct {
	runs        *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	lastSuccess *prometheus.GaugeVec
	skipped     *prometheus.CounterVec
}

func NewMetrics(mc *monitoring.MetricsCollector) *Metrics {
	return &Metrics{
		runs:        mc.NewCounter("publish_runs_total", "Publish runs by outcome", []string{"stream", "outcome"}),
		duration:    mc.NewHistogram("publish_run_duration_seconds", "Publish run wall time", []string{"stream"}, []float64{0.5, 1, 5, 15, 60, 300, 900, 1800}),
		lastSuccess: mc.NewGauge("publish_last_success_timestamp_seconds", "Unix time of the last successful publish", []string{"stream"}),
		skipped:     mc.NewCounter("publish_items_skipped_total", "Items rejected by quality gates", []string{"stream", "reason"}),
	}
}

func (m *Metrics) observe(stream string, res Result, elapsed time.Duration, now time.Time) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(stream, string(res.Outcome)).Inc()
	m.duration.WithLabelValues(stream).Observe(elapsed.Seconds())
	if res.Outcome == OutcomePosted || res.Outcome == OutcomeDuplicate {
		m.lastSuccess.WithLabelValues(stream).Set(float64(now.Unix()))
	}
}

func (m *Metrics) skip(stream, reason string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(stream, reason).Inc()
}
