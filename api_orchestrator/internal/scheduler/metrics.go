package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"

	"curator/api_orchestrator/internal/runner"
	"curator/pkg/monitoring"
)

// Metrics are the scheduler's Prometheus series.
type Metrics struct {
	Runs                *prometheus.CounterVec
	Duration            *prometheus.HistogramVec
	ConsecutiveFailures *prometheus.GaugeVec
	LastSuccess         *prometheus.GaugeVec
	Heartbeats          *prometheus.CounterVec
}

func NewMetrics(mc *monitoring.MetricsCollector) *Metrics {
	return &Metrics{
		Runs:                mc.NewCounter("task_runs_total", "Task runs by outcome", []string{"task", "status"}),
		Duration:            mc.NewHistogram("task_duration_seconds", "Task run duration", []string{"task"}, []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200}),
		ConsecutiveFailures: mc.NewGauge("task_consecutive_failures", "Current failure streak per task", []string{"task"}),
		LastSuccess:         mc.NewGauge("task_last_success_timestamp_seconds", "Unix time of the last successful run", []string{"task"}),
		Heartbeats:          mc.NewCounter("heartbeats_total", "Heartbeats by mode", []string{"mode"}),
	}
}

func (m *Metrics) observeRun(task string, res runner.Result, rec *Record) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(task, string(res.Status)).Inc()
	m.Duration.WithLabelValues(task).Observe(res.Duration.Seconds())
	m.ConsecutiveFailures.WithLabelValues(task).Set(float64(rec.ConsecutiveFailures))
	if res.Status == runner.Success {
		m.LastSuccess.WithLabelValues(task).Set(float64(rec.LastRun.Unix()))
	}
}

func (m *Metrics) observeHeartbeat(dryRun bool) {
	if m == nil {
		return
	}
	mode := "live"
	if dryRun {
		mode = "dry_run"
	}
	m.Heartbeats.WithLabelValues(mode).Inc()
}
