package monitoring

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

// MetricsCollector owns the registry for one binary. Every metric it creates
// is namespaced with the service name, e.g. curator_publisher_runs_total.
type MetricsCollector struct {
	namespace string
	registry  *prometheus.Registry

	// created on first use; only the daemon serves HTTP
	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

func NewMetricsCollector(serviceName, version, commit string) *MetricsCollector {
	mc := &MetricsCollector{
		namespace: strings.ReplaceAll(serviceName, "-", "_"),
		registry:  prometheus.NewRegistry(),
	}
	mc.NewGauge("build_info", "Build of the running binary, always 1.", []string{"version", "commit"}).
		WithLabelValues(version, commit).Set(1)
	return mc
}

// Gatherer is what /metrics serves: the service registry plus the default
// registry with its Go runtime collectors and the outbound HTTP client metrics.
func (mc *MetricsCollector) Gatherer() prometheus.Gatherer {
	return prometheus.Gatherers{mc.registry, prometheus.DefaultGatherer}
}

// MetricsMiddleware counts requests and their latency per route.
func (mc *MetricsCollector) MetricsMiddleware() gin.HandlerFunc {
	if mc.httpRequests == nil {
		mc.httpRequests = mc.NewCounter("http_requests_total", "HTTP requests served.", []string{"method", "route", "status"})
		mc.httpLatency = mc.NewHistogram("http_request_duration_seconds", "HTTP request latency.", []string{"method", "route"}, nil)
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		mc.httpRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		mc.httpLatency.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

func (mc *MetricsCollector) Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(mc.Gatherer(), promhttp.HandlerOpts{}))
}

// Push replaces the job's group on a Pushgateway with the service registry.
// Runtime metrics of a process about to exit are left out. An empty
// gatewayURL is a no-op.
func (mc *MetricsCollector) Push(ctx context.Context, gatewayURL, job string, grouping map[string]string) error {
	if gatewayURL == "" {
		return nil
	}
	pusher := push.New(gatewayURL, job).Gatherer(mc.registry)
	for k, v := range grouping {
		pusher = pusher.Grouping(k, v)
	}
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", gatewayURL, err)
	}
	return nil
}

func (mc *MetricsCollector) NewCounter(name, help string, labels []string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: mc.namespace, Name: name, Help: help}, labels)
	mc.registry.MustRegister(c)
	return c
}

func (mc *MetricsCollector) NewGauge(name, help string, labels []string) *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: mc.namespace, Name: name, Help: help}, labels)
	mc.registry.MustRegister(g)
	return g
}

// NewHistogram uses prometheus.DefBuckets when buckets is nil.
func (mc *MetricsCollector) NewHistogram(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: mc.namespace, Name: name, Help: help, Buckets: buckets}, labels)
	mc.registry.MustRegister(h)
	return h
}
