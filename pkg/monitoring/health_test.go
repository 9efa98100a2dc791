package monitoring

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestHealthCheckerAggregatesWorstStatus(t *testing.T) {
	hc := NewHealthChecker("svc", "v1")
	hc.AddCheck("ok", func() CheckResult { return CheckResult{Status: StatusHealthy} })
	require.Equal(t, StatusHealthy, hc.CheckHealth().Status)

	hc.AddCheck("slow", func() CheckResult { return CheckResult{Status: StatusDegraded} })
	require.Equal(t, StatusDegraded, hc.CheckHealth().Status)

	hc.AddCheck("bad", func() CheckResult { return CheckResult{Status: "weird"} })
	require.Equal(t, StatusUnhealthy, hc.CheckHealth().Status)
}

func TestHealthHandlerReturns503WhenUnhealthy(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hc := NewHealthChecker("svc", "v1")
	hc.AddCheck("bad", func() CheckResult { return CheckResult{Status: StatusUnhealthy} })

	r := gin.New()
	r.GET("/health", hc.Handler())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestWritableDirCheck(t *testing.T) {
	require.Equal(t, StatusHealthy, WritableDirCheck(t.TempDir())().Status)
	require.Equal(t, StatusUnhealthy, WritableDirCheck("/nonexistent/dir/for/test")().Status)
}

func TestFreshnessCheck(t *testing.T) {
	var last time.Time
	check := FreshnessCheck("heartbeat", func() time.Time { return last }, time.Minute)
	require.Equal(t, StatusDegraded, check().Status)

	last = time.Now()
	require.Equal(t, StatusHealthy, check().Status)

	last = time.Now().Add(-90 * time.Second)
	require.Equal(t, StatusDegraded, check().Status)

	last = time.Now().Add(-5 * time.Minute)
	require.Equal(t, StatusUnhealthy, check().Status)
}

func TestPingCheck(t *testing.T) {
	ok := PingCheck("lock backend", func(ctx context.Context) error {
		_, hasDeadline := ctx.Deadline()
		require.True(t, hasDeadline)
		return nil
	})
	require.Equal(t, StatusHealthy, ok().Status)

	down := PingCheck("lock backend", func(context.Context) error { return errors.New("connection refused") })()
	require.Equal(t, StatusUnhealthy, down.Status)
	require.Contains(t, down.Message, "connection refused")
}

func TestPushSendsServiceMetrics(t *testing.T) {
	var body string
	var path string
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		buf := new(strings.Builder)
		_, _ = io.Copy(buf, r.Body)
		body = buf.String()
		w.WriteHeader(http.StatusOK)
	}))
	defer gw.Close()

	mc := NewMetricsCollector("push-test", "v1", "abc")
	mc.NewCounter("runs_total", "runs", []string{"task"}).WithLabelValues("post").Inc()

	require.NoError(t, mc.Push(context.Background(), gw.URL, "heartbeat", map[string]string{"instance": "a"}))
	require.Equal(t, "/metrics/job/heartbeat/instance/a", path)
	require.NotEmpty(t, body)
}

func TestPushWithoutGatewayIsNoop(t *testing.T) {
	mc := &MetricsCollector{registry: prometheus.NewRegistry()}
	require.NoError(t, mc.Push(context.Background(), "", "job", nil))
}
