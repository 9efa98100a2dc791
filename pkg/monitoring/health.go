package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthStatus is the aggregate response of a HealthChecker.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Timestamp int64                  `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// CheckResult represents the result of an individual health check
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthCheck is a function that performs a health check
type HealthCheck func() CheckResult

// HealthChecker manages and executes health checks
type HealthChecker struct {
	service string
	version string

	mu     sync.RWMutex
	checks map[string]HealthCheck
}

func NewHealthChecker(service, version string) *HealthChecker {
	return &HealthChecker{
		service: service,
		version: version,
		checks:  make(map[string]HealthCheck),
	}
}

func (hc *HealthChecker) AddCheck(name string, check HealthCheck) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = check
}

// CheckHealth runs all checks. Any unhealthy check makes the whole status unhealthy.
func (hc *HealthChecker) CheckHealth() HealthStatus {
	status := HealthStatus{
		Service:   hc.service,
		Version:   hc.version,
		Timestamp: time.Now().Unix(),
		Checks:    make(map[string]CheckResult),
	}

	hc.mu.RLock()
	defer hc.mu.RUnlock()

	anyUnhealthy, anyDegraded := false, false
	for name, check := range hc.checks {
		result := check()
		status.Checks[name] = result
		switch result.Status {
		case StatusHealthy:
		case StatusDegraded:
			anyDegraded = true
		default:
			anyUnhealthy = true
		}
	}

	switch {
	case anyUnhealthy:
		status.Status = StatusUnhealthy
	case anyDegraded:
		status.Status = StatusDegraded
	default:
		status.Status = StatusHealthy
	}
	return status
}

func (hc *HealthChecker) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		health := hc.CheckHealth()
		code := http.StatusOK
		if health.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, health)
	}
}

// WritableDirCheck verifies the process can create files next to its state documents.
func WritableDirCheck(dir string) HealthCheck {
	return func() CheckResult {
		start := time.Now()
		f, err := os.CreateTemp(dir, ".health-*")
		if err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("%s not writable: %v", dir, err),
				Latency: time.Since(start).String(),
			}
		}
		name := f.Name()
		_ = f.Close()
		_ = os.Remove(name)
		return CheckResult{
			Status:  StatusHealthy,
			Message: filepath.Clean(dir) + " writable",
			Latency: time.Since(start).String(),
		}
	}
}

// FreshnessCheck reports degraded when last() is older than maxAge, and
// unhealthy past twice that. A zero time means nothing has run yet.
func FreshnessCheck(what string, last func() time.Time, maxAge time.Duration) HealthCheck {
	return func() CheckResult {
		t := last()
		if t.IsZero() {
			return CheckResult{Status: StatusDegraded, Message: what + " has not run yet"}
		}
		age := time.Since(t)
		switch {
		case age > 2*maxAge:
			return CheckResult{Status: StatusUnhealthy, Message: fmt.Sprintf("last %s %s ago", what, age.Truncate(time.Second))}
		case age > maxAge:
			return CheckResult{Status: StatusDegraded, Message: fmt.Sprintf("last %s %s ago", what, age.Truncate(time.Second))}
		default:
			return CheckResult{Status: StatusHealthy, Message: fmt.Sprintf("last %s %s ago", what, age.Truncate(time.Second))}
		}
	}
}

// PingCheck reports unhealthy when ping fails within five seconds.
func PingCheck(what string, ping func(context.Context) error) HealthCheck {
	return func() CheckResult {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ping(ctx); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("%s unreachable: %v", what, err),
				Latency: time.Since(start).String(),
			}
		}
		return CheckResult{Status: StatusHealthy, Message: what + " reachable", Latency: time.Since(start).String()}
	}
}
