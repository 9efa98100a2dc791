package scheduler

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"curator/pkg/logging"
)

const defaultDaemonInterval = 5 * time.Minute

// Daemon runs heartbeats on a ticker, for hosts without cron.
type Daemon struct {
	scheduler *Scheduler
	interval  time.Duration
	logger    logging.Logger

	mu       sync.RWMutex
	last     *Report
	lastBeat time.Time
}

func NewDaemon(s *Scheduler, interval time.Duration, logger logging.Logger) *Daemon {
	if interval <= 0 {
		interval = defaultDaemonInterval
	}
	if logger == nil {
		logger = s.logger
	}
	return &Daemon{scheduler: s, interval: interval, logger: logger}
}

// Interval is the heartbeat period.
func (d *Daemon) Interval() time.Duration { return d.interval }

// Start beats once immediately, then every interval until ctx is done.
func (d *Daemon) Start(ctx context.Context) {
	if d == nil {
		return
	}
	d.runCycle(ctx)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runCycle(ctx)
		}
	}
}

func (d *Daemon) runCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithField("panic", fmt.Sprint(r)).Error("Heartbeat panic")
		}
	}()

	report, err := d.scheduler.Heartbeat(ctx, false)
	switch {
	case IsLocked(err):
		d.logger.Info("Another orchestrator instance is running. Skipping.")
		return
	case err != nil:
		d.logger.WithError(err).Error("Heartbeat failed")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if report != nil {
		d.last = report
	}
	if err == nil {
		d.lastBeat = d.scheduler.now()
	}
}

// LastHeartbeat is when the last heartbeat completed, zero before the first.
func (d *Daemon) LastHeartbeat() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastBeat
}

// LastReport is the most recent heartbeat's report, or nil.
func (d *Daemon) LastReport() *Report {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.last
}

// RegisterRoutes adds GET /status: the last report and the run history.
func (d *Daemon) RegisterRoutes(r gin.IRoutes) {
	r.GET("/status", func(c *gin.Context) {
		st, err := d.scheduler.Status()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"stream":         d.scheduler.registry.Stream,
			"interval":       d.interval.String(),
			"last_heartbeat": d.LastHeartbeat(),
			"last_report":    d.LastReport(),
			"status":         st,
		})
	})
}
