// Package scheduler decides which registered tasks are due, runs them as
// child processes and keeps their run history.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"curator/api_orchestrator/internal/runner"
	"curator/api_orchestrator/internal/tasks"
	"curator/pkg/locks"
	"curator/pkg/logging"
	"curator/pkg/notify"
)

// CommandRunner executes one task command.
type CommandRunner interface {
	Run(ctx context.Context, argv []string, timeout time.Duration) runner.Result
}

type Config struct {
	Registry *tasks.Config
	Store    *Store
	Runner   CommandRunner
	// Locker guards whole heartbeats. Nil runs unguarded.
	Locker   locks.ProcessLocker
	Notifier notify.Notifier
	Metrics  *Metrics
	Logger   logging.Logger
	Now      func() time.Time
}

type Scheduler struct {
	registry *tasks.Config
	store    *Store
	runner   CommandRunner
	locker   locks.ProcessLocker
	notifier notify.Notifier
	metrics  *Metrics
	logger   logging.Logger
	now      func() time.Time
}

func New(cfg Config) *Scheduler {
	s := &Scheduler{
		registry: cfg.Registry,
		store:    cfg.Store,
		runner:   cfg.Runner,
		locker:   cfg.Locker,
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if s.notifier == nil {
		s.notifier = notify.Discard{}
	}
	if s.logger == nil {
		s.logger = logging.NewDiscardLogger()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// TaskReport is one task's part of a heartbeat.
type TaskReport struct {
	Name     string             `json:"name"`
	Due      bool               `json:"due"`
	Reason   string             `json:"reason"`
	Status   runner.Status      `json:"status,omitempty"`
	ExitCode int                `json:"exit_code,omitempty"`
	Duration float64            `json:"duration_seconds,omitempty"`
	Metrics  map[string]Capture `json:"metrics,omitempty"`
}

// Report summarizes a heartbeat.
type Report struct {
	RunID  string       `json:"run_id"`
	At     time.Time    `json:"at"`
	DryRun bool         `json:"dry_run"`
	Ran    int          `json:"ran"`
	Tasks  []TaskReport `json:"tasks"`
}

// Heartbeat runs every due task once, in registry order. It returns
// locks.ErrLocked without doing anything when another heartbeat holds the
// lock. A dry run logs the commands it would start and records nothing but
// the day's jitter.
func (s *Scheduler) Heartbeat(ctx context.Context, dryRun bool) (*Report, error) {
	if s.locker != nil {
		lock, err := s.locker.TryAcquire(ctx, s.registry.LockName())
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := lock.Release(); err != nil {
				s.logger.WithError(err).Warn("Failed to release heartbeat lock")
			}
		}()
	}

	loc := s.registry.Location()
	now := s.now().In(loc)
	date := now.Format(dateLayout)
	report := &Report{RunID: uuid.NewString(), At: now, DryRun: dryRun}
	log := s.logger.WithFields(logging.Fields{"run_id": report.RunID, "stream": s.registry.Stream})

	status, err := s.store.Load()
	if err != nil {
		return nil, err
	}
	status.Trim(now.Add(-historyWindow).Format(dateLayout))
	jitter := status.ensureJitter(s.registry, date)

	mode := ""
	if dryRun {
		mode = " [DRY RUN]"
	}
	log.Infof("Heartbeat at %s%s", now.Format("15:04:05 MST"), mode)

	for _, t := range s.registry.Tasks {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		rec := status.Record(t.Name)
		decision := Evaluate(t, rec, now, loc, jitter[t.Name])
		tr := TaskReport{Name: t.Name, Due: decision.Due, Reason: decision.Reason}
		if !decision.Due {
			log.Infof("  %s: skip (%s)", t.Name, decision.Reason)
			report.Tasks = append(report.Tasks, tr)
			continue
		}
		log.Infof("  %s: due (%s)", t.Name, decision.Reason)
		report.Ran++

		argv := t.Args(s.registry.Stream)
		if dryRun {
			log.Infof("  %s: would run: %s", t.Name, strings.Join(argv, " "))
			tr.Status = runner.DryRun
			report.Tasks = append(report.Tasks, tr)
			continue
		}

		rec.RunningSince = s.now()
		if err := s.store.Save(status); err != nil {
			return report, err
		}

		log.Infof("Running: %s (timeout %s)", strings.Join(argv, " "), t.Timeout())
		res := s.run(ctx, t, argv)
		captures, lines := extract(extractorsFor(t), res.Stdout)
		rec.apply(res, captures, lines, now, date, decision.Slots)
		s.metrics.observeRun(t.Name, res, rec)

		tr.Status, tr.ExitCode, tr.Duration, tr.Metrics = res.Status, res.ExitCode, rec.LastDuration, captures
		report.Tasks = append(report.Tasks, tr)

		s.alertOnFailure(ctx, t, res, rec)
		if res.Status != runner.Success {
			log.Warnf("  %s: %s (exit %d, %ss)", t.Name, res.Status, res.ExitCode, seconds(rec.LastDuration))
			for _, line := range lastN(strings.Split(strings.TrimSpace(res.Stderr), "\n"), 3) {
				if line != "" {
					log.Warnf("    stderr: %s", line)
				}
			}
		} else {
			log.Infof("  %s: ok (%ss)", t.Name, seconds(rec.LastDuration))
			var parts []string
			for _, line := range lastN(lines, 2) {
				cleaned := stripLogPrefix(line)
				log.Infof("    %s", cleaned)
				parts = append(parts, cleaned)
			}
			s.notifySuccess(ctx, t, captures, parts)
		}

		if err := s.store.Save(status); err != nil {
			return report, err
		}
	}

	if report.Ran == 0 && !dryRun {
		log.Info("  Nothing to run this heartbeat.")
	}
	if err := s.store.Save(status); err != nil {
		return report, err
	}
	s.metrics.observeHeartbeat(dryRun)
	log.Info("Heartbeat complete.")
	return report, nil
}

// run executes the task, converting a panic in the runner into an error
// result so the heartbeat moves on to the next task.
func (s *Scheduler) run(ctx context.Context, t *tasks.Task, argv []string) (res runner.Result) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logging.Fields{"task": t.Name, "panic": fmt.Sprint(r)}).Error("Task runner panic")
			res = runner.Result{
				Status:   runner.Error,
				Command:  strings.Join(argv, " "),
				Stderr:   fmt.Sprintf("internal error: %v", r),
				ExitCode: -1,
			}
		}
	}()
	return s.runner.Run(ctx, argv, t.Timeout())
}

// alertOnFailure notifies once a failure streak reaches the threshold. The
// first failure of a streak is only logged.
func (s *Scheduler) alertOnFailure(ctx context.Context, t *tasks.Task, res runner.Result, rec *Record) {
	if !res.Status.Failed() || !s.registry.AlertsOnFailure() {
		return
	}
	threshold := s.registry.Notifications.ConsecutiveFailuresAlert
	switch {
	case rec.ConsecutiveFailures >= threshold:
		s.notifier.Notify(ctx,
			fmt.Sprintf("%s: %s failing", s.label(), t.Name),
			fmt.Sprintf("%d consecutive failures. Last: %s", rec.ConsecutiveFailures, res.Status),
			notify.PriorityHigh)
	case rec.ConsecutiveFailures == 1:
		s.logger.WithField("task", t.Name).Warnf("%s failed: %s", t.Name, res.Status)
	}
}

func (s *Scheduler) notifySuccess(ctx context.Context, t *tasks.Task, captures map[string]Capture, parts []string) {
	if !s.registry.AlertsOnSuccess() {
		return
	}
	body := successSummary(t.Profile, captures, parts)
	if body == "" {
		return
	}
	s.notifier.Notify(ctx, fmt.Sprintf("%s: %s", s.label(), t.Name), body, notify.PriorityDefault)
}

func (s *Scheduler) label() string {
	if s.registry.Stream != "" {
		return s.registry.Stream
	}
	return s.registry.Stem()
}

// Status loads the persisted run history.
func (s *Scheduler) Status() (*Status, error) {
	return s.store.Load()
}

// IsLocked reports whether err means another heartbeat was running.
func IsLocked(err error) bool {
	return errors.Is(err, locks.ErrLocked)
}

func seconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func lastN(lines []string, n int) []string {
	if len(lines) > n {
		return lines[len(lines)-n:]
	}
	return lines
}
