// Package tasks loads the orchestrator's task registry: which external
// commands to run, on what schedule, with which arguments.
package tasks

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"curator/pkg/config"
)

// Kind is a task's schedule type.
type Kind string

const (
	// Interval runs every IntervalMinutes since the last run.
	Interval Kind = "interval"
	// Scheduled runs once per configured daily time.
	Scheduled Kind = "scheduled"
	// Weekly runs once on Day at Time.
	Weekly Kind = "weekly"
)

const (
	defaultIntervalMinutes = 30
	defaultTimeoutSeconds  = 300
	defaultWeeklyTime      = "10:00"
	defaultWeeklyDay       = "monday"
	defaultAlertThreshold  = 3
	defaultTimezone        = "America/New_York"
)

// Extractor is a config-supplied output pattern. A match stores the
// captured group (or groups) under Label.
type Extractor struct {
	Pattern string `yaml:"pattern"`
	Label   string `yaml:"label"`

	re *regexp.Regexp
}

// Regexp returns the compiled pattern.
func (e Extractor) Regexp() *regexp.Regexp { return e.re }

// Task is one registered command.
type Task struct {
	Name    string `yaml:"name"`
	Kind    Kind   `yaml:"type"`
	Enabled *bool  `yaml:"enabled"`
	// Profile picks the built-in output extractors and success summary.
	// Defaults to Name.
	Profile string `yaml:"profile"`

	IntervalMinutes int      `yaml:"interval_minutes"`
	Times           []string `yaml:"times"`
	Day             string   `yaml:"day"`
	Time            string   `yaml:"time"`
	JitterMinutes   int      `yaml:"jitter_minutes"`

	// Command is the argv prefix; stream, limits and extra args follow.
	Command        []string `yaml:"command"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	// Limits are flag/value pairs such as "--max-posts": 2, passed in
	// flag order.
	Limits    map[string]string `yaml:"limits"`
	ExtraArgs []string          `yaml:"extra_args"`

	// Metrics replaces the built-in output extractors for this task.
	Metrics []Extractor `yaml:"metrics"`

	clocks  []Clock
	weekday time.Weekday
}

// Notifications controls failure and success alerts.
type Notifications struct {
	OnFailure *bool `yaml:"on_failure"`
	OnSuccess *bool `yaml:"on_success"`
	// ConsecutiveFailuresAlert is the failure streak that triggers an alert.
	ConsecutiveFailuresAlert int `yaml:"consecutive_failures_alert"`
}

// Config is the registry document.
type Config struct {
	// Stream is passed to every task as --stream.
	Stream   string `yaml:"stream"`
	Timezone string `yaml:"timezone"`
	// WorkDir is where tasks run; relative to the config file.
	WorkDir string `yaml:"work_dir"`
	// PostsFile is read by the status view for today's post counts.
	PostsFile string            `yaml:"posts_file"`
	NtfyTopic string            `yaml:"ntfy_topic"`
	Env       map[string]string `yaml:"env"`

	Notifications Notifications `yaml:"notifications"`
	Tasks         []*Task       `yaml:"tasks"`

	path     string
	baseDir  string
	location *time.Location
}

// Clock is a wall-clock time of day.
type Clock struct {
	Hour, Minute int
}

func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

// On returns the instant at c on the civil day of day, in loc.
func (c Clock) On(day time.Time, loc *time.Location) time.Time {
	y, m, d := day.In(loc).Date()
	return time.Date(y, m, d, c.Hour, c.Minute, 0, 0, loc)
}

// ParseClock parses "HH:MM".
func ParseClock(s string) (Clock, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Clock{}, fmt.Errorf("time %q is not HH:MM", s)
	}
	hour, err1 := strconv.Atoi(h)
	minute, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return Clock{}, fmt.Errorf("time %q is not HH:MM", s)
	}
	return Clock{Hour: hour, Minute: minute}, nil
}

// Load reads and validates a registry document.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := config.LoadDocument(path, &cfg); err != nil {
		return nil, err
	}
	base, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	cfg.path = path
	cfg.baseDir = base
	if err := cfg.normalize(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) normalize() error {
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	c.location = loc
	if c.Notifications.ConsecutiveFailuresAlert <= 0 {
		c.Notifications.ConsecutiveFailuresAlert = defaultAlertThreshold
	}
	if len(c.Tasks) == 0 {
		return fmt.Errorf("no tasks configured")
	}

	seen := map[string]bool{}
	for i, t := range c.Tasks {
		if t == nil || t.Name == "" {
			return fmt.Errorf("task %d has no name", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("task %q is defined twice", t.Name)
		}
		seen[t.Name] = true
		if err := t.normalize(); err != nil {
			return fmt.Errorf("task %q: %w", t.Name, err)
		}
	}
	return nil
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

func (t *Task) normalize() error {
	if len(t.Command) == 0 {
		return fmt.Errorf("command is required")
	}
	if t.JitterMinutes < 0 {
		return fmt.Errorf("jitter_minutes must not be negative")
	}
	if t.TimeoutSeconds <= 0 {
		t.TimeoutSeconds = defaultTimeoutSeconds
	}
	if t.Profile == "" {
		t.Profile = t.Name
	}

	switch t.Kind {
	case Interval:
		if t.IntervalMinutes <= 0 {
			t.IntervalMinutes = defaultIntervalMinutes
		}
	case Scheduled:
		if len(t.Times) == 0 {
			return fmt.Errorf("scheduled task needs times")
		}
		for _, s := range t.Times {
			c, err := ParseClock(s)
			if err != nil {
				return err
			}
			t.clocks = append(t.clocks, c)
		}
	case Weekly:
		if t.Day == "" {
			t.Day = defaultWeeklyDay
		}
		wd, ok := weekdays[strings.ToLower(t.Day)]
		if !ok {
			return fmt.Errorf("unknown day %q", t.Day)
		}
		t.weekday = wd
		if t.Time == "" {
			t.Time = defaultWeeklyTime
		}
		c, err := ParseClock(t.Time)
		if err != nil {
			return err
		}
		t.clocks = []Clock{c}
	default:
		return fmt.Errorf("unknown type %q (want interval, scheduled or weekly)", t.Kind)
	}

	for i := range t.Metrics {
		m := &t.Metrics[i]
		if m.Label == "" {
			return fmt.Errorf("metric %d has no label", i)
		}
		re, err := regexp.Compile(m.Pattern)
		if err != nil {
			return fmt.Errorf("metric %q: %w", m.Label, err)
		}
		m.re = re
	}
	return nil
}

// IsEnabled reports whether the task may run. Tasks are enabled unless
// switched off.
func (t *Task) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// Clocks are the task's daily times: every slot for scheduled tasks, the
// single time for weekly ones.
func (t *Task) Clocks() []Clock { return t.clocks }

// Weekday is a weekly task's day.
func (t *Task) Weekday() time.Weekday { return t.weekday }

func (t *Task) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// Interval is an interval task's period.
func (t *Task) Interval() time.Duration {
	return time.Duration(t.IntervalMinutes) * time.Minute
}

// Args builds the full argv: command, --stream, limits in flag order,
// then extra args.
func (t *Task) Args(stream string) []string {
	args := append([]string(nil), t.Command...)
	if stream != "" {
		args = append(args, "--stream", stream)
	}
	flags := make([]string, 0, len(t.Limits))
	for flag := range t.Limits {
		flags = append(flags, flag)
	}
	sort.Strings(flags)
	for _, flag := range flags {
		args = append(args, flag, t.Limits[flag])
	}
	return append(args, t.ExtraArgs...)
}

// Task returns the named task.
func (c *Config) Task(name string) (*Task, bool) {
	for _, t := range c.Tasks {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// Location is the zone schedules are evaluated in.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

// Dir is the working directory for tasks.
func (c *Config) Dir() string {
	return c.resolve(c.WorkDir)
}

// PostsPath is the post store the status view reads, or "".
func (c *Config) PostsPath() string {
	if c.PostsFile == "" {
		return ""
	}
	return c.resolve(c.PostsFile)
}

// Stem is the config file name without extension. Status and lock paths
// derive from it so registries do not share state.
func (c *Config) Stem() string {
	base := filepath.Base(c.path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// StatusPath is the run-record file: ORCHESTRATOR_STATUS_FILE, else
// data/orchestrator-status-<stem>.json under the work dir.
func (c *Config) StatusPath() string {
	if override := config.GetEnv("ORCHESTRATOR_STATUS_FILE", ""); override != "" {
		return override
	}
	return filepath.Join(c.Dir(), "data", "orchestrator-status-"+c.Stem()+".json")
}

// LockName names the heartbeat's process lock.
func (c *Config) LockName() string {
	return "orchestrator-" + c.Stem()
}

// AlertsOnFailure reports whether failure streaks notify.
func (c *Config) AlertsOnFailure() bool {
	return c.Notifications.OnFailure == nil || *c.Notifications.OnFailure
}

// AlertsOnSuccess reports whether success summaries notify.
func (c *Config) AlertsOnSuccess() bool {
	return c.Notifications.OnSuccess == nil || *c.Notifications.OnSuccess
}

// Environ is the child environment: the parent's plus the configured
// overrides.
func (c *Config) Environ(parent []string) []string {
	env := append([]string(nil), parent...)
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+c.Env[k])
	}
	return env
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) || c.baseDir == "" {
		return p
	}
	return filepath.Join(c.baseDir, p)
}
