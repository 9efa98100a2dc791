package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"slices"
	"time"
	"unicode/utf8"

	"curator/api_orchestrator/internal/runner"
	"curator/pkg/atomicfile"
	"curator/pkg/logging"
)

const (
	dateLayout    = "2006-01-02"
	historyWindow = 7 * 24 * time.Hour
	lastErrorMax  = 500
)

// Capture is what one extractor matched: the single group, or every group
// when the pattern has several. It encodes as a string or a list.
type Capture []string

func (c Capture) MarshalJSON() ([]byte, error) {
	if len(c) == 1 {
		return json.Marshal(c[0])
	}
	if c == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(c))
}

func (c *Capture) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = Capture{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("capture must be a string or a list of strings")
	}
	*c = list
	return nil
}

// Record is one task's run history.
type Record struct {
	LastRun      time.Time          `json:"last_run,omitzero"`
	LastStatus   runner.Status      `json:"last_status,omitempty"`
	LastExitCode int                `json:"last_exit_code"`
	LastDuration float64            `json:"last_duration"`
	LastMetrics  map[string]Capture `json:"last_metrics,omitempty"`
	LastLines    []string           `json:"last_lines,omitempty"`
	LastError    string             `json:"last_error,omitempty"`

	// RunsToday counts runs per civil date in the registry's zone.
	RunsToday map[string]int `json:"runs_today,omitempty"`
	// SlotsDone holds "<date>_<slot index>" for handled scheduled slots.
	SlotsDone []string `json:"slots_done,omitempty"`

	ConsecutiveFailures int `json:"consecutive_failures"`

	// RunningSince is set while the task's process is alive.
	RunningSince time.Time `json:"running_since,omitzero"`
}

// Status is the persisted scheduler state.
type Status struct {
	Scripts     map[string]*Record `json:"scripts"`
	DailyJitter map[string][]int   `json:"daily_jitter"`
	JitterDate  string             `json:"jitter_date,omitempty"`
}

func newStatus() *Status {
	return &Status{Scripts: map[string]*Record{}, DailyJitter: map[string][]int{}}
}

// Record returns name's history, creating it when absent.
func (s *Status) Record(name string) *Record {
	if s.Scripts == nil {
		s.Scripts = map[string]*Record{}
	}
	rec, ok := s.Scripts[name]
	if !ok || rec == nil {
		rec = &Record{}
		s.Scripts[name] = rec
	}
	return rec
}

// Trim drops run counters and slot markers dated before cutoff.
func (s *Status) Trim(cutoff string) {
	for _, rec := range s.Scripts {
		if rec == nil {
			continue
		}
		for day := range rec.RunsToday {
			if day < cutoff {
				delete(rec.RunsToday, day)
			}
		}
		rec.SlotsDone = slices.DeleteFunc(rec.SlotsDone, func(k string) bool { return k < cutoff })
	}
}

func slotKey(date string, i int) string {
	return fmt.Sprintf("%s_%d", date, i)
}

// SlotDone reports whether slot i on date was handled.
func (r *Record) SlotDone(date string, i int) bool {
	return slices.Contains(r.SlotsDone, slotKey(date, i))
}

// apply records a finished run.
func (r *Record) apply(res runner.Result, captures map[string]Capture, lines []string, at time.Time, date string, slots []int) {
	r.LastRun = at
	r.LastStatus = res.Status
	r.LastExitCode = res.ExitCode
	r.LastDuration = math.Round(res.Duration.Seconds()*10) / 10
	r.LastMetrics = captures
	r.LastLines = lines
	r.RunningSince = time.Time{}

	if r.RunsToday == nil {
		r.RunsToday = map[string]int{}
	}
	r.RunsToday[date]++
	for _, i := range slots {
		if !r.SlotDone(date, i) {
			r.SlotsDone = append(r.SlotsDone, slotKey(date, i))
		}
	}

	if res.Status.Failed() {
		r.ConsecutiveFailures++
	} else {
		r.ConsecutiveFailures = 0
	}
	if res.Stderr != "" {
		r.LastError = tail(res.Stderr, lastErrorMax)
	}
}

// tail keeps at most the last n bytes of s, starting on a rune boundary.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}

// Store persists Status as a JSON document.
type Store struct {
	path   string
	logger logging.Logger
	now    func() time.Time
}

func NewStore(path string, logger logging.Logger) *Store {
	return &Store{path: path, logger: logger, now: time.Now}
}

func (s *Store) Path() string { return s.path }

// Load reads the status document. A missing file is an empty status; an
// unreadable one is copied aside and also treated as empty.
func (s *Store) Load() (*Status, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return newStatus(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read status %s: %w", s.path, err)
	}

	st := newStatus()
	if err := json.Unmarshal(data, st); err != nil {
		fields := logging.Fields{"path": s.path}
		if dst, qerr := atomicfile.Quarantine(s.path, s.now()); qerr == nil {
			fields["quarantined"] = dst
		}
		if s.logger != nil {
			s.logger.WithFields(fields).WithError(err).Warn("Corrupt status file, starting fresh")
		}
		return newStatus(), nil
	}
	if st.Scripts == nil {
		st.Scripts = map[string]*Record{}
	}
	if st.DailyJitter == nil {
		st.DailyJitter = map[string][]int{}
	}
	return st, nil
}

// Save atomically replaces the status document.
func (s *Store) Save(st *Status) error {
	if err := atomicfile.WriteJSON(s.path, st); err != nil {
		return fmt.Errorf("save status %s: %w", s.path, err)
	}
	return nil
}
