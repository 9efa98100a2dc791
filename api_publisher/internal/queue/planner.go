package queue

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
)

// PlanMode selects how NextSlot picks a time.
type PlanMode string

const (
	// PlanAuto is fixed when posting times are configured, random otherwise.
	PlanAuto   PlanMode = "auto"
	PlanFixed  PlanMode = "fixed"
	PlanRandom PlanMode = "random"
)

const (
	fixedSearchDays   = 100
	randomSearchDays  = 30
	randomDaySamples  = 20
	slotKeyLayout     = "2006-01-02T15:04"
	defaultJitterMins = 30
)

var defaultPostingTimes = []string{"11:00", "18:00"}

// PlannerConfig is the per-stream scheduling policy.
type PlannerConfig struct {
	Location *time.Location

	// Fixed mode.
	PostingTimes  []string
	JitterMinutes int

	// Random mode.
	MaxPerDay       int
	MinGap          time.Duration
	WindowStartHour int
	WindowEndHour   int
}

// DefaultPlannerConfig returns the stock policy in America/New_York, or UTC
// when the zone database is unavailable.
func DefaultPlannerConfig() PlannerConfig {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	return PlannerConfig{
		Location:        loc,
		JitterMinutes:   defaultJitterMins,
		MaxPerDay:       4,
		MinGap:          2 * time.Hour,
		WindowStartHour: 7,
		WindowEndHour:   22,
	}
}

type clockTime struct{ hour, minute int }

// Planner computes the next free posting instant from the current store.
// It reserves nothing; callers insert the item in the same locked update.
type Planner struct {
	cfg   PlannerConfig
	times []clockTime
	now   func() time.Time
	rng   *rand.Rand
}

type PlannerOption func(*Planner)

func WithPlannerClock(now func() time.Time) PlannerOption {
	return func(p *Planner) { p.now = now }
}

func WithPlannerRand(r *rand.Rand) PlannerOption {
	return func(p *Planner) { p.rng = r }
}

func NewPlanner(cfg PlannerConfig, opts ...PlannerOption) (*Planner, error) {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.JitterMinutes < 0 {
		return nil, fmt.Errorf("jitter minutes must not be negative")
	}
	if cfg.MaxPerDay <= 0 {
		cfg.MaxPerDay = 4
	}
	if cfg.WindowEndHour == 0 && cfg.WindowStartHour == 0 {
		cfg.WindowStartHour, cfg.WindowEndHour = 7, 22
	}
	if cfg.WindowStartHour < 0 || cfg.WindowEndHour > 24 || cfg.WindowStartHour >= cfg.WindowEndHour {
		return nil, fmt.Errorf("posting window %d-%d is empty", cfg.WindowStartHour, cfg.WindowEndHour)
	}

	p := &Planner{cfg: cfg, now: time.Now, rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
	for _, s := range cfg.PostingTimes {
		ct, err := parseClock(s)
		if err != nil {
			return nil, err
		}
		p.times = append(p.times, ct)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func parseClock(s string) (clockTime, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return clockTime{}, fmt.Errorf("posting time %q is not HH:MM", s)
	}
	hour, err1 := strconv.Atoi(h)
	minute, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return clockTime{}, fmt.Errorf("posting time %q is not HH:MM", s)
	}
	return clockTime{hour, minute}, nil
}

// Mode resolves PlanAuto against the configuration.
func (p *Planner) Mode(mode PlanMode) PlanMode {
	if mode == PlanAuto || mode == "" {
		if len(p.times) > 0 {
			return PlanFixed
		}
		return PlanRandom
	}
	return mode
}

// NextSlot returns the next free instant for doc, in the planner's zone.
func (p *Planner) NextSlot(doc *Document, mode PlanMode) (time.Time, error) {
	switch p.Mode(mode) {
	case PlanFixed:
		return p.nextFixed(doc), nil
	case PlanRandom:
		return p.nextRandom(doc), nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule mode %q", mode)
	}
}

// nextFixed walks days from today, trying each configured time with fresh
// jitter, and takes the first future instant whose minute is not booked by
// an approved or draft item.
func (p *Planner) nextFixed(doc *Document) time.Time {
	loc := p.cfg.Location
	times := p.times
	if len(times) == 0 {
		for _, s := range defaultPostingTimes {
			ct, _ := parseClock(s)
			times = append(times, ct)
		}
	}

	booked := map[string]bool{}
	for _, it := range doc.WithStatus(StatusApproved, StatusDraft) {
		if it.ScheduledFor.Valid() {
			booked[it.ScheduledFor.Time().In(loc).Format(slotKeyLayout)] = true
		}
	}

	now := p.now().In(loc)
	for day := 0; day < fixedSearchDays; day++ {
		for _, ct := range times {
			base := time.Date(now.Year(), now.Month(), now.Day()+day, ct.hour, ct.minute, 0, 0, loc)
			slot := base.Add(time.Duration(p.jitter()) * time.Minute)
			if !slot.After(now) {
				continue
			}
			if !booked[slot.Format(slotKeyLayout)] {
				return slot
			}
		}
	}
	first := times[0]
	return time.Date(now.Year(), now.Month(), now.Day()+1, first.hour, first.minute, 0, 0, loc)
}

func (p *Planner) jitter() int {
	j := p.cfg.JitterMinutes
	if j == 0 {
		return 0
	}
	return p.rng.IntN(2*j+1) - j
}

// nextRandom samples instants inside the daily window, skipping days at the
// cap and samples closer than MinGap to anything already scheduled.
func (p *Planner) nextRandom(doc *Document) time.Time {
	loc := p.cfg.Location
	var taken []time.Time
	for _, it := range doc.WithStatus(StatusApproved, StatusPosted, StatusPosting) {
		if it.ScheduledFor.Valid() {
			taken = append(taken, it.ScheduledFor.Time().In(loc))
		}
	}

	now := p.now().In(loc)
	startDay := 0
	if now.Hour() >= p.cfg.WindowEndHour {
		startDay = 1
	}
	span := p.cfg.WindowEndHour - p.cfg.WindowStartHour

	for offset := startDay; offset < startDay+randomSearchDays; offset++ {
		day := time.Date(now.Year(), now.Month(), now.Day()+offset, 0, 0, 0, 0, loc)
		if countOnDay(taken, day) >= p.cfg.MaxPerDay {
			continue
		}
		for i := 0; i < randomDaySamples; i++ {
			hour := p.cfg.WindowStartHour + p.rng.IntN(span)
			minute := p.rng.IntN(60)
			candidate := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc)
			if !candidate.After(now) {
				continue
			}
			if tooClose(candidate, taken, p.cfg.MinGap) {
				continue
			}
			return candidate
		}
	}
	return now.AddDate(0, 0, randomSearchDays)
}

func countOnDay(taken []time.Time, day time.Time) int {
	y, m, d := day.Date()
	n := 0
	for _, t := range taken {
		ty, tm, td := t.Date()
		if ty == y && tm == m && td == d {
			n++
		}
	}
	return n
}

func tooClose(candidate time.Time, taken []time.Time, gap time.Duration) bool {
	for _, t := range taken {
		diff := candidate.Sub(t)
		if diff < 0 {
			diff = -diff
		}
		if diff < gap {
			return true
		}
	}
	return false
}
