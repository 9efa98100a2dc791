package scheduler

import (
	"fmt"
	"time"

	"curator/api_orchestrator/internal/tasks"
)

// runningGrace is how long past its timeout a running marker is still
// believed. A marker older than that was left by a crashed heartbeat.
const runningGrace = time.Minute

// Decision is whether a task is due and why.
type Decision struct {
	Due    bool
	Reason string
	// Slots are the scheduled slot indexes the run will cover.
	Slots []int
}

func skip(format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

func due(slots []int, format string, args ...any) Decision {
	return Decision{Due: true, Reason: fmt.Sprintf(format, args...), Slots: slots}
}

// Evaluate decides whether t should run at now given its history and
// today's jitter offsets.
func Evaluate(t *tasks.Task, rec *Record, now time.Time, loc *time.Location, offsets []int) Decision {
	if !t.IsEnabled() {
		return skip("disabled")
	}
	if rec == nil {
		rec = &Record{}
	}
	if !rec.RunningSince.IsZero() && now.Sub(rec.RunningSince) < t.Timeout()+runningGrace {
		return skip("already running")
	}

	local := now.In(loc)
	date := local.Format(dateLayout)
	ranToday := !rec.LastRun.IsZero() && rec.LastRun.In(loc).Format(dateLayout) == date

	switch t.Kind {
	case tasks.Interval:
		if rec.LastRun.IsZero() {
			return due(nil, "never run")
		}
		elapsed := now.Sub(rec.LastRun)
		if elapsed >= t.Interval() {
			return due(nil, "interval %dm elapsed", t.IntervalMinutes)
		}
		return skip("next in %dm", int((t.Interval() - elapsed).Minutes()))

	case tasks.Scheduled:
		runs := rec.RunsToday[date]
		var slots []int
		var first string
		for i, c := range t.Clocks() {
			offset := offsetAt(offsets, i)
			at := c.On(local, loc).Add(time.Duration(offset) * time.Minute)
			if local.Before(at) {
				continue
			}
			if rec.SlotDone(date, i) {
				continue
			}
			if ranToday && runs >= i+1 {
				continue
			}
			if slots == nil {
				first = fmt.Sprintf("scheduled %s (jitter %+dm)", c, offset)
			}
			slots = append(slots, i)
		}
		if len(slots) == 0 {
			return skip("no scheduled slot due")
		}
		// Missed slots collapse into this one run.
		return due(slots, "%s", first)

	case tasks.Weekly:
		if local.Weekday() != t.Weekday() {
			return skip("not %s", t.Day)
		}
		c := t.Clocks()[0]
		offset := offsetAt(offsets, 0)
		at := c.On(local, loc).Add(time.Duration(offset) * time.Minute)
		if local.Before(at) {
			return skip("not yet (scheduled %s %+dm)", c, offset)
		}
		if ranToday {
			return skip("already ran today")
		}
		return due(nil, "weekly %s %s (jitter %+dm)", t.Day, c, offset)
	}
	return skip("unknown type: %s", t.Kind)
}
