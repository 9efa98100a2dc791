package scheduler

import (
	"hash/fnv"
	"math/rand/v2"

	"curator/api_orchestrator/internal/tasks"
)

// ensureJitter returns the day's offsets in minutes per task, one per clock.
// Offsets are cached in the status for the date; tasks added since are
// filled in without disturbing the others.
func (s *Status) ensureJitter(reg *tasks.Config, date string) map[string][]int {
	if s.JitterDate != date || s.DailyJitter == nil {
		s.DailyJitter = map[string][]int{}
		s.JitterDate = date
	}
	for _, t := range reg.Tasks {
		if offsets, ok := s.DailyJitter[t.Name]; ok && len(offsets) == len(t.Clocks()) {
			continue
		}
		s.DailyJitter[t.Name] = jitterFor(t, date)
	}
	return s.DailyJitter
}

// jitterFor draws offsets in [-JitterMinutes, JitterMinutes] from a source
// seeded by task name and date.
func jitterFor(t *tasks.Task, date string) []int {
	clocks := t.Clocks()
	offsets := make([]int, len(clocks))
	j := t.JitterMinutes
	if j == 0 {
		return offsets
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(t.Name))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(date))
	rng := rand.New(rand.NewPCG(h.Sum64(), uint64(len(clocks))))
	for i := range offsets {
		offsets[i] = rng.IntN(2*j+1) - j
	}
	return offsets
}

func offsetAt(offsets []int, i int) int {
	if i < len(offsets) {
		return offsets[i]
	}
	return 0
}
