package queue

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"curator/pkg/logging"
)

// Outcome explains a Select result.
type Outcome string

const (
	Selected Outcome = "selected"
	// QueueEmpty means no approved items exist at all.
	QueueEmpty Outcome = "queue_empty"
	// NothingDue means approved items exist but none can go out now.
	NothingDue Outcome = "nothing_due"
)

type SelectionConfig struct {
	// MinScore skips scored items below it. Nil disables the gate; unscored
	// items always pass.
	MinScore *float64
	// HandleWindow and CategoryWindow are how many recent posts the
	// diversity tiers look back over.
	HandleWindow   int
	CategoryWindow int
}

// Selector picks the next item to publish. Select mutates the document
// (quality skips, lazily assigned categories); callers persist it.
type Selector struct {
	cfg        SelectionConfig
	classifier *Classifier
	now        func() time.Time
	rng        *rand.Rand
	logger     logging.Logger
}

type SelectorOption func(*Selector)

func WithSelectorClock(now func() time.Time) SelectorOption {
	return func(s *Selector) { s.now = now }
}

func WithSelectorRand(r *rand.Rand) SelectorOption {
	return func(s *Selector) { s.rng = r }
}

func NewSelector(cfg SelectionConfig, classifier *Classifier, logger logging.Logger, opts ...SelectorOption) *Selector {
	if cfg.HandleWindow <= 0 {
		cfg.HandleWindow = 3
	}
	if cfg.CategoryWindow <= 0 {
		cfg.CategoryWindow = 2
	}
	s := &Selector{
		cfg:        cfg,
		classifier: classifier,
		now:        time.Now,
		rng:        rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select returns the best due item not in exclude, or nil with the reason.
func (s *Selector) Select(doc *Document, exclude map[int]bool) (*ContentItem, Outcome) {
	now := s.now()
	approved := doc.WithStatus(StatusApproved)
	if len(approved) == 0 {
		return nil, QueueEmpty
	}

	var ready []*ContentItem
	for _, it := range approved {
		if exclude[it.ID] {
			continue
		}
		if !it.ScheduledFor.Valid() {
			if it.ScheduledFor != nil && s.logger != nil {
				s.logger.WithFields(logging.Fields{
					"post_id":       it.ID,
					"scheduled_for": it.ScheduledFor.String(),
				}).Warn("Unparseable scheduled_for, skipping")
			}
			continue
		}
		if it.ScheduledFor.Time().After(now) {
			continue
		}
		if s.cfg.MinScore != nil && it.Score != nil && *it.Score < *s.cfg.MinScore {
			reason := fmt.Sprintf("score %.1f below minimum %.1f", *it.Score, *s.cfg.MinScore)
			if err := it.Skip(StatusSkippedLowQuality, reason, now); err == nil && s.logger != nil {
				s.logger.WithFields(logging.Fields{"post_id": it.ID, "reason": reason}).Info("Skipped low-quality post")
			}
			continue
		}
		if it.Category == "" {
			it.Category = s.classifier.Classify(it.LeadText())
		}
		ready = append(ready, it)
	}
	if len(ready) == 0 {
		return nil, NothingDue
	}

	handles, categories := s.recentlyPosted(doc)
	newHandle := func(it *ContentItem) bool { return it.Handle() == "" || !handles[it.Handle()] }
	newCategory := func(it *ContentItem) bool { return !categories[it.Category] }

	tiers := []func(*ContentItem) bool{
		func(it *ContentItem) bool { return newHandle(it) && newCategory(it) },
		newHandle,
		newCategory,
		func(*ContentItem) bool { return true },
	}
	for _, keep := range tiers {
		var tier []*ContentItem
		for _, it := range ready {
			if keep(it) {
				tier = append(tier, it)
			}
		}
		if len(tier) > 0 {
			return s.pick(tier), Selected
		}
	}
	return nil, NothingDue
}

// recentlyPosted collects the handles of the last HandleWindow posts and the
// categories of the last CategoryWindow posts.
func (s *Selector) recentlyPosted(doc *Document) (map[string]bool, map[string]bool) {
	posted := doc.WithStatus(StatusPosted)
	sort.SliceStable(posted, func(i, j int) bool {
		ti, tj := posted[i].PostedAt.Time(), posted[j].PostedAt.Time()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return posted[i].ID > posted[j].ID
	})

	handles := map[string]bool{}
	for i := 0; i < len(posted) && i < s.cfg.HandleWindow; i++ {
		if h := posted[i].Handle(); h != "" {
			handles[h] = true
		}
	}
	categories := map[string]bool{}
	for i := 0; i < len(posted) && i < s.cfg.CategoryWindow; i++ {
		cat := posted[i].Category
		if cat == "" {
			cat = s.classifier.Classify(posted[i].LeadText())
		}
		categories[cat] = true
	}
	return handles, categories
}

// pick takes the highest scored candidate when any is scored, otherwise a
// uniformly random one. Ties on score are broken at random too.
func (s *Selector) pick(tier []*ContentItem) *ContentItem {
	var best []*ContentItem
	var bestScore float64
	for _, it := range tier {
		if it.Score == nil {
			continue
		}
		switch {
		case len(best) == 0 || *it.Score > bestScore:
			best = []*ContentItem{it}
			bestScore = *it.Score
		case *it.Score == bestScore:
			best = append(best, it)
		}
	}
	if len(best) == 0 {
		best = tier
	}
	return best[s.rng.IntN(len(best))]
}
