// Package publish runs one publish attempt for a stream: recover stuck
// items, apply rate limits, select, check media and text, guard against
// duplicates, then post and record the outcome.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"strings"
	"time"

	"curator/api_publisher/internal/platform"
	"curator/api_publisher/internal/queue"
	"curator/api_publisher/internal/streams"
	"curator/pkg/cache"
	"curator/pkg/logging"
	"curator/pkg/notify"
)

// Outcome summarizes a run for callers and metrics. OutcomeRejected is a
// policy rejection: the item is failed but the run is not.
type Outcome string

const (
	OutcomePosted    Outcome = "posted"
	OutcomePartial   Outcome = "partial_thread"
	OutcomeFailed    Outcome = "failed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeDryRun    Outcome = "dry_run"
	OutcomeNoneReady Outcome = "none_ready"
	OutcomeDailyCap  Outcome = "daily_cap"
	OutcomeGap       Outcome = "gap"
	OutcomeError     Outcome = "error"
)

// ErrNotPublishable is returned when a targeted item is not approved.
var ErrNotPublishable = errors.New("item is not approved")

const timelineKey = "own"

// Config wires a Pipeline. Store, Selector, Platform and Media are required.
type Config struct {
	Stream string
	Handle string
	Limits streams.Limits
	// Location is the zone the daily cap counts days in.
	Location *time.Location
	// CrossPost maps a category to a community id.
	CrossPost func(category string) (string, bool)
	// BaseDir resolves relative pre-downloaded image paths.
	BaseDir string

	Store    queue.Store
	Selector *queue.Selector
	Platform platform.Client
	Media    MediaFetcher
	Notifier notify.Notifier
	Metrics  *Metrics
	Logger   logging.Logger
	// Out receives the operator-facing result lines.
	Out io.Writer

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
	Rand  *rand.Rand
	Probe func(path string) (width, height int, err error)
}

type RunOptions struct {
	DryRun bool
	// TargetID publishes that item now, bypassing selection and rate limits.
	TargetID int
}

type Result struct {
	Outcome     Outcome
	ItemID      int
	ExternalIDs []string
	URL         string
	Reason      string
}

type Pipeline struct {
	stream    string
	handle    string
	limits    streams.Limits
	loc       *time.Location
	crossPost func(string) (string, bool)
	baseDir   string

	store    queue.Store
	selector *queue.Selector
	platform platform.Client
	media    MediaFetcher
	notifier notify.Notifier
	metrics  *Metrics
	logger   logging.Logger
	out      io.Writer

	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	rng      *rand.Rand
	probe    func(path string) (int, int, error)
	timeline *cache.Cache[[]platform.Post]
}

func NewPipeline(cfg Config) *Pipeline {
	p := &Pipeline{
		stream:    cfg.Stream,
		handle:    strings.TrimPrefix(cfg.Handle, "@"),
		limits:    cfg.Limits,
		loc:       cfg.Location,
		crossPost: cfg.CrossPost,
		baseDir:   cfg.BaseDir,
		store:     cfg.Store,
		selector:  cfg.Selector,
		platform:  cfg.Platform,
		media:     cfg.Media,
		notifier:  cfg.Notifier,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		out:       cfg.Out,
		now:       cfg.Now,
		sleep:     cfg.Sleep,
		rng:       cfg.Rand,
		probe:     cfg.Probe,
	}
	if p.loc == nil {
		p.loc = time.UTC
	}
	if p.crossPost == nil {
		p.crossPost = func(string) (string, bool) { return "", false }
	}
	if p.notifier == nil {
		p.notifier = notify.Discard{}
	}
	if p.logger == nil {
		p.logger = logging.NewDiscardLogger()
	}
	if p.out == nil {
		p.out = os.Stdout
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.sleep == nil {
		p.sleep = sleepContext
	}
	if p.rng == nil {
		p.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if p.probe == nil {
		p.probe = defaultProbe
	}
	p.timeline = cache.New[[]platform.Post](cache.Options{TTL: 5 * time.Minute, Now: p.now}, cache.Hooks{})
	return p
}

// Run performs one publish attempt. Policy outcomes are reported in Result;
// the error is reserved for store and internal failures.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) (res Result, err error) {
	started := p.now()
	var inFlight int
	defer func() {
		if r := recover(); r != nil {
			reason := fmt.Sprintf("internal error: %v", r)
			p.logger.WithFields(logging.Fields{"stream": p.stream, "post_id": inFlight, "panic": fmt.Sprint(r)}).Error("Publish run panic")
			if inFlight != 0 && !opts.DryRun {
				p.failItem(ctx, inFlight, reason)
			}
			p.notifier.Notify(ctx, p.title("publish crashed"), reason, notify.PriorityHigh)
			res = Result{Outcome: OutcomeFailed, ItemID: inFlight, Reason: reason}
			err = fmt.Errorf("publish run: %s", reason)
		}
		if err != nil && res.Outcome == "" {
			res.Outcome = OutcomeError
		}
		p.metrics.observe(p.stream, res, p.now().Sub(started), p.now())
	}()

	if err := p.recoverStale(ctx, opts.DryRun); err != nil {
		return Result{}, err
	}

	if opts.TargetID == 0 {
		doc, err := p.store.Load(ctx)
		if err != nil {
			return Result{}, err
		}
		if blocked := p.checkLimits(doc); blocked != nil {
			p.println("Skipping: %s", blocked.Reason)
			return *blocked, nil
		}
	}

	var item *queue.ContentItem
	var plan mediaPlan
	exclude := map[int]bool{}
	for attempt := 1; ; attempt++ {
		picked, outcome, err := p.choose(ctx, opts, exclude)
		if err != nil {
			return Result{}, err
		}
		if picked == nil {
			return p.noneReady(ctx, outcome), nil
		}
		inFlight = picked.ID

		var verdict mediaVerdict
		var reason string
		plan, verdict, reason = p.prepareMedia(ctx, picked)
		if verdict == mediaOK {
			item = picked
			break
		}
		if verdict == mediaUnavailable {
			return p.reject(ctx, picked, opts.DryRun, reason, OutcomeFailed), nil
		}

		p.metrics.skip(p.stream, "low_res")
		exclude[picked.ID] = true
		inFlight = 0
		if !opts.DryRun {
			if err := p.mutate(ctx, picked.ID, func(it *queue.ContentItem) error {
				return it.Skip(queue.StatusSkippedLowRes, reason, p.now())
			}); err != nil {
				return Result{}, err
			}
		}
		p.logger.WithFields(logging.Fields{"post_id": picked.ID, "reason": reason}).Warn("Skipped low-resolution post")
		p.println("Skipped #%d: %s", picked.ID, reason)
		if opts.TargetID != 0 || attempt >= p.limits.MaxSelectionRetries {
			return Result{Outcome: OutcomeSkipped, ItemID: picked.ID, Reason: reason}, nil
		}
	}

	if reason := validateText(item.Body, p.limits); reason != "" {
		p.metrics.skip(p.stream, "text")
		return p.reject(ctx, item, opts.DryRun, reason, OutcomeRejected), nil
	}

	if opts.DryRun {
		p.printDryRun(item, plan)
		return Result{Outcome: OutcomeDryRun, ItemID: item.ID}, nil
	}

	if res, done, err := p.guardDuplicate(ctx, item); done || err != nil {
		return res, err
	}

	if err := p.mutate(ctx, item.ID, func(it *queue.ContentItem) error {
		if it.Status != queue.StatusApproved {
			return fmt.Errorf("item %d changed to %s before posting", it.ID, it.Status)
		}
		return it.Transition(queue.StatusPosting, p.now())
	}); err != nil {
		return Result{}, err
	}

	return p.execute(ctx, item, plan)
}

// choose returns the targeted item or the selector's pick. Selection
// side effects are persisted except in dry runs.
func (p *Pipeline) choose(ctx context.Context, opts RunOptions, exclude map[int]bool) (*queue.ContentItem, queue.Outcome, error) {
	if opts.TargetID != 0 {
		if exclude[opts.TargetID] {
			return nil, queue.NothingDue, nil
		}
		doc, err := p.store.Load(ctx)
		if err != nil {
			return nil, "", err
		}
		it, err := doc.Find(opts.TargetID)
		if err != nil {
			return nil, "", err
		}
		if it.Status != queue.StatusApproved {
			return nil, "", fmt.Errorf("%w: #%d is %s", ErrNotPublishable, it.ID, it.Status)
		}
		return it, queue.Selected, nil
	}

	if opts.DryRun {
		doc, err := p.store.Load(ctx)
		if err != nil {
			return nil, "", err
		}
		it, outcome := p.selector.Select(doc, exclude)
		return it, outcome, nil
	}

	var picked *queue.ContentItem
	var outcome queue.Outcome
	if _, err := p.store.Update(ctx, func(doc *queue.Document) error {
		picked, outcome = p.selector.Select(doc, exclude)
		return nil
	}); err != nil {
		return nil, "", fmt.Errorf("select: %w", err)
	}
	return picked, outcome, nil
}

func (p *Pipeline) noneReady(ctx context.Context, outcome queue.Outcome) Result {
	p.println("No posts ready (%s)", strings.ReplaceAll(string(outcome), "_", " "))
	if doc, err := p.store.Load(ctx); err == nil {
		upcoming := doc.WithStatus(queue.StatusApproved)
		for _, it := range upcoming {
			p.logger.WithFields(logging.Fields{"post_id": it.ID, "scheduled_for": it.ScheduledFor.String()}).Info("Upcoming approved post")
		}
		if drafts := doc.WithStatus(queue.StatusDraft); len(upcoming) == 0 && len(drafts) > 0 {
			p.logger.Infof("%d draft(s) need review", len(drafts))
		}
	}
	return Result{Outcome: OutcomeNoneReady, Reason: string(outcome)}
}

// reject marks item failed for a reason that retrying will not fix and
// reports the run as outcome.
func (p *Pipeline) reject(ctx context.Context, item *queue.ContentItem, dryRun bool, reason string, outcome Outcome) Result {
	p.logger.WithFields(logging.Fields{"post_id": item.ID, "reason": reason}).Warn("Post rejected")
	if dryRun {
		p.println("DRY RUN -- #%d would fail: %s", item.ID, reason)
		return Result{Outcome: OutcomeDryRun, ItemID: item.ID, Reason: reason}
	}
	p.failItem(ctx, item.ID, reason)
	p.println("Post failed: #%d %s", item.ID, reason)
	return Result{Outcome: outcome, ItemID: item.ID, Reason: reason}
}

func (p *Pipeline) execute(ctx context.Context, item *queue.ContentItem, plan mediaPlan) (Result, error) {
	lead := item.LeadText()
	var ids []string
	var pubErr error
	thread, isThread := item.Body.(queue.Thread)
	if isThread {
		parts := make([]platform.ThreadPart, len(thread.Tweets))
		for i, tw := range thread.Tweets {
			parts[i] = platform.ThreadPart{Text: tw.Text}
			if i < len(plan.posts) {
				parts[i].MediaPaths = plan.posts[i]
			}
		}
		ids, pubErr = platform.PublishThread(ctx, p.platform, parts, "", p.pause)
	} else {
		var id string
		id, pubErr = p.platform.Publish(ctx, platform.PostRequest{Text: lead, MediaPaths: plan.lead()})
		if pubErr == nil {
			ids = []string{id}
		}
	}

	if len(ids) == 0 {
		reason := fmt.Sprintf("publish failed: %v", pubErr)
		p.failItem(ctx, item.ID, reason)
		p.println("Post failed: #%d %s", item.ID, reason)
		p.notifier.Notify(ctx, p.title("post FAILED"), fmt.Sprintf("#%d: %s", item.ID, reason), notify.PriorityHigh)
		return Result{Outcome: OutcomeFailed, ItemID: item.ID, Reason: reason}, nil
	}

	url := platform.PostURL(p.handle, ids[0])
	if pubErr != nil {
		reason := fmt.Sprintf("posted %d of %d tweets: %v", len(ids), len(thread.Tweets), pubErr)
		if err := p.mutate(ctx, item.ID, func(it *queue.ContentItem) error {
			if err := it.Transition(queue.StatusPartialThread, p.now()); err != nil {
				return err
			}
			it.ExternalID = ids[0]
			it.ThreadIDs = ids
			it.FailReason = reason
			return nil
		}); err != nil {
			return Result{}, p.unrecorded(ctx, item.ID, ids, err)
		}
		p.println("Thread partially posted: %s (%d of %d tweets)", url, len(ids), len(thread.Tweets))
		p.notifier.Notify(ctx, p.title("thread INCOMPLETE"), fmt.Sprintf("#%d: %s\n%s", item.ID, reason, url), notify.PriorityHigh)
		return Result{Outcome: OutcomePartial, ItemID: item.ID, ExternalIDs: ids, URL: url, Reason: reason}, nil
	}

	if err := p.mutate(ctx, item.ID, func(it *queue.ContentItem) error {
		if err := it.Transition(queue.StatusPosted, p.now()); err != nil {
			return err
		}
		it.ExternalID = ids[0]
		if isThread {
			it.ThreadIDs = ids
		}
		return nil
	}); err != nil {
		return Result{}, p.unrecorded(ctx, item.ID, ids, err)
	}
	p.timeline.Delete(timelineKey)

	p.logger.WithFields(logging.Fields{"post_id": item.ID, "tweet_id": ids[0], "stream": p.stream}).Info("Published")
	p.println("Posted successfully: %s", url)
	if isThread {
		title := item.Title
		if title == "" {
			title = fmt.Sprintf("#%d", item.ID)
		}
		p.println("Thread posted: %s (%d tweets)", title, len(ids))
	}

	p.crossPostItem(ctx, item, plan)
	p.notifier.Notify(ctx, p.title("posted"), fmt.Sprintf("Post #%d is live: %s", item.ID, url), notify.PriorityDefault)
	return Result{Outcome: OutcomePosted, ItemID: item.ID, ExternalIDs: ids, URL: url}, nil
}

// unrecorded reports a publish the store could not record. The item stays
// in posting; the next run's sweep and duplicate guard resolve it.
func (p *Pipeline) unrecorded(ctx context.Context, id int, ids []string, err error) error {
	p.logger.WithError(err).WithFields(logging.Fields{"post_id": id, "tweet_ids": ids}).Error("Published but failed to record the result")
	p.notifier.Notify(ctx, p.title("post NOT RECORDED"),
		fmt.Sprintf("#%d went out as %s but the store write failed: %v", id, strings.Join(ids, ","), err), notify.PriorityHigh)
	return fmt.Errorf("record publish of #%d: %w", id, err)
}

// crossPostItem reposts the lead post into the category's community. It
// never changes the primary outcome.
func (p *Pipeline) crossPostItem(ctx context.Context, item *queue.ContentItem, plan mediaPlan) {
	dest, ok := p.crossPost(item.Category)
	if !ok || item.CrossPosts[dest] != "" {
		return
	}
	id, err := p.platform.Publish(ctx, platform.PostRequest{Text: item.LeadText(), MediaPaths: plan.lead(), CommunityID: dest})
	if err != nil {
		p.logger.WithError(err).WithFields(logging.Fields{"post_id": item.ID, "destination": dest}).Warn("Cross-post failed")
		return
	}
	if err := p.mutate(ctx, item.ID, func(it *queue.ContentItem) error {
		if it.CrossPosts == nil {
			it.CrossPosts = map[string]string{}
		}
		it.CrossPosts[dest] = id
		return nil
	}); err != nil {
		p.logger.WithError(err).WithField("post_id", item.ID).Warn("Failed to record cross-post")
		return
	}
	p.println("Cross-posted to community %s", dest)
}

func (p *Pipeline) pause(ctx context.Context, _ int) error {
	lo, hi := p.limits.ThreadDelayMin, p.limits.ThreadDelayMax
	d := lo
	if hi > lo {
		d += time.Duration(p.rng.Int64N(int64(hi - lo)))
	}
	p.logger.Infof("Waiting %s before the next tweet", d.Round(time.Second))
	return p.sleep(ctx, d)
}

// mutate applies fn to item id in one locked update.
func (p *Pipeline) mutate(ctx context.Context, id int, fn func(*queue.ContentItem) error) error {
	_, err := p.store.Update(ctx, func(doc *queue.Document) error {
		it, err := doc.Find(id)
		if err != nil {
			return err
		}
		return fn(it)
	})
	return err
}

// failItem records reason on an approved or posting item. Errors are
// logged; the caller is already on a failure path.
func (p *Pipeline) failItem(ctx context.Context, id int, reason string) {
	err := p.mutate(ctx, id, func(it *queue.ContentItem) error {
		return it.Fail(reason, p.now())
	})
	if err != nil {
		p.logger.WithError(err).WithField("post_id", id).Error("Failed to record failure")
	}
}

func (p *Pipeline) printDryRun(item *queue.ContentItem, plan mediaPlan) {
	rule := strings.Repeat("=", 60)
	p.println("%s", rule)
	p.println("DRY RUN -- would post #%d:", item.ID)
	p.println("%s", rule)
	switch b := item.Body.(type) {
	case queue.Thread:
		for i, tw := range b.Tweets {
			p.println("[%d/%d] %s", i+1, len(b.Tweets), tw.Text)
		}
	default:
		p.println("%s", item.LeadText())
	}
	if n := plan.count(); n > 0 {
		p.println("With %d image(s):", n)
		for _, post := range plan.posts {
			for _, path := range post {
				p.println("  %s", path)
			}
		}
	}
	p.println("%s", rule)
}

func (p *Pipeline) println(format string, args ...any) {
	fmt.Fprintf(p.out, format+"\n", args...)
}

func (p *Pipeline) title(what string) string {
	if p.handle != "" {
		return "@" + p.handle + " " + what
	}
	return p.stream + " " + what
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
