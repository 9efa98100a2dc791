package publish

import (
	"context"
	"fmt"
	"time"

	"curator/api_publisher/internal/media"
	"curator/api_publisher/internal/platform"
	"curator/api_publisher/internal/queue"
	"curator/pkg/logging"
	"curator/pkg/notify"
)

var defaultProbe = media.Dimensions

// recoverStale fails items left in posting longer than StaleAfter. The
// external post may or may not exist, so the reason says so.
func (p *Pipeline) recoverStale(ctx context.Context, dryRun bool) error {
	now := p.now()
	isStale := func(it *queue.ContentItem) bool {
		if !it.PostingStarted.Valid() {
			return true
		}
		return now.Sub(it.PostingStarted.Time()) > p.limits.StaleAfter
	}
	reasonFor := func(it *queue.ContentItem) string {
		since := "an unknown time"
		if it.PostingStarted.Valid() {
			since = it.PostingStarted.String()
		}
		return fmt.Sprintf("stuck in posting since %s; the post may have gone out, check the timeline before requeueing", since)
	}

	if dryRun {
		doc, err := p.store.Load(ctx)
		if err != nil {
			return err
		}
		for _, it := range doc.WithStatus(queue.StatusPosting) {
			if isStale(it) {
				p.println("DRY RUN -- would fail stale #%d: %s", it.ID, reasonFor(it))
			}
		}
		return nil
	}

	var recovered []int
	doc, err := p.store.Load(ctx)
	if err != nil {
		return err
	}
	stale := false
	for _, it := range doc.WithStatus(queue.StatusPosting) {
		stale = stale || isStale(it)
	}
	if !stale {
		return nil
	}
	if _, err := p.store.Update(ctx, func(doc *queue.Document) error {
		recovered = recovered[:0]
		for _, it := range doc.WithStatus(queue.StatusPosting) {
			if !isStale(it) {
				continue
			}
			if err := it.Fail(reasonFor(it), now); err != nil {
				return err
			}
			recovered = append(recovered, it.ID)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("recover stale posts: %w", err)
	}
	for _, id := range recovered {
		p.logger.WithFields(logging.Fields{"post_id": id, "stream": p.stream}).Error("Recovered post stuck in posting")
	}
	if len(recovered) > 0 {
		p.notifier.Notify(ctx, p.title("stuck post"),
			fmt.Sprintf("%d post(s) were stuck in posting and marked failed: %v", len(recovered), recovered), notify.PriorityHigh)
	}
	return nil
}

// checkLimits returns a result when the daily cap or minimum gap blocks
// this run.
func (p *Pipeline) checkLimits(doc *queue.Document) *Result {
	now := p.now().In(p.loc)
	y, m, d := now.Date()
	today := 0
	var last time.Time
	for _, it := range doc.WithStatus(queue.StatusPosted) {
		if !it.PostedAt.Valid() {
			continue
		}
		at := it.PostedAt.Time().In(p.loc)
		if ay, am, ad := at.Date(); ay == y && am == m && ad == d {
			today++
		}
		if at.After(last) {
			last = at
		}
	}

	if p.limits.DailyCap > 0 && today >= p.limits.DailyCap {
		return &Result{Outcome: OutcomeDailyCap, Reason: fmt.Sprintf("daily cap reached (%d of %d)", today, p.limits.DailyCap)}
	}
	if gap := p.limits.MinGap(); gap > 0 && !last.IsZero() {
		if elapsed := now.Sub(last); elapsed < gap {
			return &Result{Outcome: OutcomeGap, Reason: fmt.Sprintf("gap not yet elapsed (last post %s ago, minimum %s)",
				elapsed.Round(time.Minute), gap)}
		}
	}
	return nil
}

// guardDuplicate looks for item's text on the account's recent timeline. A
// match means an earlier run posted it and crashed before recording; the
// item is marked posted with that id and nothing is published.
func (p *Pipeline) guardDuplicate(ctx context.Context, item *queue.ContentItem) (Result, bool, error) {
	key := normalizeLead(item.LeadText())
	if key == "" {
		return Result{}, false, nil
	}
	posts, err := p.timeline.Get(ctx, timelineKey, func(ctx context.Context, _ string) ([]platform.Post, error) {
		return p.platform.RecentOwnPosts(ctx, p.limits.RecentPostsChecked)
	})
	if err != nil {
		p.logger.WithError(err).WithField("post_id", item.ID).Warn("Could not read the timeline, skipping the duplicate check")
		return Result{}, false, nil
	}

	for _, post := range posts {
		if normalizeLead(post.Text) != key {
			continue
		}
		postedAt := post.CreatedAt
		if postedAt.IsZero() {
			postedAt = p.now()
		}
		if err := p.mutate(ctx, item.ID, func(it *queue.ContentItem) error {
			if err := it.Transition(queue.StatusPosted, postedAt); err != nil {
				return err
			}
			it.ExternalID = post.ID
			return nil
		}); err != nil {
			return Result{}, true, fmt.Errorf("record duplicate of #%d: %w", item.ID, err)
		}
		url := platform.PostURL(p.handle, post.ID)
		p.logger.WithFields(logging.Fields{"post_id": item.ID, "tweet_id": post.ID}).Warn("Post already on the timeline, recorded without publishing")
		p.println("Already posted: %s", url)
		return Result{Outcome: OutcomeDuplicate, ItemID: item.ID, ExternalIDs: []string{post.ID}, URL: url}, true, nil
	}
	return Result{}, false, nil
}
