package publish

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"curator/api_publisher/internal/platform"
	"curator/api_publisher/internal/queue"
	"curator/api_publisher/internal/streams"
	"curator/pkg/logging"
	"curator/pkg/notify"
)

var testNow = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

type fakePlatform struct {
	mu        sync.Mutex
	requests  []platform.PostRequest
	timeline  []platform.Post
	failOn    int
	failErr   error
	panicOn   int
	onPublish func(req platform.PostRequest)
}

func (f *fakePlatform) Publish(_ context.Context, req platform.PostRequest) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	n := len(f.requests)
	hook := f.onPublish
	f.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	if n == f.panicOn {
		panic("client exploded")
	}
	if n == f.failOn {
		return "", f.failErr
	}
	return fmt.Sprintf("%d", 1000+n), nil
}

func (f *fakePlatform) RecentOwnPosts(context.Context, int) ([]platform.Post, error) {
	return f.timeline, nil
}

func (f *fakePlatform) SearchRecent(context.Context, string, int) ([]platform.Post, error) {
	return nil, nil
}

func (f *fakePlatform) published() []platform.PostRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]platform.PostRequest(nil), f.requests...)
}

type fakeMedia struct {
	mu    sync.Mutex
	files map[string]string
	calls map[string]int
	force int
}

func (f *fakeMedia) Fetch(_ context.Context, url string, force bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[url]++
	if force {
		f.force++
	}
	path, ok := f.files[url]
	if !ok {
		return "", errors.New("connection refused")
	}
	return path, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
	high  int
}

func (r *recordingNotifier) Notify(_ context.Context, title, message string, priority notify.Priority) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, title+": "+message)
	if priority == notify.PriorityHigh {
		r.high++
	}
}

func writePNG(t *testing.T, dir, name string, side int) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, side, side))))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

type harness struct {
	pipeline *Pipeline
	store    *queue.FileStore
	platform *fakePlatform
	media    *fakeMedia
	notifier *recordingNotifier
	out      *bytes.Buffer
	sleeps   []time.Duration
	now      time.Time
	dir      string
}

type harnessOption func(*Config)

func newHarness(t *testing.T, items []*queue.ContentItem, opts ...harnessOption) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		platform: &fakePlatform{},
		media: &fakeMedia{
			files: map[string]string{
				"https://img.example/big.jpg":   writePNG(t, dir, "big.png", 1200),
				"https://img.example/small.jpg": writePNG(t, dir, "small.png", 300),
			},
			calls: map[string]int{},
		},
		notifier: &recordingNotifier{},
		out:      &bytes.Buffer{},
		now:      testNow,
		dir:      dir,
	}
	logger := logging.NewDiscardLogger()
	h.store = queue.NewFileStore(filepath.Join(dir, "posts.json"), logger)
	_, err := h.store.Update(context.Background(), func(doc *queue.Document) error {
		doc.Posts = items
		return nil
	})
	require.NoError(t, err)

	cfg := Config{
		Stream: "tatami",
		Handle: "@tatamispaces",
		Limits: streams.Limits{
			DailyCap:            4,
			MinGapHours:         2,
			MinTextLength:       20,
			MaxTextLength:       280,
			MinImagePixels:      800,
			StaleAfter:          30 * time.Minute,
			MaxSelectionRetries: 3,
			RecentPostsChecked:  20,
			ThreadDelayMin:      120 * time.Second,
			ThreadDelayMax:      300 * time.Second,
		},
		Store:    h.store,
		Platform: h.platform,
		Media:    h.media,
		Notifier: h.notifier,
		Logger:   logger,
		Out:      h.out,
		Now:      func() time.Time { return h.now },
		Sleep: func(_ context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return nil
		},
		Rand:    rand.New(rand.NewPCG(3, 4)),
		BaseDir: dir,
	}
	cfg.Selector = queue.NewSelector(queue.SelectionConfig{}, queue.NewClassifier(queue.BuiltinCategories["architecture"]), logger,
		queue.WithSelectorClock(cfg.Now), queue.WithSelectorRand(rand.New(rand.NewPCG(5, 6))))
	for _, opt := range opts {
		opt(&cfg)
	}
	h.pipeline = NewPipeline(cfg)
	return h
}

func (h *harness) item(t *testing.T, id int) *queue.ContentItem {
	t.Helper()
	doc, err := h.store.Load(context.Background())
	require.NoError(t, err)
	it, err := doc.Find(id)
	require.NoError(t, err)
	return it
}

func approved(id int, text string, due time.Time, urls ...string) *queue.ContentItem {
	return &queue.ContentItem{
		ID:           id,
		Status:       queue.StatusApproved,
		ScheduledFor: queue.NewTimestamp(due),
		Body:         queue.Single{Text: text, ImageURLs: urls},
	}
}

func f64(v float64) *float64 { return &v }

func TestScenarioDryRunThenLiveThenGap(t *testing.T) {
	item := approved(5, "A lantern-lit machiya corridor in Kyoto", testNow.Add(-time.Hour), "https://img.example/big.jpg")
	h := newHarness(t, []*queue.ContentItem{item})
	ctx := context.Background()

	res, err := h.pipeline.Run(ctx, RunOptions{DryRun: true})
	require.NoError(t, err)
	require.Equal(t, OutcomeDryRun, res.Outcome)
	require.Contains(t, h.out.String(), "DRY RUN -- would post #5")
	require.Contains(t, h.out.String(), "A lantern-lit machiya corridor in Kyoto")
	require.Equal(t, queue.StatusApproved, h.item(t, 5).Status)
	require.Empty(t, h.platform.published())

	var statusAtPublish queue.Status
	h.platform.onPublish = func(platform.PostRequest) {
		doc, err := h.store.Load(ctx)
		if err == nil {
			if it, err := doc.Find(5); err == nil {
				statusAtPublish = it.Status
			}
		}
	}
	h.out.Reset()
	res, err = h.pipeline.Run(ctx, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, OutcomePosted, res.Outcome)
	require.Equal(t, queue.StatusPosting, statusAtPublish, "posting is persisted before the publish call")

	got := h.item(t, 5)
	require.Equal(t, queue.StatusPosted, got.Status)
	require.Equal(t, "1001", got.ExternalID)
	require.True(t, got.PostedAt.Valid())
	require.True(t, got.PostingStarted.Valid())
	require.Contains(t, h.out.String(), "Posted successfully: https://x.com/tatamispaces/status/1001")
	require.Len(t, h.platform.published()[0].MediaPaths, 1)

	h.out.Reset()
	h.now = h.now.Add(time.Minute)
	res, err = h.pipeline.Run(ctx, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, OutcomeGap, res.Outcome)
	require.Contains(t, h.out.String(), "gap not yet elapsed")
	require.Len(t, h.platform.published(), 1)
}

func TestScenarioLowResImageIsSkippedAndNextCandidateRuns(t *testing.T) {
	small := approved(6, "An undersized photo of a tea room", testNow.Add(-time.Hour), "https://img.example/small.jpg")
	small.Score = f64(9)
	next := approved(7, "A moss garden behind a kominka farmhouse", testNow.Add(-time.Hour), "https://img.example/big.jpg")
	next.Score = f64(7)
	h := newHarness(t, []*queue.ContentItem{small, next})

	res, err := h.pipeline.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, OutcomePosted, res.Outcome)
	require.Equal(t, 7, res.ItemID)

	skipped := h.item(t, 6)
	require.Equal(t, queue.StatusSkippedLowRes, skipped.Status)
	require.Equal(t, "0 of 1 images meet the 800px minimum", skipped.SkipReason)
	require.Equal(t, 2, h.media.calls["https://img.example/small.jpg"], "cached fetch plus one forced re-download")
	require.Equal(t, 1, h.media.force)
	require.Equal(t, queue.StatusPosted, h.item(t, 7).Status)
}

func TestStalePostingIsFailedBeforeSelection(t *testing.T) {
	stuck := approved(1, "Posted long ago, maybe", testNow.Add(-2*time.Hour))
	stuck.Status = queue.StatusPosting
	stuck.PostingStarted = queue.NewTimestamp(testNow.Add(-45 * time.Minute))
	fresh := approved(2, "Being posted right now by someone", testNow.Add(-time.Hour))
	fresh.Status = queue.StatusPosting
	fresh.PostingStarted = queue.NewTimestamp(testNow.Add(-5 * time.Minute))
	h := newHarness(t, []*queue.ContentItem{stuck, fresh})

	res, err := h.pipeline.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, OutcomeNoneReady, res.Outcome)
	require.Contains(t, h.out.String(), "No posts ready")

	got := h.item(t, 1)
	require.Equal(t, queue.StatusFailed, got.Status)
	require.Contains(t, got.FailReason, "stuck in posting")
	require.Equal(t, queue.StatusPosting, h.item(t, 2).Status)
	require.Equal(t, 1, h.notifier.high)
}

func TestDuplicateOnTimelineIsRecordedWithoutPublishing(t *testing.T) {
	item := approved(3, "Morning light over the moss garden at Saiho-ji\n\n📷 @someone", testNow.Add(-time.Hour))
	h := newHarness(t, []*queue.ContentItem{item})
	h.platform.timeline = []platform.Post{
		{ID: "777", Text: "Something else entirely"},
		{ID: "778", Text: "Morning light over the  moss garden at Saiho-ji https://t.co/xyz", CreatedAt: testNow.Add(-20 * time.Minute)},
	}

	res, err := h.pipeline.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, res.Outcome)
	require.Empty(t, h.platform.published())

	got := h.item(t, 3)
	require.Equal(t, queue.StatusPosted, got.Status)
	require.Equal(t, "778", got.ExternalID)
	require.True(t, got.PostedAt.Time().Equal(testNow.Add(-20*time.Minute)))
}

func threadItem(id int) *queue.ContentItem {
	return &queue.ContentItem{
		ID:           id,
		Status:       queue.StatusApproved,
		ScheduledFor: queue.NewTimestamp(testNow.Add(-time.Hour)),
		Title:        "The Clockwork Monk",
		Body: queue.Thread{
			Tweets: []queue.Tweet{
				{Text: "A 16th-century automaton that still walks and prays.", Images: []int{0}},
				{Text: "Its mechanism is driven by a key-wound spring."},
				{Text: "It was made for Philip II, the story goes."},
			},
			AllImages: []string{"https://img.example/big.jpg"},
		},
	}
}

func TestThreadPostsAsReplyChain(t *testing.T) {
	h := newHarness(t, []*queue.ContentItem{threadItem(8)})

	res, err := h.pipeline.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, OutcomePosted, res.Outcome)
	require.Equal(t, []string{"1001", "1002", "1003"}, res.ExternalIDs)

	reqs := h.platform.published()
	require.Len(t, reqs, 3)
	require.Len(t, reqs[0].MediaPaths, 1)
	require.Empty(t, reqs[1].MediaPaths)
	require.Equal(t, "1001", reqs[1].ReplyTo)
	require.Equal(t, "1002", reqs[2].ReplyTo)

	require.Len(t, h.sleeps, 2)
	for _, d := range h.sleeps {
		require.GreaterOrEqual(t, d, 120*time.Second)
		require.Less(t, d, 300*time.Second)
	}

	got := h.item(t, 8)
	require.Equal(t, queue.StatusPosted, got.Status)
	require.Equal(t, []string{"1001", "1002", "1003"}, got.ThreadIDs)
	require.Contains(t, h.out.String(), "Thread posted: The Clockwork Monk (3 tweets)")
}

func TestPartialThreadIsDistinctFromFailure(t *testing.T) {
	h := newHarness(t, []*queue.ContentItem{threadItem(8)})
	h.platform.failOn = 3
	h.platform.failErr = platform.ErrRateLimited

	res, err := h.pipeline.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, OutcomePartial, res.Outcome)

	got := h.item(t, 8)
	require.Equal(t, queue.StatusPartialThread, got.Status)
	require.Equal(t, []string{"1001", "1002"}, got.ThreadIDs)
	require.Equal(t, "1001", got.ExternalID)
	require.Contains(t, got.FailReason, "posted 2 of 3 tweets")
	require.NotContains(t, h.out.String(), "Posted successfully")
	require.Equal(t, 1, h.notifier.high)
}

func TestPublishErrorMarksFailed(t *testing.T) {
	h := newHarness(t, []*queue.ContentItem{approved(4, "A sunlit engawa facing the garden", testNow.Add(-time.Hour))})
	h.platform.failOn = 1
	h.platform.failErr = errors.New("status 503: over capacity")

	res, err := h.pipeline.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, res.Outcome)

	got := h.item(t, 4)
	require.Equal(t, queue.StatusFailed, got.Status)
	require.Contains(t, got.FailReason, "over capacity")
	require.Empty(t, got.ExternalID)
	require.Equal(t, 1, h.notifier.high)
}

func TestTextValidation(t *testing.T) {
	short := approved(1, "Too short\n📷 @photographer_with_long_name", testNow.Add(-time.Hour))
	h := newHarness(t, []*queue.ContentItem{short})

	res, err := h.pipeline.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, OutcomeRejected, res.Outcome)
	got := h.item(t, 1)
	require.Equal(t, queue.StatusFailed, got.Status)
	require.Contains(t, got.FailReason, "text too short: 9 characters")
	require.Empty(t, h.platform.published())

	long := approved(2, string(bytes.Repeat([]byte("a"), 300)), testNow.Add(-time.Hour))
	h = newHarness(t, []*queue.ContentItem{long})
	res, err = h.pipeline.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, OutcomeRejected, res.Outcome)
	require.Contains(t, h.item(t, 2).FailReason, "text too long: 300 characters, limit 280")
}

func TestDailyCapAndTargetOverride(t *testing.T) {
	var items []*queue.ContentItem
	for i := 1; i <= 4; i++ {
		it := approved(i, "Already out earlier today, fine", testNow.Add(-10*time.Hour))
		it.Status = queue.StatusPosted
		it.PostedAt = queue.NewTimestamp(testNow.Add(-time.Duration(10-i) * time.Hour))
		items = append(items, it)
	}
	items = append(items, approved(9, "A cedar bath house in the mountains", testNow.Add(time.Hour)))
	h := newHarness(t, items)

	res, err := h.pipeline.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, OutcomeDailyCap, res.Outcome)
	require.Contains(t, h.out.String(), "daily cap reached (4 of 4)")

	res, err = h.pipeline.Run(context.Background(), RunOptions{TargetID: 9})
	require.NoError(t, err)
	require.Equal(t, OutcomePosted, res.Outcome, "a targeted item skips limits and the schedule")
	require.Equal(t, queue.StatusPosted, h.item(t, 9).Status)
}

func TestTargetMustBeApproved(t *testing.T) {
	draft := approved(2, "Still a draft waiting on review", testNow.Add(-time.Hour))
	draft.Status = queue.StatusDraft
	h := newHarness(t, []*queue.ContentItem{draft})

	_, err := h.pipeline.Run(context.Background(), RunOptions{TargetID: 2})
	require.ErrorIs(t, err, ErrNotPublishable)

	_, err = h.pipeline.Run(context.Background(), RunOptions{TargetID: 42})
	require.ErrorIs(t, err, queue.ErrNotFound)
}

func TestCrossPostIsBestEffort(t *testing.T) {
	item := approved(5, "Raked gravel and a single maple at a Kyoto temple", testNow.Add(-time.Hour), "https://img.example/big.jpg")
	h := newHarness(t, []*queue.ContentItem{item}, func(c *Config) {
		c.CrossPost = func(category string) (string, bool) {
			if category == "temple" {
				return "community-temples", true
			}
			return "", false
		}
	})

	res, err := h.pipeline.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, OutcomePosted, res.Outcome)
	reqs := h.platform.published()
	require.Len(t, reqs, 2)
	require.Equal(t, "community-temples", reqs[1].CommunityID)
	got := h.item(t, 5)
	require.Equal(t, "temple", got.Category)
	require.Equal(t, map[string]string{"community-temples": "1002"}, got.CrossPosts)

	failing := approved(6, "Another temple, this time in Nara at dusk", testNow.Add(-time.Hour))
	h = newHarness(t, []*queue.ContentItem{failing}, func(c *Config) {
		c.CrossPost = func(string) (string, bool) { return "community-temples", true }
	})
	h.platform.failOn = 2
	h.platform.failErr = errors.New("not a member")
	res, err = h.pipeline.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, OutcomePosted, res.Outcome)
	require.Equal(t, queue.StatusPosted, h.item(t, 6).Status)
	require.Empty(t, h.item(t, 6).CrossPosts)
}

func TestPanicIsRecordedAsFailure(t *testing.T) {
	h := newHarness(t, []*queue.ContentItem{approved(5, "A quiet reading nook under the eaves", testNow.Add(-time.Hour))})
	h.platform.panicOn = 1

	res, err := h.pipeline.Run(context.Background(), RunOptions{})
	require.Error(t, err)
	require.Equal(t, OutcomeFailed, res.Outcome)
	got := h.item(t, 5)
	require.Equal(t, queue.StatusFailed, got.Status)
	require.Contains(t, got.FailReason, "internal error: client exploded")
	require.Equal(t, 1, h.notifier.high)
}

func TestUnreachableImagesFailTheItem(t *testing.T) {
	h := newHarness(t, []*queue.ContentItem{approved(5, "Lacquered kumiko screens in a ryokan", testNow.Add(-time.Hour), "https://img.example/missing.jpg")})

	res, err := h.pipeline.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, res.Outcome)
	got := h.item(t, 5)
	require.Equal(t, queue.StatusFailed, got.Status)
	require.Contains(t, got.FailReason, "connection refused")
}

func TestNormalizeLead(t *testing.T) {
	require.Equal(t,
		normalizeLead("Tom &amp; Jerry's   house\nhttps://t.co/abc"),
		normalizeLead("tom & jerry's house\n\n📷 @someone"))
	require.NotEqual(t, normalizeLead("one house"), normalizeLead("another house"))
	require.Equal(t, "", normalizeLead("📷 @only_credit"))
	require.Equal(t, normalizeLead("Kyoto house"), normalizeLead("Ｋｙｏｔｏ\u3000house"))
	require.Equal(t, 1, charCount("e\u0301"))
}
