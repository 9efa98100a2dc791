package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"curator/api_publisher/internal/publish"
	"curator/api_publisher/internal/queue"
	"curator/pkg/locks"
	"curator/pkg/logging"
)

const testStreams = `
streams:
  - id: tatami
    handle: tatamispaces
    posts_file: data/posts.json
    media_dir: data/media
    timezone: UTC
    posting_times: ["11:00", "18:00"]
    jitter_minutes: 0
`

func newTestStreams(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "streams.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testStreams), 0o644))
	for _, key := range []string{"POSTS_FILE", "CURATOR_STREAM", "NTFY_TOPIC", "NOTIFY_EMAIL_TO", "PUSHGATEWAY_URL", "LOCK_BACKEND", "X_CLIENT_ID"} {
		t.Setenv(key, "")
	}
	t.Setenv("CURATOR_STREAMS_FILE", path)
	return path, filepath.Join(dir, "data", "posts.json")
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func loadDoc(t *testing.T, path string) *queue.Document {
	t.Helper()
	doc, err := queue.NewFileStore(path, logging.NewDiscardLogger()).Load(context.Background())
	require.NoError(t, err)
	return doc
}

func TestEnqueueSchedulesAndDedupes(t *testing.T) {
	_, postsPath := newTestStreams(t)

	items := `[
		{"text": "A lantern-lit machiya corridor in Kyoto", "source_url": "https://x.com/a/status/111"},
		{"text": "A moss garden behind a kominka", "source_url": "https://x.com/b/status/222", "curator_note": "keep"}
	]`
	out, err := run(t, items, "enqueue")
	require.NoError(t, err)
	require.Contains(t, out, "Queued 2 of 2 item(s)")

	doc := loadDoc(t, postsPath)
	require.Len(t, doc.Posts, 2)
	require.Equal(t, 1, doc.Posts[0].ID)
	require.Equal(t, 2, doc.Posts[1].ID)
	for _, it := range doc.Posts {
		require.Equal(t, queue.StatusDraft, it.Status)
		require.True(t, it.ScheduledFor.Valid())
		require.True(t, it.ScheduledFor.Time().After(time.Now()))
	}
	require.NotEqual(t, doc.Posts[0].ScheduledFor.Time(), doc.Posts[1].ScheduledFor.Time())
	onDisk, err := os.ReadFile(postsPath)
	require.NoError(t, err)
	require.Contains(t, string(onDisk), `"curator_note": "keep"`)

	out, err = run(t, `{"text": "Same source again, different words", "source_url": "https://x.com/a/status/111"}`, "enqueue", "--approve")
	require.NoError(t, err)
	require.Contains(t, out, "Already in queue: https://x.com/a/status/111")
	require.Contains(t, out, "Queued 0 of 1 item(s)")
	require.Len(t, loadDoc(t, postsPath).Posts, 2)
}

func TestReviewCommands(t *testing.T) {
	_, postsPath := newTestStreams(t)
	_, err := run(t, `{"text": "A cedar bath house in the mountains"}`, "enqueue")
	require.NoError(t, err)

	out, err := run(t, "", "queue", "approve", "#1")
	require.NoError(t, err)
	require.Contains(t, out, "Approved #1")
	require.Equal(t, queue.StatusApproved, loadDoc(t, postsPath).Posts[0].Status)

	_, err = run(t, "", "queue", "approve", "1")
	require.ErrorIs(t, err, queue.ErrInvalidTransition)

	_, err = run(t, "", "queue", "requeue", "1")
	require.ErrorIs(t, err, queue.ErrInvalidTransition, "approved items cannot be requeued")

	_, err = run(t, "", "queue", "approve", "9")
	require.ErrorIs(t, err, queue.ErrNotFound)

	out, err = run(t, "", "queue", "list", "--json")
	require.NoError(t, err)
	var listed []listedItem
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed, 1)
	require.Equal(t, "approved", listed[0].Status)
	require.Equal(t, "single", listed[0].Kind)

	out, err = run(t, "", "queue", "list", "--status", "failed")
	require.NoError(t, err)
	require.Contains(t, out, "No matching posts")

	_, err = run(t, "", "queue", "list", "--status", "faild")
	require.ErrorContains(t, err, `unknown status "faild"`)
}

func TestReviewRefusesAStaleRevision(t *testing.T) {
	_, postsPath := newTestStreams(t)
	_, err := run(t, `{"text": "A cedar bath house in the mountains"}`, "enqueue")
	require.NoError(t, err)

	out, err := run(t, "", "queue", "list")
	require.NoError(t, err)
	require.Contains(t, out, "Store revision 1")

	_, err = run(t, `{"text": "Paper lanterns along a narrow alley"}`, "enqueue")
	require.NoError(t, err)

	_, err = run(t, "", "queue", "approve", "--revision", "1", "1")
	require.ErrorIs(t, err, queue.ErrStaleWrite)
	require.Equal(t, queue.StatusDraft, loadDoc(t, postsPath).Posts[0].Status)

	out, err = run(t, "", "queue", "approve", "--revision", "2", "1")
	require.NoError(t, err)
	require.Contains(t, out, "Approved #1")
	doc := loadDoc(t, postsPath)
	require.Equal(t, queue.StatusApproved, doc.Posts[0].Status)
	require.Equal(t, int64(3), doc.Revision)
}

func TestRequeueClearsFailure(t *testing.T) {
	_, postsPath := newTestStreams(t)
	store := queue.NewFileStore(postsPath, logging.NewDiscardLogger())
	_, err := store.Update(context.Background(), func(doc *queue.Document) error {
		doc.Add(&queue.ContentItem{
			Status:     queue.StatusFailed,
			FailReason: "publish failed: over capacity",
			Body:       queue.Single{Text: "A sunlit engawa facing the garden"},
		})
		return nil
	})
	require.NoError(t, err)

	out, err := run(t, "", "queue", "list", "--status", "failed")
	require.NoError(t, err)
	require.Contains(t, out, "publish failed: over capacity")

	_, err = run(t, "", "queue", "requeue", "1")
	require.NoError(t, err)
	it := loadDoc(t, postsPath).Posts[0]
	require.Equal(t, queue.StatusApproved, it.Status)
	require.Empty(t, it.FailReason)
}

func TestPublishDryRunLeavesStoreAlone(t *testing.T) {
	_, postsPath := newTestStreams(t)
	store := queue.NewFileStore(postsPath, logging.NewDiscardLogger())
	_, err := store.Update(context.Background(), func(doc *queue.Document) error {
		doc.Add(&queue.ContentItem{
			Status:       queue.StatusApproved,
			ScheduledFor: queue.NewTimestamp(time.Now().Add(-time.Hour)),
			Body:         queue.Single{Text: "A lantern-lit machiya corridor in Kyoto"},
		})
		return nil
	})
	require.NoError(t, err)
	before, err := os.ReadFile(postsPath)
	require.NoError(t, err)

	out, err := run(t, "", "publish", "--dry-run")
	require.NoError(t, err)
	require.Contains(t, out, "DRY RUN -- would post #1:")

	after, err := os.ReadFile(postsPath)
	require.NoError(t, err)
	require.Equal(t, string(before), string(after))
}

func TestPublishSkipsWhenLocked(t *testing.T) {
	_, postsPath := newTestStreams(t)
	held, err := locks.FileLocker{Dir: filepath.Dir(postsPath)}.TryAcquire(context.Background(), "publisher-tatami")
	require.NoError(t, err)
	defer func() { _ = held.Release() }()

	out, err := run(t, "", "publish")
	require.NoError(t, err)
	require.Contains(t, out, "Another publisher instance is running for tatami. Skipping.")
}

func TestPublishNeedsCredentialsWhenLive(t *testing.T) {
	newTestStreams(t)
	_, err := run(t, "", "publish")
	require.Error(t, err)
}

func TestNextSlotAndVersion(t *testing.T) {
	newTestStreams(t)
	out, err := run(t, "", "next-slot")
	require.NoError(t, err)
	require.Contains(t, out, "(fixed mode)")
	require.True(t, strings.Contains(out, "T11:00:00Z") || strings.Contains(out, "T18:00:00Z"), out)

	out, err = run(t, "", "version")
	require.NoError(t, err)
	require.Contains(t, out, "publisher dev")
}

func TestListTextColumnOutsideTerminal(t *testing.T) {
	require.Equal(t, 60, textWidth(&bytes.Buffer{}))
	require.Equal(t, "machiya", truncate("machiya", 7))
	require.Equal(t, "mach…", truncate("machiya", 5))
}

func TestRejectedTextExitsZero(t *testing.T) {
	_, postsPath := newTestStreams(t)
	tokenPath := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(tokenPath,
		[]byte(`{"access_token": "test", "token_type": "bearer", "expiry": "2099-01-01T00:00:00Z"}`), 0o600))
	t.Setenv("X_CLIENT_ID", "test-client")
	t.Setenv("X_TOKEN_FILE", tokenPath)
	t.Setenv("X_API_BASE", "http://127.0.0.1:1")

	store := queue.NewFileStore(postsPath, logging.NewDiscardLogger())
	_, err := store.Update(context.Background(), func(doc *queue.Document) error {
		doc.Add(&queue.ContentItem{
			Status:       queue.StatusApproved,
			ScheduledFor: queue.NewTimestamp(time.Now().Add(-time.Hour)),
			Body:         queue.Single{Text: "Too short"},
		})
		return nil
	})
	require.NoError(t, err)

	out, err := run(t, "", "publish")
	require.NoError(t, err)
	require.Contains(t, out, "Post failed: #1 text too short")
	got, err := loadDoc(t, postsPath).Find(1)
	require.NoError(t, err)
	require.Equal(t, queue.StatusFailed, got.Status)
}

func TestExitCodes(t *testing.T) {
	for _, outcome := range []publish.Outcome{publish.OutcomeFailed, publish.OutcomePartial} {
		var exit *exitError
		require.ErrorAs(t, exitFor(outcome), &exit, outcome)
		require.Equal(t, 1, exit.code)
	}
	for _, outcome := range []publish.Outcome{
		publish.OutcomePosted, publish.OutcomeRejected, publish.OutcomeDuplicate,
		publish.OutcomeSkipped, publish.OutcomeNoneReady, publish.OutcomeDailyCap, publish.OutcomeGap,
	} {
		require.NoError(t, exitFor(outcome), outcome)
	}
}
