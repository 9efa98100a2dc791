package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLegacyFlatItemDecodesAsSingle(t *testing.T) {
	var it ContentItem
	require.NoError(t, json.Unmarshal([]byte(`{
		"id": "12", "status": "approved", "text": "A quiet ryokan",
		"image_urls": ["https://img/1.jpg"], "score": null,
		"scheduled_for": "2026-03-01T11:04:00-05:00", "source_handle": "@Someone"
	}`), &it))

	require.Equal(t, 12, it.ID)
	body, ok := it.Body.(Single)
	require.True(t, ok)
	require.Equal(t, "A quiet ryokan", body.Text)
	require.Equal(t, []string{"https://img/1.jpg"}, body.ImageURLs)
	require.Nil(t, it.Score)
	require.True(t, it.ScheduledFor.Valid())
	require.Equal(t, "someone", it.Handle())
}

func TestMuseumThreadDecodesAndKeepsFlatFields(t *testing.T) {
	var it ContentItem
	require.NoError(t, json.Unmarshal([]byte(`{
		"id": 3, "status": "draft", "type": "museum", "thread": true, "title": "The Clockwork Monk",
		"tweets": [{"text": "one", "image_url": "a.jpg"}, {"text": "two", "images": [1]}],
		"allImages": ["a.jpg", "b.jpg"]
	}`), &it))

	th, ok := it.Body.(Thread)
	require.True(t, ok)
	require.Len(t, th.Tweets, 2)
	require.Equal(t, []string{"a.jpg", "b.jpg"}, th.ImageURLs())
	out, err := json.Marshal(it)
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(out, &fields))
	require.Equal(t, "thread", fields["kind"])
	require.Equal(t, true, fields["thread"])
	require.Equal(t, "one", fields["text"])
	require.Equal(t, "museum", fields["type"])
}

func TestUnparseableScheduleIsKeptVerbatim(t *testing.T) {
	var it ContentItem
	require.NoError(t, json.Unmarshal([]byte(`{"id": 1, "status": "approved", "scheduled_for": "tomorrow-ish"}`), &it))
	require.False(t, it.ScheduledFor.Valid())

	out, err := json.Marshal(it)
	require.NoError(t, err)
	require.Contains(t, string(out), `"scheduled_for":"tomorrow-ish"`)
}

func TestTimestampFormats(t *testing.T) {
	for _, s := range []string{
		"2026-03-01T11:04:00Z",
		"2026-03-01T11:04:00.123456+00:00",
		"2026-03-01T11:04:00",
		"2026-03-01T11:04",
	} {
		ts, err := ParseTimestamp(s)
		require.NoError(t, err, s)
		require.Equal(t, 2026, ts.Time().Year())
		require.Equal(t, s, ts.String())
	}
	naive, _ := ParseTimestamp("2026-03-01T11:04:00")
	require.Equal(t, time.UTC, naive.Time().Location())
}

func TestTransitions(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	it := &ContentItem{ID: 1, Status: StatusDraft}

	require.ErrorIs(t, it.Transition(StatusPosting, now), ErrInvalidTransition)
	require.NoError(t, it.Approve())
	require.NoError(t, it.Transition(StatusPosting, now))
	require.Equal(t, now, it.PostingStarted.Time())
	require.ErrorIs(t, it.Transition(StatusApproved, now), ErrInvalidTransition)
	require.NoError(t, it.Transition(StatusPartialThread, now))
	require.True(t, it.Status.Terminal())

	require.NoError(t, it.Requeue())
	require.Equal(t, StatusApproved, it.Status)
	require.Nil(t, it.PostingStarted)

	require.ErrorIs(t, it.Skip(StatusFailed, "nope", now), ErrInvalidTransition)
	require.NoError(t, it.Skip(StatusSkippedLowRes, "too small", now))
	require.Equal(t, "too small", it.SkipReason)

	posted := &ContentItem{ID: 2, Status: StatusPosted}
	require.ErrorIs(t, posted.Requeue(), ErrInvalidTransition)
}

func TestSingleTweetMuseumItemResolvesImagesAndKeepsTweets(t *testing.T) {
	var it ContentItem
	require.NoError(t, json.Unmarshal([]byte(`{
		"id": 9, "status": "approved",
		"tweets": [{"text": "A bronze mirror", "images": [2, 0]}],
		"allImages": ["m0.jpg", "m1.jpg", "m2.jpg"]
	}`), &it))

	body, ok := it.Body.(Single)
	require.True(t, ok)
	require.Equal(t, "A bronze mirror", body.Text)
	require.Equal(t, []string{"m2.jpg", "m0.jpg"}, it.LeadImageURLs())

	idx := 1
	it.ImageIndex = &idx
	require.Equal(t, []string{"m0.jpg"}, it.LeadImageURLs())

	out, err := json.Marshal(it)
	require.NoError(t, err)
	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &fields))
	require.Contains(t, fields, "tweets")
	require.Contains(t, fields, "allImages")
	require.JSONEq(t, `"single"`, string(fields["kind"]))
}

func TestThreadLeadImagesFallBackToFirstImage(t *testing.T) {
	th := Thread{
		Tweets:    []Tweet{{Text: "intro"}, {Text: "detail", Images: []int{1}}},
		AllImages: []string{"x.jpg", "y.jpg"},
	}
	it := ContentItem{Body: th}
	require.Equal(t, []string{"x.jpg"}, it.LeadImageURLs())
	require.Equal(t, []string{"y.jpg"}, th.TweetImageURLs(1))
	require.Nil(t, th.TweetImageURLs(5))
}
