package queue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// BodyKind discriminates the Body union on disk.
type BodyKind string

const (
	KindSingle BodyKind = "single"
	KindThread BodyKind = "thread"
)

// Body is either a Single post or a Thread.
type Body interface {
	Kind() BodyKind
	// LeadText is the text of the first post, used for dedupe and classification.
	LeadText() string
	isBody()
}

// Single is one post with ordered images.
type Single struct {
	Text      string
	ImageURLs []string
}

func (Single) Kind() BodyKind     { return KindSingle }
func (s Single) LeadText() string { return s.Text }
func (Single) isBody()            {}

// Tweet is one post of a thread. Images index into Thread.AllImages for
// items written in the museum shape.
type Tweet struct {
	Text     string `json:"text"`
	ImageURL string `json:"image_url,omitempty"`
	Images   []int  `json:"images,omitempty"`
}

// Thread is an ordered reply chain.
type Thread struct {
	Tweets    []Tweet
	AllImages []string
}

func (Thread) Kind() BodyKind { return KindThread }

func (t Thread) LeadText() string {
	if len(t.Tweets) == 0 {
		return ""
	}
	return t.Tweets[0].Text
}

func (Thread) isBody() {}

// ImageURLs flattens per-tweet images in order, dropping duplicates.
func (t Thread) ImageURLs() []string {
	var urls []string
	seen := map[string]bool{}
	add := func(u string) {
		if u != "" && !seen[u] {
			seen[u] = true
			urls = append(urls, u)
		}
	}
	for _, tw := range t.Tweets {
		add(tw.ImageURL)
		for _, idx := range tw.Images {
			if idx >= 0 && idx < len(t.AllImages) {
				add(t.AllImages[idx])
			}
		}
	}
	return urls
}

// leadImages resolves the first post's images: its own URL, else its
// indices into AllImages, else the first of AllImages.
func (t Thread) leadImages() []string {
	if len(t.Tweets) > 0 {
		if urls := t.TweetImageURLs(0); len(urls) > 0 {
			return urls
		}
	}
	if len(t.AllImages) > 0 {
		return []string{t.AllImages[0]}
	}
	return nil
}

// TweetImageURLs returns the images attached to tweet i.
func (t Thread) TweetImageURLs(i int) []string {
	if i < 0 || i >= len(t.Tweets) {
		return nil
	}
	tw := t.Tweets[i]
	if tw.ImageURL != "" {
		return []string{tw.ImageURL}
	}
	var urls []string
	for _, idx := range tw.Images {
		if idx >= 0 && idx < len(t.AllImages) {
			urls = append(urls, t.AllImages[idx])
		}
	}
	return urls
}

// ContentItem is one schedulable unit in the post store.
type ContentItem struct {
	ID           int
	Status       Status
	ScheduledFor *Timestamp
	Body         Body
	Title        string

	SourceHandle string
	SourceURL    string
	Category     string
	Score        *float64

	FailReason string
	SkipReason string

	PostingStarted *Timestamp
	ExternalID     string
	PostedAt       *Timestamp
	ThreadIDs      []string
	// CrossPosts maps destination to the id it was published under there.
	CrossPosts     map[string]string

	// Image is a pre-downloaded local file; it wins over any URL.
	Image      string
	ImageIndex *int

	// extra holds keys this package does not model, written back verbatim.
	extra map[string]json.RawMessage
}

// Transition applies a pipeline status change. Entering posting stamps
// PostingStarted; reaching posted stamps PostedAt.
func (it *ContentItem) Transition(to Status, now time.Time) error {
	if err := ValidateTransition(it.Status, to); err != nil {
		return fmt.Errorf("item %d: %w", it.ID, err)
	}
	it.Status = to
	switch to {
	case StatusPosting:
		it.PostingStarted = NewTimestamp(now)
	case StatusPosted:
		it.PostedAt = NewTimestamp(now)
	}
	return nil
}

// Fail moves the item to failed with reason.
func (it *ContentItem) Fail(reason string, now time.Time) error {
	if err := it.Transition(StatusFailed, now); err != nil {
		return err
	}
	it.FailReason = reason
	return nil
}

// Skip moves an approved item to one of the skipped states.
func (it *ContentItem) Skip(to Status, reason string, now time.Time) error {
	if to != StatusSkippedLowQuality && to != StatusSkippedLowRes {
		return fmt.Errorf("item %d: %w: %s is not a skip status", it.ID, ErrInvalidTransition, to)
	}
	if err := it.Transition(to, now); err != nil {
		return err
	}
	it.SkipReason = reason
	return nil
}

// Approve moves a draft to approved.
func (it *ContentItem) Approve() error {
	if err := ValidateTransition(it.Status, StatusApproved); err != nil {
		return fmt.Errorf("item %d: %w", it.ID, err)
	}
	it.Status = StatusApproved
	return nil
}

// Requeue is the operator path back to approved for a failed, partial or
// skipped item. Reasons and the stale posting marker are cleared.
func (it *ContentItem) Requeue() error {
	if err := validate(manualTransitions, it.Status, StatusApproved); err != nil {
		return fmt.Errorf("item %d: %w", it.ID, err)
	}
	it.Status = StatusApproved
	it.FailReason = ""
	it.SkipReason = ""
	it.PostingStarted = nil
	return nil
}

// Handle returns the normalized source handle ("" when the content is original).
func (it *ContentItem) Handle() string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(it.SourceHandle), "@"))
}

// LeadText is the first post's text, or "" without a body.
func (it *ContentItem) LeadText() string {
	if it.Body == nil {
		return ""
	}
	return it.Body.LeadText()
}

// LeadImageURLs returns the images for the first post. ImageIndex, when set
// and in range, narrows them to that one image.
func (it *ContentItem) LeadImageURLs() []string {
	var urls []string
	switch b := it.Body.(type) {
	case Single:
		urls = b.ImageURLs
	case Thread:
		urls = b.leadImages()
	}
	if it.ImageIndex != nil && *it.ImageIndex >= 0 && *it.ImageIndex < len(urls) {
		return []string{urls[*it.ImageIndex]}
	}
	return urls
}

// wire is the on-disk shape. Flat text/image_urls are always written so
// older readers that only know the single shape still see something sane.
type wire struct {
	ID             int               `json:"id"`
	Status         Status            `json:"status"`
	ScheduledFor   *Timestamp        `json:"scheduled_for,omitempty"`
	Kind           BodyKind          `json:"kind,omitempty"`
	Thread         bool              `json:"thread,omitempty"`
	Text           string            `json:"text"`
	ImageURLs      []string          `json:"image_urls,omitempty"`
	Tweets         []Tweet           `json:"tweets,omitempty"`
	AllImages      []string          `json:"allImages,omitempty"`
	Title          string            `json:"title,omitempty"`
	SourceHandle   string            `json:"source_handle,omitempty"`
	SourceURL      string            `json:"source_url,omitempty"`
	Category       string            `json:"category,omitempty"`
	Score          *float64          `json:"score"`
	FailReason     string            `json:"fail_reason,omitempty"`
	SkipReason     string            `json:"skip_reason,omitempty"`
	PostingStarted *Timestamp        `json:"posting_started,omitempty"`
	ExternalID     string            `json:"tweet_id,omitempty"`
	PostedAt       *Timestamp        `json:"posted_at,omitempty"`
	ThreadIDs      []string          `json:"thread_ids,omitempty"`
	CrossPosts     map[string]string `json:"cross_posts,omitempty"`
	Image          string            `json:"image,omitempty"`
	ImageIndex     *int              `json:"image_index,omitempty"`
}

var wireKeys = map[string]bool{
	"id": true, "status": true, "scheduled_for": true, "kind": true, "thread": true,
	"text": true, "image_urls": true, "tweets": true, "allImages": true, "title": true,
	"source_handle": true, "source_url": true, "category": true, "score": true,
	"fail_reason": true, "skip_reason": true, "posting_started": true, "tweet_id": true,
	"posted_at": true, "thread_ids": true, "cross_posts": true, "image": true,
	"image_index": true,
}

// zeroWire is how each always-written key of an empty wire encodes.
var zeroWire = func() map[string]json.RawMessage {
	var fields map[string]json.RawMessage
	data, _ := json.Marshal(wire{})
	_ = json.Unmarshal(data, &fields)
	return fields
}()

func (it ContentItem) MarshalJSON() ([]byte, error) {
	w := wire{
		ID:             it.ID,
		Status:         it.Status,
		ScheduledFor:   it.ScheduledFor,
		Title:          it.Title,
		SourceHandle:   it.SourceHandle,
		SourceURL:      it.SourceURL,
		Category:       it.Category,
		Score:          it.Score,
		FailReason:     it.FailReason,
		SkipReason:     it.SkipReason,
		PostingStarted: it.PostingStarted,
		ExternalID:     it.ExternalID,
		PostedAt:       it.PostedAt,
		ThreadIDs:      it.ThreadIDs,
		CrossPosts:     it.CrossPosts,
		Image:          it.Image,
		ImageIndex:     it.ImageIndex,
	}
	switch b := it.Body.(type) {
	case Thread:
		w.Kind = KindThread
		w.Thread = true
		w.Tweets = b.Tweets
		w.AllImages = b.AllImages
		w.Text = b.LeadText()
		w.ImageURLs = b.ImageURLs()
	case Single:
		w.Kind = KindSingle
		w.Text = b.Text
		w.ImageURLs = b.ImageURLs
	case nil:
	default:
		return nil, fmt.Errorf("item %d: unknown body type %T", it.ID, it.Body)
	}

	known, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	if len(it.extra) == 0 {
		return known, nil
	}
	merged := make(map[string]json.RawMessage, len(it.extra)+len(wireKeys))
	for k, v := range it.extra {
		merged[k] = v
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		// a malformed value read from disk survives until the field is set
		if _, kept := it.extra[k]; kept && bytes.Equal(v, zeroWire[k]) {
			continue
		}
		merged[k] = v
	}
	return json.Marshal(merged)
}

func (it *ContentItem) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var w wire
	malformed, err := decodeLenient(raw, &w)
	if err != nil {
		return err
	}

	*it = ContentItem{
		ID:             w.ID,
		Status:         w.Status,
		ScheduledFor:   w.ScheduledFor,
		Title:          w.Title,
		SourceHandle:   w.SourceHandle,
		SourceURL:      w.SourceURL,
		Category:       w.Category,
		Score:          w.Score,
		FailReason:     w.FailReason,
		SkipReason:     w.SkipReason,
		PostingStarted: w.PostingStarted,
		ExternalID:     w.ExternalID,
		PostedAt:       w.PostedAt,
		ThreadIDs:      w.ThreadIDs,
		CrossPosts:     w.CrossPosts,
		Image:          w.Image,
		ImageIndex:     w.ImageIndex,
	}

	kind := w.Kind
	if kind == "" {
		kind = KindSingle
		if w.Thread || len(w.Tweets) > 1 {
			kind = KindThread
		}
	}
	if kind == KindThread {
		it.Body = Thread{Tweets: w.Tweets, AllImages: w.AllImages}
	} else {
		text := w.Text
		urls := w.ImageURLs
		// single-tweet museum items carry their text only in tweets[0]
		if text == "" && len(w.Tweets) == 1 {
			text = w.Tweets[0].Text
		}
		if len(urls) == 0 {
			urls = Thread{Tweets: w.Tweets, AllImages: w.AllImages}.leadImages()
		}
		it.Body = Single{Text: text, ImageURLs: urls}
	}

	for k, v := range raw {
		keep := !wireKeys[k] || malformed[k]
		// a single body does not write these back itself
		if kind == KindSingle && (k == "tweets" || k == "allImages") {
			keep = true
		}
		if keep {
			if it.extra == nil {
				it.extra = make(map[string]json.RawMessage)
			}
			it.extra[k] = v
		}
	}
	return nil
}

// decodeLenient decodes known keys one by one so a single malformed field
// (a numeric string id, a null list) does not reject the whole item. Keys
// whose value does not fit the field are returned so the caller can keep
// them verbatim.
func decodeLenient(raw map[string]json.RawMessage, w *wire) (map[string]bool, error) {
	if v, ok := raw["id"]; ok {
		id, err := decodeID(v)
		if err != nil {
			return nil, err
		}
		w.ID = id
	}
	var malformed map[string]bool
	for k, v := range raw {
		if k == "id" || !wireKeys[k] || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			continue
		}
		single, _ := json.Marshal(map[string]json.RawMessage{k: v})
		var scratch wire
		if err := json.Unmarshal(single, &scratch); err != nil {
			if malformed == nil {
				malformed = make(map[string]bool)
			}
			malformed[k] = true
			continue
		}
		_ = json.Unmarshal(single, w)
	}
	return malformed, nil
}

func decodeID(v json.RawMessage) (int, error) {
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(v))
	dec.UseNumber()
	var anyVal any
	if err := dec.Decode(&anyVal); err != nil {
		return 0, fmt.Errorf("decode id: %w", err)
	}
	switch x := anyVal.(type) {
	case json.Number:
		n = x
	case string:
		n = json.Number(strings.TrimSpace(x))
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("id has unsupported type %T", anyVal)
	}
	if i, err := n.Int64(); err == nil {
		return int(i), nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, fmt.Errorf("id %q is not a number", n)
	}
	return int(f), nil
}
