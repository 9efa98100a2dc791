package queue

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"curator/pkg/logging"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	return NewFileStore(filepath.Join(t.TempDir(), "posts.json"), logging.NewDiscardLogger())
}

func TestNextIDIsMaxPlusOneAndStable(t *testing.T) {
	doc := &Document{}
	require.Equal(t, 1, doc.NextID())

	doc.Posts = []*ContentItem{{ID: 3}, {ID: 9}, {ID: 4}}
	require.Equal(t, 10, doc.NextID())
	require.Equal(t, 10, doc.NextID())

	id := doc.Add(&ContentItem{Status: StatusDraft})
	require.Equal(t, 10, id)
	require.Equal(t, 11, doc.NextID())
	for _, p := range doc.Posts[:3] {
		require.NotEqual(t, doc.NextID(), p.ID)
	}
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	s := newTestStore(t)
	doc, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Empty(t, doc.Posts)
}

func TestLoadNormalizesBareListAndSavesObject(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(s.Path(), []byte(`[{"id": 1, "status": "approved", "text": "hello"}]`), 0o644))

	doc, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, doc.Posts, 1)
	require.Equal(t, "hello", doc.Posts[0].LeadText())

	require.NoError(t, s.Save(context.Background(), doc))
	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Contains(t, raw, "posts")
	require.JSONEq(t, `1`, string(raw["revision"]))
}

func TestLoadCorruptFileQuarantinesAndReturnsEmpty(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(s.Path(), []byte(`{"posts": [{"id": 1,`), 0o644))

	doc, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Empty(t, doc.Posts)

	matches, err := filepath.Glob(s.Path() + ".corrupt-*")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	require.Equal(t, `{"posts": [{"id": 1,`, string(data))
}

func TestInterruptedSaveKeepsLastGoodVersion(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Update(context.Background(), func(d *Document) error {
		d.Add(&ContentItem{Status: StatusApproved, Body: Single{Text: "first"}})
		return nil
	})
	require.NoError(t, err)

	s.beforeRename = func(string) error { return errors.New("killed") }
	_, err = s.Update(context.Background(), func(d *Document) error {
		d.Add(&ContentItem{Status: StatusApproved, Body: Single{Text: "second"}})
		return nil
	})
	require.Error(t, err)

	s.beforeRename = nil
	doc, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, doc.Posts, 1)
	require.Equal(t, "first", doc.Posts[0].LeadText())

	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(s.Path()), ".posts.json.tmp-*"))
	require.Empty(t, leftovers)
}

func TestSaveRejectsStaleSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, &Document{}))

	a, err := s.Load(ctx)
	require.NoError(t, err)
	b, err := s.Load(ctx)
	require.NoError(t, err)

	a.Add(&ContentItem{Status: StatusDraft})
	require.NoError(t, s.Save(ctx, a))

	b.Add(&ContentItem{Status: StatusDraft})
	err = s.Save(ctx, b)
	require.ErrorIs(t, err, ErrStaleWrite)
}

func TestUpdateDoesNotWriteWhenFnFails(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Update(context.Background(), func(d *Document) error {
		d.Add(&ContentItem{Status: StatusDraft})
		return errors.New("validation failed")
	})
	require.Error(t, err)
	_, statErr := os.Stat(s.Path())
	require.True(t, os.IsNotExist(statErr))
}

func TestConcurrentUpdatesAreSerialized(t *testing.T) {
	s := newTestStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(context.Background(), func(d *Document) error {
				d.Add(&ContentItem{Status: StatusDraft})
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	doc, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, doc.Posts, 10)
	require.EqualValues(t, 10, doc.Revision)
	seen := map[int]bool{}
	for _, p := range doc.Posts {
		require.False(t, seen[p.ID], "duplicate id %d", p.ID)
		seen[p.ID] = true
	}
}

func TestUnknownTopLevelAndItemKeysSurvive(t *testing.T) {
	s := newTestStore(t)
	input := `{
		"dashboard": {"theme": "dark"},
		"posts": [{"id": 7, "status": "draft", "text": "x", "museum": "met", "object_id": 42}]
	}`
	require.NoError(t, os.WriteFile(s.Path(), []byte(input), 0o644))

	_, err := s.Update(context.Background(), func(d *Document) error {
		it, err := d.Find(7)
		if err != nil {
			return err
		}
		return it.Approve()
	})
	require.NoError(t, err)

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	out := string(data)
	require.Contains(t, out, `"dashboard"`)
	require.Contains(t, out, `"museum": "met"`)
	require.Contains(t, out, `"object_id": 42`)
	require.True(t, strings.Contains(out, `"status": "approved"`))
}

func TestAlreadyQueuedMatchesURLFragments(t *testing.T) {
	doc := &Document{Posts: []*ContentItem{{ID: 1, SourceURL: "https://x.com/someone/status/12345"}}}
	require.True(t, doc.AlreadyQueued("12345"))
	require.False(t, doc.AlreadyQueued("99999"))
	require.False(t, doc.AlreadyQueued(""))
}

func TestFindMissingReturnsErrNotFound(t *testing.T) {
	_, err := (&Document{}).Find(3)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateKeepsFieldsOfTheWrongTypeVerbatim(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(s.Path(), []byte(`{"posts": [
		{"id": 1, "status": "approved", "text": "hello", "score": "8.5", "image_index": "2", "category": ["temple"]}
	]}`), 0o644))

	doc, err := s.Update(context.Background(), func(*Document) error { return nil })
	require.NoError(t, err)
	it := doc.Posts[0]
	require.Nil(t, it.Score)
	require.Nil(t, it.ImageIndex)
	require.Empty(t, it.Category)

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	var onDisk struct {
		Posts []map[string]json.RawMessage `json:"posts"`
	}
	require.NoError(t, json.Unmarshal(data, &onDisk))
	require.Len(t, onDisk.Posts, 1)
	require.JSONEq(t, `"8.5"`, string(onDisk.Posts[0]["score"]))
	require.JSONEq(t, `"2"`, string(onDisk.Posts[0]["image_index"]))
	require.JSONEq(t, `["temple"]`, string(onDisk.Posts[0]["category"]))
	require.JSONEq(t, `"hello"`, string(onDisk.Posts[0]["text"]))
}

func TestSettingAMalformedFieldReplacesIt(t *testing.T) {
	var it ContentItem
	require.NoError(t, json.Unmarshal([]byte(`{"id": 4, "status": "approved", "score": "high"}`), &it))
	score := 7.0
	it.Score = &score

	out, err := json.Marshal(it)
	require.NoError(t, err)
	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &fields))
	require.JSONEq(t, `7`, string(fields["score"]))
}
