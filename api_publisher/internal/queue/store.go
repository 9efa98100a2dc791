package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"curator/pkg/atomicfile"
	"curator/pkg/locks"
	"curator/pkg/logging"
)

var (
	// ErrNotFound is returned when no item carries the requested id.
	ErrNotFound = errors.New("item not found")
	// ErrStaleWrite is returned by Save when the file changed since the
	// snapshot was loaded.
	ErrStaleWrite = errors.New("post store changed since it was loaded")
)

// Document is the whole post store. It always serializes as an object with
// a posts list; keys other tools add at the top level survive a round trip.
type Document struct {
	Revision int64
	Posts    []*ContentItem

	extra map[string]json.RawMessage
}

func (d *Document) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.extra)+2)
	for k, v := range d.extra {
		out[k] = v
	}
	posts := d.Posts
	if posts == nil {
		posts = []*ContentItem{}
	}
	out["revision"] = d.Revision
	out["posts"] = posts
	return json.Marshal(out)
}

// UnmarshalJSON accepts the object shape and the legacy bare list.
func (d *Document) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var posts []*ContentItem
		if err := json.Unmarshal(trimmed, &posts); err != nil {
			return err
		}
		*d = Document{Posts: compact(posts)}
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return err
	}
	doc := Document{}
	if v, ok := raw["posts"]; ok {
		var posts []*ContentItem
		if err := json.Unmarshal(v, &posts); err != nil {
			return fmt.Errorf("decode posts: %w", err)
		}
		doc.Posts = compact(posts)
	}
	if v, ok := raw["revision"]; ok {
		if err := json.Unmarshal(v, &doc.Revision); err != nil {
			return fmt.Errorf("decode revision: %w", err)
		}
	}
	for k, v := range raw {
		if k == "posts" || k == "revision" {
			continue
		}
		if doc.extra == nil {
			doc.extra = make(map[string]json.RawMessage)
		}
		doc.extra[k] = v
	}
	*d = doc
	return nil
}

// compact drops null entries.
func compact(posts []*ContentItem) []*ContentItem {
	out := posts[:0]
	for _, p := range posts {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// NextID returns max(existing ids, 0) + 1. It does not reserve the id.
func (d *Document) NextID() int {
	highest := 0
	for _, p := range d.Posts {
		if p.ID > highest {
			highest = p.ID
		}
	}
	return highest + 1
}

// Add assigns the next id to item and appends it.
func (d *Document) Add(item *ContentItem) int {
	item.ID = d.NextID()
	d.Posts = append(d.Posts, item)
	return item.ID
}

// Find returns the item with id.
func (d *Document) Find(id int) (*ContentItem, error) {
	for _, p := range d.Posts {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
}

// AlreadyQueued reports whether any item's source URL contains identifier.
// Identifiers are post ids or URL fragments, so containment is intended.
func (d *Document) AlreadyQueued(identifier string) bool {
	if identifier == "" {
		return false
	}
	for _, p := range d.Posts {
		if p.SourceURL != "" && strings.Contains(p.SourceURL, identifier) {
			return true
		}
	}
	return false
}

// WithStatus returns items in any of statuses, in file order.
func (d *Document) WithStatus(statuses ...Status) []*ContentItem {
	var out []*ContentItem
	for _, p := range d.Posts {
		for _, s := range statuses {
			if p.Status == s {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// Store is the durable post store used by the pipeline.
type Store interface {
	Load(ctx context.Context) (*Document, error)
	Save(ctx context.Context, doc *Document) error
	Update(ctx context.Context, fn func(*Document) error) (*Document, error)
}

// FileStore keeps the document in one JSON file. Writers serialize on a
// sidecar flock; readers rely on atomic rename and never lock.
type FileStore struct {
	path   string
	logger logging.Logger
	now    func() time.Time

	// beforeRename is a test hook forwarded to atomicfile.
	beforeRename atomicfile.Hook
}

func NewFileStore(path string, logger logging.Logger) *FileStore {
	return &FileStore{path: path, logger: logger, now: time.Now}
}

func (s *FileStore) Path() string { return s.path }

// Load reads the document. A missing file is an empty store. A corrupt file
// is copied aside and also reads as empty; only I/O errors are returned.
func (s *FileStore) Load(_ context.Context) (*Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Document{}, nil
		}
		return nil, fmt.Errorf("read post store: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return &Document{}, nil
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		fields := logging.Fields{"path": s.path, "error": err.Error()}
		if copyPath, qerr := atomicfile.Quarantine(s.path, s.now()); qerr == nil {
			fields["quarantined_to"] = copyPath
		} else {
			fields["quarantine_error"] = qerr.Error()
		}
		if s.logger != nil {
			s.logger.WithFields(fields).Error("Post store is corrupt, continuing with an empty store")
		}
		return &Document{}, nil
	}
	return &doc, nil
}

// Save writes doc if nobody else has saved since it was loaded. On success
// doc.Revision is advanced to the written value.
func (s *FileStore) Save(ctx context.Context, doc *Document) error {
	lock, err := locks.Acquire(ctx, locks.SidecarPath(s.path))
	if err != nil {
		return fmt.Errorf("lock post store: %w", err)
	}
	defer func() { _ = lock.Release() }()

	current, err := s.Load(ctx)
	if err != nil {
		return err
	}
	if current.Revision != doc.Revision {
		return fmt.Errorf("%w: loaded revision %d, on disk %d", ErrStaleWrite, doc.Revision, current.Revision)
	}
	return s.write(doc)
}

// Update runs fn on a fresh copy of the document under the writer lock and
// saves the result. If fn fails nothing is written.
func (s *FileStore) Update(ctx context.Context, fn func(*Document) error) (*Document, error) {
	lock, err := locks.Acquire(ctx, locks.SidecarPath(s.path))
	if err != nil {
		return nil, fmt.Errorf("lock post store: %w", err)
	}
	defer func() { _ = lock.Release() }()

	doc, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	if err := fn(doc); err != nil {
		return nil, err
	}
	if err := s.write(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *FileStore) write(doc *Document) error {
	next := *doc
	next.Revision++
	if err := atomicfile.WriteJSONWithHook(s.path, &next, s.beforeRename); err != nil {
		return fmt.Errorf("save post store: %w", err)
	}
	doc.Revision = next.Revision
	return nil
}
