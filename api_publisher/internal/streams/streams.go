// Package streams loads the per-stream publishing configuration. A stream is
// one account's content line: its post store, schedule, gates and
// cross-post destinations.
package streams

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"curator/api_publisher/internal/queue"
	"curator/pkg/config"
)

// ErrUnknownStream is returned by File.Get for an id that is not configured.
var ErrUnknownStream = errors.New("unknown stream")

const (
	defaultMinTextLength       = 20
	defaultMaxTextLength       = 280
	defaultMinImagePixels      = 800
	defaultMinGapHours         = 1.0
	defaultStaleAfter          = 30 * time.Minute
	defaultMaxSelectionRetries = 3
	defaultThreadDelayMin      = 120 * time.Second
	defaultThreadDelayMax      = 300 * time.Second
	defaultRecentPostsChecked  = 20
)

// Window is the random-mode posting window.
type Window struct {
	StartHour   int     `yaml:"start_hour"`
	EndHour     int     `yaml:"end_hour"`
	MaxPerDay   int     `yaml:"max_per_day"`
	MinGapHours float64 `yaml:"min_gap_hours"`
}

// Limits gate a publish run.
type Limits struct {
	// DailyCap is the most posts per calendar day in the stream's zone.
	// Zero disables the cap.
	DailyCap    int     `yaml:"daily_cap"`
	// MinGapHours defaults to the posting window's gap, else one hour.
	MinGapHours float64 `yaml:"min_gap_hours"`

	MinTextLength int `yaml:"min_text_length"`
	MaxTextLength int `yaml:"max_text_length"`

	MinImagePixels      int           `yaml:"min_image_pixels"`
	StaleAfter          time.Duration `yaml:"stale_after"`
	MaxSelectionRetries int           `yaml:"max_selection_retries"`
	RecentPostsChecked  int           `yaml:"recent_posts_checked"`

	ThreadDelayMin time.Duration `yaml:"thread_delay_min"`
	ThreadDelayMax time.Duration `yaml:"thread_delay_max"`
}

// Stream is one configured content line.
type Stream struct {
	ID        string `yaml:"id"`
	Handle    string `yaml:"handle"`
	PostsFile string `yaml:"posts_file"`
	MediaDir  string `yaml:"media_dir"`
	Timezone  string `yaml:"timezone"`

	PostingTimes  []string `yaml:"posting_times"`
	JitterMinutes *int     `yaml:"jitter_minutes"`
	Window        Window   `yaml:"posting_window"`

	MinScore       *float64 `yaml:"min_score"`
	HandleWindow   int      `yaml:"handle_window"`
	CategoryWindow int      `yaml:"category_window"`

	// CategorySet names a builtin keyword set; Categories replaces it.
	CategorySet string           `yaml:"category_set"`
	Categories  []queue.Category `yaml:"categories"`

	// CrossPost maps a category to a community id. The "default" key
	// catches every category without its own entry.
	CrossPost map[string]string `yaml:"cross_post"`

	Limits Limits `yaml:"limits"`

	location *time.Location
	baseDir  string
}

// File is the streams document.
type File struct {
	Default string    `yaml:"default"`
	Streams []*Stream `yaml:"streams"`
}

// Load reads and validates a streams document. Relative posts_file and
// media_dir paths resolve against the document's directory.
func Load(path string) (*File, error) {
	var f File
	if err := config.LoadDocument(path, &f); err != nil {
		return nil, err
	}
	base, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	seen := map[string]bool{}
	for i, s := range f.Streams {
		if s == nil {
			return nil, fmt.Errorf("stream %d is empty", i)
		}
		if s.ID == "" {
			return nil, fmt.Errorf("stream %d has no id", i)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("stream %q is defined twice", s.ID)
		}
		seen[s.ID] = true
		s.baseDir = base
		if err := s.normalize(); err != nil {
			return nil, fmt.Errorf("stream %q: %w", s.ID, err)
		}
	}
	if f.Default == "" && len(f.Streams) == 1 {
		f.Default = f.Streams[0].ID
	}
	return &f, nil
}

// Get returns the stream named id, or the default when id is empty.
func (f *File) Get(id string) (*Stream, error) {
	if id == "" {
		id = f.Default
	}
	for _, s := range f.Streams {
		if s.ID == id {
			return s, nil
		}
	}
	ids := make([]string, 0, len(f.Streams))
	for _, s := range f.Streams {
		ids = append(ids, s.ID)
	}
	sort.Strings(ids)
	return nil, fmt.Errorf("%w %q (configured: %s)", ErrUnknownStream, id, strings.Join(ids, ", "))
}

func (s *Stream) normalize() error {
	loc := time.UTC
	if s.Timezone != "" {
		l, err := time.LoadLocation(s.Timezone)
		if err != nil {
			return fmt.Errorf("timezone: %w", err)
		}
		loc = l
	}
	s.location = loc

	if s.PostsFile == "" {
		s.PostsFile = "posts-" + s.ID + ".json"
	}
	if s.MediaDir == "" {
		s.MediaDir = filepath.Join("data", "media", s.ID)
	}
	if s.CategorySet != "" && len(s.Categories) == 0 {
		cats, ok := queue.BuiltinCategories[s.CategorySet]
		if !ok {
			return fmt.Errorf("unknown category set %q", s.CategorySet)
		}
		s.Categories = cats
	}

	l := &s.Limits
	if l.DailyCap < 0 || l.MinGapHours < 0 {
		return fmt.Errorf("limits must not be negative")
	}
	if l.MinGapHours == 0 {
		l.MinGapHours = defaultMinGapHours
		if s.Window.MinGapHours > 0 {
			l.MinGapHours = s.Window.MinGapHours
		}
	}
	if l.MinTextLength <= 0 {
		l.MinTextLength = defaultMinTextLength
	}
	if l.MaxTextLength <= 0 {
		l.MaxTextLength = defaultMaxTextLength
	}
	if l.MinTextLength > l.MaxTextLength {
		return fmt.Errorf("min_text_length %d exceeds max_text_length %d", l.MinTextLength, l.MaxTextLength)
	}
	if l.MinImagePixels <= 0 {
		l.MinImagePixels = defaultMinImagePixels
	}
	if l.StaleAfter <= 0 {
		l.StaleAfter = defaultStaleAfter
	}
	if l.MaxSelectionRetries <= 0 {
		l.MaxSelectionRetries = defaultMaxSelectionRetries
	}
	if l.RecentPostsChecked <= 0 {
		l.RecentPostsChecked = defaultRecentPostsChecked
	}
	if l.ThreadDelayMin <= 0 && l.ThreadDelayMax <= 0 {
		l.ThreadDelayMin, l.ThreadDelayMax = defaultThreadDelayMin, defaultThreadDelayMax
	}
	if l.ThreadDelayMax < l.ThreadDelayMin {
		return fmt.Errorf("thread_delay_max %s is below thread_delay_min %s", l.ThreadDelayMax, l.ThreadDelayMin)
	}

	// catch bad HH:MM values at load time instead of at the first enqueue
	if _, err := queue.NewPlanner(s.PlannerConfig()); err != nil {
		return err
	}
	return nil
}

// Location is the stream's posting zone.
func (s *Stream) Location() *time.Location {
	if s.location == nil {
		return time.UTC
	}
	return s.location
}

// StorePath is the post store location. POSTS_FILE overrides the
// configured path.
func (s *Stream) StorePath() string {
	if override := config.GetEnv("POSTS_FILE", ""); override != "" {
		return override
	}
	return s.resolve(s.PostsFile)
}

// MediaPath is the download cache directory.
func (s *Stream) MediaPath() string {
	return s.resolve(s.MediaDir)
}

func (s *Stream) resolve(p string) string {
	if filepath.IsAbs(p) || s.baseDir == "" {
		return p
	}
	return filepath.Join(s.baseDir, p)
}

// PlannerConfig is the stream's schedule policy.
func (s *Stream) PlannerConfig() queue.PlannerConfig {
	cfg := queue.DefaultPlannerConfig()
	cfg.Location = s.Location()
	cfg.PostingTimes = s.PostingTimes
	if s.JitterMinutes != nil {
		cfg.JitterMinutes = *s.JitterMinutes
	}
	if s.Window.StartHour != 0 || s.Window.EndHour != 0 {
		cfg.WindowStartHour, cfg.WindowEndHour = s.Window.StartHour, s.Window.EndHour
	}
	if s.Window.MaxPerDay > 0 {
		cfg.MaxPerDay = s.Window.MaxPerDay
	}
	if s.Window.MinGapHours > 0 {
		cfg.MinGap = hours(s.Window.MinGapHours)
	}
	return cfg
}

// SelectionConfig is the stream's selection policy.
func (s *Stream) SelectionConfig() queue.SelectionConfig {
	return queue.SelectionConfig{
		MinScore:       s.MinScore,
		HandleWindow:   s.HandleWindow,
		CategoryWindow: s.CategoryWindow,
	}
}

// Classifier assigns categories with the stream's keyword set.
func (s *Stream) Classifier() *queue.Classifier {
	return queue.NewClassifier(s.Categories)
}

// CrossPostDestination returns the community for category, if any.
func (s *Stream) CrossPostDestination(category string) (string, bool) {
	if dest, ok := s.CrossPost[category]; ok && dest != "" {
		return dest, true
	}
	dest, ok := s.CrossPost["default"]
	return dest, ok && dest != ""
}

// MinGap is the minimum spacing between publishes.
func (l Limits) MinGap() time.Duration {
	return hours(l.MinGapHours)
}

func hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}
