package streams

import (
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/require"
)

const sampleStreams = `
default: tatami
streams:
  - id: tatami
    handle: tatamispaces
    posts_file: posts.json
    timezone: Asia/Tokyo
    posting_times: ["08:30", "19:00"]
    jitter_minutes: 0
    min_score: 6.5
    category_set: architecture
    cross_post:
      temple: "1500000000000000001"
      default: "1500000000000000009"
    limits:
      daily_cap: 3
      min_gap_hours: 1.5
      stale_after: 45m
      thread_delay_min: 1s
      thread_delay_max: 2s
  - id: museum
    category_set: museum
    posting_window:
      start_hour: 9
      end_hour: 21
      max_per_day: 2
      min_gap_hours: 3
`

func writeStreams(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "streams.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaultsAndOverrides(t *testing.T) {
	path := writeStreams(t, sampleStreams)
	f, err := Load(path)
	require.NoError(t, err)

	tatami, err := f.Get("")
	require.NoError(t, err)
	require.Equal(t, "tatami", tatami.ID)
	require.Equal(t, filepath.Join(filepath.Dir(path), "posts.json"), tatami.StorePath())
	require.Equal(t, "Asia/Tokyo", tatami.Location().String())
	require.Equal(t, 3, tatami.Limits.DailyCap)
	require.Equal(t, 90*time.Minute, tatami.Limits.MinGap())
	require.Equal(t, 45*time.Minute, tatami.Limits.StaleAfter)
	require.Equal(t, 800, tatami.Limits.MinImagePixels)
	require.Equal(t, 280, tatami.Limits.MaxTextLength)
	require.Equal(t, time.Second, tatami.Limits.ThreadDelayMin)

	pc := tatami.PlannerConfig()
	require.Equal(t, 0, pc.JitterMinutes)
	require.Equal(t, []string{"08:30", "19:00"}, pc.PostingTimes)

	sc := tatami.SelectionConfig()
	require.NotNil(t, sc.MinScore)
	require.InDelta(t, 6.5, *sc.MinScore, 1e-9)
	require.Equal(t, "temple", tatami.Classifier().Classify("Zen temple at dawn"))

	museum, err := f.Get("museum")
	require.NoError(t, err)
	require.Equal(t, "posts-museum.json", filepath.Base(museum.StorePath()))
	require.Equal(t, 300*time.Second, museum.Limits.ThreadDelayMax)
	mp := museum.PlannerConfig()
	require.Equal(t, 9, mp.WindowStartHour)
	require.Equal(t, 21, mp.WindowEndHour)
	require.Equal(t, 2, mp.MaxPerDay)
	require.Equal(t, 3*time.Hour, mp.MinGap)
	require.Equal(t, 3*time.Hour, museum.Limits.MinGap(), "the publish gap follows the window's gap")
	require.Equal(t, 30, mp.JitterMinutes, "unset jitter keeps the default")
}

func TestPostsFileEnvOverride(t *testing.T) {
	f, err := Load(writeStreams(t, sampleStreams))
	require.NoError(t, err)
	s, err := f.Get("tatami")
	require.NoError(t, err)

	t.Setenv("POSTS_FILE", "/srv/data/override.json")
	require.Equal(t, "/srv/data/override.json", s.StorePath())
}

func TestCrossPostDestination(t *testing.T) {
	f, err := Load(writeStreams(t, sampleStreams))
	require.NoError(t, err)
	s, err := f.Get("tatami")
	require.NoError(t, err)

	dest, ok := s.CrossPostDestination("temple")
	require.True(t, ok)
	require.Equal(t, "1500000000000000001", dest)

	dest, ok = s.CrossPostDestination("garden")
	require.True(t, ok)
	require.Equal(t, "1500000000000000009", dest)

	m, err := f.Get("museum")
	require.NoError(t, err)
	_, ok = m.CrossPostDestination("painting")
	require.False(t, ok)
}

func TestLoadRejectsBadStreams(t *testing.T) {
	cases := map[string]string{
		"missing id":     "streams:\n  - handle: x\n",
		"duplicate":      "streams:\n  - id: a\n  - id: a\n",
		"bad zone":       "streams:\n  - id: a\n    timezone: Mars/Olympus\n",
		"bad time":       "streams:\n  - id: a\n    posting_times: [\"7pm\"]\n",
		"bad categories": "streams:\n  - id: a\n    category_set: nope\n",
		"bad delays":     "streams:\n  - id: a\n    limits:\n      thread_delay_min: 5m\n      thread_delay_max: 1m\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeStreams(t, body))
			require.Error(t, err)
		})
	}
}

func TestGetUnknownStream(t *testing.T) {
	f, err := Load(writeStreams(t, sampleStreams))
	require.NoError(t, err)
	_, err = f.Get("nope")
	require.ErrorIs(t, err, ErrUnknownStream)
}

func TestShippedStreamsFileLoads(t *testing.T) {
	f, err := Load(filepath.Join("..", "..", "..", "config", "streams.yaml"))
	require.NoError(t, err)
	s, err := f.Get("")
	require.NoError(t, err)
	require.Equal(t, "tatamispaces", s.ID)
	dest, ok := s.CrossPostDestination("temple")
	require.True(t, ok)
	require.Equal(t, "1493446837214187523", dest)
	museum, err := f.Get("museumarchive")
	require.NoError(t, err)
	require.Empty(t, museum.PostingTimes)
	require.Equal(t, 3*time.Hour, museum.Limits.MinGap())
}
