package scheduler

import (
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/require"

	"curator/api_orchestrator/internal/tasks"
)

const testRegistry = `
stream: tatami
timezone: UTC
work_dir: .
posts_file: posts.json
tasks:
  - {name: post, type: scheduled, times: ["09:00", "18:00"], command: [./post], timeout_seconds: 60}
  - {name: engage, type: interval, interval_minutes: 45, command: [./engage]}
  - {name: audit, type: weekly, day: wednesday, time: "10:00", command: [./audit]}
  - {name: off, type: interval, enabled: false, command: [./off]}
`

// loadRegistry writes body as <dir>/orch.yaml and loads it.
func loadRegistry(t *testing.T, body string) *tasks.Config {
	t.Helper()
	t.Setenv("ORCHESTRATOR_STATUS_FILE", "")
	dir := t.TempDir()
	path := filepath.Join(dir, "orch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	reg, err := tasks.Load(path)
	require.NoError(t, err)
	return reg
}

func task(t *testing.T, reg *tasks.Config, name string) *tasks.Task {
	t.Helper()
	tk, ok := reg.Task(name)
	require.True(t, ok, name)
	return tk
}

// wed returns 2026-03-04 (a Wednesday) at hh:mm UTC.
func wed(hh, mm int) time.Time {
	return time.Date(2026, 3, 4, hh, mm, 0, 0, time.UTC)
}
