package atomicfile

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriteJSONReplacesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "posts.json")

	require.NoError(t, WriteJSON(path, map[string]any{"posts": []int{1}}))
	require.NoError(t, WriteJSON(path, map[string]any{"posts": []int{1, 2}}))

	var got map[string][]int
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, []int{1, 2}, got["posts"])

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
}

func TestInterruptedWriteKeepsPreviousVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "posts.json")
	require.NoError(t, WriteJSON(path, map[string]any{"posts": []int{1}}))

	crash := errors.New("killed before rename")
	err := writeFile(path, []byte(`{"posts": [1, 2, 3`), 0o644, func(tmp string) error {
		_, statErr := os.Stat(tmp)
		require.NoError(t, statErr)
		return crash
	})
	require.ErrorIs(t, err, crash)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got map[string][]int
	require.NoError(t, json.Unmarshal(data, &got), "last renamed version must still parse")
	require.Equal(t, []int{1}, got["posts"])

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestQuarantineCopiesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "posts.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	now := time.Unix(1700000000, 0)
	dst, err := Quarantine(path, now)
	require.NoError(t, err)
	require.Equal(t, path+".corrupt-1700000000", dst)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "{not json", string(data))
	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestDirectoryIsSyncedAfterRename(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	var synced []string
	orig := syncDir
	syncDir = func(dir string) error {
		_, err := os.Stat(path)
		require.NoError(t, err, "the rename happens before the directory sync")
		synced = append(synced, dir)
		return orig(dir)
	}
	t.Cleanup(func() { syncDir = orig })

	require.NoError(t, WriteFile(path, []byte("{}"), 0o644))
	require.Equal(t, []string{filepath.Dir(path)}, synced)

	syncDir = func(string) error { return errors.New("EIO") }
	require.ErrorContains(t, WriteFile(path, []byte("{}"), 0o644), "sync dir: EIO")
}
