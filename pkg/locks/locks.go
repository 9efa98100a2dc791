// Package locks provides the two exclusive locks the pipelines rely on: a
// non-blocking per-executable lock (a second instance exits instead of
// queuing) and a blocking per-file lock that serializes read-modify-write
// cycles on a shared document.
package locks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrLocked is returned when a non-blocking acquire finds the lock held.
var ErrLocked = errors.New("lock is held by another process")

const pollInterval = 50 * time.Millisecond

// Releaser releases a held lock.
type Releaser interface {
	Release() error
}

// ProcessLocker hands out named, non-blocking process locks.
type ProcessLocker interface {
	TryAcquire(ctx context.Context, name string) (Releaser, error)
}

// Pinger is implemented by lockers backed by a network service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// FileLock is an flock held on a lock file.
type FileLock struct {
	file *os.File
	path string
}

// Path returns the lock file path.
func (l *FileLock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Release unlocks and closes the lock file. Safe to call more than once.
func (l *FileLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	unlockErr := unlockFile(l.file)
	closeErr := l.file.Close()
	l.file = nil
	if unlockErr != nil {
		return fmt.Errorf("unlock %s: %w", l.path, unlockErr)
	}
	return closeErr
}

// TryLock takes an exclusive lock on path without waiting. It returns
// ErrLocked if another process holds it.
func TryLock(path string) (*FileLock, error) {
	f, err := openLockFile(path)
	if err != nil {
		return nil, err
	}
	if err := tryLockFile(f); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrLocked) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	return &FileLock{file: f, path: path}, nil
}

// Acquire waits for an exclusive lock on path until ctx is done.
func Acquire(ctx context.Context, path string) (*FileLock, error) {
	for {
		lock, err := TryLock(path)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, ErrLocked) {
			return nil, err
		}
		timer := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("wait for lock %s: %w", path, ctx.Err())
		case <-timer.C:
		}
	}
}

// SidecarPath returns the conventional lock path for a data file:
// a hidden ".<name>.lock" next to it.
func SidecarPath(dataPath string) string {
	return filepath.Join(filepath.Dir(dataPath), "."+filepath.Base(dataPath)+".lock")
}

func openLockFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	return f, nil
}

// FileLocker issues process locks as flocks on files inside Dir.
type FileLocker struct {
	Dir string
}

// TryAcquire locks <Dir>/.<name>.lock without waiting.
func (f FileLocker) TryAcquire(_ context.Context, name string) (Releaser, error) {
	lock, err := TryLock(filepath.Join(f.Dir, "."+name+".lock"))
	if err != nil {
		return nil, err
	}
	return lock, nil
}
