package zerobrew

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// RootLock serializes installer operations (install/uninstall/gc) across
// processes sharing the same root directory, per spec.md §5's single-writer
// requirement. A single process's own goroutines must still coordinate
// through the Installer they share; RootLock only arbitrates across
// processes.
type RootLock struct {
	fl *flock.Flock
}

// NewRootLock returns a lock guarding "<root>/locks/installer.lock".
func NewRootLock(root string) *RootLock {
	return &RootLock{fl: flock.New(filepath.Join(root, "locks", "installer.lock"))}
}

// Lock blocks (honoring ctx cancellation) until the exclusive lock is
// acquired, polling per the teacher-adjacent flock idiom since flock has no
// native context-aware wait. The locks directory is created if missing.
func (l *RootLock) Lock(ctx context.Context) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(l.fl.Path()), 0o755); err != nil {
		return nil, &StoreCorruptionError{Message: "creating installer lock dir", Err: err}
	}
	for {
		ok, err := l.fl.TryLock()
		if err != nil {
			return nil, &StoreCorruptionError{Message: "acquiring installer root lock", Err: err}
		}
		if ok {
			return func() { l.fl.Unlock() }, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}
