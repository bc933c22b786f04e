package backend

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// indexLock is a cross-process exclusive lock on an index directory.
type indexLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

func newIndexLock(indexPath string) *indexLock {
	lockPath := indexPath + ".lock"
	return &indexLock{
		path:  lockPath,
		flock: flock.New(lockPath),
	}
}

// TryLock acquires the lock without blocking.
// It returns false if another process holds it.
func (l *indexLock) TryLock() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return false, fmt.Errorf("failed to create lock directory: %w", err)
	}

	acquired, err := l.flock.TryLock()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if acquired {
		l.locked = true
	}
	return acquired, nil
}

// Unlock releases the lock. Unlocking an unheld lock is a no-op.
func (l *indexLock) Unlock() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}
