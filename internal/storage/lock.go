package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// LockFile is the name of the data-directory lock, relative to the store root.
const LockFile = ".lock"

// ErrLocked is returned when another process already owns the store.
var ErrLocked = errors.New("storage: data directory is locked by another process")

// DirLock is an exclusive cross-process lock on a store directory.
type DirLock struct {
	fl *flock.Flock
}

// LockDir takes the lock on dir without blocking. It fails with ErrLocked
// when another process holds it.
func LockDir(dir string) (*DirLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create lock dir: %w", err)
	}
	fl := flock.New(filepath.Join(dir, LockFile))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("storage: acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return &DirLock{fl: fl}, nil
}

// Path returns the lock file path.
func (l *DirLock) Path() string {
	return l.fl.Path()
}

// Unlock releases the lock. Calling it more than once is harmless.
func (l *DirLock) Unlock() error {
	if l == nil || !l.fl.Locked() {
		return nil
	}
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("storage: release lock: %w", err)
	}
	return nil
}
