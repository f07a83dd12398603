// Package filelock guards process-wide singletons such as the mail-sync and
// overdue scheduler with an advisory lock on a well-known path.
package filelock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrAlreadyLocked means another process owns the lock.
var ErrAlreadyLocked = errors.New("filelock: held by another process")

// Lock wraps an acquired advisory file lock.
type Lock struct {
	fl *flock.Flock
}

// TryAcquire takes the lock without blocking.
func TryAcquire(path string) (*Lock, error) {
	if path == "" {
		return nil, errors.New("filelock: path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("filelock: prepare dir: %w", err)
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("filelock: lock %s: %w", path, err)
	}
	if !ok {
		return nil, ErrAlreadyLocked
	}
	return &Lock{fl: fl}, nil
}

// Path returns the locked file path.
func (l *Lock) Path() string {
	if l == nil || l.fl == nil {
		return ""
	}
	return l.fl.Path()
}

// Release unlocks; safe on nil.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}
