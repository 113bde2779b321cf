// Package flock provides a timeout-bounded exclusive advisory lock on
// a sentinel file, used to serialize the select-and-claim dispatch
// critical section across OS processes sharing one database file.
package flock

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrLockBusy means another process holds the lock right now.
var ErrLockBusy = errors.New("lock held by another process")

// ErrTimeout means the lock could not be acquired within the caller's
// timeout. It is distinct from other I/O errors so callers can apply a
// different retry policy.
var ErrTimeout = errors.New("timed out waiting for lock")

// Lock is a held exclusive advisory lock.
type Lock struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// Acquire blocks up to timeout polling for an exclusive OS-level lock
// on the sentinel file at path, backing off exponentially with jitter
// between attempts. A timeout <= 0 makes a single attempt and returns
// ErrTimeout if the lock is busy. The file is created if missing; its
// parent directory must exist.
func Acquire(path string, timeout time.Duration) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if timeout <= 0 {
		// MaxElapsedTime = 0 means retry forever in backoff/v4, so a
		// non-positive timeout must short-circuit to one attempt.
		if err := tryLockExclusive(f); err != nil {
			f.Close()
			if errors.Is(err, ErrLockBusy) {
				return nil, fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, path)
			}
			return nil, err
		}
		return &Lock{path: path, file: f}, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 5 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = timeout

	err = backoff.Retry(func() error {
		err := tryLockExclusive(f)
		if err == nil || errors.Is(err, ErrLockBusy) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
	if err != nil {
		f.Close()
		if errors.Is(err, ErrLockBusy) {
			return nil, fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, path)
		}
		return nil, err
	}
	return &Lock{path: path, file: f}, nil
}

// Release drops the lock. It is idempotent.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := unlock(l.file)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return err
	}
	return closeErr
}

// Path returns the sentinel file path.
func (l *Lock) Path() string { return l.path }
