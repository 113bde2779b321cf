//go:build unix

package flock

import (
	"os"

	"golang.org/x/sys/unix"
)

// tryLockExclusive attempts a non-blocking exclusive flock.
// Returns ErrLockBusy if any other process holds the lock.
func tryLockExclusive(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == unix.EWOULDBLOCK {
		return ErrLockBusy
	}
	return err
}

func unlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
