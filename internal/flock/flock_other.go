//go:build !unix && !windows

package flock

import "os"

// Platforms without an advisory-lock primitive get a no-op: the
// cross-process guarantee degrades to nothing, and only the
// repository's transactional claims protect dispatch. Single-process
// deployments are unaffected.

func tryLockExclusive(f *os.File) error { return nil }

func unlock(f *os.File) error { return nil }
