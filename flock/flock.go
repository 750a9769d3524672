/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package flock provides a named mutual exclusion primitive usable
// across OS process boundaries.  Each name maps to a lock file in a
// fixed scratch directory, held via an OS advisory lock, so a crashed
// holder never leaves the name permanently locked: the kernel drops the
// lock with the process.  Lock files themselves may persist; their
// existence carries no meaning.
//
// The critical section is passed as a function so that holding the lock
// is the only way to run it.
package flock

import (
	"os"
	"path/filepath"
	"strings"

	gflock "github.com/gofrs/flock"
	"github.com/pkg/errors"
)

// Locker hands out named cross-process locks backed by files under dir.
//
// A disabled Locker runs critical sections inline with no file I/O.
// This is the single-worker configuration: with no parallel processes
// there is nothing to exclude, and skipping the syscalls keeps the hot
// paths cheap.
type Locker struct {
	dir     string
	enabled bool
}

// New returns a Locker writing lock files under dir.  The directory is
// created when enabled.
func New(dir string, enabled bool) (*Locker, error) {
	if enabled {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, errors.WithMessagef(err, "could not create lock directory %q", dir)
		}
	}
	return &Locker{dir: dir, enabled: enabled}, nil
}

// Enabled reports whether this Locker actually takes file locks.
func (l *Locker) Enabled() bool {
	return l.enabled
}

// WithLock runs fn while holding the exclusive lock for name, blocking
// until the lock is available.  The lock is released when fn returns,
// including on error.
func (l *Locker) WithLock(name string, fn func() error) error {
	if !l.enabled {
		return fn()
	}

	fl := gflock.New(l.Path(name))
	if err := fl.Lock(); err != nil {
		return errors.WithMessagef(err, "could not acquire file lock %q", name)
	}
	defer fl.Unlock()

	return fn()
}

// Path returns the lock file path for name.  Names are commonly
// addresses or fixed well-known strings; characters unsafe in file
// names are replaced.
func (l *Locker) Path(name string) string {
	return filepath.Join(l.dir, sanitize(name)+".lock")
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
