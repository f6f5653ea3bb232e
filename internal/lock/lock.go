// Copyright 2025 PkgStore Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build unix

// Package lock provides advisory readers-writer file locks for
// coordinating processes that share a filesystem. Locks are POSIX fcntl
// byte-range locks, so they work on NFS and Lustre, and each Lock may
// cover either a whole file or a single byte range of one.
//
// A Lock is reentrant within a process: acquisitions are counted and the
// OS-level lock is released only when every acquisition has been released.
// It coordinates processes, not goroutines; a Lock must not be used from
// multiple goroutines at once.
package lock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/avast/retry-go/v4"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var (
	// ErrTimeout is returned when a lock cannot be acquired within the
	// configured timeout. The operation fails outright; callers do not
	// retry.
	ErrTimeout = errors.New("timed out waiting for lock")

	// ErrReadOnlyFile is returned for an exclusive lock attempt on a file
	// this process cannot write.
	ErrReadOnlyFile = errors.New("cannot take write lock on read-only file")

	// ErrCannotCreate is returned when the lock file does not exist and
	// its directory is not writable.
	ErrCannotCreate = errors.New("lock file does not exist and location is not writable")

	// ErrNotHeld is returned for a release without a matching acquire.
	ErrNotHeld = errors.New("lock released more times than acquired")

	// errContended marks a poll attempt that found the range held by
	// another process.
	errContended = errors.New("lock held by another process")
)

// Poll pacing for contended locks. Backoff doubles from pollDelay up to
// pollMaxDelay and then stays there.
const (
	pollDelay    = 100 * time.Millisecond
	pollMaxDelay = 500 * time.Millisecond
)

// Lock is one advisory byte-range lock on a shared file. The zero byte
// range (Length == 0) covers the whole file.
type Lock struct {
	path   string
	start  int64
	length int64

	// timeout bounds each acquisition; zero waits forever.
	timeout time.Duration

	file   *os.File
	rdonly bool

	// Reentrancy depth, per process. The fcntl lock is dropped only when
	// both counts return to zero.
	reads  int
	writes int
}

// New returns a whole-file lock on path. The file and its parent
// directory are created lazily on first acquisition.
func New(path string, timeout time.Duration) *Lock {
	return NewRange(path, 0, 0, timeout)
}

// NewRange returns a lock covering length bytes starting at start.
func NewRange(path string, start, length int64, timeout time.Duration) *Lock {
	return &Lock{path: path, start: start, length: length, timeout: timeout}
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// InUse reports whether this process currently holds the lock in any
// mode. Callers use it before acquiring to tell an outermost acquisition
// from a nested one.
func (l *Lock) InUse() bool { return l.reads > 0 || l.writes > 0 }

// AcquireRead takes a shared lock. It reports true when this acquisition
// actually took the fcntl lock, false when it only nested onto a lock the
// process already holds.
func (l *Lock) AcquireRead() (bool, error) {
	if l.reads == 0 && l.writes == 0 {
		if err := l.lock(unix.F_RDLCK); err != nil {
			return false, err
		}
		l.reads++
		return true, nil
	}
	l.reads++
	return false, nil
}

// AcquireWrite takes an exclusive lock. Taking it while the process holds
// a shared lock upgrades the fcntl lock in place.
func (l *Lock) AcquireWrite() (bool, error) {
	if l.writes == 0 {
		if err := l.lock(unix.F_WRLCK); err != nil {
			return false, err
		}
		l.writes++
		return true, nil
	}
	l.writes++
	return false, nil
}

// ReleaseRead drops one shared acquisition, reporting true when the last
// local hold was released and the fcntl lock actually dropped.
func (l *Lock) ReleaseRead() (bool, error) {
	if l.reads <= 0 {
		return false, ErrNotHeld
	}
	if l.reads == 1 && l.writes == 0 {
		err := l.unlock()
		l.reads--
		return true, err
	}
	l.reads--
	return false, nil
}

// ReleaseWrite drops one exclusive acquisition. Note that after an upgrade
// the exclusive fcntl lock stays in place, masquerading as the remaining
// shared holds, until the final release.
func (l *Lock) ReleaseWrite() (bool, error) {
	if l.writes <= 0 {
		return false, ErrNotHeld
	}
	if l.writes == 1 && l.reads == 0 {
		err := l.unlock()
		l.writes--
		return true, err
	}
	l.writes--
	return false, nil
}

// WithReadLock runs fn while holding the shared lock, releasing it on
// every exit path.
func WithReadLock(l *Lock, fn func() error) error {
	if _, err := l.AcquireRead(); err != nil {
		return err
	}
	defer l.ReleaseRead()
	return fn()
}

// WithWriteLock runs fn while holding the exclusive lock, releasing it on
// every exit path.
func WithWriteLock(l *Lock, fn func() error) error {
	if _, err := l.AcquireWrite(); err != nil {
		return err
	}
	defer l.ReleaseWrite()
	return fn()
}

// lock polls for the requested fcntl lock with backoff until it succeeds
// or the timeout elapses.
func (l *Lock) lock(lockType int16) error {
	if err := l.open(lockType); err != nil {
		return err
	}

	ctx := context.Background()
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	started := time.Now()
	attempts := 0
	err := retry.Do(
		func() error {
			attempts++
			return l.try(lockType)
		},
		retry.Context(ctx),
		retry.Attempts(0), // poll until the deadline, not a fixed count
		retry.Delay(pollDelay),
		retry.MaxDelay(pollMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool { return errors.Is(err, errContended) }),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if errors.Is(err, errContended) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrTimeout, l.describe(lockType))
		}
		return err
	}

	if attempts > 1 {
		log.Debugf("acquired %s after %.2fs and %d attempts",
			l.describe(lockType), time.Since(started).Seconds(), attempts)
	}
	return nil
}

// try makes one non-blocking attempt at the lock.
func (l *Lock) try(lockType int16) error {
	flock := &unix.Flock_t{
		Type:   lockType,
		Whence: int16(io.SeekStart),
		Start:  l.start,
		Len:    l.length,
	}
	err := unix.FcntlFlock(l.file.Fd(), unix.F_SETLK, flock)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EACCES) {
		return errContended
	}
	return fmt.Errorf("fcntl lock on %s: %w", l.path, err)
}

// open prepares the lock file descriptor. Writable files open read-write
// so a shared lock can later upgrade to exclusive; read-only files still
// admit shared locks.
func (l *Lock) open(lockType int16) error {
	if l.file != nil {
		if lockType == unix.F_WRLCK && l.rdonly {
			return fmt.Errorf("%w: %s", ErrReadOnlyFile, l.path)
		}
		return nil
	}

	parent := filepath.Dir(l.path)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create lock directory %s: %w", parent, err)
	}

	flags, rdonly := os.O_RDWR|os.O_CREATE, false
	if _, err := os.Stat(l.path); err == nil {
		if unix.Access(l.path, unix.W_OK) != nil {
			if lockType != unix.F_RDLCK {
				return fmt.Errorf("%w: %s", ErrReadOnlyFile, l.path)
			}
			flags, rdonly = os.O_RDONLY, true
		}
	} else if unix.Access(parent, unix.W_OK) != nil {
		return fmt.Errorf("%w: %s", ErrCannotCreate, l.path)
	}

	file, err := os.OpenFile(l.path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file %s: %w", l.path, err)
	}
	l.file = file
	l.rdonly = rdonly
	return nil
}

// unlock releases the fcntl lock and closes the descriptor regardless of
// which mode it was held in.
func (l *Lock) unlock() error {
	flock := &unix.Flock_t{
		Type:   unix.F_UNLCK,
		Whence: int16(io.SeekStart),
		Start:  l.start,
		Len:    l.length,
	}
	if err := unix.FcntlFlock(l.file.Fd(), unix.F_SETLK, flock); err != nil {
		return fmt.Errorf("fcntl unlock on %s: %w", l.path, err)
	}
	err := l.file.Close()
	l.file = nil
	l.rdonly = false
	log.Debugf("released %s", l.describeRange())
	return err
}

func (l *Lock) describe(lockType int16) string {
	kind := "read"
	if lockType == unix.F_WRLCK {
		kind = "write"
	}
	return fmt.Sprintf("%s lock %s", kind, l.describeRange())
}

func (l *Lock) describeRange() string {
	if l.length == 0 {
		return l.path
	}
	return fmt.Sprintf("%s[%d:%d]", l.path, l.start, l.length)
}
