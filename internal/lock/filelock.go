// Package lock implements the datastore's file-locking discipline
// (spec.md §4.1, §4.5, §5): a single datastore-wide shared/exclusive
// `flock`, per-group and per-snapshot locks built the same way, and the
// oldest-shared-lock bookkeeping the garbage collector consults to bound
// its exclusion window.
//
// Locking interaction table (restated from original_source's
// pbs-datastore/src/lib.rs module documentation, which this module is
// grounded on):
//
//	operation          | datastore lock | group lock | snapshot lock | manifest lock
//	-------------------|----------------|------------|---------------|---------------
//	create backup      | shared         | exclusive  | exclusive     | -
//	read/verify/restore| shared         | -          | shared        | -
//	forget snapshot    | shared         | -          | exclusive     | -
//	update manifest    | shared         | -          | shared        | exclusive
//	prune group         | shared         | exclusive  | exclusive*    | -
//	run GC             | exclusive      | -          | -             | -
//
// (* prune takes each snapshot's lock exclusively in turn, not all at
// once.) The datastore lock is always at least shared for any operation
// that touches chunk files, because GC's exclusive hold is the only thing
// that may ever delete a chunk; every other operation only adds data, so
// concurrent shared holders never conflict with each other.
package lock

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Mode selects the flock operation a FileLock acquires.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

// FileLock wraps a single lock file with blocking, context-aware
// shared/exclusive flock acquisition.
type FileLock struct {
	path string
}

// New returns a FileLock bound to path. The file is created on first
// acquisition if it does not already exist.
func New(path string) *FileLock {
	return &FileLock{path: path}
}

// Guard represents a held lock; call Release (or Close) to drop it.
type Guard struct {
	f    *os.File
	mode Mode
}

// Mode reports whether this guard holds a shared or exclusive lock.
func (g *Guard) Mode() Mode { return g.mode }

// Release drops the flock and closes the underlying file descriptor.
func (g *Guard) Release() error {
	if g == nil || g.f == nil {
		return nil
	}
	_ = unix.Flock(int(g.f.Fd()), unix.LOCK_UN)
	return g.f.Close()
}

// Close is an alias for Release, so Guard satisfies io.Closer.
func (g *Guard) Close() error { return g.Release() }

// Acquire blocks until the lock is held in the given mode or ctx is
// cancelled. Acquisition itself is a blocking syscall; we run it on a
// goroutine so cancellation is still observed promptly.
func (l *FileLock) Acquire(ctx context.Context, mode Mode) (*Guard, error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lock: opening %s: %w", l.path, err)
	}

	op := unix.LOCK_SH
	if mode == Exclusive {
		op = unix.LOCK_EX
	}

	done := make(chan error, 1)
	go func() { done <- unix.Flock(int(f.Fd()), op) }()

	select {
	case err := <-done:
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("lock: flock %s: %w", l.path, err)
		}
		return &Guard{f: f, mode: mode}, nil
	case <-ctx.Done():
		// The goroutine's Flock call is still in flight and keeps
		// blocking until the lock is granted; a background goroutine
		// waits for it and then closes the fd, dropping any lock it
		// obtained, so the file is not leaked.
		go func() { <-done; f.Close() }()
		return nil, fmt.Errorf("lock: %s: %w", l.path, ctx.Err())
	}
}

// TryAcquire attempts a non-blocking acquisition, returning ErrWouldBlock
// if the lock is currently held incompatibly by another process.
func (l *FileLock) TryAcquire(mode Mode) (*Guard, error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lock: opening %s: %w", l.path, err)
	}
	op := unix.LOCK_SH | unix.LOCK_NB
	if mode == Exclusive {
		op = unix.LOCK_EX | unix.LOCK_NB
	}
	if err := unix.Flock(int(f.Fd()), op); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrWouldBlock
		}
		return nil, fmt.Errorf("lock: flock %s: %w", l.path, err)
	}
	return &Guard{f: f, mode: mode}, nil
}

// ErrWouldBlock is returned by TryAcquire when the lock is already held
// incompatibly.
var ErrWouldBlock = fmt.Errorf("lock: would block")
