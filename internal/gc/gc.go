// Package gc implements the mark-and-sweep garbage collector
// (spec.md §4.6): walk every reachable index, mark its chunks as
// in-use, then unlink whatever wasn't touched recently enough to be
// trusted as unreachable.
package gc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/time/rate"

	"github.com/proxmox/proxmox-backup-sub005/internal/chunkstore"
	"github.com/proxmox/proxmox-backup-sub005/internal/cryptconf"
	"github.com/proxmox/proxmox-backup-sub005/internal/digest"
	"github.com/proxmox/proxmox-backup-sub005/internal/index"
	"github.com/proxmox/proxmox-backup-sub005/internal/ioworker"
	"github.com/proxmox/proxmox-backup-sub005/internal/lock"
	"github.com/proxmox/proxmox-backup-sub005/internal/logging"
	"github.com/proxmox/proxmox-backup-sub005/internal/snapshot"
)

// markConcurrency bounds how many snapshots' index walks run at once
// during the mark phase. Chosen as a fixed modest width rather than
// something GOMAXPROCS-scaled: this work is I/O-bound (opening and
// reading index files), not CPU-bound, so the limit exists to cap
// concurrent open file descriptors and directory I/O, not to match core
// count.
const markConcurrency = 8

// MinSafetyWindow is the 24-hour floor on the sweep cutoff, accommodating
// the relatime mount option under which atime is persisted at most once
// per day unless mtime also changes (spec.md §4.6).
const MinSafetyWindow = 24 * time.Hour

// Epsilon is the fixed safety margin added on top of either bound of the
// safety window, absorbing clock skew and the time between an atime
// update and this process observing it.
const Epsilon = 5 * time.Minute

// MarkStrategy records that a digest is reachable. The mark phase's
// directory walk is decoupled from how "in use" gets remembered so a
// dry-run or test can substitute an in-memory set for the real
// atime-touching store (spec.md §4.6).
type MarkStrategy interface {
	Mark(d digest.Digest) error
}

// AtimeMarkStrategy marks a chunk in use by updating its atime in the
// real chunk store — the production strategy.
type AtimeMarkStrategy struct {
	Store *chunkstore.Store
}

func (s AtimeMarkStrategy) Mark(d digest.Digest) error {
	return s.Store.Touch(d)
}

// MemSetMarkStrategy records marked digests in memory, for tests and for
// an estimate-only run that doesn't want to perturb atimes. Mark is
// called concurrently across snapshots during the mark phase's fan-out,
// so writes to Marked are serialized with mu.
type MemSetMarkStrategy struct {
	Marked map[digest.Digest]struct{}
	mu     sync.Mutex
}

func NewMemSetMarkStrategy() *MemSetMarkStrategy {
	return &MemSetMarkStrategy{Marked: make(map[digest.Digest]struct{})}
}

func (s *MemSetMarkStrategy) Mark(d digest.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Marked[d] = struct{}{}
	return nil
}

// fatalMarkError marks an error that must abort the whole run rather
// than being aggregated and skipped, per spec.md §4.6's distinction
// between "missing chunk" (logged, walk continues) and "I/O error
// during touch" (abort, leaving chunks intact).
type fatalMarkError struct{ err error }

func (e *fatalMarkError) Error() string { return e.err.Error() }
func (e *fatalMarkError) Unwrap() error { return e.err }

// Stats summarizes one GC run: chunks touched during marking plus the
// sweep's freed/retained counts (spec.md §4.6).
type Stats struct {
	ChunksTouched  int64
	MarkErrors     int64
	ChunksFreed    int64
	BytesFreed     int64
	ChunksRetained int64
	BytesRetained  int64
	Duration       time.Duration
}

// Collector runs garbage collection against one datastore.
type Collector struct {
	root    string
	store   *chunkstore.Store
	dl      *lock.DatastoreLock
	cc      *cryptconf.Config // needed to open dynamic indices' HMAC trailer; may be nil when no dynamic index exists
	limiter *rate.Limiter
	logger  *slog.Logger
	pool    *ioworker.Pool
}

// New returns a Collector for the datastore rooted at root. cc may be
// nil only if the datastore never writes dynamic indices; limiter, if
// non-nil, paces the sweep's unlinks.
func New(root string, store *chunkstore.Store, dl *lock.DatastoreLock, cc *cryptconf.Config, limiter *rate.Limiter, logger *slog.Logger) *Collector {
	return &Collector{
		root:    root,
		store:   store,
		dl:      dl,
		cc:      cc,
		limiter: limiter,
		logger:  logging.Default(logger).With("component", "gc"),
		pool:    ioworker.New(markConcurrency),
	}
}

// Run executes the full setup/mark/sweep/teardown algorithm
// (spec.md §4.6). It holds the datastore's exclusive lock for the
// entire run: a simpler (and more conservative) serialization than
// production PBS's brief-exclusive-then-shared-coexistence window,
// since nothing in this codebase models a safe downgrade from exclusive
// back to shared mid-run.
func (c *Collector) Run(ctx context.Context, strategy MarkStrategy) (Stats, error) {
	started := time.Now()

	exclusive, err := c.dl.LockExclusive(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("gc: setup: %w", err)
	}
	defer exclusive.Release()

	safetyWindow := MinSafetyWindow + Epsilon
	if age, ok := c.dl.OldestSharedLockAge(); ok {
		if candidate := age + Epsilon; candidate > safetyWindow {
			safetyWindow = candidate
		}
	}
	cutoff := started.Add(-safetyWindow)

	stats, markErr := c.mark(ctx, strategy, started, safetyWindow)

	var fatal *fatalMarkError
	if errors.As(markErr, &fatal) {
		return stats, fmt.Errorf("gc: mark phase aborted: %w", fatal.err)
	}

	sweepStats, err := c.store.DeleteUnused(ctx, cutoff, c.limiter)
	if err != nil {
		return stats, fmt.Errorf("gc: sweep phase: %w", err)
	}
	stats.ChunksFreed = sweepStats.ChunksFreed
	stats.BytesFreed = sweepStats.BytesFreed
	stats.ChunksRetained = sweepStats.ChunksRetained
	stats.BytesRetained = sweepStats.BytesRetained
	stats.Duration = time.Since(started)

	return stats, markErr
}

// mark walks every group's snapshots, touching the digests of every
// finished snapshot and every unfinished snapshot young enough to still
// be within the safety window (spec.md §4.6 step 2). Each snapshot's own
// index walk is independent of every other's, so they fan out across
// the collector's worker pool; a fatal error from any one snapshot
// cancels the rest via the pool's errgroup-derived context.
func (c *Collector) mark(ctx context.Context, strategy MarkStrategy, markStart time.Time, safetyWindow time.Duration) (Stats, error) {
	var stats Stats
	var result *multierror.Error
	var mu sync.Mutex

	groups, err := snapshot.ListGroups(c.root)
	if err != nil {
		return stats, fmt.Errorf("gc: listing groups: %w", err)
	}

	var eligible []snapshot.Info
	for _, group := range groups {
		infos, err := snapshot.ListSnapshots(c.root, group)
		if err != nil {
			return stats, fmt.Errorf("gc: listing snapshots for %s: %w", group, err)
		}
		for _, info := range infos {
			if !info.IsFinished() {
				dirPath := info.Dir.FullPath(c.root)
				young, err := dirYoungerThan(dirPath, markStart, safetyWindow)
				if err != nil {
					return stats, fmt.Errorf("gc: stat %s: %w", dirPath, err)
				}
				if !young {
					continue
				}
			}
			eligible = append(eligible, info)
		}
	}

	tasks := make([]func(context.Context) error, len(eligible))
	for i, info := range eligible {
		info := info
		tasks[i] = func(taskCtx context.Context) error {
			select {
			case <-taskCtx.Done():
				return taskCtx.Err()
			default:
			}

			touched, markErr := c.markSnapshot(info, strategy)

			mu.Lock()
			stats.ChunksTouched += touched
			var fatal *fatalMarkError
			isFatal := errors.As(markErr, &fatal)
			if markErr != nil && !isFatal {
				result = multierror.Append(result, markErr)
			}
			mu.Unlock()

			if isFatal {
				return markErr
			}
			return nil
		}
	}

	groupErr := c.pool.Group(ctx, tasks...)
	if groupErr != nil {
		var fatal *fatalMarkError
		if errors.As(groupErr, &fatal) {
			return stats, groupErr
		}
		return stats, groupErr
	}

	stats.MarkErrors = int64(errCount(result))
	return stats, result.ErrorOrNil()
}

func errCount(merr *multierror.Error) int {
	if merr == nil {
		return 0
	}
	return len(merr.Errors)
}

// markSnapshot opens every .fidx/.didx file in one snapshot directory
// and marks its digests. A missing chunk is logged and aggregated as a
// mark error but does not stop the walk (spec.md §4.6's failure modes);
// any other error opening or reading an index aborts the whole run,
// since that indicates the index itself may be unreadable, not merely
// a chunk that's gone missing.
func (c *Collector) markSnapshot(info snapshot.Info, strategy MarkStrategy) (touched int64, err error) {
	dirPath := info.Dir.FullPath(c.root)
	var result *multierror.Error

	for _, name := range info.Files {
		path := filepath.Join(dirPath, name)
		var n int64
		var markErr error
		switch {
		case strings.HasSuffix(name, ".fidx"):
			n, markErr = c.markFixedIndex(path, strategy)
		case strings.HasSuffix(name, ".didx"):
			n, markErr = c.markDynamicIndex(path, strategy)
		default:
			continue
		}
		touched += n
		if markErr != nil {
			var fatal *fatalMarkError
			if errors.As(markErr, &fatal) {
				return touched, markErr
			}
			result = multierror.Append(result, markErr)
		}
	}
	return touched, result.ErrorOrNil()
}

func (c *Collector) markFixedIndex(path string, strategy MarkStrategy) (int64, error) {
	r, err := index.OpenFixedIndex(path)
	if err != nil {
		return 0, &fatalMarkError{fmt.Errorf("gc: opening %s: %w", path, err)}
	}
	defer r.Close()

	digests, err := r.Digests()
	if err != nil {
		return 0, &fatalMarkError{fmt.Errorf("gc: reading %s: %w", path, err)}
	}
	return c.markAll(path, digests, strategy)
}

func (c *Collector) markDynamicIndex(path string, strategy MarkStrategy) (int64, error) {
	r, err := index.OpenDynamicIndex(path, c.cc)
	if err != nil {
		return 0, &fatalMarkError{fmt.Errorf("gc: opening %s: %w", path, err)}
	}
	defer r.Close()

	entries := r.Entries()
	digests := make([]digest.Digest, len(entries))
	for i, e := range entries {
		digests[i] = e.Digest
	}
	return c.markAll(path, digests, strategy)
}

// markAll marks every digest via strategy. A missing chunk (detected
// only when the strategy surfaces chunkstore.ErrChunkNotFound, as
// AtimeMarkStrategy does) is logged and aggregated as a mark error
// without stopping the walk; any other error aborts the run, leaving
// chunks untouched rather than risk marking incompletely
// (spec.md §4.6's failure modes).
func (c *Collector) markAll(path string, digests []digest.Digest, strategy MarkStrategy) (int64, error) {
	var touched int64
	var result *multierror.Error
	for _, d := range digests {
		if err := strategy.Mark(d); err != nil {
			if errors.Is(err, chunkstore.ErrChunkNotFound) {
				c.logger.Error("referenced chunk missing", "index", path, "digest", d.String())
				result = multierror.Append(result, fmt.Errorf("%s: missing chunk %s", path, d))
				continue
			}
			return touched, &fatalMarkError{err}
		}
		touched++
	}
	return touched, result.ErrorOrNil()
}

// dirYoungerThan reports whether a directory's mtime is within
// safetyWindow of markStart.
func dirYoungerThan(path string, markStart time.Time, safetyWindow time.Duration) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(markStart.Add(-safetyWindow)), nil
}
