package lock

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// syscallSig0 is the null signal used only to probe whether a pid is
// still alive; POSIX guarantees it performs no delivery.
const syscallSig0 = syscall.Signal(0)

const (
	lockFileName     = ".lock"
	registryFileName = ".lock.holders"
)

// DatastoreLock is the datastore-root-level shared/exclusive lock
// (spec.md §4.1). Backup writers hold it shared for the duration of a
// backup; GC holds it exclusive for mark+sweep. A side registry file
// tracks the start time of every currently-held shared lock across
// processes, so an exclusive holder (GC) can compute
// "age of oldest shared lock" without inter-process signaling beyond the
// filesystem (spec.md §4.6's safety-window mechanism).
type DatastoreLock struct {
	root     string
	file     *FileLock
	registry *FileLock

	// gcMu serializes GC runs and chunk inserts within this process
	// (spec.md §4.1's "gc_mutex", §4.6's "within-process serialization").
	gcMu sync.Mutex
}

// Open returns a DatastoreLock rooted at datastoreDir.
func Open(datastoreDir string) *DatastoreLock {
	return &DatastoreLock{
		root:     datastoreDir,
		file:     New(filepath.Join(datastoreDir, lockFileName)),
		registry: New(filepath.Join(datastoreDir, registryFileName)),
	}
}

// SharedGuard is a held shared datastore lock, registered in the
// holder registry until Release.
type SharedGuard struct {
	dl    *DatastoreLock
	guard *Guard
	id    int64 // registry entry identity: our own pid, start time pair key
}

// LockShared acquires the datastore lock in shared mode and records this
// holder's start time in the registry.
func (dl *DatastoreLock) LockShared(ctx context.Context) (*SharedGuard, error) {
	g, err := dl.file.Acquire(ctx, Shared)
	if err != nil {
		return nil, err
	}
	started := time.Now()
	if err := dl.registerShared(os.Getpid(), started); err != nil {
		g.Release()
		return nil, err
	}
	return &SharedGuard{dl: dl, guard: g, id: started.UnixNano()}, nil
}

// Release drops the shared lock and removes this holder from the
// registry.
func (sg *SharedGuard) Release() error {
	if sg == nil {
		return nil
	}
	_ = sg.dl.unregisterShared(os.Getpid(), sg.id)
	return sg.guard.Release()
}

// ExclusiveGuard is a held exclusive datastore lock (GC's hold).
type ExclusiveGuard struct {
	guard *Guard
}

// LockExclusive acquires the datastore lock in exclusive mode. It blocks
// until every shared holder has released.
func (dl *DatastoreLock) LockExclusive(ctx context.Context) (*ExclusiveGuard, error) {
	g, err := dl.file.Acquire(ctx, Exclusive)
	if err != nil {
		return nil, err
	}
	return &ExclusiveGuard{guard: g}, nil
}

// Release drops the exclusive lock.
func (eg *ExclusiveGuard) Release() error {
	if eg == nil {
		return nil
	}
	return eg.guard.Release()
}

// GCMutex returns the in-process mutex that serializes GC runs against
// each other and against chunk inserts racing the sweep phase
// (spec.md §4.6).
func (dl *DatastoreLock) GCMutex() *sync.Mutex { return &dl.gcMu }

// OldestSharedLockAge reports the age of the oldest currently-registered
// shared lock holder, used by GC to compute its sweep cutoff
// (spec.md §4.6's `safety_window`). Returns false if no shared holder is
// currently registered.
func (dl *DatastoreLock) OldestSharedLockAge() (time.Duration, bool) {
	entries, err := dl.readRegistry()
	if err != nil || len(entries) == 0 {
		return 0, false
	}
	oldest := entries[0].started
	for _, e := range entries[1:] {
		if e.started.Before(oldest) {
			oldest = e.started
		}
	}
	return time.Since(oldest), true
}

type registryEntry struct {
	pid     int
	started time.Time
}

// registerShared appends a holder line under a brief exclusive lock on
// the registry file. A plain append is not atomic across processes on
// every filesystem, so the exclusive lock — held only for the
// microseconds needed to append one line — makes it so.
func (dl *DatastoreLock) registerShared(pid int, started time.Time) error {
	g, err := dl.registry.Acquire(context.Background(), Exclusive)
	if err != nil {
		return fmt.Errorf("lock: registering shared holder: %w", err)
	}
	defer g.Release()

	line := fmt.Sprintf("%d %d\n", pid, started.UnixNano())
	if _, err := g.f.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	_, err = g.f.WriteString(line)
	return err
}

// unregisterShared rewrites the registry without this holder's line.
func (dl *DatastoreLock) unregisterShared(pid int, id int64) error {
	g, err := dl.registry.Acquire(context.Background(), Exclusive)
	if err != nil {
		return fmt.Errorf("lock: unregistering shared holder: %w", err)
	}
	defer g.Release()

	entries, err := parseRegistry(g.f)
	if err != nil {
		return err
	}
	kept := entries[:0]
	for _, e := range entries {
		if e.pid == pid && e.started.UnixNano() == id {
			continue
		}
		kept = append(kept, e)
	}

	if err := g.f.Truncate(0); err != nil {
		return err
	}
	if _, err := g.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	w := bufio.NewWriter(g.f)
	for _, e := range kept {
		fmt.Fprintf(w, "%d %d\n", e.pid, e.started.UnixNano())
	}
	return w.Flush()
}

// readRegistry reads the holder list under a shared lock, dropping any
// entry whose pid is no longer alive (a holder that crashed without
// releasing cleanly must not wedge GC's cutoff computation forever).
func (dl *DatastoreLock) readRegistry() ([]registryEntry, error) {
	g, err := dl.registry.Acquire(context.Background(), Shared)
	if err != nil {
		return nil, err
	}
	defer g.Release()

	entries, err := parseRegistry(g.f)
	if err != nil {
		return nil, err
	}
	live := entries[:0]
	for _, e := range entries {
		if processAlive(e.pid) {
			live = append(live, e)
		}
	}
	return live, nil
}

func parseRegistry(f *os.File) ([]registryEntry, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	var entries []registryEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		nanos, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		entries = append(entries, registryEntry{pid: pid, started: time.Unix(0, nanos)})
	}
	return entries, scanner.Err()
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On POSIX, signal 0 only probes for existence/permission; it never
	// actually signals the process.
	return proc.Signal(syscallSig0) == nil
}
