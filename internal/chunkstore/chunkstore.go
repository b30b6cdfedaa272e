// Package chunkstore implements the content-addressed chunk store
// (spec.md §4.1): durable storage of immutable Data Blobs keyed by
// 32-byte digest, under a two-level hex fan-out, with atomic
// insert-via-rename and atime-based garbage-collection marking.
//
// The locking and atomic-rename idioms are grounded on
// gastrolog/internal/chunk/file.Manager: a directory-scoped lock file
// opened once at construction, and a temp-file-then-rename publish path
// for every write. Here the lock is the datastore-wide flock
// (internal/lock) rather than gastrolog's single exclusive directory
// lock, because many concurrent backup writers must share insert access
// while only GC needs exclusivity.
package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/proxmox/proxmox-backup-sub005/internal/blob"
	"github.com/proxmox/proxmox-backup-sub005/internal/digest"
	"github.com/proxmox/proxmox-backup-sub005/internal/lock"
	"github.com/proxmox/proxmox-backup-sub005/internal/logging"
)

// ChunksDirName is the well-known subdirectory name holding the fan-out
// tree, per spec.md §3's Datastore entity.
const ChunksDirName = ".chunks"

// DefaultFanoutPrefixLen and DefaultFanoutSuffixLen pick the two-level hex
// fan-out depth (first two hex chars, then next two) a brand-new datastore
// is created with. The Open Question decision recorded in SPEC_FULL.md /
// DESIGN.md: stable for the life of a datastore once chosen, which is why
// Open takes the effective depth as a parameter rather than hardcoding it —
// callers read it back from dsconfig so it can never silently change
// underneath an existing datastore.
const (
	DefaultFanoutPrefixLen = 2
	DefaultFanoutSuffixLen = 2
)

var (
	ErrChunkNotFound = errors.New("chunkstore: chunk not found")
	ErrBadDigest     = errors.New("chunkstore: malformed digest")
)

// Store is a content-addressed chunk store rooted at a datastore's
// .chunks/ directory.
type Store struct {
	dir       string
	prefixLen int
	suffixLen int
	dl        *lock.DatastoreLock
	logger    *slog.Logger
}

// Open returns a Store rooted at datastoreDir/.chunks. dl is the
// datastore-wide lock this store's Insert/Touch/DeleteUnused calls
// participate in.
//
// prefixLen/suffixLen size the two-level hex fan-out (first prefixLen hex
// chars name the outer bucket, the next suffixLen name the inner one)
// fixed for the life of the datastore; callers read both from dsconfig
// rather than hardcoding them here, so the depth a datastore was created
// with can never silently change. A zero prefixLen falls back to
// DefaultFanoutPrefixLen/DefaultFanoutSuffixLen for callers (tests,
// mostly) that don't care. The outer buckets (256 at the default depth)
// are created up front; inner buckets, which would number 65,536 in total
// at the default depth, are created lazily on first insert.
func Open(datastoreDir string, dl *lock.DatastoreLock, prefixLen int, logger *slog.Logger) (*Store, error) {
	return OpenFanout(datastoreDir, dl, prefixLen, 0, logger)
}

// OpenFanout is Open with an explicit suffixLen, for callers (the
// datastore facade) that read both depths back from dsconfig.
func OpenFanout(datastoreDir string, dl *lock.DatastoreLock, prefixLen, suffixLen int, logger *slog.Logger) (*Store, error) {
	if prefixLen <= 0 {
		prefixLen = DefaultFanoutPrefixLen
	}
	if suffixLen <= 0 {
		suffixLen = DefaultFanoutSuffixLen
	}
	dir := filepath.Join(datastoreDir, ChunksDirName)
	if err := ensureOuterBuckets(dir, prefixLen); err != nil {
		return nil, err
	}
	return &Store{
		dir:       dir,
		prefixLen: prefixLen,
		suffixLen: suffixLen,
		dl:        dl,
		logger:    logging.Default(logger).With("component", "chunkstore"),
	}, nil
}

// ensureOuterBuckets creates the outer fan-out level up front, the same
// "create all buckets eagerly" approach as gastrolog's rotation
// directories. The inner level is not pre-created: at the default 2+2
// depth that would mean 16^4 directories, so Insert creates each inner
// bucket lazily (MkdirAll is idempotent and cheap on the rare path where
// it already exists).
func ensureOuterBuckets(dir string, prefixLen int) error {
	for _, bucketName := range hexCombinations(prefixLen) {
		bucket := filepath.Join(dir, bucketName)
		if err := os.MkdirAll(bucket, 0o755); err != nil {
			return fmt.Errorf("chunkstore: creating bucket %s: %w", bucket, err)
		}
	}
	return nil
}

// hexCombinations enumerates every lowercase-hex string of length n.
func hexCombinations(n int) []string {
	const hexDigits = "0123456789abcdef"
	combos := []string{""}
	for i := 0; i < n; i++ {
		next := make([]string, 0, len(combos)*len(hexDigits))
		for _, c := range combos {
			for _, d := range hexDigits {
				next = append(next, c+string(d))
			}
		}
		combos = next
	}
	return combos
}

// pathFor returns the on-disk path for a chunk's digest, and the
// (two-level) bucket directory it lives in.
func (s *Store) pathFor(d digest.Digest) (path, bucket string) {
	hexStr := d.String()
	outer := hexStr[:s.prefixLen]
	inner := hexStr[s.prefixLen : s.prefixLen+s.suffixLen]
	bucket = filepath.Join(s.dir, outer, inner)
	path = filepath.Join(bucket, hexStr)
	return path, bucket
}

// Insert stores blobBytes (an already-framed Data Blob) under d,
// returning (is_duplicate, stored_size). Re-insertion of an existing
// digest is a cheap stat-only no-op (spec.md §4.1 invariant 1): content
// at a digest's path never changes once written.
//
// The caller must hold at least a shared datastore lock for the
// duration of the backup this insert belongs to.
func (s *Store) Insert(d digest.Digest, blobBytes []byte) (isDuplicate bool, storedSize int64, err error) {
	if err := blob.VerifyCRC(blobBytes); err != nil {
		return false, 0, fmt.Errorf("chunkstore: insert %s: %w", d, err)
	}

	path, bucket := s.pathFor(d)
	if info, statErr := os.Stat(path); statErr == nil {
		return true, info.Size(), nil
	} else if !errors.Is(statErr, fs.ErrNotExist) {
		return false, 0, fmt.Errorf("chunkstore: stat %s: %w", path, statErr)
	}

	if err := os.MkdirAll(bucket, 0o755); err != nil {
		return false, 0, fmt.Errorf("chunkstore: creating bucket %s: %w", bucket, err)
	}

	// gc_mutex: serialize against a concurrent sweep's unlink scan
	// within this process (spec.md §4.6).
	s.dl.GCMutex().Lock()
	defer s.dl.GCMutex().Unlock()

	tmpPath := filepath.Join(bucket, fmt.Sprintf(".tmp_%s_%s", d.String(), uuid.NewString()))
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return false, 0, fmt.Errorf("chunkstore: creating temp file: %w", err)
	}
	if _, err := f.Write(blobBytes); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return false, 0, fmt.Errorf("chunkstore: writing temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return false, 0, fmt.Errorf("chunkstore: fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return false, 0, fmt.Errorf("chunkstore: closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		// Another writer may have won the race with identical bytes
		// (invariant 1); treat that as success rather than an error.
		if info, statErr := os.Stat(path); statErr == nil {
			return true, info.Size(), nil
		}
		return false, 0, fmt.Errorf("chunkstore: renaming chunk into place: %w", err)
	}

	s.logger.Debug("chunk inserted", "digest", d.String(), "size", len(blobBytes))
	return false, int64(len(blobBytes)), nil
}

// Touch updates a chunk's atime to now, used by GC's mark phase. A
// missing chunk returns an error wrapping ErrChunkNotFound; GC's mark
// phase logs and counts that as a mark error and keeps walking.
func (s *Store) Touch(d digest.Digest) error {
	path, _ := s.pathFor(d)
	now := time.Now()
	ts := []unix.Timespec{
		unix.NsecToTimespec(now.UnixNano()),
		{Sec: 0, Nsec: unix.UTIME_OMIT},
	}
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, path, ts, 0); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("chunkstore: touch %s: %w", d, ErrChunkNotFound)
		}
		return fmt.Errorf("chunkstore: touch %s: %w", d, err)
	}
	return nil
}

// Read opens and returns a chunk's raw (still-framed) blob bytes,
// verifying the header CRC before returning them (spec.md §4.1). Callers
// that need the plaintext must further call blob.Decode with whatever
// crypto config applies.
func (s *Store) Read(d digest.Digest) ([]byte, error) {
	path, _ := s.pathFor(d)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("chunkstore: read %s: %w", d, ErrChunkNotFound)
		}
		return nil, fmt.Errorf("chunkstore: read %s: %w", d, err)
	}
	if err := blob.VerifyCRC(data); err != nil {
		return nil, fmt.Errorf("chunkstore: read %s: %w", d, err)
	}
	return data, nil
}

// PathFor returns the on-disk path a chunk's digest is (or would be)
// stored at. Exposed for diagnostics and tests that need to manipulate a
// chunk file directly (e.g. backdating its atime); not used on any
// insert/read hot path.
func (s *Store) PathFor(d digest.Digest) string {
	path, _ := s.pathFor(d)
	return path
}

// Exists reports whether a chunk file is present, without validating its
// CRC.
func (s *Store) Exists(d digest.Digest) bool {
	path, _ := s.pathFor(d)
	_, err := os.Stat(path)
	return err == nil
}

// Stats summarizes a DeleteUnused sweep.
type Stats struct {
	ChunksFreed    int64
	BytesFreed     int64
	ChunksRetained int64
	BytesRetained  int64
}

// DeleteUnused walks every bucket and unlinks chunk files whose atime
// predates cutoff. The caller must hold the datastore's exclusive lock
// (spec.md §4.1, §4.6's sweep phase). I/O errors during unlink are
// logged and the walk continues; an error reading a bucket directory is
// also logged and skipped rather than aborting the whole sweep.
//
// limiter, if non-nil, paces unlinks so a large sweep doesn't starve
// concurrent I/O on the same disk; pass nil to sweep as fast as
// possible.
func (s *Store) DeleteUnused(ctx context.Context, cutoff time.Time, limiter *rate.Limiter) (Stats, error) {
	var stats Stats
	outer, err := os.ReadDir(s.dir)
	if err != nil {
		return stats, fmt.Errorf("chunkstore: reading chunks dir: %w", err)
	}
	for _, outerBucket := range outer {
		if !outerBucket.IsDir() {
			continue
		}
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}
		outerPath := filepath.Join(s.dir, outerBucket.Name())
		inner, err := os.ReadDir(outerPath)
		if err != nil {
			s.logger.Warn("skipping unreadable bucket during sweep", "bucket", outerPath, "error", err)
			continue
		}
		for _, innerBucket := range inner {
			if !innerBucket.IsDir() {
				continue
			}
			bucketPath := filepath.Join(outerPath, innerBucket.Name())
			files, err := os.ReadDir(bucketPath)
			if err != nil {
				s.logger.Warn("skipping unreadable bucket during sweep", "bucket", bucketPath, "error", err)
				continue
			}
			for _, f := range files {
				if f.IsDir() {
					continue
				}
				name := f.Name()
				if len(name) > 0 && name[0] == '.' {
					continue // stray temp file, not a committed chunk
				}
				path := filepath.Join(bucketPath, name)
				info, err := f.Info()
				if err != nil {
					s.logger.Warn("skipping unreadable chunk during sweep", "path", path, "error", err)
					continue
				}
				atime := atimeOf(info)
				if atime.Before(cutoff) {
					if limiter != nil {
						if err := limiter.Wait(ctx); err != nil {
							return stats, err
						}
					}
					if err := os.Remove(path); err != nil {
						s.logger.Warn("failed to unlink chunk during sweep", "path", path, "error", err)
						continue
					}
					stats.ChunksFreed++
					stats.BytesFreed += info.Size()
				} else {
					stats.ChunksRetained++
					stats.BytesRetained += info.Size()
				}
			}
		}
	}
	return stats, nil
}

// atimeOf extracts the POSIX atime from a fs.FileInfo on Linux.
func atimeOf(info fs.FileInfo) time.Time {
	stat, ok := info.Sys().(*unix.Stat_t)
	if !ok {
		return info.ModTime()
	}
	return time.Unix(stat.Atim.Sec, stat.Atim.Nsec)
}

// Digests returns every digest currently present, for tests and
// diagnostics; not used on the hot insert/read path.
func (s *Store) Digests() ([]digest.Digest, error) {
	var out []digest.Digest
	outer, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	for _, outerBucket := range outer {
		if !outerBucket.IsDir() {
			continue
		}
		outerPath := filepath.Join(s.dir, outerBucket.Name())
		inner, err := os.ReadDir(outerPath)
		if err != nil {
			return nil, err
		}
		for _, innerBucket := range inner {
			if !innerBucket.IsDir() {
				continue
			}
			files, err := os.ReadDir(filepath.Join(outerPath, innerBucket.Name()))
			if err != nil {
				return nil, err
			}
			for _, f := range files {
				if f.IsDir() || (len(f.Name()) > 0 && f.Name()[0] == '.') {
					continue
				}
				d, err := digest.Parse(f.Name())
				if err != nil {
					continue
				}
				out = append(out, d)
			}
		}
	}
	return out, nil
}
