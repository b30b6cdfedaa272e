package datastore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/proxmox/proxmox-backup-sub005/internal/blob"
	"github.com/proxmox/proxmox-backup-sub005/internal/digest"
	"github.com/proxmox/proxmox-backup-sub005/internal/index"
	"github.com/proxmox/proxmox-backup-sub005/internal/lock"
	"github.com/proxmox/proxmox-backup-sub005/internal/manifest"
	"github.com/proxmox/proxmox-backup-sub005/internal/snapshot"
)

// SnapshotSession is an open read handle on one snapshot, holding its
// shared per-snapshot lock (plus the datastore's shared lock) for the
// handle's lifetime so a concurrent forget blocks until Close
// (spec.md §6's open_snapshot, §8's scenario S6).
type SnapshotSession struct {
	Dir           snapshot.Dir
	ManifestBytes []byte
	Files         []string

	dsGuard   *lock.SharedGuard
	snapGuard *lock.Guard
}

// OpenSnapshot opens dir for reading: acquires the datastore's shared
// lock and the snapshot's shared lock, then returns its manifest's
// decoded plaintext and file listing. The caller must Close the session
// when done to release both locks.
func (ds *Datastore) OpenSnapshot(ctx context.Context, dir snapshot.Dir) (*SnapshotSession, error) {
	if !snapshot.Exists(ds.root, dir) {
		return nil, fmt.Errorf("datastore: open %s: %w", dir, snapshot.ErrNotFound)
	}

	dsGuard, err := ds.dl.LockShared(ctx)
	if err != nil {
		return nil, fmt.Errorf("datastore: open %s: %w", dir, err)
	}

	snapLock := lock.NewSnapshotLock(dir.FullPath(ds.root))
	snapGuard, err := snapLock.Acquire(ctx, lock.Shared)
	if err != nil {
		dsGuard.Release()
		return nil, fmt.Errorf("datastore: open %s: %w", dir, err)
	}

	manifestPath := filepath.Join(dir.FullPath(ds.root), manifest.ManifestBlobName)
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		snapGuard.Release()
		dsGuard.Release()
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("datastore: open %s: %w", dir, snapshot.ErrNotFound)
		}
		return nil, fmt.Errorf("datastore: reading manifest for %s: %w", dir, err)
	}
	manifestBytes, err := blob.Decode(raw, ds.cc)
	if err != nil {
		snapGuard.Release()
		dsGuard.Release()
		return nil, fmt.Errorf("datastore: decoding manifest for %s: %w", dir, err)
	}

	files, err := snapshot.ListFiles(ds.root, dir)
	if err != nil {
		snapGuard.Release()
		dsGuard.Release()
		return nil, fmt.Errorf("datastore: listing files for %s: %w", dir, err)
	}

	return &SnapshotSession{
		Dir:           dir,
		ManifestBytes: manifestBytes,
		Files:         files,
		dsGuard:       dsGuard,
		snapGuard:     snapGuard,
	}, nil
}

// Close releases the snapshot's shared lock and the datastore's shared
// lock, in that order.
func (s *SnapshotSession) Close() error {
	if s == nil {
		return nil
	}
	err := s.snapGuard.Release()
	if dsErr := s.dsGuard.Release(); err == nil {
		err = dsErr
	}
	return err
}

// IndexReader adapts the Fixed and Dynamic index readers behind one
// interface so callers can dispatch on filename extension once, at open
// time, rather than branching at every call site (spec.md §6's
// open_index, §9's "dynamic dispatch for blob/index variants").
type IndexReader struct {
	fixed   *index.FixedReader
	dynamic *index.DynamicReader
}

// OpenIndex opens the index file name within dir, dispatching to the
// Fixed or Dynamic reader by its .fidx/.didx extension.
func (ds *Datastore) OpenIndex(dir snapshot.Dir, name string) (*IndexReader, error) {
	path := filepath.Join(dir.FullPath(ds.root), name)
	switch filepath.Ext(name) {
	case ".fidx":
		r, err := index.OpenFixedIndex(path)
		if err != nil {
			return nil, err
		}
		return &IndexReader{fixed: r}, nil
	case ".didx":
		r, err := index.OpenDynamicIndex(path, ds.cc)
		if err != nil {
			return nil, err
		}
		return &IndexReader{dynamic: r}, nil
	default:
		return nil, fmt.Errorf("datastore: opening %s: %w", name, ErrUnsupportedIndexExtension)
	}
}

// Count returns the number of chunks in the index.
func (r *IndexReader) Count() int {
	if r.fixed != nil {
		return r.fixed.Count()
	}
	return r.dynamic.Count()
}

// DigestAt returns the i-th chunk's digest.
func (r *IndexReader) DigestAt(i int) (digest.Digest, error) {
	if r.fixed != nil {
		return r.fixed.DigestAt(i)
	}
	e, err := r.dynamic.EntryAt(i)
	return e.Digest, err
}

// ChunkOffset resolves a byte offset within the reassembled file to a
// chunk index and the offset within that chunk (spec.md §8's scenario
// S5).
func (r *IndexReader) ChunkOffset(off uint64) (chunkIdx int, offsetInChunk uint64, err error) {
	if r.fixed != nil {
		chunkIdx, err = r.fixed.ChunkIndexForOffset(off)
		if err != nil {
			return 0, 0, err
		}
		return chunkIdx, off - uint64(chunkIdx)*r.fixed.ChunkSize, nil
	}

	chunkIdx, err = r.dynamic.ChunkIndexForOffset(off)
	if err != nil {
		return 0, 0, err
	}
	var start uint64
	if chunkIdx > 0 {
		prev, err := r.dynamic.EntryAt(chunkIdx - 1)
		if err != nil {
			return 0, 0, err
		}
		start = prev.EndOffset
	}
	return chunkIdx, off - start, nil
}

// Close releases the underlying reader.
func (r *IndexReader) Close() error {
	if r.fixed != nil {
		return r.fixed.Close()
	}
	return r.dynamic.Close()
}

// ReadChunk reads and decodes a chunk's plaintext, verifying the blob's
// CRC and, for encrypted variants, its GCM tag (spec.md §6's read_chunk).
func (ds *Datastore) ReadChunk(d digest.Digest) ([]byte, error) {
	raw, err := ds.store.Read(d)
	if err != nil {
		return nil, err
	}
	return blob.Decode(raw, ds.cc)
}
