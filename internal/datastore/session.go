package datastore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/proxmox/proxmox-backup-sub005/internal/blob"
	"github.com/proxmox/proxmox-backup-sub005/internal/digest"
	"github.com/proxmox/proxmox-backup-sub005/internal/index"
	"github.com/proxmox/proxmox-backup-sub005/internal/lock"
	"github.com/proxmox/proxmox-backup-sub005/internal/manifest"
	"github.com/proxmox/proxmox-backup-sub005/internal/snapshot"
)

// indexBuilder accumulates one index's chunks in memory as they are
// registered, in upload order, so FinishIndex can replay them into the
// real Fixed/Dynamic writer in one pass (spec.md §6's
// register_chunk_in_index/finish_index split).
type indexBuilder struct {
	digests []digest.Digest
	sizes   []uint64
}

// Session is one in-progress backup: the group and snapshot exclusive
// locks plus the datastore shared lock it holds for its lifetime
// (spec.md §5's locking table), and the indices it is assembling.
type Session struct {
	ds  *Datastore
	Dir snapshot.Dir

	dsGuard    *lock.SharedGuard
	groupGuard *lock.Guard
	snapGuard  *lock.Guard

	mu      sync.Mutex
	indices map[string]*indexBuilder
}

// StartBackup begins a new snapshot: acquires the group's exclusive lock
// (serializing concurrent backups within one group), creates the
// snapshot directory, acquires its exclusive lock, and acquires the
// datastore's shared lock for the backup's duration (spec.md §6's
// start_backup).
func (ds *Datastore) StartBackup(ctx context.Context, group snapshot.Group, backupTime time.Time) (*Session, error) {
	groupDir := filepath.Join(ds.root, group.RelativePath())
	if err := os.MkdirAll(groupDir, 0o755); err != nil {
		return nil, fmt.Errorf("datastore: creating group directory: %w", err)
	}
	groupLock := lock.NewGroupLock(groupDir)
	groupGuard, err := groupLock.Acquire(ctx, lock.Exclusive)
	if err != nil {
		return nil, fmt.Errorf("datastore: start_backup: %w", err)
	}

	dir := snapshot.NewDir(group, backupTime)
	if snapshot.Exists(ds.root, dir) {
		groupGuard.Release()
		return nil, fmt.Errorf("datastore: start_backup %s: %w", dir, ErrSnapshotExists)
	}
	if err := snapshot.Create(ds.root, dir); err != nil {
		groupGuard.Release()
		return nil, err
	}

	snapLock := lock.NewSnapshotLock(dir.FullPath(ds.root))
	snapGuard, err := snapLock.Acquire(ctx, lock.Exclusive)
	if err != nil {
		groupGuard.Release()
		return nil, fmt.Errorf("datastore: start_backup %s: %w", dir, err)
	}

	dsGuard, err := ds.dl.LockShared(ctx)
	if err != nil {
		snapGuard.Release()
		groupGuard.Release()
		return nil, fmt.Errorf("datastore: start_backup %s: %w", dir, err)
	}

	return &Session{
		ds:         ds,
		Dir:        dir,
		dsGuard:    dsGuard,
		groupGuard: groupGuard,
		snapGuard:  snapGuard,
		indices:    make(map[string]*indexBuilder),
	}, nil
}

// UploadChunk verifies rawBlobBytes's declared size and CRC, then inserts
// it into the chunk store (spec.md §6's upload_chunk). The caller
// asserts digest = SHA-256(plaintext); this method re-derives what it
// can from the blob itself rather than trusting the assertion blindly.
func (s *Session) UploadChunk(d digest.Digest, encodedSize, size uint64, rawBlobBytes []byte) (isDuplicate bool, storedSize int64, err error) {
	if uint64(len(rawBlobBytes)) != encodedSize {
		return false, 0, fmt.Errorf("datastore: upload_chunk %s: declared encoded size %d does not match %d received bytes", d, encodedSize, len(rawBlobBytes))
	}
	if err := blob.VerifyCRC(rawBlobBytes); err != nil {
		return false, 0, fmt.Errorf("datastore: upload_chunk %s: %w", d, err)
	}
	// Opportunistic plaintext-size check: only possible when this blob's
	// variant is decodable without a crypto config, or one was supplied.
	if plaintext, derr := blob.Decode(rawBlobBytes, s.ds.cc); derr == nil {
		if uint64(len(plaintext)) != size {
			return false, 0, fmt.Errorf("datastore: upload_chunk %s: declared plaintext size %d does not match decoded size %d", d, size, len(plaintext))
		}
	}
	return s.ds.store.Insert(d, rawBlobBytes)
}

// RegisterChunkInIndex appends one chunk to the named in-memory index
// under construction (spec.md §6's register_chunk_in_index). indexID
// scopes this session's own bookkeeping and need not match the index's
// eventual on-disk filename, which is supplied later to FinishIndex.
func (s *Session) RegisterChunkInIndex(indexID string, d digest.Digest, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.indices[indexID]
	if !ok {
		b = &indexBuilder{}
		s.indices[indexID] = b
	}
	b.digests = append(b.digests, d)
	b.sizes = append(b.sizes, size)
	return nil
}

// FinishIndex replays indexID's accumulated chunks into a real Fixed or
// Dynamic index file (dispatched by name's extension), writing it to a
// temporary path first and renaming it into place only once complete
// (spec.md §6's finish_index, §5's "no chunk is deleted on cancel" /
// "abandons its temporary .tmp_* index file" semantics).
func (s *Session) FinishIndex(indexID, name string) error {
	s.mu.Lock()
	b, ok := s.indices[indexID]
	if ok {
		delete(s.indices, indexID)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("datastore: finish_index %s: %w", indexID, ErrUnknownIndex)
	}

	dirPath := s.Dir.FullPath(s.ds.root)
	finalPath := filepath.Join(dirPath, name)
	tmpPath := filepath.Join(dirPath, fmt.Sprintf(".tmp_%s_%s", name, uuid.NewString()))

	var buildErr error
	switch filepath.Ext(name) {
	case ".fidx":
		buildErr = s.writeFixedIndex(tmpPath, b)
	case ".didx":
		buildErr = s.writeDynamicIndex(tmpPath, b)
	default:
		return fmt.Errorf("datastore: finish_index %s: %w", name, ErrUnsupportedIndexExtension)
	}
	if buildErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("datastore: finish_index %s: %w", name, buildErr)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("datastore: finish_index %s: publishing: %w", name, err)
	}
	return nil
}

func (s *Session) writeFixedIndex(tmpPath string, b *indexBuilder) error {
	var chunkSize, total uint64
	if len(b.sizes) > 0 {
		chunkSize = b.sizes[0]
	}
	for _, sz := range b.sizes {
		total += sz
	}
	w, err := index.CreateFixedIndex(tmpPath, total, chunkSize)
	if err != nil {
		return err
	}
	for _, d := range b.digests {
		if err := w.AppendDigest(d); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}

func (s *Session) writeDynamicIndex(tmpPath string, b *indexBuilder) error {
	w, err := index.CreateDynamicIndex(tmpPath, s.ds.cc)
	if err != nil {
		return err
	}
	var end uint64
	for i, d := range b.digests {
		end += b.sizes[i]
		if err := w.AppendChunk(end, d); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}

// FinishBackup validates manifestBytes, publishes it as the snapshot's
// manifest blob, and releases every lock this session holds
// (spec.md §6's finish_backup). The session must not be used afterward.
func (s *Session) FinishBackup(manifestBytes []byte) error {
	defer s.release()

	m, err := manifest.FromBytes(manifestBytes, s.ds.cc)
	if err != nil {
		return fmt.Errorf("datastore: finish_backup %s: %w", s.Dir, err)
	}
	if len(m.Files) == 0 {
		return fmt.Errorf("datastore: finish_backup %s: %w", s.Dir, ErrEmptyManifest)
	}

	encoded, err := blob.Encode(manifestBytes)
	if err != nil {
		return fmt.Errorf("datastore: finish_backup %s: %w", s.Dir, err)
	}

	dirPath := s.Dir.FullPath(s.ds.root)
	finalPath := filepath.Join(dirPath, manifest.ManifestBlobName)
	tmpPath := filepath.Join(dirPath, ".tmp_"+manifest.ManifestBlobName+"_"+uuid.NewString())

	if err := os.WriteFile(tmpPath, encoded, 0o644); err != nil {
		return fmt.Errorf("datastore: finish_backup %s: writing manifest: %w", s.Dir, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("datastore: finish_backup %s: publishing manifest: %w", s.Dir, err)
	}
	return nil
}

// Abandon releases this session's locks without publishing a manifest,
// for a cancelled backup (spec.md §5's cancellation semantics): any
// chunks already inserted and any stray .tmp_* index files are left in
// place rather than cleaned up synchronously.
func (s *Session) Abandon() {
	s.release()
}

func (s *Session) release() {
	s.snapGuard.Release()
	s.groupGuard.Release()
	s.dsGuard.Release()
}
