package chunkstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/proxmox/proxmox-backup-sub005/internal/blob"
	"github.com/proxmox/proxmox-backup-sub005/internal/digest"
	"github.com/proxmox/proxmox-backup-sub005/internal/lock"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	dl := lock.Open(dir)
	s, err := Open(dir, dl, 0, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

// S1 — Basic deduplication.
func TestInsertDeduplicates(t *testing.T) {
	s := newTestStore(t)
	plaintext := []byte("hello")
	d := digest.Of(plaintext)
	encoded, err := blob.Encode(plaintext)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	dup1, size1, err := s.Insert(d, encoded)
	if err != nil {
		t.Fatalf("Insert 1: %v", err)
	}
	if dup1 {
		t.Fatalf("first insert should not be a duplicate")
	}
	if size1 != int64(len(encoded)) {
		t.Fatalf("stored size: got %d want %d", size1, len(encoded))
	}

	dup2, size2, err := s.Insert(d, encoded)
	if err != nil {
		t.Fatalf("Insert 2: %v", err)
	}
	if !dup2 {
		t.Fatalf("second insert should report is_duplicate=true")
	}
	if size2 != size1 {
		t.Fatalf("duplicate insert size mismatch: got %d want %d", size2, size1)
	}

	got, err := s.Read(d)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	plain, err := blob.Decode(got, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(plain) != "hello" {
		t.Fatalf("Read round trip mismatch: got %q", plain)
	}
}

// S4 — CRC detects corruption.
func TestReadDetectsCorruption(t *testing.T) {
	s := newTestStore(t)
	plaintext := []byte("integrity check")
	d := digest.Of(plaintext)
	encoded, err := blob.Encode(plaintext)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, _, err := s.Insert(d, encoded); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	path, _ := s.pathFor(d)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading stored chunk: %v", err)
	}
	raw[len(raw)-1] ^= 0xff
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("corrupting stored chunk: %v", err)
	}

	if _, err := s.Read(d); !errors.Is(err, blob.ErrCRCMismatch) {
		t.Fatalf("want ErrCRCMismatch, got %v", err)
	}

	// Insert is idempotent and must not repair the corruption: the
	// digest path already exists, so insert is a stat-only no-op.
	if dup, _, err := s.Insert(d, encoded); err != nil || !dup {
		t.Fatalf("Insert after corruption: dup=%v err=%v", dup, err)
	}
	if _, err := s.Read(d); !errors.Is(err, blob.ErrCRCMismatch) {
		t.Fatalf("corruption should survive a duplicate insert")
	}
}

func TestTouchMissingChunkErrors(t *testing.T) {
	s := newTestStore(t)
	var d digest.Digest
	d[0] = 0xab
	if err := s.Touch(d); err == nil {
		t.Fatalf("Touch on missing chunk should error")
	}
}

func TestTouchUpdatesAtime(t *testing.T) {
	s := newTestStore(t)
	plaintext := []byte("touch me")
	d := digest.Of(plaintext)
	encoded, _ := blob.Encode(plaintext)
	if _, _, err := s.Insert(d, encoded); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	path, _ := s.pathFor(d)
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	if err := s.Touch(d); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if atimeOf(info).Before(old.Add(time.Hour)) {
		t.Fatalf("Touch did not advance atime")
	}
}

func TestDeleteUnusedRespectsAtimeCutoff(t *testing.T) {
	s := newTestStore(t)

	oldPlain := []byte("old chunk")
	oldDigest := digest.Of(oldPlain)
	oldEncoded, _ := blob.Encode(oldPlain)
	if _, _, err := s.Insert(oldDigest, oldEncoded); err != nil {
		t.Fatalf("Insert old: %v", err)
	}
	oldPath, _ := s.pathFor(oldDigest)
	stale := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(oldPath, stale, stale); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	freshPlain := []byte("fresh chunk")
	freshDigest := digest.Of(freshPlain)
	freshEncoded, _ := blob.Encode(freshPlain)
	if _, _, err := s.Insert(freshDigest, freshEncoded); err != nil {
		t.Fatalf("Insert fresh: %v", err)
	}

	cutoff := time.Now().Add(-24 * time.Hour)
	stats, err := s.DeleteUnused(context.Background(), cutoff, nil)
	if err != nil {
		t.Fatalf("DeleteUnused: %v", err)
	}
	if stats.ChunksFreed != 1 {
		t.Fatalf("ChunksFreed: got %d want 1", stats.ChunksFreed)
	}
	if stats.ChunksRetained != 1 {
		t.Fatalf("ChunksRetained: got %d want 1", stats.ChunksRetained)
	}
	if s.Exists(oldDigest) {
		t.Fatalf("old chunk should have been deleted")
	}
	if !s.Exists(freshDigest) {
		t.Fatalf("fresh chunk should have survived")
	}
}

func TestDigestsListsAllStoredChunks(t *testing.T) {
	s := newTestStore(t)
	want := map[digest.Digest]bool{}
	for _, s2 := range []string{"a", "b", "c"} {
		plaintext := []byte(s2)
		d := digest.Of(plaintext)
		encoded, _ := blob.Encode(plaintext)
		if _, _, err := s.Insert(d, encoded); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		want[d] = true
	}
	got, err := s.Digests()
	if err != nil {
		t.Fatalf("Digests: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("Digests: got %d want %d", len(got), len(want))
	}
	for _, d := range got {
		if !want[d] {
			t.Fatalf("unexpected digest in listing: %s", d)
		}
	}
}

func TestOpenCreatesFanoutBuckets(t *testing.T) {
	dir := t.TempDir()
	dl := lock.Open(dir)
	if _, err := Open(dir, dl, 0, nil); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ChunksDirName, "ab")); err != nil {
		t.Fatalf("expected bucket ab to exist: %v", err)
	}
}
