package index

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/proxmox/proxmox-backup-sub005/internal/cryptconf"
	"github.com/proxmox/proxmox-backup-sub005/internal/digest"
)

func testCC(t *testing.T) *cryptconf.Config {
	t.Helper()
	key := make([]byte, cryptconf.MasterKeySize)
	for i := range key {
		key[i] = byte(i * 3)
	}
	cc, err := cryptconf.New(key)
	if err != nil {
		t.Fatalf("cryptconf.New: %v", err)
	}
	return cc
}

func digestOf(n byte) digest.Digest {
	var d digest.Digest
	d[0] = n
	return d
}

func TestFixedIndexRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.fidx")
	const chunkSize = 4096
	const numChunks = 5
	total := uint64(chunkSize*(numChunks-1) + 100)

	w, err := CreateFixedIndex(path, total, chunkSize)
	if err != nil {
		t.Fatalf("CreateFixedIndex: %v", err)
	}
	for i := 0; i < numChunks; i++ {
		if err := w.AppendDigest(digestOf(byte(i))); err != nil {
			t.Fatalf("AppendDigest: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := OpenFixedIndex(path)
	if err != nil {
		t.Fatalf("OpenFixedIndex: %v", err)
	}
	defer r.Close()

	if r.Count() != numChunks {
		t.Fatalf("Count: got %d want %d", r.Count(), numChunks)
	}
	if r.ChunkSize != chunkSize {
		t.Fatalf("ChunkSize: got %d want %d", r.ChunkSize, chunkSize)
	}
	if r.Size != total {
		t.Fatalf("Size: got %d want %d", r.Size, total)
	}
	for i := 0; i < numChunks; i++ {
		d, err := r.DigestAt(i)
		if err != nil {
			t.Fatalf("DigestAt(%d): %v", i, err)
		}
		if d != digestOf(byte(i)) {
			t.Fatalf("DigestAt(%d): digest mismatch", i)
		}
	}
	idx, err := r.ChunkIndexForOffset(chunkSize + 1)
	if err != nil {
		t.Fatalf("ChunkIndexForOffset: %v", err)
	}
	if idx != 1 {
		t.Fatalf("ChunkIndexForOffset: got %d want 1", idx)
	}
	if _, err := r.DigestAt(numChunks); err == nil {
		t.Fatalf("DigestAt out of range should error")
	}
}

func TestDynamicIndexRoundTripAndIntegrity(t *testing.T) {
	cc := testCC(t)
	path := filepath.Join(t.TempDir(), "test.didx")

	w, err := CreateDynamicIndex(path, cc)
	if err != nil {
		t.Fatalf("CreateDynamicIndex: %v", err)
	}
	offsets := []uint64{1000, 2500, 4096, 9000}
	for i, off := range offsets {
		if err := w.AppendChunk(off, digestOf(byte(i))); err != nil {
			t.Fatalf("AppendChunk: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := OpenDynamicIndex(path, cc)
	if err != nil {
		t.Fatalf("OpenDynamicIndex: %v", err)
	}
	if r.Count() != len(offsets) {
		t.Fatalf("Count: got %d want %d", r.Count(), len(offsets))
	}
	if r.Size() != offsets[len(offsets)-1] {
		t.Fatalf("Size: got %d want %d", r.Size(), offsets[len(offsets)-1])
	}
	for i, off := range offsets {
		e, err := r.EntryAt(i)
		if err != nil {
			t.Fatalf("EntryAt(%d): %v", i, err)
		}
		if e.EndOffset != off || e.Digest != digestOf(byte(i)) {
			t.Fatalf("EntryAt(%d): mismatch", i)
		}
	}

	idx, err := r.ChunkIndexForOffset(1500)
	if err != nil {
		t.Fatalf("ChunkIndexForOffset: %v", err)
	}
	if idx != 1 {
		t.Fatalf("ChunkIndexForOffset(1500): got %d want 1", idx)
	}
	idx0, err := r.ChunkIndexForOffset(500)
	if err != nil {
		t.Fatalf("ChunkIndexForOffset: %v", err)
	}
	if idx0 != 0 {
		t.Fatalf("ChunkIndexForOffset(500): got %d want 0", idx0)
	}
}

// TestFixedVsDynamicRandomAccess is the exact fixed/dynamic arithmetic
// from the storage core's random-access scenario: a 10 MiB file chunked
// at 4 MiB resolves byte 9_000_000 to chunk 2, offset 611_392 into it;
// a dynamic index with boundaries at 3/7/10 MiB resolves byte 5 MiB to
// chunk 1, offset 2 MiB into it.
func TestFixedVsDynamicRandomAccess(t *testing.T) {
	const mib = 1024 * 1024

	fixedPath := filepath.Join(t.TempDir(), "fixed.fidx")
	fw, err := CreateFixedIndex(fixedPath, 10*mib, 4*mib)
	if err != nil {
		t.Fatalf("CreateFixedIndex: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := fw.AppendDigest(digestOf(byte(i))); err != nil {
			t.Fatalf("AppendDigest: %v", err)
		}
	}
	if err := fw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	fr, err := OpenFixedIndex(fixedPath)
	if err != nil {
		t.Fatalf("OpenFixedIndex: %v", err)
	}
	defer fr.Close()

	const byteOffset = 9_000_000
	chunkIdx, err := fr.ChunkIndexForOffset(byteOffset)
	if err != nil {
		t.Fatalf("ChunkIndexForOffset: %v", err)
	}
	if chunkIdx != 2 {
		t.Fatalf("fixed chunk index: got %d want 2", chunkIdx)
	}
	offsetInChunk := uint64(byteOffset) - uint64(chunkIdx)*fr.ChunkSize
	if offsetInChunk != 611_392 {
		t.Fatalf("fixed offset within chunk: got %d want 611392", offsetInChunk)
	}

	cc := testCC(t)
	dynamicPath := filepath.Join(t.TempDir(), "dynamic.didx")
	dw, err := CreateDynamicIndex(dynamicPath, cc)
	if err != nil {
		t.Fatalf("CreateDynamicIndex: %v", err)
	}
	bounds := []uint64{3 * mib, 7 * mib, 10 * mib}
	for i, end := range bounds {
		if err := dw.AppendChunk(end, digestOf(byte(i))); err != nil {
			t.Fatalf("AppendChunk: %v", err)
		}
	}
	if err := dw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	dr, err := OpenDynamicIndex(dynamicPath, cc)
	if err != nil {
		t.Fatalf("OpenDynamicIndex: %v", err)
	}

	const dynByteOffset = 5 * mib
	dynChunkIdx, err := dr.ChunkIndexForOffset(dynByteOffset)
	if err != nil {
		t.Fatalf("ChunkIndexForOffset: %v", err)
	}
	if dynChunkIdx != 1 {
		t.Fatalf("dynamic chunk index: got %d want 1", dynChunkIdx)
	}
	prev, err := dr.EntryAt(dynChunkIdx - 1)
	if err != nil {
		t.Fatalf("EntryAt: %v", err)
	}
	dynOffsetInChunk := uint64(dynByteOffset) - prev.EndOffset
	if dynOffsetInChunk != 2*mib {
		t.Fatalf("dynamic offset within chunk: got %d want %d", dynOffsetInChunk, 2*mib)
	}
}

func TestDynamicIndexRejectsTamperedBody(t *testing.T) {
	cc := testCC(t)
	path := filepath.Join(t.TempDir(), "test.didx")

	w, err := CreateDynamicIndex(path, cc)
	if err != nil {
		t.Fatalf("CreateDynamicIndex: %v", err)
	}
	if err := w.AppendChunk(4096, digestOf(1)); err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	raw[len(raw)-hmacSize-1] ^= 0xff
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := OpenDynamicIndex(path, cc); err != ErrHMACMismatch {
		t.Fatalf("want ErrHMACMismatch, got %v", err)
	}
}

func TestDynamicIndexRequiresCryptoConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.didx")
	if _, err := CreateDynamicIndex(path, nil); err == nil {
		t.Fatalf("CreateDynamicIndex should require a crypto config")
	}
}
