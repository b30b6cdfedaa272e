package index

import (
	"bytes"
	"errors"
	"fmt"
	"hash"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/proxmox/proxmox-backup-sub005/internal/cryptconf"
	"github.com/proxmox/proxmox-backup-sub005/internal/digest"
	"github.com/proxmox/proxmox-backup-sub005/internal/format"
)

// dynamicRecordSize is the on-disk width of one (end_offset, digest) pair.
const dynamicRecordSize = 8 + digest.Size

// hmacSize is the width of the trailing integrity tag.
const hmacSize = 32

var ErrHMACMismatch = errors.New("index: dynamic index HMAC mismatch")

// ErrNonMonotonic reports a dynamic index whose end_offset field does not
// strictly increase from one record to the next (spec.md invariant 5,
// §4.3's "monotonically increasing by end_offset").
var ErrNonMonotonic = errors.New("index: dynamic index end_offset is not strictly increasing")

// DynamicWriter builds a Dynamic Index file: a sequence of
// (end_offset, digest) records, one per content-defined chunk, followed
// by an HMAC-SHA-256 tag over the whole file computed under the
// datastore's index-signing subkey (spec.md §4.3).
type DynamicWriter struct {
	f      *os.File
	signer hash.Hash
	offset uint64
	count  int
}

// CreateDynamicIndex creates a new dynamic index at path.
func CreateDynamicIndex(path string, cc *cryptconf.Config) (*DynamicWriter, error) {
	if cc == nil {
		return nil, fmt.Errorf("index: dynamic index requires a crypto config for HMAC integrity")
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("index: creating dynamic index: %w", err)
	}
	h := header{
		Magic:   format.DynamicIndexMagic,
		Version: Version,
		UUID:    uuid.New(),
		CTime:   time.Now(),
	}
	buf := encodeHeader(h)
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return nil, err
	}
	signer := cc.IndexSigner()
	signer.Write(buf)
	return &DynamicWriter{f: f, signer: signer}, nil
}

// AppendChunk records the next chunk's end offset and digest. endOffset
// must be strictly greater than the previous record's (spec.md invariant
// 5); a non-increasing offset is rejected before it ever reaches disk.
func (w *DynamicWriter) AppendChunk(endOffset uint64, d digest.Digest) error {
	if w.count > 0 && endOffset <= w.offset {
		return fmt.Errorf("index: append end_offset %d: %w (previous %d)", endOffset, ErrNonMonotonic, w.offset)
	}
	var rec [dynamicRecordSize]byte
	format.PutUint64LE(rec[0:8], endOffset)
	copy(rec[8:], d[:])
	if _, err := w.f.Write(rec[:]); err != nil {
		return err
	}
	w.signer.Write(rec[:])
	w.offset = endOffset
	w.count++
	return nil
}

// Close appends the HMAC integrity tag, flushes, and closes the index.
func (w *DynamicWriter) Close() error {
	tag := w.signer.Sum(nil)
	if _, err := w.f.Write(tag); err != nil {
		w.f.Close()
		return err
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// DynamicReader provides random access (via binary search over end
// offsets) into a Dynamic Index's record stream.
type DynamicReader struct {
	CTime   time.Time
	UUID    uuid.UUID
	records []Entry
	size    uint64
}

// OpenDynamicIndex opens, integrity-checks, and parses an existing
// dynamic index file.
func OpenDynamicIndex(path string, cc *cryptconf.Config) (*DynamicReader, error) {
	if cc == nil {
		return nil, fmt.Errorf("index: dynamic index requires a crypto config for HMAC verification")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) < format.IndexHeaderSize+hmacSize {
		return nil, ErrHeaderTooSmall
	}

	body := raw[:len(raw)-hmacSize]
	wantTag := raw[len(raw)-hmacSize:]

	signer := cc.IndexSigner()
	signer.Write(body)
	if !bytes.Equal(signer.Sum(nil), wantTag) {
		return nil, ErrHMACMismatch
	}

	h, err := decodeHeader(body, format.DynamicIndexMagic)
	if err != nil {
		return nil, err
	}

	recordBytes := body[format.IndexHeaderSize:]
	if len(recordBytes)%dynamicRecordSize != 0 {
		return nil, fmt.Errorf("index: dynamic index record stream misaligned (%d bytes)", len(recordBytes))
	}
	count := len(recordBytes) / dynamicRecordSize
	records := make([]Entry, count)
	var size uint64
	for i := 0; i < count; i++ {
		rec := recordBytes[i*dynamicRecordSize : (i+1)*dynamicRecordSize]
		end := format.Uint64LE(rec[0:8])
		if i > 0 && end <= size {
			return nil, fmt.Errorf("index: record %d end_offset %d: %w (previous %d)", i, end, ErrNonMonotonic, size)
		}
		var d digest.Digest
		copy(d[:], rec[8:])
		records[i] = Entry{EndOffset: end, Digest: d}
		size = end
	}

	return &DynamicReader{CTime: h.CTime, UUID: h.UUID, records: records, size: size}, nil
}

// Count returns the number of chunk records in the index.
func (r *DynamicReader) Count() int { return len(r.records) }

// Size returns the total reassembled file size (the last record's end
// offset, or 0 for an empty index).
func (r *DynamicReader) Size() uint64 { return r.size }

// EntryAt returns the i-th (end_offset, digest) record.
func (r *DynamicReader) EntryAt(i int) (Entry, error) {
	if i < 0 || i >= len(r.records) {
		return Entry{}, fmt.Errorf("index: chunk index %d out of range [0,%d)", i, len(r.records))
	}
	return r.records[i], nil
}

// Entries returns every record in order, for GC marking and tests.
func (r *DynamicReader) Entries() []Entry {
	out := make([]Entry, len(r.records))
	copy(out, r.records)
	return out
}

// ChunkIndexForOffset binary-searches the record list for the chunk whose
// range [start, end_offset) contains off.
func (r *DynamicReader) ChunkIndexForOffset(off uint64) (int, error) {
	if off >= r.size {
		return 0, fmt.Errorf("index: offset %d past end of file (size %d)", off, r.size)
	}
	lo, hi := 0, len(r.records)-1
	for lo < hi {
		mid := (lo + hi) / 2
		if r.records[mid].EndOffset <= off {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, nil
}

// Close is a no-op: OpenDynamicIndex reads the whole file up front, so
// there is no file handle left open to release.
func (r *DynamicReader) Close() error { return nil }
