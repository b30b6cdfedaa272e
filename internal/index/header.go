// Package index implements the Fixed and Dynamic Index file formats
// (spec.md §4.3): ordered lists of chunk digests describing how to
// reassemble a backed-up file from content-addressed chunks.
//
// Both formats share a 4096-byte, zero-padded header (one page, so the
// record stream that follows is page-aligned) carrying a 12-byte magic,
// a format version, a random UUID identifying this index instance, and a
// creation time. Fixed indices then store a flat array of fixed-size
// chunk digests; dynamic indices store variable-length records protected
// by a trailing HMAC, since chunk boundaries (and therefore offsets) vary
// per backup run.
package index

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/proxmox/proxmox-backup-sub005/internal/digest"
	"github.com/proxmox/proxmox-backup-sub005/internal/format"
)

var (
	ErrBadMagic      = errors.New("index: bad magic number")
	ErrBadVersion    = errors.New("index: unsupported version")
	ErrHeaderTooSmall = errors.New("index: header truncated")
)

// Version is the only header version this implementation writes or
// accepts.
const Version = 1

// header is the common 4096-byte prefix of both index formats.
type header struct {
	Magic format.IndexMagic
	Version uint32
	UUID  uuid.UUID
	CTime time.Time
}

// encodeHeader serializes h into a zero-padded format.IndexHeaderSize block.
func encodeHeader(h header) []byte {
	buf := make([]byte, format.IndexHeaderSize)
	copy(buf[0:12], h.Magic[:])
	format.PutUint32LE(buf[12:16], h.Version)
	uuidBytes, _ := h.UUID.MarshalBinary()
	copy(buf[16:32], uuidBytes)
	format.PutUint64LE(buf[32:40], uint64(h.CTime.Unix()))
	return buf
}

// decodeHeader parses the common header prefix out of buf and verifies
// its magic number matches want.
func decodeHeader(buf []byte, want format.IndexMagic) (header, error) {
	var h header
	if len(buf) < format.IndexHeaderSize {
		return h, ErrHeaderTooSmall
	}
	copy(h.Magic[:], buf[0:12])
	if h.Magic != want {
		return h, ErrBadMagic
	}
	h.Version = format.Uint32LE(buf[12:16])
	if h.Version != Version {
		return h, ErrBadVersion
	}
	if err := h.UUID.UnmarshalBinary(buf[16:32]); err != nil {
		return h, err
	}
	h.CTime = time.Unix(int64(format.Uint64LE(buf[32:40])), 0).UTC()
	return h, nil
}

// Entry describes one chunk's position within the reassembled file.
type Entry struct {
	// EndOffset is the byte offset, within the reassembled file, at
	// which this chunk ends (exclusive). For a fixed index this is
	// derivable from position alone; it is carried explicitly for
	// dynamic indices, whose chunk sizes vary.
	EndOffset uint64
	Digest    digest.Digest
}
