// Package format provides the shared little-endian binary framing primitives
// used by the blob and index on-disk formats: magic numbers, CRC-32C
// checksums, and the 4096-byte zero-padded index header block.
//
// Generalized from gastrolog/internal/format's 4-byte header pattern: that
// package validates a tiny signature+type+version+flags header for its
// chunk-manager log files. Here the header shapes differ per spec (an 8-byte
// magic for blobs, a 4096-byte block for indices) so the primitives are
// magic-dispatch helpers rather than one fixed struct.
package format

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// Magic identifies a Data Blob or Index File variant. Always 8 bytes,
// distinct per variant, compared as a whole rather than parsed field by
// field — this is the "tagged variant dispatched by magic number" pattern
// from spec.md's design notes.
type Magic [8]byte

var (
	ErrUnknownMagic = errors.New("format: unknown magic number")
	ErrTruncated    = errors.New("format: truncated header")
)

// crcTable is the Castagnoli polynomial table used for blob payload CRCs,
// matching spec.md §4.2's CRC-32 (Castagnoli) requirement.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// CRC32C computes the Castagnoli CRC-32 of data.
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, crcTable)
}

// PutUint32LE writes v little-endian into buf[0:4].
func PutUint32LE(buf []byte, v uint32) { binary.LittleEndian.PutUint32(buf, v) }

// Uint32LE reads a little-endian uint32 from buf[0:4].
func Uint32LE(buf []byte) uint32 { return binary.LittleEndian.Uint32(buf) }

// PutUint64LE writes v little-endian into buf[0:8].
func PutUint64LE(buf []byte, v uint64) { binary.LittleEndian.PutUint64(buf, v) }

// Uint64LE reads a little-endian uint64 from buf[0:8].
func Uint64LE(buf []byte) uint64 { return binary.LittleEndian.Uint64(buf) }

// IndexHeaderSize is the fixed, zero-padded size of a fixed/dynamic index
// file header (spec.md §3, §4.3): one page.
const IndexHeaderSize = 4096

// IndexHeaderCommonSize is the size of the shared prefix common to both
// fixed and dynamic index headers: 12-byte magic, 4-byte version,
// 16-byte uuid, 8-byte ctime.
const IndexHeaderCommonSize = 12 + 4 + 16 + 8

// IndexMagicSize is the width of an index file's magic field. Unlike blob
// magics (8 bytes), index magics are 12 bytes per spec.md §4.3.
const IndexMagicSize = 12

// IndexMagic identifies a fixed or dynamic index file.
type IndexMagic [IndexMagicSize]byte

var (
	FixedIndexMagic   = IndexMagic{'P', 'R', 'O', 'X', 'M', 'O', 'X', '-', 'F', 'I', 'D', 'X'}
	DynamicIndexMagic = IndexMagic{'P', 'R', 'O', 'X', 'M', 'O', 'X', '-', 'D', 'I', 'D', 'X'}
)
