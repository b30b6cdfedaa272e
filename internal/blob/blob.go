// Package blob implements the Data Blob container format (spec.md §4.2):
// a small self-describing frame around a chunk's or manifest's raw bytes,
// tagged by an 8-byte magic number into one of four live variants
// (uncompressed, compressed, encrypted, encrypted+compressed) plus one
// legacy read-only variant (signed, HMAC-protected, predates AES-GCM
// support).
//
// Framing follows the same "magic number picks the decode path" idiom as
// gastrolog/internal/format's header, generalized to the blob-specific
// field layouts. Compression is zstd via klauspost/compress, the same
// library gastrolog's chunk manager uses for on-disk chunk files.
package blob

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/proxmox/proxmox-backup-sub005/internal/cryptconf"
	"github.com/proxmox/proxmox-backup-sub005/internal/format"
)

// MaxSize is the largest plaintext payload a single blob may carry
// (spec.md §4.2): chunks and manifests are bounded so a single corrupt or
// hostile blob cannot exhaust memory during decode.
const MaxSize = 16 * 1024 * 1024

// Magic numbers for each blob variant. All 8 bytes, ASCII, distinct.
var (
	MagicUncompressed        = format.Magic{0x01, 'u', 'n', 'c', 'o', 'm', 'p', 0x00}
	MagicCompressed          = format.Magic{0x02, 'c', 'o', 'm', 'p', 'r', 0x00, 0x00}
	MagicEncrypted           = format.Magic{0x03, 'e', 'n', 'c', 'r', 'y', 'p', 0x00}
	MagicEncryptedCompressed = format.Magic{0x04, 'e', 'n', 'c', 'c', 'o', 'm', 'p'}
	// MagicSigned is the legacy HMAC-signed-only variant. Predates
	// AES-GCM encryption support; decodable but never produced by Encode.
	MagicSigned = format.Magic{0x05, 's', 'i', 'g', 'n', 'e', 'd', 0x00}
)

var (
	ErrUnknownVariant  = errors.New("blob: unknown magic number")
	ErrCRCMismatch     = errors.New("blob: CRC-32C checksum mismatch")
	ErrTooLarge        = errors.New("blob: payload exceeds maximum blob size")
	ErrTruncated       = errors.New("blob: truncated blob")
	ErrNeedsCryptoConf = errors.New("blob: encrypted/signed blob requires a crypto config")
	ErrHMACMismatch    = errors.New("blob: legacy signed blob HMAC mismatch")
)

// headerSize is the common prefix shared by every variant: 8-byte magic
// plus 4-byte little-endian CRC-32C of everything from the end of the
// header to the end of the file (spec.md §4.2) — the on-disk body, not
// the decoded plaintext. This lets a reader that holds no key (the
// chunk store itself) still verify a chunk's integrity.
const headerSize = 8 + 4

// Encode frames plaintext as an uncompressed blob.
func Encode(plaintext []byte) ([]byte, error) {
	if len(plaintext) > MaxSize {
		return nil, ErrTooLarge
	}
	return assemble(MagicUncompressed, plaintext), nil
}

// EncodeCompressed frames plaintext as a zstd-compressed blob. It always
// compresses; whether compression is worthwhile for a given payload is
// left to the caller.
func EncodeCompressed(plaintext []byte) ([]byte, error) {
	if len(plaintext) > MaxSize {
		return nil, ErrTooLarge
	}
	compressed, err := zstdCompress(plaintext)
	if err != nil {
		return nil, err
	}
	return assemble(MagicCompressed, compressed), nil
}

// EncodeEncrypted frames plaintext as an AES-256-GCM encrypted blob under
// cc's derived encryption subkey.
func EncodeEncrypted(plaintext []byte, cc *cryptconf.Config) ([]byte, error) {
	if cc == nil {
		return nil, ErrNeedsCryptoConf
	}
	if len(plaintext) > MaxSize {
		return nil, ErrTooLarge
	}
	iv, tag, ciphertext, err := cc.EncryptTo(plaintext)
	if err != nil {
		return nil, err
	}
	body := make([]byte, 0, len(iv)+len(tag)+len(ciphertext))
	body = append(body, iv[:]...)
	body = append(body, tag[:]...)
	body = append(body, ciphertext...)
	return assemble(MagicEncrypted, body), nil
}

// EncodeEncryptedCompressed frames plaintext as zstd-compressed, then
// AES-256-GCM encrypted.
func EncodeEncryptedCompressed(plaintext []byte, cc *cryptconf.Config) ([]byte, error) {
	if cc == nil {
		return nil, ErrNeedsCryptoConf
	}
	if len(plaintext) > MaxSize {
		return nil, ErrTooLarge
	}
	compressed, err := zstdCompress(plaintext)
	if err != nil {
		return nil, err
	}
	iv, tag, ciphertext, err := cc.EncryptTo(compressed)
	if err != nil {
		return nil, err
	}
	body := make([]byte, 0, len(iv)+len(tag)+len(ciphertext))
	body = append(body, iv[:]...)
	body = append(body, tag[:]...)
	body = append(body, ciphertext...)
	return assemble(MagicEncryptedCompressed, body), nil
}

// assemble writes the common header (magic + CRC-32C of body) in front of
// body, the variant-specific on-disk encoding.
func assemble(magic format.Magic, body []byte) []byte {
	out := make([]byte, headerSize+len(body))
	copy(out[0:8], magic[:])
	format.PutUint32LE(out[8:12], format.CRC32C(body))
	copy(out[headerSize:], body)
	return out
}

// VerifyCRC checks a blob's header CRC against its on-disk body without
// decompressing or decrypting anything — the chunk store uses this to
// validate a chunk on read without needing a crypto config (spec.md
// §4.1's read() "verifies the CRC before returning").
func VerifyCRC(data []byte) error {
	if len(data) < headerSize {
		return ErrTruncated
	}
	wantCRC := format.Uint32LE(data[8:12])
	if format.CRC32C(data[headerSize:]) != wantCRC {
		return ErrCRCMismatch
	}
	return nil
}

// Decode parses a blob, checks its magic (ErrUnknownVariant for an
// unrecognized one), verifies its CRC, and returns its plaintext
// payload. cc may be nil only if the blob turns out to be uncompressed or
// compressed (no keys needed); encrypted and signed variants return
// ErrNeedsCryptoConf without one.
func Decode(data []byte, cc *cryptconf.Config) ([]byte, error) {
	if _, err := Variant(data); err != nil {
		return nil, err
	}
	if err := VerifyCRC(data); err != nil {
		return nil, err
	}
	var magic format.Magic
	copy(magic[:], data[0:8])
	body := data[headerSize:]

	var plaintext []byte
	var err error

	switch magic {
	case MagicUncompressed:
		plaintext = append([]byte{}, body...)
	case MagicCompressed:
		plaintext, err = zstdDecompress(body)
	case MagicEncrypted:
		plaintext, err = decodeEncryptedBody(body, cc, false)
	case MagicEncryptedCompressed:
		plaintext, err = decodeEncryptedBody(body, cc, true)
	case MagicSigned:
		plaintext, err = decodeSignedBody(body, cc)
	default:
		return nil, ErrUnknownVariant
	}
	if err != nil {
		return nil, err
	}
	if len(plaintext) > MaxSize {
		return nil, ErrTooLarge
	}
	return plaintext, nil
}

func decodeEncryptedBody(body []byte, cc *cryptconf.Config, compressed bool) ([]byte, error) {
	if cc == nil {
		return nil, ErrNeedsCryptoConf
	}
	const prefix = cryptconf.IVSize + cryptconf.TagSize
	if len(body) < prefix {
		return nil, ErrTruncated
	}
	var iv [cryptconf.IVSize]byte
	var tag [cryptconf.TagSize]byte
	copy(iv[:], body[0:cryptconf.IVSize])
	copy(tag[:], body[cryptconf.IVSize:prefix])
	ciphertext := body[prefix:]

	decrypted, err := cc.DecryptFrom(iv, tag, ciphertext)
	if err != nil {
		return nil, err
	}
	if !compressed {
		return decrypted, nil
	}
	return zstdDecompress(decrypted)
}

// decodeSignedBody decodes the legacy signed-only variant: a 32-byte
// HMAC-SHA-256 tag over the raw payload under the chunk-signing subkey,
// followed by the raw payload itself. Read-only: Encode never produces
// this variant (spec.md §4.2 retains it only so archives written before
// AES-GCM support remain readable).
func decodeSignedBody(body []byte, cc *cryptconf.Config) ([]byte, error) {
	if cc == nil {
		return nil, ErrNeedsCryptoConf
	}
	const tagSize = 32
	if len(body) < tagSize {
		return nil, ErrTruncated
	}
	tag := body[:tagSize]
	payload := body[tagSize:]

	mac := cc.DataSigner()
	mac.Write(payload)
	want := mac.Sum(nil)
	if !bytes.Equal(tag, want) {
		return nil, ErrHMACMismatch
	}
	return append([]byte{}, payload...), nil
}

// Variant identifies a decoded blob's on-disk variant without requiring a
// crypto config, by inspecting its magic number alone.
func Variant(data []byte) (format.Magic, error) {
	if len(data) < headerSize {
		return format.Magic{}, ErrTruncated
	}
	var magic format.Magic
	copy(magic[:], data[0:8])
	switch magic {
	case MagicUncompressed, MagicCompressed, MagicEncrypted, MagicEncryptedCompressed, MagicSigned:
		return magic, nil
	default:
		return format.Magic{}, ErrUnknownVariant
	}
}

func zstdCompress(plaintext []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("blob: creating zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(plaintext, nil), nil
}

func zstdDecompress(compressed []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("blob: creating zstd decoder: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(compressed, make([]byte, 0, len(compressed)*2))
	if err != nil {
		return nil, fmt.Errorf("blob: zstd decode: %w", err)
	}
	return out, nil
}
