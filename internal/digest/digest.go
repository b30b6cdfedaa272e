// Package digest defines the content-addressing key used across the chunk
// store, index formats, and manifest: the SHA-256 digest of a chunk's
// plaintext.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
)

// Size is the length of a Digest in bytes.
const Size = sha256.Size // 32

// ErrInvalidLength is returned when decoding a digest of the wrong length.
var ErrInvalidLength = errors.New("digest: invalid length")

// Digest is a 32-byte SHA-256 value identifying a chunk by its plaintext
// content. The zero Digest (all-zero bytes) is a valid value: it is simply
// the digest some plaintext could hash to and carries no special meaning.
type Digest [Size]byte

// Of computes the Digest of plaintext.
func Of(plaintext []byte) Digest {
	return Digest(sha256.Sum256(plaintext))
}

// String renders the digest as lowercase hex, the canonical form used in
// chunk file names and index records.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Parse decodes a lowercase (or mixed-case) hex string into a Digest.
func Parse(s string) (Digest, error) {
	if len(s) != Size*2 {
		return Digest{}, ErrInvalidLength
	}
	var d Digest
	if _, err := hex.Decode(d[:], []byte(s)); err != nil {
		return Digest{}, err
	}
	return d, nil
}

// IsZero reports whether d is the all-zero digest.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// MarshalJSON renders the digest as a lowercase hex JSON string, matching
// the manifest's checksum encoding (spec.md §4.4).
func (d Digest) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON parses a lowercase hex JSON string into the digest.
func (d *Digest) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
