// Package manifest implements the Backup Manifest integrity layer
// (spec.md §4.4): the per-snapshot list of archives, their checksums,
// and an HMAC signature over a canonical JSON encoding of that list that
// lets a restore detect a manifest edited outside the write path.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/proxmox/proxmox-backup-sub005/internal/cryptconf"
	"github.com/proxmox/proxmox-backup-sub005/internal/digest"
)

// Well-known blob names living alongside a manifest in a snapshot
// directory (spec.md §4.5's directory schema, supplemented from
// original_source/pbs-datastore/src/manifest.rs's MANIFEST_BLOB_NAME
// and sibling constants).
const (
	ManifestBlobName     = "index.json.blob"
	ClientLogBlobName    = "client.log.blob"
	EncryptedKeyBlobName = "rsa-encrypted.key.blob"
)

var (
	ErrDuplicateFile    = errors.New("manifest: duplicate file name")
	ErrFileNotFound     = errors.New("manifest: file not found")
	ErrNoSignature      = errors.New("manifest: not signed")
	ErrBadSignature     = errors.New("manifest: signature mismatch")
	ErrChecksumMismatch = errors.New("manifest: checksum mismatch")
	ErrSizeMismatch     = errors.New("manifest: size mismatch")
	ErrNoFingerprint    = errors.New("manifest: no key fingerprint recorded")
	ErrIllegalExtension = errors.New("manifest: illegal filename extension")

	// ErrKeyMismatch reports that a manifest was signed under a key other
	// than the one being used to verify it — distinct from ErrBadSignature,
	// which reports that the signature itself doesn't check out under the
	// right key (spec.md §7's KeyMismatch error kind, invariant 4: the
	// fingerprint is consulted before the full signature verification).
	ErrKeyMismatch = errors.New("manifest: signed under a different key")
)

// legalExtensions are the only archive filename extensions a manifest may
// record (spec.md §4.4; original_source's ArchiveType::from_path rejects
// anything else).
var legalExtensions = map[string]bool{
	".fidx": true,
	".didx": true,
	".blob": true,
}

// Manifest is the signed inventory of one snapshot's archives
// (spec.md §4.4). Field names/order mirror the wire JSON produced by
// canonical signing, not Go struct-literal convention.
type Manifest struct {
	BackupType  BackupType             `json:"backup-type"`
	BackupID    string                 `json:"backup-id"`
	BackupTime  int64                  `json:"backup-time"`
	Files       []FileInfo             `json:"files"`
	Unprotected map[string]interface{} `json:"unprotected"`
	Signature   *string                `json:"signature,omitempty"`
}

// New returns an empty, unsigned manifest for a snapshot identified by
// (backupType, backupID, backupTime as a Unix timestamp).
func New(backupType BackupType, backupID string, backupTime int64) *Manifest {
	return &Manifest{
		BackupType:  backupType,
		BackupID:    backupID,
		BackupTime:  backupTime,
		Unprotected: map[string]interface{}{},
	}
}

// AddFile appends one archive's integrity record. Re-adding an existing
// filename is rejected: a manifest only ever grows once per archive.
func (m *Manifest) AddFile(filename string, size uint64, csum digest.Digest, mode CryptMode) error {
	if !legalExtensions[filepath.Ext(filename)] {
		return fmt.Errorf("%w: %s", ErrIllegalExtension, filename)
	}
	for _, f := range m.Files {
		if f.Filename == filename {
			return fmt.Errorf("%w: %s", ErrDuplicateFile, filename)
		}
	}
	m.Files = append(m.Files, FileInfo{
		Filename:  filename,
		CryptMode: mode,
		Size:      size,
		Csum:      csum,
	})
	return nil
}

// LookupFileInfo returns the FileInfo for filename, or ErrFileNotFound.
func (m *Manifest) LookupFileInfo(filename string) (*FileInfo, error) {
	for i := range m.Files {
		if m.Files[i].Filename == filename {
			return &m.Files[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrFileNotFound, filename)
}

// VerifyFile checks a restored (or freshly reassembled) archive's size
// and checksum against the manifest's recorded values.
func (m *Manifest) VerifyFile(filename string, size uint64, csum digest.Digest) error {
	fi, err := m.LookupFileInfo(filename)
	if err != nil {
		return err
	}
	if fi.Size != size {
		return fmt.Errorf("%w: %s: got %d want %d", ErrSizeMismatch, filename, size, fi.Size)
	}
	if fi.Csum != csum {
		return fmt.Errorf("%w: %s", ErrChecksumMismatch, filename)
	}
	return nil
}

// signingView is the subset of a Manifest's fields that participate in
// the HMAC signature: unprotected metadata and any existing signature
// are excluded entirely (not merely zeroed), matching manifest.rs's
// signature()/json_signature() which strips those two keys before
// canonicalizing.
type signingView struct {
	BackupType BackupType `json:"backup-type"`
	BackupID   string     `json:"backup-id"`
	BackupTime int64      `json:"backup-time"`
	Files      []FileInfo `json:"files"`
}

// Signature computes the HMAC-SHA256 signature over this manifest's
// canonical JSON encoding, under cc's manifest-signing subkey
// (spec.md §4.4).
func (m *Manifest) Signature(cc *cryptconf.Config) ([32]byte, error) {
	view := signingView{
		BackupType: m.BackupType,
		BackupID:   m.BackupID,
		BackupTime: m.BackupTime,
		Files:      m.Files,
	}
	canon, err := canonicalize(view)
	if err != nil {
		return [32]byte{}, fmt.Errorf("manifest: canonicalizing for signature: %w", err)
	}
	return cc.ComputeAuthTag(canon), nil
}

// Sign computes and attaches this manifest's signature, and records
// cc's key fingerprint under unprotected["key-fingerprint"] so a later
// reader can tell which key produced it without trial-decrypting
// anything (spec.md §4.4, §4.7).
func (m *Manifest) Sign(cc *cryptconf.Config) error {
	sig, err := m.Signature(cc)
	if err != nil {
		return err
	}
	sigHex := hexString(sig[:])
	m.Signature = &sigHex
	if m.Unprotected == nil {
		m.Unprotected = map[string]interface{}{}
	}
	m.Unprotected["key-fingerprint"] = cc.FingerprintHex()
	return nil
}

// VerifySignature recomputes the signature under cc and compares it
// against the attached one.
func (m *Manifest) VerifySignature(cc *cryptconf.Config) error {
	if m.Signature == nil {
		return ErrNoSignature
	}
	want, err := m.Signature(cc)
	if err != nil {
		return err
	}
	if hexString(want[:]) != *m.Signature {
		return ErrBadSignature
	}
	return nil
}

// Fingerprint returns the key fingerprint recorded in
// unprotected["key-fingerprint"], if any (SPEC_FULL.md's Supplemented
// Feature 3: fingerprint-based key identification without decryption).
func (m *Manifest) Fingerprint() (string, bool) {
	raw, ok := m.Unprotected["key-fingerprint"]
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	return s, ok
}

// CheckFingerprint reports whether cc's fingerprint matches the one
// recorded in this manifest, without needing to verify the full HMAC
// signature (useful to reject an obviously-wrong key early).
func (m *Manifest) CheckFingerprint(cc *cryptconf.Config) error {
	recorded, ok := m.Fingerprint()
	if !ok {
		return ErrNoFingerprint
	}
	if recorded != cc.FingerprintHex() {
		return fmt.Errorf("%w: manifest has %s", ErrKeyMismatch, recorded)
	}
	return nil
}

// ToBytes renders the manifest as pretty-printed JSON (two-space
// indent, matching the original pretty-printer's default), the form
// persisted as index.json inside the index.json.blob Data Blob.
func (m *Manifest) ToBytes() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// FromBytes parses a manifest previously produced by ToBytes. If cc is
// non-nil and the manifest carries a signature, the recorded key
// fingerprint is checked first — a mismatch there means the wrong key is
// being used and is reported as ErrKeyMismatch, distinct from a bad
// signature under the right key — and only then is the signature itself
// verified (spec.md invariant 4, §4.4, §7's KeyMismatch kind). An unsigned
// manifest is accepted regardless of cc (not every snapshot is signed); a
// signed manifest with no recorded fingerprint skips straight to signature
// verification, since not every signer recorded one.
func FromBytes(data []byte, cc *cryptconf.Config) (*Manifest, error) {
	var m Manifest
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("manifest: decoding: %w", err)
	}
	if m.Unprotected == nil {
		m.Unprotected = map[string]interface{}{}
	}
	if cc != nil && m.Signature != nil {
		if _, ok := m.Fingerprint(); ok {
			if err := m.CheckFingerprint(cc); err != nil {
				return nil, err
			}
		}
		if err := m.VerifySignature(cc); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

func hexString(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = digits[c>>4]
		out[i*2+1] = digits[c&0xf]
	}
	return string(out)
}
