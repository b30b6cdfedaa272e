package manifest

import (
	"encoding/json"
	"fmt"

	"github.com/proxmox/proxmox-backup-sub005/internal/digest"
)

// BackupType identifies the kind of guest or host a backup group belongs
// to (spec.md §4.5's Group/Snapshot hierarchy).
type BackupType string

const (
	BackupTypeVM   BackupType = "vm"
	BackupTypeCT   BackupType = "ct"
	BackupTypeHost BackupType = "host"
)

func (t BackupType) Valid() bool {
	switch t {
	case BackupTypeVM, BackupTypeCT, BackupTypeHost:
		return true
	}
	return false
}

// CryptMode records how a single file within a snapshot is protected
// (spec.md §4.4). SignOnly authenticates a chunk's plaintext without
// hiding it; Encrypt both hides and authenticates it.
type CryptMode int

const (
	CryptNone CryptMode = iota
	CryptSignOnly
	CryptEncrypt
)

func (m CryptMode) String() string {
	switch m {
	case CryptNone:
		return "none"
	case CryptSignOnly:
		return "sign-only"
	case CryptEncrypt:
		return "encrypt"
	default:
		return "unknown"
	}
}

func ParseCryptMode(s string) (CryptMode, error) {
	switch s {
	case "none":
		return CryptNone, nil
	case "sign-only":
		return CryptSignOnly, nil
	case "encrypt":
		return CryptEncrypt, nil
	default:
		return 0, fmt.Errorf("manifest: unknown crypt-mode %q", s)
	}
}

func (m CryptMode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *CryptMode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseCryptMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ChunkCryptMode collapses SignOnly into None: the chunk store itself
// never distinguishes "signed but readable" from "fully public" when it
// decides whether a reader needs a crypto config (spec.md §4.4's note
// that only Encrypt changes the chunk store's read path).
func (m CryptMode) ChunkCryptMode() CryptMode {
	if m == CryptSignOnly {
		return CryptNone
	}
	return m
}

// FileInfo records one archive's identity and integrity within a
// manifest (spec.md §4.4).
type FileInfo struct {
	Filename  string        `json:"filename"`
	CryptMode CryptMode     `json:"crypt-mode"`
	Size      uint64        `json:"size"`
	Csum      digest.Digest `json:"csum"`
}
