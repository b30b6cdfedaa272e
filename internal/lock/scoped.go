package lock

import "path/filepath"

// GroupLock guards creation of a new snapshot within one backup group:
// acquired exclusively so only one backup per group runs concurrently
// (spec.md §4.5 "Lifecycle locks").
type GroupLock struct{ *FileLock }

// NewGroupLock returns the lock for the group directory groupDir.
func NewGroupLock(groupDir string) *GroupLock {
	return &GroupLock{New(filepath.Join(groupDir, ".group.lck"))}
}

// SnapshotLock guards one snapshot directory: shared by readers
// (restore, verify), exclusive by writers (create) and by forget.
type SnapshotLock struct{ *FileLock }

// NewSnapshotLock returns the lock for the snapshot directory snapDir.
func NewSnapshotLock(snapDir string) *SnapshotLock {
	return &SnapshotLock{New(filepath.Join(snapDir, ".snapshot.lck"))}
}

// ManifestLock guards rewrites of a manifest's unprotected subtree
// (notes, protection metadata) — the ".index.json.lck" file named in
// spec.md §4.5's directory schema.
type ManifestLock struct{ *FileLock }

// NewManifestLock returns the per-manifest lock for the snapshot
// directory snapDir.
func NewManifestLock(snapDir string) *ManifestLock {
	return &ManifestLock{New(filepath.Join(snapDir, ".index.json.lck"))}
}
