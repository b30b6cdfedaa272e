package datastore

import "errors"

var (
	// ErrSnapshotExists is returned by StartBackup when the target
	// snapshot directory is already present (spec.md §6's start_backup).
	ErrSnapshotExists = errors.New("datastore: snapshot already exists")

	// ErrProtected is returned by ForgetSnapshot for a snapshot carrying
	// the .protected marker (spec.md §4.5's prune/forget protection).
	ErrProtected = errors.New("datastore: snapshot is protected")

	// ErrEmptyManifest is returned by FinishBackup for a manifest with no
	// files recorded (spec.md §8's boundary behavior).
	ErrEmptyManifest = errors.New("datastore: manifest has no files")

	// ErrUnknownIndex is returned by FinishIndex for an index id never
	// registered via RegisterChunkInIndex.
	ErrUnknownIndex = errors.New("datastore: unknown index id")

	// ErrUnsupportedIndexExtension is returned by FinishIndex when name's
	// extension is neither .fidx nor .didx.
	ErrUnsupportedIndexExtension = errors.New("datastore: index name must end in .fidx or .didx")
)
