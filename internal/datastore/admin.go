package datastore

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/proxmox/proxmox-backup-sub005/internal/gc"
	"github.com/proxmox/proxmox-backup-sub005/internal/lock"
	"github.com/proxmox/proxmox-backup-sub005/internal/snapshot"
)

// ListGroups returns every backup group in the datastore
// (spec.md §6's list_groups).
func (ds *Datastore) ListGroups() ([]snapshot.Group, error) {
	return snapshot.ListGroups(ds.root)
}

// ListSnapshots returns every snapshot within group (spec.md §6's
// list_snapshots).
func (ds *Datastore) ListSnapshots(group snapshot.Group) ([]snapshot.Info, error) {
	return snapshot.ListSnapshots(ds.root, group)
}

// ForgetSnapshot removes a snapshot's directory while holding the
// datastore's shared lock, refusing to do so while it is protected or
// while a reader holds its shared lock
// (spec.md §6's forget_snapshot, §8's scenario S6: the exclusive
// acquisition below blocks until every concurrent OpenSnapshot's shared
// lock is released).
func (ds *Datastore) ForgetSnapshot(ctx context.Context, dir snapshot.Dir) error {
	dsGuard, err := ds.dl.LockShared(ctx)
	if err != nil {
		return fmt.Errorf("datastore: forget_snapshot %s: %w", dir, err)
	}
	defer dsGuard.Release()

	snapLock := lock.NewSnapshotLock(dir.FullPath(ds.root))
	guard, err := snapLock.Acquire(ctx, lock.Exclusive)
	if err != nil {
		return fmt.Errorf("datastore: forget_snapshot %s: %w", dir, err)
	}
	defer guard.Release()

	if dir.IsProtected(ds.root) {
		return fmt.Errorf("datastore: forget_snapshot %s: %w", dir, ErrProtected)
	}
	return snapshot.Remove(ds.root, dir)
}

// ProtectSnapshot sets or clears a snapshot's protection marker
// (spec.md §6's protect_snapshot).
func (ds *Datastore) ProtectSnapshot(dir snapshot.Dir, protected bool) error {
	return dir.SetProtected(ds.root, protected)
}

// RunGC runs one mark-and-sweep garbage collection pass over the whole
// datastore (spec.md §6's run_gc), touching chunks via the real
// atime-based strategy and pacing sweep unlinks with limiter (nil for
// unpaced).
func (ds *Datastore) RunGC(ctx context.Context, limiter *rate.Limiter) (gc.Stats, error) {
	collector := gc.New(ds.root, ds.store, ds.dl, ds.cc, limiter, ds.logger)
	return collector.Run(ctx, gc.AtimeMarkStrategy{Store: ds.store})
}
