// Package datastore wires the chunk store, index formats, manifest,
// snapshot hierarchy, locking, and garbage collector into the single
// facade a backup/restore front end drives (spec.md §6): a Read API for
// restore/verify callers, a Write API for backup ingestion, and an
// Administrative API for group/snapshot/GC management.
package datastore

import (
	"log/slog"

	"github.com/proxmox/proxmox-backup-sub005/internal/chunkstore"
	"github.com/proxmox/proxmox-backup-sub005/internal/cryptconf"
	"github.com/proxmox/proxmox-backup-sub005/internal/dsconfig"
	"github.com/proxmox/proxmox-backup-sub005/internal/lock"
	"github.com/proxmox/proxmox-backup-sub005/internal/logging"
)

// Datastore is a single backup storage root: a chunk store plus the
// group/snapshot tree living alongside it (spec.md §3's Datastore
// entity).
type Datastore struct {
	root   string
	store  *chunkstore.Store
	dl     *lock.DatastoreLock
	cc     *cryptconf.Config // nil for a datastore that never encrypts/signs
	cfg    dsconfig.Config
	logger *slog.Logger
}

// Open opens (creating on first use) the datastore rooted at root. cc may
// be nil; callers that never write dynamic indices or encrypted blobs
// don't need one, but any write involving those features then fails with
// the relevant package's "requires a crypto config" error.
func Open(root string, cc *cryptconf.Config, logger *slog.Logger) (*Datastore, error) {
	cfg, err := dsconfig.LoadOrCreate(root)
	if err != nil {
		return nil, err
	}
	dl := lock.Open(root)
	store, err := chunkstore.OpenFanout(root, dl, cfg.FanoutPrefixLen, cfg.FanoutSuffixLen, logger)
	if err != nil {
		return nil, err
	}
	return &Datastore{
		root:   root,
		store:  store,
		dl:     dl,
		cc:     cc,
		cfg:    cfg,
		logger: logging.Default(logger).With("component", "datastore"),
	}, nil
}

// Root returns the datastore's filesystem root, for callers that need to
// resolve a relative path themselves (diagnostics, tests).
func (d *Datastore) Root() string { return d.root }

// Config returns the datastore's persisted settings.
func (d *Datastore) Config() dsconfig.Config { return d.cfg }
