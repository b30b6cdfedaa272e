// Package snapshot implements the BackupGroup/BackupDir hierarchy
// (spec.md §4.5): the <type>/<id>/<rfc3339-timestamp>/ directory layout,
// protection markers, finished-status detection, and allow-listing scans
// grounded on original_source/pbs-datastore/src/backup_info.rs.
package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/proxmox/proxmox-backup-sub005/internal/manifest"
)

// timestampPattern matches an RFC-3339 UTC snapshot directory name with
// second granularity, e.g. "2020-06-26T13:56:05Z" (spec.md §6: "timestamps
// in snapshot paths use RFC-3339 with Z suffix and second granularity").
var timestampPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z$`)

// idPattern is the allow-listing regex for group ids: a safe identifier,
// matching backup_info.rs's use of a restrictive scandir filter instead of
// accepting whatever the filesystem happens to contain.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.\-]*$`)

var (
	ErrInvalidID        = errors.New("snapshot: invalid group id")
	ErrInvalidTimestamp = errors.New("snapshot: invalid backup timestamp")
	ErrNotFound         = errors.New("snapshot: not found")
)

const protectedMarker = ".protected"

// Group identifies one backup group: all snapshots for a given
// (backup-type, backup-id) pair.
type Group struct {
	Type manifest.BackupType
	ID   string
}

// NewGroup validates id against the allow-listing regex before
// constructing a Group.
func NewGroup(backupType manifest.BackupType, id string) (Group, error) {
	if !backupType.Valid() {
		return Group{}, fmt.Errorf("snapshot: invalid backup type %q", backupType)
	}
	if !idPattern.MatchString(id) {
		return Group{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return Group{Type: backupType, ID: id}, nil
}

// RelativePath is the group's path under the datastore root.
func (g Group) RelativePath() string {
	return filepath.Join(string(g.Type), g.ID)
}

func (g Group) String() string {
	return fmt.Sprintf("%s/%s", g.Type, g.ID)
}

// Matches reports whether the group matches a glob pattern over its
// "<type>/<id>" string form, the Go analogue of backup_info.rs's
// BackupGroup::matches against a GroupFilter (spec.md's doublestar-backed
// administrative filtering, SPEC_FULL.md's domain-stack wiring).
func (g Group) Matches(pattern string) (bool, error) {
	return doublestar.Match(pattern, g.String())
}

// Dir identifies one snapshot: a group plus an RFC-3339 backup time.
type Dir struct {
	Group      Group
	BackupTime time.Time // UTC, second granularity
}

// NewDir constructs a Dir from a backup time, converting it to UTC and
// truncating to second granularity per the on-disk format.
func NewDir(group Group, backupTime time.Time) Dir {
	return Dir{Group: group, BackupTime: backupTime.UTC().Truncate(time.Second)}
}

// ParseDir constructs a Dir from a group and its RFC-3339 directory name.
func ParseDir(group Group, timestampStr string) (Dir, error) {
	if !timestampPattern.MatchString(timestampStr) {
		return Dir{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, timestampStr)
	}
	t, err := time.Parse(time.RFC3339, timestampStr)
	if err != nil {
		return Dir{}, fmt.Errorf("%w: %q: %v", ErrInvalidTimestamp, timestampStr, err)
	}
	return Dir{Group: group, BackupTime: t.UTC()}, nil
}

// TimestampString renders the backup time in the on-disk RFC-3339 form.
func (d Dir) TimestampString() string {
	return d.BackupTime.Format("2006-01-02T15:04:05Z")
}

// RelativePath is the snapshot's path under the datastore root.
func (d Dir) RelativePath() string {
	return filepath.Join(d.Group.RelativePath(), d.TimestampString())
}

func (d Dir) String() string {
	return fmt.Sprintf("%s/%s", d.Group, d.TimestampString())
}

// FullPath joins the snapshot's relative path onto a datastore root.
func (d Dir) FullPath(root string) string {
	return filepath.Join(root, d.RelativePath())
}

// protectedFilePath is the path of the .protected marker for this
// snapshot under root.
func (d Dir) protectedFilePath(root string) string {
	return filepath.Join(d.FullPath(root), protectedMarker)
}

// IsProtected reports whether this snapshot's .protected marker exists
// (spec.md §4.5).
func (d Dir) IsProtected(root string) bool {
	_, err := os.Stat(d.protectedFilePath(root))
	return err == nil
}

// SetProtected creates or removes the .protected marker.
func (d Dir) SetProtected(root string, protected bool) error {
	path := d.protectedFilePath(root)
	if protected {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("snapshot: protecting %s: %w", d, err)
		}
		return f.Close()
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("snapshot: unprotecting %s: %w", d, err)
	}
	return nil
}

// Info is a listed snapshot together with its file names and protection
// status, the Go analogue of backup_info.rs's BackupInfo.
type Info struct {
	Dir       Dir
	Files     []string
	Protected bool
}

// IsFinished reports whether the manifest blob is present among this
// snapshot's files (spec.md §4.5's "Finished status").
func (i Info) IsFinished() bool {
	for _, f := range i.Files {
		if f == manifest.ManifestBlobName {
			return true
		}
	}
	return false
}

// listBackupFiles lists the regular files directly inside a snapshot
// directory, without any name filtering beyond skipping subdirectories
// and dotfiles (locks, the protection marker): the manifest, index, and
// inline-blob files all share the directory with those control files.
func listBackupFiles(dirPath string) ([]string, error) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) > 0 && name[0] == '.' {
			continue
		}
		files = append(files, name)
	}
	return files, nil
}

// ListFiles lists the regular files directly inside one snapshot's
// directory, the single-snapshot counterpart to ListSnapshots' bulk scan.
func ListFiles(root string, dir Dir) ([]string, error) {
	return listBackupFiles(dir.FullPath(root))
}

// ListSnapshots scans a group's directory under root for RFC-3339-named
// subdirectories, returning one Info per snapshot found. Non-matching
// entries are silently skipped (spec.md §4.5's allow-listing scan).
func ListSnapshots(root string, group Group) ([]Info, error) {
	groupPath := filepath.Join(root, group.RelativePath())
	entries, err := os.ReadDir(groupPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("snapshot: listing group %s: %w", group, err)
	}

	var out []Info
	for _, e := range entries {
		if !e.IsDir() || !timestampPattern.MatchString(e.Name()) {
			continue
		}
		dir, err := ParseDir(group, e.Name())
		if err != nil {
			continue // defensively skip: regex already matched, but guard anyway
		}
		files, err := listBackupFiles(dir.FullPath(root))
		if err != nil {
			return nil, fmt.Errorf("snapshot: listing files for %s: %w", dir, err)
		}
		out = append(out, Info{
			Dir:       dir,
			Files:     files,
			Protected: dir.IsProtected(root),
		})
	}
	return out, nil
}

// ListGroups scans root for <type>/<id> directories, allow-listing both
// levels the same way backup_info.rs's scandir callers do.
func ListGroups(root string) ([]Group, error) {
	var out []Group
	for _, bt := range []manifest.BackupType{manifest.BackupTypeVM, manifest.BackupTypeCT, manifest.BackupTypeHost} {
		typeDir := filepath.Join(root, string(bt))
		entries, err := os.ReadDir(typeDir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("snapshot: listing %s groups: %w", bt, err)
		}
		for _, e := range entries {
			if !e.IsDir() || !idPattern.MatchString(e.Name()) {
				continue
			}
			out = append(out, Group{Type: bt, ID: e.Name()})
		}
	}
	return out, nil
}

// FilterGroups keeps only the groups matching at least one of patterns
// (an empty pattern list keeps everything), the administrative filtering
// described in spec.md §6's list_groups.
func FilterGroups(groups []Group, patterns []string) ([]Group, error) {
	if len(patterns) == 0 {
		return groups, nil
	}
	var out []Group
	for _, g := range groups {
		for _, p := range patterns {
			ok, err := g.Matches(p)
			if err != nil {
				return nil, fmt.Errorf("snapshot: bad group filter %q: %w", p, err)
			}
			if ok {
				out = append(out, g)
				break
			}
		}
	}
	return out, nil
}

// SortByTime sorts snapshots by backup time, oldest first when ascending
// is true and newest first otherwise (backup_info.rs's BackupInfo::sort_list).
func SortByTime(infos []Info, ascending bool) {
	sort.SliceStable(infos, func(i, j int) bool {
		if ascending {
			return infos[i].Dir.BackupTime.Before(infos[j].Dir.BackupTime)
		}
		return infos[i].Dir.BackupTime.After(infos[j].Dir.BackupTime)
	})
}

// LastBackup returns the most recent snapshot in a group, optionally
// restricted to finished ones.
func LastBackup(root string, group Group, onlyFinished bool) (*Info, error) {
	infos, err := ListSnapshots(root, group)
	if err != nil {
		return nil, err
	}
	var best *Info
	for i := range infos {
		if onlyFinished && !infos[i].IsFinished() {
			continue
		}
		if best == nil || infos[i].Dir.BackupTime.After(best.Dir.BackupTime) {
			best = &infos[i]
		}
	}
	return best, nil
}

// LastSuccessfulBackup returns the backup time of the most recent
// snapshot that has a manifest, or ok=false if none exists
// (backup_info.rs's BackupGroup::last_successful_backup).
func LastSuccessfulBackup(root string, group Group) (t time.Time, ok bool, err error) {
	info, err := LastBackup(root, group, true)
	if err != nil {
		return time.Time{}, false, err
	}
	if info == nil {
		return time.Time{}, false, nil
	}
	return info.Dir.BackupTime, true, nil
}

// Remove deletes a snapshot's directory entirely. Callers must hold the
// snapshot's exclusive lock and must not call Remove on a protected
// snapshot (spec.md §4.5's prune/forget protection rule; enforcement of
// that rule lives in the datastore layer, which owns the lock).
func Remove(root string, dir Dir) error {
	path := dir.FullPath(root)
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("snapshot: removing %s: %w", dir, err)
	}
	return nil
}

// Create ensures a snapshot's directory exists, ready for the write
// session to populate it (spec.md §6's start_backup).
func Create(root string, dir Dir) error {
	path := dir.FullPath(root)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("snapshot: creating %s: %w", dir, err)
	}
	return nil
}

// Exists reports whether a snapshot directory is already present.
func Exists(root string, dir Dir) bool {
	_, err := os.Stat(dir.FullPath(root))
	return err == nil
}
