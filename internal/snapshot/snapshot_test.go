package snapshot

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/proxmox/proxmox-backup-sub005/internal/manifest"
)

func mustGroup(t *testing.T, bt manifest.BackupType, id string) Group {
	t.Helper()
	g, err := NewGroup(bt, id)
	if err != nil {
		t.Fatalf("NewGroup: %v", err)
	}
	return g
}

func TestGroupRejectsInvalidID(t *testing.T) {
	if _, err := NewGroup(manifest.BackupTypeHost, "../escape"); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("want ErrInvalidID, got %v", err)
	}
}

func TestDirParseAndRoundTripTimestamp(t *testing.T) {
	g := mustGroup(t, manifest.BackupTypeHost, "elsa")
	dir, err := ParseDir(g, "2020-06-26T13:56:05Z")
	if err != nil {
		t.Fatalf("ParseDir: %v", err)
	}
	if dir.BackupTime.Unix() != 1593179765 {
		t.Fatalf("parsed time: got %d want 1593179765", dir.BackupTime.Unix())
	}
	if dir.TimestampString() != "2020-06-26T13:56:05Z" {
		t.Fatalf("TimestampString round trip: got %s", dir.TimestampString())
	}
	if dir.RelativePath() != filepath.Join("host", "elsa", "2020-06-26T13:56:05Z") {
		t.Fatalf("RelativePath: got %s", dir.RelativePath())
	}
}

func TestParseDirRejectsBadTimestamp(t *testing.T) {
	g := mustGroup(t, manifest.BackupTypeHost, "elsa")
	if _, err := ParseDir(g, "not-a-timestamp"); !errors.Is(err, ErrInvalidTimestamp) {
		t.Fatalf("want ErrInvalidTimestamp, got %v", err)
	}
}

func TestProtectionMarker(t *testing.T) {
	root := t.TempDir()
	g := mustGroup(t, manifest.BackupTypeVM, "100")
	dir := NewDir(g, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	if err := Create(root, dir); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if dir.IsProtected(root) {
		t.Fatalf("freshly created snapshot should not be protected")
	}
	if err := dir.SetProtected(root, true); err != nil {
		t.Fatalf("SetProtected(true): %v", err)
	}
	if !dir.IsProtected(root) {
		t.Fatalf("snapshot should be protected after SetProtected(true)")
	}
	if err := dir.SetProtected(root, false); err != nil {
		t.Fatalf("SetProtected(false): %v", err)
	}
	if dir.IsProtected(root) {
		t.Fatalf("snapshot should not be protected after SetProtected(false)")
	}
}

func TestIsFinishedRequiresManifestBlob(t *testing.T) {
	unfinished := Info{Files: []string{"drive-scsi0.img.fidx"}}
	if unfinished.IsFinished() {
		t.Fatalf("snapshot without manifest blob should not be finished")
	}
	finished := Info{Files: []string{"drive-scsi0.img.fidx", manifest.ManifestBlobName}}
	if !finished.IsFinished() {
		t.Fatalf("snapshot with manifest blob should be finished")
	}
}

func TestListSnapshotsSkipsStrayEntries(t *testing.T) {
	root := t.TempDir()
	g := mustGroup(t, manifest.BackupTypeHost, "elsa")
	groupPath := filepath.Join(root, g.RelativePath())
	if err := os.MkdirAll(filepath.Join(groupPath, "2020-06-26T13:56:05Z"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(groupPath, "not-a-timestamp"), 0o755); err != nil {
		t.Fatalf("MkdirAll stray: %v", err)
	}
	if err := os.WriteFile(filepath.Join(groupPath, "stray-file"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile stray: %v", err)
	}
	if err := os.WriteFile(filepath.Join(groupPath, "2020-06-26T13:56:05Z", manifest.ManifestBlobName), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile manifest: %v", err)
	}

	infos, err := ListSnapshots(root, g)
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("ListSnapshots: got %d want 1", len(infos))
	}
	if !infos[0].IsFinished() {
		t.Fatalf("snapshot with manifest blob should be finished")
	}
}

func TestListSnapshotsOnMissingGroupReturnsEmpty(t *testing.T) {
	root := t.TempDir()
	g := mustGroup(t, manifest.BackupTypeHost, "neverexisted")
	infos, err := ListSnapshots(root, g)
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(infos) != 0 {
		t.Fatalf("expected no snapshots for a never-created group")
	}
}

func TestLastBackupPrefersNewest(t *testing.T) {
	root := t.TempDir()
	g := mustGroup(t, manifest.BackupTypeHost, "elsa")
	older := NewDir(g, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	newer := NewDir(g, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	for _, d := range []Dir{older, newer} {
		if err := Create(root, d); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	last, err := LastBackup(root, g, false)
	if err != nil {
		t.Fatalf("LastBackup: %v", err)
	}
	if last == nil || !last.Dir.BackupTime.Equal(newer.BackupTime) {
		t.Fatalf("LastBackup did not return the newest snapshot: %+v", last)
	}
}

func TestLastBackupOnlyFinishedSkipsUnfinished(t *testing.T) {
	root := t.TempDir()
	g := mustGroup(t, manifest.BackupTypeHost, "elsa")
	finished := NewDir(g, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	unfinished := NewDir(g, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	if err := Create(root, finished); err != nil {
		t.Fatalf("Create finished: %v", err)
	}
	if err := Create(root, unfinished); err != nil {
		t.Fatalf("Create unfinished: %v", err)
	}
	if err := os.WriteFile(filepath.Join(finished.FullPath(root), manifest.ManifestBlobName), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	last, err := LastBackup(root, g, true)
	if err != nil {
		t.Fatalf("LastBackup: %v", err)
	}
	if last == nil || !last.Dir.BackupTime.Equal(finished.BackupTime) {
		t.Fatalf("LastBackup(onlyFinished) should skip the unfinished, newer snapshot: %+v", last)
	}
}

func TestGroupMatchesGlob(t *testing.T) {
	g := mustGroup(t, manifest.BackupTypeVM, "100")
	ok, err := g.Matches("vm/*")
	if err != nil {
		t.Fatalf("Matches: %v", err)
	}
	if !ok {
		t.Fatalf("vm/100 should match vm/*")
	}
	ok, err = g.Matches("ct/*")
	if err != nil {
		t.Fatalf("Matches: %v", err)
	}
	if ok {
		t.Fatalf("vm/100 should not match ct/*")
	}
}

func TestSortByTime(t *testing.T) {
	g := mustGroup(t, manifest.BackupTypeHost, "elsa")
	a := Info{Dir: NewDir(g, time.Unix(100, 0))}
	b := Info{Dir: NewDir(g, time.Unix(300, 0))}
	c := Info{Dir: NewDir(g, time.Unix(200, 0))}
	infos := []Info{a, b, c}

	SortByTime(infos, true)
	if infos[0].Dir.BackupTime.Unix() != 100 || infos[2].Dir.BackupTime.Unix() != 300 {
		t.Fatalf("ascending sort incorrect: %+v", infos)
	}

	SortByTime(infos, false)
	if infos[0].Dir.BackupTime.Unix() != 300 || infos[2].Dir.BackupTime.Unix() != 100 {
		t.Fatalf("descending sort incorrect: %+v", infos)
	}
}

func TestRemoveDeletesSnapshotDirectory(t *testing.T) {
	root := t.TempDir()
	g := mustGroup(t, manifest.BackupTypeHost, "elsa")
	dir := NewDir(g, time.Unix(1593179765, 0))
	if err := Create(root, dir); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !Exists(root, dir) {
		t.Fatalf("snapshot should exist after Create")
	}
	if err := Remove(root, dir); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if Exists(root, dir) {
		t.Fatalf("snapshot should not exist after Remove")
	}
}

func TestListGroupsAndFilter(t *testing.T) {
	root := t.TempDir()
	for _, g := range []Group{
		mustGroup(t, manifest.BackupTypeVM, "100"),
		mustGroup(t, manifest.BackupTypeVM, "200"),
		mustGroup(t, manifest.BackupTypeHost, "elsa"),
	} {
		if err := os.MkdirAll(filepath.Join(root, g.RelativePath()), 0o755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
	}

	groups, err := ListGroups(root)
	if err != nil {
		t.Fatalf("ListGroups: %v", err)
	}
	if len(groups) != 3 {
		t.Fatalf("ListGroups: got %d want 3", len(groups))
	}

	filtered, err := FilterGroups(groups, []string{"vm/*"})
	if err != nil {
		t.Fatalf("FilterGroups: %v", err)
	}
	if len(filtered) != 2 {
		t.Fatalf("FilterGroups: got %d want 2", len(filtered))
	}
}
