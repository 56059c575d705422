package backup

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dataDir := t.TempDir()
	m, err := New(Config{
		DataDir:   dataDir,
		BackupDir: t.TempDir(),
		Retention: 3,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, dataDir
}

func seedData(t *testing.T, dataDir string) {
	t.Helper()
	for _, name := range []string{"sessions.db", "schedules.db", "auth.db"} {
		if err := os.WriteFile(filepath.Join(dataDir, name), []byte(name+" contents"), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestBackupAndRestore(t *testing.T) {
	m, dataDir := newTestManager(t)
	seedData(t, dataDir)

	snap, err := m.Backup()
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if snap.SizeBytes == 0 {
		t.Error("snapshot should not be empty")
	}

	restoreDir := t.TempDir()
	if err := m.Restore(snap.Filename, restoreDir); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	for _, name := range []string{"sessions.db", "schedules.db", "auth.db"} {
		data, err := os.ReadFile(filepath.Join(restoreDir, name))
		if err != nil {
			t.Fatalf("restored %s missing: %v", name, err)
		}
		if string(data) != name+" contents" {
			t.Errorf("restored %s = %q", name, data)
		}
	}
}

func TestBackupMissingDataDir(t *testing.T) {
	m, err := New(Config{
		DataDir:   filepath.Join(t.TempDir(), "nope"),
		BackupDir: t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Backup(); err == nil {
		t.Error("expected error for missing data dir")
	}
}

func TestRestoreMissingSnapshot(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.Restore("data_20000101_000000.tar.gz", t.TempDir()); err == nil {
		t.Error("expected error for missing snapshot")
	}
}

func TestListSnapshotsAndRetention(t *testing.T) {
	m, dataDir := newTestManager(t)
	seedData(t, dataDir)

	// Fabricate old snapshots so retention has something to evict
	for i, stamp := range []string{"20240101_000000", "20240102_000000", "20240103_000000"} {
		name := snapshotPrefix + stamp + ".tar.gz"
		if err := os.WriteFile(filepath.Join(m.backupDir, name), []byte{byte(i)}, 0644); err != nil {
			t.Fatal(err)
		}
	}
	// Junk that must be ignored
	if err := os.WriteFile(filepath.Join(m.backupDir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Backup(); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	snapshots, err := m.ListSnapshots()
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(snapshots) != 3 {
		t.Fatalf("retention should keep 3, got %d", len(snapshots))
	}
	// Newest first; oldest fabricated snapshot must be gone
	if !snapshots[0].Timestamp.After(snapshots[1].Timestamp) {
		t.Error("snapshots should be sorted newest first")
	}
	if _, err := os.Stat(filepath.Join(m.backupDir, snapshotPrefix+"20240101_000000.tar.gz")); !os.IsNotExist(err) {
		t.Error("oldest snapshot should be evicted")
	}
}

func TestExportManifest(t *testing.T) {
	m, dataDir := newTestManager(t)
	seedData(t, dataDir)

	if _, err := m.Backup(); err != nil {
		t.Fatal(err)
	}

	data, err := m.ExportManifest()
	if err != nil {
		t.Fatalf("ExportManifest: %v", err)
	}

	var manifest struct {
		Snapshots []Snapshot `json:"snapshots"`
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		t.Fatalf("manifest not valid JSON: %v", err)
	}
	if len(manifest.Snapshots) != 1 {
		t.Errorf("manifest snapshots = %d", len(manifest.Snapshots))
	}
}

func TestStartStopDisabled(t *testing.T) {
	m, _ := newTestManager(t)
	m.interval = 0
	m.Start()
	m.Stop()
}

func TestStartStop(t *testing.T) {
	m, _ := newTestManager(t)
	m.interval = time.Hour
	m.Start()
	m.Stop()
}
