package cleanup

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestCleaner(t *testing.T, live func(string) bool) *Cleaner {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	cfg.LiveSession = live
	c := New(cfg)
	c.tmpDir = t.TempDir()
	return c
}

func writeAged(t *testing.T, path string, age time.Duration) {
	t.Helper()
	if err := os.WriteFile(path, []byte("{}"), 0600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	old := time.Now().Add(-age)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

func TestSweepCapabilityConfigs(t *testing.T) {
	liveSessions := map[string]bool{"sess_live": true}
	c := newTestCleaner(t, func(id string) bool { return liveSessions[id] })

	orphan := filepath.Join(c.tmpDir, "capability-sess_dead.json")
	writeAged(t, orphan, 48*time.Hour)

	fresh := filepath.Join(c.tmpDir, "capability-sess_new.json")
	writeAged(t, fresh, time.Minute)

	live := filepath.Join(c.tmpDir, "capability-sess_live.json")
	writeAged(t, live, 48*time.Hour)

	unrelated := filepath.Join(c.tmpDir, "notes.json")
	writeAged(t, unrelated, 48*time.Hour)

	c.sweepCapabilityConfigs()

	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("orphaned config should be removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh config should survive")
	}
	if _, err := os.Stat(live); err != nil {
		t.Error("live session's config should survive")
	}
	if _, err := os.Stat(unrelated); err != nil {
		t.Error("unrelated file should survive")
	}
}

func TestSweepAttachments(t *testing.T) {
	c := newTestCleaner(t, nil)

	dir := filepath.Join(c.tmpDir, "seneschal-attachments")
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatal(err)
	}

	stale := filepath.Join(dir, "old.png")
	writeAged(t, stale, 48*time.Hour)
	fresh := filepath.Join(dir, "new.png")
	writeAged(t, fresh, time.Minute)

	c.sweepAttachments()

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale attachment should be removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh attachment should survive")
	}
}

func TestSweepAttachmentsNoDir(t *testing.T) {
	c := newTestCleaner(t, nil)
	// Nothing to sweep; just must not panic
	c.sweepAttachments()
}

func TestDiskUsage(t *testing.T) {
	c := newTestCleaner(t, nil)

	used, total, pct, err := c.DiskUsage()
	if err != nil {
		t.Fatalf("DiskUsage: %v", err)
	}
	if total == 0 || used > total {
		t.Errorf("used=%d total=%d", used, total)
	}
	if pct < 0 || pct > 100 {
		t.Errorf("pct=%f", pct)
	}
}

func TestStartStop(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.Interval = time.Hour
	c := New(cfg)
	c.tmpDir = t.TempDir()

	c.Start()
	c.Stop()
	// Stop again is a no-op
	c.Stop()
}
