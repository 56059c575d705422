// Package cleanup provides background temp-file and disk hygiene.
package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/HyphaGroup/seneschal/internal/logger"
)

// Cleaner periodically sweeps capability config files and attachment
// spool files orphaned by crashed runs, and watches disk usage.
type Cleaner struct {
	home      string
	tmpDir    string
	interval  time.Duration
	retention time.Duration
	diskWarn  float64
	diskError float64

	// live reports whether a session still owns its temp files; files
	// of live sessions are never removed
	live func(sessionID string) bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds cleanup configuration
type Config struct {
	Home          string
	Interval      time.Duration // how often to sweep
	FileRetention time.Duration // how long orphaned temp files may linger
	DiskWarnPct   float64
	DiskErrorPct  float64
	// LiveSession reports whether the session currently has a child
	LiveSession func(sessionID string) bool
}

// DefaultConfig returns sensible defaults
func DefaultConfig(home string) Config {
	return Config{
		Home:          home,
		Interval:      time.Hour,
		FileRetention: 24 * time.Hour,
		DiskWarnPct:   80.0,
		DiskErrorPct:  90.0,
	}
}

// New creates a new Cleaner with the given configuration
func New(cfg Config) *Cleaner {
	live := cfg.LiveSession
	if live == nil {
		live = func(string) bool { return false }
	}
	return &Cleaner{
		home:      cfg.Home,
		tmpDir:    os.TempDir(),
		interval:  cfg.Interval,
		retention: cfg.FileRetention,
		diskWarn:  cfg.DiskWarnPct,
		diskError: cfg.DiskErrorPct,
		live:      live,
	}
}

// Start begins the periodic cleanup loop
func (c *Cleaner) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)

	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.runCleanup()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.runCleanup()
			}
		}
	}()

	logger.Info("cleanup started (interval=%v, retention=%v)", c.interval, c.retention)
}

// Stop halts the cleanup loop
func (c *Cleaner) Stop() {
	if c.cancel != nil {
		c.cancel()
		c.wg.Wait()
		logger.Info("cleanup stopped")
	}
}

func (c *Cleaner) runCleanup() {
	c.sweepCapabilityConfigs()
	c.sweepAttachments()
	c.checkDiskUsage()
}

// sweepCapabilityConfigs removes capability config files whose session
// no longer has a child. A crashed daemon leaves these behind.
func (c *Cleaner) sweepCapabilityConfigs() {
	cutoff := time.Now().Add(-c.retention)
	entries, err := os.ReadDir(c.tmpDir)
	if err != nil {
		return
	}

	var removed int
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "capability-") || !strings.HasSuffix(name, ".json") {
			continue
		}

		sessionID := strings.TrimSuffix(strings.TrimPrefix(name, "capability-"), ".json")
		if c.live(sessionID) {
			continue
		}

		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}

		if err := os.Remove(filepath.Join(c.tmpDir, name)); err == nil {
			removed++
		}
	}

	if removed > 0 {
		logger.Info("cleanup: removed %d orphaned capability configs", removed)
	}
}

// sweepAttachments removes spooled attachment files past retention
func (c *Cleaner) sweepAttachments() {
	cutoff := time.Now().Add(-c.retention)
	dir := filepath.Join(c.tmpDir, "seneschal-attachments")

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	var removed int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err == nil {
			removed++
		}
	}

	if removed > 0 {
		logger.Info("cleanup: removed %d stale attachments", removed)
	}
}

func (c *Cleaner) checkDiskUsage() {
	_, _, usedPercent, err := c.DiskUsage()
	if err != nil {
		return
	}

	if usedPercent >= c.diskError {
		logger.Error("disk usage at %.1f%% (home dir)", usedPercent)
	} else if usedPercent >= c.diskWarn {
		logger.Info("warning: disk usage at %.1f%% (home dir)", usedPercent)
	}
}

// DiskUsage returns current disk usage stats for the home directory
func (c *Cleaner) DiskUsage() (usedBytes, totalBytes uint64, usedPercent float64, err error) {
	var stat syscall.Statfs_t
	if err = syscall.Statfs(c.home, &stat); err != nil {
		return
	}

	totalBytes = stat.Blocks * uint64(stat.Bsize)
	freeBytes := stat.Bfree * uint64(stat.Bsize)
	usedBytes = totalBytes - freeBytes
	usedPercent = float64(usedBytes) / float64(totalBytes) * 100
	return
}
