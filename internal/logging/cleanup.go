package logging

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Cleaner prunes log files older than a retention period.
type Cleaner struct {
	baseDir       string
	retentionDays int
	log           *zap.SugaredLogger
}

// NewCleaner creates a Cleaner for baseDir. A retention of 0 keeps everything.
func NewCleaner(baseDir string, retentionDays int, log *zap.SugaredLogger) *Cleaner {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Cleaner{baseDir: baseDir, retentionDays: retentionDays, log: log}
}

// Cleanup removes *.log files last written before the retention period and
// then any directories left empty. Other files are never touched.
// Returns the number of files deleted and any error encountered.
func (c *Cleaner) Cleanup() (int, error) {
	if c.retentionDays <= 0 {
		return 0, nil
	}
	threshold := time.Now().AddDate(0, 0, -c.retentionDays)
	var deleted int

	err := filepath.Walk(c.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip errors
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".log") {
			return nil
		}
		if info.ModTime().Before(threshold) {
			if err := os.Remove(path); err == nil {
				deleted++
			}
		}
		return nil
	})

	c.cleanEmptyDirs()

	return deleted, err
}

// Run performs one cleanup and logs the outcome. It matches schedule.Job.
func (c *Cleaner) Run(ctx context.Context) {
	deleted, err := c.Cleanup()
	if err != nil {
		c.log.Warnw("log cleanup failed", "dir", c.baseDir, "error", err)
		return
	}
	if deleted > 0 {
		c.log.Infow("pruned old log files", "dir", c.baseDir, "deleted", deleted)
	}
}

// cleanEmptyDirs removes empty directories below the base directory,
// repeating until a pass removes nothing.
func (c *Cleaner) cleanEmptyDirs() {
	for {
		removedAny := false
		filepath.Walk(c.baseDir, func(path string, info os.FileInfo, err error) error {
			if err != nil || !info.IsDir() || path == c.baseDir {
				return nil
			}
			if entries, _ := os.ReadDir(path); len(entries) == 0 {
				if os.Remove(path) == nil {
					removedAny = true
				}
			}
			return nil
		})
		if !removedAny {
			break
		}
	}
}
