package auditlog

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haroldsh/fulcrum/internal/logging"
)

// RetentionPolicy defines how many audit segments are retained on disk.
type RetentionPolicy struct {
	MaxSegments int
	MaxAge      time.Duration
}

// StorageStats summarises the disk footprint of persisted audit segments.
type StorageStats struct {
	Segments  int
	Bytes     int64
	LastSweep time.Time
}

// Cleaner periodically prunes audit segments according to a retention policy.
type Cleaner struct {
	mu     sync.RWMutex
	dir    string
	policy RetentionPolicy
	log    *logging.Logger
	now    func() time.Time
	stats  StorageStats
}

// NewCleaner constructs a cleaner for the provided audit directory.
func NewCleaner(dir string, policy RetentionPolicy, logger *logging.Logger) *Cleaner {
	if logger == nil {
		logger = logging.L()
	}
	return &Cleaner{dir: dir, policy: policy, log: logger, now: time.Now}
}

// Run executes retention sweeps until the context is cancelled.
func (c *Cleaner) Run(ctx context.Context, interval time.Duration) {
	if c == nil || ctx == nil {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	//1.- Sweep eagerly so retention applies immediately on startup.
	c.sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// RunOnce performs a single retention sweep, primarily used for tests.
func (c *Cleaner) RunOnce() {
	if c == nil {
		return
	}
	c.sweep()
}

// Stats returns the last recorded storage statistics.
func (c *Cleaner) Stats() StorageStats {
	if c == nil {
		return StorageStats{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

type segmentFile struct {
	id      string
	data    string
	header  string
	size    int64
	modTime time.Time
}

func (c *Cleaner) sweep() {
	if c == nil || strings.TrimSpace(c.dir) == "" {
		return
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.log.Warn("audit retention scan failed", logging.Error(err), logging.String("directory", c.dir))
		return
	}
	segments := c.collect(entries)
	now := c.now()
	kept := 0
	stats := StorageStats{LastSweep: now}
	for _, seg := range segments {
		shouldRemove, reason := c.shouldRemove(seg, now, kept)
		if shouldRemove {
			if err := c.remove(seg); err != nil {
				c.log.Warn("audit retention removal failed", logging.Error(err), logging.String("segment", seg.id))
				stats.Segments++
				stats.Bytes += seg.size
				kept++
			} else {
				c.log.Info("audit retention removed segment", logging.String("segment", seg.id), logging.String("reason", reason))
			}
			continue
		}
		kept++
		stats.Segments++
		stats.Bytes += seg.size
	}
	c.mu.Lock()
	c.stats = stats
	c.mu.Unlock()
}

func (c *Cleaner) collect(entries []os.DirEntry) []*segmentFile {
	segments := make(map[string]*segmentFile, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		base := name
		isHeader := false
		switch {
		case strings.HasSuffix(name, ".header.json"):
			base = strings.TrimSuffix(name, ".header.json")
			isHeader = true
		case strings.HasSuffix(name, ".jsonl.sz"):
			base = strings.TrimSuffix(name, ".jsonl.sz")
		default:
			continue
		}
		path := filepath.Join(c.dir, name)
		info, err := entry.Info()
		if err != nil {
			c.log.Warn("audit retention stat failed", logging.Error(err), logging.String("path", path))
			continue
		}
		seg := segments[base]
		if seg == nil {
			seg = &segmentFile{id: base, modTime: info.ModTime()}
			segments[base] = seg
		}
		if info.ModTime().After(seg.modTime) {
			seg.modTime = info.ModTime()
		}
		seg.size += info.Size()
		if isHeader {
			seg.header = path
		} else {
			seg.data = path
		}
	}
	list := make([]*segmentFile, 0, len(segments))
	for _, seg := range segments {
		list = append(list, seg)
	}
	//1.- Sort newest-first so retention limits favour recent segments.
	sort.Slice(list, func(i, j int) bool { return list[i].modTime.After(list[j].modTime) })
	return list
}

func (c *Cleaner) shouldRemove(seg *segmentFile, now time.Time, kept int) (bool, string) {
	reasons := make([]string, 0, 2)
	if c.policy.MaxAge > 0 && now.Sub(seg.modTime) > c.policy.MaxAge {
		reasons = append(reasons, fmt.Sprintf("age>%s", c.policy.MaxAge))
	}
	if c.policy.MaxSegments > 0 && kept >= c.policy.MaxSegments {
		reasons = append(reasons, fmt.Sprintf(">=%d segments", c.policy.MaxSegments))
	}
	return len(reasons) > 0, strings.Join(reasons, ", ")
}

func (c *Cleaner) remove(seg *segmentFile) error {
	var errs error
	if seg.data != "" {
		if err := os.Remove(seg.data); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = errors.Join(errs, err)
		}
	}
	if seg.header != "" {
		if err := os.Remove(seg.header); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}
