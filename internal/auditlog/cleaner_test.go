package auditlog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/haroldsh/fulcrum/internal/logging"
)

func writeSegmentFiles(t *testing.T, dir, id string, modTime time.Time, dataSize int) {
	t.Helper()
	dataPath := filepath.Join(dir, id+".jsonl.sz")
	headerPath := filepath.Join(dir, id+".header.json")
	if err := os.WriteFile(dataPath, make([]byte, dataSize), 0o644); err != nil {
		t.Fatalf("write data file: %v", err)
	}
	if err := os.WriteFile(headerPath, []byte(`{"schema_version":1,"segment_id":"`+id+`","file_pointer":"`+id+`.jsonl.sz"}`), 0o644); err != nil {
		t.Fatalf("write header file: %v", err)
	}
	if err := os.Chtimes(dataPath, modTime, modTime); err != nil {
		t.Fatalf("chtimes data: %v", err)
	}
	if err := os.Chtimes(headerPath, modTime, modTime); err != nil {
		t.Fatalf("chtimes header: %v", err)
	}
}

func listSegments(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestCleanerEnforcesMaxSegments(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 7, 15, 12, 0, 0, 0, time.UTC)
	writeSegmentFiles(t, dir, "alpha", now.Add(-3*time.Hour), 64)
	writeSegmentFiles(t, dir, "bravo", now.Add(-2*time.Hour), 32)
	writeSegmentFiles(t, dir, "charlie", now.Add(-time.Hour), 48)

	cleaner := NewCleaner(dir, RetentionPolicy{MaxSegments: 2}, logging.NewTestLogger())
	cleaner.now = func() time.Time { return now }
	cleaner.RunOnce()

	remaining := listSegments(t, dir)
	if len(remaining) != 4 {
		t.Fatalf("expected 2 segments (4 files) retained, got %d (%v)", len(remaining), remaining)
	}

	stats := cleaner.Stats()
	if stats.Segments != 2 {
		t.Fatalf("expected stats to report 2 segments, got %d", stats.Segments)
	}
	if stats.LastSweep.IsZero() {
		t.Fatalf("expected last sweep timestamp to be recorded")
	}
}

func TestCleanerPrunesByAge(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 7, 16, 9, 0, 0, 0, time.UTC)
	writeSegmentFiles(t, dir, "stale", now.Add(-48*time.Hour), 16)
	writeSegmentFiles(t, dir, "fresh", now.Add(-time.Hour), 16)

	cleaner := NewCleaner(dir, RetentionPolicy{MaxAge: 36 * time.Hour}, logging.NewTestLogger())
	cleaner.now = func() time.Time { return now }
	cleaner.RunOnce()

	remaining := listSegments(t, dir)
	for _, name := range remaining {
		if name == "stale.jsonl.sz" || name == "stale.header.json" {
			t.Fatalf("expected stale segment to be pruned, found %q", name)
		}
	}
	if len(remaining) != 2 {
		t.Fatalf("expected fresh segment's 2 files retained, got %v", remaining)
	}
}

func TestCleanerRunStopsOnContextCancel(t *testing.T) {
	dir := t.TempDir()
	writeSegmentFiles(t, dir, "alpha", time.Now(), 16)
	cleaner := NewCleaner(dir, RetentionPolicy{}, logging.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		cleaner.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected Run to return after context cancellation")
	}
	if cleaner.Stats().LastSweep.IsZero() {
		t.Fatalf("expected at least the eager sweep to have run")
	}
}
