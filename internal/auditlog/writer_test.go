package auditlog

import (
	"path/filepath"
	"testing"
	"time"
)

func TestAppendThenReadSegmentRoundTrips(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 7, 15, 12, 0, 0, 0, time.UTC)
	w, err := NewWriter(dir, 0, func() time.Time { return now })
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	events := []Event{
		{Kind: KindMalformedEnvelope, EnvelopeType: "fulcrum.registry.registration.request", Detail: "missing sender_id"},
		{Kind: KindNoHandler, EnvelopeType: "fulcrum.custom.unknown", SenderID: "gs-0"},
		{Kind: KindDuplicate, CorrelationID: "corr-1"},
		{Kind: KindIdentityConflict, SenderID: "gs-5", Detail: "instance uuid mismatch"},
	}
	for _, e := range events {
		if err := w.Append(e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	path := w.SegmentPath()
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got, err := ReadSegment(path)
	if err != nil {
		t.Fatalf("read segment: %v", err)
	}
	if len(got) != len(events) {
		t.Fatalf("expected %d events, got %d", len(events), len(got))
	}
	for i, want := range events {
		if got[i].Kind != want.Kind || got[i].EnvelopeType != want.EnvelopeType || got[i].SenderID != want.SenderID || got[i].Detail != want.Detail {
			t.Fatalf("event %d mismatch: got %+v want %+v", i, got[i], want)
		}
		if got[i].OccurredAt.IsZero() {
			t.Fatalf("event %d missing occurred_at stamp", i)
		}
	}
}

func TestNewWriterWritesHeaderAlongsideSegment(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 7, 15, 12, 0, 0, 0, time.UTC)
	w, err := NewWriter(dir, 0, func() time.Time { return now })
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer w.Close()

	dataPath := w.SegmentPath()
	headerPath := dataPath[:len(dataPath)-len(".jsonl.sz")] + ".header.json"
	header, err := ReadHeader(headerPath)
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if header.SchemaVersion != HeaderSchemaVersion {
		t.Fatalf("expected schema version %d, got %d", HeaderSchemaVersion, header.SchemaVersion)
	}
	if header.FilePointer != filepath.Base(dataPath) {
		t.Fatalf("expected file pointer %q, got %q", filepath.Base(dataPath), header.FilePointer)
	}
}

func TestAppendRotatesSegmentOnceSizeCapExceeded(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 7, 15, 12, 0, 0, 0, time.UTC)
	w, err := NewWriter(dir, 1, func() time.Time { return now })
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer w.Close()

	first := w.SegmentPath()
	if err := w.Append(Event{Kind: KindNoHandler}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Append(Event{Kind: KindNoHandler}); err != nil {
		t.Fatalf("append: %v", err)
	}
	second := w.SegmentPath()
	if first == second {
		t.Fatalf("expected rotation to open a new segment file")
	}
}
