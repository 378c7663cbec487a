package auditlog

import (
	"path/filepath"
	"testing"
)

func TestWriteAndReadHeader(t *testing.T) {
	dir := t.TempDir()
	header := Header{
		SchemaVersion: HeaderSchemaVersion,
		SegmentID:     "segment-9",
		FilePointer:   "segment-9.jsonl.sz",
	}
	path := filepath.Join(dir, "segment-9.header.json")
	if err := WriteHeader(path, header); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	loaded, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if loaded.SchemaVersion != header.SchemaVersion || loaded.SegmentID != header.SegmentID {
		t.Fatalf("unexpected header values: %+v", loaded)
	}
	if loaded.FilePointer != header.FilePointer {
		t.Fatalf("unexpected file pointer: %q", loaded.FilePointer)
	}
}

func TestHeaderValidateRejectsMissingSegmentID(t *testing.T) {
	header := Header{SchemaVersion: HeaderSchemaVersion, FilePointer: "segment.jsonl.sz"}
	if err := header.Validate(); err == nil {
		t.Fatalf("expected validation error for missing segment_id")
	}
}

func TestHeaderValidateRejectsMissingFilePointer(t *testing.T) {
	header := Header{SchemaVersion: HeaderSchemaVersion, SegmentID: "segment-9"}
	if err := header.Validate(); err == nil {
		t.Fatalf("expected validation error for missing file_pointer")
	}
}
