// Package auditlog records bus error-path events (malformed envelopes,
// missing handlers, dropped duplicates, identity conflicts) to disk as
// length-prefixed snappy-compressed JSON frames, the way the teacher's
// internal/replay package records match frames, so an operator can
// reconstruct what went wrong with a registration storm after the fact.
package auditlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// HeaderSchemaVersion tracks the schema version for audit segment headers.
const HeaderSchemaVersion = 1

// Header represents the metadata persisted alongside an audit segment file.
type Header struct {
	SchemaVersion int    `json:"schema_version"`
	SegmentID     string `json:"segment_id"`
	FilePointer   string `json:"file_pointer"`
}

// Validate ensures the header carries enough information for later tooling
// to locate and identify the segment it describes.
func (h Header) Validate() error {
	if h.SchemaVersion <= 0 {
		return fmt.Errorf("schema_version must be positive")
	}
	if strings.TrimSpace(h.SegmentID) == "" {
		return fmt.Errorf("segment_id must not be empty")
	}
	if strings.TrimSpace(h.FilePointer) == "" {
		return fmt.Errorf("file_pointer must not be empty")
	}
	return nil
}

// WriteHeader persists the supplied header to the provided file path.
func WriteHeader(path string, header Header) error {
	if err := header.Validate(); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(header, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	//1.- Terminate with a newline so POSIX tooling can append easily.
	return os.WriteFile(path, append(payload, '\n'), 0o644)
}

// ReadHeader loads and decodes an audit segment header from disk.
func ReadHeader(path string) (Header, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Header{}, err
	}
	var header Header
	if err := json.Unmarshal(data, &header); err != nil {
		return Header{}, err
	}
	if err := header.Validate(); err != nil {
		return Header{}, err
	}
	return header, nil
}
