package auditlog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"
)

var segmentCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Writer streams audit events to a single snappy-compressed file of
// length-prefixed JSON frames, rotating to a fresh segment once
// MaxSegmentBytes is exceeded.
type Writer struct {
	mu              sync.Mutex
	dir             string
	now             func() time.Time
	maxSegmentBytes int64
	seq             int

	segmentID string
	file      *os.File
	stream    *snappy.Writer
	written   int64
}

// NewWriter prepares the audit directory and opens the first segment.
// maxSegmentBytes <= 0 disables rotation by size.
func NewWriter(dir string, maxSegmentBytes int64, clock func() time.Time) (*Writer, error) {
	if dir == "" {
		return nil, fmt.Errorf("auditlog directory must be provided")
	}
	if clock == nil {
		clock = time.Now
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	w := &Writer{dir: dir, now: clock, maxSegmentBytes: maxSegmentBytes}
	if err := w.openSegmentLocked(); err != nil {
		return nil, err
	}
	return w, nil
}

// Append encodes event as a length-prefixed JSON frame and writes it to the
// current segment, rotating first if the size cap has been reached.
func (w *Writer) Append(event Event) error {
	if w == nil {
		return fmt.Errorf("writer not initialised")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = w.now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.maxSegmentBytes > 0 && w.written >= w.maxSegmentBytes {
		if err := w.rotateLocked(); err != nil {
			return err
		}
	}

	//1.- Prefix each frame with its length so a reader can step through the
	// stream without re-parsing JSON to find boundaries.
	frame := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	copy(frame[4:], payload)
	n, err := w.stream.Write(frame)
	if err != nil {
		return err
	}
	w.written += int64(n)
	return w.stream.Flush()
}

// SegmentPath returns the path of the segment currently accepting writes.
func (w *Writer) SegmentPath() string {
	if w == nil || w.file == nil {
		return ""
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Name()
}

// Close flushes and releases the current segment's file handle.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeSegmentLocked()
}

func (w *Writer) openSegmentLocked() error {
	created := w.now().UTC()
	w.seq++
	segmentID := segmentCleaner.ReplaceAllString(fmt.Sprintf("%s-%04d", created.Format("20060102T150405"), w.seq), "-")
	dataPath := filepath.Join(w.dir, segmentID+".jsonl.sz")
	headerPath := filepath.Join(w.dir, segmentID+".header.json")

	file, err := os.Create(dataPath)
	if err != nil {
		return err
	}
	header := Header{SchemaVersion: HeaderSchemaVersion, SegmentID: segmentID, FilePointer: filepath.Base(dataPath)}
	if err := WriteHeader(headerPath, header); err != nil {
		file.Close()
		return err
	}

	w.segmentID = segmentID
	w.file = file
	w.stream = snappy.NewBufferedWriter(file)
	w.written = 0
	return nil
}

func (w *Writer) closeSegmentLocked() error {
	if w.stream == nil {
		return nil
	}
	var firstErr error
	if err := w.stream.Flush(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.stream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	w.stream = nil
	w.file = nil
	return firstErr
}

func (w *Writer) rotateLocked() error {
	if err := w.closeSegmentLocked(); err != nil {
		return err
	}
	return w.openSegmentLocked()
}

// ReadSegment decodes every event frame from a segment file written by
// Writer, in order. Used by admin tooling and tests to verify contents.
func ReadSegment(path string) ([]Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := snappy.NewReader(file)
	lenBuf := make([]byte, 4)
	var events []Event
	for {
		if _, err := io.ReadFull(reader, lenBuf); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		size := binary.LittleEndian.Uint32(lenBuf)
		payload := make([]byte, size)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return nil, err
		}
		var event Event
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}
