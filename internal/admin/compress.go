package admin

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

// Compressor applies symmetric compression to response bodies, the same
// small interface the teacher's gRPC layer uses for wire codecs.
type Compressor interface {
	Name() string
	Compress(data []byte) ([]byte, error)
}

type gzipCompressor struct{}

// NewGZIPCompressor constructs a Compressor backed by gzip, used to shrink
// the /registry/servers response for clients that advertise gzip support.
func NewGZIPCompressor() Compressor { return gzipCompressor{} }

func (gzipCompressor) Name() string { return "gzip" }

func (gzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

func gunzip(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer reader.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return nil, fmt.Errorf("gzip copy: %w", err)
	}
	return buf.Bytes(), nil
}
