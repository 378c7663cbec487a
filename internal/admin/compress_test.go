package admin

import "testing"

func TestGZIPCompressorRoundTrips(t *testing.T) {
	c := NewGZIPCompressor()
	original := []byte(`{"hello":"world"}`)

	compressed, err := c.Compress(original)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if len(compressed) == 0 {
		t.Fatalf("expected non-empty compressed payload")
	}

	restored, err := gunzip(compressed)
	if err != nil {
		t.Fatalf("gunzip: %v", err)
	}
	if string(restored) != string(original) {
		t.Fatalf("expected round-trip to restore original payload, got %q", restored)
	}
	if c.Name() != "gzip" {
		t.Fatalf("expected codec name gzip, got %q", c.Name())
	}
}
