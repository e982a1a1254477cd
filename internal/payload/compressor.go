package payload

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Algo selects the compression algorithm used when shipping a payload.
type Algo string

const (
	// AlgoGzip is the default, widely-interoperable choice — every
	// ingest server can decode it without an extra dependency.
	AlgoGzip Algo = "gzip"
	// AlgoZstd trades interoperability for a denser payload on
	// text-heavy transcripts, for endpoints known to support it.
	AlgoZstd Algo = "zstd"
)

// CompressResult reports both the compressed size shipped and the
// uncompressed size it replaced, so callers can log a ratio.
type CompressResult struct {
	Compressed   []byte
	Uncompressed int
}

// BuildAndCompress builds the ingest payload and streams its JSON
// encoding directly into the chosen compressor. The full uncompressed
// JSON is never held in memory as a single buffer — json.Encoder
// writes tokens straight into the compressor's internal buffer.
func BuildAndCompress(payload IngestPayload, algo Algo) (CompressResult, error) {
	var buf bytes.Buffer
	counting := &countingWriter{}

	switch algo {
	case AlgoZstd:
		zw, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return CompressResult{}, fmt.Errorf("creating zstd writer: %w", err)
		}
		enc := json.NewEncoder(io.MultiWriter(zw, counting))
		if err := enc.Encode(payload); err != nil {
			_ = zw.Close()
			return CompressResult{}, fmt.Errorf("encoding payload: %w", err)
		}
		if err := zw.Close(); err != nil {
			return CompressResult{}, fmt.Errorf("closing zstd writer: %w", err)
		}
	case AlgoGzip, "":
		gw, _ := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
		enc := json.NewEncoder(io.MultiWriter(gw, counting))
		if err := enc.Encode(payload); err != nil {
			_ = gw.Close()
			return CompressResult{}, fmt.Errorf("encoding payload: %w", err)
		}
		if err := gw.Close(); err != nil {
			return CompressResult{}, fmt.Errorf("closing gzip writer: %w", err)
		}
	default:
		return CompressResult{}, fmt.Errorf("unknown compression algorithm %q", algo)
	}

	return CompressResult{Compressed: buf.Bytes(), Uncompressed: counting.n}, nil
}

// countingWriter tracks how many bytes were written, without
// retaining them, so BuildAndCompress can report an uncompressed size
// alongside the compressed bytes without buffering the JSON twice.
type countingWriter struct{ n int }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += len(p)
	return len(p), nil
}
