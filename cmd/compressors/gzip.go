package compressors

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

// GzipCompressor handles Gzip compression
type GzipCompressor struct{}

// NewGzipCompressor creates a new Gzip compressor
func NewGzipCompressor() *GzipCompressor {
	return &GzipCompressor{}
}

// Compress compresses data using Gzip
func (c *GzipCompressor) Compress(data []byte, level int) ([]byte, error) {
	var buffer bytes.Buffer

	writer, err := c.NewWriter(&buffer, level)
	if err != nil {
		return nil, err
	}

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to compress data: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}

	return buffer.Bytes(), nil
}

// NewWriter creates a streaming gzip compression writer
func (c *GzipCompressor) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	// Validate and normalize level (1-9, or -1 for default)
	if level < 1 || level > 9 {
		level = gzip.DefaultCompression
	}

	writer, err := gzip.NewWriterLevel(w, level)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	return writer, nil
}

// OpenReader creates a streaming gzip decompression reader
func (c *GzipCompressor) OpenReader(r io.Reader) (io.ReadCloser, error) {
	reader, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	return reader, nil
}

// Extension returns the file extension for Gzip compression
func (c *GzipCompressor) Extension() string {
	return ".gz"
}

// DefaultLevel returns the default compression level for Gzip
func (c *GzipCompressor) DefaultLevel() int {
	return 6 // gzip.DefaultCompression
}
