package compressors

import (
	"errors"
	"fmt"
	"io"
)

// ErrUnsupportedCompression is returned when an unsupported compression type is requested
var ErrUnsupportedCompression = errors.New("unsupported compression type")

// Compressor defines the interface for compression handlers
type Compressor interface {
	// Compress compresses the input data in one shot
	Compress(data []byte, level int) ([]byte, error)

	// NewWriter creates a streaming compression writer around w.
	// The caller must Close the writer to flush trailing frames.
	NewWriter(w io.Writer, level int) (io.WriteCloser, error)

	// OpenReader creates a streaming decompression reader around r
	OpenReader(r io.Reader) (io.ReadCloser, error)

	// Extension returns the file extension for this compression (e.g., ".zst", ".lz4", ".gz")
	Extension() string

	// DefaultLevel returns the default compression level
	DefaultLevel() int
}

// GetCompressor returns the appropriate compressor based on the compression string
func GetCompressor(compression string) (Compressor, error) {
	switch compression {
	case "zstd":
		return NewZstdCompressor(), nil
	case "lz4":
		return NewLZ4Compressor(), nil
	case "gzip":
		return NewGzipCompressor(), nil
	case "none":
		return NewNoneCompressor(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCompression, compression)
	}
}
