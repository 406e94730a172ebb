// Package transfer abstracts remote object storage behind a small interface
// so the engine can talk to S3-compatible stores or anything rclone reaches.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Static errors for remote operations
var (
	ErrNotFound           = errors.New("remote object not found")
	ErrUnsupportedBackend = errors.New("unsupported remote backend")
	ErrHashUnavailable    = errors.New("remote hash unavailable")
)

// Supported backend names
const (
	BackendS3     = "s3"
	BackendRclone = "rclone"
)

// Object describes one remote object from a listing. Hash may be empty when
// the backend cannot report it cheaply.
type Object struct {
	Path string
	Size int64
	Hash string
}

// Remote is the transfer contract the engine depends on. Every call is
// blocking and honors ctx; a timeout is reported as an ordinary error and
// treated as a transient task failure by the caller.
type Remote interface {
	// CopyTo uploads a local file to remotePath.
	CopyTo(ctx context.Context, localPath, remotePath string) error

	// MoveTo renames a remote object. Used to finalize atomic uploads:
	// copy to a temp name, then move into place.
	MoveTo(ctx context.Context, src, dst string) error

	// Hash returns the SHA-256 of a remote object, or ErrNotFound.
	Hash(ctx context.Context, remotePath string) (string, error)

	// List enumerates objects under a prefix.
	List(ctx context.Context, prefix string) ([]Object, error)

	// Delete removes a remote object.
	Delete(ctx context.Context, remotePath string) error

	// Fetch downloads a remote object to localPath.
	Fetch(ctx context.Context, remotePath, localPath string) error
}

// Config selects and configures a backend.
type Config struct {
	Backend string
	S3      S3Config
	Rclone  RcloneConfig
}

// New builds the configured Remote.
func New(cfg Config, logger *slog.Logger) (Remote, error) {
	switch cfg.Backend {
	case BackendS3:
		return NewS3Remote(cfg.S3, logger)
	case BackendRclone:
		return NewRcloneRemote(cfg.Rclone, logger), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, cfg.Backend)
	}
}

// HashFile computes the SHA-256 of a local file, streamed.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
