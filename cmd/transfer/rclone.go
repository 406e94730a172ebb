package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// RcloneConfig configures the rclone subprocess wrapper.
type RcloneConfig struct {
	Remote  string        // rclone destination, e.g. "b2:bucket/mail"
	Binary  string        // rclone executable, default "rclone"
	Timeout time.Duration // per-invocation timeout, default 10m
}

// RcloneRemote implements Remote by shelling out to rclone. Every
// invocation runs under a bounded timeout; an expired timeout surfaces as
// an ordinary error and is handled as a transient task failure upstream.
type RcloneRemote struct {
	config RcloneConfig
	logger *slog.Logger
}

// NewRcloneRemote creates an rclone-backed remote.
func NewRcloneRemote(cfg RcloneConfig, logger *slog.Logger) *RcloneRemote {
	if cfg.Binary == "" {
		cfg.Binary = "rclone"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &RcloneRemote{config: cfg, logger: logger}
}

func (r *RcloneRemote) remotePath(p string) string {
	return strings.TrimSuffix(r.config.Remote, "/") + "/" + strings.TrimPrefix(p, "/")
}

// run executes one rclone invocation and returns its stdout.
func (r *RcloneRemote) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	r.logger.Debug(fmt.Sprintf("Running %s %s", r.config.Binary, strings.Join(args, " ")))

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.config.Binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("rclone %s timed out: %w", args[0], ctx.Err())
		}
		return nil, fmt.Errorf("rclone %s failed: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// exitedNotFound reports whether an rclone failure means "no such object".
// rclone exits 3 for a missing directory and 4 for a missing file.
func exitedNotFound(err error) bool {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		return code == 3 || code == 4
	}
	return false
}

// CopyTo uploads a local file.
func (r *RcloneRemote) CopyTo(ctx context.Context, localPath, remotePath string) error {
	_, err := r.run(ctx, "copyto", localPath, r.remotePath(remotePath))
	return err
}

// MoveTo renames a remote object.
func (r *RcloneRemote) MoveTo(ctx context.Context, src, dst string) error {
	_, err := r.run(ctx, "moveto", r.remotePath(src), r.remotePath(dst))
	return err
}

// Hash returns the remote SHA-256, or ErrNotFound.
func (r *RcloneRemote) Hash(ctx context.Context, remotePath string) (string, error) {
	out, err := r.run(ctx, "hashsum", "sha256", r.remotePath(remotePath))
	if err != nil {
		if exitedNotFound(err) || strings.Contains(err.Error(), "not found") {
			return "", fmt.Errorf("%w: %s", ErrNotFound, remotePath)
		}
		return "", err
	}

	// Output format: "<hash>  <name>"
	line := strings.TrimSpace(string(out))
	if line == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, remotePath)
	}
	fields := strings.Fields(line)
	if len(fields) < 1 || len(fields[0]) != 64 {
		return "", fmt.Errorf("%w: unexpected hashsum output for %s: %q", ErrHashUnavailable, remotePath, line)
	}
	return fields[0], nil
}

// lsjsonEntry is the subset of rclone lsjson output the engine uses.
type lsjsonEntry struct {
	Path   string            `json:"Path"`
	Size   int64             `json:"Size"`
	IsDir  bool              `json:"IsDir"`
	Hashes map[string]string `json:"Hashes"`
}

// List enumerates objects under a prefix, with hashes when the backend
// provides them.
func (r *RcloneRemote) List(ctx context.Context, prefix string) ([]Object, error) {
	out, err := r.run(ctx, "lsjson", "-R", "--hash", r.remotePath(prefix))
	if err != nil {
		if exitedNotFound(err) || strings.Contains(err.Error(), "not found") {
			return nil, nil
		}
		return nil, err
	}

	var entries []lsjsonEntry
	if err := json.Unmarshal(out, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse lsjson output: %w", err)
	}

	var objects []Object
	for _, e := range entries {
		if e.IsDir {
			continue
		}
		objects = append(objects, Object{
			Path: strings.TrimSuffix(prefix, "/") + "/" + e.Path,
			Size: e.Size,
			Hash: e.Hashes["sha256"],
		})
	}
	return objects, nil
}

// Delete removes a remote object.
func (r *RcloneRemote) Delete(ctx context.Context, remotePath string) error {
	_, err := r.run(ctx, "deletefile", r.remotePath(remotePath))
	return err
}

// Fetch downloads a remote object to a local file.
func (r *RcloneRemote) Fetch(ctx context.Context, remotePath, localPath string) error {
	_, err := r.run(ctx, "copyto", r.remotePath(remotePath), localPath)
	if err != nil && (exitedNotFound(err) || strings.Contains(err.Error(), "not found")) {
		return fmt.Errorf("%w: %s", ErrNotFound, remotePath)
	}
	return err
}
