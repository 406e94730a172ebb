package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "message.eml")
	content := []byte("Subject: hash me\n\nbody bytes")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := HashFile(path)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}

	sum := sha256.Sum256(content)
	want := hex.EncodeToString(sum[:])
	if got != want {
		t.Fatalf("hash mismatch: got %s, want %s", got, want)
	}
}

func TestHashFileMissing(t *testing.T) {
	_, err := HashFile(filepath.Join(t.TempDir(), "nope.eml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestNewUnsupportedBackend(t *testing.T) {
	_, err := New(Config{Backend: "ftp"}, testLogger)
	if !errors.Is(err, ErrUnsupportedBackend) {
		t.Fatalf("expected ErrUnsupportedBackend, got %v", err)
	}
}

func TestNewRcloneBackend(t *testing.T) {
	remote, err := New(Config{
		Backend: BackendRclone,
		Rclone:  RcloneConfig{Remote: "b2:bucket/mail"},
	}, testLogger)
	if err != nil {
		t.Fatalf("rclone backend should construct without network access: %v", err)
	}
	if remote == nil {
		t.Fatal("expected a remote")
	}
}

func TestRcloneDefaults(t *testing.T) {
	r := NewRcloneRemote(RcloneConfig{Remote: "b2:bucket"}, testLogger)
	if r.config.Binary != "rclone" {
		t.Fatalf("default binary should be rclone, got %s", r.config.Binary)
	}
	if r.config.Timeout != 10*time.Minute {
		t.Fatalf("default timeout should be 10m, got %s", r.config.Timeout)
	}
}

func TestRcloneRemotePath(t *testing.T) {
	tests := []struct {
		remote string
		path   string
		want   string
	}{
		{"b2:bucket/mail", "2023/ab/fp", "b2:bucket/mail/2023/ab/fp"},
		{"b2:bucket/mail/", "2023/ab/fp", "b2:bucket/mail/2023/ab/fp"},
		{"b2:bucket", "/leading/slash", "b2:bucket/leading/slash"},
	}
	for _, tt := range tests {
		r := NewRcloneRemote(RcloneConfig{Remote: tt.remote}, testLogger)
		if got := r.remotePath(tt.path); got != tt.want {
			t.Fatalf("remotePath(%q, %q) = %q, want %q", tt.remote, tt.path, got, tt.want)
		}
	}
}
