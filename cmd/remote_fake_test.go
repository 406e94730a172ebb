package cmd

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/mailvault/mailvault/cmd/manifest"
	"github.com/mailvault/mailvault/cmd/stats"
	"github.com/mailvault/mailvault/cmd/store"
	"github.com/mailvault/mailvault/cmd/transfer"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeRemote is an in-memory transfer.Remote for engine tests. It stores
// object bytes keyed by remote path and can inject failures and upload
// corruption.
type fakeRemote struct {
	mu      sync.Mutex
	objects map[string][]byte

	copies  int                       // CopyTo invocations
	copyErr func(remote string) error // optional failure injection
	corrupt bool                      // flip a byte on every stored object
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{objects: make(map[string][]byte)}
}

func (f *fakeRemote) CopyTo(_ context.Context, localPath, remotePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.copies++
	if f.copyErr != nil {
		if err := f.copyErr(remotePath); err != nil {
			return err
		}
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	if f.corrupt {
		data = append(append([]byte{}, data...), 0x00)
	}
	f.objects[remotePath] = data
	return nil
}

func (f *fakeRemote) MoveTo(_ context.Context, src, dst string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.objects[src]
	if !ok {
		return fmt.Errorf("%w: %s", transfer.ErrNotFound, src)
	}
	f.objects[dst] = data
	delete(f.objects, src)
	return nil
}

func (f *fakeRemote) Hash(_ context.Context, remotePath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.objects[remotePath]
	if !ok {
		return "", fmt.Errorf("%w: %s", transfer.ErrNotFound, remotePath)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func (f *fakeRemote) List(_ context.Context, prefix string) ([]transfer.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var objects []transfer.Object
	for path, data := range f.objects {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		sum := sha256.Sum256(data)
		objects = append(objects, transfer.Object{
			Path: path,
			Size: int64(len(data)),
			Hash: hex.EncodeToString(sum[:]),
		})
	}
	return objects, nil
}

func (f *fakeRemote) Delete(_ context.Context, remotePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, remotePath)
	return nil
}

func (f *fakeRemote) Fetch(_ context.Context, remotePath, localPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.objects[remotePath]
	if !ok {
		return fmt.Errorf("%w: %s", transfer.ErrNotFound, remotePath)
	}
	return os.WriteFile(localPath, data, 0o644)
}

func (f *fakeRemote) has(remotePath string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[remotePath]
	return ok
}

func (f *fakeRemote) put(remotePath string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[remotePath] = data
}

func (f *fakeRemote) copyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.copies
}

// testEngine bundles the real store and journal with the fake remote.
type testEngine struct {
	config   *Config
	store    *store.Store
	journal  *manifest.Manifest
	remote   *fakeRemote
	counters *stats.Counters
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()

	dir := t.TempDir()
	config := validTestConfig()
	config.MaildirPath = filepath.Join(dir, "mail")
	config.StateDir = filepath.Join(dir, "state")
	if err := os.MkdirAll(config.MaildirPath, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(config.StateDir, 0o755); err != nil {
		t.Fatal(err)
	}
	config.Store.Path = filepath.Join(config.StateDir, "mailvault.db")

	st, err := store.Open(context.Background(), store.Config{
		Driver:     store.DriverSQLite,
		Path:       config.Store.Path,
		MaxRetries: 3,
		RetryDelay: config.Store.RetryDelayDuration(),
	}, testLogger)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	journal, err := manifest.Open(filepath.Join(config.StateDir, "journal.wal"), testLogger)
	if err != nil {
		t.Fatalf("failed to open journal: %v", err)
	}
	t.Cleanup(func() { journal.Close() })

	return &testEngine{
		config:   config,
		store:    st,
		journal:  journal,
		remote:   newFakeRemote(),
		counters: stats.New(),
	}
}

func (e *testEngine) uploader() *Uploader {
	return NewUploader(e.config, e.store, e.journal, e.remote, e.counters, testLogger)
}

func (e *testEngine) checker() *Checker {
	return NewChecker(e.config, e.store, e.uploader(), e.remote, e.counters, testLogger)
}

func (e *testEngine) rotator(t *testing.T) *Rotator {
	t.Helper()
	r, err := NewRotator(e.config, e.store, e.journal, e.remote, e.counters, testLogger)
	if err != nil {
		t.Fatalf("failed to build rotator: %v", err)
	}
	return r
}

// seedItem writes a message body under the maildir, records it as processed,
// and returns the stored row.
func (e *testEngine) seedItem(t *testing.T, fingerprint string, period int, body string, attachments ...string) store.Item {
	t.Helper()
	ctx := context.Background()

	path := filepath.Join(e.config.MaildirPath, fingerprint+".eml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	sum := sha256.Sum256([]byte(body))
	item := store.Item{
		Fingerprint: fingerprint,
		Path:        path,
		Size:        int64(len(body)),
		SHA256:      hex.EncodeToString(sum[:]),
		Attachments: attachments,
		Period:      period,
	}
	if err := e.store.MarkProcessed(ctx, item); err != nil {
		t.Fatalf("failed to seed item %s: %v", fingerprint, err)
	}

	stored, err := e.store.FetchByFingerprint(ctx, fingerprint)
	if err != nil {
		t.Fatalf("failed to fetch seeded item %s: %v", fingerprint, err)
	}
	return stored
}

// seedAttachment writes an attachment file and returns its path.
func (e *testEngine) seedAttachment(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(e.config.MaildirPath, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}
