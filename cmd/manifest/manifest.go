// Package manifest is the durable journal of in-flight upload intents.
// An entry is appended and fsynced before the upload it describes starts,
// and removed only after the store has committed the synced transition.
// Entries surviving a restart are ambiguous and must be re-verified against
// remote storage, never assumed failed or succeeded.
package manifest

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"
)

// Static errors for journal operations
var (
	ErrClosed = errors.New("manifest journal is closed")
)

// compactEvery bounds journal growth: after this many appended records the
// journal is rewritten with only live entries.
const compactEvery = 512

// Entry describes one intended upload.
type Entry struct {
	Fingerprint string    `json:"fingerprint"`
	LocalPath   string    `json:"local_path"`
	RemotePath  string    `json:"remote_path"`
	SHA256      string    `json:"sha256"`
	Attempts    int       `json:"attempts"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// record is one journal line: an addition or a tombstone.
type record struct {
	Op    string `json:"op"` // "add" or "del"
	Entry Entry  `json:"entry"`
}

const (
	opAdd = "add"
	opDel = "del"
)

// Manifest is an append-biased JSON-lines journal with atomic compaction.
// The mutex guards only short synchronous file writes; it is never held
// across a network call.
type Manifest struct {
	mu sync.Mutex

	path     string
	file     *os.File
	live     map[string]Entry
	appended int
	closed   bool
	logger   *slog.Logger
}

// Open loads the journal at path, compacts away tombstones, and leaves the
// file open for appending. A missing journal starts empty.
func Open(path string, logger *slog.Logger) (*Manifest, error) {
	m := &Manifest{
		path:   path,
		live:   make(map[string]Entry),
		logger: logger,
	}

	if err := m.load(); err != nil {
		return nil, err
	}

	// Startup compaction bounds replay cost and drops tombstones
	if err := m.compactLocked(); err != nil {
		return nil, err
	}

	if n := len(m.live); n > 0 {
		logger.Info(fmt.Sprintf("📋 Recovery journal holds %d unresolved entries", n))
	}

	return m, nil
}

func (m *Manifest) load() error {
	f, err := os.Open(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			// A torn final line from a crash mid-append is expected; anything
			// before the end is not, but either way the line carries no
			// confirmed state and replay handles the ambiguity.
			m.logger.Warn(fmt.Sprintf("⚠️  Skipping unreadable journal line %d: %v", line, err))
			continue
		}

		switch rec.Op {
		case opAdd:
			m.live[rec.Entry.Fingerprint] = rec.Entry
		case opDel:
			delete(m.live, rec.Entry.Fingerprint)
		default:
			m.logger.Warn(fmt.Sprintf("⚠️  Skipping unknown journal op %q at line %d", rec.Op, line))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}
	return nil
}

// compactLocked rewrites the journal with only live entries, then atomically
// replaces the old file. Caller context: Open (no lock needed yet) or an
// append path already holding the mutex.
func (m *Manifest) compactLocked() error {
	if m.file != nil {
		m.file.Close()
		m.file = nil
	}

	tmp := m.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create journal temp file: %w", err)
	}

	entries := m.sortedLive()
	w := bufio.NewWriter(f)
	for _, e := range entries {
		if err := writeRecord(w, record{Op: opAdd, Entry: e}); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to flush journal temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync journal temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close journal temp file: %w", err)
	}

	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace journal: %w", err)
	}

	file, err := os.OpenFile(m.path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to reopen journal: %w", err)
	}
	m.file = file
	m.appended = 0
	return nil
}

func writeRecord(w *bufio.Writer, rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode journal record: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write journal record: %w", err)
	}
	return nil
}

// appendLocked writes one record and fsyncs before returning. Durability of
// the add record is the contract the uploader relies on.
func (m *Manifest) appendLocked(rec record) error {
	if m.closed || m.file == nil {
		return ErrClosed
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode journal record: %w", err)
	}
	if _, err := m.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append journal record: %w", err)
	}
	if err := m.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}

	m.appended++
	if m.appended >= compactEvery {
		return m.compactLocked()
	}
	return nil
}

// Enqueue durably records an upload intent. It must complete before the
// corresponding upload task is dispatched.
func (m *Manifest) Enqueue(e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now().UTC()
	}
	if prev, ok := m.live[e.Fingerprint]; ok {
		// Re-enqueue of an unresolved entry keeps its age and counts the attempt
		e.Attempts = prev.Attempts + 1
		e.EnqueuedAt = prev.EnqueuedAt
	}

	if err := m.appendLocked(record{Op: opAdd, Entry: e}); err != nil {
		return err
	}
	m.live[e.Fingerprint] = e
	return nil
}

// Dequeue removes an entry after the store has committed the synced
// transition. Removing an absent fingerprint is a no-op.
func (m *Manifest) Dequeue(fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.live[fingerprint]; !ok {
		return nil
	}

	if err := m.appendLocked(record{Op: opDel, Entry: Entry{Fingerprint: fingerprint}}); err != nil {
		return err
	}
	delete(m.live, fingerprint)
	return nil
}

// Restore returns the surviving entries, oldest first. These must be
// resolved before any new work is dispatched.
func (m *Manifest) Restore() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedLive()
}

func (m *Manifest) sortedLive() []Entry {
	entries := make([]Entry, 0, len(m.live))
	for _, e := range m.live {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].EnqueuedAt.Equal(entries[j].EnqueuedAt) {
			return entries[i].Fingerprint < entries[j].Fingerprint
		}
		return entries[i].EnqueuedAt.Before(entries[j].EnqueuedAt)
	})
	return entries
}

// Resolved returns the entries whose remote object already holds the
// recorded hash, oldest first. The journal is left untouched: the caller
// commits the synced transition to the store first and dequeues only
// afterwards, the same order the upload path uses.
func (m *Manifest) Resolved(listing map[string]string) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var resolved []Entry
	for _, e := range m.sortedLive() {
		if hash, ok := listing[e.RemotePath]; ok && hash == e.SHA256 {
			resolved = append(resolved, e)
		}
	}
	return resolved
}

// Len returns the number of live entries.
func (m *Manifest) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Close compacts and closes the journal.
func (m *Manifest) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	if err := m.compactLocked(); err != nil {
		return err
	}
	m.closed = true
	if m.file != nil {
		err := m.file.Close()
		m.file = nil
		return err
	}
	return nil
}
