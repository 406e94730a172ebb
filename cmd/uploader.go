package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/mailvault/mailvault/cmd/executor"
	"github.com/mailvault/mailvault/cmd/manifest"
	"github.com/mailvault/mailvault/cmd/stats"
	"github.com/mailvault/mailvault/cmd/store"
	"github.com/mailvault/mailvault/cmd/transfer"
)

// Static errors for upload operations
var (
	ErrAttachmentMissing  = errors.New("required attachment missing on disk")
	ErrLocalSourceMissing = errors.New("local source file missing")
	ErrRemoteHashMismatch = errors.New("remote hash does not match local content after upload")
)

// Uploader moves processed items to remote storage with the
// durable-before-start, removed-after-commit journal bracket: an intent is
// fsynced into the recovery journal before any network call, and cleared
// only after the store has committed the synced transition.
type Uploader struct {
	config   *Config
	store    *store.Store
	journal  *manifest.Manifest
	remote   transfer.Remote
	counters *stats.Counters
	template *PathTemplate
	logger   *slog.Logger
}

// NewUploader wires an uploader over the shared engine components.
func NewUploader(config *Config, st *store.Store, journal *manifest.Manifest,
	remote transfer.Remote, counters *stats.Counters, logger *slog.Logger) *Uploader {
	return &Uploader{
		config:   config,
		store:    st,
		journal:  journal,
		remote:   remote,
		counters: counters,
		template: NewPathTemplate(config.PathTemplate),
		logger:   logger,
	}
}

// bodyRemotePath returns the deterministic remote object path for an item's
// message body.
func (u *Uploader) bodyRemotePath(item store.Item) string {
	dir := u.template.Generate(item.Period, item.Fingerprint)
	return dir + "/" + filepath.Base(item.Path)
}

// Replay resolves every surviving journal entry before new work is
// dispatched. Entries whose remote object already matches are marked synced
// without re-uploading; the rest go back through the normal upload path.
// Entries naming fingerprints unknown to the store are discarded: the store
// is authoritative, and such orphans indicate a prior bug or manual edits.
func (u *Uploader) Replay(ctx context.Context) (executor.Batch, error) {
	entries := u.journal.Restore()
	if len(entries) == 0 {
		return executor.Batch{}, nil
	}

	u.logger.Info(fmt.Sprintf("🔁 Replaying %d unresolved uploads from the recovery journal", len(entries)))

	// Discard orphans loudly
	kept := entries[:0]
	for _, e := range entries {
		if _, err := u.store.FetchByFingerprint(ctx, e.Fingerprint); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				u.logger.Error(fmt.Sprintf("🚨 Journal entry %s is unknown to the store; discarding (state corruption, store wins)", e.Fingerprint))
				if derr := u.journal.Dequeue(e.Fingerprint); derr != nil {
					return executor.Batch{}, derr
				}
				continue
			}
			return executor.Batch{}, err
		}
		kept = append(kept, e)
	}

	// Re-verify against remote reality: trust neither the journal nor the
	// store's absence of a synced mark.
	listing := make(map[string]string, len(kept))
	for _, e := range kept {
		select {
		case <-ctx.Done():
			return executor.Batch{}, ctx.Err()
		default:
		}

		hash, err := u.remote.Hash(ctx, e.RemotePath)
		if err != nil {
			if !errors.Is(err, transfer.ErrNotFound) {
				u.logger.Debug(fmt.Sprintf("Remote hash for %s unavailable, will re-upload: %v", e.RemotePath, err))
			}
			continue
		}
		listing[e.RemotePath] = hash
	}

	// Same commit order as uploadItem: synced in the store first, journal
	// entry cleared only afterwards.
	for _, e := range u.journal.Resolved(listing) {
		if err := u.store.MarkSynced(ctx, e.Fingerprint, e.SHA256, e.RemotePath); err != nil {
			return executor.Batch{}, err
		}
		if err := u.journal.Dequeue(e.Fingerprint); err != nil {
			return executor.Batch{}, err
		}
		u.counters.Add(stats.BackedUp, 1)
		u.logger.Info(fmt.Sprintf("✅ %s already present remotely, confirmed without re-upload", e.Fingerprint))
	}

	// Everything still queued needs the full upload path again
	remaining := u.journal.Restore()
	if len(remaining) == 0 {
		return executor.Batch{}, nil
	}

	tasks := make([]executor.Task, 0, len(remaining))
	for _, e := range remaining {
		entry := e
		item, err := u.store.FetchByFingerprint(ctx, entry.Fingerprint)
		if err != nil {
			return executor.Batch{}, err
		}
		tasks = append(tasks, executor.Task{
			ID: entry.Fingerprint,
			Fn: func(taskCtx context.Context) error {
				return u.uploadItem(taskCtx, item, entry)
			},
		})
	}

	return executor.Run(ctx, "replay", tasks, u.config.Workers, u.logger, u.onTaskDone), nil
}

// IncrementalUpload backs up every processed, unsynced item, oldest first.
// Each item's journal entry is durable before its task is dispatched.
func (u *Uploader) IncrementalUpload(ctx context.Context) (executor.Batch, error) {
	items, err := u.store.FetchUnsynced(ctx, nil)
	if err != nil {
		return executor.Batch{}, err
	}
	if len(items) == 0 {
		u.logger.Info("✨ Nothing to back up, store is fully synced")
		return executor.Batch{}, nil
	}

	u.logger.Info(fmt.Sprintf("📤 Backing up %d items with %d workers", len(items), u.config.Workers))

	if u.config.DryRun {
		for _, item := range items {
			u.logger.Info(fmt.Sprintf("  [dry-run] Would upload %s to %s", item.Fingerprint, u.bodyRemotePath(item)))
			u.counters.Add(stats.Skipped, 1)
		}
		return executor.Batch{}, nil
	}

	tasks := make([]executor.Task, 0, len(items))
	for _, it := range items {
		item := it
		entry := manifest.Entry{
			Fingerprint: item.Fingerprint,
			LocalPath:   item.Path,
			RemotePath:  u.bodyRemotePath(item),
			SHA256:      item.SHA256,
		}
		if err := u.journal.Enqueue(entry); err != nil {
			return executor.Batch{}, fmt.Errorf("failed to journal upload intent for %s: %w", item.Fingerprint, err)
		}
		tasks = append(tasks, executor.Task{
			ID: item.Fingerprint,
			Fn: func(taskCtx context.Context) error {
				return u.uploadItem(taskCtx, item, entry)
			},
		})
	}

	return executor.Run(ctx, "backup", tasks, u.config.Workers, u.logger, u.onTaskDone), nil
}

// UploadOne runs the full journaled upload path for a single item. The
// integrity engine reuses it so repairs inherit the same durability bracket.
func (u *Uploader) UploadOne(ctx context.Context, item store.Item) error {
	entry := manifest.Entry{
		Fingerprint: item.Fingerprint,
		LocalPath:   item.Path,
		RemotePath:  u.bodyRemotePath(item),
		SHA256:      item.SHA256,
	}
	if err := u.journal.Enqueue(entry); err != nil {
		return fmt.Errorf("failed to journal upload intent for %s: %w", item.Fingerprint, err)
	}
	return u.uploadItem(ctx, item, entry)
}

func (u *Uploader) onTaskDone(r executor.Result) {
	switch {
	case r.Err == nil:
		u.counters.Add(stats.BackedUp, 1)
	case errors.Is(r.Err, context.Canceled) || errors.Is(r.Err, context.DeadlineExceeded):
		// Outcome unknown; the journal entry survives for the next replay
	default:
		u.counters.Add(stats.Failed, 1)
	}
}

// uploadItem performs one journaled upload: verify the local set, copy the
// attachments, upload the body to a temporary name, move it into place,
// verify the remote hash, then mark synced and clear the journal entry.
func (u *Uploader) uploadItem(ctx context.Context, item store.Item, entry manifest.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// The whole message set must exist on disk; a body uploaded with
	// dangling attachment references is worse than a retried upload.
	if _, err := os.Stat(item.Path); err != nil {
		return fmt.Errorf("%w: %s", ErrLocalSourceMissing, item.Path)
	}
	for _, att := range item.Attachments {
		if _, err := os.Stat(att); err != nil {
			return fmt.Errorf("%w: %s", ErrAttachmentMissing, att)
		}
	}

	remoteDir := path.Dir(entry.RemotePath)
	for _, att := range item.Attachments {
		if err := u.remote.CopyTo(ctx, att, remoteDir+"/"+filepath.Base(att)); err != nil {
			return fmt.Errorf("failed to upload attachment %s: %w", filepath.Base(att), err)
		}
	}

	// Atomic body upload: temp name first, then move into place
	tmpRemote := entry.RemotePath + ".tmp-" + uuid.NewString()[:8]
	if err := u.remote.CopyTo(ctx, item.Path, tmpRemote); err != nil {
		return err
	}
	if err := u.remote.MoveTo(ctx, tmpRemote, entry.RemotePath); err != nil {
		return err
	}

	if err := u.verifyRemote(ctx, entry); err != nil {
		return err
	}

	// Commit order is load-bearing: synced in the store first, journal
	// entry cleared only afterwards.
	if err := u.store.MarkSynced(ctx, entry.Fingerprint, entry.SHA256, entry.RemotePath); err != nil {
		return err
	}
	if err := u.journal.Dequeue(entry.Fingerprint); err != nil {
		return err
	}

	u.logger.Debug(fmt.Sprintf("  ✅ %s synced to %s", entry.Fingerprint, entry.RemotePath))
	return nil
}

// verifyRemote confirms the uploaded object's hash with bounded retries,
// deleting the bad object on a persistent mismatch so a corrupt upload
// never masquerades as a good one.
func (u *Uploader) verifyRemote(ctx context.Context, entry manifest.Entry) error {
	retries := u.config.UploadRetries
	var lastErr error

	for attempt := 0; attempt <= retries; attempt++ {
		hash, err := u.remote.Hash(ctx, entry.RemotePath)
		if err != nil {
			lastErr = err
			continue
		}
		if hash == entry.SHA256 {
			return nil
		}
		lastErr = fmt.Errorf("%w: %s: got %s, want %s", ErrRemoteHashMismatch, entry.RemotePath, hash, entry.SHA256)
	}

	if errors.Is(lastErr, ErrRemoteHashMismatch) {
		u.logger.Warn(fmt.Sprintf("⚠️  Deleting corrupt remote object %s", entry.RemotePath))
		if derr := u.remote.Delete(ctx, entry.RemotePath); derr != nil {
			u.logger.Warn(fmt.Sprintf("⚠️  Failed to delete corrupt remote object %s: %v", entry.RemotePath, derr))
		}
	}
	return lastErr
}
