package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mailvault/mailvault/cmd/bundle"
	"github.com/mailvault/mailvault/cmd/compressors"
	"github.com/mailvault/mailvault/cmd/executor"
	"github.com/mailvault/mailvault/cmd/manifest"
	"github.com/mailvault/mailvault/cmd/stats"
	"github.com/mailvault/mailvault/cmd/store"
	"github.com/mailvault/mailvault/cmd/transfer"
)

// Static errors for rotation
var (
	ErrActivePeriod        = errors.New("refusing to rotate the active period")
	ErrArchiveHashMismatch = errors.New("sealed archive hash does not match after upload")
)

// Rotator folds a completed period's working set into one sealed archive.
// The merge-then-mark ordering makes rotation idempotent: a crash mid-merge
// leaves records synced-but-unarchived, which the next run re-merges.
type Rotator struct {
	config   *Config
	store    *store.Store
	journal  *manifest.Manifest
	remote   transfer.Remote
	counters *stats.Counters
	comp     compressors.Compressor
	logger   *slog.Logger
}

// NewRotator wires a rotator over the shared engine components.
func NewRotator(config *Config, st *store.Store, journal *manifest.Manifest,
	remote transfer.Remote, counters *stats.Counters, logger *slog.Logger) (*Rotator, error) {
	comp, err := compressors.GetCompressor(config.Compression)
	if err != nil {
		return nil, err
	}
	return &Rotator{
		config:   config,
		store:    st,
		journal:  journal,
		remote:   remote,
		counters: counters,
		comp:     comp,
		logger:   logger,
	}, nil
}

// maxRotatablePeriod returns the newest period eligible for rotation:
// strictly older than the retention window counted back from now.
func (r *Rotator) maxRotatablePeriod(now time.Time) int {
	return now.Year() - r.config.Retention - 1
}

// ArchivePeriod seals one period. The active period is always refused.
// If a sealed archive already exists remotely it is treated as
// authoritative: its members are not re-uploaded, only still-unarchived
// items are merged in.
func (r *Rotator) ArchivePeriod(ctx context.Context, period int) error {
	if period >= time.Now().Year() {
		return fmt.Errorf("%w: %d", ErrActivePeriod, period)
	}

	items, err := r.store.FetchUnarchived(ctx, period)
	if err != nil {
		return err
	}

	archivePath := bundle.ArchivePath(period, r.comp)
	remoteHash, err := r.remote.Hash(ctx, archivePath)
	archiveExists := err == nil
	if err != nil && !errors.Is(err, transfer.ErrNotFound) {
		return err
	}

	if len(items) == 0 {
		if archiveExists {
			r.logger.Debug(fmt.Sprintf("Period %d already sealed, nothing unarchived", period))
			return nil
		}
		archived, err := r.store.FetchArchived(ctx, period)
		if err != nil {
			return err
		}
		if len(archived) > 0 {
			// Rows claim membership in an archive that is not there. The
			// verify path classifies and repairs this; rotation only reports.
			r.logger.Error(fmt.Sprintf("🚨 Period %d has %d archived records but no sealed archive remotely", period, len(archived)))
		}
		return nil
	}

	r.logger.Info(fmt.Sprintf("📦 Rotating period %d: %d items to merge (archive present: %v)",
		period, len(items), archiveExists))

	if r.config.DryRun {
		r.logger.Info(fmt.Sprintf("  [dry-run] Would seal %d items into %s", len(items), archivePath))
		return nil
	}

	workDir, err := os.MkdirTemp("", "mailvault-rotate-")
	if err != nil {
		return fmt.Errorf("failed to create rotation workspace: %w", err)
	}
	defer os.RemoveAll(workDir)

	tree := filepath.Join(workDir, "tree")
	if err := os.MkdirAll(tree, 0o755); err != nil {
		return err
	}

	if archiveExists {
		if err := r.downloadAndExtract(ctx, archivePath, workDir, tree); err != nil {
			return err
		}
		r.logger.Debug(fmt.Sprintf("Merged existing archive for %d (remote hash %s)", period, remoteHash))
	}

	merged, err := r.mergeItems(items, tree)
	if err != nil {
		return err
	}

	sealed := filepath.Join(workDir, bundle.ArchiveName(period, r.comp))
	if err := r.seal(tree, sealed); err != nil {
		return err
	}

	if err := r.uploadArchive(ctx, sealed, archivePath); err != nil {
		return err
	}

	// Only after the sealed archive is confirmed in place do the rows flip
	// and their journal entries clear.
	if err := r.store.MarkArchived(ctx, period); err != nil {
		return err
	}
	for _, item := range items {
		if err := r.journal.Dequeue(item.Fingerprint); err != nil {
			return err
		}
	}

	r.counters.Add(stats.Archived, int64(merged))
	r.logger.Info(fmt.Sprintf("✅ Period %d sealed: %d new items merged into %s", period, merged, archivePath))
	return nil
}

// downloadAndExtract pulls the existing sealed archive into the merge tree.
func (r *Rotator) downloadAndExtract(ctx context.Context, archivePath, workDir, tree string) error {
	local := filepath.Join(workDir, "existing"+filepath.Ext(archivePath))
	if err := r.remote.Fetch(ctx, archivePath, local); err != nil {
		return fmt.Errorf("failed to download existing archive: %w", err)
	}

	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := bundle.Extract(f, r.comp, tree); err != nil {
		return fmt.Errorf("failed to extract existing archive: %w", err)
	}
	return nil
}

// mergeItems copies each item's file set into the tree under its
// fingerprint. Items already present with a matching hash are existing
// members of the authoritative archive and are skipped, not re-copied.
func (r *Rotator) mergeItems(items []store.Item, tree string) (int, error) {
	merged := 0
	for _, item := range items {
		dir := filepath.Join(tree, item.Fingerprint)
		target := filepath.Join(dir, filepath.Base(item.Path))

		// Existing members count as skipped only, not as newly archived
		if hash, err := transfer.HashFile(target); err == nil && hash == item.SHA256 {
			r.logger.Debug(fmt.Sprintf("  %s already a member of the archive", item.Fingerprint))
			r.counters.Add(stats.Skipped, 1)
			continue
		}

		if _, err := os.Stat(item.Path); err != nil {
			return merged, fmt.Errorf("%w: %s", ErrLocalSourceMissing, item.Path)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return merged, err
		}
		if err := copyFile(item.Path, target); err != nil {
			return merged, err
		}
		for _, att := range item.Attachments {
			if err := copyFile(att, filepath.Join(dir, filepath.Base(att))); err != nil {
				return merged, err
			}
		}
		merged++
	}
	return merged, nil
}

func (r *Rotator) seal(tree, sealed string) error {
	f, err := os.Create(sealed)
	if err != nil {
		return err
	}

	level := r.config.CompressionLevel
	if level == 0 {
		level = r.comp.DefaultLevel()
	}

	if err := bundle.Seal(f, tree, r.comp, level); err != nil {
		f.Close()
		return fmt.Errorf("failed to seal archive: %w", err)
	}
	return f.Close()
}

// uploadArchive places the sealed archive atomically and confirms its hash.
func (r *Rotator) uploadArchive(ctx context.Context, local, archivePath string) error {
	localHash, err := transfer.HashFile(local)
	if err != nil {
		return err
	}

	tmpRemote := archivePath + ".tmp-" + uuid.NewString()[:8]
	if err := r.remote.CopyTo(ctx, local, tmpRemote); err != nil {
		return err
	}
	if err := r.remote.MoveTo(ctx, tmpRemote, archivePath); err != nil {
		return err
	}

	remoteHash, err := r.remote.Hash(ctx, archivePath)
	if err != nil {
		return err
	}
	if remoteHash != localHash {
		r.logger.Warn(fmt.Sprintf("⚠️  Deleting corrupt sealed archive %s", archivePath))
		if derr := r.remote.Delete(ctx, archivePath); derr != nil {
			r.logger.Warn(fmt.Sprintf("⚠️  Failed to delete corrupt archive %s: %v", archivePath, derr))
		}
		return fmt.Errorf("%w: %s", ErrArchiveHashMismatch, archivePath)
	}
	return nil
}

// RotateAll seals every candidate period older than the retention window.
func (r *Rotator) RotateAll(ctx context.Context) (executor.Batch, error) {
	maxPeriod := r.maxRotatablePeriod(time.Now())
	periods, err := r.store.CandidatePeriods(ctx, maxPeriod)
	if err != nil {
		return executor.Batch{}, err
	}
	if len(periods) == 0 {
		r.logger.Info("✨ No periods eligible for rotation")
		return executor.Batch{}, nil
	}

	r.logger.Info(fmt.Sprintf("🔄 Rotating %d candidate periods (up to %d)", len(periods), maxPeriod))

	tasks := make([]executor.Task, 0, len(periods))
	for _, p := range periods {
		period := p
		tasks = append(tasks, executor.Task{
			ID: strconv.Itoa(period),
			Fn: func(taskCtx context.Context) error {
				return r.ArchivePeriod(taskCtx, period)
			},
		})
	}

	batch := executor.Run(ctx, "rotate", tasks, r.config.Workers, r.logger, func(res executor.Result) {
		if res.Err != nil && !errors.Is(res.Err, context.Canceled) {
			r.counters.Add(stats.Failed, 1)
		}
	})
	return batch, nil
}

// copyFile copies src to dst, creating or truncating dst.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
