package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mailvault/mailvault/cmd/bundle"
	"github.com/mailvault/mailvault/cmd/compressors"
	"github.com/mailvault/mailvault/cmd/stats"
)

func TestArchivePeriodRefusesActive(t *testing.T) {
	eng := newTestEngine(t)
	rot := eng.rotator(t)

	err := rot.ArchivePeriod(context.Background(), time.Now().Year())
	if !errors.Is(err, ErrActivePeriod) {
		t.Fatalf("expected ErrActivePeriod for the current year, got %v", err)
	}
	err = rot.ArchivePeriod(context.Background(), time.Now().Year()+1)
	if !errors.Is(err, ErrActivePeriod) {
		t.Fatalf("expected ErrActivePeriod for a future year, got %v", err)
	}
}

func TestArchivePeriodSealsItems(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	eng.seedItem(t, "old1", 2020, "archived message one")
	eng.seedItem(t, "old2", 2020, "archived message two")
	syncItems(t, eng)

	rot := eng.rotator(t)
	if err := rot.ArchivePeriod(ctx, 2020); err != nil {
		t.Fatalf("rotation failed: %v", err)
	}

	comp, err := compressors.GetCompressor(eng.config.Compression)
	if err != nil {
		t.Fatal(err)
	}
	archivePath := bundle.ArchivePath(2020, comp)
	if !eng.remote.has(archivePath) {
		t.Fatalf("sealed archive missing at %s", archivePath)
	}

	unarchived, err := eng.store.FetchUnarchived(ctx, 2020)
	if err != nil {
		t.Fatal(err)
	}
	if len(unarchived) != 0 {
		t.Fatalf("all synced items should be archived, %d remain", len(unarchived))
	}
}

func TestArchivePeriodIdempotent(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	eng.seedItem(t, "once", 2020, "sealed exactly once")
	syncItems(t, eng)

	rot := eng.rotator(t)
	if err := rot.ArchivePeriod(ctx, 2020); err != nil {
		t.Fatal(err)
	}
	before := eng.remote.copyCount()

	// Everything already archived and the archive is present: no-op
	if err := rot.ArchivePeriod(ctx, 2020); err != nil {
		t.Fatalf("repeat rotation failed: %v", err)
	}
	if eng.remote.copyCount() != before {
		t.Fatal("repeat rotation must not touch the remote")
	}
}

func TestArchivePeriodMergesIntoExisting(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	eng.seedItem(t, "first", 2020, "original member")
	syncItems(t, eng)

	rot := eng.rotator(t)
	if err := rot.ArchivePeriod(ctx, 2020); err != nil {
		t.Fatal(err)
	}

	// A straggler for the same period shows up after the seal
	eng.seedItem(t, "second", 2020, "late arrival")
	syncItems(t, eng)
	if err := rot.ArchivePeriod(ctx, 2020); err != nil {
		t.Fatalf("merge rotation failed: %v", err)
	}

	comp, err := compressors.GetCompressor(eng.config.Compression)
	if err != nil {
		t.Fatal(err)
	}
	archivePath := bundle.ArchivePath(2020, comp)

	// Pull the sealed archive and confirm both members are inside
	local := filepath.Join(t.TempDir(), "archive")
	if err := eng.remote.Fetch(ctx, archivePath, local); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(local)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	tree := t.TempDir()
	if err := bundle.Extract(f, comp, tree); err != nil {
		t.Fatalf("failed to extract sealed archive: %v", err)
	}
	for _, fp := range []string{"first", "second"} {
		member := filepath.Join(tree, fp, fp+".eml")
		if _, err := os.Stat(member); err != nil {
			t.Fatalf("archive missing member %s: %v", fp, err)
		}
	}
}

func TestExistingMembersCountOnlyAsSkipped(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	body := "sealed before the rows flipped"
	eng.seedItem(t, "member", 2020, body)
	syncItems(t, eng)

	// A crash after the upload but before MarkArchived: the sealed archive
	// already holds the item while its row still reads unarchived
	comp, err := compressors.GetCompressor(eng.config.Compression)
	if err != nil {
		t.Fatal(err)
	}
	tree := t.TempDir()
	if err := os.MkdirAll(filepath.Join(tree, "member"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tree, "member", "member.eml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	var sealed bytes.Buffer
	if err := bundle.Seal(&sealed, tree, comp, comp.DefaultLevel()); err != nil {
		t.Fatal(err)
	}
	eng.remote.put(bundle.ArchivePath(2020, comp), sealed.Bytes())

	archivedBefore := eng.counters.Get(stats.Archived)
	if err := eng.rotator(t).ArchivePeriod(ctx, 2020); err != nil {
		t.Fatalf("rotation failed: %v", err)
	}

	// One outcome, one counter: an existing member is skipped, not archived
	if got := eng.counters.Get(stats.Skipped); got != 1 {
		t.Fatalf("expected 1 skipped, got %d", got)
	}
	if got := eng.counters.Get(stats.Archived); got != archivedBefore {
		t.Fatalf("existing member must not count as newly archived, got %d", got-archivedBefore)
	}

	unarchived, err := eng.store.FetchUnarchived(ctx, 2020)
	if err != nil {
		t.Fatal(err)
	}
	if len(unarchived) != 0 {
		t.Fatal("rows should still flip to archived")
	}
}

func TestArchivePeriodDryRun(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	eng.seedItem(t, "dry", 2020, "not sealed")
	syncItems(t, eng)

	eng.config.DryRun = true
	before := eng.remote.copyCount()

	rot := eng.rotator(t)
	if err := rot.ArchivePeriod(ctx, 2020); err != nil {
		t.Fatal(err)
	}
	if eng.remote.copyCount() != before {
		t.Fatal("dry run must not upload an archive")
	}

	unarchived, err := eng.store.FetchUnarchived(ctx, 2020)
	if err != nil {
		t.Fatal(err)
	}
	if len(unarchived) != 1 {
		t.Fatal("dry run must not flip archive state")
	}
}

func TestRotateAllCandidates(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	eng.seedItem(t, "y19", 2019, "message from 2019")
	eng.seedItem(t, "y20", 2020, "message from 2020")
	syncItems(t, eng)

	rot := eng.rotator(t)
	batch, err := rot.RotateAll(ctx)
	if err != nil {
		t.Fatalf("rotate all failed: %v", err)
	}
	if len(batch.Succeeded) != 2 || !batch.Clean() {
		t.Fatalf("expected both periods sealed cleanly, got %+v", batch)
	}

	comp, err := compressors.GetCompressor(eng.config.Compression)
	if err != nil {
		t.Fatal(err)
	}
	for _, period := range []int{2019, 2020} {
		if !eng.remote.has(bundle.ArchivePath(period, comp)) {
			t.Fatalf("archive for %d missing", period)
		}
	}
}

func TestRotateAllNothingEligible(t *testing.T) {
	eng := newTestEngine(t)

	// Only current-period work: nothing old enough to seal
	eng.seedItem(t, "fresh", time.Now().Year(), "too new to rotate")
	syncItems(t, eng)

	batch, err := eng.rotator(t).RotateAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !batch.Clean() || len(batch.Succeeded) != 0 {
		t.Fatalf("no candidate periods expected, got %+v", batch)
	}
}

func TestMaxRotatablePeriod(t *testing.T) {
	eng := newTestEngine(t)
	eng.config.Retention = 2
	rot := eng.rotator(t)

	now := time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC)
	if got := rot.maxRotatablePeriod(now); got != 2023 {
		t.Fatalf("retention 2 in 2026 should rotate up to 2023, got %d", got)
	}
}
