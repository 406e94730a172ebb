package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/mailvault/mailvault/cmd/executor"
	"github.com/mailvault/mailvault/cmd/stats"
	"github.com/mailvault/mailvault/cmd/store"
	"github.com/mailvault/mailvault/cmd/transfer"
)

// ErrUnrepairable marks an item whose local and remote copies are both
// confirmed lost. It is fatal for that item only and must always reach the
// operator.
var ErrUnrepairable = errors.New("item unrepairable: local and remote copies both lost")

// Outcome classifies one verified record.
type Outcome int

const (
	OutcomeMatch Outcome = iota
	OutcomeMissingRemote
	OutcomeCorruptRemote
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMatch:
		return "match"
	case OutcomeMissingRemote:
		return "missing-remote"
	case OutcomeCorruptRemote:
		return "corrupt-remote"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Finding is one record needing attention after verification.
type Finding struct {
	Item    store.Item
	Outcome Outcome
}

// IntegrityReport summarizes a verify or verify-and-repair pass.
type IntegrityReport struct {
	Checked      int
	Matched      int
	Missing      int
	Corrupt      int
	Repaired     int
	Failed       []string // transient per-item failures, retried next run
	Unrepairable []string // lost on both sides; operator intervention needed
}

// Clean reports whether the pass found the store and remote in agreement.
func (r IntegrityReport) Clean() bool {
	return r.Missing == 0 && r.Corrupt == 0 && len(r.Failed) == 0 && len(r.Unrepairable) == 0
}

// Checker reconciles store claims against remote-computed hashes and
// repairs what it can through the uploader's journaled single-item path.
type Checker struct {
	config   *Config
	store    *store.Store
	uploader *Uploader
	remote   transfer.Remote
	counters *stats.Counters
	logger   *slog.Logger
}

// NewChecker wires an integrity checker over the shared engine components.
func NewChecker(config *Config, st *store.Store, up *Uploader, remote transfer.Remote,
	counters *stats.Counters, logger *slog.Logger) *Checker {
	return &Checker{
		config:   config,
		store:    st,
		uploader: up,
		remote:   remote,
		counters: counters,
		logger:   logger,
	}
}

// Verify hash-checks synced and archived records against remote storage.
// sample == 0 means a full scan. Matching records are stamped verified;
// mismatches come back as findings for the repair path.
func (c *Checker) Verify(ctx context.Context, sample int) ([]Finding, *IntegrityReport, error) {
	items, err := c.store.FetchForVerification(ctx, sample)
	if err != nil {
		return nil, nil, err
	}

	report := &IntegrityReport{Checked: len(items)}
	if len(items) == 0 {
		c.logger.Info("✨ No synced records to verify")
		return nil, report, nil
	}

	scope := "full scan"
	if sample > 0 {
		scope = fmt.Sprintf("sample of %d", sample)
	}
	c.logger.Info(fmt.Sprintf("🔍 Verifying %d records (%s)", len(items), scope))

	var mu sync.Mutex
	var findings []Finding

	tasks := make([]executor.Task, 0, len(items))
	for _, it := range items {
		item := it
		tasks = append(tasks, executor.Task{
			ID: item.Fingerprint,
			Fn: func(taskCtx context.Context) error {
				outcome, err := c.verifyItem(taskCtx, item)
				if err != nil {
					return err
				}

				mu.Lock()
				defer mu.Unlock()
				switch outcome {
				case OutcomeMatch:
					report.Matched++
				case OutcomeMissingRemote:
					report.Missing++
					findings = append(findings, Finding{Item: item, Outcome: outcome})
				case OutcomeCorruptRemote:
					report.Corrupt++
					findings = append(findings, Finding{Item: item, Outcome: outcome})
				}
				return nil
			},
		})
	}

	batch := executor.Run(ctx, "verify", tasks, c.config.Workers, c.logger, func(r executor.Result) {
		if r.Err != nil && !errors.Is(r.Err, context.Canceled) {
			c.counters.Add(stats.Failed, 1)
		}
	})
	report.Failed = append(report.Failed, batch.Failed...)

	return findings, report, nil
}

// verifyItem classifies one record against its remote object.
func (c *Checker) verifyItem(ctx context.Context, item store.Item) (Outcome, error) {
	if !item.RemotePath.Valid || item.RemotePath.String == "" {
		// A synced row without a remote path cannot be located remotely
		c.logger.Error(fmt.Sprintf("🚨 Synced record %s has no remote path; treating as missing", item.Fingerprint))
		return OutcomeMissingRemote, nil
	}

	hash, err := c.remote.Hash(ctx, item.RemotePath.String)
	if errors.Is(err, transfer.ErrNotFound) {
		c.logger.Warn(fmt.Sprintf("⚠️  %s missing from remote storage (%s)", item.Fingerprint, item.RemotePath.String))
		return OutcomeMissingRemote, nil
	}
	if err != nil {
		return 0, err
	}

	if hash != item.SHA256 {
		c.logger.Warn(fmt.Sprintf("⚠️  %s corrupt at remote: got %s, want %s", item.Fingerprint, hash, item.SHA256))
		return OutcomeCorruptRemote, nil
	}

	if err := c.store.MarkVerified(ctx, item.Fingerprint); err != nil {
		return 0, err
	}
	c.counters.Add(stats.Verified, 1)
	return OutcomeMatch, nil
}

// Repair re-establishes the remote copy of one finding from the local
// source. A missing local source makes the record unrepairable; that is
// reported, never silently skipped.
func (c *Checker) Repair(ctx context.Context, finding Finding) error {
	item := finding.Item

	if _, err := os.Stat(item.Path); err != nil {
		return fmt.Errorf("%w: %s", ErrUnrepairable, item.Fingerprint)
	}

	c.logger.Info(fmt.Sprintf("🔧 Repairing %s (%s)", item.Fingerprint, finding.Outcome))

	// The journaled single-item upload re-verifies the remote hash before
	// returning, so a successful repair is a verified repair.
	if err := c.uploader.UploadOne(ctx, item); err != nil {
		return err
	}

	remotePath := c.uploader.bodyRemotePath(item)
	if err := c.store.MarkRepaired(ctx, item.Fingerprint, remotePath); err != nil {
		return err
	}
	c.counters.Add(stats.Repaired, 1)
	return nil
}

// VerifyAndRepair runs a verification pass and, when repair is enabled,
// pushes every finding through the repair path.
func (c *Checker) VerifyAndRepair(ctx context.Context, sample int) (*IntegrityReport, error) {
	findings, report, err := c.Verify(ctx, sample)
	if err != nil {
		return nil, err
	}
	if len(findings) == 0 {
		return report, nil
	}

	if !c.config.RepairEnabled {
		c.logger.Warn(fmt.Sprintf("⚠️  Repair disabled; %d findings left unresolved", len(findings)))
		for _, f := range findings {
			report.Failed = append(report.Failed, f.Item.Fingerprint)
		}
		return report, nil
	}

	if c.config.DryRun {
		for _, f := range findings {
			c.logger.Info(fmt.Sprintf("  [dry-run] Would repair %s (%s)", f.Item.Fingerprint, f.Outcome))
		}
		return report, nil
	}

	var mu sync.Mutex
	tasks := make([]executor.Task, 0, len(findings))
	for _, f := range findings {
		finding := f
		tasks = append(tasks, executor.Task{
			ID: finding.Item.Fingerprint,
			Fn: func(taskCtx context.Context) error {
				return c.Repair(taskCtx, finding)
			},
		})
	}

	executor.Run(ctx, "repair", tasks, c.config.Workers, c.logger, func(r executor.Result) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case r.Err == nil:
			report.Repaired++
		case errors.Is(r.Err, ErrUnrepairable):
			c.logger.Error(fmt.Sprintf("🚨 %s is unrepairable: local and remote copies both lost", r.ID))
			report.Unrepairable = append(report.Unrepairable, r.ID)
		case errors.Is(r.Err, context.Canceled):
			// Journal entry survives; replay resolves it next run
		default:
			c.counters.Add(stats.Failed, 1)
			report.Failed = append(report.Failed, r.ID)
		}
	})

	return report, nil
}
