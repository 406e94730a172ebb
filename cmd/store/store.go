// Package store is the single source of truth for per-item backup state.
// Every extracted mail item has one row whose lifecycle timestamps move
// strictly forward: processed, then synced, then archived; verified applies
// to synced or archived rows. All transitions are idempotent single-row
// transactions.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	_ "modernc.org/sqlite"
)

// Static errors for store operations
var (
	ErrUnsupportedDriver = errors.New("unsupported database driver")
	ErrStoreBusy         = errors.New("store busy: lock contention retries exhausted")
	ErrNotFound          = errors.New("item not found")
	ErrHashConflict      = errors.New("fingerprint already recorded with a different content hash")
)

// Supported driver names
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config carries the database settings for the store.
type Config struct {
	Driver       string
	Path         string // sqlite database file
	DSN          string // postgres connection string
	MaxOpenConns int
	MaxRetries   int // busy-retry attempts before surfacing ErrStoreBusy
	RetryDelay   time.Duration
}

// Attachments is the JSON-encoded list of attachment paths belonging to an item.
type Attachments []string

// Value implements driver.Valuer.
func (a Attachments) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("failed to encode attachments: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (a *Attachments) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*a = nil
		return nil
	case string:
		return json.Unmarshal([]byte(v), a)
	case []byte:
		return json.Unmarshal(v, a)
	default:
		return fmt.Errorf("cannot scan attachments from %T", src)
	}
}

// Item is one tracked file and its lifecycle state.
type Item struct {
	ID          int64          `db:"id"`
	Fingerprint string         `db:"fingerprint"`
	Path        string         `db:"path"`
	Size        int64          `db:"size"`
	ModTime     sql.NullTime   `db:"mtime"`
	SHA256      string         `db:"sha256"`
	Attachments Attachments    `db:"attachments"`
	Period      int            `db:"period"`
	RemotePath  sql.NullString `db:"remote_path"`
	ProcessedAt sql.NullTime   `db:"processed_at"`
	SyncedAt    sql.NullTime   `db:"synced_at"`
	ArchivedAt  sql.NullTime   `db:"archived_at"`
	VerifiedAt  sql.NullTime   `db:"verified_at"`
}

// Synced reports whether the item has been confirmed present in remote storage.
func (i Item) Synced() bool { return i.SyncedAt.Valid }

// Archived reports whether the item has been folded into a sealed archive.
func (i Item) Archived() bool { return i.ArchivedAt.Valid }

// Summary is an aggregate view of the store for status reporting.
type Summary struct {
	Total    int64 `db:"total"`
	Unsynced int64 `db:"unsynced"`
	Synced   int64 `db:"synced"`
	Archived int64 `db:"archived"`
	Verified int64 `db:"verified"`
}

// Store wraps the database connection pool. Workers share the pool; write
// contention is absorbed by bounded busy-retries.
type Store struct {
	db     *sqlx.DB
	driver string
	logger *slog.Logger

	maxRetries int
	retryDelay time.Duration
}

// Open connects to the configured database and applies pending migrations.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	var db *sqlx.DB
	var err error

	switch cfg.Driver {
	case DriverSQLite:
		dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)",
			cfg.Path)
		db, err = sqlx.Open("sqlite", dsn)
	case DriverPostgres:
		db, err = sqlx.Open("postgres", cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 100 * time.Millisecond
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}

	s := &Store{
		db:         db,
		driver:     cfg.Driver,
		logger:     logger,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// isBusy reports whether an error is lock contention worth retrying.
func isBusy(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// serialization_failure, lock_not_available
		return pqErr.Code == "40001" || pqErr.Code == "55P03"
	}

	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

// withBusyRetry runs fn, retrying lock-contention failures with backoff.
// Any other error is returned as-is; exhausted retries surface ErrStoreBusy.
func (s *Store) withBusyRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			s.logger.Debug(fmt.Sprintf("Store busy during %s, retry %d/%d", op, attempt, s.maxRetries))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.retryDelay * time.Duration(attempt)):
			}
		}

		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrStoreBusy, op, err)
}

// MarkProcessed records a newly extracted item. Re-recording the same
// fingerprint with the same hash is a no-op; the same fingerprint with a
// different hash is rejected, since content hashes are immutable.
func (s *Store) MarkProcessed(ctx context.Context, item Item) error {
	return s.withBusyRetry(ctx, "markProcessed", func() error {
		res, err := s.db.ExecContext(ctx, s.db.Rebind(`
			INSERT INTO items (fingerprint, path, size, mtime, sha256, attachments, period, processed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (fingerprint) DO NOTHING`),
			item.Fingerprint, item.Path, item.Size, item.ModTime,
			item.SHA256, item.Attachments, item.Period, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to insert item %s: %w", item.Fingerprint, err)
		}

		inserted, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read insert result: %w", err)
		}
		if inserted > 0 {
			return nil
		}

		// Existing row: idempotent only when the hash matches
		var existing string
		if err := s.db.GetContext(ctx, &existing,
			s.db.Rebind(`SELECT sha256 FROM items WHERE fingerprint = ?`),
			item.Fingerprint); err != nil {
			return fmt.Errorf("failed to read existing item %s: %w", item.Fingerprint, err)
		}
		if existing != item.SHA256 {
			return fmt.Errorf("%w: %s", ErrHashConflict, item.Fingerprint)
		}
		return nil
	})
}

// FetchUnsynced returns processed, not-yet-synced items, oldest first.
// A non-nil period restricts the scan to one archive period.
func (s *Store) FetchUnsynced(ctx context.Context, period *int) ([]Item, error) {
	query := `SELECT * FROM items WHERE processed_at IS NOT NULL AND synced_at IS NULL`
	args := []interface{}{}
	if period != nil {
		query += ` AND period = ?`
		args = append(args, *period)
	}
	query += ` ORDER BY processed_at, id`

	var items []Item
	if err := s.db.SelectContext(ctx, &items, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to fetch unsynced items: %w", err)
	}
	return items, nil
}

// FetchByFingerprint returns one item or ErrNotFound.
func (s *Store) FetchByFingerprint(ctx context.Context, fingerprint string) (Item, error) {
	var item Item
	err := s.db.GetContext(ctx, &item,
		s.db.Rebind(`SELECT * FROM items WHERE fingerprint = ?`), fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, fmt.Errorf("%w: %s", ErrNotFound, fingerprint)
	}
	if err != nil {
		return Item{}, fmt.Errorf("failed to fetch item %s: %w", fingerprint, err)
	}
	return item, nil
}

// MarkSynced records a confirmed upload. Unknown or already-synced
// fingerprints are a no-op.
func (s *Store) MarkSynced(ctx context.Context, fingerprint, sha256, remotePath string) error {
	return s.withBusyRetry(ctx, "markSynced", func() error {
		_, err := s.db.ExecContext(ctx, s.db.Rebind(`
			UPDATE items SET synced_at = ?, remote_path = ?
			WHERE fingerprint = ? AND sha256 = ? AND synced_at IS NULL`),
			time.Now().UTC(), remotePath, fingerprint, sha256)
		if err != nil {
			return fmt.Errorf("failed to mark %s synced: %w", fingerprint, err)
		}
		return nil
	})
}

// FetchForVerification returns synced or archived items due for a hash
// check. sample == 0 means a full scan; otherwise a random sample of that
// size is drawn.
func (s *Store) FetchForVerification(ctx context.Context, sample int) ([]Item, error) {
	query := `SELECT * FROM items WHERE synced_at IS NOT NULL`
	args := []interface{}{}
	if sample > 0 {
		query += ` ORDER BY RANDOM() LIMIT ?`
		args = append(args, sample)
	} else {
		query += ` ORDER BY id`
	}

	var items []Item
	if err := s.db.SelectContext(ctx, &items, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to fetch items for verification: %w", err)
	}
	return items, nil
}

// MarkVerified timestamps a successful remote hash check. Only synced or
// archived rows can be verified.
func (s *Store) MarkVerified(ctx context.Context, fingerprint string) error {
	return s.withBusyRetry(ctx, "markVerified", func() error {
		_, err := s.db.ExecContext(ctx, s.db.Rebind(`
			UPDATE items SET verified_at = ?
			WHERE fingerprint = ? AND synced_at IS NOT NULL`),
			time.Now().UTC(), fingerprint)
		if err != nil {
			return fmt.Errorf("failed to mark %s verified: %w", fingerprint, err)
		}
		return nil
	})
}

// MarkRepaired records a re-upload performed by the integrity engine.
func (s *Store) MarkRepaired(ctx context.Context, fingerprint, remotePath string) error {
	return s.withBusyRetry(ctx, "markRepaired", func() error {
		_, err := s.db.ExecContext(ctx, s.db.Rebind(`
			UPDATE items SET remote_path = ?, verified_at = ?
			WHERE fingerprint = ? AND synced_at IS NOT NULL`),
			remotePath, time.Now().UTC(), fingerprint)
		if err != nil {
			return fmt.Errorf("failed to mark %s repaired: %w", fingerprint, err)
		}
		return nil
	})
}

// MarkArchived stamps every synced, unarchived item of a period as folded
// into the sealed archive. Idempotent: already-archived rows are untouched.
func (s *Store) MarkArchived(ctx context.Context, period int) error {
	return s.withBusyRetry(ctx, "markArchived", func() error {
		_, err := s.db.ExecContext(ctx, s.db.Rebind(`
			UPDATE items SET archived_at = ?
			WHERE period = ? AND synced_at IS NOT NULL AND archived_at IS NULL`),
			time.Now().UTC(), period)
		if err != nil {
			return fmt.Errorf("failed to mark period %d archived: %w", period, err)
		}
		return nil
	})
}

// CandidatePeriods lists periods up to and including maxPeriod that hold
// synced items, oldest first.
func (s *Store) CandidatePeriods(ctx context.Context, maxPeriod int) ([]int, error) {
	var periods []int
	err := s.db.SelectContext(ctx, &periods, s.db.Rebind(`
		SELECT DISTINCT period FROM items
		WHERE period <= ? AND synced_at IS NOT NULL
		ORDER BY period`), maxPeriod)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidate periods: %w", err)
	}
	return periods, nil
}

// FetchUnarchived returns the synced, not-yet-archived items of one period.
func (s *Store) FetchUnarchived(ctx context.Context, period int) ([]Item, error) {
	var items []Item
	err := s.db.SelectContext(ctx, &items, s.db.Rebind(`
		SELECT * FROM items
		WHERE period = ? AND synced_at IS NOT NULL AND archived_at IS NULL
		ORDER BY processed_at, id`), period)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unarchived items for period %d: %w", period, err)
	}
	return items, nil
}

// FetchArchived returns every archived item of one period.
func (s *Store) FetchArchived(ctx context.Context, period int) ([]Item, error) {
	var items []Item
	err := s.db.SelectContext(ctx, &items, s.db.Rebind(`
		SELECT * FROM items
		WHERE period = ? AND archived_at IS NOT NULL
		ORDER BY processed_at, id`), period)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch archived items for period %d: %w", period, err)
	}
	return items, nil
}

// Summarize returns aggregate lifecycle counts.
func (s *Store) Summarize(ctx context.Context) (Summary, error) {
	var sum Summary
	err := s.db.GetContext(ctx, &sum, `
		SELECT
			COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN synced_at IS NULL THEN 1 ELSE 0 END), 0) AS unsynced,
			COALESCE(SUM(CASE WHEN synced_at IS NOT NULL THEN 1 ELSE 0 END), 0) AS synced,
			COALESCE(SUM(CASE WHEN archived_at IS NOT NULL THEN 1 ELSE 0 END), 0) AS archived,
			COALESCE(SUM(CASE WHEN verified_at IS NOT NULL THEN 1 ELSE 0 END), 0) AS verified
		FROM items`)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to summarize store: %w", err)
	}
	return sum, nil
}
