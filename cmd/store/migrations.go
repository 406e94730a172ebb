package store

import (
	"context"
	"fmt"
)

// A migration carries one schema version in both supported dialects.
// Migrations are applied in order inside a transaction; the highest applied
// version is recorded in schema_version.
type migration struct {
	version  int
	sqlite   string
	postgres string
}

var migrations = []migration{
	{
		version: 1,
		sqlite: `
CREATE TABLE IF NOT EXISTS items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	fingerprint TEXT NOT NULL UNIQUE,
	path TEXT NOT NULL,
	size INTEGER NOT NULL DEFAULT 0,
	mtime TIMESTAMP,
	sha256 TEXT NOT NULL DEFAULT '',
	attachments TEXT NOT NULL DEFAULT '[]',
	period INTEGER NOT NULL,
	remote_path TEXT,
	processed_at TIMESTAMP,
	synced_at TIMESTAMP,
	archived_at TIMESTAMP,
	verified_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_items_synced ON items (synced_at);
CREATE INDEX IF NOT EXISTS idx_items_period ON items (period);
CREATE INDEX IF NOT EXISTS idx_items_archived ON items (archived_at);`,
		postgres: `
CREATE TABLE IF NOT EXISTS items (
	id BIGSERIAL PRIMARY KEY,
	fingerprint TEXT NOT NULL UNIQUE,
	path TEXT NOT NULL,
	size BIGINT NOT NULL DEFAULT 0,
	mtime TIMESTAMPTZ,
	sha256 TEXT NOT NULL DEFAULT '',
	attachments TEXT NOT NULL DEFAULT '[]',
	period INTEGER NOT NULL,
	remote_path TEXT,
	processed_at TIMESTAMPTZ,
	synced_at TIMESTAMPTZ,
	archived_at TIMESTAMPTZ,
	verified_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_items_synced ON items (synced_at);
CREATE INDEX IF NOT EXISTS idx_items_period ON items (period);
CREATE INDEX IF NOT EXISTS idx_items_archived ON items (archived_at);`,
	},
}

// migrate brings the schema up to the latest version.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var current int
	err := s.db.GetContext(ctx, &current,
		`SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		stmts := m.sqlite
		if s.driver == DriverPostgres {
			stmts = m.postgres
		}

		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.version, err)
		}

		if _, err := tx.ExecContext(ctx, stmts); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to apply migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx,
			tx.Rebind(`INSERT INTO schema_version (version) VALUES (?)`), m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}

		s.logger.Debug(fmt.Sprintf("Applied schema migration %d", m.version))
	}

	return nil
}
