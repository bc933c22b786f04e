// Package outbox is the durable, at-least-once event queue between entity
// mutations and the index. Senders append rows inside the mutating
// transaction; a Consumer claims them in insertion order, applies them
// through an indexing plan and deletes what was applied.
package outbox

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

// TableName is the outbox table in the system-of-record database.
const TableName = "indexsync_outbox"

// Row statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusFailed     = "failed"
)

// migrations are applied in order. Each one only adds to the schema so rows
// written by older versions stay readable.
var migrations = []string{
	// 1: base table.
	`CREATE TABLE IF NOT EXISTS ` + TableName + ` (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_name  TEXT    NOT NULL,
		entity_id    TEXT    NOT NULL,
		event_type   TEXT    NOT NULL,
		routing_keys BLOB,
		payload      BLOB,
		status       TEXT    NOT NULL DEFAULT 'pending',
		retry_count  INTEGER NOT NULL DEFAULT 0,
		created_at   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_entity ON ` + TableName + ` (entity_name, entity_id, id);`,

	// 2: claim bookkeeping and backoff.
	`ALTER TABLE ` + TableName + ` ADD COLUMN process_after INTEGER NOT NULL DEFAULT 0;
	ALTER TABLE ` + TableName + ` ADD COLUMN claimed_by TEXT;
	ALTER TABLE ` + TableName + ` ADD COLUMN claimed_at INTEGER;
	CREATE INDEX IF NOT EXISTS idx_outbox_status ON ` + TableName + ` (status, process_after, id);`,

	// 3: last failure, for operators.
	`ALTER TABLE ` + TableName + ` ADD COLUMN last_error TEXT;`,
}

// SchemaVersion is the schema version this code writes.
var SchemaVersion = len(migrations)

// migrate brings the schema up to SchemaVersion.
func migrate(ctx context.Context, db *sqlx.DB, logger *slog.Logger) error {
	if _, err := db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)`); err != nil {
		return err
	}

	var current int
	if err := db.GetContext(ctx, &current, `SELECT COALESCE(MAX(version), 0) FROM schema_version`); err != nil {
		return err
	}
	if current > SchemaVersion {
		// Newer writers only add columns; keep going.
		logger.Warn("outbox_schema_newer",
			slog.Int("found", current),
			slog.Int("supported", SchemaVersion))
		return nil
	}

	for v := current + 1; v <= SchemaVersion; v++ {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, migrations[v-1]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, v); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		logger.Info("outbox_schema_migrated", slog.Int("version", v))
	}
	return nil
}
