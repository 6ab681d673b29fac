package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// ErrSchemaTooNew means the database was written by a newer build.
var ErrSchemaTooNew = errors.New("database schema is newer than this build")

// migration is one schema step. Its statements and the version row are
// committed together, so a step is either fully applied or not at all.
// Timestamps in every table are unix milliseconds.
type migration struct {
	version int
	name    string
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "messages, corrections, preferences",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS messages (
				id              TEXT PRIMARY KEY,
				conversation_id TEXT NOT NULL,
				role            TEXT NOT NULL,
				content         TEXT NOT NULL,
				timestamp       INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, timestamp)`,
			`CREATE TABLE IF NOT EXISTS corrections (
				id                 TEXT PRIMARY KEY,
				original_response  TEXT NOT NULL,
				corrected_response TEXT NOT NULL,
				category           TEXT NOT NULL DEFAULT 'general',
				priority           REAL NOT NULL,
				conversation_id    TEXT NOT NULL DEFAULT '',
				message_id         TEXT NOT NULL DEFAULT '',
				timestamp          INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_corrections_priority ON corrections(priority DESC, timestamp DESC)`,
			`CREATE TABLE IF NOT EXISTS preferences (
				id          TEXT PRIMARY KEY,
				category    TEXT NOT NULL,
				key         TEXT NOT NULL,
				value       TEXT NOT NULL,
				confidence  REAL NOT NULL,
				source      TEXT NOT NULL DEFAULT '',
				learned_at  INTEGER NOT NULL,
				updated_at  INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_preferences_conf ON preferences(confidence DESC)`,
		},
	},
	{
		version: 2,
		name:    "daily activity metrics",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS daily_metrics (
				date                TEXT PRIMARY KEY,
				total_messages      INTEGER NOT NULL DEFAULT 0,
				corrections         INTEGER NOT NULL DEFAULT 0,
				preferences_learned INTEGER NOT NULL DEFAULT 0
			)`,
		},
	},
}

// latestVersion is the schema version this build writes.
func latestVersion() int {
	return migrations[len(migrations)-1].version
}

// Migrate brings the schema up to date. It refuses a database whose
// version is ahead of latestVersion.
func Migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := SchemaVersion(ctx, db)
	if err != nil {
		return err
	}
	if current > latestVersion() {
		return fmt.Errorf("%w: database v%d, build v%d", ErrSchemaTooNew, current, latestVersion())
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := apply(ctx, db, m); err != nil {
			return err
		}
		logger.Info("migration applied", "version", m.version, "name", m.name)
	}
	return nil
}

func apply(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration v%d: %w", m.version, err)
	}
	defer tx.Rollback()

	for i, stmt := range m.stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration v%d statement %d: %w", m.version, i+1, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO schema_version (version, name) VALUES (?, ?)`, m.version, m.name,
	); err != nil {
		return fmt.Errorf("record migration v%d: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration v%d: %w", m.version, err)
	}
	return nil
}

// SchemaVersion reports the applied schema version; 0 for a database that
// has never been migrated.
func SchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_version'`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	var version int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return version, nil
}
