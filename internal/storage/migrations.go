package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/sage-points-indexer/pkg/utils"
)

// Migration represents a database migration
type Migration struct {
	Version     string
	Description string
	SQL         string
}

const createMigrationTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at BIGINT NOT NULL
	)`

// GetSQLiteMigrations returns SQLite migration scripts
func GetSQLiteMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create positions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS positions (
					user_address TEXT NOT NULL,
					nonce INTEGER NOT NULL,
					amount TEXT NOT NULL,
					deposit_timestamp INTEGER NOT NULL,
					status TEXT NOT NULL CHECK (status IN ('active', 'unstaking', 'withdrawn')),
					withdrawal_initiated_timestamp INTEGER,
					unlocks_at INTEGER,
					active_since INTEGER NOT NULL,
					accrued_seconds INTEGER NOT NULL DEFAULT 0,
					block_number INTEGER NOT NULL,
					log_index INTEGER NOT NULL,
					updated_at INTEGER NOT NULL,
					PRIMARY KEY (user_address, nonce)
				);

				CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);
			`,
		},
		{
			Version:     "002",
			Description: "Create events table",
			SQL: `
				CREATE TABLE IF NOT EXISTS events (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					event_type TEXT NOT NULL,
					user_address TEXT NOT NULL,
					nonce INTEGER,
					amount TEXT,
					unlocks_at INTEGER,
					block_number INTEGER NOT NULL,
					log_index INTEGER NOT NULL,
					transaction_hash TEXT NOT NULL,
					timestamp INTEGER NOT NULL,
					status TEXT NOT NULL,
					rejected INTEGER NOT NULL DEFAULT 0,
					reject_reason TEXT,
					created_at INTEGER NOT NULL
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_events_tx_log ON events(transaction_hash, log_index);
				CREATE INDEX IF NOT EXISTS idx_events_user_order ON events(user_address, block_number, log_index);
			`,
		},
		{
			Version:     "003",
			Description: "Create sync_state table",
			SQL: `
				CREATE TABLE IF NOT EXISTS sync_state (
					key TEXT PRIMARY KEY,
					block_number INTEGER NOT NULL,
					updated_at INTEGER NOT NULL
				);
			`,
		},
		{
			Version:     "004",
			Description: "Rejected events carry no status",
			SQL: `
				CREATE TABLE events_v4 (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					event_type TEXT NOT NULL,
					user_address TEXT NOT NULL,
					nonce INTEGER,
					amount TEXT,
					unlocks_at INTEGER,
					block_number INTEGER NOT NULL,
					log_index INTEGER NOT NULL,
					transaction_hash TEXT NOT NULL,
					timestamp INTEGER NOT NULL,
					status TEXT,
					rejected INTEGER NOT NULL DEFAULT 0,
					reject_reason TEXT,
					created_at INTEGER NOT NULL
				);

				INSERT INTO events_v4 SELECT * FROM events;
				UPDATE events_v4 SET status = NULL WHERE rejected = 1;
				DROP TABLE events;
				ALTER TABLE events_v4 RENAME TO events;

				CREATE UNIQUE INDEX IF NOT EXISTS idx_events_tx_log ON events(transaction_hash, log_index);
				CREATE INDEX IF NOT EXISTS idx_events_user_order ON events(user_address, block_number, log_index);
			`,
		},
	}
}

// GetPostgresMigrations returns PostgreSQL migration scripts
func GetPostgresMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create positions table",
			SQL: `
				DO $$ BEGIN
					CREATE TYPE position_status AS ENUM ('active', 'unstaking', 'withdrawn');
				EXCEPTION
					WHEN duplicate_object THEN NULL;
				END $$;

				CREATE TABLE IF NOT EXISTS positions (
					user_address VARCHAR(42) NOT NULL,
					nonce BIGINT NOT NULL,
					amount NUMERIC(78, 0) NOT NULL,
					deposit_timestamp BIGINT NOT NULL,
					status position_status NOT NULL,
					withdrawal_initiated_timestamp BIGINT,
					unlocks_at BIGINT,
					active_since BIGINT NOT NULL,
					accrued_seconds BIGINT NOT NULL DEFAULT 0,
					block_number BIGINT NOT NULL,
					log_index INTEGER NOT NULL,
					updated_at BIGINT NOT NULL,
					PRIMARY KEY (user_address, nonce)
				);

				CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);
			`,
		},
		{
			Version:     "002",
			Description: "Create events table",
			SQL: `
				CREATE TABLE IF NOT EXISTS events (
					id BIGSERIAL PRIMARY KEY,
					event_type VARCHAR(64) NOT NULL,
					user_address VARCHAR(42) NOT NULL,
					nonce BIGINT,
					amount NUMERIC(78, 0),
					unlocks_at BIGINT,
					block_number BIGINT NOT NULL,
					log_index INTEGER NOT NULL,
					transaction_hash VARCHAR(66) NOT NULL,
					timestamp BIGINT NOT NULL,
					status position_status NOT NULL,
					rejected BOOLEAN NOT NULL DEFAULT FALSE,
					reject_reason TEXT,
					created_at BIGINT NOT NULL
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_events_tx_log ON events(transaction_hash, log_index);
				CREATE INDEX IF NOT EXISTS idx_events_user_order ON events(user_address, block_number, log_index);
			`,
		},
		{
			Version:     "003",
			Description: "Create sync_state table",
			SQL: `
				CREATE TABLE IF NOT EXISTS sync_state (
					key VARCHAR(64) PRIMARY KEY,
					block_number BIGINT NOT NULL,
					updated_at BIGINT NOT NULL
				);
			`,
		},
		{
			Version:     "004",
			Description: "Rejected events carry no status",
			SQL: `
				ALTER TABLE events ALTER COLUMN status DROP NOT NULL;
				UPDATE events SET status = NULL WHERE rejected;
			`,
		},
	}
}

// applyMigrations runs every migration not yet recorded in schema_migrations
func applyMigrations(ctx context.Context, db *sql.DB, d dialect, migrations []*Migration, logger *logrus.Entry) error {
	if _, err := db.ExecContext(ctx, createMigrationTable); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to create migration table", err.Error())
	}

	applied := make(map[string]bool)
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to read applied migrations", err.Error())
	}
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan migration version", err.Error())
		}
		applied[version] = true
	}
	rows.Close()

	for _, migration := range migrations {
		if applied[migration.Version] {
			continue
		}
		logger.WithFields(logrus.Fields{
			"version":     migration.Version,
			"description": migration.Description,
		}).Info("Applying migration")

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase, "Failed to begin migration", err.Error())
		}
		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return utils.NewAppError(utils.ErrCodeDatabase,
				fmt.Sprintf("Migration %s failed", migration.Version),
				err.Error())
		}
		if _, err := tx.ExecContext(ctx,
			d.rebind("INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)"),
			migration.Version, migration.Description, time.Now().Unix()); err != nil {
			tx.Rollback()
			return utils.NewAppError(utils.ErrCodeDatabase,
				fmt.Sprintf("Failed to record migration %s", migration.Version),
				err.Error())
		}
		if err := tx.Commit(); err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase,
				fmt.Sprintf("Failed to commit migration %s", migration.Version),
				err.Error())
		}
	}

	return nil
}
