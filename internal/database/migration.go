package database

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one forward-only schema change. Versions are applied in
// order and recorded in PRAGMA user_version.
type migration struct {
	version     int
	description string
	statements  []string
}

var migrations = []migration{
	{
		version:     1,
		description: "index user history by recency",
		statements: []string{
			`CREATE INDEX IF NOT EXISTS idx_payment_requests_user_created ON payment_requests(user_id, created_at DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_reward_transactions_user_completed ON reward_transactions(user_id, completed_at DESC)`,
		},
	},
	{
		version:     2,
		description: "index submitted requests awaiting confirmation",
		statements: []string{
			`CREATE INDEX IF NOT EXISTS idx_payment_requests_status_submitted ON payment_requests(status, submitted_at)`,
			`CREATE INDEX IF NOT EXISTS idx_payment_requests_status_expires ON payment_requests(status, expires_at)`,
		},
	},
	{
		version:     3,
		description: "index rewards whose burn failed",
		statements: []string{
			`CREATE INDEX IF NOT EXISTS idx_reward_transactions_burn_failed ON reward_transactions(burn_status) WHERE burn_status = 'failed'`,
		},
	},
	{
		version:     4,
		description: "persist fiat checkouts awaiting reconciliation",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS fiat_checkouts (
				ref TEXT PRIMARY KEY,
				network_id TEXT NOT NULL,
				payer TEXT NOT NULL,
				recipient TEXT,
				amount_cents TEXT NOT NULL,
				url TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending',
				created_at INTEGER NOT NULL,
				settled_at INTEGER
			)`,
			`CREATE INDEX IF NOT EXISTS idx_fiat_checkouts_status ON fiat_checkouts(status, created_at)`,
		},
	},
}

// MigrationManager handles database schema migrations
type MigrationManager struct {
	db     *sql.DB
	logger Logger
}

// NewMigrationManager creates a new migration manager
func NewMigrationManager(db *sql.DB, logger Logger) *MigrationManager {
	return &MigrationManager{
		db:     db,
		logger: logger,
	}
}

// CurrentVersion returns the schema version recorded in the database
func (mm *MigrationManager) CurrentVersion(ctx context.Context) (int, error) {
	var version int
	if err := mm.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %v", err)
	}
	return version, nil
}

// Migrate applies every migration newer than the recorded version, each in
// its own transaction
func (mm *MigrationManager) Migrate(ctx context.Context) error {
	current, err := mm.CurrentVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		mm.logger.Info(fmt.Sprintf("Applying schema migration %d: %s", m.version, m.description), "database")
		if err := mm.apply(ctx, m); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.version, err)
		}
		current = m.version
	}

	return nil
}

func (mm *MigrationManager) apply(ctx context.Context, m migration) error {
	tx, err := mm.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer tx.Rollback()

	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	// PRAGMA does not take bind parameters
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
		return err
	}

	return tx.Commit()
}

// LatestSchemaVersion is the version a fully migrated database reports
func LatestSchemaVersion() int {
	return migrations[len(migrations)-1].version
}
