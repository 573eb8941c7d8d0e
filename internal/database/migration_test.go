package database

import (
	"context"
	"testing"
)

func TestMigrate(t *testing.T) {
	ctx := context.Background()
	sm := newTestManager(t)
	mm := NewMigrationManager(sm.GetDB(), &mockLogger{})

	version, err := mm.CurrentVersion(ctx)
	if err != nil {
		t.Fatalf("CurrentVersion: %v", err)
	}
	if version != LatestSchemaVersion() {
		t.Fatalf("Expected schema version %d after init, got %d", LatestSchemaVersion(), version)
	}

	// Running again is a no-op
	if err := mm.Migrate(ctx); err != nil {
		t.Fatalf("Second Migrate: %v", err)
	}

	var count int
	err = sm.GetDB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = 'idx_payment_requests_status_submitted'`,
	).Scan(&count)
	if err != nil {
		t.Fatalf("Query indexes: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected migration index to exist, found %d", count)
	}
}

func TestMigrate_ResumesFromRecordedVersion(t *testing.T) {
	ctx := context.Background()
	sm := newTestManager(t)
	db := sm.GetDB()

	if _, err := db.ExecContext(ctx, "DROP INDEX idx_reward_transactions_burn_failed"); err != nil {
		t.Fatalf("Drop index: %v", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA user_version = 2"); err != nil {
		t.Fatalf("Set version: %v", err)
	}

	if err := NewMigrationManager(db, &mockLogger{}).Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	var count int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = 'idx_reward_transactions_burn_failed'`,
	).Scan(&count); err != nil {
		t.Fatalf("Query indexes: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected migration 3 to be reapplied")
	}
}
