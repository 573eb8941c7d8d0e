package database

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/utils"
	_ "modernc.org/sqlite"
)

// SQLiteManager handles all database operations
type SQLiteManager struct {
	dir    string
	cm     *utils.ConfigManager
	db     *sql.DB
	logger Logger
}

// NewSQLiteManager opens the settlement database in the app data dir and
// creates the tables it needs
func NewSQLiteManager(cm *utils.ConfigManager, logger Logger) (*SQLiteManager, error) {
	paths := utils.GetAppPaths("")
	sqlm := &SQLiteManager{
		dir:    paths.DataDir,
		cm:     cm,
		logger: logger,
	}

	db, err := sqlm.CreateConnection()
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %v", err)
	}
	sqlm.db = db

	if err := sqlm.initTables(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return sqlm, nil
}

// NewSQLiteManagerWithDB wraps an already open connection, used by tests with
// an in-memory database
func NewSQLiteManagerWithDB(db *sql.DB, logger Logger) (*SQLiteManager, error) {
	sqlm := &SQLiteManager{db: db, logger: logger}
	if err := sqlm.initTables(context.Background()); err != nil {
		return nil, err
	}
	return sqlm, nil
}

func (sqlm *SQLiteManager) initTables(ctx context.Context) error {
	if err := sqlm.InitPaymentRequestsTable(ctx); err != nil {
		return fmt.Errorf("failed to init payment_requests table: %w", err)
	}
	if err := sqlm.InitRewardTransactionsTable(ctx); err != nil {
		return fmt.Errorf("failed to init reward_transactions table: %w", err)
	}
	if err := sqlm.InitSubscriptionsTable(ctx); err != nil {
		return fmt.Errorf("failed to init subscriptions table: %w", err)
	}
	return NewMigrationManager(sqlm.db, sqlm.logger).Migrate(ctx)
}

// CreateConnection creates and configures the database connection
func (sqlm *SQLiteManager) CreateConnection() (*sql.DB, error) {
	// Make sure we have os specific path separator since we are adding this path to host's path
	dbFileName := sqlm.cm.GetConfigWithDefault("database_file", "./settlement.db")
	switch runtime.GOOS {
	case "linux", "darwin":
		dbFileName = filepath.ToSlash(dbFileName)
	case "windows":
		dbFileName = filepath.FromSlash(dbFileName)
	default:
		err := fmt.Errorf("unsupported OS type `%s`", runtime.GOOS)
		return nil, err
	}

	path := utils.ResolveIn(sqlm.dir, dbFileName)

	db, err := sql.Open("sqlite",
		fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=1&_synchronous=NORMAL", path))
	if err != nil {
		sqlm.logger.Error(fmt.Sprintf("Can not create database connection. (%s)", err.Error()), "database")
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(0)

	if _, err = db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		sqlm.logger.Warn(fmt.Sprintf("Failed to enable WAL mode: %s", err.Error()), "database")
	}
	if _, err = db.Exec("PRAGMA busy_timeout = 5000;"); err != nil {
		sqlm.logger.Warn(fmt.Sprintf("Failed to set busy timeout: %s", err.Error()), "database")
	}

	sqlm.logger.Info(fmt.Sprintf("Database opened at %s", path), "database")
	return db, nil
}

// GetDB returns the database connection for direct access if needed
func (sqlm *SQLiteManager) GetDB() *sql.DB {
	return sqlm.db
}

func (sqlm *SQLiteManager) Close() error {
	if sqlm.db != nil {
		return sqlm.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (sqlm *SQLiteManager) GetStats() map[string]interface{} {
	dbStats := sqlm.db.Stats()
	return map[string]interface{}{
		"max_open_connections": dbStats.MaxOpenConnections,
		"open_connections":     dbStats.OpenConnections,
		"in_use":               dbStats.InUse,
		"idle":                 dbStats.Idle,
	}
}

// PerformMaintenance runs database maintenance tasks
func (sqlm *SQLiteManager) PerformMaintenance(ctx context.Context) error {
	if _, err := sqlm.db.ExecContext(ctx, "PRAGMA optimize;"); err != nil {
		sqlm.logger.Warn(fmt.Sprintf("Failed to optimize database: %v", err), "database")
	}
	return nil
}
