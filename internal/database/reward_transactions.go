package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	BurnStatusBurned  = "burned"
	BurnStatusFailed  = "failed"
	BurnStatusSkipped = "skipped"
)

// ErrDuplicateReward is returned when a conversation already has a reward record
var ErrDuplicateReward = errors.New("conversation already rewarded")

// RewardTransaction is the settled payout for one conversation
type RewardTransaction struct {
	ID                 int64     `json:"-"`
	RewardID           string    `json:"reward_id"`
	ConversationID     string    `json:"conversation_id"`
	UserID             string    `json:"user_id"`
	WalletAddress      string    `json:"wallet_address"`
	NetworkID          string    `json:"network_id"`
	Plan               string    `json:"plan"`
	ConversationLength int       `json:"conversation_length"`
	BaseAmount         int64     `json:"base_amount"`
	AdjustedAmount     int64     `json:"adjusted_amount"`
	UserAmount         int64     `json:"user_amount"`
	BurnAmount         int64     `json:"burn_amount"`
	UserTxRef          string    `json:"user_tx_ref"`
	BurnTxRef          string    `json:"burn_tx_ref,omitempty"`
	BurnStatus         string    `json:"burn_status"`
	BurnError          string    `json:"burn_error,omitempty"`
	CompletedAt        time.Time `json:"-"`
}

// MarshalJSON customizes JSON marshaling to convert timestamps to Unix seconds
func (r *RewardTransaction) MarshalJSON() ([]byte, error) {
	type Alias RewardTransaction
	return json.Marshal(&struct {
		*Alias
		CompletedAt int64 `json:"completed_at"`
	}{
		Alias:       (*Alias)(r),
		CompletedAt: r.CompletedAt.Unix(),
	})
}

// InitRewardTransactionsTable creates the reward_transactions table.
// conversation_id is UNIQUE so a conversation is paid at most once.
func (sm *SQLiteManager) InitRewardTransactionsTable(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS reward_transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		reward_id TEXT NOT NULL UNIQUE,
		conversation_id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		wallet_address TEXT NOT NULL,
		network_id TEXT NOT NULL,
		plan TEXT NOT NULL,
		conversation_length INTEGER NOT NULL,
		base_amount INTEGER NOT NULL,
		adjusted_amount INTEGER NOT NULL,
		user_amount INTEGER NOT NULL,
		burn_amount INTEGER NOT NULL,
		user_tx_ref TEXT NOT NULL,
		burn_tx_ref TEXT,
		burn_status TEXT NOT NULL,
		burn_error TEXT,
		completed_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reward_transactions_user ON reward_transactions(user_id);
	`

	_, err := sm.db.ExecContext(ctx, query)
	return err
}

// CreateRewardTransaction persists a settled reward. A second record for the
// same conversation yields ErrDuplicateReward.
func (sm *SQLiteManager) CreateRewardTransaction(ctx context.Context, tx *RewardTransaction) error {
	query := `
	INSERT INTO reward_transactions (
		reward_id, conversation_id, user_id, wallet_address, network_id, plan,
		conversation_length, base_amount, adjusted_amount, user_amount, burn_amount,
		user_tx_ref, burn_tx_ref, burn_status, burn_error, completed_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := ExecWithLogging(ctx, sm.db, query, sm.logger, "database",
		tx.RewardID,
		tx.ConversationID,
		tx.UserID,
		tx.WalletAddress,
		tx.NetworkID,
		tx.Plan,
		tx.ConversationLength,
		tx.BaseAmount,
		tx.AdjustedAmount,
		tx.UserAmount,
		tx.BurnAmount,
		tx.UserTxRef,
		NullableString(tx.BurnTxRef),
		tx.BurnStatus,
		NullableString(tx.BurnError),
		tx.CompletedAt.Unix(),
	)
	if errors.Is(err, ErrUniqueViolation) {
		return fmt.Errorf("%w: %s", ErrDuplicateReward, tx.ConversationID)
	}
	if err != nil {
		return err
	}

	tx.ID, _ = result.LastInsertId()
	return nil
}

const rewardTransactionColumns = `
	id, reward_id, conversation_id, user_id, wallet_address, network_id, plan,
	conversation_length, base_amount, adjusted_amount, user_amount, burn_amount,
	user_tx_ref, burn_tx_ref, burn_status, burn_error, completed_at`

func scanRewardTransaction(row rowScanner) (*RewardTransaction, error) {
	tx := &RewardTransaction{}
	var burnTxRef, burnError sql.NullString
	var completedAt int64

	err := row.Scan(
		&tx.ID,
		&tx.RewardID,
		&tx.ConversationID,
		&tx.UserID,
		&tx.WalletAddress,
		&tx.NetworkID,
		&tx.Plan,
		&tx.ConversationLength,
		&tx.BaseAmount,
		&tx.AdjustedAmount,
		&tx.UserAmount,
		&tx.BurnAmount,
		&tx.UserTxRef,
		&burnTxRef,
		&tx.BurnStatus,
		&burnError,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	tx.BurnTxRef = ScanNullableString(burnTxRef)
	tx.BurnError = ScanNullableString(burnError)
	tx.CompletedAt = time.Unix(completedAt, 0)
	return tx, nil
}

// GetRewardTransaction returns nil, nil when the conversation was never rewarded
func (sm *SQLiteManager) GetRewardTransaction(ctx context.Context, conversationID string) (*RewardTransaction, error) {
	query := `SELECT ` + rewardTransactionColumns + ` FROM reward_transactions WHERE conversation_id = ?`
	return QueryRowSingle(ctx, sm.db, query,
		func(row *sql.Row) (*RewardTransaction, error) { return scanRewardTransaction(row) },
		sm.logger, "database", conversationID)
}

// ListRewardTransactionsByUser returns a user's rewards, newest first
func (sm *SQLiteManager) ListRewardTransactionsByUser(ctx context.Context, userID string, limit, offset int) ([]*RewardTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + rewardTransactionColumns + `
	FROM reward_transactions
	WHERE user_id = ?
	ORDER BY completed_at DESC, id DESC
	LIMIT ? OFFSET ?`

	return QueryRows(ctx, sm.db, query,
		func(rows *sql.Rows) (*RewardTransaction, error) { return scanRewardTransaction(rows) },
		sm.logger, "database", userID, limit, offset)
}
