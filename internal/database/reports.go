package database

import (
	"context"
	"database/sql"
)

// PaymentStatusCount is the number of requests in one lifecycle state
type PaymentStatusCount struct {
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

// RewardTotals aggregates settled rewards per network
type RewardTotals struct {
	NetworkID   string `json:"network_id"`
	Rewards     int64  `json:"rewards"`
	UserAmount  int64  `json:"user_amount"`
	BurnAmount  int64  `json:"burn_amount"`
	FailedBurns int64  `json:"failed_burns"`
}

// PaymentStatusCounts groups payment requests by status
func (sm *SQLiteManager) PaymentStatusCounts(ctx context.Context) ([]*PaymentStatusCount, error) {
	query := `SELECT status, COUNT(*) FROM payment_requests GROUP BY status ORDER BY status`

	return QueryRows(ctx, sm.db, query,
		func(rows *sql.Rows) (*PaymentStatusCount, error) {
			var c PaymentStatusCount
			if err := rows.Scan(&c.Status, &c.Count); err != nil {
				return nil, err
			}
			return &c, nil
		},
		sm.logger, "database")
}

// RewardTotalsByNetwork sums rewards per network. Amounts are base units of
// the network's token.
func (sm *SQLiteManager) RewardTotalsByNetwork(ctx context.Context) ([]*RewardTotals, error) {
	query := `
	SELECT network_id, COUNT(*), COALESCE(SUM(user_amount), 0), COALESCE(SUM(burn_amount), 0),
		SUM(CASE WHEN burn_status = 'failed' THEN 1 ELSE 0 END)
	FROM reward_transactions
	GROUP BY network_id
	ORDER BY network_id`

	return QueryRows(ctx, sm.db, query,
		func(rows *sql.Rows) (*RewardTotals, error) {
			var t RewardTotals
			if err := rows.Scan(&t.NetworkID, &t.Rewards, &t.UserAmount, &t.BurnAmount, &t.FailedBurns); err != nil {
				return nil, err
			}
			return &t, nil
		},
		sm.logger, "database")
}

// ListFailedBurns returns rewards whose burn leg failed, oldest first, so an
// operator can retry them by hand
func (sm *SQLiteManager) ListFailedBurns(ctx context.Context, limit int) ([]*RewardTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + rewardTransactionColumns + `
	FROM reward_transactions
	WHERE burn_status = 'failed'
	ORDER BY completed_at ASC, id ASC
	LIMIT ?`

	return QueryRows(ctx, sm.db, query,
		func(rows *sql.Rows) (*RewardTransaction, error) { return scanRewardTransaction(rows) },
		sm.logger, "database", limit)
}
