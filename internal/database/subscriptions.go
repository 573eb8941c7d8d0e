package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// Subscription is the current plan of a user
type Subscription struct {
	UserID      string    `json:"user_id"`
	Plan        string    `json:"plan"`
	RequestID   string    `json:"request_id"`
	ActivatedAt time.Time `json:"-"`
	ExpiresAt   time.Time `json:"-"`
}

// MarshalJSON customizes JSON marshaling to convert timestamps to Unix seconds
func (s *Subscription) MarshalJSON() ([]byte, error) {
	type Alias Subscription
	return json.Marshal(&struct {
		*Alias
		ActivatedAt int64 `json:"activated_at"`
		ExpiresAt   int64 `json:"expires_at"`
	}{
		Alias:       (*Alias)(s),
		ActivatedAt: s.ActivatedAt.Unix(),
		ExpiresAt:   s.ExpiresAt.Unix(),
	})
}

// InitSubscriptionsTable creates the subscriptions table
func (sm *SQLiteManager) InitSubscriptionsTable(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS subscriptions (
		user_id TEXT PRIMARY KEY,
		plan TEXT NOT NULL,
		request_id TEXT NOT NULL,
		activated_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	`

	_, err := sm.db.ExecContext(ctx, query)
	return err
}

// UpsertSubscription stores the plan a confirmed payment activated.
// Re-applying the activation of the same request is a no-op.
func (sm *SQLiteManager) UpsertSubscription(ctx context.Context, sub *Subscription) error {
	return upsertSubscription(ctx, sm.db, sm.logger, sub)
}

func upsertSubscription(ctx context.Context, q Querier, logger Logger, sub *Subscription) error {
	query := `
	INSERT INTO subscriptions (user_id, plan, request_id, activated_at, expires_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		plan = excluded.plan,
		request_id = excluded.request_id,
		activated_at = excluded.activated_at,
		expires_at = excluded.expires_at
	WHERE subscriptions.request_id != excluded.request_id
	`

	_, err := ExecWithLogging(ctx, q, query, logger, "database",
		sub.UserID, sub.Plan, sub.RequestID, sub.ActivatedAt.Unix(), sub.ExpiresAt.Unix())
	return err
}

// GetSubscription returns nil, nil when the user never subscribed
func (sm *SQLiteManager) GetSubscription(ctx context.Context, userID string) (*Subscription, error) {
	query := `SELECT user_id, plan, request_id, activated_at, expires_at FROM subscriptions WHERE user_id = ?`
	return QueryRowSingle(ctx, sm.db, query,
		func(row *sql.Row) (*Subscription, error) {
			sub := &Subscription{}
			var activatedAt, expiresAt int64
			if err := row.Scan(&sub.UserID, &sub.Plan, &sub.RequestID, &activatedAt, &expiresAt); err != nil {
				return nil, err
			}
			sub.ActivatedAt = time.Unix(activatedAt, 0)
			sub.ExpiresAt = time.Unix(expiresAt, 0)
			return sub, nil
		},
		sm.logger, "database", userID)
}
