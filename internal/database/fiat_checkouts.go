package database

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const fiatCheckoutColumns = `ref, network_id, payer, recipient, amount_cents, url, status, created_at, settled_at`

// Fiat checkout states
const (
	CheckoutStatusPending = "pending"
	CheckoutStatusPaid    = "paid"
	CheckoutStatusFailed  = "failed"
)

// FiatCheckout is a hosted checkout opened for a fiat payment. It stays
// pending until an operator reconciles it against the PayPal account.
type FiatCheckout struct {
	Ref         string
	NetworkID   string
	Payer       string
	Recipient   string
	AmountCents string
	URL         string
	Status      string
	CreatedAt   time.Time
	SettledAt   *time.Time
}

// CreateFiatCheckout records a new pending checkout
func (sm *SQLiteManager) CreateFiatCheckout(ctx context.Context, c *FiatCheckout) error {
	query := `
	INSERT INTO fiat_checkouts (ref, network_id, payer, recipient, amount_cents, url, status, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	status := c.Status
	if status == "" {
		status = CheckoutStatusPending
	}
	_, err := ExecWithLogging(ctx, sm.db, query, sm.logger, "database",
		c.Ref, c.NetworkID, c.Payer, NullableString(c.Recipient), c.AmountCents, c.URL, status, c.CreatedAt.Unix())
	return err
}

// GetFiatCheckout returns nil, nil for an unknown reference
func (sm *SQLiteManager) GetFiatCheckout(ctx context.Context, ref string) (*FiatCheckout, error) {
	query := `
	SELECT ` + fiatCheckoutColumns + `
	FROM fiat_checkouts WHERE ref = ?`

	return QueryRowSingle(ctx, sm.db, query,
		func(row *sql.Row) (*FiatCheckout, error) { return scanFiatCheckout(row) },
		sm.logger, "database", ref)
}

// SettleFiatCheckout moves a pending checkout to paid or failed. Settling a
// checkout that is no longer pending returns ErrStaleState.
func (sm *SQLiteManager) SettleFiatCheckout(ctx context.Context, ref, status string, settledAt time.Time) error {
	query := `
	UPDATE fiat_checkouts
	SET status = ?, settled_at = ?
	WHERE ref = ? AND status = 'pending'
	`

	_, err := ExecWithAffectedRowsCheck(ctx, sm.db, query, sm.logger, "database",
		status, settledAt.Unix(), ref)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrStaleState
	}
	return err
}

// ListPendingFiatCheckouts returns checkouts awaiting reconciliation, oldest first
func (sm *SQLiteManager) ListPendingFiatCheckouts(ctx context.Context, limit int) ([]*FiatCheckout, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
	SELECT ` + fiatCheckoutColumns + `
	FROM fiat_checkouts
	WHERE status = 'pending'
	ORDER BY created_at ASC
	LIMIT ?`

	return QueryRows(ctx, sm.db, query,
		func(rows *sql.Rows) (*FiatCheckout, error) { return scanFiatCheckout(rows) },
		sm.logger, "database", limit)
}

func scanFiatCheckout(row rowScanner) (*FiatCheckout, error) {
	c := &FiatCheckout{}
	var recipient sql.NullString
	var createdAt int64
	var settledAt sql.NullInt64
	if err := row.Scan(&c.Ref, &c.NetworkID, &c.Payer, &recipient, &c.AmountCents, &c.URL,
		&c.Status, &createdAt, &settledAt); err != nil {
		return nil, err
	}
	c.Recipient = ScanNullableString(recipient)
	c.CreatedAt = time.Unix(createdAt, 0)
	c.SettledAt = ScanNullableTime(settledAt)
	return c, nil
}
