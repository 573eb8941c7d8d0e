package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Payment request statuses. Everything except pending is terminal.
const (
	PaymentStatusPending   = "pending"
	PaymentStatusConfirmed = "confirmed"
	PaymentStatusFailed    = "failed"
	PaymentStatusExpired   = "expired"
)

var (
	// ErrDuplicateTxRef is returned when a transaction reference is already
	// attached to another payment request
	ErrDuplicateTxRef = errors.New("transaction reference already attached")
	// ErrStaleState is returned when a conditional update found the row in a
	// different state than expected
	ErrStaleState = errors.New("payment request state changed")
)

// PaymentRequest is a subscription payment tracked from creation to a terminal status
type PaymentRequest struct {
	ID                  int64      `json:"-"`
	RequestID           string     `json:"request_id"`
	UserID              string     `json:"user_id"`
	Plan                string     `json:"plan"`
	PriceCents          int64      `json:"price_cents"`
	NetworkID           string     `json:"network_id,omitempty"`
	AmountBaseUnits     string     `json:"amount_base_units,omitempty"` // decimal string, may exceed 64 bits
	UserAddress         string     `json:"user_address,omitempty"`
	TxRef               string     `json:"tx_ref,omitempty"`
	Status              string     `json:"status"`
	FailureReason       string     `json:"failure_reason,omitempty"`
	CreatedAt           time.Time  `json:"-"`
	ExpiresAt           time.Time  `json:"-"`
	SubmittedAt         *time.Time `json:"-"`
	ConfirmedAt         *time.Time `json:"-"`
	ActivationExpiresAt *time.Time `json:"-"`
}

// MarshalJSON customizes JSON marshaling to convert timestamps to Unix seconds
func (p *PaymentRequest) MarshalJSON() ([]byte, error) {
	type Alias PaymentRequest
	return json.Marshal(&struct {
		*Alias
		CreatedAt           int64  `json:"created_at"`
		ExpiresAt           int64  `json:"expires_at"`
		SubmittedAt         *int64 `json:"submitted_at,omitempty"`
		ConfirmedAt         *int64 `json:"confirmed_at,omitempty"`
		ActivationExpiresAt *int64 `json:"activation_expires_at,omitempty"`
	}{
		Alias:               (*Alias)(p),
		CreatedAt:           p.CreatedAt.Unix(),
		ExpiresAt:           p.ExpiresAt.Unix(),
		SubmittedAt:         timeToUnix(p.SubmittedAt),
		ConfirmedAt:         timeToUnix(p.ConfirmedAt),
		ActivationExpiresAt: timeToUnix(p.ActivationExpiresAt),
	})
}

// IsFinal reports whether the request reached a terminal status
func (p *PaymentRequest) IsFinal() bool {
	return p.Status != PaymentStatusPending
}

// timeToUnix converts *time.Time to *int64 Unix timestamp
func timeToUnix(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	unix := t.Unix()
	return &unix
}

// InitPaymentRequestsTable creates the payment_requests table.
// tx_ref is UNIQUE so one on-chain transaction can settle at most one request.
func (sm *SQLiteManager) InitPaymentRequestsTable(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS payment_requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		plan TEXT NOT NULL,
		price_cents INTEGER NOT NULL,
		network_id TEXT,
		amount_base_units TEXT,
		user_address TEXT,
		tx_ref TEXT UNIQUE,
		status TEXT NOT NULL DEFAULT 'pending',
		failure_reason TEXT,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		submitted_at INTEGER,
		confirmed_at INTEGER,
		activation_expires_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_payment_requests_user ON payment_requests(user_id);
	CREATE INDEX IF NOT EXISTS idx_payment_requests_status ON payment_requests(status);
	`

	_, err := sm.db.ExecContext(ctx, query)
	return err
}

// CreatePaymentRequest inserts a new pending request
func (sm *SQLiteManager) CreatePaymentRequest(ctx context.Context, req *PaymentRequest) error {
	query := `
	INSERT INTO payment_requests (
		request_id, user_id, plan, price_cents, status, created_at, expires_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := ExecWithLogging(ctx, sm.db, query, sm.logger, "database",
		req.RequestID,
		req.UserID,
		req.Plan,
		req.PriceCents,
		req.Status,
		req.CreatedAt.Unix(),
		req.ExpiresAt.Unix(),
	)
	if err != nil {
		return err
	}

	req.ID, _ = result.LastInsertId()
	return nil
}

const paymentRequestColumns = `
	id, request_id, user_id, plan, price_cents, network_id, amount_base_units,
	user_address, tx_ref, status, failure_reason, created_at, expires_at,
	submitted_at, confirmed_at, activation_expires_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPaymentRequest(row rowScanner) (*PaymentRequest, error) {
	req := &PaymentRequest{}
	var networkID, amount, userAddress, txRef, failureReason sql.NullString
	var createdAt, expiresAt int64
	var submittedAt, confirmedAt, activationExpiresAt sql.NullInt64

	err := row.Scan(
		&req.ID,
		&req.RequestID,
		&req.UserID,
		&req.Plan,
		&req.PriceCents,
		&networkID,
		&amount,
		&userAddress,
		&txRef,
		&req.Status,
		&failureReason,
		&createdAt,
		&expiresAt,
		&submittedAt,
		&confirmedAt,
		&activationExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	req.NetworkID = ScanNullableString(networkID)
	req.AmountBaseUnits = ScanNullableString(amount)
	req.UserAddress = ScanNullableString(userAddress)
	req.TxRef = ScanNullableString(txRef)
	req.FailureReason = ScanNullableString(failureReason)
	req.CreatedAt = time.Unix(createdAt, 0)
	req.ExpiresAt = time.Unix(expiresAt, 0)
	req.SubmittedAt = ScanNullableTime(submittedAt)
	req.ConfirmedAt = ScanNullableTime(confirmedAt)
	req.ActivationExpiresAt = ScanNullableTime(activationExpiresAt)

	return req, nil
}

// GetPaymentRequest returns nil, nil when the request does not exist
func (sm *SQLiteManager) GetPaymentRequest(ctx context.Context, requestID string) (*PaymentRequest, error) {
	query := `SELECT ` + paymentRequestColumns + ` FROM payment_requests WHERE request_id = ?`
	return QueryRowSingle(ctx, sm.db, query,
		func(row *sql.Row) (*PaymentRequest, error) { return scanPaymentRequest(row) },
		sm.logger, "database", requestID)
}

// GetPaymentRequestByTxRef finds the request a transaction reference is attached to
func (sm *SQLiteManager) GetPaymentRequestByTxRef(ctx context.Context, txRef string) (*PaymentRequest, error) {
	query := `SELECT ` + paymentRequestColumns + ` FROM payment_requests WHERE tx_ref = ?`
	return QueryRowSingle(ctx, sm.db, query,
		func(row *sql.Row) (*PaymentRequest, error) { return scanPaymentRequest(row) },
		sm.logger, "database", txRef)
}

// ListPaymentRequestsByUser returns a user's requests, newest first
func (sm *SQLiteManager) ListPaymentRequestsByUser(ctx context.Context, userID string, limit, offset int) ([]*PaymentRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + paymentRequestColumns + `
	FROM payment_requests
	WHERE user_id = ?
	ORDER BY created_at DESC, id DESC
	LIMIT ? OFFSET ?`

	return QueryRows(ctx, sm.db, query,
		func(rows *sql.Rows) (*PaymentRequest, error) { return scanPaymentRequest(rows) },
		sm.logger, "database", userID, limit, offset)
}

// ListSubmittedPendingRequests returns pending requests that already carry a
// transaction reference and are waiting for finality
func (sm *SQLiteManager) ListSubmittedPendingRequests(ctx context.Context, limit int) ([]*PaymentRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + paymentRequestColumns + `
	FROM payment_requests
	WHERE status = 'pending' AND tx_ref IS NOT NULL
	ORDER BY submitted_at ASC
	LIMIT ?`

	return QueryRows(ctx, sm.db, query,
		func(rows *sql.Rows) (*PaymentRequest, error) { return scanPaymentRequest(rows) },
		sm.logger, "database", limit)
}

// AttachPaymentTransaction records the submitted transfer on a pending request.
// The update only applies while the request is pending and has no reference yet.
// A reference already used by any other request yields ErrDuplicateTxRef.
func (sm *SQLiteManager) AttachPaymentTransaction(
	ctx context.Context,
	requestID, networkID, amountBaseUnits, userAddress, txRef string,
	submittedAt time.Time,
) error {
	query := `
	UPDATE payment_requests
	SET network_id = ?,
		amount_base_units = ?,
		user_address = ?,
		tx_ref = ?,
		submitted_at = ?
	WHERE request_id = ?
	  AND status = 'pending'
	  AND tx_ref IS NULL
	`

	_, err := ExecWithAffectedRowsCheck(ctx, sm.db, query, sm.logger, "database",
		networkID,
		amountBaseUnits,
		NullableString(userAddress),
		txRef,
		submittedAt.Unix(),
		requestID,
	)
	switch {
	case errors.Is(err, ErrUniqueViolation):
		return fmt.Errorf("%w: %s", ErrDuplicateTxRef, txRef)
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: %s is not an unsubmitted pending request", ErrStaleState, requestID)
	}
	return err
}

// MarkPaymentConfirmed moves a pending request to confirmed. A request whose
// expiry passed before confirmedAt stays where it is and yields ErrStaleState.
func (sm *SQLiteManager) MarkPaymentConfirmed(ctx context.Context, requestID string, confirmedAt, activationExpiresAt time.Time) error {
	return markPaymentConfirmed(ctx, sm.db, sm.logger, requestID, confirmedAt, activationExpiresAt)
}

// ConfirmPaymentRequest confirms a pending, unexpired request and stores the
// subscription it pays for in one transaction
func (sm *SQLiteManager) ConfirmPaymentRequest(ctx context.Context, requestID string, confirmedAt time.Time, sub *Subscription) error {
	tx, err := sm.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer tx.Rollback()

	if err := markPaymentConfirmed(ctx, tx, sm.logger, requestID, confirmedAt, sub.ExpiresAt); err != nil {
		return err
	}
	if err := upsertSubscription(ctx, tx, sm.logger, sub); err != nil {
		return err
	}
	return tx.Commit()
}

func markPaymentConfirmed(ctx context.Context, q Querier, logger Logger, requestID string, confirmedAt, activationExpiresAt time.Time) error {
	query := `
	UPDATE payment_requests
	SET status = 'confirmed',
		confirmed_at = ?,
		activation_expires_at = ?
	WHERE request_id = ?
	  AND status = 'pending'
	  AND expires_at >= ?
	`

	_, err := ExecWithAffectedRowsCheck(ctx, q, query, logger, "database",
		confirmedAt.Unix(), activationExpiresAt.Unix(), requestID, confirmedAt.Unix())
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrStaleState, requestID)
	}
	return err
}

// MarkPaymentFailed moves a pending request to failed
func (sm *SQLiteManager) MarkPaymentFailed(ctx context.Context, requestID, reason string) error {
	query := `
	UPDATE payment_requests
	SET status = 'failed',
		failure_reason = ?
	WHERE request_id = ? AND status = 'pending'
	`

	_, err := ExecWithAffectedRowsCheck(ctx, sm.db, query, sm.logger, "database", reason, requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrStaleState, requestID)
	}
	return err
}

// MarkPaymentExpired moves a pending request to expired and reports whether
// it did. Expiring an already terminal request is not an error.
func (sm *SQLiteManager) MarkPaymentExpired(ctx context.Context, requestID string) (bool, error) {
	query := `
	UPDATE payment_requests
	SET status = 'expired'
	WHERE request_id = ? AND status = 'pending'
	`

	result, err := ExecWithLogging(ctx, sm.db, query, sm.logger, "database", requestID)
	if err != nil {
		return false, err
	}
	rowsAffected, _ := result.RowsAffected()
	return rowsAffected > 0, nil
}

// ListStalePendingRequests returns pending requests whose expiry passed.
// A request is stale once now, in whole seconds, is past expires_at.
func (sm *SQLiteManager) ListStalePendingRequests(ctx context.Context, now time.Time, limit int) ([]*PaymentRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + paymentRequestColumns + `
	FROM payment_requests
	WHERE status = 'pending' AND ? > expires_at
	ORDER BY expires_at ASC
	LIMIT ?`

	return QueryRows(ctx, sm.db, query,
		func(rows *sql.Rows) (*PaymentRequest, error) { return scanPaymentRequest(rows) },
		sm.logger, "database", now.Unix(), limit)
}
