package payment

import (
	"context"
	"fmt"
	"time"
)

// Logger interface - compatible with utils.LogsManager
type Logger interface {
	Debug(message, category string)
	Info(message, category string)
	Warn(message, category string)
	Error(message, category string)
}

// ProtocolFamily selects the adapter that speaks a network's wire protocol
type ProtocolFamily string

const (
	FamilyEVM    ProtocolFamily = "evm"
	FamilyTRON   ProtocolFamily = "tron"
	FamilySolana ProtocolFamily = "solana"
	FamilyFiat   ProtocolFamily = "fiat"
)

func (f ProtocolFamily) Valid() bool {
	switch f {
	case FamilyEVM, FamilyTRON, FamilySolana, FamilyFiat:
		return true
	}
	return false
}

// Plan is a subscription tier
type Plan string

const (
	PlanFree    Plan = "free"
	PlanPro     Plan = "pro"
	PlanPremium Plan = "premium"
)

// ParsePlan accepts the tiers a user can pay for
func ParsePlan(s string) (Plan, error) {
	switch p := Plan(s); p {
	case PlanPro, PlanPremium:
		return p, nil
	}
	return "", fmt.Errorf("%w: unknown plan %q", ErrValidation, s)
}

// TxRef identifies a submitted transfer: a tx hash, a signature or a checkout id
type TxRef string

// Finality is the read-only state of a submitted transfer
type Finality int

const (
	FinalityPending Finality = iota
	FinalitySuccess
	FinalityFailed
)

func (f Finality) String() string {
	switch f {
	case FinalitySuccess:
		return "success"
	case FinalityFailed:
		return "failed"
	}
	return "pending"
}

// VerificationResult is what the verification service concluded
type VerificationResult int

const (
	NotYetFinal VerificationResult = iota
	Verified
	VerificationFailed
)

func (r VerificationResult) String() string {
	switch r {
	case Verified:
		return "verified"
	case VerificationFailed:
		return "failed"
	}
	return "not_yet_final"
}

// SubscriptionActivation is emitted once per confirmed payment
type SubscriptionActivation struct {
	UserID    string    `json:"user_id"`
	Plan      Plan      `json:"plan"`
	RequestID string    `json:"request_id"`
	TxRef     TxRef     `json:"tx_ref"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ActivationSink receives subscription activations
type ActivationSink interface {
	Activate(ctx context.Context, activation SubscriptionActivation) error
}

// PlanResolver returns a user's plan at the moment of the call
type PlanResolver interface {
	CurrentPlan(ctx context.Context, userID string) (Plan, error)
}

// Settlement event types published to live subscribers
const (
	EventPaymentCreated   = "payment.created"
	EventPaymentSubmitted = "payment.submitted"
	EventPaymentConfirmed = "payment.confirmed"
	EventPaymentFailed    = "payment.failed"
	EventPaymentExpired   = "payment.expired"
	EventRewardSettled    = "reward.settled"
)

// SettlementEvent is a state change worth pushing to connected clients
type SettlementEvent struct {
	Type    string      `json:"type"`
	UserID  string      `json:"user_id"`
	Payload interface{} `json:"payload"`
}

// EventPublisher fans settlement events out. Publish must not block.
type EventPublisher interface {
	Publish(event SettlementEvent)
}

type noopPublisher struct{}

func (noopPublisher) Publish(SettlementEvent) {}
