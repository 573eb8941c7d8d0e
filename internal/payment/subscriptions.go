package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/database"
)

// SubscriptionStore persists the current plan per user
type SubscriptionStore interface {
	UpsertSubscription(ctx context.Context, sub *database.Subscription) error
	GetSubscription(ctx context.Context, userID string) (*database.Subscription, error)
	ConfirmPaymentRequest(ctx context.Context, requestID string, confirmedAt time.Time, sub *database.Subscription) error
}

// SubscriptionLedger is the default ActivationSink and PlanResolver. A user
// without an unexpired subscription is on the free plan.
type SubscriptionLedger struct {
	store  SubscriptionStore
	logger Logger
	now    func() time.Time
}

func NewSubscriptionLedger(store SubscriptionStore, logger Logger) *SubscriptionLedger {
	return &SubscriptionLedger{store: store, logger: logger, now: time.Now}
}

func (l *SubscriptionLedger) Activate(ctx context.Context, activation SubscriptionActivation) error {
	if err := l.store.UpsertSubscription(ctx, l.subscriptionOf(activation)); err != nil {
		return fmt.Errorf("failed to store subscription: %v", err)
	}

	l.logger.Info(fmt.Sprintf("Subscription %s activated for %s by %s", activation.Plan, activation.UserID, activation.RequestID), "subscriptions")
	return nil
}

// ConfirmAndActivate confirms the paying request and stores its subscription
// in one transaction. A request that is no longer pending or already expired
// yields database.ErrStaleState and activates nothing.
func (l *SubscriptionLedger) ConfirmAndActivate(ctx context.Context, confirmedAt time.Time, activation SubscriptionActivation) error {
	if err := l.store.ConfirmPaymentRequest(ctx, activation.RequestID, confirmedAt, l.subscriptionOf(activation)); err != nil {
		return fmt.Errorf("failed to confirm %s: %w", activation.RequestID, err)
	}

	l.logger.Info(fmt.Sprintf("Subscription %s activated for %s by %s", activation.Plan, activation.UserID, activation.RequestID), "subscriptions")
	return nil
}

func (l *SubscriptionLedger) subscriptionOf(activation SubscriptionActivation) *database.Subscription {
	return &database.Subscription{
		UserID:      activation.UserID,
		Plan:        string(activation.Plan),
		RequestID:   activation.RequestID,
		ActivatedAt: l.now().UTC(),
		ExpiresAt:   activation.ExpiresAt,
	}
}

func (l *SubscriptionLedger) CurrentPlan(ctx context.Context, userID string) (Plan, error) {
	sub, err := l.Subscription(ctx, userID)
	if err != nil {
		return "", err
	}
	if sub == nil {
		return PlanFree, nil
	}
	return Plan(sub.Plan), nil
}

// Subscription returns the user's active subscription, or nil
func (l *SubscriptionLedger) Subscription(ctx context.Context, userID string) (*database.Subscription, error) {
	sub, err := l.store.GetSubscription(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %v", err)
	}
	if sub == nil || !l.now().Before(sub.ExpiresAt) {
		return nil, nil
	}
	return sub, nil
}
