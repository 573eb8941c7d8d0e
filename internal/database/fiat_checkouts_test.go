package database

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFiatCheckouts(t *testing.T) {
	ctx := context.Background()
	sm := newTestManager(t)
	now := time.Unix(1_700_000_000, 0)

	for i, ref := range []string{"fiat_a", "fiat_b"} {
		err := sm.CreateFiatCheckout(ctx, &FiatCheckout{
			Ref:         ref,
			NetworkID:   "paypal",
			Payer:       "buyer@example.com",
			AmountCents: "2000",
			URL:         "https://www.paypal.com/ncp/payment/ZVNF5H9PJAJRL",
			CreatedAt:   now.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("CreateFiatCheckout %s: %v", ref, err)
		}
	}

	got, err := sm.GetFiatCheckout(ctx, "fiat_a")
	if err != nil || got == nil {
		t.Fatalf("GetFiatCheckout: %v", err)
	}
	if got.Status != CheckoutStatusPending || got.Recipient != "" || got.SettledAt != nil {
		t.Errorf("Unexpected new checkout: %+v", got)
	}

	missing, err := sm.GetFiatCheckout(ctx, "fiat_missing")
	if err != nil || missing != nil {
		t.Errorf("Expected nil for unknown checkout, got %+v (%v)", missing, err)
	}

	if err := sm.SettleFiatCheckout(ctx, "fiat_a", CheckoutStatusPaid, now.Add(time.Hour)); err != nil {
		t.Fatalf("SettleFiatCheckout: %v", err)
	}
	if err := sm.SettleFiatCheckout(ctx, "fiat_a", CheckoutStatusFailed, now.Add(2*time.Hour)); !errors.Is(err, ErrStaleState) {
		t.Errorf("Expected ErrStaleState settling twice, got %v", err)
	}

	got, _ = sm.GetFiatCheckout(ctx, "fiat_a")
	if got.Status != CheckoutStatusPaid || got.SettledAt == nil || got.SettledAt.Unix() != now.Add(time.Hour).Unix() {
		t.Errorf("Settled checkout not persisted: %+v", got)
	}

	pending, err := sm.ListPendingFiatCheckouts(ctx, 0)
	if err != nil || len(pending) != 1 || pending[0].Ref != "fiat_b" {
		t.Errorf("Expected only fiat_b pending, got %d (%v)", len(pending), err)
	}
}
