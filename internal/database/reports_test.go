package database

import (
	"context"
	"testing"
	"time"
)

func TestSettlementReports(t *testing.T) {
	ctx := context.Background()
	sm := newTestManager(t)
	now := time.Unix(1_700_000_000, 0)

	insertRequest(t, sm, "pay_1", "user-1", now)
	insertRequest(t, sm, "pay_2", "user-1", now.Add(time.Minute))
	insertRequest(t, sm, "pay_3", "user-2", now.Add(2*time.Minute))
	for _, id := range []string{"pay_1", "pay_2", "pay_3"} {
		if _, err := sm.MarkPaymentExpired(ctx, id); err != nil {
			t.Fatalf("MarkPaymentExpired: %v", err)
		}
	}
	insertRequest(t, sm, "pay_4", "user-2", now.Add(2*time.Hour))

	counts, err := sm.PaymentStatusCounts(ctx)
	if err != nil {
		t.Fatalf("PaymentStatusCounts: %v", err)
	}
	byStatus := map[string]int64{}
	for _, c := range counts {
		byStatus[c.Status] = c.Count
	}
	if byStatus[PaymentStatusExpired] != 3 || byStatus[PaymentStatusPending] != 1 {
		t.Errorf("Unexpected status counts: %v", byStatus)
	}

	for i, status := range []string{BurnStatusBurned, BurnStatusFailed, BurnStatusFailed} {
		reward := &RewardTransaction{
			RewardID:           "r-" + string(rune('a'+i)),
			ConversationID:     "conv-" + string(rune('a'+i)),
			UserID:             "user-1",
			WalletAddress:      "wallet",
			NetworkID:          "convoai",
			Plan:               "free",
			ConversationLength: 40,
			BaseAmount:         1000,
			AdjustedAmount:     1000,
			UserAmount:         900,
			BurnAmount:         100,
			UserTxRef:          "sig",
			BurnStatus:         status,
			CompletedAt:        now.Add(time.Duration(i) * time.Minute),
		}
		if err := sm.CreateRewardTransaction(ctx, reward); err != nil {
			t.Fatalf("CreateRewardTransaction: %v", err)
		}
	}

	totals, err := sm.RewardTotalsByNetwork(ctx)
	if err != nil || len(totals) != 1 {
		t.Fatalf("Expected one network total, got %d (%v)", len(totals), err)
	}
	if totals[0].Rewards != 3 || totals[0].UserAmount != 2700 || totals[0].BurnAmount != 300 || totals[0].FailedBurns != 2 {
		t.Errorf("Unexpected totals: %+v", totals[0])
	}

	failed, err := sm.ListFailedBurns(ctx, 0)
	if err != nil || len(failed) != 2 {
		t.Fatalf("Expected 2 failed burns, got %d (%v)", len(failed), err)
	}
	if failed[0].ConversationID != "conv-b" {
		t.Errorf("Expected oldest failed burn first, got %s", failed[0].ConversationID)
	}
}
