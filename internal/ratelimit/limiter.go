package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/kvstore"
)

const (
	DefaultRequestLimit  = 10
	DefaultRequestWindow = 60 * time.Second
	DefaultDailyWindow   = 24 * time.Hour
	// 1000 tokens at 6 decimals
	DefaultDailyCap int64 = 1_000_000_000
)

// Decision is the outcome of a limiter check
type Decision struct {
	Allowed   bool
	Remaining int64
	ResetAt   time.Time
}

// RateLimiter counts reward calls per user in a fixed window that starts on
// the first call and resets once it elapses.
type RateLimiter struct {
	store  kvstore.Store
	limit  int64
	window time.Duration
	now    func() time.Time
}

// NewRateLimiter creates a limiter allowing limit calls per window.
// Non-positive values fall back to 10 per minute.
func NewRateLimiter(store kvstore.Store, limit int64, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRequestLimit
	}
	if window <= 0 {
		window = DefaultRequestWindow
	}
	return &RateLimiter{store: store, limit: limit, window: window, now: time.Now}
}

func (rl *RateLimiter) Allow(ctx context.Context, userID string) (Decision, error) {
	state, err := rl.store.AddWithin(ctx, rateKey(userID), 1, rl.limit, rl.window, rl.now())
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check for %s: %w", userID, err)
	}
	return Decision{
		Allowed:   state.Allowed,
		Remaining: rl.limit - state.Total,
		ResetAt:   state.ResetAt,
	}, nil
}

// Limit returns the configured calls per window
func (rl *RateLimiter) Limit() int64 {
	return rl.limit
}

// DailyCapTracker accumulates rewarded amounts per user over a 24h window.
// Allow reserves the amount up front; Release hands it back when the payout
// that reserved it did not happen.
type DailyCapTracker struct {
	store  kvstore.Store
	cap    int64
	window time.Duration
	now    func() time.Time
}

func NewDailyCapTracker(store kvstore.Store, cap int64) *DailyCapTracker {
	if cap <= 0 {
		cap = DefaultDailyCap
	}
	return &DailyCapTracker{store: store, cap: cap, window: DefaultDailyWindow, now: time.Now}
}

func (dc *DailyCapTracker) Allow(ctx context.Context, userID string, amount int64) (Decision, error) {
	if amount <= 0 {
		return Decision{}, fmt.Errorf("daily cap amount must be positive, got %d", amount)
	}

	state, err := dc.store.AddWithin(ctx, dailyKey(userID), amount, dc.cap, dc.window, dc.now())
	if err != nil {
		return Decision{}, fmt.Errorf("daily cap check for %s: %w", userID, err)
	}
	return Decision{
		Allowed:   state.Allowed,
		Remaining: dc.cap - state.Total,
		ResetAt:   state.ResetAt,
	}, nil
}

func (dc *DailyCapTracker) Release(ctx context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return nil
	}
	_, err := dc.store.AddWithin(ctx, dailyKey(userID), -amount, dc.cap, dc.window, dc.now())
	if err != nil {
		return fmt.Errorf("daily cap release for %s: %w", userID, err)
	}
	return nil
}

func (dc *DailyCapTracker) Cap() int64 {
	return dc.cap
}

func rateKey(userID string) string {
	return "ratelimit:reward:" + userID
}

func dailyKey(userID string) string {
	return "dailycap:reward:" + userID
}
