package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/kvstore"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestRateLimiter_Allow(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(kvstore.NewMemoryStore(), 10, time.Minute)
	rl.now = clock.Now

	t.Run("ten calls allowed eleventh refused", func(t *testing.T) {
		for i := 0; i < 10; i++ {
			d, err := rl.Allow(ctx, "user-1")
			require.NoError(t, err)
			assert.True(t, d.Allowed, "call %d", i+1)
			clock.Advance(time.Second)
		}

		d, err := rl.Allow(ctx, "user-1")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, int64(0), d.Remaining)
		assert.Equal(t, time.Date(2025, 3, 1, 9, 1, 0, 0, time.UTC), d.ResetAt)
	})

	t.Run("users are independent", func(t *testing.T) {
		d, err := rl.Allow(ctx, "user-2")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, int64(9), d.Remaining)
	})

	t.Run("window elapses", func(t *testing.T) {
		clock.Advance(time.Minute)
		d, err := rl.Allow(ctx, "user-1")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})
}

func TestRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(kvstore.NewMemoryStore(), 0, 0)
	assert.Equal(t, int64(DefaultRequestLimit), rl.Limit())
	assert.Equal(t, DefaultRequestWindow, rl.window)
}

func TestDailyCapTracker(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)}
	dc := NewDailyCapTracker(kvstore.NewMemoryStore(), 1000)
	dc.now = clock.Now

	d, err := dc.Allow(ctx, "user-1", 600)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(400), d.Remaining)

	d, err = dc.Allow(ctx, "user-1", 500)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "600+500 exceeds cap")

	require.NoError(t, dc.Release(ctx, "user-1", 200))

	d, err = dc.Allow(ctx, "user-1", 500)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "release freed room")
	assert.Equal(t, int64(100), d.Remaining)

	clock.Advance(24 * time.Hour)
	d, err = dc.Allow(ctx, "user-1", 1000)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "new day")

	_, err = dc.Allow(ctx, "user-1", 0)
	assert.Error(t, err)
}

func TestDailyCapTracker_ConcurrentReservations(t *testing.T) {
	ctx := context.Background()
	dc := NewDailyCapTracker(kvstore.NewMemoryStore(), 1000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var granted int64

	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := dc.Allow(ctx, "user-race", 100)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if d.Allowed {
				mu.Lock()
				granted += 100
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1000), granted)
}
