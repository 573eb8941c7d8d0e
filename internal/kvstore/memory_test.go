package kvstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_AddWithin(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Run("admits up to limit then refuses", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			state, err := store.AddWithin(ctx, "k1", 1, 3, time.Minute, start.Add(time.Duration(i)*time.Second))
			require.NoError(t, err)
			assert.True(t, state.Allowed, "call %d should be allowed", i+1)
			assert.Equal(t, int64(i+1), state.Total)
			assert.Equal(t, start.Add(time.Minute), state.ResetAt)
		}

		state, err := store.AddWithin(ctx, "k1", 1, 3, time.Minute, start.Add(10*time.Second))
		require.NoError(t, err)
		assert.False(t, state.Allowed)
		assert.Equal(t, int64(3), state.Total)
	})

	t.Run("window resets after reset time", func(t *testing.T) {
		state, err := store.AddWithin(ctx, "k1", 1, 3, time.Minute, start.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, state.Allowed)
		assert.Equal(t, int64(1), state.Total)
		assert.Equal(t, start.Add(2*time.Minute), state.ResetAt)
	})

	t.Run("amount that overshoots is refused without consuming", func(t *testing.T) {
		_, err := store.AddWithin(ctx, "cap", 700, 1000, time.Hour, start)
		require.NoError(t, err)

		state, err := store.AddWithin(ctx, "cap", 400, 1000, time.Hour, start)
		require.NoError(t, err)
		assert.False(t, state.Allowed)
		assert.Equal(t, int64(700), state.Total)

		state, err = store.AddWithin(ctx, "cap", 300, 1000, time.Hour, start)
		require.NoError(t, err)
		assert.True(t, state.Allowed)
		assert.Equal(t, int64(1000), state.Total)
	})

	t.Run("negative delta releases but never below zero", func(t *testing.T) {
		state, err := store.AddWithin(ctx, "cap", -300, 0, time.Hour, start)
		require.NoError(t, err)
		assert.Equal(t, int64(700), state.Total)

		state, err = store.AddWithin(ctx, "cap", -5000, 0, time.Hour, start)
		require.NoError(t, err)
		assert.Equal(t, int64(0), state.Total)
	})
}

func TestMemoryStore_AddWithinConcurrent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			state, err := store.AddWithin(ctx, "user:race", 1, 10, time.Minute, now)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if state.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, allowed)
}

func TestMemoryStore_Values(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	clock := time.Now()
	store.now = func() time.Time { return clock }

	ok, err := store.SetNX(ctx, "claim", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetNX(ctx, "claim", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second claim must fail while first is live")

	value, err := store.Get(ctx, "claim")
	require.NoError(t, err)
	assert.Equal(t, "a", value)

	clock = clock.Add(2 * time.Minute)
	_, err = store.Get(ctx, "claim")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	ok, err = store.SetNX(ctx, "claim", "c", 0)
	require.NoError(t, err)
	assert.True(t, ok, "expired claim can be taken again")

	require.NoError(t, store.Delete(ctx, "claim"))
	_, err = store.Get(ctx, "claim")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestMemoryStore_Sweep(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	clock := time.Now()
	store.now = func() time.Time { return clock }

	require.NoError(t, store.Set(ctx, "short", "x", time.Second))
	require.NoError(t, store.Set(ctx, "forever", "y", 0))
	_, err := store.AddWithin(ctx, "counter", 1, 5, time.Second, clock)
	require.NoError(t, err)

	clock = clock.Add(5 * time.Second)
	assert.Equal(t, 2, store.Sweep())

	value, err := store.Get(ctx, "forever")
	require.NoError(t, err)
	assert.Equal(t, "y", value)
}
