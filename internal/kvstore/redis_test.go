package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	client.FlushDB(ctx)

	t.Cleanup(func() {
		client.FlushDB(ctx)
		client.Close()
	})

	return NewRedisStoreWithClient(client, "test:")
}

func TestRedisStore_AddWithin(t *testing.T) {
	store := setupTestRedis(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 10; i++ {
		state, err := store.AddWithin(ctx, "rate:user-1", 1, 10, time.Minute, now)
		require.NoError(t, err)
		assert.True(t, state.Allowed, "request %d should be allowed", i+1)
	}

	state, err := store.AddWithin(ctx, "rate:user-1", 1, 10, time.Minute, now)
	require.NoError(t, err)
	assert.False(t, state.Allowed, "11th request should be denied")
	assert.Equal(t, int64(10), state.Total)
	assert.WithinDuration(t, now.Add(time.Minute), state.ResetAt, time.Millisecond)

	state, err = store.AddWithin(ctx, "rate:user-1", 1, 10, time.Minute, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, state.Allowed, "new window should admit again")
	assert.Equal(t, int64(1), state.Total)
}

func TestRedisStore_Values(t *testing.T) {
	store := setupTestRedis(t)
	ctx := context.Background()

	ok, err := store.SetNX(ctx, "claim:abc", "1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetNX(ctx, "claim:abc", "2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, store.Set(ctx, "fiat:ref", "paid", 0))
	value, err := store.Get(ctx, "fiat:ref")
	require.NoError(t, err)
	assert.Equal(t, "paid", value)
}
