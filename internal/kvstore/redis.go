package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// addWithinScript keeps the window check and the increment in one round trip so
// two instances never both admit the request that crosses the limit.
// Counters live in a hash {total, reset_at} with reset_at in unix milliseconds.
var addWithinScript = redis.NewScript(`
local total = tonumber(redis.call('HGET', KEYS[1], 'total') or '0')
local reset = tonumber(redis.call('HGET', KEYS[1], 'reset_at') or '0')
local delta = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

if reset == 0 or now >= reset then
	if delta <= 0 then
		redis.call('DEL', KEYS[1])
		return {1, 0, now + window}
	end
	total = 0
	reset = now + window
end

if delta > 0 and total + delta > limit then
	return {0, total, reset}
end

total = total + delta
if total < 0 then
	total = 0
end

redis.call('HSET', KEYS[1], 'total', total, 'reset_at', reset)
redis.call('PEXPIREAT', KEYS[1], reset)
return {1, total, reset}
`)

// RedisStore is a Store shared between settlement instances
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore connects to Redis and verifies the connection with PING
func NewRedisStore(ctx context.Context, opts *redis.Options, keyPrefix string) (*RedisStore, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return NewRedisStoreWithClient(client, keyPrefix), nil
}

// NewRedisStoreFromURL parses a redis:// URL (REDIS_URL style)
func NewRedisStoreFromURL(ctx context.Context, url string, keyPrefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return NewRedisStore(ctx, opts, keyPrefix)
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (rs *RedisStore) key(k string) string {
	return rs.keyPrefix + k
}

func (rs *RedisStore) AddWithin(ctx context.Context, key string, delta, limit int64, window time.Duration, now time.Time) (WindowState, error) {
	res, err := addWithinScript.Run(ctx, rs.client,
		[]string{rs.key(key)},
		delta, limit, window.Milliseconds(), now.UnixMilli(),
	).Int64Slice()
	if err != nil {
		return WindowState{}, fmt.Errorf("counter update failed for %s: %w", key, err)
	}
	if len(res) != 3 {
		return WindowState{}, fmt.Errorf("unexpected counter reply for %s: %v", key, res)
	}

	return WindowState{
		Allowed: res[0] == 1,
		Total:   res[1],
		ResetAt: time.UnixMilli(res[2]),
	}, nil
}

func (rs *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return rs.client.SetNX(ctx, rs.key(key), value, ttl).Result()
}

func (rs *RedisStore) Get(ctx context.Context, key string) (string, error) {
	value, err := rs.client.Get(ctx, rs.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrKeyNotFound
	}
	return value, err
}

func (rs *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return rs.client.Set(ctx, rs.key(key), value, ttl).Err()
}

func (rs *RedisStore) Delete(ctx context.Context, key string) error {
	return rs.client.Del(ctx, rs.key(key)).Err()
}

func (rs *RedisStore) Close() error {
	return rs.client.Close()
}
