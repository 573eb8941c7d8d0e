package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound is returned by Get when the key is absent or expired
var ErrKeyNotFound = errors.New("key not found")

// WindowState is the result of a windowed counter update
type WindowState struct {
	Allowed bool
	Total   int64
	ResetAt time.Time
}

// Store is the shared key-value abstraction used for throttling counters,
// one-time claims and small status records.
//
// Implementations must make every operation atomic per key so several
// settlement instances can share one backend.
type Store interface {
	// AddWithin adds delta to the counter stored under key inside a window
	// that starts on first use and resets once now >= ResetAt.
	// A positive delta that would push the total above limit is refused
	// without changing the counter. A negative delta releases a previous
	// reservation and never drops the total below zero.
	AddWithin(ctx context.Context, key string, delta, limit int64, window time.Duration, now time.Time) (WindowState, error)

	// SetNX stores value only if key does not exist. Reports whether it was stored.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}
