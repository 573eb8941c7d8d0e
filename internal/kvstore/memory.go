package kvstore

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const memoryShards = 32

type counterEntry struct {
	total   int64
	resetAt time.Time
}

type valueEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

type memoryShard struct {
	mu       sync.Mutex
	counters map[string]*counterEntry
	values   map[string]*valueEntry
}

// MemoryStore is a process-local Store. Keys are spread over shards and each
// shard has its own mutex, so unrelated users never contend on one lock.
type MemoryStore struct {
	shards [memoryShards]*memoryShard
	now    func() time.Time
}

// NewMemoryStore creates an empty in-process store
func NewMemoryStore() *MemoryStore {
	ms := &MemoryStore{now: time.Now}
	for i := range ms.shards {
		ms.shards[i] = &memoryShard{
			counters: make(map[string]*counterEntry),
			values:   make(map[string]*valueEntry),
		}
	}
	return ms
}

func (ms *MemoryStore) shard(key string) *memoryShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return ms.shards[h.Sum32()%memoryShards]
}

func (ms *MemoryStore) AddWithin(ctx context.Context, key string, delta, limit int64, window time.Duration, now time.Time) (WindowState, error) {
	if err := ctx.Err(); err != nil {
		return WindowState{}, err
	}

	s := ms.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.counters[key]
	if !ok || !now.Before(entry.resetAt) {
		if delta <= 0 {
			// Nothing to release in an elapsed window
			delete(s.counters, key)
			return WindowState{Allowed: true, ResetAt: now.Add(window)}, nil
		}
		entry = &counterEntry{resetAt: now.Add(window)}
		s.counters[key] = entry
	}

	if delta > 0 && entry.total+delta > limit {
		return WindowState{Allowed: false, Total: entry.total, ResetAt: entry.resetAt}, nil
	}

	entry.total += delta
	if entry.total < 0 {
		entry.total = 0
	}

	return WindowState{Allowed: true, Total: entry.total, ResetAt: entry.resetAt}, nil
}

func (ms *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s := ms.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.values[key]; ok && !ms.expired(existing) {
		return false, nil
	}
	s.values[key] = ms.newValue(value, ttl)
	return true, nil
}

func (ms *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s := ms.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.values[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	if ms.expired(entry) {
		delete(s.values, key)
		return "", ErrKeyNotFound
	}
	return entry.value, nil
}

func (ms *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s := ms.shard(key)
	s.mu.Lock()
	s.values[key] = ms.newValue(value, ttl)
	s.mu.Unlock()
	return nil
}

func (ms *MemoryStore) Delete(ctx context.Context, key string) error {
	s := ms.shard(key)
	s.mu.Lock()
	delete(s.values, key)
	delete(s.counters, key)
	s.mu.Unlock()
	return nil
}

// Sweep drops expired values and elapsed counter windows
func (ms *MemoryStore) Sweep() int {
	now := ms.now()
	removed := 0
	for _, s := range ms.shards {
		s.mu.Lock()
		for k, v := range s.values {
			if !v.expiresAt.IsZero() && !now.Before(v.expiresAt) {
				delete(s.values, k)
				removed++
			}
		}
		for k, c := range s.counters {
			if !now.Before(c.resetAt) {
				delete(s.counters, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func (ms *MemoryStore) Close() error {
	return nil
}

func (ms *MemoryStore) newValue(value string, ttl time.Duration) *valueEntry {
	entry := &valueEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = ms.now().Add(ttl)
	}
	return entry
}

func (ms *MemoryStore) expired(v *valueEntry) bool {
	return !v.expiresAt.IsZero() && !ms.now().Before(v.expiresAt)
}
