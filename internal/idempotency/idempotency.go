// Package idempotency is the request-replay cache shared by ride creation
// and payment submission: the same idempotency key returns the identical
// first response instead of re-running the side-effecting handler.
// Grounded in the teacher's internal/dispatch/idempotency.go (in-memory
// TTL cache) and internal/storage/idempotency.go (durable variant), unified
// behind one Store interface and backed by Redis the way the distilled
// Python implementation's check_idempotency/store_idempotency_result pair
// does (SETEX idempotency:{key}).
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TTL is the default replay window: 24 hours, matching the original
// implementation's IDEMPOTENCY_TTL.
const TTL = 24 * time.Hour

// Record is the cached response for a previously-seen idempotency key.
type Record struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body"`
}

type Store interface {
	Lookup(ctx context.Context, key string) (Record, bool, error)
	Remember(ctx context.Context, key string, rec Record) error
}

// RedisStore is the production-path store.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, ttl: TTL}
}

func redisKey(key string) string { return fmt.Sprintf("idempotency:%s", key) }

func (s *RedisStore) Lookup(ctx context.Context, key string) (Record, bool, error) {
	if key == "" {
		return Record{}, false, nil
	}
	raw, err := s.client.Get(ctx, redisKey(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (s *RedisStore) Remember(ctx context.Context, key string, rec Record) error {
	if key == "" {
		return nil
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, redisKey(key), raw, s.ttl).Err()
}

// MemoryStore is the in-process Store used by the tests; cmd/server always
// wires RedisStore.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	ttl     time.Duration
}

type memEntry struct {
	rec    Record
	expiry time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry), ttl: TTL}
}

func (s *MemoryStore) Lookup(_ context.Context, key string) (Record, bool, error) {
	if key == "" {
		return Record{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return Record{}, false, nil
	}
	if time.Now().After(e.expiry) {
		delete(s.entries, key)
		return Record{}, false, nil
	}
	return e.rec, true, nil
}

func (s *MemoryStore) Remember(_ context.Context, key string, rec Record) error {
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memEntry{rec: rec, expiry: time.Now().Add(s.ttl)}
	return nil
}
