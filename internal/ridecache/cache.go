// Package ridecache is the read-through cache in front of the ride status
// read path (GET /v1/rides/{id}), grounded in the original implementation's
// ride:{id}:status Redis key with a 60s TTL, invalidated on every lifecycle
// transition rather than left to expire.
package ridecache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/man2412/ride-hailing-platform/internal/domain"
)

const TTL = 60 * time.Second

type Cache interface {
	Get(ctx context.Context, rideID string) (domain.Ride, bool)
	Set(ctx context.Context, ride domain.Ride)
	Invalidate(ctx context.Context, rideID string)
}

func key(rideID string) string { return fmt.Sprintf("ride:%s:status", rideID) }

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache { return &RedisCache{client: client} }

func (c *RedisCache) Get(ctx context.Context, rideID string) (domain.Ride, bool) {
	raw, err := c.client.Get(ctx, key(rideID)).Bytes()
	if err != nil {
		return domain.Ride{}, false
	}
	var ride domain.Ride
	if err := json.Unmarshal(raw, &ride); err != nil {
		return domain.Ride{}, false
	}
	return ride, true
}

func (c *RedisCache) Set(ctx context.Context, ride domain.Ride) {
	raw, err := json.Marshal(ride)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, key(ride.ID), raw, TTL).Err()
}

func (c *RedisCache) Invalidate(ctx context.Context, rideID string) {
	_ = c.client.Del(ctx, key(rideID)).Err()
}

// MemoryCache is the dev/test fallback.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

type memEntry struct {
	ride   domain.Ride
	expiry time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memEntry)}
}

func (c *MemoryCache) Get(_ context.Context, rideID string) (domain.Ride, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[rideID]
	if !ok || time.Now().After(e.expiry) {
		delete(c.entries, rideID)
		return domain.Ride{}, false
	}
	return e.ride, true
}

func (c *MemoryCache) Set(_ context.Context, ride domain.Ride) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[ride.ID] = memEntry{ride: ride, expiry: time.Now().Add(TTL)}
}

func (c *MemoryCache) Invalidate(_ context.Context, rideID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, rideID)
}
