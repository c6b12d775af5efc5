package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/man2412/ride-hailing-platform/internal/domain"
)

// RedisIndex wraps a Redis GEO set per tier, grounded in the teacher's
// single-tier internal/geo/redis_geo.go. A companion ZSET keyed by
// last-update timestamp (tierKey+":ts") backs the 30s freshness contract:
// Redis has no native per-member TTL on a GEO set, so staleness is tracked
// alongside it and enforced on every read.
type RedisIndex struct {
	client *redis.Client
}

func NewRedisIndex(client *redis.Client) *RedisIndex {
	return &RedisIndex{client: client}
}

func tsKey(tier domain.Tier) string {
	return tierKey(tier) + ":ts"
}

func (i *RedisIndex) Upsert(ctx context.Context, tier domain.Tier, driverID string, lat, lon float64) error {
	pipe := i.client.TxPipeline()
	pipe.GeoAdd(ctx, tierKey(tier), &redis.GeoLocation{
		Name:      driverID,
		Longitude: lon,
		Latitude:  lat,
	})
	pipe.ZAdd(ctx, tsKey(tier), redis.Z{Score: float64(time.Now().Unix()), Member: driverID})
	_, err := pipe.Exec(ctx)
	return err
}

func (i *RedisIndex) Remove(ctx context.Context, tier domain.Tier, driverID string) error {
	pipe := i.client.TxPipeline()
	pipe.ZRem(ctx, tierKey(tier), driverID)
	pipe.ZRem(ctx, tsKey(tier), driverID)
	_, err := pipe.Exec(ctx)
	return err
}

func (i *RedisIndex) Nearby(ctx context.Context, tier domain.Tier, lat, lon, radiusKM float64, count int) ([]Candidate, error) {
	if count <= 0 {
		count = 1
	}
	results, err := i.client.GeoSearchLocation(ctx, tierKey(tier), &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  lon,
			Latitude:   lat,
			Radius:     radiusKM,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      count,
		},
		WithDist: true,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	fresh, err := i.freshness(ctx, tier, results)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(results))
	for _, r := range results {
		if fresh[r.Name] {
			out = append(out, Candidate{DriverID: r.Name, DistKM: r.Dist})
		}
	}
	return out, nil
}

// freshness batch-checks each candidate's last-update score against
// entryTTL so a driver that stopped pinging (no update in 30s) never
// reaches the matching engine's candidate list even though its GEO
// membership hasn't been explicitly removed yet.
func (i *RedisIndex) freshness(ctx context.Context, tier domain.Tier, results []redis.GeoLocation) (map[string]bool, error) {
	members := make([]string, len(results))
	for idx, r := range results {
		members[idx] = r.Name
	}
	scores, err := i.client.ZMScore(ctx, tsKey(tier), members...).Result()
	if err != nil {
		return nil, err
	}
	cutoff := float64(time.Now().Add(-entryTTL).Unix())
	fresh := make(map[string]bool, len(members))
	for idx, score := range scores {
		if score >= cutoff {
			fresh[members[idx]] = true
		}
	}
	return fresh, nil
}

func (i *RedisIndex) Supply(ctx context.Context, tier domain.Tier) (int64, error) {
	cutoff := formatScore(float64(time.Now().Add(-entryTTL).Unix()))
	return i.client.ZCount(ctx, tsKey(tier), cutoff, "+inf").Result()
}

// Reap evicts entries past entryTTL from both the geo set and the
// timestamp set, bounding keyspace growth for drivers that stop pinging
// without an explicit offline transition.
func (i *RedisIndex) Reap(ctx context.Context, tier domain.Tier) (int, error) {
	cutoff := formatScore(float64(time.Now().Add(-entryTTL).Unix()))
	stale, err := i.client.ZRangeByScore(ctx, tsKey(tier), &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
	if err != nil || len(stale) == 0 {
		return 0, err
	}
	members := toInterfaceSlice(stale)
	pipe := i.client.TxPipeline()
	pipe.ZRem(ctx, tierKey(tier), members...)
	pipe.ZRem(ctx, tsKey(tier), members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(stale), nil
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func toInterfaceSlice(s []string) []interface{} {
	out := make([]interface{}, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}
