// Package surge computes the demand/supply multiplier applied to every
// fare, grounded in the distributed-counter pattern the original
// compute_surge/increment_demand/decrement_demand implementation used, and
// in the teacher's go-redis wiring style.
package surge

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/man2412/ride-hailing-platform/internal/domain"
	"github.com/man2412/ride-hailing-platform/internal/geo"
)

// demandTTL is the safety floor: a demand counter that is never
// symmetrically decremented (crashed matcher, crashed cancel handler)
// self-heals after this long. Resolves the spec's "symmetric decrement"
// open question — decrements happen on match and on cancel, and this TTL
// bounds the damage when neither fires.
const demandTTL = 120 * time.Second

var (
	lowRatio  = decimal.NewFromFloat(0.5)
	midRatio  = decimal.NewFromFloat(1.0)
	highRatio = decimal.NewFromFloat(2.0)
	capRatio  = decimal.NewFromFloat(3.0)
)

type Config struct {
	MaxMultiplier decimal.Decimal
}

func DefaultConfig() Config {
	return Config{MaxMultiplier: decimal.NewFromFloat(5.0)}
}

// Engine reads demand counters and geo-index supply to price every new
// ride request.
type Engine struct {
	redis *redis.Client
	index geo.Index
	cfg   Config
}

func NewEngine(client *redis.Client, index geo.Index, cfg Config) *Engine {
	return &Engine{redis: client, index: index, cfg: cfg}
}

func demandKey(tier domain.Tier) string {
	return fmt.Sprintf("surge:demand:%s", tier)
}

// IncrementDemand records one open ride request against tier's counter.
func (e *Engine) IncrementDemand(ctx context.Context, tier domain.Tier) error {
	key := demandKey(tier)
	if err := e.redis.Incr(ctx, key).Err(); err != nil {
		return err
	}
	return e.redis.Expire(ctx, key, demandTTL).Err()
}

// DecrementDemand releases a ride request's claim on the counter, called on
// match and on cancel-from-REQUESTED.
func (e *Engine) DecrementDemand(ctx context.Context, tier domain.Tier) error {
	n, err := e.redis.Decr(ctx, demandKey(tier)).Result()
	if err != nil {
		return err
	}
	if n < 0 {
		return e.redis.Set(ctx, demandKey(tier), 0, demandTTL).Err()
	}
	return nil
}

// Multiplier computes the current surge multiplier for tier, rounded to two
// decimal places.
func (e *Engine) Multiplier(ctx context.Context, tier domain.Tier) (decimal.Decimal, error) {
	demandStr, err := e.redis.Get(ctx, demandKey(tier)).Result()
	if err != nil && err != redis.Nil {
		return decimal.Zero, err
	}
	demand := int64(0)
	if demandStr != "" {
		demand, _ = parseInt(demandStr)
	}
	supply, err := e.index.Supply(ctx, tier)
	if err != nil {
		return decimal.Zero, err
	}
	if supply < 1 {
		supply = 1
	}
	ratio := decimal.NewFromInt(demand).DivRound(decimal.NewFromInt(supply), 8)
	return clampMultiplier(ratio, e.cfg.MaxMultiplier).Round(2), nil
}

// clampMultiplier implements the piecewise ratio table: <0.5 -> 1.0,
// [0.5,1.0) -> 1.5, [1.0,2.0) -> 2.0, [2.0,3.0) -> 3.0, >=3.0 ->
// min(ratio, max).
func clampMultiplier(ratio, max decimal.Decimal) decimal.Decimal {
	switch {
	case ratio.LessThan(lowRatio):
		return decimal.NewFromFloat(1.0)
	case ratio.LessThan(midRatio):
		return decimal.NewFromFloat(1.5)
	case ratio.LessThan(highRatio):
		return decimal.NewFromFloat(2.0)
	case ratio.LessThan(capRatio):
		return decimal.NewFromFloat(3.0)
	default:
		if ratio.GreaterThan(max) {
			return max
		}
		return ratio
	}
}

func parseInt(s string) (int64, error) {
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}
