// Package geo is the tier-partitioned driver location index. Each tier gets
// its own Redis GEO set (drivers:geo:{tier}) so standard/premium/xl supply
// never cross-pollute a nearby-driver search or a surge supply count.
package geo

import (
	"context"
	"math"
	"time"

	"github.com/man2412/ride-hailing-platform/internal/domain"
)

// entryTTL is this system's "last-known position expires 30 seconds after
// the last update" contract: a driver that stops pinging becomes
// implicitly unroutable without anyone having to explicitly remove it.
const entryTTL = 30 * time.Second

// Candidate is one nearby driver returned by a search, ordered nearest
// first.
type Candidate struct {
	DriverID string
	DistKM   float64
}

// Index is satisfied by both the Redis-backed and in-memory implementations
// so the rest of the system never has to know which one is live.
type Index interface {
	Upsert(ctx context.Context, tier domain.Tier, driverID string, lat, lon float64) error
	Remove(ctx context.Context, tier domain.Tier, driverID string) error
	Nearby(ctx context.Context, tier domain.Tier, lat, lon, radiusKM float64, count int) ([]Candidate, error)
	// Supply returns the number of drivers currently indexed for tier,
	// used as the denominator of the surge demand/supply ratio.
	Supply(ctx context.Context, tier domain.Tier) (int64, error)
	// Reap evicts entries whose last update is older than entryTTL and
	// reports how many were removed. Called periodically by a background
	// sweep so a driver that stops pinging doesn't linger as phantom
	// supply; Nearby and Supply also filter stale entries on read, so
	// Reap is a bound on memory/keyspace growth, not a correctness
	// dependency.
	Reap(ctx context.Context, tier domain.Tier) (int, error)
}

func tierKey(tier domain.Tier) string {
	return "drivers:geo:" + string(tier)
}

const earthRadiusKM = 6371.0

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// haversineKM backs the in-memory index's nearest-neighbor scan.
func haversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRadians(lat2 - lat1)
	dLon := toRadians(lon2 - lon1)
	lat1Rad := toRadians(lat1)
	lat2Rad := toRadians(lat2)
	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	a := sinLat*sinLat + math.Cos(lat1Rad)*math.Cos(lat2Rad)*sinLon*sinLon
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(a))
}
