// Package fare is the pure-function fare calculator: haversine distance,
// per-tier rate table, surge application and rounding. No I/O, grounded in
// dlfelps-sd-uber-go/pkg/utils/pricing.go's CalculateFare/HaversineDistance
// shape, re-specified to this system's tier table and half-up rounding.
package fare

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/man2412/ride-hailing-platform/internal/domain"
)

type rate struct {
	base  decimal.Decimal
	perKM decimal.Decimal
}

var rates = map[domain.Tier]rate{
	domain.TierStandard: {base: decimal.NewFromInt(30), perKM: decimal.NewFromInt(10)},
	domain.TierPremium:  {base: decimal.NewFromInt(60), perKM: decimal.NewFromInt(15)},
	domain.TierXL:       {base: decimal.NewFromInt(80), perKM: decimal.NewFromInt(20)},
}

const earthRadiusKM = 6371.0

// HaversineDistanceKM returns the great-circle distance between two points.
func HaversineDistanceKM(a, b domain.Coordinate) float64 {
	dLat := toRadians(b.Latitude - a.Latitude)
	dLon := toRadians(b.Longitude - a.Longitude)
	lat1 := toRadians(a.Latitude)
	lat2 := toRadians(b.Latitude)
	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(h))
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// roundHalfUp matches the original implementation's Decimal quantize
// (ROUND_HALF_UP), which differs from shopspring/decimal's default
// round-half-even.
func roundHalfUp(d decimal.Decimal, places int32) decimal.Decimal {
	factor := decimal.New(1, places)
	scaled := d.Mul(factor)
	half := decimal.NewFromFloat(0.5)
	if scaled.Sign() >= 0 {
		scaled = scaled.Add(half).Floor()
	} else {
		scaled = scaled.Sub(half).Ceil()
	}
	return scaled.Div(factor)
}

// Calculate returns the base/surge/total breakdown for a trip of the given
// distance, tier and surge multiplier.
func Calculate(tier domain.Tier, distanceKM float64, surgeMultiplier decimal.Decimal) domain.Fare {
	r, ok := rates[tier]
	if !ok {
		r = rates[domain.TierStandard]
	}
	dist := decimal.NewFromFloat(distanceKM)
	base := r.base.Add(r.perKM.Mul(dist))
	total := base.Mul(surgeMultiplier)
	surgeComponent := total.Sub(base)
	return domain.Fare{
		Base:           roundHalfUp(base, 2),
		SurgeComponent: roundHalfUp(surgeComponent, 2),
		Total:          roundHalfUp(total, 2),
	}
}

// EstimateRange returns a +/-10% band around total, in the given currency,
// shown to the rider before dispatch.
func EstimateRange(total decimal.Decimal, currency string) domain.FareRange {
	low := decimal.NewFromFloat(0.9)
	high := decimal.NewFromFloat(1.1)
	return domain.FareRange{
		Min:      roundHalfUp(total.Mul(low), 2),
		Max:      roundHalfUp(total.Mul(high), 2),
		Currency: currency,
	}
}
