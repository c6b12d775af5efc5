package fare

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/man2412/ride-hailing-platform/internal/domain"
)

func TestHaversineDistanceKM(t *testing.T) {
	tests := []struct {
		name      string
		a, b      domain.Coordinate
		expected  float64
		tolerance float64
	}{
		{
			name:      "same point",
			a:         domain.Coordinate{Latitude: 12.9716, Longitude: 77.5946},
			b:         domain.Coordinate{Latitude: 12.9716, Longitude: 77.5946},
			expected:  0,
			tolerance: 0.001,
		},
		{
			name:      "bangalore to whitefield",
			a:         domain.Coordinate{Latitude: 12.9716, Longitude: 77.5946},
			b:         domain.Coordinate{Latitude: 12.9698, Longitude: 77.7500},
			expected:  16.8,
			tolerance: 1.0,
		},
		{
			name:      "delhi to mumbai",
			a:         domain.Coordinate{Latitude: 28.7041, Longitude: 77.1025},
			b:         domain.Coordinate{Latitude: 19.0760, Longitude: 72.8777},
			expected:  1150,
			tolerance: 20,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HaversineDistanceKM(tt.a, tt.b)
			if math.Abs(got-tt.expected) > tt.tolerance {
				t.Errorf("HaversineDistanceKM() = %v, expected %v (+/- %v)", got, tt.expected, tt.tolerance)
			}
		})
	}
}

func TestCalculate(t *testing.T) {
	tests := []struct {
		name       string
		tier       domain.Tier
		distanceKM float64
		surge      decimal.Decimal
		wantBase   string
		wantSurge  string
		wantTotal  string
	}{
		{
			name:       "standard no surge",
			tier:       domain.TierStandard,
			distanceKM: 5,
			surge:      decimal.NewFromInt(1),
			wantBase:   "80",
			wantSurge:  "0",
			wantTotal:  "80",
		},
		{
			name:       "premium with surge",
			tier:       domain.TierPremium,
			distanceKM: 10,
			surge:      decimal.NewFromFloat(1.5),
			wantBase:   "210",
			wantSurge:  "105",
			wantTotal:  "315",
		},
		{
			name:       "unknown tier falls back to standard",
			tier:       domain.Tier("unknown"),
			distanceKM: 5,
			surge:      decimal.NewFromInt(1),
			wantBase:   "80",
			wantSurge:  "0",
			wantTotal:  "80",
		},
		{
			name:       "xl fractional distance already at cent precision",
			tier:       domain.TierXL,
			distanceKM: 1.025,
			surge:      decimal.NewFromInt(1),
			wantBase:   "100.5", // 80 + 20*1.025 = 100.5, no rounding needed
			wantSurge:  "0",
			wantTotal:  "100.5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Calculate(tt.tier, tt.distanceKM, tt.surge)
			if !got.Base.Equal(decimal.RequireFromString(tt.wantBase)) {
				t.Errorf("Base = %s, want %s", got.Base, tt.wantBase)
			}
			if !got.SurgeComponent.Equal(decimal.RequireFromString(tt.wantSurge)) {
				t.Errorf("SurgeComponent = %s, want %s", got.SurgeComponent, tt.wantSurge)
			}
			if !got.Total.Equal(decimal.RequireFromString(tt.wantTotal)) {
				t.Errorf("Total = %s, want %s", got.Total, tt.wantTotal)
			}
		})
	}
}

func TestRoundHalfUp(t *testing.T) {
	tests := []struct {
		name   string
		amount string
		places int32
		want   string
	}{
		{name: "rounds up at exactly half", amount: "1.005", places: 2, want: "1.01"},
		{name: "rounds down below half", amount: "1.004", places: 2, want: "1.00"},
		{name: "negative rounds half up away from zero", amount: "-1.005", places: 2, want: "-1.01"},
		{name: "already exact", amount: "42.50", places: 2, want: "42.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := roundHalfUp(decimal.RequireFromString(tt.amount), tt.places)
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("roundHalfUp(%s, %d) = %s, want %s", tt.amount, tt.places, got, tt.want)
			}
		})
	}
}

func TestEstimateRange(t *testing.T) {
	got := EstimateRange(decimal.RequireFromString("100"), "INR")
	if !got.Min.Equal(decimal.RequireFromString("90")) {
		t.Errorf("Min = %s, want 90", got.Min)
	}
	if !got.Max.Equal(decimal.RequireFromString("110")) {
		t.Errorf("Max = %s, want 110", got.Max)
	}
	if got.Currency != "INR" {
		t.Errorf("Currency = %s, want INR", got.Currency)
	}
}
