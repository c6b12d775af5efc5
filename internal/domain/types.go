// Package domain holds the entities shared by every dispatch subsystem:
// drivers, rides, trips and payments, plus the small enums that drive the
// ride lifecycle state machine.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tier is a service class, each with its own fare table and geo/surge
// partitioning key.
type Tier string

const (
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
	TierXL       Tier = "xl"
)

func (t Tier) Valid() bool {
	switch t {
	case TierStandard, TierPremium, TierXL:
		return true
	default:
		return false
	}
}

// AllTiers enumerates every partition the geo index and surge engine keep
// separately; used by background jobs that sweep every tier (e.g. the geo
// index reaper) rather than a single ride's tier.
var AllTiers = []Tier{TierStandard, TierPremium, TierXL}

// DriverStatus tracks whether a driver can be matched to a new ride.
type DriverStatus string

const (
	DriverOffline   DriverStatus = "offline"
	DriverAvailable DriverStatus = "available"
	DriverOnTrip    DriverStatus = "on_trip"
)

// RideStatus is the ride lifecycle state machine's current state.
type RideStatus string

const (
	RideRequested      RideStatus = "REQUESTED"
	RideMatched        RideStatus = "MATCHED"
	RideDriverEnRoute  RideStatus = "DRIVER_EN_ROUTE"
	RideTripStarted    RideStatus = "TRIP_STARTED"
	RideTripPaused     RideStatus = "TRIP_PAUSED"
	RideTripEnded      RideStatus = "TRIP_ENDED"
	RidePaymentPending RideStatus = "PAYMENT_PENDING"
	RideCompleted      RideStatus = "COMPLETED"
	RideCancelled      RideStatus = "CANCELLED"
	RidePaymentFailed  RideStatus = "PAYMENT_FAILED"
)

// TripStatus mirrors the trip record's own lifecycle, a narrower machine
// nested inside the ride's.
type TripStatus string

const (
	TripActive    TripStatus = "ACTIVE"
	TripPaused    TripStatus = "PAUSED"
	TripCompleted TripStatus = "COMPLETED"
)

// PaymentStatus tracks a payment's settlement state with the PSP.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "PENDING"
	PaymentSuccess  PaymentStatus = "SUCCESS"
	PaymentFailed   PaymentStatus = "FAILED"
	PaymentRefunded PaymentStatus = "REFUNDED"
)

// IdentityRole is the caller's role, carried on the bearer token.
type IdentityRole string

const (
	RoleRider  IdentityRole = "rider"
	RoleDriver IdentityRole = "driver"
	RoleAdmin  IdentityRole = "admin"
)

// Identity is a bearer-token-authenticated caller.
type Identity struct {
	ID        string       `json:"id"`
	Role      IdentityRole `json:"role"`
	Token     string       `json:"-"`
	ExpiresAt *time.Time   `json:"expiresAt,omitempty"`
}

// Coordinate is a WGS84 point with an optional GPS accuracy radius and the
// time it was observed.
type Coordinate struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	At        time.Time `json:"observedAt"`
}

// Driver is a registered driver's current state.
type Driver struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Phone     string       `json:"phone"`
	Tier      Tier         `json:"tier"`
	Status    DriverStatus `json:"status"`
	Location  Coordinate   `json:"location"`
	RideID    string       `json:"rideId,omitempty"`
	UpdatedAt time.Time    `json:"updatedAt"`
	CreatedAt time.Time    `json:"createdAt"`
}

// Ride is one dispatch request moving through the lifecycle state machine.
type Ride struct {
	ID              string          `json:"id"`
	RiderID         string          `json:"riderId"`
	DriverID        string          `json:"driverId,omitempty"`
	Tier            Tier            `json:"tier"`
	Status          RideStatus      `json:"status"`
	Pickup          Coordinate      `json:"pickup"`
	Dropoff         Coordinate      `json:"dropoff"`
	PaymentMethod   string          `json:"paymentMethod,omitempty"`
	DistanceKM      float64         `json:"distanceKm"`
	SurgeMultiplier decimal.Decimal `json:"surgeMultiplier"`
	FareEstimateMin decimal.Decimal `json:"fareEstimateMin"`
	FareEstimateMax decimal.Decimal `json:"fareEstimateMax"`
	IdempotencyKey  string          `json:"-"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Trip is the in-progress-drive record created once a ride is matched.
// Fare and distance are zero until the trip reaches COMPLETED.
type Trip struct {
	ID             string          `json:"id"`
	RideID         string          `json:"rideId"`
	DriverID       string          `json:"driverId"`
	RiderID        string          `json:"riderId"`
	Status         TripStatus      `json:"status"`
	StartedAt      time.Time       `json:"startedAt"`
	EndedAt        *time.Time      `json:"endedAt,omitempty"`
	DistanceKM     float64         `json:"distanceKm,omitempty"`
	FareBase       decimal.Decimal `json:"fareBase,omitempty"`
	FareSurge      decimal.Decimal `json:"fareSurge,omitempty"`
	FareTotal      decimal.Decimal `json:"fareTotal,omitempty"`
}

// Fare is the breakdown produced by the fare calculator for a finished trip.
type Fare struct {
	Base           decimal.Decimal `json:"base"`
	SurgeComponent decimal.Decimal `json:"surgeComponent"`
	Total          decimal.Decimal `json:"total"`
}

// FareRange is the pre-trip estimate shown to a rider.
type FareRange struct {
	Min      decimal.Decimal `json:"min"`
	Max      decimal.Decimal `json:"max"`
	Currency string          `json:"currency"`
}

// Payment is a single charge attempt against a completed trip.
type Payment struct {
	ID             string          `json:"id"`
	RideID         string          `json:"rideId"`
	RiderID        string          `json:"riderId"`
	Amount         decimal.Decimal `json:"amount"`
	Method         string          `json:"method"`
	Status         PaymentStatus   `json:"status"`
	PSPRef         string          `json:"pspRef,omitempty"`
	IdempotencyKey string          `json:"-"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// RideEvent is one audit row appended on every lifecycle transition.
type RideEvent struct {
	RideID    string    `json:"rideId"`
	Type      string    `json:"type"`
	Payload   []byte    `json:"payload,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
