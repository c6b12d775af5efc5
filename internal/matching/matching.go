// Package matching is the Matching Engine: it scans the geo index for
// nearby available drivers, claims one via a Redis SET NX PX lock, then
// verifies and commits the assignment inside a single Postgres
// transaction. Grounded directly in
// original_source/app/services/matching.py's run_matching, translated from
// asyncio into goroutines + context.Context, in the teacher's Go idiom.
package matching

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"

	"github.com/man2412/ride-hailing-platform/internal/apperr"
	"github.com/man2412/ride-hailing-platform/internal/domain"
	"github.com/man2412/ride-hailing-platform/internal/geo"
	"github.com/man2412/ride-hailing-platform/internal/hub"
	"github.com/man2412/ride-hailing-platform/internal/location"
	"github.com/man2412/ride-hailing-platform/internal/ridecache"
	"github.com/man2412/ride-hailing-platform/internal/store"
	"github.com/man2412/ride-hailing-platform/internal/surge"
)

type Config struct {
	RadiusKM   float64
	Timeout    time.Duration
	MaxRetries int
}

func DefaultConfig() Config {
	return Config{RadiusKM: 5.0, Timeout: 8 * time.Second, MaxRetries: 3}
}

// Engine runs the candidate-scan-and-lock algorithm for one ride at a time.
type Engine struct {
	gateway *store.Gateway
	geoIdx  geo.Index
	redis   *redis.Client
	surge   *surge.Engine
	hub     *hub.Hub
	loc     *location.Pipeline
	cache   ridecache.Cache
	cfg     Config
}

func New(gateway *store.Gateway, geoIdx geo.Index, client *redis.Client, surgeEngine *surge.Engine, h *hub.Hub, loc *location.Pipeline, cache ridecache.Cache, cfg Config) *Engine {
	return &Engine{gateway: gateway, geoIdx: geoIdx, redis: client, surge: surgeEngine, hub: h, loc: loc, cache: cache, cfg: cfg}
}

func lockKey(driverID string) string { return fmt.Sprintf("driver:%s:match_lock", driverID) }

// errRideGone signals that the ride row is no longer REQUESTED: either it
// was cancelled or a racing matcher already assigned it. The candidate loop
// stops entirely rather than trying the remaining drivers.
var errRideGone = errors.New("ride no longer requested")

// Run drives the whole candidate list for rideID: it never blocks the
// caller's request goroutine (the lifecycle controller fires this via
// `go`), so every failure path ends in a terminal state rather than a
// propagated error.
func (e *Engine) Run(ctx context.Context, rideID string) {
	ride, err := e.gateway.GetRide(ctx, rideID)
	if err != nil {
		log.Printf("matching: ride %s vanished before dispatch: %v", rideID, err)
		return
	}
	if ride.Status != domain.RideRequested {
		return
	}

	candidateCount := e.cfg.MaxRetries * 5
	candidates, err := e.geoIdx.Nearby(ctx, ride.Tier, ride.Pickup.Latitude, ride.Pickup.Longitude, e.cfg.RadiusKM, candidateCount)
	if err != nil {
		log.Printf("matching: nearby lookup failed for ride %s: %v", rideID, err)
	}

	for _, cand := range candidates {
		matched, err := e.tryAssign(ctx, ride, cand.DriverID)
		if errors.Is(err, errRideGone) {
			// The ride was cancelled or claimed by another matcher while we
			// held the driver lock: stop without touching it further.
			return
		}
		if err != nil {
			log.Printf("matching: candidate %s rejected for ride %s: %v", cand.DriverID, rideID, err)
			continue
		}
		if matched {
			return
		}
	}

	// Every candidate was unavailable or lost the race: cancel the ride
	// and release its demand claim.
	e.cancelUnmatched(ctx, ride)
}

// tryAssign claims driverID with a Redis lock, re-verifies it's still
// available, then commits the assignment transactionally. Returns
// (true, nil) only on a successful commit.
func (e *Engine) tryAssign(ctx context.Context, ride domain.Ride, driverID string) (bool, error) {
	lockTTL := e.cfg.Timeout
	ok, err := e.redis.SetNX(ctx, lockKey(driverID), ride.ID, lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire driver lock: %w", err)
	}
	if !ok {
		return false, nil
	}
	defer e.redis.Del(ctx, lockKey(driverID))

	var trip domain.Trip
	err = e.gateway.WithinTx(ctx, func(tx pgx.Tx) error {
		driver, err := store.LockDriverAvailable(ctx, tx, driverID)
		if err != nil {
			return err
		}
		lockedRide, err := store.LockRideInStatus(ctx, tx, ride.ID, domain.RideRequested)
		if err != nil {
			if apperr.KindOf(err) == apperr.Conflict {
				return errRideGone
			}
			return err
		}
		if err := e.gateway.UpdateRideStatus(ctx, tx, lockedRide.ID, domain.RideRequested, domain.RideMatched, driver.ID); err != nil {
			return err
		}
		if err := e.gateway.UpdateDriverStatusTx(ctx, tx, driver.ID, domain.DriverOnTrip, lockedRide.ID); err != nil {
			return err
		}
		trip = domain.Trip{
			ID:        uuid.NewString(),
			RideID:    lockedRide.ID,
			DriverID:  driver.ID,
			RiderID:   lockedRide.RiderID,
			Status:    domain.TripActive,
			StartedAt: time.Now(),
		}
		if err := e.gateway.CreateTrip(ctx, tx, trip); err != nil {
			return err
		}
		return e.gateway.AppendRideEvent(ctx, tx, domain.RideEvent{
			RideID:    lockedRide.ID,
			Type:      "ride_matched",
			Payload:   store.MarshalEventPayload(map[string]string{"driverId": driver.ID}),
			CreatedAt: time.Now(),
		})
	})
	if err != nil {
		return false, err
	}

	if e.loc != nil {
		e.loc.Invalidate(driverID)
	}
	if err := e.geoIdx.Remove(ctx, ride.Tier, driverID); err != nil {
		log.Printf("matching: geo index removal failed for driver %s: %v", driverID, err)
	}
	if err := e.surge.DecrementDemand(ctx, ride.Tier); err != nil {
		log.Printf("matching: demand decrement failed for tier %s: %v", ride.Tier, err)
	}
	matched := ride
	matched.Status = domain.RideMatched
	matched.DriverID = driverID
	if e.cache != nil {
		e.cache.Invalidate(ctx, matched.ID)
		e.cache.Set(ctx, matched)
	}
	if e.hub != nil {
		e.hub.PublishRideStatus(matched)
	}
	return true, nil
}

func (e *Engine) cancelUnmatched(ctx context.Context, ride domain.Ride) {
	if err := e.gateway.UpdateRideStatus(ctx, nil, ride.ID, domain.RideRequested, domain.RideCancelled, ""); err != nil {
		log.Printf("matching: cancel-on-exhaustion failed for ride %s: %v", ride.ID, err)
		return
	}
	if err := e.surge.DecrementDemand(ctx, ride.Tier); err != nil {
		log.Printf("matching: demand decrement on cancel failed for tier %s: %v", ride.Tier, err)
	}
	cancelled := ride
	cancelled.Status = domain.RideCancelled
	_ = e.gateway.AppendRideEvent(ctx, nil, domain.RideEvent{
		RideID:    ride.ID,
		Type:      "ride_cancelled_no_drivers",
		CreatedAt: time.Now(),
	})
	if e.cache != nil {
		e.cache.Invalidate(ctx, cancelled.ID)
		e.cache.Set(ctx, cancelled)
	}
	if e.hub != nil {
		e.hub.PublishRideStatus(cancelled)
	}
}

// BindLifecycle lets main wire this engine as the lifecycle controller's
// async matcher without an import cycle (lifecycle doesn't import
// matching).
func BindLifecycle(e *Engine) func(rideID string) {
	return func(rideID string) {
		e.Run(context.Background(), rideID)
	}
}
