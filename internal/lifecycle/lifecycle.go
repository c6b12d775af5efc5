// Package lifecycle is the Lifecycle Controller: the ride state machine,
// expressed as a static transition table rather than scattered status
// checks, per this system's design note. Grounded in the teacher's
// dispatch.Store create/accept/cancel/complete methods, generalized from
// its 6-state machine to the full REQUESTED..PAYMENT_FAILED machine, and in
// original_source/app/routers/rides.py for the create-ride request flow.
package lifecycle

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/man2412/ride-hailing-platform/internal/apperr"
	"github.com/man2412/ride-hailing-platform/internal/domain"
	"github.com/man2412/ride-hailing-platform/internal/fare"
	"github.com/man2412/ride-hailing-platform/internal/geo"
	"github.com/man2412/ride-hailing-platform/internal/hub"
	"github.com/man2412/ride-hailing-platform/internal/location"
	"github.com/man2412/ride-hailing-platform/internal/ridecache"
	"github.com/man2412/ride-hailing-platform/internal/store"
	"github.com/man2412/ride-hailing-platform/internal/surge"
)

// transitions enumerates every legal (from, to) edge. Anything not listed
// here is rejected with a Conflict before it ever reaches the database.
var transitions = map[domain.RideStatus][]domain.RideStatus{
	domain.RideRequested:      {domain.RideMatched, domain.RideCancelled},
	domain.RideMatched:        {domain.RideDriverEnRoute, domain.RideCancelled},
	domain.RideDriverEnRoute:  {domain.RideTripStarted, domain.RideCancelled},
	domain.RideTripStarted:    {domain.RideTripPaused, domain.RideTripEnded},
	domain.RideTripPaused:     {domain.RideTripStarted},
	domain.RideTripEnded:      {domain.RidePaymentPending},
	domain.RidePaymentPending: {domain.RideCompleted, domain.RidePaymentFailed},
	domain.RidePaymentFailed:  {domain.RidePaymentPending},
}

func allowed(from, to domain.RideStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

const estimateCurrency = "INR"

type CreateRideRequest struct {
	RiderID        string
	Tier           domain.Tier
	Pickup         domain.Coordinate
	Dropoff        domain.Coordinate
	PaymentMethod  string
	IdempotencyKey string
}

type Controller struct {
	gateway   *store.Gateway
	geoIdx    geo.Index
	surge     *surge.Engine
	cache     ridecache.Cache
	hub       *hub.Hub
	loc       *location.Pipeline
	onMatched func(rideID string)
}

func New(gateway *store.Gateway, geoIdx geo.Index, surgeEngine *surge.Engine, cache ridecache.Cache, h *hub.Hub, loc *location.Pipeline, onMatched func(rideID string)) *Controller {
	return &Controller{gateway: gateway, geoIdx: geoIdx, surge: surgeEngine, cache: cache, hub: h, loc: loc, onMatched: onMatched}
}

// invalidateLocationCache drops a driver's cached tier/status in the
// location pipeline, if one is wired, so a heartbeat racing this status
// change can't act on a stale status.
func (c *Controller) invalidateLocationCache(driverID string) {
	if c.loc != nil {
		c.loc.Invalidate(driverID)
	}
}

// CreateRide prices and persists a new ride in REQUESTED, increments the
// tier's demand counter, and schedules matching. Idempotency replay is the
// HTTP layer's concern, not this one's.
func (c *Controller) CreateRide(ctx context.Context, req CreateRideRequest) (domain.Ride, error) {
	if !req.Tier.Valid() {
		return domain.Ride{}, apperr.Invalidf("unknown tier %q", req.Tier)
	}
	multiplier, err := c.surge.Multiplier(ctx, req.Tier)
	if err != nil {
		return domain.Ride{}, apperr.Wrap(apperr.ExternalFailure, "compute surge multiplier", err)
	}
	distance := fare.HaversineDistanceKM(req.Pickup, req.Dropoff)
	f := fare.Calculate(req.Tier, distance, multiplier)
	estimate := fare.EstimateRange(f.Total, estimateCurrency)

	now := time.Now()
	ride := domain.Ride{
		ID:              uuid.NewString(),
		RiderID:         req.RiderID,
		Tier:            req.Tier,
		Status:          domain.RideRequested,
		Pickup:          req.Pickup,
		Dropoff:         req.Dropoff,
		PaymentMethod:   req.PaymentMethod,
		DistanceKM:      distance,
		SurgeMultiplier: multiplier,
		FareEstimateMin: estimate.Min,
		FareEstimateMax: estimate.Max,
		IdempotencyKey:  req.IdempotencyKey,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := c.gateway.CreateRide(ctx, ride); err != nil {
		// Defence in depth against replay-cache loss: the token is unique on
		// the rides table, so a replayed create resolves to the ride the
		// token was first spent on instead of inserting a second one.
		if req.IdempotencyKey != "" && store.IsUniqueViolation(err) {
			existing, lookupErr := c.gateway.GetRideByIdempotencyKey(ctx, req.IdempotencyKey)
			if lookupErr == nil {
				return existing, nil
			}
		}
		return domain.Ride{}, apperr.Wrap(apperr.Internal, "persist ride", err)
	}
	if err := c.appendEvent(ctx, ride.ID, "ride_requested", ride); err != nil {
		return domain.Ride{}, err
	}
	if err := c.surge.IncrementDemand(ctx, req.Tier); err != nil {
		return domain.Ride{}, apperr.Wrap(apperr.ExternalFailure, "increment demand", err)
	}
	c.cache.Set(ctx, ride)
	if c.hub != nil {
		c.hub.PublishRideStatus(ride)
	}
	if c.onMatched != nil {
		// Matching runs asynchronously: the HTTP response doesn't wait
		// for a driver to be found.
		go c.onMatched(ride.ID)
	}
	return ride, nil
}

// GetRide is a 60s read-through cache in front of the ride table.
func (c *Controller) GetRide(ctx context.Context, rideID string) (domain.Ride, error) {
	if cached, ok := c.cache.Get(ctx, rideID); ok {
		return cached, nil
	}
	ride, err := c.gateway.GetRide(ctx, rideID)
	if err != nil {
		return domain.Ride{}, err
	}
	c.cache.Set(ctx, ride)
	return ride, nil
}

// Cancel moves a ride to CANCELLED from any cancellable pre-trip state. The
// ride transition, the driver release (if matched) and the trip closure
// commit in one transaction; the demand counter is released afterwards if
// the ride was still REQUESTED.
func (c *Controller) Cancel(ctx context.Context, rideID string) (domain.Ride, error) {
	ride, err := c.gateway.GetRide(ctx, rideID)
	if err != nil {
		return domain.Ride{}, err
	}
	if !allowed(ride.Status, domain.RideCancelled) {
		return domain.Ride{}, apperr.Conflictf("ride %s in status %s cannot be cancelled", rideID, ride.Status)
	}
	from := ride.Status
	now := time.Now()
	err = c.gateway.WithinTx(ctx, func(tx pgx.Tx) error {
		if _, err := store.LockRideInStatus(ctx, tx, rideID, from); err != nil {
			return err
		}
		if err := c.gateway.UpdateRideStatus(ctx, tx, rideID, from, domain.RideCancelled, ""); err != nil {
			return err
		}
		if ride.DriverID != "" {
			if err := c.gateway.UpdateDriverStatusTx(ctx, tx, ride.DriverID, domain.DriverAvailable, ""); err != nil {
				return err
			}
			// The trip created at match never ran; close it so the driver
			// has no dangling non-terminal trip.
			if err := c.gateway.UpdateTripStatusTx(ctx, tx, rideID, domain.TripCompleted, &now); err != nil {
				return err
			}
		}
		return appendEventTx(ctx, c.gateway, tx, rideID, "ride_cancelled", map[string]string{"from": string(from)})
	})
	if err != nil {
		return domain.Ride{}, err
	}
	if from == domain.RideRequested {
		if err := c.surge.DecrementDemand(ctx, ride.Tier); err != nil {
			return domain.Ride{}, apperr.Wrap(apperr.ExternalFailure, "decrement demand", err)
		}
	}
	if ride.DriverID != "" {
		c.invalidateLocationCache(ride.DriverID)
		c.reindexAvailableDriver(ctx, ride.DriverID, ride.Tier)
	}
	ride.Status = domain.RideCancelled
	ride.UpdatedAt = now
	c.cache.Invalidate(ctx, ride.ID)
	c.cache.Set(ctx, ride)
	if c.hub != nil {
		c.hub.PublishRideStatus(ride)
	}
	return ride, nil
}

// SetDriverAvailability implements the offline <-> available toggle (PATCH
// /v1/drivers/{id}/status): on_trip is owned exclusively by the matching
// engine and is rejected here. Going available re-inserts the driver into
// its tier's geo index from its last known position; going offline removes
// it, enforcing the "only available drivers are indexed" invariant even
// without a fresh location ping.
func (c *Controller) SetDriverAvailability(ctx context.Context, driverID string, status domain.DriverStatus) (domain.Driver, error) {
	if status != domain.DriverAvailable && status != domain.DriverOffline {
		return domain.Driver{}, apperr.Invalidf("new_status must be available or offline")
	}
	driver, err := c.gateway.GetDriver(ctx, driverID)
	if err != nil {
		return domain.Driver{}, err
	}
	if driver.Status == domain.DriverOnTrip {
		return domain.Driver{}, apperr.Conflictf("driver %s is on_trip and cannot change availability", driverID)
	}
	if err := c.gateway.UpdateDriverStatus(ctx, driverID, status, ""); err != nil {
		return domain.Driver{}, err
	}
	c.invalidateLocationCache(driverID)
	driver.Status = status
	if status == domain.DriverAvailable {
		c.reindexAvailableDriver(ctx, driverID, driver.Tier)
	} else {
		if err := c.geoIdx.Remove(ctx, driver.Tier, driverID); err != nil {
			log.Printf("lifecycle: geo removal failed for driver %s going offline: %v", driverID, err)
		}
	}
	return driver, nil
}

// reindexAvailableDriver re-inserts a driver into its tier's geo index
// using its last known position once it becomes available again (trip
// ended or cancelled after match). Best-effort: a missed insert only costs
// the driver visibility until its next location ping refreshes the index.
func (c *Controller) reindexAvailableDriver(ctx context.Context, driverID string, tier domain.Tier) {
	driver, err := c.gateway.GetDriver(ctx, driverID)
	if err != nil {
		log.Printf("lifecycle: could not reload driver %s to reindex: %v", driverID, err)
		return
	}
	if driver.Location.Latitude == 0 && driver.Location.Longitude == 0 {
		return
	}
	if err := c.geoIdx.Upsert(ctx, tier, driverID, driver.Location.Latitude, driver.Location.Longitude); err != nil {
		log.Printf("lifecycle: geo reindex failed for driver %s: %v", driverID, err)
	}
}

// AdvanceDriverEnRoute, AdvanceTripStarted, PauseTrip, ResumeTrip, and
// EndTrip are the driver-facing lifecycle steps: a CAS ride transition
// committed together with whatever trip/driver/payment rows it touches,
// plus an event row and a cache invalidation.
func (c *Controller) AdvanceDriverEnRoute(ctx context.Context, rideID, driverID string) (domain.Ride, error) {
	return c.transitionOwnedByDriver(ctx, rideID, driverID, domain.RideMatched, domain.RideDriverEnRoute, "driver_en_route")
}

func (c *Controller) AdvanceTripStarted(ctx context.Context, rideID, driverID string) (domain.Ride, error) {
	return c.transitionWithTrip(ctx, rideID, driverID, domain.RideDriverEnRoute, domain.RideTripStarted, domain.TripActive, "trip_started")
}

func (c *Controller) PauseTrip(ctx context.Context, rideID, driverID string) (domain.Ride, error) {
	return c.transitionWithTrip(ctx, rideID, driverID, domain.RideTripStarted, domain.RideTripPaused, domain.TripPaused, "trip_paused")
}

func (c *Controller) ResumeTrip(ctx context.Context, rideID, driverID string) (domain.Ride, error) {
	return c.transitionWithTrip(ctx, rideID, driverID, domain.RideTripPaused, domain.RideTripStarted, domain.TripActive, "trip_resumed")
}

// transitionWithTrip commits a ride CAS transition and its trip-row status
// update in one transaction, so neither is ever observed without the other.
func (c *Controller) transitionWithTrip(ctx context.Context, rideID, driverID string, from, to domain.RideStatus, tripStatus domain.TripStatus, evt string) (domain.Ride, error) {
	ride, err := c.gateway.GetRide(ctx, rideID)
	if err != nil {
		return domain.Ride{}, err
	}
	if ride.DriverID != driverID {
		return domain.Ride{}, apperr.New(apperr.Unauthorized, "driver is not assigned to this ride")
	}
	if !allowed(from, to) {
		return domain.Ride{}, apperr.Conflictf("illegal transition %s -> %s", from, to)
	}
	err = c.gateway.WithinTx(ctx, func(tx pgx.Tx) error {
		if _, err := store.LockRideInStatus(ctx, tx, rideID, from); err != nil {
			return err
		}
		if err := c.gateway.UpdateRideStatus(ctx, tx, rideID, from, to, ""); err != nil {
			return err
		}
		if err := c.gateway.UpdateTripStatusTx(ctx, tx, rideID, tripStatus, nil); err != nil {
			return err
		}
		return appendEventTx(ctx, c.gateway, tx, rideID, evt, map[string]string{"status": string(to)})
	})
	if err != nil {
		return domain.Ride{}, err
	}
	ride.Status = to
	ride.UpdatedAt = time.Now()
	c.cache.Invalidate(ctx, ride.ID)
	c.cache.Set(ctx, ride)
	if c.hub != nil {
		c.hub.PublishRideStatus(ride)
	}
	return ride, nil
}

// TripEndResult bundles the three rows an EndTrip call settles atomically:
// the ride (now PAYMENT_PENDING), the completed trip with its fare
// breakdown, and the PENDING payment created to collect it.
type TripEndResult struct {
	Ride    domain.Ride
	Trip    domain.Trip
	Payment domain.Payment
}

// EndTrip computes the trip's distance and fare from the ride's captured
// pickup and the driver-reported final position, then commits trip
// completion, the ride's PAYMENT_PENDING transition, the driver's release
// back to available, and a PENDING payment insert in one transaction, per
// this system's end-trip contract.
func (c *Controller) EndTrip(ctx context.Context, rideID, driverID string, final domain.Coordinate) (TripEndResult, error) {
	ride, err := c.gateway.GetRide(ctx, rideID)
	if err != nil {
		return TripEndResult{}, err
	}
	if ride.DriverID != driverID {
		return TripEndResult{}, apperr.New(apperr.Unauthorized, "driver is not assigned to this ride")
	}
	if !allowed(ride.Status, domain.RideTripEnded) {
		return TripEndResult{}, apperr.Conflictf("illegal transition %s -> %s", ride.Status, domain.RideTripEnded)
	}

	distance := fare.HaversineDistanceKM(ride.Pickup, final)
	f := fare.Calculate(ride.Tier, distance, ride.SurgeMultiplier)
	now := time.Now()
	payment := domain.Payment{
		ID:        uuid.NewString(),
		RideID:    rideID,
		RiderID:   ride.RiderID,
		Amount:    f.Total,
		Method:    ride.PaymentMethod,
		Status:    domain.PaymentPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = c.gateway.WithinTx(ctx, func(tx pgx.Tx) error {
		if _, err := store.LockTripInStatus(ctx, tx, rideID, domain.TripActive, domain.TripPaused); err != nil {
			return err
		}
		if _, err := store.LockRideInStatus(ctx, tx, rideID, domain.RideTripStarted); err != nil {
			return err
		}
		if err := c.gateway.UpdateRideStatus(ctx, tx, rideID, domain.RideTripStarted, domain.RidePaymentPending, ""); err != nil {
			return err
		}
		if err := c.gateway.CompleteTripTx(ctx, tx, rideID, now, distance, f); err != nil {
			return err
		}
		if err := c.gateway.UpdateDriverStatusTx(ctx, tx, driverID, domain.DriverAvailable, ""); err != nil {
			return err
		}
		if err := c.gateway.CreatePaymentTx(ctx, tx, payment); err != nil {
			return err
		}
		return appendEventTx(ctx, c.gateway, tx, rideID, "trip_ended", f)
	})
	if err != nil {
		return TripEndResult{}, err
	}

	c.invalidateLocationCache(driverID)
	c.reindexAvailableDriver(ctx, driverID, ride.Tier)

	ride.Status = domain.RidePaymentPending
	ride.UpdatedAt = now
	c.cache.Invalidate(ctx, ride.ID)
	c.cache.Set(ctx, ride)
	if c.hub != nil {
		c.hub.PublishRideStatus(ride)
	}

	trip, err := c.gateway.GetTripByRide(ctx, rideID)
	if err != nil {
		return TripEndResult{}, apperr.Wrap(apperr.Internal, "reload completed trip", err)
	}
	return TripEndResult{Ride: ride, Trip: trip, Payment: payment}, nil
}

// appendEventTx is the tx-scoped form of appendEvent, used from inside
// EndTrip's transaction so the audit row commits atomically with it.
func appendEventTx(ctx context.Context, gateway *store.Gateway, tx pgx.Tx, rideID, evt string, payload any) error {
	return gateway.AppendRideEvent(ctx, tx, domain.RideEvent{
		RideID:    rideID,
		Type:      evt,
		Payload:   store.MarshalEventPayload(payload),
		CreatedAt: time.Now(),
	})
}

// ReopenPayment moves a PAYMENT_FAILED ride back to PAYMENT_PENDING ahead
// of a charge retry. A no-op when the ride is already PAYMENT_PENDING.
func (c *Controller) ReopenPayment(ctx context.Context, rideID string) (domain.Ride, error) {
	ride, err := c.gateway.GetRide(ctx, rideID)
	if err != nil {
		return domain.Ride{}, err
	}
	if ride.Status == domain.RidePaymentPending {
		return ride, nil
	}
	if !allowed(ride.Status, domain.RidePaymentPending) {
		return domain.Ride{}, apperr.Conflictf("ride %s in status %s is not payable", rideID, ride.Status)
	}
	if err := c.gateway.UpdateRideStatus(ctx, nil, rideID, ride.Status, domain.RidePaymentPending, ""); err != nil {
		return domain.Ride{}, err
	}
	ride.Status = domain.RidePaymentPending
	return c.finishTransition(ctx, ride, "payment_retried")
}

// MarkPaymentOutcome is called by the payment adapter once a charge
// attempt resolves.
func (c *Controller) MarkPaymentOutcome(ctx context.Context, rideID string, success bool) (domain.Ride, error) {
	to := domain.RidePaymentFailed
	evt := "payment_failed"
	if success {
		to = domain.RideCompleted
		evt = "payment_completed"
	}
	ride, err := c.gateway.GetRide(ctx, rideID)
	if err != nil {
		return domain.Ride{}, err
	}
	if err := c.gateway.UpdateRideStatus(ctx, nil, rideID, domain.RidePaymentPending, to, ""); err != nil {
		return domain.Ride{}, err
	}
	ride.Status = to
	return c.finishTransition(ctx, ride, evt)
}

func (c *Controller) transitionOwnedByDriver(ctx context.Context, rideID, driverID string, from, to domain.RideStatus, evt string) (domain.Ride, error) {
	ride, err := c.gateway.GetRide(ctx, rideID)
	if err != nil {
		return domain.Ride{}, err
	}
	if ride.DriverID != driverID {
		return domain.Ride{}, apperr.New(apperr.Unauthorized, "driver is not assigned to this ride")
	}
	if !allowed(from, to) {
		return domain.Ride{}, apperr.Conflictf("illegal transition %s -> %s", from, to)
	}
	if err := c.gateway.UpdateRideStatus(ctx, nil, rideID, from, to, ""); err != nil {
		return domain.Ride{}, err
	}
	ride.Status = to
	return c.finishTransition(ctx, ride, evt)
}

func (c *Controller) finishTransition(ctx context.Context, ride domain.Ride, evt string) (domain.Ride, error) {
	ride.UpdatedAt = time.Now()
	if err := c.appendEvent(ctx, ride.ID, evt, ride); err != nil {
		return domain.Ride{}, err
	}
	c.cache.Invalidate(ctx, ride.ID)
	c.cache.Set(ctx, ride)
	if c.hub != nil {
		c.hub.PublishRideStatus(ride)
	}
	return ride, nil
}

func (c *Controller) appendEvent(ctx context.Context, rideID, evt string, payload any) error {
	err := c.gateway.AppendRideEvent(ctx, nil, domain.RideEvent{
		RideID:    rideID,
		Type:      evt,
		Payload:   store.MarshalEventPayload(payload),
		CreatedAt: time.Now(),
	})
	if err != nil {
		return apperr.Wrap(apperr.Internal, "append ride event", err)
	}
	return nil
}
