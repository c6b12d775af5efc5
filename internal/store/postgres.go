// Package store is the Record Store Gateway: the one place that talks
// pgx/pgxpool to Postgres, grounded in the teacher's internal/storage
// package (postgres.go, events.go, migrate.go) and generalized from its
// ride/driver-only schema to the full ride/trip/payment data model.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/man2412/ride-hailing-platform/internal/apperr"
	"github.com/man2412/ride-hailing-platform/internal/domain"
)

type Gateway struct {
	Pool *pgxpool.Pool
}

func NewGateway(pool *pgxpool.Pool) *Gateway {
	return &Gateway{Pool: pool}
}

func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	return pgxpool.NewWithConfig(ctx, cfg)
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505), e.g. a reused idempotency key.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// WithinTx runs fn inside a transaction, rolling back on any error or
// panic and committing otherwise.
func (g *Gateway) WithinTx(ctx context.Context, fn func(pgx.Tx) error) (err error) {
	tx, err := g.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()
	err = fn(tx)
	return err
}

// --- drivers ---

func (g *Gateway) CreateDriver(ctx context.Context, d domain.Driver) error {
	_, err := g.Pool.Exec(ctx, `
INSERT INTO drivers (id, name, phone, tier, status, latitude, longitude, accuracy, location_ts, ride_id, created_at, updated_at)
VALUES ($1,$2,NULLIF($3,''),$4,$5,$6,$7,$8,$9,NULLIF($10,''),$11,$12)
ON CONFLICT (id) DO UPDATE SET tier = EXCLUDED.tier
`, d.ID, d.Name, d.Phone, d.Tier, d.Status, d.Location.Latitude, d.Location.Longitude, d.Location.Accuracy, d.Location.At, d.RideID, d.CreatedAt, d.UpdatedAt)
	return err
}

func (g *Gateway) UpdateDriverLocation(ctx context.Context, driverID string, loc domain.Coordinate) error {
	ct, err := g.Pool.Exec(ctx, `
UPDATE drivers SET latitude=$2, longitude=$3, accuracy=$4, location_ts=$5, updated_at=NOW()
WHERE id=$1
`, driverID, loc.Latitude, loc.Longitude, loc.Accuracy, loc.At)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return apperr.NotFoundf("driver %s not found", driverID)
	}
	return nil
}

func (g *Gateway) UpdateDriverStatus(ctx context.Context, driverID string, status domain.DriverStatus, rideID string) error {
	return g.UpdateDriverStatusTx(ctx, nil, driverID, status, rideID)
}

// UpdateDriverStatusTx is the transaction-scoped form, used so a driver's
// on_trip/available flip commits atomically with the ride and trip rows it
// accompanies (see matching.tryAssign and lifecycle.EndTrip).
func (g *Gateway) UpdateDriverStatusTx(ctx context.Context, tx pgx.Tx, driverID string, status domain.DriverStatus, rideID string) error {
	exec := g.Pool.Exec
	if tx != nil {
		exec = tx.Exec
	}
	_, err := exec(ctx, `
UPDATE drivers SET status=$2, ride_id=NULLIF($3,''), updated_at=NOW() WHERE id=$1
`, driverID, status, rideID)
	return err
}

func (g *Gateway) GetDriver(ctx context.Context, id string) (domain.Driver, error) {
	row := g.Pool.QueryRow(ctx, `
SELECT id, name, COALESCE(phone,''), tier, status, latitude, longitude, accuracy, location_ts, COALESCE(ride_id,''), created_at, updated_at
FROM drivers WHERE id=$1
`, id)
	return scanDriver(row)
}

func scanDriver(row pgx.Row) (domain.Driver, error) {
	var d domain.Driver
	err := row.Scan(&d.ID, &d.Name, &d.Phone, &d.Tier, &d.Status, &d.Location.Latitude, &d.Location.Longitude, &d.Location.Accuracy, &d.Location.At, &d.RideID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Driver{}, apperr.NotFoundf("driver not found")
		}
		return domain.Driver{}, err
	}
	return d, nil
}

// LockDriverAvailable locks driver for update inside tx, skipping rows
// already locked by a racing matcher, and only returning a row whose
// status is still available.
func LockDriverAvailable(ctx context.Context, tx pgx.Tx, driverID string) (domain.Driver, error) {
	row := tx.QueryRow(ctx, `
SELECT id, name, COALESCE(phone,''), tier, status, latitude, longitude, accuracy, location_ts, COALESCE(ride_id,''), created_at, updated_at
FROM drivers WHERE id=$1 AND status='available'
FOR UPDATE SKIP LOCKED
`, driverID)
	return scanDriver(row)
}

// --- rides ---

func (g *Gateway) CreateRide(ctx context.Context, r domain.Ride) error {
	_, err := g.Pool.Exec(ctx, `
INSERT INTO rides (id, rider_id, driver_id, tier, status, pickup_lat, pickup_lon, pickup_accuracy, pickup_ts,
                    dropoff_lat, dropoff_lon, dropoff_accuracy, dropoff_ts, distance_km, surge_multiplier,
                    payment_method, fare_estimate_min, fare_estimate_max, idempotency_key, created_at, updated_at)
VALUES ($1,$2,NULLIF($3,''),$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,NULLIF($19,''),$20,$21)
`, r.ID, r.RiderID, r.DriverID, r.Tier, r.Status, r.Pickup.Latitude, r.Pickup.Longitude, r.Pickup.Accuracy, r.Pickup.At,
		r.Dropoff.Latitude, r.Dropoff.Longitude, r.Dropoff.Accuracy, r.Dropoff.At, r.DistanceKM, r.SurgeMultiplier,
		r.PaymentMethod, r.FareEstimateMin, r.FareEstimateMax, r.IdempotencyKey, r.CreatedAt, r.UpdatedAt)
	return err
}

func scanRide(row pgx.Row) (domain.Ride, error) {
	var r domain.Ride
	err := row.Scan(&r.ID, &r.RiderID, &r.DriverID, &r.Tier, &r.Status, &r.Pickup.Latitude, &r.Pickup.Longitude, &r.Pickup.Accuracy, &r.Pickup.At,
		&r.Dropoff.Latitude, &r.Dropoff.Longitude, &r.Dropoff.Accuracy, &r.Dropoff.At, &r.DistanceKM, &r.SurgeMultiplier,
		&r.PaymentMethod, &r.FareEstimateMin, &r.FareEstimateMax, &r.IdempotencyKey, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Ride{}, apperr.NotFoundf("ride not found")
		}
		return domain.Ride{}, err
	}
	return r, nil
}

const rideColumns = `id, rider_id, COALESCE(driver_id,''), tier, status, pickup_lat, pickup_lon, pickup_accuracy, pickup_ts,
       dropoff_lat, dropoff_lon, dropoff_accuracy, dropoff_ts, distance_km, surge_multiplier,
       payment_method, fare_estimate_min, fare_estimate_max, COALESCE(idempotency_key,''), created_at, updated_at`

func (g *Gateway) GetRide(ctx context.Context, id string) (domain.Ride, error) {
	row := g.Pool.QueryRow(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id)
	return scanRide(row)
}

// GetRideByIdempotencyKey resolves the ride a client token was already
// spent on, backing the defence-in-depth replay path when the cache-side
// idempotency record has been lost.
func (g *Gateway) GetRideByIdempotencyKey(ctx context.Context, key string) (domain.Ride, error) {
	row := g.Pool.QueryRow(ctx, `SELECT `+rideColumns+` FROM rides WHERE idempotency_key=$1`, key)
	return scanRide(row)
}

// LockRideInStatus locks a ride row for update inside tx, requiring its
// current status to equal expected (used by the matching engine and the
// lifecycle controller to implement compare-and-swap transitions).
func LockRideInStatus(ctx context.Context, tx pgx.Tx, rideID string, expected domain.RideStatus) (domain.Ride, error) {
	row := tx.QueryRow(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1 AND status=$2 FOR UPDATE`, rideID, expected)
	ride, err := scanRide(row)
	if err != nil {
		if apperr.KindOf(err) == apperr.NotFound {
			return domain.Ride{}, apperr.Conflictf("ride %s is not in status %s", rideID, expected)
		}
		return domain.Ride{}, err
	}
	return ride, nil
}

// UpdateRideStatus performs a compare-and-swap transition, failing with a
// Conflict if the ride isn't currently in `from`.
func (g *Gateway) UpdateRideStatus(ctx context.Context, tx pgx.Tx, rideID string, from, to domain.RideStatus, driverID string) error {
	exec := g.Pool.Exec
	if tx != nil {
		exec = tx.Exec
	}
	ct, err := exec(ctx, `
UPDATE rides SET status=$3, driver_id=COALESCE(NULLIF($4,''), driver_id), updated_at=NOW()
WHERE id=$1 AND status=$2
`, rideID, from, to, driverID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return apperr.Conflictf("ride %s is not in status %s", rideID, from)
	}
	return nil
}

func (g *Gateway) ListRidesByRider(ctx context.Context, riderID string, limit, offset int) ([]domain.Ride, error) {
	return g.listRides(ctx, "rider_id", riderID, limit, offset)
}

func (g *Gateway) ListRidesByDriver(ctx context.Context, driverID string, limit, offset int) ([]domain.Ride, error) {
	return g.listRides(ctx, "driver_id", driverID, limit, offset)
}

func (g *Gateway) listRides(ctx context.Context, col, val string, limit, offset int) ([]domain.Ride, error) {
	rows, err := g.Pool.Query(ctx, `SELECT `+rideColumns+` FROM rides WHERE `+col+` = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, val, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- trips ---

func (g *Gateway) CreateTrip(ctx context.Context, tx pgx.Tx, t domain.Trip) error {
	_, err := tx.Exec(ctx, `
INSERT INTO trips (id, ride_id, driver_id, rider_id, status, started_at, ended_at) VALUES ($1,$2,$3,$4,$5,$6,$7)
`, t.ID, t.RideID, t.DriverID, t.RiderID, t.Status, t.StartedAt, t.EndedAt)
	return err
}

const tripColumns = `id, ride_id, driver_id, rider_id, status, started_at, ended_at, distance_km, fare_base, fare_surge, fare_total`

func scanTrip(row pgx.Row) (domain.Trip, error) {
	var t domain.Trip
	err := row.Scan(&t.ID, &t.RideID, &t.DriverID, &t.RiderID, &t.Status, &t.StartedAt, &t.EndedAt,
		&t.DistanceKM, &t.FareBase, &t.FareSurge, &t.FareTotal)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Trip{}, apperr.NotFoundf("trip not found")
		}
		return domain.Trip{}, err
	}
	return t, nil
}

func (g *Gateway) GetTripByRide(ctx context.Context, rideID string) (domain.Trip, error) {
	row := g.Pool.QueryRow(ctx, `SELECT `+tripColumns+` FROM trips WHERE ride_id=$1`, rideID)
	t, err := scanTrip(row)
	if err != nil {
		if apperr.KindOf(err) == apperr.NotFound {
			return domain.Trip{}, apperr.NotFoundf("trip for ride %s not found", rideID)
		}
		return domain.Trip{}, err
	}
	return t, nil
}

// LockTripInStatus locks a trip row for update inside tx, requiring its
// current status to be one of expected.
func LockTripInStatus(ctx context.Context, tx pgx.Tx, rideID string, expected ...domain.TripStatus) (domain.Trip, error) {
	row := tx.QueryRow(ctx, `SELECT `+tripColumns+` FROM trips WHERE ride_id=$1 AND status = ANY($2) FOR UPDATE`, rideID, expected)
	t, err := scanTrip(row)
	if err != nil {
		if apperr.KindOf(err) == apperr.NotFound {
			return domain.Trip{}, apperr.Conflictf("trip for ride %s is not in a completable status", rideID)
		}
		return domain.Trip{}, err
	}
	return t, nil
}

// CompleteTripTx marks the trip COMPLETED with its measured distance and
// fare breakdown inside tx.
func (g *Gateway) CompleteTripTx(ctx context.Context, tx pgx.Tx, rideID string, endedAt time.Time, distanceKM float64, f domain.Fare) error {
	_, err := tx.Exec(ctx, `
UPDATE trips SET status=$2, ended_at=$3, distance_km=$4, fare_base=$5, fare_surge=$6, fare_total=$7
WHERE ride_id=$1
`, rideID, domain.TripCompleted, endedAt, distanceKM, f.Base, f.SurgeComponent, f.Total)
	return err
}

// UpdateTripStatusTx updates a trip's status (and optionally ended_at)
// inside tx, or against the pool when tx is nil.
func (g *Gateway) UpdateTripStatusTx(ctx context.Context, tx pgx.Tx, rideID string, status domain.TripStatus, endedAt *time.Time) error {
	exec := g.Pool.Exec
	if tx != nil {
		exec = tx.Exec
	}
	_, err := exec(ctx, `UPDATE trips SET status=$2, ended_at=COALESCE($3, ended_at) WHERE ride_id=$1`, rideID, status, endedAt)
	return err
}

// --- payments ---

// CreatePaymentTx is the transaction-scoped form, used by EndTrip so the
// PENDING payment row is inserted atomically with the trip/ride/driver
// transition.
func (g *Gateway) CreatePaymentTx(ctx context.Context, tx pgx.Tx, p domain.Payment) error {
	exec := g.Pool.Exec
	if tx != nil {
		exec = tx.Exec
	}
	_, err := exec(ctx, `
INSERT INTO payments (id, ride_id, rider_id, amount, method, status, psp_ref, idempotency_key, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`, p.ID, p.RideID, p.RiderID, p.Amount, p.Method, p.Status, p.PSPRef, p.IdempotencyKey, p.CreatedAt, p.UpdatedAt)
	return err
}

func (g *Gateway) GetPaymentByRide(ctx context.Context, rideID string) (domain.Payment, error) {
	row := g.Pool.QueryRow(ctx, `
SELECT id, ride_id, rider_id, amount, method, status, COALESCE(psp_ref,''), COALESCE(idempotency_key,''), created_at, updated_at
FROM payments WHERE ride_id=$1
`, rideID)
	var p domain.Payment
	err := row.Scan(&p.ID, &p.RideID, &p.RiderID, &p.Amount, &p.Method, &p.Status, &p.PSPRef, &p.IdempotencyKey, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Payment{}, apperr.NotFoundf("payment for ride %s not found", rideID)
		}
		return domain.Payment{}, err
	}
	return p, nil
}

func (g *Gateway) UpdatePaymentResult(ctx context.Context, id string, status domain.PaymentStatus, pspRef, method, idemKey string) error {
	_, err := g.Pool.Exec(ctx, `
UPDATE payments SET status=$2, psp_ref=$3, method=COALESCE(NULLIF($4,''), method),
       idempotency_key=COALESCE(NULLIF($5,''), idempotency_key), updated_at=NOW()
WHERE id=$1
`, id, status, pspRef, method, idemKey)
	return err
}

// --- ride events (audit trail, not a source-of-truth event log) ---

func (g *Gateway) AppendRideEvent(ctx context.Context, tx pgx.Tx, evt domain.RideEvent) error {
	exec := g.Pool.Exec
	if tx != nil {
		exec = tx.Exec
	}
	_, err := exec(ctx, `
INSERT INTO ride_events (ride_id, event_type, payload, created_at) VALUES ($1,$2,$3,$4)
`, evt.RideID, evt.Type, evt.Payload, evt.CreatedAt)
	return err
}

func (g *Gateway) ListRideEvents(ctx context.Context, rideID string, limit, offset int) ([]domain.RideEvent, error) {
	rows, err := g.Pool.Query(ctx, `
SELECT ride_id, event_type, payload, created_at FROM ride_events
WHERE ride_id=$1 ORDER BY created_at ASC LIMIT $2 OFFSET $3
`, rideID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.RideEvent
	for rows.Next() {
		var e domain.RideEvent
		if err := rows.Scan(&e.RideID, &e.Type, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarshalEventPayload builds a RideEvent payload for callers outside this
// package (lifecycle, matching).
func MarshalEventPayload(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
