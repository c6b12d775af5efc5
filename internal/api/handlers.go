package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/man2412/ride-hailing-platform/internal/apperr"
	"github.com/man2412/ride-hailing-platform/internal/domain"
	"github.com/man2412/ride-hailing-platform/internal/hub"
	"github.com/man2412/ride-hailing-platform/internal/idempotency"
	"github.com/man2412/ride-hailing-platform/internal/lifecycle"
	"github.com/man2412/ride-hailing-platform/internal/location"
	"github.com/man2412/ride-hailing-platform/internal/payment"
	"github.com/man2412/ride-hailing-platform/internal/store"
)

// Handler holds every collaborator an HTTP request might need. Grounded in
// the teacher's api.Handler, generalized from a single dispatch.Store to
// the split lifecycle/matching/payment/location subsystems.
type Handler struct {
	gateway   *store.Gateway
	lifecycle *lifecycle.Controller
	location  *location.Pipeline
	payments  *payment.Processor
	idem      idempotency.Store
	hub       *hub.Hub
	auth      authConfig
	startTime time.Time
}

func NewHandler(gateway *store.Gateway, ctrl *lifecycle.Controller, loc *location.Pipeline, payments *payment.Processor, idem idempotency.Store, h *hub.Hub, authCfg authConfig) *Handler {
	return &Handler{
		gateway:   gateway,
		lifecycle: ctrl,
		location:  loc,
		payments:  payments,
		idem:      idem,
		hub:       h,
		auth:      authCfg,
		startTime: time.Now(),
	}
}

func apperrStatus(err error) int {
	return apperr.HTTPStatus(apperr.KindOf(err))
}

func decimalFromString(raw string) (decimal.Decimal, error) {
	return decimal.NewFromString(raw)
}

// validLatLng enforces the WGS84 bounds every coordinate in a request body
// must satisfy: latitude in [-90, 90], longitude in [-180, 180].
func validLatLng(lat, lng float64) bool {
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

func requireRole(w http.ResponseWriter, r *http.Request, allowed ...domain.IdentityRole) bool {
	id, ok := identityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return false
	}
	for _, role := range allowed {
		if id.Role == role {
			return true
		}
	}
	respondError(w, http.StatusForbidden, "forbidden")
	return false
}

func matchIdentity(w http.ResponseWriter, r *http.Request, targetID string) bool {
	id, ok := identityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return false
	}
	if id.Role == domain.RoleAdmin || id.ID == targetID {
		return true
	}
	respondError(w, http.StatusForbidden, "forbidden")
	return false
}

// respondIdempotent replays a previously-recorded response for key, or runs
// fn and records its result, exactly matching the original
// check_idempotency/store_idempotency_result pairing (Redis SETEX with a
// 24h TTL and an X-Idempotency-Replay marker header on replay).
func (h *Handler) respondIdempotent(w http.ResponseWriter, r *http.Request, key string, fn func() (int, any)) {
	if key != "" {
		if rec, ok, err := h.idem.Lookup(r.Context(), key); err == nil && ok {
			w.Header().Set("X-Idempotency-Replay", "true")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(rec.StatusCode)
			_, _ = w.Write(rec.Body)
			return
		}
	}
	status, body := fn()
	raw, _ := json.Marshal(body)
	if key != "" && status < 500 {
		_ = h.idem.Remember(r.Context(), key, idempotency.Record{StatusCode: status, Body: raw})
	}
	respondJSON(w, status, body)
}

// --- drivers ---

type registerDriverPayload struct {
	ID    string      `json:"id"`
	Name  string      `json:"name"`
	Phone string      `json:"phone"`
	Tier  domain.Tier `json:"tier"`
}

func (h *Handler) RegisterDriver(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, domain.RoleDriver, domain.RoleAdmin) {
		return
	}
	var payload registerDriverPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if !payload.Tier.Valid() {
		respondError(w, http.StatusBadRequest, "invalid tier")
		return
	}
	if len(payload.Name) < 2 || len(payload.Name) > 255 {
		respondError(w, http.StatusUnprocessableEntity, "name must be 2-255 characters")
		return
	}
	if len(payload.Phone) < 10 || len(payload.Phone) > 20 {
		respondError(w, http.StatusUnprocessableEntity, "phone must be 10-20 characters")
		return
	}
	identity, _ := identityFromContext(r.Context())
	id := payload.ID
	if id == "" {
		id = identity.ID
	}
	if !matchIdentity(w, r, id) {
		return
	}
	now := time.Now()
	driver := domain.Driver{
		ID:        id,
		Name:      payload.Name,
		Phone:     payload.Phone,
		Tier:      payload.Tier,
		Status:    domain.DriverOffline,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.gateway.CreateDriver(r.Context(), driver); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to register driver")
		return
	}
	respondJSON(w, http.StatusCreated, driver)
}

// UpdateDriverStatus toggles a driver between offline and available via
// ?new_status=…; on_trip is only ever set by the matching engine.
func (h *Handler) UpdateDriverStatus(w http.ResponseWriter, r *http.Request) {
	driverID := chi.URLParam(r, "driverID")
	if !requireRole(w, r, domain.RoleDriver, domain.RoleAdmin) || !matchIdentity(w, r, driverID) {
		return
	}
	status := domain.DriverStatus(r.URL.Query().Get("new_status"))
	switch status {
	case domain.DriverAvailable, domain.DriverOffline:
	default:
		respondError(w, http.StatusBadRequest, "new_status must be available or offline")
		return
	}
	driver, err := h.lifecycle.SetDriverAvailability(r.Context(), driverID, status)
	if err != nil {
		respondError(w, apperrStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, driver)
}

type driverLocationPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
	Timestamp int64   `json:"timestamp,omitempty"`
}

func (h *Handler) UpdateDriverLocation(w http.ResponseWriter, r *http.Request) {
	driverID := chi.URLParam(r, "driverID")
	if !requireRole(w, r, domain.RoleDriver, domain.RoleAdmin) || !matchIdentity(w, r, driverID) {
		return
	}
	var payload driverLocationPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if !validLatLng(payload.Latitude, payload.Longitude) {
		respondError(w, http.StatusBadRequest, "latitude/longitude out of range")
		return
	}
	ts := time.Now()
	if payload.Timestamp > 0 {
		ts = time.UnixMilli(payload.Timestamp)
	}
	loc := domain.Coordinate{Latitude: payload.Latitude, Longitude: payload.Longitude, Accuracy: payload.Accuracy, At: ts}
	if err := h.location.Update(r.Context(), driverID, loc); err != nil {
		respondError(w, apperrStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetDriver(w http.ResponseWriter, r *http.Request) {
	driverID := chi.URLParam(r, "driverID")
	driver, err := h.gateway.GetDriver(r.Context(), driverID)
	if err != nil {
		respondError(w, apperrStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, driver)
}

// --- rides ---

type rideRequestPayload struct {
	Tier          domain.Tier       `json:"tier"`
	Pickup        coordinatePayload `json:"pickup"`
	Dropoff       coordinatePayload `json:"dropoff"`
	PaymentMethod string            `json:"payment_method"`
}

type coordinatePayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

func (h *Handler) RequestRide(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, domain.RoleRider, domain.RoleAdmin) {
		return
	}
	identity, _ := identityFromContext(r.Context())
	var payload rideRequestPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if !validLatLng(payload.Pickup.Latitude, payload.Pickup.Longitude) || !validLatLng(payload.Dropoff.Latitude, payload.Dropoff.Longitude) {
		respondError(w, http.StatusBadRequest, "pickup/dropoff latitude or longitude out of range")
		return
	}
	if payload.PaymentMethod == "" {
		respondError(w, http.StatusUnprocessableEntity, "payment_method is required")
		return
	}
	now := time.Now()
	idemKey := r.Header.Get("Idempotency-Key")
	h.respondIdempotent(w, r, idemKey, func() (int, any) {
		ride, err := h.lifecycle.CreateRide(r.Context(), lifecycle.CreateRideRequest{
			RiderID: identity.ID,
			Tier:    payload.Tier,
			Pickup: domain.Coordinate{
				Latitude: payload.Pickup.Latitude, Longitude: payload.Pickup.Longitude,
				Accuracy: payload.Pickup.Accuracy, At: now,
			},
			Dropoff: domain.Coordinate{
				Latitude: payload.Dropoff.Latitude, Longitude: payload.Dropoff.Longitude,
				Accuracy: payload.Dropoff.Accuracy, At: now,
			},
			PaymentMethod:  payload.PaymentMethod,
			IdempotencyKey: idemKey,
		})
		if err != nil {
			return apperrStatus(err), map[string]string{"error": err.Error()}
		}
		atomic.AddInt64(&procMetrics.ridesCreated, 1)
		return http.StatusCreated, ride
	})
}

func (h *Handler) GetRide(w http.ResponseWriter, r *http.Request) {
	rideID := chi.URLParam(r, "rideID")
	ride, err := h.lifecycle.GetRide(r.Context(), rideID)
	if err != nil {
		respondError(w, apperrStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, ride)
}

func (h *Handler) ListRideEvents(w http.ResponseWriter, r *http.Request) {
	rideID := chi.URLParam(r, "rideID")
	limit := parseLimit(r.URL.Query().Get("limit"), 100)
	offset := parseOffset(r.URL.Query().Get("offset"))
	events, err := h.gateway.ListRideEvents(r.Context(), rideID, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to fetch events")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"data": events, "limit": limit, "offset": offset})
}

func (h *Handler) CancelRide(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, domain.RoleRider, domain.RoleDriver, domain.RoleAdmin) {
		return
	}
	rideID := chi.URLParam(r, "rideID")
	ride, err := h.lifecycle.Cancel(r.Context(), rideID)
	if err != nil {
		respondError(w, apperrStatus(err), err.Error())
		return
	}
	atomic.AddInt64(&procMetrics.ridesCancelled, 1)
	respondJSON(w, http.StatusOK, ride)
}

type rideActionPayload struct {
	DriverID string `json:"driverId"`
}

type acceptPayload struct {
	RideID string `json:"ride_id"`
}

// AcceptDriverAccept implements POST /v1/drivers/{id}/accept: the assigned
// driver confirms the match, moving the ride MATCHED -> DRIVER_EN_ROUTE.
func (h *Handler) AcceptDriverAccept(w http.ResponseWriter, r *http.Request) {
	driverID := chi.URLParam(r, "driverID")
	if !requireRole(w, r, domain.RoleDriver, domain.RoleAdmin) || !matchIdentity(w, r, driverID) {
		return
	}
	var payload acceptPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	ride, err := h.lifecycle.AdvanceDriverEnRoute(r.Context(), payload.RideID, driverID)
	if err != nil {
		respondError(w, apperrStatus(err), err.Error())
		return
	}
	trip, err := h.gateway.GetTripByRide(r.Context(), ride.ID)
	if err != nil {
		respondError(w, apperrStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"tripId": trip.ID,
		"status": ride.Status,
		"ride":   ride,
	})
}

// --- trips ---

func (h *Handler) tripAction(w http.ResponseWriter, r *http.Request, step func(ctrl *lifecycle.Controller, rideID, driverID string) (domain.Ride, error)) {
	if !requireRole(w, r, domain.RoleDriver, domain.RoleAdmin) {
		return
	}
	rideID := chi.URLParam(r, "rideID")
	var payload rideActionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if !matchIdentity(w, r, payload.DriverID) {
		return
	}
	ride, err := step(h.lifecycle, rideID, payload.DriverID)
	if err != nil {
		respondError(w, apperrStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, ride)
}

func (h *Handler) StartTrip(w http.ResponseWriter, r *http.Request) {
	h.tripAction(w, r, func(c *lifecycle.Controller, rideID, driverID string) (domain.Ride, error) {
		return c.AdvanceTripStarted(r.Context(), rideID, driverID)
	})
}

func (h *Handler) PauseTrip(w http.ResponseWriter, r *http.Request) {
	h.tripAction(w, r, func(c *lifecycle.Controller, rideID, driverID string) (domain.Ride, error) {
		return c.PauseTrip(r.Context(), rideID, driverID)
	})
}

func (h *Handler) ResumeTrip(w http.ResponseWriter, r *http.Request) {
	h.tripAction(w, r, func(c *lifecycle.Controller, rideID, driverID string) (domain.Ride, error) {
		return c.ResumeTrip(r.Context(), rideID, driverID)
	})
}

type endTripPayload struct {
	DriverID string  `json:"driverId"`
	FinalLat float64 `json:"final_lat"`
	FinalLng float64 `json:"final_lng"`
}

func (h *Handler) EndTrip(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, domain.RoleDriver, domain.RoleAdmin) {
		return
	}
	rideID := chi.URLParam(r, "rideID")
	var payload endTripPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if !matchIdentity(w, r, payload.DriverID) {
		return
	}
	if !validLatLng(payload.FinalLat, payload.FinalLng) {
		respondError(w, http.StatusBadRequest, "final_lat/final_lng out of range")
		return
	}
	final := domain.Coordinate{Latitude: payload.FinalLat, Longitude: payload.FinalLng, At: time.Now()}
	result, err := h.lifecycle.EndTrip(r.Context(), rideID, payload.DriverID, final)
	if err != nil {
		respondError(w, apperrStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"ride": result.Ride,
		"trip": result.Trip,
		"fare": map[string]any{
			"base":       result.Trip.FareBase,
			"surge":      result.Trip.FareSurge,
			"total":      result.Trip.FareTotal,
			"distanceKm": result.Trip.DistanceKM,
		},
		"payment_status": result.Ride.Status,
	})
}

// --- payments ---

const estimateCurrency = "INR"

// paymentPayload mirrors the original {trip_id, payment_method, amount}
// shape. Trips are 1:1 with rides in this schema, so trip_id is the ride id.
type paymentPayload struct {
	TripID        string `json:"trip_id"`
	PaymentMethod string `json:"payment_method"`
	Amount        string `json:"amount"`
}

func (h *Handler) SubmitPayment(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, domain.RoleRider, domain.RoleAdmin) {
		return
	}
	identity, _ := identityFromContext(r.Context())
	var payload paymentPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	amount, err := decimalFromString(payload.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	if amount.Sign() <= 0 {
		respondError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	idemKey := r.Header.Get("Idempotency-Key")
	h.respondIdempotent(w, r, idemKey, func() (int, any) {
		pay, err := h.payments.Submit(r.Context(), payment.ChargeRequest{
			RideID:         payload.TripID,
			RiderID:        identity.ID,
			ClientAmount:   amount,
			Method:         payload.PaymentMethod,
			IdempotencyKey: idemKey,
		})
		if err != nil {
			return apperrStatus(err), map[string]string{"error": err.Error()}
		}
		status := http.StatusOK
		if pay.Status == domain.PaymentSuccess {
			atomic.AddInt64(&procMetrics.paymentsSuccess, 1)
			atomic.AddInt64(&procMetrics.ridesCompleted, 1)
		} else {
			status = http.StatusPaymentRequired
			atomic.AddInt64(&procMetrics.paymentsFailed, 1)
		}
		return status, map[string]any{
			"payment_id": pay.ID,
			"status":     pay.Status,
			"psp_ref":    pay.PSPRef,
			"amount":     pay.Amount,
			"currency":   estimateCurrency,
		}
	})
}

// --- websocket ---

func (h *Handler) RideWebsocket(w http.ResponseWriter, r *http.Request) {
	rideID := chi.URLParam(r, "rideID")
	h.hub.ServeRide(w, r, rideID)
}

// --- identity & history ---

type registerIdentityPayload struct {
	Role domain.IdentityRole `json:"role"`
}

type identitySaver interface {
	Save(ctx context.Context, ident domain.Identity) (domain.Identity, error)
}

func (h *Handler) RegisterIdentity(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, domain.RoleAdmin) {
		return
	}
	var payload registerIdentityPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	identity, err := h.auth.mem.Register(payload.Role, AccessTokenTTL)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.auth.db != nil {
		if saver, ok := h.auth.db.(identitySaver); ok {
			_, _ = saver.Save(r.Context(), identity)
		}
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"id":    identity.ID,
		"role":  identity.Role,
		"token": identity.Token,
	})
}

func (h *Handler) ListRidesByRider(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFromContext(r.Context())
	limit := parseLimit(r.URL.Query().Get("limit"), 50)
	offset := parseOffset(r.URL.Query().Get("offset"))
	rides, err := h.gateway.ListRidesByRider(r.Context(), identity.ID, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rides")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"data": rides})
}

func (h *Handler) ListRidesByDriver(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFromContext(r.Context())
	limit := parseLimit(r.URL.Query().Get("limit"), 50)
	offset := parseOffset(r.URL.Query().Get("offset"))
	rides, err := h.gateway.ListRidesByDriver(r.Context(), identity.ID, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rides")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"data": rides})
}

func parseLimit(raw string, def int) int {
	if raw == "" {
		return def
	}
	if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 1000 {
		return v
	}
	return def
}

func parseOffset(raw string) int {
	if raw == "" {
		return 0
	}
	if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
		return v
	}
	return 0
}
