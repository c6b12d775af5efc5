package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/man2412/ride-hailing-platform/internal/auth"
	"github.com/man2412/ride-hailing-platform/internal/hub"
	"github.com/man2412/ride-hailing-platform/internal/idempotency"
	"github.com/man2412/ride-hailing-platform/internal/lifecycle"
	"github.com/man2412/ride-hailing-platform/internal/location"
	"github.com/man2412/ride-hailing-platform/internal/payment"
	"github.com/man2412/ride-hailing-platform/internal/store"
)

// AttachRoutes wires the HTTP surface onto r, grounded in the teacher's
// internal/api/routes.go AttachRoutes, generalized from a single
// dispatch.Store to the split lifecycle/matching/payment/location
// subsystems and the ride-hailing state machine's external interface.
func AttachRoutes(
	r chi.Router,
	gateway *store.Gateway,
	ctrl *lifecycle.Controller,
	loc *location.Pipeline,
	payments *payment.Processor,
	idem idempotency.Store,
	h *hub.Hub,
	authMem *auth.InMemoryStore,
	identityDB *store.IdentityStore,
) {
	var authCfg authConfig
	if identityDB != nil {
		authCfg = newAuthConfig(authMem, identityDB)
	} else {
		authCfg = authConfig{mem: authMem}
	}
	handler := NewHandler(gateway, ctrl, loc, payments, idem, h, authCfg)

	r.Use(middleware.RequestID)
	r.Use(handler.metricsMiddleware)
	r.Use(JSONLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: false,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/metrics", handler.Metrics)

	r.Group(func(pr chi.Router) {
		pr.Use(authCfg.middleware)

		pr.Post("/v1/drivers", handler.RegisterDriver)
		pr.Get("/v1/drivers/{driverID}", handler.GetDriver)
		pr.Patch("/v1/drivers/{driverID}/status", handler.UpdateDriverStatus)
		pr.Post("/v1/drivers/{driverID}/location", handler.UpdateDriverLocation)
		pr.Post("/v1/drivers/{driverID}/accept", handler.AcceptDriverAccept)

		pr.Post("/v1/rides", handler.RequestRide)
		pr.Get("/v1/rides/{rideID}", handler.GetRide)
		pr.Get("/v1/rides/{rideID}/events", handler.ListRideEvents)
		pr.Post("/v1/rides/{rideID}/cancel", handler.CancelRide)

		pr.Post("/v1/trips/{rideID}/start", handler.StartTrip)
		pr.Post("/v1/trips/{rideID}/pause", handler.PauseTrip)
		pr.Post("/v1/trips/{rideID}/resume", handler.ResumeTrip)
		pr.Post("/v1/trips/{rideID}/end", handler.EndTrip)

		pr.Post("/v1/payments", handler.SubmitPayment)

		pr.Get("/v1/history/rider", handler.ListRidesByRider)
		pr.Get("/v1/history/driver", handler.ListRidesByDriver)

		pr.Post("/v1/auth/register", handler.RegisterIdentity)
	})

	r.Get("/ws/rides/{rideID}", handler.RideWebsocket)
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
