package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/man2412/ride-hailing-platform/internal/api"
	"github.com/man2412/ride-hailing-platform/internal/auth"
	"github.com/man2412/ride-hailing-platform/internal/domain"
	"github.com/man2412/ride-hailing-platform/internal/geo"
	"github.com/man2412/ride-hailing-platform/internal/hub"
	"github.com/man2412/ride-hailing-platform/internal/idempotency"
	"github.com/man2412/ride-hailing-platform/internal/lifecycle"
	"github.com/man2412/ride-hailing-platform/internal/location"
	"github.com/man2412/ride-hailing-platform/internal/matching"
	"github.com/man2412/ride-hailing-platform/internal/payment"
	"github.com/man2412/ride-hailing-platform/internal/ridecache"
	"github.com/man2412/ride-hailing-platform/internal/store"
	"github.com/man2412/ride-hailing-platform/internal/surge"
)

func main() {
	addr := envOrDefault("HTTP_ADDR", ":8080")
	env := envOrDefault("ENV", "dev")

	setupCtx, cancelSetup := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelSetup()

	// bgCtx outlives setup: it's only cancelled on process shutdown, unlike
	// setupCtx which is scoped to the initial connection/seed calls below.
	bgCtx, cancelBG := context.WithCancel(context.Background())
	defer cancelBG()

	gateway, redisClient, dbPing, redisPing := wireBackends(setupCtx, env)

	geoIdx := geo.Index(geo.NewRedisIndex(redisClient))
	idemStore := idempotency.Store(idempotency.NewRedisStore(redisClient))
	cache := ridecache.Cache(ridecache.NewRedisCache(redisClient))

	surgeCfg := surge.DefaultConfig()
	if raw := os.Getenv("MAX_SURGE_MULTIPLIER"); raw != "" {
		if v, err := decimal.NewFromString(raw); err == nil && v.Sign() > 0 {
			surgeCfg.MaxMultiplier = v
		}
	}
	surgeEngine := surge.NewEngine(redisClient, geoIdx, surgeCfg)
	locPipeline := location.New(gateway, geoIdx, 1024, 4)
	locPipeline.Start(bgCtx)
	go runGeoReaper(bgCtx, geoIdx)

	rideHub := hub.New()
	go rideHub.Run()

	authMem := auth.NewInMemoryStore()
	identityDB := store.NewIdentityStore(gateway.Pool)
	seedIdentities(setupCtx, identityDB, authMem)
	seedBootstrapAdmin(authMem)

	matchCfg := matching.DefaultConfig()
	matchCfg.RadiusKM = envFloat("MATCHING_RADIUS_KM", matchCfg.RadiusKM)
	matchCfg.Timeout = envSeconds("MATCHING_TIMEOUT_SECONDS", matchCfg.Timeout)
	matchCfg.MaxRetries = envInt("MATCHING_MAX_RETRIES", matchCfg.MaxRetries)

	var ctrl *lifecycle.Controller
	var matchEngine *matching.Engine
	ctrl = lifecycle.New(gateway, geoIdx, surgeEngine, cache, rideHub, locPipeline, func(rideID string) {
		matching.BindLifecycle(matchEngine)(rideID)
	})
	matchEngine = matching.New(gateway, geoIdx, redisClient, surgeEngine, rideHub, locPipeline, cache, matchCfg)

	adapter := payment.NewAdapter(payment.StubPSP{})
	processor := payment.NewProcessor(gateway, adapter, ctrl)

	log.Printf("matching radius=%.1fkm timeout=%s max_retries=%d max_surge=%s",
		matchCfg.RadiusKM, matchCfg.Timeout, matchCfg.MaxRetries, surgeCfg.MaxMultiplier)

	r := chi.NewRouter()
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		readyCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if dbPing != nil {
			if err := dbPing(readyCtx); err != nil {
				http.Error(w, "database not ready", http.StatusServiceUnavailable)
				return
			}
		}
		if redisPing != nil {
			if err := redisPing(readyCtx); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	api.AttachRoutes(r, gateway, ctrl, locPipeline, processor, idemStore, rideHub, authMem, identityDB)

	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Printf("ride-hailing dispatch API listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

func envOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil && v > 0 {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return fallback
}

func envSeconds(key string, fallback time.Duration) time.Duration {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return time.Duration(v) * time.Second
	}
	return fallback
}

// wireBackends connects to Postgres and Redis. Both are required: the
// record store has no in-memory substitute, and the matching engine's
// SET NX lock and the surge demand counters are load-bearing Redis
// operations, not a cache that can be bypassed.
func wireBackends(ctx context.Context, env string) (*store.Gateway, *redis.Client, func(context.Context) error, func(context.Context) error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	pool, err := store.NewPool(ctx, dbURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	if err := store.ApplySchema(ctx, pool, "schema.sql"); err != nil {
		log.Fatalf("schema migration failed: %v", err)
	}
	gateway := store.NewGateway(pool)
	dbPing := func(c context.Context) error { return pool.Ping(c) }
	log.Printf("using PostgreSQL record store (env=%s)", env)

	redisURL := envOrDefault("REDIS_URL", "redis://redis:6379")
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Fatalf("REDIS_URL parse failed: %v", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis unreachable: %v", err)
	}
	redisPing := func(c context.Context) error { return client.Ping(c).Err() }
	log.Printf("using Redis geo index, surge counters, and idempotency cache")

	return gateway, client, dbPing, redisPing
}

func seedIdentities(ctx context.Context, db *store.IdentityStore, mem *auth.InMemoryStore) {
	seedCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	all, err := db.All(seedCtx)
	if err != nil {
		log.Printf("failed to preload identities: %v", err)
		return
	}
	for _, ident := range all {
		mem.Seed(ident)
	}
}

// runGeoReaper sweeps every tier's geo index on a fixed interval, evicting
// entries whose last ping is older than the index's 30s freshness window.
// Nearby/Supply already filter stale entries on read, so a missed or
// delayed sweep never produces an incorrect match or surge figure — this
// only bounds how long a stale entry's Redis keyspace footprint lingers.
func runGeoReaper(ctx context.Context, idx geo.Index) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, tier := range domain.AllTiers {
				if _, err := idx.Reap(ctx, tier); err != nil {
					log.Printf("geo reaper: sweep failed for tier %s: %v", tier, err)
				}
			}
		}
	}
}

// seedBootstrapAdmin issues one admin token at startup so there is a way to
// call POST /v1/auth/register at all; logged once, not persisted.
func seedBootstrapAdmin(mem *auth.InMemoryStore) {
	identity, err := mem.Register("admin", 0)
	if err != nil {
		log.Printf("bootstrap admin issuance failed: %v", err)
		return
	}
	log.Printf("bootstrap admin token issued: %s", identity.Token)
}
