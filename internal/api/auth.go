package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/man2412/ride-hailing-platform/internal/auth"
	"github.com/man2412/ride-hailing-platform/internal/domain"
	"github.com/man2412/ride-hailing-platform/internal/store"
)

type identityDB interface {
	Lookup(ctx context.Context, token string) (domain.Identity, bool, error)
}

type authConfig struct {
	mem *auth.InMemoryStore
	db  identityDB
}

func newAuthConfig(mem *auth.InMemoryStore, db *store.IdentityStore) authConfig {
	if db == nil {
		return authConfig{mem: mem}
	}
	return authConfig{mem: mem, db: db}
}

func (a authConfig) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := parseToken(r)
		if token == "" {
			respondError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		identity, ok := a.lookup(r.Context(), token)
		if !ok {
			respondError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		ctx := context.WithValue(r.Context(), identityCtxKey{}, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a authConfig) lookup(ctx context.Context, token string) (domain.Identity, bool) {
	if a.mem != nil {
		if id, ok := a.mem.Lookup(token); ok {
			return id, true
		}
	}
	if a.db != nil {
		if id, ok, err := a.db.Lookup(ctx, token); err == nil && ok {
			return id, true
		}
	}
	return domain.Identity{}, false
}

type identityCtxKey struct{}

func identityFromContext(ctx context.Context) (domain.Identity, bool) {
	id, ok := ctx.Value(identityCtxKey{}).(domain.Identity)
	return id, ok
}

func parseToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	return ""
}

// AccessTokenTTL matches the original implementation's
// access_token_expire_minutes=60 default.
const AccessTokenTTL = 60 * time.Minute
