// Package auth is the bearer-token identity store, grounded in the
// teacher's internal/auth/store.go, adapted from dispatch.Identity to
// domain.Identity with a rider/driver/admin role set.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/man2412/ride-hailing-platform/internal/domain"
)

// InMemoryStore keeps issued tokens mapped to identities.
type InMemoryStore struct {
	mu    sync.RWMutex
	users map[string]domain.Identity
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{users: make(map[string]domain.Identity)}
}

// Register creates an identity with the given role and returns it
// (including its token).
func (s *InMemoryStore) Register(role domain.IdentityRole, ttl time.Duration) (domain.Identity, error) {
	if role != domain.RoleDriver && role != domain.RoleRider && role != domain.RoleAdmin {
		return domain.Identity{}, errors.New("invalid role")
	}
	id := fmt.Sprintf("%s_%s", role, randomID())
	token := randomID()

	identity := domain.Identity{ID: id, Role: role, Token: token}
	if ttl > 0 {
		expiry := time.Now().Add(ttl)
		identity.ExpiresAt = &expiry
	}

	s.mu.Lock()
	s.users[token] = identity
	s.mu.Unlock()
	return identity, nil
}

func (s *InMemoryStore) Lookup(token string) (domain.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[token]
	if !ok {
		return domain.Identity{}, false
	}
	if u.ExpiresAt != nil && time.Now().After(*u.ExpiresAt) {
		return domain.Identity{}, false
	}
	return u, true
}

// Seed hydrates an identity loaded from durable storage into the in-memory
// lookup table, used at startup to avoid a database round trip on every
// request.
func (s *InMemoryStore) Seed(identity domain.Identity) {
	if identity.Token == "" {
		return
	}
	if identity.ExpiresAt != nil && time.Now().After(*identity.ExpiresAt) {
		return
	}
	s.mu.Lock()
	s.users[identity.Token] = identity
	s.mu.Unlock()
}

func randomID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
