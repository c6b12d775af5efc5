package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/man2412/ride-hailing-platform/internal/domain"
)

// IdentityStore is the durable backing for bearer-token identities,
// grounded in the teacher's internal/storage/identity.go.
type IdentityStore struct {
	pool *pgxpool.Pool
}

func NewIdentityStore(pool *pgxpool.Pool) *IdentityStore {
	return &IdentityStore{pool: pool}
}

func (s *IdentityStore) Save(ctx context.Context, ident domain.Identity) (domain.Identity, error) {
	_, err := s.pool.Exec(ctx, `
INSERT INTO identities (id, role, token, expires_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (id) DO UPDATE SET role=EXCLUDED.role, token=EXCLUDED.token, expires_at=EXCLUDED.expires_at
`, ident.ID, ident.Role, ident.Token, ident.ExpiresAt)
	return ident, err
}

func (s *IdentityStore) Lookup(ctx context.Context, token string) (domain.Identity, bool, error) {
	var ident domain.Identity
	var expires *time.Time
	err := s.pool.QueryRow(ctx, `SELECT id, role, token, expires_at FROM identities WHERE token=$1`, token).
		Scan(&ident.ID, &ident.Role, &ident.Token, &expires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Identity{}, false, nil
		}
		return domain.Identity{}, false, err
	}
	ident.ExpiresAt = expires
	if expires != nil && expires.Before(time.Now()) {
		return domain.Identity{}, false, nil
	}
	return ident, true, nil
}

func (s *IdentityStore) All(ctx context.Context) ([]domain.Identity, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, role, token, expires_at FROM identities`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Identity
	for rows.Next() {
		var ident domain.Identity
		var expires *time.Time
		if err := rows.Scan(&ident.ID, &ident.Role, &ident.Token, &expires); err != nil {
			return nil, err
		}
		ident.ExpiresAt = expires
		out = append(out, ident)
	}
	return out, rows.Err()
}
