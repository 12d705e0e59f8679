package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres keeps leases as rows in transfer_leases. Expiry is judged by the
// database clock.
type Postgres struct {
	pool      *pgxpool.Pool
	keyPrefix string
}

func NewPostgres(pool *pgxpool.Pool, keyPrefix string) *Postgres {
	if keyPrefix == "" {
		keyPrefix = "provenance:lease:"
	}
	return &Postgres{pool: pool, keyPrefix: keyPrefix}
}

func (p *Postgres) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	token := uuid.NewString()
	var expiresAt time.Time
	err := p.pool.QueryRow(ctx, `
INSERT INTO transfer_leases (lease_key, token, expires_at)
VALUES ($1, $2, NOW() + $3 * INTERVAL '1 millisecond')
ON CONFLICT (lease_key) DO UPDATE
  SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
  WHERE transfer_leases.expires_at <= NOW()
RETURNING expires_at
`, p.keyPrefix+key, token, ttl.Milliseconds()).Scan(&expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Lease{}, ErrHeld
	}
	if err != nil {
		return Lease{}, fmt.Errorf("postgres acquire %s: %w", key, err)
	}
	return Lease{Key: key, Token: token, ExpiresAt: expiresAt.UTC()}, nil
}

func (p *Postgres) Extend(ctx context.Context, lease Lease, ttl time.Duration) (Lease, error) {
	var expiresAt time.Time
	err := p.pool.QueryRow(ctx, `
UPDATE transfer_leases SET expires_at = NOW() + $3 * INTERVAL '1 millisecond'
WHERE lease_key = $1 AND token = $2 AND expires_at > NOW()
RETURNING expires_at
`, p.keyPrefix+lease.Key, lease.Token, ttl.Milliseconds()).Scan(&expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Lease{}, ErrLost
	}
	if err != nil {
		return Lease{}, fmt.Errorf("postgres extend %s: %w", lease.Key, err)
	}
	lease.ExpiresAt = expiresAt.UTC()
	return lease, nil
}

func (p *Postgres) Release(ctx context.Context, lease Lease) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM transfer_leases WHERE lease_key = $1 AND token = $2`, p.keyPrefix+lease.Key, lease.Token)
	if err != nil {
		return fmt.Errorf("postgres release %s: %w", lease.Key, err)
	}
	return nil
}
