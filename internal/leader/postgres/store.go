package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/theqp/primeclaim/internal/leader"
)

var ErrInvalidConfig = errors.New("leader/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("leader/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (leader.Lease, bool, error) {
	if s == nil || s.pool == nil {
		return leader.Lease{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if name == "" || owner == "" || ttl <= 0 {
		return leader.Lease{}, false, leader.ErrInvalidInput
	}

	var (
		gotOwner string
		expires  time.Time
	)
	err := s.pool.QueryRow(ctx, `
		INSERT INTO leader_leases (name, owner, expires_at, created_at, updated_at)
		VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'), now(), now())
		ON CONFLICT (name) DO UPDATE
		SET owner = EXCLUDED.owner,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()
		WHERE leader_leases.expires_at <= now() OR leader_leases.owner = EXCLUDED.owner
		RETURNING owner, expires_at
	`, name, owner, ttlMilliseconds(ttl)).Scan(&gotOwner, &expires)
	if err == nil {
		return leader.Lease{Name: name, Owner: gotOwner, ExpiresAt: expires}, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return leader.Lease{}, false, fmt.Errorf("leader/postgres: acquire: %w", err)
	}

	// Held by someone else; report the current holder.
	err = s.pool.QueryRow(ctx, `SELECT owner, expires_at FROM leader_leases WHERE name = $1`, name).Scan(&gotOwner, &expires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return leader.Lease{}, false, nil
		}
		return leader.Lease{}, false, fmt.Errorf("leader/postgres: get: %w", err)
	}
	return leader.Lease{Name: name, Owner: gotOwner, ExpiresAt: expires}, false, nil
}

func (s *Store) Release(ctx context.Context, name, owner string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if name == "" || owner == "" {
		return leader.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM leader_leases WHERE name = $1 AND owner = $2`, name, owner)
	if err != nil {
		return fmt.Errorf("leader/postgres: release: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM leader_leases WHERE name = $1)`, name).Scan(&exists); err != nil {
		return fmt.Errorf("leader/postgres: release lookup: %w", err)
	}
	if exists {
		return leader.ErrNotOwner
	}
	return nil
}

func ttlMilliseconds(ttl time.Duration) int64 {
	ms := ttl.Milliseconds()
	if ms <= 0 {
		return 1
	}
	return ms
}
