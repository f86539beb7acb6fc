// Package postgres keeps leader leases in Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/voltstream/telemetry-core/internal/leader"
	"github.com/voltstream/telemetry-core/internal/txscope"
)

var ErrInvalidConfig = errors.New("leader/postgres: invalid config")

type Store struct {
	pool txscope.Pool
}

var _ leader.Store = (*Store)(nil)

func New(pool txscope.Pool) (*Store, error) {
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

func (s *Store) TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (leader.Lease, bool, error) {
	if s == nil || s.pool == nil {
		return leader.Lease{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := validateInput(name, owner, ttl); err != nil {
		return leader.Lease{}, false, err
	}

	l := leader.Lease{Name: name}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO scheduler_leases (name, owner, term, expires_at)
		VALUES ($1, $2, 1, now() + ($3::bigint * interval '1 millisecond'))
		ON CONFLICT (name) DO UPDATE
		SET owner = EXCLUDED.owner,
			term = CASE WHEN scheduler_leases.owner = EXCLUDED.owner
				THEN scheduler_leases.term ELSE scheduler_leases.term + 1 END,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()
		WHERE scheduler_leases.expires_at <= now() OR scheduler_leases.owner = EXCLUDED.owner
		RETURNING owner, term, expires_at
	`, name, owner, ttlMilliseconds(ttl)).Scan(&l.Owner, &l.Term, &l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Held by someone else; report the current holder.
		cur, gerr := s.Get(ctx, name)
		if gerr != nil {
			return leader.Lease{}, false, gerr
		}
		return cur, false, nil
	}
	if err != nil {
		return leader.Lease{}, false, fmt.Errorf("leader/postgres: try acquire: %w", err)
	}
	return l, true, nil
}

func (s *Store) Renew(ctx context.Context, name, owner string, ttl time.Duration) (leader.Lease, bool, error) {
	if s == nil || s.pool == nil {
		return leader.Lease{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := validateInput(name, owner, ttl); err != nil {
		return leader.Lease{}, false, err
	}

	l := leader.Lease{Name: name}
	err := s.pool.QueryRow(ctx, `
		UPDATE scheduler_leases
		SET expires_at = now() + ($3::bigint * interval '1 millisecond'),
			updated_at = now()
		WHERE name = $1 AND owner = $2
		RETURNING owner, term, expires_at
	`, name, owner, ttlMilliseconds(ttl)).Scan(&l.Owner, &l.Term, &l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := s.Get(ctx, name)
		if gerr != nil {
			return leader.Lease{}, false, gerr
		}
		if cur.Owner != owner {
			return leader.Lease{}, false, leader.ErrNotOwner
		}
		return leader.Lease{}, false, fmt.Errorf("leader/postgres: renew: unexpected no rows")
	}
	if err != nil {
		return leader.Lease{}, false, fmt.Errorf("leader/postgres: renew: %w", err)
	}
	return l, true, nil
}

func (s *Store) Release(ctx context.Context, name, owner string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if name == "" || owner == "" {
		return leader.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduler_leases
		SET owner = '', expires_at = now(), updated_at = now()
		WHERE name = $1 AND owner = $2
	`, name, owner)
	if err != nil {
		return fmt.Errorf("leader/postgres: release: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	cur, gerr := s.Get(ctx, name)
	if errors.Is(gerr, leader.ErrNotFound) {
		return nil
	}
	if gerr != nil {
		return gerr
	}
	if cur.Owner != owner {
		return leader.ErrNotOwner
	}
	return nil
}

func (s *Store) Get(ctx context.Context, name string) (leader.Lease, error) {
	if s == nil || s.pool == nil {
		return leader.Lease{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if name == "" {
		return leader.Lease{}, leader.ErrInvalidInput
	}

	l := leader.Lease{Name: name}
	err := s.pool.QueryRow(ctx,
		`SELECT owner, term, expires_at FROM scheduler_leases WHERE name = $1 AND owner <> ''`,
		name,
	).Scan(&l.Owner, &l.Term, &l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return leader.Lease{}, leader.ErrNotFound
	}
	if err != nil {
		return leader.Lease{}, fmt.Errorf("leader/postgres: get: %w", err)
	}
	return l, nil
}

func ttlMilliseconds(ttl time.Duration) int64 {
	ms := ttl.Milliseconds()
	if ms <= 0 {
		return 1
	}
	return ms
}

func validateInput(name, owner string, ttl time.Duration) error {
	if name == "" || owner == "" || ttl <= 0 {
		return leader.ErrInvalidInput
	}
	return nil
}
