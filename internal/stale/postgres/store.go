// Package postgres keeps stale aggregate markers in Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/voltstream/telemetry-core/internal/datum"
	"github.com/voltstream/telemetry-core/internal/stale"
	"github.com/voltstream/telemetry-core/internal/txscope"
)

var ErrInvalidConfig = errors.New("stale/postgres: invalid config")

type Store struct {
	pool txscope.Pool
}

var _ stale.Store = (*Store)(nil)

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
		return fmt.Errorf("stale/postgres: ensure schema: %w", err)
	}
	return nil
}

func kindCodes(kinds []datum.Kind) ([]string, error) {
	if len(kinds) == 0 {
		kinds = datum.Kinds
	}
	out := make([]string, 0, len(kinds))
	for _, k := range kinds {
		if !k.Valid() {
			return nil, fmt.Errorf("%w: %q", datum.ErrInvalidKind, string(k))
		}
		out = append(out, string(k))
	}
	return out, nil
}

func (s *Store) LockNext(ctx context.Context, q txscope.Querier, kinds []datum.Kind) (stale.Marker, bool, error) {
	if q == nil {
		return stale.Marker{}, false, fmt.Errorf("%w: nil querier", ErrInvalidConfig)
	}
	codes, err := kindCodes(kinds)
	if err != nil {
		return stale.Marker{}, false, err
	}

	var (
		m    stale.Marker
		kind string
	)
	err = q.QueryRow(ctx, `
		SELECT stream_id, kind, ts_start, created
		FROM stale_agg_datum
		WHERE kind = ANY($1::text[])
		ORDER BY created, ts_start, stream_id
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, codes).Scan(&m.StreamID, &kind, &m.TsStart, &m.Created)
	if errors.Is(err, pgx.ErrNoRows) {
		return stale.Marker{}, false, nil
	}
	if err != nil {
		return stale.Marker{}, false, fmt.Errorf("stale/postgres: lock next: %w", err)
	}
	m.Kind = datum.Kind(strings.TrimSpace(kind))
	m.TsStart = m.TsStart.UTC()
	m.Created = m.Created.UTC()
	return m, true, nil
}

func (s *Store) Delete(ctx context.Context, q txscope.Querier, m stale.Marker) error {
	if q == nil {
		return fmt.Errorf("%w: nil querier", ErrInvalidConfig)
	}
	if _, err := q.Exec(ctx,
		`DELETE FROM stale_agg_datum WHERE stream_id = $1 AND kind = $2 AND ts_start = $3`,
		m.StreamID, string(m.Kind), m.TsStart,
	); err != nil {
		return fmt.Errorf("stale/postgres: delete: %w", err)
	}
	return nil
}

func (s *Store) Mark(ctx context.Context, q txscope.Querier, m stale.Marker) error {
	if q == nil {
		return fmt.Errorf("%w: nil querier", ErrInvalidConfig)
	}
	if !m.Kind.Valid() {
		return fmt.Errorf("%w: %q", datum.ErrInvalidKind, string(m.Kind))
	}
	if _, err := q.Exec(ctx, `
		INSERT INTO stale_agg_datum (stream_id, kind, ts_start)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, m.StreamID, string(m.Kind), m.Kind.Truncate(m.TsStart)); err != nil {
		return fmt.Errorf("stale/postgres: mark: %w", err)
	}
	return nil
}

// Pending counts markers of the given kinds, all kinds when empty.
func (s *Store) Pending(ctx context.Context, kinds ...datum.Kind) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	codes, err := kindCodes(kinds)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM stale_agg_datum WHERE kind = ANY($1::text[])`, codes,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("stale/postgres: pending: %w", err)
	}
	return n, nil
}
