// Package postgres stores raw datum rows and their aggregates in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/voltstream/telemetry-core/internal/bulkload"
	"github.com/voltstream/telemetry-core/internal/datum"
	"github.com/voltstream/telemetry-core/internal/txscope"
)

var ErrInvalidConfig = errors.New("datum/postgres: invalid config")

// InsertRawSQL upserts one raw reading. It is the statement bulk loads
// prepare; WriteRaw binds a datum.Datum to it.
const InsertRawSQL = `
	INSERT INTO datum_raw (stream_id, ts, data)
	VALUES ($1, $2, $3)
	ON CONFLICT (stream_id, ts) DO UPDATE SET data = EXCLUDED.data, received = now()
`

// WriteRaw is a bulkload.WriteFunc for InsertRawSQL.
func WriteRaw(ctx context.Context, stmt bulkload.Statement, d datum.Datum, _ int64) error {
	if err := d.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(d.Samples)
	if err != nil {
		return fmt.Errorf("%w: encode samples: %v", datum.ErrInvalidDatum, err)
	}
	if _, err := stmt.Exec(ctx, d.StreamID, d.Timestamp.UTC(), data); err != nil {
		return fmt.Errorf("datum/postgres: insert raw: %w", err)
	}
	return nil
}

type Store struct {
	pool txscope.Pool
}

var _ datum.Aggregator = (*Store)(nil)

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
		return fmt.Errorf("datum/postgres: ensure schema: %w", err)
	}
	return nil
}

// EnsureStream registers a stream, or returns the existing registration for
// the same object and source.
func (s *Store) EnsureStream(ctx context.Context, objectID int64, sourceID string) (datum.Stream, error) {
	if s == nil || s.pool == nil {
		return datum.Stream{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if objectID == 0 || sourceID == "" {
		return datum.Stream{}, fmt.Errorf("%w: object and source ids are required", datum.ErrInvalidDatum)
	}
	out := datum.Stream{ObjectID: objectID, SourceID: sourceID}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO datum_stream_meta (stream_id, object_id, source_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (object_id, source_id) DO UPDATE SET source_id = EXCLUDED.source_id
		RETURNING stream_id
	`, uuid.New(), objectID, sourceID).Scan(&out.StreamID)
	if err != nil {
		return datum.Stream{}, fmt.Errorf("datum/postgres: ensure stream: %w", err)
	}
	return out, nil
}

// FindStream looks a stream up by object and source.
func (s *Store) FindStream(ctx context.Context, objectID int64, sourceID string) (datum.Stream, bool, error) {
	if s == nil || s.pool == nil {
		return datum.Stream{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	out := datum.Stream{ObjectID: objectID, SourceID: sourceID}
	err := s.pool.QueryRow(ctx,
		`SELECT stream_id FROM datum_stream_meta WHERE object_id = $1 AND source_id = $2`,
		objectID, sourceID,
	).Scan(&out.StreamID)
	if errors.Is(err, pgx.ErrNoRows) {
		return datum.Stream{}, false, nil
	}
	if err != nil {
		return datum.Stream{}, false, fmt.Errorf("datum/postgres: find stream: %w", err)
	}
	return out, true, nil
}

const hourSourceSQL = `
	WITH src AS (
		SELECT d.key, d.value::double precision AS v, 1::bigint AS n
		FROM datum_raw r, jsonb_each_text(r.data) d
		WHERE r.stream_id = $1 AND r.ts >= $2 AND r.ts < $3
	)
	SELECT
		(SELECT count(*) FROM datum_raw WHERE stream_id = $1 AND ts >= $2 AND ts < $3),
		COALESCE((
			SELECT jsonb_object_agg(key, avg_v)
			FROM (SELECT key, sum(v * n) / NULLIF(sum(n), 0) AS avg_v FROM src GROUP BY key) x
		), '{}'::jsonb)
`

const rollupSourceSQL = `
	WITH src AS (
		SELECT d.key, d.value::double precision AS v, a.count AS n
		FROM agg_datum a, jsonb_each_text(a.data) d
		WHERE a.stream_id = $1 AND a.kind = $4 AND a.ts_start >= $2 AND a.ts_start < $3
	)
	SELECT
		(SELECT COALESCE(sum(count), 0)::bigint FROM agg_datum
			WHERE stream_id = $1 AND kind = $4 AND ts_start >= $2 AND ts_start < $3),
		COALESCE((
			SELECT jsonb_object_agg(key, avg_v)
			FROM (SELECT key, sum(v * n) / NULLIF(sum(n), 0) AS avg_v FROM src GROUP BY key) x
		), '{}'::jsonb)
`

// Recompute rebuilds the aggregate of kind for the period containing
// tsStart. Hours are computed from raw rows, days from hours and months from
// days, each as count-weighted averages.
func (s *Store) Recompute(ctx context.Context, q txscope.Querier, streamID uuid.UUID, kind datum.Kind, tsStart time.Time) (datum.Aggregate, bool, error) {
	if q == nil {
		return datum.Aggregate{}, false, fmt.Errorf("%w: nil querier", ErrInvalidConfig)
	}
	if !kind.Valid() {
		return datum.Aggregate{}, false, fmt.Errorf("%w: %q", datum.ErrInvalidKind, string(kind))
	}
	start := kind.Truncate(tsStart)
	end := kind.Next(start)

	var (
		count int64
		raw   []byte
		err   error
	)
	if child, ok := kind.Child(); ok {
		err = q.QueryRow(ctx, rollupSourceSQL, streamID, start, end, string(child)).Scan(&count, &raw)
	} else {
		err = q.QueryRow(ctx, hourSourceSQL, streamID, start, end).Scan(&count, &raw)
	}
	if err != nil {
		return datum.Aggregate{}, false, fmt.Errorf("datum/postgres: aggregate %s: %w", kind, err)
	}

	if count == 0 {
		if _, err := q.Exec(ctx,
			`DELETE FROM agg_datum WHERE stream_id = $1 AND kind = $2 AND ts_start = $3`,
			streamID, string(kind), start,
		); err != nil {
			return datum.Aggregate{}, false, fmt.Errorf("datum/postgres: delete aggregate: %w", err)
		}
		return datum.Aggregate{}, false, nil
	}

	agg := datum.Aggregate{
		StreamID: streamID,
		Kind:     kind,
		TsStart:  start,
		Count:    count,
	}
	if err := json.Unmarshal(raw, &agg.Data); err != nil {
		return datum.Aggregate{}, false, fmt.Errorf("datum/postgres: decode aggregate: %w", err)
	}

	if _, err := q.Exec(ctx, `
		INSERT INTO agg_datum (stream_id, kind, ts_start, count, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (stream_id, kind, ts_start) DO UPDATE
		SET count = EXCLUDED.count, data = EXCLUDED.data, updated = now()
	`, streamID, string(kind), start, count, raw); err != nil {
		return datum.Aggregate{}, false, fmt.Errorf("datum/postgres: store aggregate: %w", err)
	}

	err = q.QueryRow(ctx,
		`SELECT object_id, source_id FROM datum_stream_meta WHERE stream_id = $1`,
		streamID,
	).Scan(&agg.ObjectID, &agg.SourceID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return datum.Aggregate{}, false, fmt.Errorf("datum/postgres: stream meta: %w", err)
	}
	return agg, true, nil
}

// Latest reads the newest stored aggregate of kind for a stream.
func (s *Store) Latest(ctx context.Context, q txscope.Querier, streamID uuid.UUID, kind datum.Kind) (datum.Aggregate, bool, error) {
	if q == nil {
		return datum.Aggregate{}, false, fmt.Errorf("%w: nil querier", ErrInvalidConfig)
	}
	agg := datum.Aggregate{StreamID: streamID, Kind: kind}
	var raw []byte
	err := q.QueryRow(ctx, `
		SELECT a.ts_start, a.count, a.data, COALESCE(m.object_id, 0), COALESCE(m.source_id, '')
		FROM agg_datum a
		LEFT JOIN datum_stream_meta m ON m.stream_id = a.stream_id
		WHERE a.stream_id = $1 AND a.kind = $2
		ORDER BY a.ts_start DESC
		LIMIT 1
	`, streamID, string(kind)).Scan(&agg.TsStart, &agg.Count, &raw, &agg.ObjectID, &agg.SourceID)
	if errors.Is(err, pgx.ErrNoRows) {
		return datum.Aggregate{}, false, nil
	}
	if err != nil {
		return datum.Aggregate{}, false, fmt.Errorf("datum/postgres: latest aggregate: %w", err)
	}
	if err := json.Unmarshal(raw, &agg.Data); err != nil {
		return datum.Aggregate{}, false, fmt.Errorf("datum/postgres: decode aggregate: %w", err)
	}
	agg.TsStart = agg.TsStart.UTC()
	return agg, true, nil
}

// Aggregate reads a stored aggregate.
func (s *Store) Aggregate(ctx context.Context, streamID uuid.UUID, kind datum.Kind, tsStart time.Time) (datum.Aggregate, bool, error) {
	if s == nil || s.pool == nil {
		return datum.Aggregate{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	agg := datum.Aggregate{StreamID: streamID, Kind: kind, TsStart: kind.Truncate(tsStart)}
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT a.count, a.data, COALESCE(m.object_id, 0), COALESCE(m.source_id, '')
		FROM agg_datum a
		LEFT JOIN datum_stream_meta m ON m.stream_id = a.stream_id
		WHERE a.stream_id = $1 AND a.kind = $2 AND a.ts_start = $3
	`, streamID, string(kind), agg.TsStart).Scan(&agg.Count, &raw, &agg.ObjectID, &agg.SourceID)
	if errors.Is(err, pgx.ErrNoRows) {
		return datum.Aggregate{}, false, nil
	}
	if err != nil {
		return datum.Aggregate{}, false, fmt.Errorf("datum/postgres: get aggregate: %w", err)
	}
	if err := json.Unmarshal(raw, &agg.Data); err != nil {
		return datum.Aggregate{}, false, fmt.Errorf("datum/postgres: decode aggregate: %w", err)
	}
	return agg, true, nil
}
