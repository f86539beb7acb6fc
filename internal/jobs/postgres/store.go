// Package postgres is the Postgres job store.
//
// Claims pick the oldest eligible Queued row with FOR UPDATE SKIP LOCKED.
// When the row has a group key the claiming transaction then takes a
// transaction-scoped advisory lock on the key and re-checks for an active
// sibling; the re-check runs on a fresh read-committed snapshot, so a
// concurrent claim for the same group that committed while we waited is
// seen and the group is skipped.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/voltstream/telemetry-core/internal/jobs"
	"github.com/voltstream/telemetry-core/internal/txscope"
)

var ErrInvalidConfig = errors.New("jobs/postgres: invalid config")

const recordCols = `user_id, id, kind, state, group_key, token_id, config, created,
	executed_at, completed_at, percent_complete, loaded_count, success, message`

const claimCandidateSQL = `
	SELECT ` + recordCols + `
	FROM user_jobs j
	WHERE j.state = 'q'
		AND (j.group_key IS NULL OR NOT (j.group_key = ANY($1::text[])))
		AND (j.group_key IS NULL OR NOT EXISTS (
			SELECT 1 FROM user_jobs a
			WHERE a.group_key = j.group_key AND a.state IN ('c','x')
		))
	ORDER BY j.created, j.user_id, j.id
	LIMIT 1
	FOR UPDATE OF j SKIP LOCKED
`

// timestamp effects of a state change
const (
	keepExecuted  = 0
	stampExecuted = 1
	clearExecuted = 2
)

type Store struct {
	pool  txscope.Pool
	nowFn func() time.Time
}

var _ jobs.Store = (*Store)(nil)

func New(pool txscope.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool, nowFn: time.Now}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("jobs/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Submit(ctx context.Context, r jobs.Record) (jobs.Record, error) {
	if s == nil || s.pool == nil {
		return jobs.Record{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	r, err := jobs.PrepareSubmission(r, s.nowFn().UTC())
	if err != nil {
		return jobs.Record{}, err
	}

	var config []byte
	if len(r.Config) > 0 {
		config = r.Config
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO user_jobs (user_id, id, kind, state, group_key, token_id, config, created)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, r.UserID, r.ID, r.Kind, r.State.Code(), nullString(r.GroupKey), nullString(r.TokenID), config, r.Created)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return jobs.Record{}, fmt.Errorf("%w: %s", jobs.ErrAlreadyExists, r.Key())
		}
		return jobs.Record{}, fmt.Errorf("jobs/postgres: submit: %w", err)
	}
	return r, nil
}

func (s *Store) Get(ctx context.Context, key jobs.Key) (jobs.Record, error) {
	if s == nil || s.pool == nil {
		return jobs.Record{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	r, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordCols+` FROM user_jobs WHERE user_id = $1 AND id = $2`,
		key.UserID, key.ID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return jobs.Record{}, jobs.ErrNotFound
		}
		return jobs.Record{}, fmt.Errorf("jobs/postgres: get: %w", err)
	}
	return r, nil
}

func (s *Store) ClaimQueuedJob(ctx context.Context) (jobs.Record, bool, error) {
	if s == nil || s.pool == nil {
		return jobs.Record{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	var (
		out jobs.Record
		ok  bool
	)
	err := txscope.WithTx(ctx, s.pool, func(ctx context.Context, tx txscope.Tx) error {
		excluded := []string{}
		for {
			cand, err := scanRecord(tx.QueryRow(ctx, claimCandidateSQL, excluded))
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("select candidate: %w", err)
			}

			if cand.GroupKey != "" {
				busy, err := lockGroup(ctx, tx, cand.GroupKey, cand.Key())
				if err != nil {
					return err
				}
				if !busy {
					// SKIP LOCKED may have stepped past an older member that
					// another claimer holds; that member goes first.
					busy, err = olderQueued(ctx, tx, cand)
					if err != nil {
						return err
					}
				}
				if busy {
					excluded = append(excluded, cand.GroupKey)
					continue
				}
			}

			out, err = scanRecord(tx.QueryRow(ctx, `
				UPDATE user_jobs SET state = 'c', executed_at = now()
				WHERE user_id = $1 AND id = $2
				RETURNING `+recordCols,
				cand.UserID, cand.ID,
			))
			if err != nil {
				return fmt.Errorf("mark claimed: %w", err)
			}
			ok = true
			return nil
		}
	})
	if err != nil {
		return jobs.Record{}, false, fmt.Errorf("jobs/postgres: claim: %w", err)
	}
	return out, ok, nil
}

// lockGroup serialises claimers of one group for the rest of the
// transaction and reports whether another member is already active.
func lockGroup(ctx context.Context, tx txscope.Tx, group string, self jobs.Key) (bool, error) {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, group); err != nil {
		return false, fmt.Errorf("lock group: %w", err)
	}
	var busy bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM user_jobs
			WHERE group_key = $1 AND state IN ('c','x')
				AND NOT (user_id = $2 AND id = $3)
		)
	`, group, self.UserID, self.ID).Scan(&busy)
	if err != nil {
		return false, fmt.Errorf("check group: %w", err)
	}
	return busy, nil
}

// olderQueued reports whether a queued member of cand's group precedes it in
// claim order.
func olderQueued(ctx context.Context, tx txscope.Tx, cand jobs.Record) (bool, error) {
	var older bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM user_jobs
			WHERE group_key = $1 AND state = 'q'
				AND (created, user_id, id) < ($2::timestamptz, $3::bigint, $4::uuid)
		)
	`, cand.GroupKey, cand.Created, cand.UserID, cand.ID).Scan(&older)
	if err != nil {
		return false, fmt.Errorf("check group order: %w", err)
	}
	return older, nil
}

func (s *Store) UpdateState(ctx context.Context, key jobs.Key, desired jobs.State, expected ...jobs.State) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if !desired.Valid() {
		return false, fmt.Errorf("%w: unknown desired state %q", jobs.ErrInvalidJob, rune(desired))
	}

	executed := keepExecuted
	switch {
	case desired.Active():
		executed = stampExecuted
	case desired == jobs.StateQueued:
		executed = clearExecuted
	}

	var applied bool
	err := txscope.WithTx(ctx, s.pool, func(ctx context.Context, tx txscope.Tx) error {
		var (
			code  string
			group *string
		)
		err := tx.QueryRow(ctx, `
			SELECT state, group_key FROM user_jobs
			WHERE user_id = $1 AND id = $2
			FOR UPDATE
		`, key.UserID, key.ID).Scan(&code, &group)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock job: %w", err)
		}
		current, err := jobs.ParseState(code)
		if err != nil {
			return err
		}
		if !jobs.StateIn(current, expected...) {
			return nil
		}

		if desired.Active() && !current.Active() && group != nil && *group != "" {
			busy, err := lockGroup(ctx, tx, *group, key)
			if err != nil {
				return err
			}
			if busy {
				return fmt.Errorf("%w: %q", jobs.ErrGroupActive, *group)
			}
		}

		_, err = tx.Exec(ctx, `
			UPDATE user_jobs SET
				state = $3,
				executed_at = CASE $4::int WHEN 1 THEN now() WHEN 2 THEN NULL ELSE executed_at END,
				completed_at = CASE WHEN $5::boolean THEN now() ELSE completed_at END
			WHERE user_id = $1 AND id = $2
		`, key.UserID, key.ID, desired.Code(), executed, desired.Terminal())
		if err != nil {
			return fmt.Errorf("update state: %w", err)
		}
		applied = true
		return nil
	})
	if err != nil {
		if errors.Is(err, jobs.ErrGroupActive) || errors.Is(err, jobs.ErrInvalidJob) {
			return false, err
		}
		return false, fmt.Errorf("jobs/postgres: update state: %w", err)
	}
	return applied, nil
}

func (s *Store) UpdateProgress(ctx context.Context, key jobs.Key, percent float64, loaded int64) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := jobs.ValidateProgress(percent, loaded); err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE user_jobs SET percent_complete = $3, loaded_count = $4
		WHERE user_id = $1 AND id = $2 AND state = 'x'
	`, key.UserID, key.ID, percent, loaded)
	if err != nil {
		return false, fmt.Errorf("jobs/postgres: update progress: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Complete(ctx context.Context, key jobs.Key, success bool, message string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE user_jobs SET
			state = 'd',
			success = $3,
			message = $4,
			completed_at = now(),
			percent_complete = CASE WHEN $3 THEN 1 ELSE percent_complete END
		WHERE user_id = $1 AND id = $2 AND state = 'x'
	`, key.UserID, key.ID, success, nullString(message))
	if err != nil {
		return false, fmt.Errorf("jobs/postgres: complete: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ResetAbandonedExecutingTasks(ctx context.Context, olderThan time.Time) (int, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE user_jobs SET state = 'q', executed_at = NULL
		WHERE state IN ('c','x') AND COALESCE(executed_at, created) < $1
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("jobs/postgres: reset abandoned: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) PurgeCompleted(ctx context.Context, olderThan time.Time) (int, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM user_jobs
		WHERE state IN ('d','r') AND COALESCE(completed_at, created) < $1
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("jobs/postgres: purge completed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) Delete(ctx context.Context, key jobs.Key) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM user_jobs
		WHERE user_id = $1 AND id = $2 AND state NOT IN ('c','x')
	`, key.UserID, key.ID)
	if err != nil {
		return false, fmt.Errorf("jobs/postgres: delete: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanRecord(row pgx.Row) (jobs.Record, error) {
	var (
		r         jobs.Record
		code      string
		group     *string
		token     *string
		config    []byte
		executed  *time.Time
		completed *time.Time
		success   *bool
		message   *string
	)
	err := row.Scan(
		&r.UserID, &r.ID, &r.Kind, &code, &group, &token, &config, &r.Created,
		&executed, &completed, &r.PercentComplete, &r.LoadedCount, &success, &message,
	)
	if err != nil {
		return jobs.Record{}, err
	}
	if r.State, err = jobs.ParseState(code); err != nil {
		return jobs.Record{}, err
	}
	if group != nil {
		r.GroupKey = *group
	}
	if token != nil {
		r.TokenID = *token
	}
	if len(config) > 0 {
		r.Config = config
	}
	if executed != nil {
		r.ExecutedAt = executed.UTC()
	}
	if completed != nil {
		r.CompletedAt = completed.UTC()
	}
	if success != nil {
		r.Success = *success
	}
	if message != nil {
		r.Message = *message
	}
	r.Created = r.Created.UTC()
	return r, nil
}

func nullString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
