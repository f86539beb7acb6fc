// Package bulkload drives a prepared statement across many entities under a
// configurable transaction granularity, with checkpoint and rollback support.
//
// A Session is owned by the caller that opened it and is not safe for
// concurrent use. Connections are acquired lazily on the first Load after
// Open or Commit and released by Commit, a full Rollback, or Close.
package bulkload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/voltstream/telemetry-core/internal/txscope"
)

var (
	ErrInvalidConfig         = errors.New("bulkload: invalid config")
	ErrClosed                = errors.New("bulkload: session closed")
	ErrCheckpointUnsupported = errors.New("bulkload: checkpoints require TransactionCheckpoints mode")
)

const (
	defaultStatementName = "bulkload_stmt"
	checkpointPrefix     = "bulkload_cp_"
)

// Statement is the prepared statement bound to the session's current
// connection or transaction.
type Statement struct {
	q    txscope.Querier
	name string
}

func (s Statement) Name() string {
	return s.name
}

// Exec runs the prepared statement with args.
func (s Statement) Exec(ctx context.Context, args ...any) (pgconn.CommandTag, error) {
	return s.q.Exec(ctx, s.name, args...)
}

// WriteFunc writes one entity using stmt. index is the 0-based position of
// the entity in the session.
type WriteFunc[T any] func(ctx context.Context, stmt Statement, entity T, index int64) error

// ErrorHandler receives a failed write. Returning nil swallows the error and
// the entity is not counted; returning an error propagates it from Load.
// The handler may call Rollback on s.
type ErrorHandler[T any] func(ctx context.Context, s *Session[T], err error, entity T, index int64) error

type Config[T any] struct {
	Mode Mode
	// BatchSize is required for BatchTransactions.
	BatchSize int

	// StatementName defaults to "bulkload_stmt".
	StatementName string
	SQL           string

	Write   WriteFunc[T]
	OnError ErrorHandler[T]
}

type checkpoint struct {
	sp     txscope.Savepoint
	loaded int64
}

type Session[T any] struct {
	cfg  Config[T]
	pool txscope.Pool
	log  *slog.Logger

	conn     txscope.Conn
	prepared bool
	tx       txscope.Tx

	numLoaded    int64
	numCommitted int64
	// numDurable only moves on a real commit; checkpoints advance
	// numCommitted but are lost if the overarching transaction is.
	numDurable int64
	commits    int

	checkpoint *checkpoint
	cpSeq      int
	closed     bool
}

// Open validates cfg and returns a session. No connection is acquired until
// the first Load.
func Open[T any](pool txscope.Pool, cfg Config[T], log *slog.Logger) (*Session[T], error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	if !cfg.Mode.Valid() {
		return nil, fmt.Errorf("%w: unsupported transaction mode %d", ErrInvalidConfig, int(cfg.Mode))
	}
	if cfg.Write == nil {
		return nil, fmt.Errorf("%w: nil write func", ErrInvalidConfig)
	}
	if cfg.SQL == "" {
		return nil, fmt.Errorf("%w: empty statement sql", ErrInvalidConfig)
	}
	if cfg.Mode == BatchTransactions && cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("%w: batch size must be > 0 for %s mode", ErrInvalidConfig, cfg.Mode)
	}
	if cfg.StatementName == "" {
		cfg.StatementName = defaultStatementName
	}
	if err := txscope.ValidateSavepointName(cfg.StatementName); err != nil {
		return nil, fmt.Errorf("%w: statement name: %v", ErrInvalidConfig, err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Session[T]{
		cfg:  cfg,
		pool: pool,
		log:  log,
	}, nil
}

func (s *Session[T]) Mode() Mode { return s.cfg.Mode }
func (s *Session[T]) NumLoaded() int64 { return s.numLoaded }
func (s *Session[T]) NumCommitted() int64 { return s.numCommitted }
func (s *Session[T]) HasCheckpoint() bool { return s.checkpoint != nil }
func (s *Session[T]) Closed() bool { return s.closed }

// Commits returns how many transactions this session has committed.
func (s *Session[T]) Commits() int { return s.commits }

func (s *Session[T]) statement() Statement {
	if s.tx != nil {
		return Statement{q: s.tx, name: s.cfg.StatementName}
	}
	return Statement{q: s.conn, name: s.cfg.StatementName}
}

func (s *Session[T]) ensureOpen(ctx context.Context) error {
	if s.conn == nil {
		conn, err := s.pool.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("bulkload: acquire connection: %w", err)
		}
		if err := conn.Prepare(ctx, s.cfg.StatementName, s.cfg.SQL); err != nil {
			conn.Release()
			return fmt.Errorf("bulkload: prepare statement: %w", err)
		}
		s.conn = conn
		s.prepared = true
	}
	if s.cfg.Mode != NoTransaction && s.tx == nil {
		tx, err := s.conn.Begin(ctx)
		if err != nil {
			return fmt.Errorf("bulkload: begin transaction: %w", err)
		}
		s.tx = tx
	}
	return nil
}

func (s *Session[T]) teardown(ctx context.Context) {
	if s.conn == nil {
		return
	}
	if s.prepared {
		if err := s.conn.Deallocate(context.WithoutCancel(ctx), s.cfg.StatementName); err != nil {
			s.log.Debug("bulkload deallocate statement", "statement", s.cfg.StatementName, "err", err)
		}
		s.prepared = false
	}
	s.conn.Release()
	s.conn = nil
}

func (s *Session[T]) commitBatch(ctx context.Context) error {
	err := s.tx.Commit(ctx)
	s.tx = nil
	if err != nil {
		s.numLoaded = s.numDurable
		s.numCommitted = s.numDurable
		s.teardown(ctx)
		return fmt.Errorf("bulkload: commit batch: %w", err)
	}
	s.commits++
	s.numCommitted = s.numLoaded
	s.numDurable = s.numLoaded
	s.log.Debug("bulkload batch committed", "loaded", s.numLoaded)
	return nil
}

// Load writes one entity.
func (s *Session[T]) Load(ctx context.Context, entity T) error {
	if s.closed {
		return ErrClosed
	}
	if s.cfg.Mode == BatchTransactions && s.tx != nil &&
		s.numLoaded > s.numCommitted && s.numLoaded%int64(s.cfg.BatchSize) == 0 {
		if err := s.commitBatch(ctx); err != nil {
			return err
		}
	}
	if err := s.ensureOpen(ctx); err != nil {
		return err
	}

	idx := s.numLoaded
	if err := s.cfg.Write(ctx, s.statement(), entity, idx); err != nil {
		if s.cfg.OnError != nil {
			herr := s.cfg.OnError(ctx, s, err, entity, idx)
			if herr == nil {
				return nil
			}
			err = herr
		}
		return fmt.Errorf("bulkload: load row %d: %w", idx, err)
	}

	s.numLoaded++
	if s.cfg.Mode == NoTransaction {
		s.numCommitted = s.numLoaded
		s.numDurable = s.numLoaded
	}
	return nil
}

// CreateCheckpoint takes a savepoint at the current row count, replacing any
// previous checkpoint.
func (s *Session[T]) CreateCheckpoint(ctx context.Context) error {
	if s.cfg.Mode != TransactionCheckpoints {
		return ErrCheckpointUnsupported
	}
	if s.closed {
		return ErrClosed
	}
	if err := s.ensureOpen(ctx); err != nil {
		return err
	}
	// Postgres releases every later savepoint along with the named one, so
	// the old checkpoint must go before the new one is taken.
	if prev := s.checkpoint; prev != nil {
		s.checkpoint = nil
		if err := s.tx.ReleaseSavepoint(ctx, prev.sp); err != nil {
			return fmt.Errorf("bulkload: release checkpoint: %w", err)
		}
	}
	s.cpSeq++
	sp, err := s.tx.Savepoint(ctx, fmt.Sprintf("%s%d", checkpointPrefix, s.cpSeq))
	if err != nil {
		return fmt.Errorf("bulkload: create checkpoint: %w", err)
	}
	s.checkpoint = &checkpoint{sp: sp, loaded: s.numLoaded}
	s.numCommitted = s.numLoaded
	return nil
}

// Commit commits the open transaction (the current batch in
// BatchTransactions mode) and releases the connection.
func (s *Session[T]) Commit(ctx context.Context) error {
	if s.closed {
		return ErrClosed
	}
	s.checkpoint = nil
	if s.tx != nil {
		err := s.tx.Commit(ctx)
		s.tx = nil
		if err != nil {
			s.numLoaded = s.numDurable
			s.numCommitted = s.numDurable
			s.teardown(ctx)
			return fmt.Errorf("bulkload: commit: %w", err)
		}
		s.commits++
	}
	s.numCommitted = s.numLoaded
	s.numDurable = s.numLoaded
	s.teardown(ctx)
	return nil
}

// Rollback undoes rows written since the last checkpoint, or since the last
// commit when there is no checkpoint.
func (s *Session[T]) Rollback(ctx context.Context) error {
	if s.closed {
		return ErrClosed
	}
	if cp := s.checkpoint; cp != nil {
		if err := s.tx.RollbackTo(ctx, cp.sp); err != nil {
			return fmt.Errorf("bulkload: rollback to checkpoint: %w", err)
		}
		s.checkpoint = nil
		if err := s.tx.ReleaseSavepoint(ctx, cp.sp); err != nil {
			return fmt.Errorf("bulkload: release checkpoint: %w", err)
		}
		s.numLoaded = cp.loaded
		s.numCommitted = cp.loaded
		return nil
	}

	var err error
	if s.tx != nil {
		if rerr := s.tx.Rollback(ctx); rerr != nil && !errors.Is(rerr, pgx.ErrTxClosed) {
			err = fmt.Errorf("bulkload: rollback: %w", rerr)
		}
		s.tx = nil
	}
	s.numLoaded = s.numDurable
	s.numCommitted = s.numDurable
	s.teardown(ctx)
	return err
}

// Close rolls back any open transaction and releases the connection. It is
// safe to call more than once and after a failed Load.
func (s *Session[T]) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.checkpoint = nil

	var err error
	if s.tx != nil {
		if rerr := s.tx.Rollback(context.WithoutCancel(ctx)); rerr != nil && !errors.Is(rerr, pgx.ErrTxClosed) {
			err = fmt.Errorf("bulkload: rollback on close: %w", rerr)
		}
		s.tx = nil
		s.numLoaded = s.numDurable
		s.numCommitted = s.numDurable
	}
	s.teardown(ctx)
	return err
}
