// Package txscope is the thin transaction layer the background-processing
// core is built on: pooled connections, explicit begin/commit/rollback and
// named savepoints.
//
// The interfaces mirror the subset of pgx used by the stores so that the
// pgx-backed implementation is a direct pass-through and tests can swap in a
// scripted fake (see txtest).
package txscope

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrInvalidConfig    = errors.New("txscope: invalid config")
	ErrInvalidSavepoint = errors.New("txscope: invalid savepoint")
)

// Querier runs SQL. sql may also be the name of a statement prepared on the
// same connection.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Savepoint is a handle to a named point inside an open transaction.
type Savepoint struct {
	Name string
}

// Tx is a transaction owned by exactly one goroutine.
type Tx interface {
	Querier
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	Savepoint(ctx context.Context, name string) (Savepoint, error)
	RollbackTo(ctx context.Context, sp Savepoint) error
	ReleaseSavepoint(ctx context.Context, sp Savepoint) error
}

// Conn is a pooled connection. Statements executed directly on a Conn run
// in autocommit mode.
type Conn interface {
	Querier
	Begin(ctx context.Context) (Tx, error)
	Prepare(ctx context.Context, name, sql string) error
	Deallocate(ctx context.Context, name string) error
	Release()
}

// Pool hands out connections. Statements executed directly on the pool run
// on an arbitrary connection in autocommit mode.
type Pool interface {
	Querier
	Acquire(ctx context.Context) (Conn, error)
}

// WithTx acquires a connection, runs fn inside a new transaction and commits
// it. Any error from fn, or a panic, rolls the transaction back. The
// connection is released on every path.
func WithTx(ctx context.Context, pool Pool, fn func(ctx context.Context, tx Tx) error) (err error) {
	if pool == nil || fn == nil {
		return fmt.Errorf("%w: nil pool or func", ErrInvalidConfig)
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("txscope: acquire: %w", err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("txscope: begin: %w", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		// Use a fresh context: ctx may already be cancelled, which is often
		// the reason we are rolling back.
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("txscope: commit: %w", err)
	}
	committed = true
	return nil
}
