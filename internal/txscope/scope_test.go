package txscope_test

import (
	"context"
	"errors"
	"testing"

	"github.com/voltstream/telemetry-core/internal/txscope"
	"github.com/voltstream/telemetry-core/internal/txscope/txtest"
)

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	t.Parallel()

	pool := txtest.New()
	err := txscope.WithTx(context.Background(), pool, func(ctx context.Context, tx txscope.Tx) error {
		_, err := tx.Exec(ctx, "INSERT", 1)
		return err
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
	if got := len(pool.Committed()); got != 1 {
		t.Fatalf("committed rows: got %d want 1", got)
	}
	if pool.Count("commit") != 1 || pool.Count("rollback") != 0 {
		t.Fatalf("unexpected events: %v", pool.Events())
	}
	if pool.Open() != 0 {
		t.Fatalf("connection not released")
	}
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	t.Parallel()

	pool := txtest.New()
	sentinel := errors.New("boom")
	err := txscope.WithTx(context.Background(), pool, func(ctx context.Context, tx txscope.Tx) error {
		if _, err := tx.Exec(ctx, "INSERT", 1); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}
	if got := len(pool.Committed()); got != 0 {
		t.Fatalf("committed rows: got %d want 0", got)
	}
	if pool.Count("rollback") != 1 {
		t.Fatalf("expected rollback: %v", pool.Events())
	}
	if pool.Open() != 0 {
		t.Fatalf("connection not released")
	}
}

func TestWithTx_RollsBackOnPanic(t *testing.T) {
	t.Parallel()

	pool := txtest.New()
	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("expected panic to propagate")
			}
		}()
		_ = txscope.WithTx(context.Background(), pool, func(ctx context.Context, tx txscope.Tx) error {
			panic("boom")
		})
	}()
	if pool.Count("rollback") != 1 || pool.Open() != 0 {
		t.Fatalf("unexpected events: %v open=%d", pool.Events(), pool.Open())
	}
}

func TestWithTx_AcquireError(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("pool exhausted")
	pool := txtest.New()
	pool.AcquireErr = sentinel

	called := false
	err := txscope.WithTx(context.Background(), pool, func(context.Context, txscope.Tx) error {
		called = true
		return nil
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected acquire error, got %v", err)
	}
	if called {
		t.Fatalf("fn must not run without a connection")
	}
}

func TestWithTx_NilArgs(t *testing.T) {
	t.Parallel()

	if err := txscope.WithTx(context.Background(), nil, func(context.Context, txscope.Tx) error { return nil }); !errors.Is(err, txscope.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestSavepointRollbackDiscardsLaterWrites(t *testing.T) {
	t.Parallel()

	pool := txtest.New()
	err := txscope.WithTx(context.Background(), pool, func(ctx context.Context, tx txscope.Tx) error {
		if _, err := tx.Exec(ctx, "INSERT", 1); err != nil {
			return err
		}
		sp, err := tx.Savepoint(ctx, "cp_1")
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, "INSERT", 2); err != nil {
			return err
		}
		if err := tx.RollbackTo(ctx, sp); err != nil {
			return err
		}
		return tx.ReleaseSavepoint(ctx, sp)
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
	rows := pool.Committed()
	if len(rows) != 1 || rows[0].Args[0] != 1 {
		t.Fatalf("unexpected committed rows: %+v", rows)
	}
}

func TestValidateSavepointName(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"cp_1", "_x", "bulkload_cp_42"} {
		if err := txscope.ValidateSavepointName(name); err != nil {
			t.Fatalf("ValidateSavepointName(%q): %v", name, err)
		}
	}
	for _, name := range []string{"", "1abc", "a-b", "a; DROP TABLE x"} {
		if err := txscope.ValidateSavepointName(name); !errors.Is(err, txscope.ErrInvalidSavepoint) {
			t.Fatalf("ValidateSavepointName(%q): expected ErrInvalidSavepoint, got %v", name, err)
		}
	}
}
