package txscope

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var savepointName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// PgxPool adapts a pgxpool.Pool.
type PgxPool struct {
	pool *pgxpool.Pool
}

func NewPgxPool(pool *pgxpool.Pool) (*PgxPool, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &PgxPool{pool: pool}, nil
}

func (p *PgxPool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return p.pool.Exec(ctx, sql, args...)
}

func (p *PgxPool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return p.pool.Query(ctx, sql, args...)
}

func (p *PgxPool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return p.pool.QueryRow(ctx, sql, args...)
}

func (p *PgxPool) Acquire(ctx context.Context) (Conn, error) {
	c, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &pgxConn{conn: c}, nil
}

type pgxConn struct {
	conn *pgxpool.Conn
}

func (c *pgxConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return c.conn.Exec(ctx, sql, args...)
}

func (c *pgxConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return c.conn.Query(ctx, sql, args...)
}

func (c *pgxConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return c.conn.QueryRow(ctx, sql, args...)
}

func (c *pgxConn) Begin(ctx context.Context) (Tx, error) {
	tx, err := c.conn.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	return &pgxTx{tx: tx}, nil
}

func (c *pgxConn) Prepare(ctx context.Context, name, sql string) error {
	_, err := c.conn.Conn().Prepare(ctx, name, sql)
	return err
}

func (c *pgxConn) Deallocate(ctx context.Context, name string) error {
	return c.conn.Conn().Deallocate(ctx, name)
}

func (c *pgxConn) Release() {
	c.conn.Release()
}

type pgxTx struct {
	tx pgx.Tx
}

func (t *pgxTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.tx.Exec(ctx, sql, args...)
}

func (t *pgxTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.tx.Query(ctx, sql, args...)
}

func (t *pgxTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.tx.QueryRow(ctx, sql, args...)
}

func (t *pgxTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *pgxTx) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}

func (t *pgxTx) Savepoint(ctx context.Context, name string) (Savepoint, error) {
	if err := ValidateSavepointName(name); err != nil {
		return Savepoint{}, err
	}
	if _, err := t.tx.Exec(ctx, "SAVEPOINT "+pgx.Identifier{name}.Sanitize()); err != nil {
		return Savepoint{}, fmt.Errorf("txscope: savepoint %s: %w", name, err)
	}
	return Savepoint{Name: name}, nil
}

func (t *pgxTx) RollbackTo(ctx context.Context, sp Savepoint) error {
	if err := ValidateSavepointName(sp.Name); err != nil {
		return err
	}
	if _, err := t.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+pgx.Identifier{sp.Name}.Sanitize()); err != nil {
		return fmt.Errorf("txscope: rollback to savepoint %s: %w", sp.Name, err)
	}
	return nil
}

func (t *pgxTx) ReleaseSavepoint(ctx context.Context, sp Savepoint) error {
	if err := ValidateSavepointName(sp.Name); err != nil {
		return err
	}
	if _, err := t.tx.Exec(ctx, "RELEASE SAVEPOINT "+pgx.Identifier{sp.Name}.Sanitize()); err != nil {
		return fmt.Errorf("txscope: release savepoint %s: %w", sp.Name, err)
	}
	return nil
}

// ValidateSavepointName reports whether name is usable as an unquoted SQL
// identifier.
func ValidateSavepointName(name string) error {
	if !savepointName.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidSavepoint, name)
	}
	return nil
}
