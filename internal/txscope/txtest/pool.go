// Package txtest provides an in-memory txscope.Pool for unit tests.
//
// Every Exec is treated as a row write. Writes made inside a transaction are
// pending until Commit; savepoints mark a position in the pending list.
// Lifecycle calls are recorded as events ("acquire", "begin", "commit",
// "rollback", "savepoint:<name>", ...) so tests can assert on them.
package txtest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/voltstream/telemetry-core/internal/txscope"
)

var ErrUnsupported = errors.New("txtest: unsupported")

// Row is one recorded Exec.
type Row struct {
	SQL  string
	Args []any
}

type Pool struct {
	// ExecHook, when set, is consulted before a write is recorded. A non-nil
	// error fails the Exec and nothing is recorded.
	ExecHook func(sql string, args []any) error
	// QueryRowHook answers QueryRow calls.
	QueryRowHook func(sql string, args []any) pgx.Row
	// AcquireErr and BeginErr fail the corresponding calls when set.
	AcquireErr error
	BeginErr   error

	mu        sync.Mutex
	events    []string
	committed []Row
	open      int
}

var _ txscope.Pool = (*Pool)(nil)

func New() *Pool {
	return &Pool{}
}

func (p *Pool) record(ev string) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func (p *Pool) hook(sql string, args []any) error {
	if p.ExecHook == nil {
		return nil
	}
	return p.ExecHook(sql, args)
}

// Events returns a copy of the recorded lifecycle events.
func (p *Pool) Events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

// Count returns how many recorded events equal ev.
func (p *Pool) Count(ev string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e == ev {
			n++
		}
	}
	return n
}

// CountPrefix returns how many recorded events start with prefix.
func (p *Pool) CountPrefix(prefix string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

// Committed returns the durable writes.
func (p *Pool) Committed() []Row {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Row(nil), p.committed...)
}

// Open returns the number of acquired, unreleased connections.
func (p *Pool) Open() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

func (p *Pool) commitRows(rows []Row) {
	p.mu.Lock()
	p.committed = append(p.committed, rows...)
	p.mu.Unlock()
}

func (p *Pool) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if err := p.hook(sql, args); err != nil {
		return pgconn.CommandTag{}, err
	}
	p.commitRows([]Row{{SQL: sql, Args: args}})
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (p *Pool) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, fmt.Errorf("%w: Query", ErrUnsupported)
}

func (p *Pool) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	if p.QueryRowHook != nil {
		return p.QueryRowHook(sql, args)
	}
	return errRow{err: fmt.Errorf("%w: QueryRow", ErrUnsupported)}
}

func (p *Pool) Acquire(context.Context) (txscope.Conn, error) {
	if p.AcquireErr != nil {
		return nil, p.AcquireErr
	}
	p.mu.Lock()
	p.open++
	p.events = append(p.events, "acquire")
	p.mu.Unlock()
	return &conn{pool: p}, nil
}

type conn struct {
	pool     *Pool
	released bool
}

func (c *conn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return c.pool.Exec(ctx, sql, args...)
}

func (c *conn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return c.pool.Query(ctx, sql, args...)
}

func (c *conn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return c.pool.QueryRow(ctx, sql, args...)
}

func (c *conn) Begin(context.Context) (txscope.Tx, error) {
	if c.pool.BeginErr != nil {
		return nil, c.pool.BeginErr
	}
	c.pool.record("begin")
	return &tx{pool: c.pool}, nil
}

func (c *conn) Prepare(_ context.Context, name, _ string) error {
	c.pool.record("prepare:" + name)
	return nil
}

func (c *conn) Deallocate(_ context.Context, name string) error {
	c.pool.record("deallocate:" + name)
	return nil
}

func (c *conn) Release() {
	if c.released {
		return
	}
	c.released = true
	c.pool.mu.Lock()
	c.pool.open--
	c.pool.events = append(c.pool.events, "release")
	c.pool.mu.Unlock()
}

type mark struct {
	name string
	at   int
}

type tx struct {
	pool    *Pool
	pending []Row
	marks   []mark
	done    bool
}

func (t *tx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if t.done {
		return pgconn.CommandTag{}, pgx.ErrTxClosed
	}
	if err := t.pool.hook(sql, args); err != nil {
		return pgconn.CommandTag{}, err
	}
	t.pending = append(t.pending, Row{SQL: sql, Args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (t *tx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.pool.Query(ctx, sql, args...)
}

func (t *tx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.pool.QueryRow(ctx, sql, args...)
}

func (t *tx) Commit(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.pool.commitRows(t.pending)
	t.pending = nil
	t.pool.record("commit")
	return nil
}

func (t *tx) Rollback(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.pending = nil
	t.pool.record("rollback")
	return nil
}

func (t *tx) find(name string) int {
	for i := len(t.marks) - 1; i >= 0; i-- {
		if t.marks[i].name == name {
			return i
		}
	}
	return -1
}

func (t *tx) Savepoint(_ context.Context, name string) (txscope.Savepoint, error) {
	if t.done {
		return txscope.Savepoint{}, pgx.ErrTxClosed
	}
	if err := txscope.ValidateSavepointName(name); err != nil {
		return txscope.Savepoint{}, err
	}
	t.marks = append(t.marks, mark{name: name, at: len(t.pending)})
	t.pool.record("savepoint:" + name)
	return txscope.Savepoint{Name: name}, nil
}

func (t *tx) RollbackTo(_ context.Context, sp txscope.Savepoint) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	i := t.find(sp.Name)
	if i < 0 {
		return fmt.Errorf("%w: %q", txscope.ErrInvalidSavepoint, sp.Name)
	}
	t.pending = t.pending[:t.marks[i].at]
	t.marks = t.marks[:i+1]
	t.pool.record("rollback_to:" + sp.Name)
	return nil
}

func (t *tx) ReleaseSavepoint(_ context.Context, sp txscope.Savepoint) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	i := t.find(sp.Name)
	if i < 0 {
		return fmt.Errorf("%w: %q", txscope.ErrInvalidSavepoint, sp.Name)
	}
	t.marks = t.marks[:i]
	t.pool.record("release_savepoint:" + sp.Name)
	return nil
}

type errRow struct {
	err error
}

func (r errRow) Scan(...any) error {
	return r.err
}
