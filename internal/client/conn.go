package client

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
)

// Conn is the execution context handed to a running task.
//
// It gives the task exclusive use of the connection for as long as the task
// runs. Once the task returns the Conn is released: its context is cancelled
// and every method fails with CONN_RELEASED.
//
// A Conn must not be shared with other goroutines.
type Conn struct {
	client   *Client
	raw      *sql.Conn
	ctx      context.Context
	op       *operation
	inTx     bool
	released atomic.Bool

	// Statements that did not fit the cache; closed on release.
	uncached []*sql.Stmt
}

// Row is the result of QueryRow.
type Row struct {
	row *sql.Row
	err error
}

// Scan copies the columns of the matched row into dest.
func (r *Row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return r.row.Scan(dest...)
}

// Err returns the error, if any, that was encountered running the query.
func (r *Row) Err() error {
	if r.err != nil {
		return r.err
	}
	return r.row.Err()
}

// Context returns the task's context. It is cancelled when the task returns
// and when the client is closed.
func (c *Conn) Context() context.Context {
	return c.ctx
}

// InTransaction reports whether a transaction begun through this Conn is open.
func (c *Conn) InTransaction() bool {
	return c.inTx
}

// Exec executes a statement that returns no rows.
func (c *Conn) Exec(query string, args ...any) (sql.Result, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return c.raw.ExecContext(c.ctx, query, args...)
}

// Query executes a statement that returns rows.
// The caller must close the rows before the task returns.
func (c *Conn) Query(query string, args ...any) (*sql.Rows, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return c.raw.QueryContext(c.ctx, query, args...)
}

// QueryRow executes a statement expected to return at most one row.
// Errors are deferred until Scan.
func (c *Conn) QueryRow(query string, args ...any) *Row {
	if err := c.check(); err != nil {
		return &Row{err: err}
	}
	return &Row{row: c.raw.QueryRowContext(c.ctx, query, args...)}
}

// Prepare returns a prepared statement for query, bound to this Conn.
//
// The underlying statements are cached per query string on the client and
// reused by later tasks until Reset, ResetCache or Close finalizes them.
// Once the cache is full, new statements are closed when the task returns.
func (c *Conn) Prepare(query string) (*Stmt, error) {
	if err := c.check(); err != nil {
		return nil, err
	}

	cl := c.client
	if stmt, ok := cl.stmts[query]; ok {
		return &Stmt{conn: c, stmt: stmt}, nil
	}

	stmt, err := c.raw.PrepareContext(c.ctx, query)
	if err != nil {
		return nil, fmt.Errorf("prepare statement: %w", err)
	}

	// A full cache keeps its entries; the overflow lives for this task only.
	if len(cl.stmts) >= cl.stmtCacheSize {
		c.uncached = append(c.uncached, stmt)
	} else {
		cl.stmts[query] = stmt
	}
	return &Stmt{conn: c, stmt: stmt}, nil
}

// Stmt is a prepared statement obtained from Conn.Prepare. Like its Conn it
// is only usable while the task runs; afterwards every method fails with
// CONN_RELEASED.
type Stmt struct {
	conn *Conn
	stmt *sql.Stmt
}

// Exec executes the statement with args.
func (s *Stmt) Exec(args ...any) (sql.Result, error) {
	if err := s.conn.check(); err != nil {
		return nil, err
	}
	return s.stmt.ExecContext(s.conn.ctx, args...)
}

// Query executes the statement and returns its rows.
// The caller must close the rows before the task returns.
func (s *Stmt) Query(args ...any) (*sql.Rows, error) {
	if err := s.conn.check(); err != nil {
		return nil, err
	}
	return s.stmt.QueryContext(s.conn.ctx, args...)
}

// QueryRow executes the statement expecting at most one row.
func (s *Stmt) QueryRow(args ...any) *Row {
	if err := s.conn.check(); err != nil {
		return &Row{err: err}
	}
	return &Row{row: s.stmt.QueryRowContext(s.conn.ctx, args...)}
}

// Begin starts a transaction with BEGIN TRANSACTION.
// Transactions do not nest; beginning inside an open transaction fails.
func (c *Conn) Begin() error {
	if err := c.check(); err != nil {
		return err
	}
	if _, err := c.raw.ExecContext(c.ctx, "BEGIN TRANSACTION"); err != nil {
		return &Error{Code: CodeTxBeginFailed, Message: "begin transaction", Token: c.op.token, Err: err}
	}
	c.inTx = true
	return nil
}

// Commit commits the open transaction with COMMIT TRANSACTION.
// On failure the transaction stays open.
func (c *Conn) Commit() error {
	if err := c.check(); err != nil {
		return err
	}
	if _, err := c.raw.ExecContext(c.ctx, "COMMIT TRANSACTION"); err != nil {
		return &Error{Code: CodeTxCommitFailed, Message: "commit transaction", Token: c.op.token, Err: err}
	}
	c.inTx = false
	return nil
}

// Rollback aborts the open transaction with ROLLBACK TRANSACTION.
func (c *Conn) Rollback() error {
	if err := c.check(); err != nil {
		return err
	}
	return c.rollback(c.ctx)
}

// Transaction runs fn inside a transaction. It commits when fn returns nil
// and rolls back otherwise, returning fn's error.
func (c *Conn) Transaction(fn func() error) error {
	if err := c.Begin(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		if rerr := c.Rollback(); rerr != nil {
			return multierror.Append(rerr, err)
		}
		return err
	}
	return c.Commit()
}

func (c *Conn) rollback(ctx context.Context) error {
	_, err := c.raw.ExecContext(ctx, "ROLLBACK TRANSACTION")
	c.inTx = false
	if err != nil {
		return &Error{Code: CodeTxRollbackFailed, Message: "rollback transaction", Token: c.op.token, Err: err}
	}
	return nil
}

func (c *Conn) check() error {
	if c.released.Load() {
		return &Error{Code: CodeConnReleased, Message: "connection used after task returned", Token: c.op.token}
	}
	return nil
}

// release invalidates the Conn and closes statements that were not cached.
func (c *Conn) release() {
	c.released.Store(true)
	for _, stmt := range c.uncached {
		stmt.Close()
	}
	c.uncached = nil
}
