package client

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/mlatham/afdb/internal/store"
)

// DefaultStatementCacheSize is the default number of prepared statements
// kept per client.
const DefaultStatementCacheSize = 64

// Client serializes all access to one SQLite database connection.
//
// Work is submitted synchronously with Execute or asynchronously with
// BeginExecution. Both paths share one FIFO queue drained by a single
// worker goroutine, so tasks run one at a time in submission order.
//
// Thread-safety model:
//   - every exported method is safe from any goroutine
//   - tasks must not call back into the Client, except through their Conn
//   - completions run on the worker; they must not wait on their own
//     operation or call Execute, Drain, ResetCache or Close, all of which
//     wait for the worker
//
// Lock order: guard before mu. The guard is held for every use of the
// connection and the statement cache; mu protects queue membership, token
// bookkeeping and operation status.
type Client struct {
	storage       Storage
	name          string
	storeOpts     store.Options
	stmtCacheSize int
	log           *slog.Logger
	ids           IDGenerator

	guard sync.Mutex
	store *store.Store
	stmts map[string]*sql.Stmt

	mu     sync.Mutex
	queue  *opQueue
	tokens arena
	seq    int64
	closed bool

	base       context.Context // cancelled on Close
	cancelBase context.CancelFunc
	stopped    chan struct{} // closed when the worker exits
	closeOnce  sync.Once
	closeErr   error
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.log = l
	}
}

// WithStoreOptions sets the driver and pragmas used to open the connection.
// Default: store.DefaultOptions().
func WithStoreOptions(opts store.Options) Option {
	return func(c *Client) {
		c.storeOpts = opts
	}
}

// WithStatementCache sets how many prepared statements are cached.
// Zero disables caching; Prepare then returns statements closed when the
// task returns.
func WithStatementCache(size int) Option {
	return func(c *Client) {
		c.stmtCacheSize = size
	}
}

// WithIDGenerator sets the generator for operation ids.
func WithIDGenerator(g IDGenerator) Option {
	return func(c *Client) {
		c.ids = g
	}
}

// Open initializes the named database if it does not exist yet, opens its
// connection and starts the worker.
//
// Open failures are reported as *Error with CodeInitFailed or CodeOpenFailed.
func Open(ctx context.Context, storage Storage, name string, opts ...Option) (*Client, error) {
	c := newClient(storage, name, opts)

	if err := storage.Initialize(name, false); err != nil {
		return nil, err
	}

	path := storage.Path(name)
	s, err := store.Open(ctx, path, c.storeOpts)
	if err != nil {
		return nil, &Error{Code: CodeOpenFailed, Message: "open " + path, Err: err}
	}

	c.start(s)
	c.log.Info("database opened", "path", path, "driver", c.storeOpts.Driver)
	return c, nil
}

func newClient(storage Storage, name string, opts []Option) *Client {
	c := &Client{
		storage:       storage,
		name:          name,
		storeOpts:     store.DefaultOptions(),
		stmtCacheSize: DefaultStatementCacheSize,
		log:           slog.Default(),
		ids:           UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("db", name)
	return c
}

func (c *Client) start(s *store.Store) {
	c.store = s
	c.stmts = make(map[string]*sql.Stmt)
	c.queue = newOpQueue()
	c.base, c.cancelBase = context.WithCancel(context.Background())
	c.stopped = make(chan struct{})
	go c.run()
}

// Name returns the database name.
func (c *Client) Name() string {
	return c.name
}

// Path returns the database file path.
func (c *Client) Path() string {
	return c.storage.Path(c.name)
}

// Pending returns the number of queued operations that have not started.
func (c *Client) Pending() int {
	return c.queue.Len()
}

// Outstanding returns the number of tokens not yet released by EndExecution.
func (c *Client) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens.len()
}

// Execute runs task and returns its result, blocking the caller.
//
// The task runs on the calling goroutine once every operation submitted
// before it has finished. If ctx ends while the task is still queued the
// task never runs and ctx.Err() is returned. ErrCancelled is returned if
// Reset or Close cancelled the task before it started.
func (c *Client) Execute(ctx context.Context, task Task, opts ...SubmitOption) (any, error) {
	if task == nil {
		return nil, errors.New("nil task")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	op := newOperation(ctx, task, nil, opts)
	op.inline = true
	op.grant = make(chan struct{})
	op.released = make(chan struct{})

	if _, err := c.submit(op, false); err != nil {
		return nil, err
	}

	select {
	case <-op.grant:
	case <-op.done:
		return nil, ErrCancelled
	case <-ctx.Done():
		if c.abandon(op) {
			return nil, ctx.Err()
		}
		// Already handed to us; give the slot straight back.
		<-op.grant
		c.finish(op, Result{Err: ctx.Err()})
		close(op.released)
		return nil, ctx.Err()
	}
	defer close(op.released)

	c.log.Debug("operation started", op.logAttrs()...)
	c.guard.Lock()
	res := c.invoke(op)
	c.guard.Unlock()
	c.finish(op, res)

	return res.Value, res.Err
}

// BeginExecution queues task and returns immediately with a token for it.
//
// completion, if non-nil, is called with the result on the worker
// goroutine. The task's context carries the values of ctx but is only
// cancelled by Close.
func (c *Client) BeginExecution(ctx context.Context, task Task, completion Completion, opts ...SubmitOption) (Token, error) {
	if task == nil {
		return Token{}, errors.New("nil task")
	}
	if err := ctx.Err(); err != nil {
		return Token{}, err
	}

	op := newOperation(context.WithoutCancel(ctx), task, completion, opts)
	return c.submit(op, true)
}

// IsExecutionCompleted reports whether the operation is terminal, that is
// completed or cancelled.
func (c *Client) IsExecutionCompleted(token Token) (bool, error) {
	st, err := c.Status(token)
	if err != nil {
		return false, err
	}
	return st.Terminal(), nil
}

// Status returns the lifecycle state of the operation.
func (c *Client) Status(token Token) (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	op, ok := c.tokens.get(token)
	if !ok {
		return 0, unknownToken(token)
	}
	return op.status, nil
}

// Done returns a channel closed once the operation is terminal. By then
// its completion, if any, has returned.
func (c *Client) Done(token Token) (<-chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	op, ok := c.tokens.get(token)
	if !ok {
		return nil, unknownToken(token)
	}
	return op.done, nil
}

// EndExecution waits for the operation to finish, releases the token and
// returns the task's result.
//
// A cancelled operation yields ErrCancelled. If it was cancelled while
// running, the returned Result still holds what the task produced. If ctx
// ends first ctx.Err() is
// returned and the token stays valid. After a successful call the token is
// unknown.
func (c *Client) EndExecution(ctx context.Context, token Token) (Result, error) {
	done, err := c.Done(token)
	if err != nil {
		return Result{}, err
	}

	select {
	case <-done:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	c.mu.Lock()
	op, ok := c.tokens.remove(token)
	c.mu.Unlock()
	if !ok {
		// Ended concurrently by another caller.
		return Result{}, unknownToken(token)
	}

	if op.status == StatusCancelled {
		return op.result, ErrCancelled
	}
	return op.result, nil
}

// CancelExecution cancels the operation.
//
// A pending operation is removed from the queue and never runs. A running
// operation finishes but its completion is not called; if it was submitted
// with InTransaction its transaction is rolled back instead of committed.
// Writes a running task made outside such a transaction are kept.
// Cancelling a terminal operation, or one that has started committing, has
// no effect.
func (c *Client) CancelExecution(token Token) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	op, ok := c.tokens.get(token)
	if !ok {
		return unknownToken(token)
	}

	switch op.status {
	case StatusPending:
		c.queue.Remove(op)
		c.cancelPendingLocked(op)
		c.log.Debug("operation cancelled", op.logAttrs()...)
	case StatusRunning:
		if !op.finishing {
			op.cancelled = true
			c.log.Debug("running operation cancelled", op.logAttrs()...)
		}
	}
	return nil
}

// Drain blocks until every operation submitted before the call has
// finished.
func (c *Client) Drain(ctx context.Context) error {
	noop := func(*Conn) (any, error) { return nil, nil }
	op := newOperation(context.WithoutCancel(ctx), noop, nil, []SubmitOption{Label("drain")})
	if _, err := c.submit(op, false); err != nil {
		return err
	}

	select {
	case <-op.done:
	case <-ctx.Done():
		c.abandon(op)
		return ctx.Err()
	}

	c.mu.Lock()
	cancelled := op.status == StatusCancelled
	c.mu.Unlock()
	if cancelled {
		return ErrCancelled
	}
	return nil
}

// Reset cancels every queued operation, waits for the running one, then
// closes and reopens the connection. The prepared statement cache is
// finalized.
//
// A reopen failure is fatal (CodeOpenFailed); tasks run afterwards fail
// with the same code until a later Reset succeeds.
func (c *Client) Reset(ctx context.Context) error {
	n, err := c.cancelAllPending()
	if err != nil {
		return err
	}

	c.guard.Lock()
	defer c.guard.Unlock()

	c.log.Info("resetting database", "cancelled", n)
	return c.reopen(ctx, nil)
}

// DeleteDatabase behaves like Reset but deletes the database file and
// re-initializes it from its template before reopening.
func (c *Client) DeleteDatabase(ctx context.Context) error {
	n, err := c.cancelAllPending()
	if err != nil {
		return err
	}

	c.guard.Lock()
	defer c.guard.Unlock()

	c.log.Info("deleting database", "cancelled", n)
	return c.reopen(ctx, func() error {
		if err := c.storage.Remove(c.name); err != nil {
			return &Error{Code: CodeInitFailed, Message: "remove database files", Err: err}
		}
		return c.storage.Initialize(c.name, true)
	})
}

// ResetCache finalizes every cached prepared statement. It is queued like
// any other operation.
func (c *Client) ResetCache(ctx context.Context) error {
	_, err := c.Execute(ctx, func(*Conn) (any, error) {
		return nil, c.closeStatements()
	}, Label("reset-cache"))
	return err
}

// Close cancels queued operations, stops the worker, waits for the running
// task and closes the connection. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.shutdown()
	})
	return c.closeErr
}

func (c *Client) shutdown() error {
	c.mu.Lock()
	c.closed = true
	pending := c.queue.DrainAll()
	for _, op := range pending {
		c.cancelPendingLocked(op)
	}
	c.queue.Close()
	c.mu.Unlock()

	c.cancelBase()
	<-c.stopped

	c.guard.Lock()
	defer c.guard.Unlock()

	var errs *multierror.Error
	if err := c.closeStatements(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
		c.store = nil
	}

	c.log.Info("database closed", "cancelled", len(pending))
	return errs.ErrorOrNil()
}

// run is the worker loop. It exits once the queue is closed and empty.
func (c *Client) run() {
	defer close(c.stopped)

	for {
		c.mu.Lock()
		op, ok := c.queue.TryDequeue()
		if ok {
			op.status = StatusRunning
		}
		c.mu.Unlock()

		if ok {
			c.process(op)
			continue
		}

		if _, open := <-c.queue.Wait(); !open && c.queue.Len() == 0 {
			c.log.Debug("worker stopping: queue closed")
			return
		}
	}
}

// process runs one dequeued operation. Called only from the worker.
func (c *Client) process(op *operation) {
	if op.inline {
		close(op.grant)
		<-op.released
		return
	}

	c.log.Debug("operation started", op.logAttrs()...)
	c.guard.Lock()
	res := c.invoke(op)
	c.guard.Unlock()
	c.finish(op, res)
}

// invoke runs the task with a fresh Conn. The guard must be held.
func (c *Client) invoke(op *operation) Result {
	if c.store == nil {
		return Result{Err: &Error{Code: CodeOpenFailed, Message: "database is not open", Token: op.token}}
	}

	ctx, cancel := context.WithCancel(op.ctx)
	stop := context.AfterFunc(c.base, cancel)
	conn := &Conn{client: c, raw: c.store.Conn(), ctx: ctx, op: op}
	defer func() {
		conn.release()
		stop()
		cancel()
	}()

	if op.tx {
		if err := conn.Begin(); err != nil {
			return Result{Err: err}
		}
	}

	value, err := c.call(conn, op)

	if conn.inTx && op.tx && err == nil {
		if c.sealCommit(op) {
			if cerr := conn.Commit(); cerr != nil {
				err = cerr
			}
		} else {
			err = ErrCancelled
		}
	}
	if conn.inTx {
		if err == nil {
			err = leftOpen(op)
		}
		if rerr := conn.rollback(context.WithoutCancel(ctx)); rerr != nil {
			err = multierror.Append(rerr, err)
		}
	}

	// Transactions begun with raw statements are invisible to the Conn.
	open, rerr := c.store.RollbackOpen(context.WithoutCancel(ctx))
	if open && err == nil {
		err = leftOpen(op)
	}
	if rerr != nil {
		err = multierror.Append(&Error{Code: CodeTxRollbackFailed, Message: "rollback open transaction", Token: op.token, Err: rerr}, err)
	}

	return Result{Value: value, Err: err}
}

func leftOpen(op *operation) error {
	return &Error{Code: CodeTxLeftOpen, Message: "task returned with an open transaction", Token: op.token}
}

// sealCommit reports whether op may commit. A cancelled operation may not;
// otherwise later cancels are ignored so the committed result is kept.
func (c *Client) sealCommit(op *operation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if op.cancelled {
		return false
	}
	op.finishing = true
	return true
}

// call runs the task, converting a panic into a TASK_PANIC error.
func (c *Client) call(conn *Conn, op *operation) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("task panicked", append(op.logAttrs(), "panic", r, "stack", string(debug.Stack()))...)
			value = nil
			err = &Error{Code: CodeTaskPanic, Message: fmt.Sprint(r), Token: op.token}
		}
	}()
	return op.task(conn)
}

// finish delivers the completion unless the operation was cancelled, then
// publishes the terminal status.
func (c *Client) finish(op *operation, res Result) {
	c.mu.Lock()
	cancelled := op.cancelled
	op.finishing = true
	c.mu.Unlock()

	if !cancelled && op.completion != nil {
		c.deliver(op, res)
	}

	c.mu.Lock()
	op.result = res
	if cancelled {
		op.status = StatusCancelled
	} else {
		op.status = StatusCompleted
	}
	close(op.done)
	c.mu.Unlock()

	attrs := append(op.logAttrs(), "ok", res.OK(), "elapsed", time.Since(op.submitted))
	if IsFatal(res.Err) {
		c.log.Error("operation failed", append(attrs, "error", res.Err)...)
		return
	}
	c.log.Debug("operation finished", attrs...)
}

func (c *Client) deliver(op *operation, res Result) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("completion panicked", append(op.logAttrs(), "panic", r)...)
		}
	}()
	op.completion(res)
}

// submit assigns identity to op and queues it.
func (c *Client) submit(op *operation, withToken bool) (Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return Token{}, ErrClosed
	}

	c.seq++
	op.seq = c.seq
	op.id = c.ids.Generate()
	if withToken {
		op.token = c.tokens.insert(op)
	}
	c.queue.Enqueue(op)

	c.log.Debug("operation queued", op.logAttrs()...)
	return op.token, nil
}

// abandon cancels op if it has not started. Returns false if it has.
func (c *Client) abandon(op *operation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if op.status != StatusPending {
		return false
	}
	c.queue.Remove(op)
	c.cancelPendingLocked(op)
	return true
}

func (c *Client) cancelAllPending() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrClosed
	}
	pending := c.queue.DrainAll()
	for _, op := range pending {
		c.cancelPendingLocked(op)
	}
	return len(pending), nil
}

// cancelPendingLocked marks a dequeued, never-run operation cancelled.
// c.mu must be held.
func (c *Client) cancelPendingLocked(op *operation) {
	op.status = StatusCancelled
	op.cancelled = true
	op.finishing = true
	close(op.done)
}

// reopen closes the statement cache and connection, runs prepare, and
// opens the connection again. The guard must be held.
func (c *Client) reopen(ctx context.Context, prepare func() error) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	var errs *multierror.Error
	if err := c.closeStatements(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
		c.store = nil
	}
	if err := errs.ErrorOrNil(); err != nil {
		c.log.Warn("errors closing connection before reopen", "error", err)
	}

	if prepare != nil {
		if err := prepare(); err != nil {
			c.log.Error("database re-initialization failed", "error", err)
			return err
		}
	}

	if err := c.storage.Initialize(c.name, false); err != nil {
		c.log.Error("database re-initialization failed", "error", err)
		return err
	}

	path := c.storage.Path(c.name)
	s, err := store.Open(ctx, path, c.storeOpts)
	if err != nil {
		c.log.Error("database reopen failed", "path", path, "error", err)
		return &Error{Code: CodeOpenFailed, Message: "reopen " + path, Err: err}
	}
	c.store = s

	c.log.Info("database reopened", "path", path)
	return nil
}

// closeStatements finalizes the prepared statement cache. The guard must
// be held.
func (c *Client) closeStatements() error {
	var errs *multierror.Error
	for query, stmt := range c.stmts {
		if err := stmt.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close statement %q: %w", query, err))
		}
	}
	clear(c.stmts)
	return errs.ErrorOrNil()
}
