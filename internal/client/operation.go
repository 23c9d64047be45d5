package client

import (
	"context"
	"time"
)

// Task is a unit of work run against the database while the client's guard
// is held. A nil error means success; the returned value is delivered to
// the caller either way.
//
// The Conn is only valid until the task returns.
type Task func(c *Conn) (any, error)

// Completion receives the outcome of an asynchronous task. It runs on the
// worker goroutine after the guard has been released, at most once, and
// never for a cancelled operation.
//
// The worker waits for the completion to return, so a completion that
// waits for the worker deadlocks: EndExecution of its own token, Execute,
// Drain, ResetCache and Close. BeginExecution, CancelExecution, Reset and
// DeleteDatabase are safe.
type Completion func(Result)

// Result is the outcome of a task.
type Result struct {
	Value any
	Err   error
}

// OK reports whether the task succeeded.
func (r Result) OK() bool {
	return r.Err == nil
}

// Status is the lifecycle state of an operation.
type Status int

const (
	// StatusPending means the operation is queued and has not started.
	StatusPending Status = iota + 1
	// StatusRunning means the task is executing.
	StatusRunning
	// StatusCompleted means the task finished and any completion was delivered.
	StatusCompleted
	// StatusCancelled means the operation was cancelled. It either never ran
	// or ran with its completion suppressed.
	StatusCancelled
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// SubmitOption configures a single submission.
type SubmitOption func(*operation)

// InTransaction wraps the task in BEGIN/COMMIT TRANSACTION. The transaction
// is rolled back if the task fails or the operation is cancelled while the
// task runs.
func InTransaction() SubmitOption {
	return func(op *operation) {
		op.tx = true
	}
}

// Label attaches a name to the operation for log records.
func Label(name string) SubmitOption {
	return func(op *operation) {
		op.label = name
	}
}

// operation is one submitted task and its future.
//
// Fields below the mutable marker are guarded by Client.mu.
type operation struct {
	id         string
	seq        int64
	label      string
	task       Task
	completion Completion
	tx         bool
	ctx        context.Context // parent of the task's Conn context
	token      Token
	submitted  time.Time
	done       chan struct{} // closed once the operation is terminal

	// Synchronous slots: the worker closes grant when the slot reaches the
	// head of the queue, the caller runs the task and closes released.
	inline   bool
	grant    chan struct{}
	released chan struct{}

	// mutable
	status    Status
	cancelled bool
	finishing bool // commit or completion delivery has begun; cancel is a no-op
	result    Result
}

func newOperation(ctx context.Context, task Task, completion Completion, opts []SubmitOption) *operation {
	op := &operation{
		task:       task,
		completion: completion,
		ctx:        ctx,
		submitted:  time.Now(),
		done:       make(chan struct{}),
		status:     StatusPending,
	}
	for _, opt := range opts {
		opt(op)
	}
	return op
}

// logAttrs returns the key/value pairs identifying op in log records.
func (op *operation) logAttrs() []any {
	attrs := []any{"op", op.id, "seq", op.seq}
	if op.label != "" {
		attrs = append(attrs, "label", op.label)
	}
	if !op.token.IsZero() {
		attrs = append(attrs, "token", op.token.String())
	}
	return attrs
}
