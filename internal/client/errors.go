package client

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by every submission after Close.
var ErrClosed = errors.New("client closed")

// ErrCancelled is returned when waiting on an operation that was cancelled,
// either explicitly or by Reset/Close.
var ErrCancelled = errors.New("execution cancelled")

// Code categorizes client errors.
type Code string

const (
	// CodeOpenFailed indicates the database connection could not be opened.
	CodeOpenFailed Code = "OPEN_FAILED"

	// CodeInitFailed indicates the database file could not be initialized.
	CodeInitFailed Code = "INIT_FAILED"

	// CodeTxBeginFailed indicates the engine rejected BEGIN TRANSACTION.
	CodeTxBeginFailed Code = "TX_BEGIN_FAILED"

	// CodeTxCommitFailed indicates the engine rejected COMMIT TRANSACTION.
	CodeTxCommitFailed Code = "TX_COMMIT_FAILED"

	// CodeTxRollbackFailed indicates the engine rejected ROLLBACK TRANSACTION.
	CodeTxRollbackFailed Code = "TX_ROLLBACK_FAILED"

	// CodeTxLeftOpen indicates a task reported success but returned with a
	// transaction still open. The transaction was rolled back.
	CodeTxLeftOpen Code = "TX_LEFT_OPEN"

	// CodeTaskPanic indicates the task panicked.
	CodeTaskPanic Code = "TASK_PANIC"

	// CodeUnknownToken indicates a token that was never issued or was
	// already released by EndExecution.
	CodeUnknownToken Code = "UNKNOWN_TOKEN"

	// CodeConnReleased indicates use of an execution context after its task
	// returned.
	CodeConnReleased Code = "CONN_RELEASED"
)

// Error is the structured error returned by the client.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// Token identifies the affected execution, if any.
	Token Token

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if !e.Token.IsZero() {
		msg = fmt.Sprintf("%s (token=%s)", msg, e.Token)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Fatal reports whether the error leaves the connection in a state the
// caller must not ignore.
func (e *Error) Fatal() bool {
	switch e.Code {
	case CodeOpenFailed, CodeTxBeginFailed, CodeTxCommitFailed, CodeTxRollbackFailed, CodeTaskPanic:
		return true
	default:
		return false
	}
}

// IsFatal returns true if err carries a fatal client error.
// Uses errors.As to handle wrapped errors.
func IsFatal(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Fatal()
	}
	return false
}

// IsUnknownToken returns true if err reports an unknown or released token.
func IsUnknownToken(err error) bool {
	return HasCode(err, CodeUnknownToken)
}

// HasCode returns true if err carries a client error with the given code.
func HasCode(err error, code Code) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}

func unknownToken(t Token) *Error {
	return &Error{Code: CodeUnknownToken, Message: "token not issued or already ended", Token: t}
}
