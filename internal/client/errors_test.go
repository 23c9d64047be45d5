package client

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Message(t *testing.T) {
	cause := errors.New("disk I/O error")
	err := &Error{Code: CodeTxCommitFailed, Message: "commit transaction", Token: Token{index: 2, gen: 1}, Err: cause}

	assert.Equal(t, "TX_COMMIT_FAILED: commit transaction (token=2.1): disk I/O error", err.Error())
	assert.ErrorIs(t, err, cause)

	plain := &Error{Code: CodeInitFailed, Message: "invalid database name"}
	assert.Equal(t, "INIT_FAILED: invalid database name", plain.Error())
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		code  Code
		fatal bool
	}{
		{CodeOpenFailed, true},
		{CodeTxBeginFailed, true},
		{CodeTxCommitFailed, true},
		{CodeTxRollbackFailed, true},
		{CodeTaskPanic, true},
		{CodeInitFailed, false},
		{CodeTxLeftOpen, false},
		{CodeUnknownToken, false},
		{CodeConnReleased, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := &Error{Code: tt.code}
			assert.Equal(t, tt.fatal, IsFatal(err))
			assert.Equal(t, tt.fatal, IsFatal(fmt.Errorf("wrapped: %w", err)))
		})
	}

	assert.False(t, IsFatal(nil))
	assert.False(t, IsFatal(errors.New("plain")))
}

func TestIsUnknownToken(t *testing.T) {
	assert.True(t, IsUnknownToken(unknownToken(Token{index: 1, gen: 1})))
	assert.False(t, IsUnknownToken(&Error{Code: CodeTaskPanic}))
	assert.False(t, IsUnknownToken(ErrCancelled))
	assert.True(t, HasCode(fmt.Errorf("x: %w", &Error{Code: CodeTxLeftOpen}), CodeTxLeftOpen))
}
