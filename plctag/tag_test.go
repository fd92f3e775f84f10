package plctag

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTagStatusMapsState(t *testing.T) {
	cases := []struct {
		state TagState
		want  Status
	}{
		{StateInit, StatusPending},
		{StateReadPending, StatusPending},
		{StateWritePending, StatusPending},
		{StateAborted, StatusErrAbort},
		{StateDestroyed, StatusErrNotFound},
		{StateReady, StatusOK},
	}

	for _, tc := range cases {
		tag := &Tag{state: tc.state}
		assert.Equal(t, tc.want, tag.Status())
	}
}

func TestTagStatusReflectsLastError(t *testing.T) {
	tag := &Tag{state: StateReady, lastErr: &TagError{Kind: StatusErrTimeout}}
	assert.Equal(t, StatusErrTimeout, tag.Status())
}

func TestTagReadRejectsWhileReadPending(t *testing.T) {
	tag := &Tag{state: StateReadPending}
	assert.Equal(t, StatusErrBusy, tag.Read(0), "a second read issued while one is already pending must return BUSY")
}

func TestTagReadRejectsWhileWritePending(t *testing.T) {
	tag := &Tag{state: StateWritePending}
	assert.Equal(t, StatusErrBusy, tag.Read(0))
}

func TestTagWriteRejectsWhileReadPending(t *testing.T) {
	tag := &Tag{state: StateReadPending}
	assert.Equal(t, StatusErrBusy, tag.Write(0))
}

func TestTagReadOnDestroyedHandleIsNotFound(t *testing.T) {
	tag := &Tag{state: StateDestroyed}
	assert.Equal(t, StatusErrNotFound, tag.Read(0))
}

func TestTagWriteOnDestroyedHandleIsNotFound(t *testing.T) {
	tag := &Tag{state: StateDestroyed}
	assert.Equal(t, StatusErrNotFound, tag.Write(0))
}

func TestTagSetErrorReturnsToReadyWithErrorRecorded(t *testing.T) {
	tag := &Tag{state: StateReadPending}
	tag.setError(errBadParam("bad element count"))

	assert.Equal(t, StateReady, tag.state)
	assert.NotNil(t, tag.LastError())
	assert.Equal(t, StatusErrBadParam, tag.Status())
}

func TestTagSetStateClearsNothingElse(t *testing.T) {
	tag := &Tag{state: StateInit, lastErr: &TagError{Kind: StatusErrTimeout}}
	tag.setState(StateReady)

	assert.Equal(t, StateReady, tag.state)
	assert.NotNil(t, tag.lastErr, "setState only transitions state; lastErr is cleared explicitly by callers on success")
}

func TestTagLastErrorNilOnFreshTag(t *testing.T) {
	tag := &Tag{state: StateReady}
	assert.Nil(t, tag.LastError())
}

func TestOpDeadlineUsesCallerTimeoutWhenBlocking(t *testing.T) {
	assert.Equal(t, 250*time.Millisecond, opDeadline(250))
}

func TestOpDeadlineFallsBackToAsyncTimeoutWhenNonBlocking(t *testing.T) {
	assert.Equal(t, asyncOpTimeout, opDeadline(0))
	assert.Equal(t, asyncOpTimeout, opDeadline(-1))
}

func TestTagAbortRecordsLastError(t *testing.T) {
	tag := &Tag{state: StateReadPending}
	tag.mu.Lock()
	tag.state = StateAborted
	tag.lastErr = errAbort()
	tag.mu.Unlock()

	assert.Equal(t, StatusErrAbort, tag.Status())
	require.NotNil(t, tag.LastError())
	assert.Equal(t, StatusErrAbort, tag.LastError().Kind)
}
