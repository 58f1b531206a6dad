package control

import (
	"context"
	"sync/atomic"

	"segmentdl/internal/errs"
)

// Token is the single abort signal shared by every operation of a task.
type Token struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	fired  atomic.Bool
}

// NewToken derives a token from parent. Cancelling parent fires the token too.
func NewToken(parent context.Context) *Token {
	ctx, cancel := context.WithCancelCause(parent)

	return &Token{ctx: ctx, cancel: cancel}
}

// Cancel fires the token with errs.ErrTaskCancelled. It reports false if it already fired.
func (t *Token) Cancel() bool {
	if !t.fired.CompareAndSwap(false, true) {
		return false
	}

	t.cancel(errs.ErrTaskCancelled)

	return true
}

// Context returns the context that is cancelled when the token fires.
func (t *Token) Context() context.Context {
	return t.ctx
}

// Done is closed once the token fires.
func (t *Token) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Cancelled reports whether the token fired, either directly or through its parent.
func (t *Token) Cancelled() bool {
	return t.ctx.Err() != nil
}

// Err returns errs.ErrTaskCancelled after Cancel, the parent's cause if the
// parent was cancelled first, and nil otherwise.
func (t *Token) Err() error {
	return context.Cause(t.ctx)
}
