package task

import (
	"context"
	"errors"

	xerrors "AppRuntime/internal/errors"
)

// Handler executes one attempt of a task. ctx is cancelled when the task is
// cancelled, times out, or the queue shuts down past its grace period; long
// running handlers should call Checkpoint between steps.
type Handler func(ctx context.Context, t *Task) (any, error)

var (
	errCancelRequested = xerrors.New(xerrors.CodeCancelled, "task cancellation requested")
	errTimedOut        = xerrors.New(xerrors.CodeTimeout, "task exceeded its execution timeout")
)

// Checkpoint returns a coded CANCELLED or TIMEOUT error once the attempt must
// stop, and nil otherwise.
func Checkpoint(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, errTimedOut):
		return errTimedOut
	case errors.Is(cause, errCancelRequested):
		return errCancelRequested
	default:
		return xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), "task context done")
	}
}

// CancelRequested reports whether the attempt was cancelled through Cancel or
// shutdown.
func CancelRequested(ctx context.Context) bool {
	return ctx.Err() != nil && errors.Is(context.Cause(ctx), errCancelRequested)
}

// Permanent marks err as non-retryable so the task fails without further
// attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	code := xerrors.CodeOf(err)
	if code == xerrors.CodeUnknown {
		code = xerrors.CodeHandlerFailed
	}
	return xerrors.Wrap(code, err, "permanent failure", xerrors.WithRetryable(false))
}
