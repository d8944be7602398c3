package task

import (
	"context"

	"github.com/cenkalti/backoff/v4"

	xerrors "AppRuntime/internal/errors"
)

// Recorder receives a snapshot after every state change. Implementations
// write tasks through to external storage; the queue never reads them back.
type Recorder interface {
	Record(ctx context.Context, t Task) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, t Task) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, t Task) error {
	return f(ctx, t)
}

// RetryingRecorder retries a failing recorder with exponential backoff.
type RetryingRecorder struct {
	next     Recorder
	attempts uint64
	policy   func() backoff.BackOff
}

// NewRetryingRecorder wraps next. attempts counts retries after the first
// call; zero means three.
func NewRetryingRecorder(next Recorder, attempts int) *RetryingRecorder {
	if attempts <= 0 {
		attempts = 3
	}
	return &RetryingRecorder{
		next:     next,
		attempts: uint64(attempts),
		policy:   func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
}

// Record implements Recorder.
func (r *RetryingRecorder) Record(ctx context.Context, t Task) error {
	if r == nil || r.next == nil {
		return nil
	}
	op := func() error {
		err := r.next.Record(ctx, t)
		if err != nil && !xerrors.RetryableError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(r.policy(), r.attempts), ctx)
	return backoff.Retry(op, policy)
}
