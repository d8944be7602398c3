package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	xerrors "AppRuntime/internal/errors"
)

func fastPolicy() backoff.BackOff {
	return backoff.NewConstantBackOff(time.Millisecond)
}

func TestRetryingRecorderRetriesTransientErrors(t *testing.T) {
	attempts := 0
	rec := NewRetryingRecorder(RecorderFunc(func(context.Context, Task) error {
		attempts++
		if attempts < 3 {
			return xerrors.New(xerrors.CodeStorageFailure, "connection reset")
		}
		return nil
	}), 5)
	rec.policy = fastPolicy

	if err := rec.Record(context.Background(), Task{ID: "t"}); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryingRecorderStopsOnPermanentError(t *testing.T) {
	attempts := 0
	invalid := xerrors.New(xerrors.CodeInvalidArgument, "bad row")
	rec := NewRetryingRecorder(RecorderFunc(func(context.Context, Task) error {
		attempts++
		return invalid
	}), 5)
	rec.policy = fastPolicy

	err := rec.Record(context.Background(), Task{ID: "t"})
	if !errors.Is(err, invalid) || attempts != 1 {
		t.Fatalf("expected a single attempt, got %d (%v)", attempts, err)
	}
}

func TestRetryingRecorderGivesUp(t *testing.T) {
	attempts := 0
	rec := NewRetryingRecorder(RecorderFunc(func(context.Context, Task) error {
		attempts++
		return errors.New("still down")
	}), 2)
	rec.policy = fastPolicy

	if err := rec.Record(context.Background(), Task{ID: "t"}); err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if attempts != 3 {
		t.Fatalf("expected 1 call plus 2 retries, got %d", attempts)
	}
}
