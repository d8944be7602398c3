package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	xerrors "AppRuntime/internal/errors"
	"AppRuntime/internal/observability/alerting"
	"AppRuntime/internal/observability/metrics"
	"AppRuntime/pkg/logger"
)

const recordTimeout = 5 * time.Second

// dispatch hands pending ids to the pool one at a time so that dispatch order
// matches enqueue order.
func (q *Queue) dispatch() {
	defer close(q.dispatcherDone)
	for {
		items, err := q.pending.Get(1)
		if err != nil {
			return
		}
		if len(items) == 0 {
			continue
		}
		id, ok := items[0].(string)
		if !ok {
			continue
		}
		q.inflight.Add(1)
		if err := q.pool.Submit(func() {
			defer q.inflight.Done()
			q.execute(id)
		}); err != nil {
			q.inflight.Done()
			q.log.Error("submit task to worker pool", slog.String("task_id", id), slog.Any("error", err))
			if t, ok := q.store.failPending(id, string(xerrors.CodeUnavailable), err.Error()); ok {
				q.announce(context.Background(), TopicFailed, t, err)
			}
		}
	}
}

func (q *Queue) execute(id string) {
	ctx, cancel := context.WithCancelCause(q.runCtx)
	defer cancel(nil)

	t, ok := q.store.claim(id, cancel)
	if !ok {
		return
	}
	notifyCtx := context.Background()
	metrics.SetPending(q.store.pendingCount())
	q.announce(notifyCtx, TopicStarted, t, nil)

	handler, found := q.handlers.Get(t.Type)
	if !found {
		final, ok := q.store.resolve(id, func(t *Task) {
			t.Status = StatusFailed
			t.ErrorCode = string(xerrors.CodeHandlerNotFound)
			t.Error = fmt.Sprintf("no handler registered for task type %q", t.Type)
		})
		if ok {
			q.announce(notifyCtx, TopicFailed, final, ErrHandlerNotFound)
		}
		return
	}

	attemptCtx := ctx
	if q.timeout > 0 {
		var stop context.CancelFunc
		attemptCtx, stop = context.WithTimeoutCause(ctx, q.timeout, errTimedOut)
		defer stop()
	}
	attemptCtx, span := q.tracer.Start(attemptCtx, "task.attempt", trace.WithAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("task.type", t.Type),
		attribute.Int("task.retries", t.Retries),
	))
	started := time.Now()
	input := t
	result, err := q.invoke(attemptCtx, handler, &input)
	metrics.ObserveAttempt(t.Type, time.Since(started))
	if err != nil && errors.Is(context.Cause(attemptCtx), errTimedOut) && xerrors.CodeOf(err) != xerrors.CodeTimeout {
		err = xerrors.Wrap(xerrors.CodeTimeout, err, "task exceeded its execution timeout")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	closing := q.closing.Load()
	requeued := false
	final, ok := q.store.resolve(id, func(t *Task) {
		switch {
		case err == nil:
			t.Status = StatusSucceeded
			t.Result = result
		case t.CancelRequested:
			t.Status = StatusCancelled
		case xerrors.RetryableError(err) && t.Retries < t.MaxRetries && !closing:
			t.Retries++
			t.Status = StatusPending
			requeued = true
		default:
			t.Status = StatusFailed
			t.Error = err.Error()
			t.ErrorCode = string(failureCode(err))
		}
	})
	if !ok {
		return
	}

	switch final.Status {
	case StatusSucceeded:
		q.announce(notifyCtx, TopicCompleted, final, nil)
	case StatusCancelled:
		q.announce(notifyCtx, TopicCancelled, final, nil)
	case StatusFailed:
		q.announce(notifyCtx, TopicFailed, final, err)
	case StatusPending:
		q.announce(notifyCtx, TopicRetrying, final, err)
		if requeued {
			q.requeue(final, err)
		}
	}
}

func (q *Queue) requeue(t Task, cause error) {
	if putErr := q.pending.Put(t.ID); putErr == nil {
		metrics.SetPending(q.store.pendingCount())
		return
	}
	// The backlog was disposed by DrainAndStop after the retry decision.
	if failed, ok := q.store.failPending(t.ID, string(failureCode(cause)), cause.Error()); ok {
		q.announce(context.Background(), TopicFailed, failed, cause)
	}
}

func (q *Queue) invoke(ctx context.Context, handler Handler, t *Task) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("task handler panicked",
				slog.String("task_id", t.ID),
				slog.String("type", t.Type),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			result = nil
			err = xerrors.New(xerrors.CodeHandlerFailed, fmt.Sprintf("handler panicked: %v", r))
		}
	}()
	return handler(ctx, t)
}

func failureCode(err error) xerrors.Code {
	code := xerrors.CodeOf(err)
	if code == xerrors.CodeUnknown {
		return xerrors.CodeHandlerFailed
	}
	return code
}

// announce writes the snapshot through, records metrics and audit lines, and
// publishes the transition.
func (q *Queue) announce(ctx context.Context, topic string, t Task, cause error) {
	q.record(ctx, t)

	evt := eventOf(t)
	if cause != nil && evt.Error == "" {
		evt.Error = cause.Error()
		evt.ErrorCode = string(failureCode(cause))
	}

	audit := logger.Audit()
	switch topic {
	case TopicRetrying:
		metrics.ObserveRetry(t.Type)
		audit.Warn("task retrying",
			slog.String("task_id", t.ID),
			slog.String("type", t.Type),
			slog.Int("retries", t.Retries),
			slog.Int("max_retries", t.MaxRetries),
			slog.String("error", evt.Error))
	case TopicCompleted, TopicCancelled:
		metrics.ObserveFinished(t.Type, string(t.Status))
		audit.Info("task "+string(t.Status),
			slog.String("task_id", t.ID),
			slog.String("type", t.Type),
			slog.Int("retries", t.Retries))
	case TopicFailed:
		metrics.ObserveFinished(t.Type, string(t.Status))
		audit.Warn("task failed",
			slog.String("task_id", t.ID),
			slog.String("type", t.Type),
			slog.Int("retries", t.Retries),
			slog.String("error", t.Error),
			slog.String("error_code", t.ErrorCode))
		q.alert(ctx, t, cause)
	}

	if q.publisher == nil {
		return
	}
	if _, err := q.publisher.Publish(ctx, topic, evt); err != nil {
		q.log.Error("publish task event", slog.String("topic", topic), slog.String("task_id", t.ID), slog.Any("error", err))
	}
}

func (q *Queue) record(ctx context.Context, t Task) {
	if q.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := q.recorder.Record(ctx, t); err != nil {
		q.log.Error("record task transition",
			slog.String("task_id", t.ID),
			slog.String("status", string(t.Status)),
			slog.Any("error", err))
	}
}

// alert notifies the dispatcher when the failure's code is registered as
// alert-worthy. A coded cause keeps its own overrides; otherwise the stored
// error code decides.
func (q *Queue) alert(ctx context.Context, t Task, cause error) {
	if q.alerter == nil {
		return
	}
	failure := cause
	if _, ok := xerrors.From(cause); !ok {
		failure = xerrors.New(xerrors.Code(t.ErrorCode), t.Error)
	}
	if !xerrors.ShouldAlert(failure) {
		return
	}
	event := alerting.Event{
		Code:       xerrors.Code(t.ErrorCode),
		Message:    t.Error,
		Severity:   xerrors.SeverityOf(failure),
		Source:     "tasks",
		TaskID:     t.ID,
		TaskType:   t.Type,
		Attempts:   t.Retries + 1,
		MaxRetries: t.MaxRetries,
		OccurredAt: q.now(),
	}
	if err := q.alerter.Notify(ctx, event); err != nil {
		q.log.Error("alert dispatch failed", slog.String("task_id", t.ID), slog.Any("error", err))
	}
}
