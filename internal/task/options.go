package task

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"AppRuntime/internal/eventbus"
	"AppRuntime/internal/observability/alerting"
)

// Publisher announces task transitions. *eventbus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) ([]eventbus.HandlerFailure, error)
}

// Defaults applied by NewQueue.
const (
	DefaultWorkers       = 4
	DefaultCapacity      = 1024
	DefaultMaxRetries    = 3
	DefaultRetention     = time.Hour
	DefaultSweepInterval = time.Minute
	DefaultShutdownGrace = 10 * time.Second
)

// Option configures a Queue.
type Option func(*Queue)

// WithWorkerCount sets the number of concurrently executing handlers.
func WithWorkerCount(workers int) Option {
	return func(q *Queue) {
		if workers > 0 {
			q.workers = workers
		}
	}
}

// WithCapacity bounds the number of pending tasks.
func WithCapacity(capacity int) Option {
	return func(q *Queue) {
		if capacity > 0 {
			q.capacity = capacity
		}
	}
}

// WithMaxRetries sets how many times a failed attempt is retried. Zero
// disables retries.
func WithMaxRetries(retries int) Option {
	return func(q *Queue) {
		if retries >= 0 {
			q.maxRetries = retries
		}
	}
}

// WithTaskTimeout bounds a single attempt. Zero disables the timeout.
func WithTaskTimeout(timeout time.Duration) Option {
	return func(q *Queue) {
		if timeout >= 0 {
			q.timeout = timeout
		}
	}
}

// WithRetention sets how long terminal tasks stay queryable.
func WithRetention(retention time.Duration) Option {
	return func(q *Queue) {
		if retention > 0 {
			q.retention = retention
		}
	}
}

// WithSweepInterval sets how often expired tasks are dropped.
func WithSweepInterval(interval time.Duration) Option {
	return func(q *Queue) {
		if interval > 0 {
			q.sweepInterval = interval
		}
	}
}

// WithShutdownGrace sets how long DrainAndStop lets running tasks finish
// before signalling cancellation.
func WithShutdownGrace(grace time.Duration) Option {
	return func(q *Queue) {
		if grace >= 0 {
			q.grace = grace
		}
	}
}

// WithPublisher announces transitions on the event bus.
func WithPublisher(p Publisher) Option {
	return func(q *Queue) {
		q.publisher = p
	}
}

// WithRecorder writes every transition through to r.
func WithRecorder(r Recorder) Option {
	return func(q *Queue) {
		q.recorder = r
	}
}

// WithAlertDispatcher sends terminal failures to d.
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(q *Queue) {
		q.alerter = d
	}
}

// WithLogger overrides the operational logger.
func WithLogger(log *slog.Logger) Option {
	return func(q *Queue) {
		if log != nil {
			q.log = log
		}
	}
}

// WithTracer records one span per handler attempt.
func WithTracer(tracer trace.Tracer) Option {
	return func(q *Queue) {
		if tracer != nil {
			q.tracer = tracer
		}
	}
}
