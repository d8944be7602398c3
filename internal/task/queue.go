package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	xerrors "AppRuntime/internal/errors"
	"AppRuntime/internal/observability/alerting"
	"AppRuntime/internal/observability/metrics"
	"AppRuntime/pkg/logger"
)

// Queue accepts tasks, keeps their status and runs them on a bounded worker
// pool in FIFO order.
type Queue struct {
	workers       int
	capacity      int
	maxRetries    int
	timeout       time.Duration
	retention     time.Duration
	sweepInterval time.Duration
	grace         time.Duration

	publisher Publisher
	recorder  Recorder
	alerter   alerting.Dispatcher
	log       *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time

	handlers cmap.ConcurrentMap[string, Handler]
	store    *store
	pending  *queue.Queue
	pool     *ants.Pool

	runCtx   context.Context
	stopRun  context.CancelFunc
	closing  atomic.Bool
	inflight sync.WaitGroup

	dispatcherDone chan struct{}
	sweeperStop    chan struct{}
	sweeperDone    chan struct{}

	stopOnce sync.Once
	stopErr  error
}

// NewQueue builds a queue and starts its dispatcher.
func NewQueue(opts ...Option) (*Queue, error) {
	q := &Queue{
		workers:       DefaultWorkers,
		capacity:      DefaultCapacity,
		maxRetries:    DefaultMaxRetries,
		retention:     DefaultRetention,
		sweepInterval: DefaultSweepInterval,
		grace:         DefaultShutdownGrace,
		log:           logger.Named("tasks"),
		tracer:        noop.NewTracerProvider().Tracer("AppRuntime/internal/task"),
		now:           func() time.Time { return time.Now().UTC() },
		handlers:      cmap.New[Handler](),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}

	pool, err := ants.NewPool(q.workers, ants.WithNonblocking(false))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "create worker pool")
	}
	q.pool = pool
	q.store = newStore(q.now)
	q.pending = queue.New(int64(q.capacity))
	q.runCtx, q.stopRun = context.WithCancel(context.Background())
	q.dispatcherDone = make(chan struct{})
	q.sweeperStop = make(chan struct{})
	q.sweeperDone = make(chan struct{})

	go q.dispatch()
	go q.sweepLoop()
	return q, nil
}

// RegisterHandler binds fn to taskType. A later registration replaces the
// earlier one.
func (q *Queue) RegisterHandler(taskType string, fn Handler) error {
	taskType = strings.TrimSpace(taskType)
	if taskType == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "task type cannot be empty")
	}
	if fn == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task handler cannot be nil")
	}
	q.handlers.Set(taskType, fn)
	return nil
}

// Handlers lists the registered task types.
func (q *Queue) Handlers() []string {
	keys := q.handlers.Keys()
	sort.Strings(keys)
	return keys
}

// Enqueue records a pending task and returns its id. It never blocks on
// workers; a full backlog fails with QUEUE_FULL.
func (q *Queue) Enqueue(ctx context.Context, taskType string, payload any) (string, error) {
	taskType = strings.TrimSpace(taskType)
	if taskType == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "task type cannot be empty")
	}
	if q.closing.Load() {
		return "", ErrQueueClosed
	}
	if ctx == nil {
		ctx = context.Background()
	}

	t, err := q.store.create(Task{
		ID:         uuid.NewString(),
		Type:       taskType,
		Payload:    payload,
		MaxRetries: q.maxRetries,
	}, q.capacity)
	if errors.Is(err, ErrQueueClosed) {
		return "", err
	}
	if err != nil {
		metrics.ObserveRejected()
		q.log.Warn("task rejected", slog.String("type", taskType), slog.Any("error", err))
		return "", err
	}
	metrics.ObserveEnqueue(taskType)
	logger.Audit().Info("task enqueued",
		slog.String("task_id", t.ID),
		slog.String("type", t.Type),
		slog.Int("max_retries", t.MaxRetries))
	q.announce(ctx, TopicEnqueued, t, nil)

	if err := q.pending.Put(t.ID); err != nil {
		// The store accepted the task before DrainAndStop closed it, so the
		// drain has already cancelled it.
		q.log.Debug("task enqueued during shutdown", slog.String("task_id", t.ID))
	}
	metrics.SetPending(q.store.pendingCount())
	return t.ID, nil
}

// Status returns a snapshot of the task. The snapshot is a copy of the task
// fields; Payload and Result values are shared and must not be mutated.
func (q *Queue) Status(id string) (*Task, error) {
	t, err := q.store.get(id)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Cancel stops a task. A pending task is cancelled without ever reaching a
// handler; a running task gets its context cancelled and is recorded as
// cancelled if the handler then returns an error. It reports false for tasks
// that already finished.
func (q *Queue) Cancel(ctx context.Context, id string) (bool, error) {
	t, outcome, err := q.store.cancel(id)
	if err != nil {
		return false, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	switch outcome {
	case cancelledPending:
		q.announce(ctx, TopicCancelled, t, nil)
		metrics.SetPending(q.store.pendingCount())
		return true, nil
	case cancelSignalled:
		q.record(ctx, t)
		q.log.Info("cancellation requested", slog.String("task_id", id))
		return true, nil
	default:
		return false, nil
	}
}

// List returns tasks matching opts.
func (q *Queue) List(opts ...ListOption) []*Task {
	return q.store.list(buildListOptions(opts))
}

// Stats aggregates tasks matching opts.
func (q *Queue) Stats(opts ...ListOption) Stats {
	return q.store.stats(buildListOptions(opts))
}

// Pending returns the current backlog.
func (q *Queue) Pending() int {
	return q.store.pendingCount()
}

// Closed reports whether shutdown started.
func (q *Queue) Closed() bool {
	return q.closing.Load()
}

// WaitUntilTerminal polls the task until it reaches a terminal status.
func (q *Queue) WaitUntilTerminal(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		t, err := q.Status(id)
		if err != nil {
			return nil, err
		}
		if t.Status.Terminal() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// DrainAndStop stops accepting tasks, cancels the backlog and waits for
// running handlers. Handlers still running after the shutdown grace period
// get their context cancelled. It returns ctx.Err() if ctx expires first.
func (q *Queue) DrainAndStop(ctx context.Context) error {
	q.stopOnce.Do(func() {
		q.stopErr = q.drain(ctx)
	})
	return q.stopErr
}

func (q *Queue) drain(ctx context.Context) error {
	q.closing.Store(true)
	q.pending.Dispose()

	notifyCtx := context.Background()
	for _, t := range q.store.cancelAllPending() {
		q.announce(notifyCtx, TopicCancelled, t, nil)
	}
	metrics.SetPending(q.store.pendingCount())

	close(q.sweeperStop)
	<-q.sweeperDone

	// The dispatcher may be blocked handing a cancelled id to a busy pool, so
	// it is waited for together with the running handlers.
	idle := make(chan struct{})
	go func() {
		<-q.dispatcherDone
		q.inflight.Wait()
		close(idle)
	}()

	var err error
	grace := time.NewTimer(q.grace)
	defer grace.Stop()
	select {
	case <-idle:
	case <-grace.C:
		if n := q.store.signalRunning(); n > 0 {
			q.log.Warn("shutdown grace elapsed, cancelling running tasks", slog.Int("running", n))
		}
		select {
		case <-idle:
		case <-ctx.Done():
			err = ctx.Err()
		}
	case <-ctx.Done():
		q.store.signalRunning()
		err = ctx.Err()
	}

	q.stopRun()
	q.pool.Release()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeTimeout, err, fmt.Sprintf("queue drain interrupted with %d running tasks", q.Stats(WithStatuses(StatusRunning)).Running))
	}
	q.log.Info("task queue stopped")
	return nil
}

func (q *Queue) sweepLoop() {
	defer close(q.sweeperDone)
	ticker := time.NewTicker(q.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.sweeperStop:
			return
		case <-ticker.C:
			q.sweep()
		}
	}
}

func (q *Queue) sweep() int {
	removed := q.store.sweep(q.now().Add(-q.retention))
	if removed > 0 {
		q.log.Debug("swept expired tasks", slog.Int("removed", removed))
	}
	return removed
}
