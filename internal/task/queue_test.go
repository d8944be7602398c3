package task

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "AppRuntime/internal/errors"
	"AppRuntime/internal/eventbus"
	"AppRuntime/internal/observability/alerting"
)

type eventLog struct {
	mu     sync.Mutex
	topics map[string][]string
}

func (l *eventLog) handle(_ context.Context, evt eventbus.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	payload := evt.Payload.(Event)
	l.topics[payload.TaskID] = append(l.topics[payload.TaskID], evt.Topic)
	return nil
}

// wait polls until id has at least n events; terminal status becomes visible
// slightly before its event is published.
func (l *eventLog) wait(t *testing.T, id string, n int) []string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got := l.of(id); len(got) >= n {
			return got
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("task %s published fewer than %d events: %v", id, n, l.of(id))
	return nil
}

func (l *eventLog) of(id string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.topics[id]...)
}

type fakeAlerter struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (f *fakeAlerter) Notify(_ context.Context, evt alerting.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
	return nil
}

func (f *fakeAlerter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func newTestQueue(t *testing.T, opts ...Option) (*Queue, *eventLog) {
	t.Helper()
	bus := eventbus.New()
	events := &eventLog{topics: make(map[string][]string)}
	if _, err := bus.Subscribe("task.*", events.handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	opts = append([]Option{WithPublisher(bus), WithShutdownGrace(time.Second)}, opts...)
	q, err := NewQueue(opts...)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.DrainAndStop(ctx)
	})
	return q, events
}

func waitTerminal(t *testing.T, q *Queue, id string) *Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := q.WaitUntilTerminal(ctx, id, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait for task %s: %v", id, err)
	}
	return task
}

func waitStatus(t *testing.T, q *Queue, id string, status Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := q.Status(id)
		if err == nil && task.Status == status {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s", id, status)
}

func equalTopics(got []string, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestQueueRunsHandlerAndPublishesLifecycle(t *testing.T) {
	q, events := newTestQueue(t)
	if err := q.RegisterHandler("resize", func(_ context.Context, task *Task) (any, error) {
		return map[string]int{"width": task.Payload.(int) * 2}, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	id, err := q.Enqueue(context.Background(), "resize", 21)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task := waitTerminal(t, q, id)
	if task.Status != StatusSucceeded {
		t.Fatalf("expected succeeded, got %s (%s)", task.Status, task.Error)
	}
	if task.Result.(map[string]int)["width"] != 42 {
		t.Fatalf("unexpected result %v", task.Result)
	}
	if task.Error != "" || task.CompletedAt.IsZero() {
		t.Fatalf("unexpected terminal fields %+v", task)
	}
	if got := events.wait(t, id, 3); !equalTopics(got, TopicEnqueued, TopicStarted, TopicCompleted) {
		t.Fatalf("unexpected event sequence %v", got)
	}
}

func TestQueueRetriesExactlyMaxRetries(t *testing.T) {
	alerts := &fakeAlerter{}
	q, events := newTestQueue(t, WithMaxRetries(2), WithAlertDispatcher(alerts))
	var calls atomic.Int32
	q.RegisterHandler("flaky", func(context.Context, *Task) (any, error) {
		calls.Add(1)
		return nil, errors.New("upstream unavailable")
	})

	id, err := q.Enqueue(context.Background(), "flaky", "payload")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task := waitTerminal(t, q, id)
	if task.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", task.Status)
	}
	if task.Retries != 2 || calls.Load() != 3 {
		t.Fatalf("expected 2 retries over 3 attempts, got retries=%d calls=%d", task.Retries, calls.Load())
	}
	if task.ErrorCode != string(xerrors.CodeHandlerFailed) || task.Error != "upstream unavailable" {
		t.Fatalf("unexpected error fields %q %q", task.ErrorCode, task.Error)
	}
	want := []string{TopicEnqueued, TopicStarted, TopicRetrying, TopicStarted, TopicRetrying, TopicStarted, TopicFailed}
	if got := events.wait(t, id, len(want)); !equalTopics(got, want...) {
		t.Fatalf("unexpected event sequence %v", got)
	}
	if alerts.count() != 1 {
		t.Fatalf("expected one alert for the terminal failure, got %d", alerts.count())
	}
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	q, _ := newTestQueue(t, WithMaxRetries(5))
	var calls atomic.Int32
	q.RegisterHandler("validate", func(context.Context, *Task) (any, error) {
		calls.Add(1)
		return nil, Permanent(errors.New("malformed payload"))
	})

	id, _ := q.Enqueue(context.Background(), "validate", nil)
	task := waitTerminal(t, q, id)
	if task.Status != StatusFailed || task.Retries != 0 || calls.Load() != 1 {
		t.Fatalf("expected single failed attempt, got %s retries=%d calls=%d", task.Status, task.Retries, calls.Load())
	}
}

func TestMissingHandlerFailsWithoutRetry(t *testing.T) {
	alerts := &fakeAlerter{}
	q, events := newTestQueue(t, WithMaxRetries(3), WithAlertDispatcher(alerts))

	id, err := q.Enqueue(context.Background(), "email", map[string]string{"to": "ops@example.com"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task := waitTerminal(t, q, id)
	if task.Status != StatusFailed || task.ErrorCode != string(xerrors.CodeHandlerNotFound) || task.Retries != 0 {
		t.Fatalf("unexpected task %+v", task)
	}
	if got := events.wait(t, id, 3); !equalTopics(got, TopicEnqueued, TopicStarted, TopicFailed) {
		t.Fatalf("expected task.failed last, got %v", got)
	}
	if alerts.count() != 1 {
		t.Fatalf("expected alert, got %d", alerts.count())
	}
}

func TestHandlerPanicIsRecorded(t *testing.T) {
	q, _ := newTestQueue(t, WithMaxRetries(0))
	q.RegisterHandler("explode", func(context.Context, *Task) (any, error) {
		panic("nil map write")
	})
	id, _ := q.Enqueue(context.Background(), "explode", nil)
	task := waitTerminal(t, q, id)
	if task.Status != StatusFailed || task.ErrorCode != string(xerrors.CodeHandlerFailed) {
		t.Fatalf("expected recovered panic to fail the task, got %+v", task)
	}
}

func TestCancelPendingTaskNeverRuns(t *testing.T) {
	q, events := newTestQueue(t, WithWorkerCount(1))
	gate := make(chan struct{})
	var slowCalls, fastCalls atomic.Int32
	q.RegisterHandler("slow", func(context.Context, *Task) (any, error) {
		slowCalls.Add(1)
		<-gate
		return "done", nil
	})
	q.RegisterHandler("fast", func(context.Context, *Task) (any, error) {
		fastCalls.Add(1)
		return nil, nil
	})

	blocker, _ := q.Enqueue(context.Background(), "slow", nil)
	waitStatus(t, q, blocker, StatusRunning)
	id, _ := q.Enqueue(context.Background(), "fast", nil)

	ok, err := q.Cancel(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("expected pending cancel to succeed, got %v %v", ok, err)
	}
	close(gate)
	waitTerminal(t, q, blocker)

	task, err := q.Status(id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if task.Status != StatusCancelled || fastCalls.Load() != 0 {
		t.Fatalf("expected cancelled with zero handler calls, got %s calls=%d", task.Status, fastCalls.Load())
	}
	if got := events.of(id); !equalTopics(got, TopicEnqueued, TopicCancelled) {
		t.Fatalf("unexpected events %v", got)
	}
	if ok, _ := q.Cancel(context.Background(), id); ok {
		t.Fatalf("cancelling a terminal task must report false")
	}
}

func TestCancelRunningTaskIsCooperative(t *testing.T) {
	q, _ := newTestQueue(t, WithMaxRetries(3))
	started := make(chan struct{})
	q.RegisterHandler("wait", func(ctx context.Context, _ *Task) (any, error) {
		close(started)
		<-ctx.Done()
		if !CancelRequested(ctx) {
			t.Errorf("expected CancelRequested to be true")
		}
		return nil, Checkpoint(ctx)
	})

	id, _ := q.Enqueue(context.Background(), "wait", nil)
	<-started
	ok, err := q.Cancel(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("cancel running: %v %v", ok, err)
	}
	task := waitTerminal(t, q, id)
	if task.Status != StatusCancelled || task.Retries != 0 || !task.CancelRequested {
		t.Fatalf("expected cancelled without retry, got %+v", task)
	}
}

func TestHandlerSuccessWinsOverLateCancel(t *testing.T) {
	q, _ := newTestQueue(t)
	started := make(chan struct{})
	release := make(chan struct{})
	q.RegisterHandler("stubborn", func(context.Context, *Task) (any, error) {
		close(started)
		<-release
		return "finished anyway", nil
	})

	id, _ := q.Enqueue(context.Background(), "stubborn", nil)
	<-started
	if ok, _ := q.Cancel(context.Background(), id); !ok {
		t.Fatalf("expected cancel signal to be accepted")
	}
	close(release)
	task := waitTerminal(t, q, id)
	if task.Status != StatusSucceeded || task.Result != "finished anyway" {
		t.Fatalf("expected success to be kept, got %+v", task)
	}
}

func TestCancelUnknownTask(t *testing.T) {
	q, _ := newTestQueue(t)
	if _, err := q.Cancel(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
	if _, err := q.Status("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestQueueFullAndRecovery(t *testing.T) {
	q, _ := newTestQueue(t, WithWorkerCount(1), WithCapacity(2))
	gate := make(chan struct{})
	q.RegisterHandler("job", func(context.Context, *Task) (any, error) {
		<-gate
		return nil, nil
	})

	first, _ := q.Enqueue(context.Background(), "job", nil)
	waitStatus(t, q, first, StatusRunning)
	if _, err := q.Enqueue(context.Background(), "job", nil); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if _, err := q.Enqueue(context.Background(), "job", nil); err != nil {
		t.Fatalf("third enqueue: %v", err)
	}
	if _, err := q.Enqueue(context.Background(), "job", nil); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected QUEUE_FULL, got %v", err)
	}

	close(gate)
	deadline := time.Now().Add(5 * time.Second)
	for q.Pending() > 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	id, err := q.Enqueue(context.Background(), "job", nil)
	if err != nil {
		t.Fatalf("expected enqueue to succeed after drain, got %v", err)
	}
	waitTerminal(t, q, id)
}

func TestDispatchIsFIFO(t *testing.T) {
	q, _ := newTestQueue(t, WithWorkerCount(1))
	gate := make(chan struct{})
	var mu sync.Mutex
	var order []int
	q.RegisterHandler("seq", func(_ context.Context, task *Task) (any, error) {
		if task.Payload.(int) == 0 {
			<-gate
		}
		mu.Lock()
		order = append(order, task.Payload.(int))
		mu.Unlock()
		return nil, nil
	})

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := q.Enqueue(context.Background(), "seq", i)
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		ids = append(ids, id)
	}
	close(gate)
	for _, id := range ids {
		waitTerminal(t, q, id)
	}
	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("expected FIFO order, got %v", order)
		}
	}
}

func TestTimeoutIsRecordedAsTimeout(t *testing.T) {
	q, _ := newTestQueue(t, WithMaxRetries(0), WithTaskTimeout(20*time.Millisecond))
	q.RegisterHandler("hang", func(ctx context.Context, _ *Task) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	id, _ := q.Enqueue(context.Background(), "hang", nil)
	task := waitTerminal(t, q, id)
	if task.Status != StatusFailed || task.ErrorCode != string(xerrors.CodeTimeout) {
		t.Fatalf("expected TIMEOUT failure, got %s %s", task.Status, task.ErrorCode)
	}
}

func TestDrainAndStopCancelsBacklog(t *testing.T) {
	q, _ := newTestQueue(t, WithWorkerCount(1))
	gate := make(chan struct{})
	var calls atomic.Int32
	q.RegisterHandler("job", func(context.Context, *Task) (any, error) {
		calls.Add(1)
		<-gate
		return "ok", nil
	})

	running, _ := q.Enqueue(context.Background(), "job", nil)
	waitStatus(t, q, running, StatusRunning)
	var backlog []string
	for i := 0; i < 3; i++ {
		id, _ := q.Enqueue(context.Background(), "job", nil)
		backlog = append(backlog, id)
	}

	done := make(chan error, 1)
	go func() { done <- q.DrainAndStop(context.Background()) }()

	deadline := time.Now().Add(5 * time.Second)
	for !q.Closed() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if _, err := q.Enqueue(context.Background(), "job", nil); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected QUEUE_CLOSED, got %v", err)
	}
	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("drain: %v", err)
	}

	if task, _ := q.Status(running); task.Status != StatusSucceeded {
		t.Fatalf("running task should finish, got %s", task.Status)
	}
	for _, id := range backlog {
		if task, _ := q.Status(id); task.Status != StatusCancelled {
			t.Fatalf("backlog task %s should be cancelled, got %s", id, task.Status)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("expected only the running task to execute, got %d", calls.Load())
	}
}

func TestDrainSignalsRunningTasksAfterGrace(t *testing.T) {
	q, _ := newTestQueue(t, WithShutdownGrace(20*time.Millisecond))
	q.RegisterHandler("forever", func(ctx context.Context, _ *Task) (any, error) {
		<-ctx.Done()
		return nil, Checkpoint(ctx)
	})
	id, _ := q.Enqueue(context.Background(), "forever", nil)
	waitStatus(t, q, id, StatusRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.DrainAndStop(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if task, _ := q.Status(id); task.Status != StatusCancelled {
		t.Fatalf("expected cancelled after grace, got %s", task.Status)
	}
}

func TestSweepDropsExpiredTasks(t *testing.T) {
	q, _ := newTestQueue(t, WithRetention(time.Millisecond))
	q.RegisterHandler("noop", func(context.Context, *Task) (any, error) { return nil, nil })
	id, _ := q.Enqueue(context.Background(), "noop", nil)
	waitTerminal(t, q, id)

	time.Sleep(5 * time.Millisecond)
	if removed := q.sweep(); removed != 1 {
		t.Fatalf("expected one swept task, got %d", removed)
	}
	if _, err := q.Status(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected NOT_FOUND after sweep, got %v", err)
	}
}

func TestRecorderSeesEveryTransition(t *testing.T) {
	var mu sync.Mutex
	var statuses []Status
	recorder := RecorderFunc(func(_ context.Context, task Task) error {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, task.Status)
		return errors.New("database unavailable")
	})
	q, _ := newTestQueue(t, WithRecorder(recorder))
	q.RegisterHandler("noop", func(context.Context, *Task) (any, error) { return "ok", nil })

	id, _ := q.Enqueue(context.Background(), "noop", nil)
	if task := waitTerminal(t, q, id); task.Status != StatusSucceeded {
		t.Fatalf("recorder errors must not affect the task, got %s", task.Status)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(statuses)
		mu.Unlock()
		if n >= 3 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(statuses) != 3 || statuses[0] != StatusPending || statuses[1] != StatusRunning || statuses[2] != StatusSucceeded {
		t.Fatalf("unexpected recorded transitions %v", statuses)
	}
}

func TestEnqueueRejectsEmptyType(t *testing.T) {
	q, _ := newTestQueue(t)
	if _, err := q.Enqueue(context.Background(), " ", nil); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
	if err := q.RegisterHandler("x", nil); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestDrainWithBacklogBehindBusyWorkers(t *testing.T) {
	q, _ := newTestQueue(t, WithWorkerCount(1), WithShutdownGrace(20*time.Millisecond))
	var calls atomic.Int32
	q.RegisterHandler("forever", func(ctx context.Context, _ *Task) (any, error) {
		calls.Add(1)
		<-ctx.Done()
		return nil, Checkpoint(ctx)
	})
	running, _ := q.Enqueue(context.Background(), "forever", nil)
	waitStatus(t, q, running, StatusRunning)
	backlog, _ := q.Enqueue(context.Background(), "forever", nil)
	// Give the dispatcher time to take the backlog id and block on the pool.
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- q.DrainAndStop(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("drain: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("drain did not return after the grace period")
	}

	if task, _ := q.Status(running); task.Status != StatusCancelled || !task.CancelRequested {
		t.Fatalf("running task should be cancelled after grace, got %+v", task)
	}
	if task, _ := q.Status(backlog); task.Status != StatusCancelled {
		t.Fatalf("backlog task should be cancelled, got %s", task.Status)
	}
	if calls.Load() != 1 {
		t.Fatalf("backlog task must never run, got %d calls", calls.Load())
	}
}

func TestRetriedTaskGoesToTheBack(t *testing.T) {
	q, _ := newTestQueue(t, WithWorkerCount(1), WithMaxRetries(1))
	gate := make(chan struct{})
	var mu sync.Mutex
	var order []string
	var firstA atomic.Bool
	q.RegisterHandler("step", func(_ context.Context, task *Task) (any, error) {
		name := task.Payload.(string)
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
		if name == "A" && firstA.CompareAndSwap(false, true) {
			<-gate
			return nil, errors.New("transient")
		}
		return name, nil
	})

	a, _ := q.Enqueue(context.Background(), "step", "A")
	waitStatus(t, q, a, StatusRunning)
	b, _ := q.Enqueue(context.Background(), "step", "B")
	close(gate)

	if task := waitTerminal(t, q, a); task.Status != StatusSucceeded || task.Retries != 1 {
		t.Fatalf("expected A to succeed on its retry, got %+v", task)
	}
	waitTerminal(t, q, b)
	mu.Lock()
	defer mu.Unlock()
	if !equalTopics(order, "A", "B", "A") {
		t.Fatalf("expected retry behind B, got %v", order)
	}
}

func TestAlertsFollowErrorCodeRegistry(t *testing.T) {
	alerts := &fakeAlerter{}
	q, _ := newTestQueue(t, WithMaxRetries(0), WithAlertDispatcher(alerts))
	q.RegisterHandler("invalid", func(context.Context, *Task) (any, error) {
		return nil, Permanent(xerrors.New(xerrors.CodeInvalidArgument, "bad payload"))
	})
	q.RegisterHandler("quiet", func(context.Context, *Task) (any, error) {
		return nil, xerrors.New(xerrors.CodeUnavailable, "dependency paused", xerrors.WithAlert(false))
	})
	q.RegisterHandler("storage", func(context.Context, *Task) (any, error) {
		return nil, xerrors.New(xerrors.CodeStorageFailure, "disk full")
	})

	for _, taskType := range []string{"invalid", "quiet"} {
		id, _ := q.Enqueue(context.Background(), taskType, nil)
		if task := waitTerminal(t, q, id); task.Status != StatusFailed {
			t.Fatalf("expected %s to fail, got %s", taskType, task.Status)
		}
	}
	id, _ := q.Enqueue(context.Background(), "storage", nil)
	waitTerminal(t, q, id)

	deadline := time.Now().Add(5 * time.Second)
	for alerts.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	alerts.mu.Lock()
	defer alerts.mu.Unlock()
	if len(alerts.events) != 1 {
		t.Fatalf("expected only the storage failure to alert, got %+v", alerts.events)
	}
	evt := alerts.events[0]
	if evt.TaskID != id || evt.Code != xerrors.CodeStorageFailure || evt.Severity != xerrors.SeverityCritical {
		t.Fatalf("unexpected alert %+v", evt)
	}
}
