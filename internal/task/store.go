package task

import (
	"context"
	"sort"
	"sync"
	"time"
)

type entry struct {
	task   Task
	cancel context.CancelCauseFunc
}

// store keeps every task and the pending counter behind one mutex so that no
// two transitions of the same task can interleave.
type store struct {
	mu      sync.Mutex
	entries map[string]*entry
	pending int
	closed  bool
	now     func() time.Time
}

func newStore(now func() time.Time) *store {
	return &store{entries: make(map[string]*entry), now: now}
}

// create inserts a pending task unless the store is closed or the backlog
// reached capacity.
func (s *store) create(t Task, capacity int) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Task{}, ErrQueueClosed
	}
	if capacity > 0 && s.pending >= capacity {
		return Task{}, ErrQueueFull
	}
	now := s.now()
	t.Status = StatusPending
	t.CreatedAt = now
	t.UpdatedAt = now
	s.entries[t.ID] = &entry{task: t}
	s.pending++
	return t, nil
}

func (s *store) get(id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return e.task, nil
}

// claim moves a pending task to running. It reports false when the task was
// cancelled or swept while waiting.
func (s *store) claim(id string, cancel context.CancelCauseFunc) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.task.Status != StatusPending {
		return Task{}, false
	}
	now := s.now()
	e.task.Status = StatusRunning
	e.task.StartedAt = now
	e.task.UpdatedAt = now
	e.cancel = cancel
	s.pending--
	return e.task, true
}

// resolve applies fn to a running task and returns the resulting snapshot.
func (s *store) resolve(id string, fn func(t *Task)) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.task.Status != StatusRunning {
		return Task{}, false
	}
	fn(&e.task)
	s.settle(e)
	return e.task, true
}

// failPending turns a pending task into a terminal failure.
func (s *store) failPending(id, code, message string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.task.Status != StatusPending {
		return Task{}, false
	}
	s.pending--
	e.task.Status = StatusFailed
	e.task.ErrorCode = code
	e.task.Error = message
	s.settle(e)
	return e.task, true
}

func (s *store) settle(e *entry) {
	now := s.now()
	e.task.UpdatedAt = now
	switch {
	case e.task.Status == StatusPending:
		s.pending++
		e.cancel = nil
	case e.task.Status.Terminal():
		e.task.CompletedAt = now
		e.cancel = nil
	}
}

type cancelOutcome int

const (
	cancelIgnored cancelOutcome = iota
	cancelledPending
	cancelSignalled
)

// cancel cancels a pending task outright or flags and signals a running one.
func (s *store) cancel(id string) (Task, cancelOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Task{}, cancelIgnored, ErrNotFound
	}
	switch e.task.Status {
	case StatusPending:
		s.pending--
		e.task.Status = StatusCancelled
		e.task.CancelRequested = true
		s.settle(e)
		return e.task, cancelledPending, nil
	case StatusRunning:
		if !e.task.CancelRequested {
			e.task.CancelRequested = true
			e.task.UpdatedAt = s.now()
			if e.cancel != nil {
				e.cancel(errCancelRequested)
			}
		}
		return e.task, cancelSignalled, nil
	default:
		return e.task, cancelIgnored, nil
	}
}

// cancelAllPending closes the store to new tasks, cancels every pending task
// and returns the snapshots.
func (s *store) cancelAllPending() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	var out []Task
	for _, e := range s.entries {
		if e.task.Status != StatusPending {
			continue
		}
		s.pending--
		e.task.Status = StatusCancelled
		e.task.CancelRequested = true
		s.settle(e)
		out = append(out, e.task)
	}
	return out
}

// signalRunning requests cancellation of every running task.
func (s *store) signalRunning() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.task.Status != StatusRunning || e.task.CancelRequested {
			continue
		}
		e.task.CancelRequested = true
		e.task.UpdatedAt = s.now()
		if e.cancel != nil {
			e.cancel(errCancelRequested)
		}
		n++
	}
	return n
}

// sweep drops terminal tasks that completed before cutoff.
func (s *store) sweep(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.entries {
		if e.task.Status.Terminal() && e.task.CompletedAt.Before(cutoff) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

func (s *store) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *store) list(opts ListOptions) []*Task {
	s.mu.Lock()
	results := make([]*Task, 0, len(s.entries))
	for _, e := range s.entries {
		if !opts.matches(&e.task) {
			continue
		}
		clone := e.task
		results = append(results, &clone)
	}
	s.mu.Unlock()

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if opts.Order == SortByUpdatedAsc {
			a, b = b, a
		}
		if a.UpdatedAt.Equal(b.UpdatedAt) {
			if a.CreatedAt.Equal(b.CreatedAt) {
				return results[i].ID < results[j].ID
			}
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.UpdatedAt.After(b.UpdatedAt)
	})

	if opts.Offset >= len(results) {
		return []*Task{}
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results
}

func (s *store) stats(opts ListOptions) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats Stats
	for _, e := range s.entries {
		if opts.matches(&e.task) {
			stats.add(&e.task)
		}
	}
	return stats
}
