package plugin

import (
	"context"
	"log/slog"
	"sync"

	xerrors "AppRuntime/internal/errors"
	"AppRuntime/internal/eventbus"
	"AppRuntime/internal/task"
)

// EventBus is the part of the event bus plugins may reach through their host.
// *eventbus.Bus satisfies it.
type EventBus interface {
	Subscribe(pattern string, handler eventbus.Handler, opts ...eventbus.SubscribeOption) (eventbus.Subscription, error)
	Unsubscribe(sub eventbus.Subscription)
	UnsubscribeOwner(owner string) int
	Publish(ctx context.Context, topic string, payload any) ([]eventbus.HandlerFailure, error)
}

// TaskQueue is the part of the task queue plugins may reach through their
// host. *task.Queue satisfies it.
type TaskQueue interface {
	RegisterHandler(taskType string, fn task.Handler) error
	Enqueue(ctx context.Context, taskType string, payload any) (string, error)
	Status(id string) (*task.Task, error)
	Cancel(ctx context.Context, id string) (bool, error)
}

type hostPhase int

const (
	phaseInit hostPhase = iota
	phaseActive
	phaseRevoked
	phaseRemoved
)

// Host is the runtime handle given to a single plugin. Subscriptions and task
// submission are only available while the plugin is activating or active.
type Host struct {
	name      string
	version   string
	config    map[string]any
	resources map[string]any
	policy    IsolationPolicy
	bus       EventBus
	tasks     TaskQueue
	log       *slog.Logger

	mu    sync.RWMutex
	phase hostPhase
}

var errBusMissing = xerrors.New(xerrors.CodeUnavailable, "event bus not configured", xerrors.WithAlert(false))

func ownerOf(name string) string {
	return "plugin:" + name
}

// Name returns the registered plugin name.
func (h *Host) Name() string { return h.name }

// Version returns the registered plugin version.
func (h *Host) Version() string { return h.version }

// Logger returns a logger tagged with the plugin name.
func (h *Host) Logger() *slog.Logger { return h.log }

// Config returns a copy of the plugin's configuration block.
func (h *Host) Config() map[string]any {
	return cloneConfig(h.config)
}

// Resource returns a shared value supplied by the host application.
func (h *Host) Resource(key string) (any, bool) {
	v, ok := h.resources[key]
	return v, ok
}

// Subscribe registers handler for pattern on behalf of the plugin. The
// subscription is revoked when the plugin is deactivated.
func (h *Host) Subscribe(pattern string, handler eventbus.Handler) (eventbus.Subscription, error) {
	if err := h.check(CapabilityEventsSubscribe, phaseActive); err != nil {
		return eventbus.Subscription{}, err
	}
	if handler == nil {
		return eventbus.Subscription{}, xerrors.New(xerrors.CodeInvalidArgument, "handler cannot be nil")
	}
	if h.bus == nil {
		return eventbus.Subscription{}, errBusMissing
	}
	guarded := func(ctx context.Context, evt eventbus.Event) error {
		if !h.live() {
			return nil
		}
		return handler(ctx, evt)
	}
	return h.bus.Subscribe(pattern, guarded, eventbus.WithOwner(ownerOf(h.name)))
}

// Unsubscribe removes one of the plugin's subscriptions.
func (h *Host) Unsubscribe(sub eventbus.Subscription) {
	if sub.Owner != ownerOf(h.name) || h.bus == nil {
		return
	}
	h.bus.Unsubscribe(sub)
}

// Publish emits an event. It is available in every phase until the plugin is
// unregistered.
func (h *Host) Publish(ctx context.Context, topic string, payload any) ([]eventbus.HandlerFailure, error) {
	if err := h.check(CapabilityEventsPublish, phaseInit, phaseActive, phaseRevoked); err != nil {
		return nil, err
	}
	if h.bus == nil {
		return nil, errBusMissing
	}
	return h.bus.Publish(ctx, topic, payload)
}

// Enqueue submits a task on behalf of the plugin.
func (h *Host) Enqueue(ctx context.Context, taskType string, payload any) (string, error) {
	if err := h.check(CapabilityTasksEnqueue, phaseActive); err != nil {
		return "", err
	}
	if h.tasks == nil {
		return "", xerrors.New(xerrors.CodeUnavailable, "task queue not configured")
	}
	return h.tasks.Enqueue(ctx, taskType, payload)
}

// RegisterTaskHandler binds a task type to fn. Tasks dispatched while the
// plugin is not active fail permanently with UNAVAILABLE.
func (h *Host) RegisterTaskHandler(taskType string, fn task.Handler) error {
	if err := h.check(CapabilityTasksHandle, phaseInit, phaseActive); err != nil {
		return err
	}
	if h.tasks == nil {
		return xerrors.New(xerrors.CodeUnavailable, "task queue not configured")
	}
	if fn == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task handler cannot be nil")
	}
	return h.tasks.RegisterHandler(taskType, func(ctx context.Context, t *task.Task) (any, error) {
		if !h.live() {
			return nil, xerrors.New(xerrors.CodeUnavailable, "plugin "+h.name+" is not active",
				xerrors.WithRetryable(false), xerrors.WithAlert(false))
		}
		return fn(ctx, t)
	})
}

// TaskStatus returns a task snapshot.
func (h *Host) TaskStatus(id string) (*task.Task, error) {
	if h.tasks == nil {
		return nil, xerrors.New(xerrors.CodeUnavailable, "task queue not configured")
	}
	return h.tasks.Status(id)
}

// CancelTask cancels a task.
func (h *Host) CancelTask(ctx context.Context, id string) (bool, error) {
	if h.tasks == nil {
		return false, xerrors.New(xerrors.CodeUnavailable, "task queue not configured")
	}
	return h.tasks.Cancel(ctx, id)
}

func (h *Host) check(c Capability, phases ...hostPhase) error {
	if !h.policy.Allows(c) {
		return xerrors.New(xerrors.CodeCapabilityDenied, "capability "+string(c)+" denied by policy",
			xerrors.WithMetadata("plugin", h.name))
	}
	h.mu.RLock()
	phase := h.phase
	h.mu.RUnlock()
	for _, p := range phases {
		if p == phase {
			return nil
		}
	}
	return xerrors.New(xerrors.CodeCapabilityDenied, "capability "+string(c)+" unavailable in current plugin state",
		xerrors.WithMetadata("plugin", h.name))
}

func (h *Host) live() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.phase == phaseActive
}

func (h *Host) setPhase(p hostPhase) {
	h.mu.Lock()
	h.phase = p
	h.mu.Unlock()
}
