package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "AppRuntime/internal/errors"
	"AppRuntime/internal/observability/metrics"
	"AppRuntime/pkg/logger"
)

// Manager keeps track of registered plugins and orchestrates their lifecycle.
type Manager struct {
	mu        sync.RWMutex
	registry  map[string]*instance
	reserved  map[string]struct{}
	seq       uint64
	bus       EventBus
	tasks     TaskQueue
	isolation IsolationStrategy
	resources map[string]any
	defaults  IsolationPolicy
	log       *slog.Logger
	now       func() time.Time
}

type instance struct {
	mu           sync.Mutex
	name         string
	version      string
	plugin       Plugin
	info         Info
	state        State
	host         *Host
	seq          uint64
	registeredAt time.Time
	removed      bool
}

func (inst *instance) descriptor() Descriptor {
	return Descriptor{
		Name:         inst.name,
		Version:      inst.version,
		State:        inst.state,
		Description:  inst.info.Description,
		Capabilities: append([]Capability(nil), inst.info.Capabilities...),
		RegisteredAt: inst.registeredAt,
	}
}

// NewManager constructs a manager bound to the runtime's bus and task queue.
// tasks may be nil when the host runs without a queue.
func NewManager(bus EventBus, tasks TaskQueue, opts ...Option) *Manager {
	m := &Manager{
		registry:  make(map[string]*instance),
		reserved:  make(map[string]struct{}),
		bus:       bus,
		tasks:     tasks,
		isolation: NoopIsolationStrategy{},
		resources: make(map[string]any),
		log:       logger.Named("plugins"),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Register creates a plugin from factory and runs its initialisation hook.
// A plugin whose initialisation fails never enters the registry.
func (m *Manager) Register(name, version string, factory Factory, opts ...RegisterOption) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "plugin name cannot be empty")
	}
	if factory == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "plugin factory cannot be nil")
	}
	reg := registration{}
	for _, opt := range opts {
		if opt != nil {
			opt(&reg)
		}
	}

	if err := m.reserve(name); err != nil {
		return err
	}
	registered := false
	defer func() {
		if !registered {
			m.release(name)
		}
	}()

	p, err := build(factory)
	if err != nil {
		return m.initFailed(name, err)
	}
	var info Info
	if d, ok := p.(Describer); ok {
		info = d.Info()
	}
	policy := MergePolicies(m.defaults, reg.policy)
	if err := m.isolation.Validate(name, info, policy); err != nil {
		return m.initFailed(name, err)
	}

	host := &Host{
		name:      name,
		version:   version,
		config:    cloneConfig(reg.config),
		resources: m.resources,
		policy:    policy,
		bus:       m.bus,
		tasks:     m.tasks,
		log:       logger.Named("plugin").With(slog.String("plugin", name)),
	}
	if err := guard(func() error { return p.Init(host) }); err != nil {
		host.setPhase(phaseRemoved)
		return m.initFailed(name, err)
	}

	m.mu.Lock()
	m.seq++
	inst := &instance{
		name:         name,
		version:      version,
		plugin:       p,
		info:         info,
		state:        StateInitialized,
		host:         host,
		seq:          m.seq,
		registeredAt: m.now(),
	}
	delete(m.reserved, name)
	m.registry[name] = inst
	m.mu.Unlock()
	registered = true

	m.transitioned(context.Background(), TopicRegistered, inst.descriptor())
	return nil
}

// Activate runs the activation hook and moves the plugin to Active. On hook
// failure every subscription made during the attempt is revoked and the
// plugin keeps its previous state.
func (m *Manager) Activate(ctx context.Context, name string) error {
	inst, err := m.get(name)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	if err := inst.expect(StateInitialized, StateDeactivated); err != nil {
		inst.mu.Unlock()
		return err
	}
	if err := m.isolation.Prepare(name); err != nil {
		inst.mu.Unlock()
		return m.activationFailed(name, err)
	}
	inst.host.setPhase(phaseActive)
	if err := guard(func() error { return inst.plugin.Activate(ctx, inst.host) }); err != nil {
		inst.host.setPhase(phaseRevoked)
		m.revoke(name)
		if cleanupErr := m.isolation.Cleanup(name); cleanupErr != nil {
			m.log.Warn("isolation cleanup failed", slog.String("plugin", name), slog.Any("error", cleanupErr))
		}
		inst.mu.Unlock()
		return m.activationFailed(name, err)
	}
	inst.state = StateActive
	desc := inst.descriptor()
	inst.mu.Unlock()

	m.transitioned(ctx, TopicActivated, desc)
	return nil
}

// Deactivate revokes the plugin's subscriptions, runs its deactivation hook
// and moves it to Deactivated. Hook failures are logged only.
func (m *Manager) Deactivate(ctx context.Context, name string) error {
	inst, err := m.get(name)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	if err := inst.expect(StateActive); err != nil {
		inst.mu.Unlock()
		return err
	}
	inst.host.setPhase(phaseRevoked)
	revoked := m.revoke(name)
	if err := guard(func() error { return inst.plugin.Deactivate(ctx, inst.host) }); err != nil {
		metrics.ObservePluginHookFailure(name, "deactivate")
		m.log.Warn("plugin deactivation hook failed",
			slog.String("plugin", name),
			slog.Any("error", err))
	}
	if err := m.isolation.Cleanup(name); err != nil {
		m.log.Warn("isolation cleanup failed", slog.String("plugin", name), slog.Any("error", err))
	}
	inst.state = StateDeactivated
	desc := inst.descriptor()
	inst.mu.Unlock()

	m.log.Debug("plugin subscriptions revoked", slog.String("plugin", name), slog.Int("count", revoked))
	m.transitioned(ctx, TopicDeactivated, desc)
	return nil
}

// Unregister removes a deactivated plugin from the registry.
func (m *Manager) Unregister(name string) error {
	inst, err := m.get(name)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	if err := inst.expect(StateDeactivated); err != nil {
		inst.mu.Unlock()
		return err
	}
	inst.removed = true
	inst.state = StateUnregistered
	inst.host.setPhase(phaseRemoved)
	desc := inst.descriptor()
	m.mu.Lock()
	delete(m.registry, name)
	m.mu.Unlock()
	inst.mu.Unlock()

	m.transitioned(context.Background(), TopicUnregistered, desc)
	return nil
}

// State returns the lifecycle state of a plugin.
func (m *Manager) State(name string) (State, error) {
	inst, err := m.get(name)
	if err != nil {
		return "", err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.removed {
		return "", notFound(name)
	}
	return inst.state, nil
}

// List returns a snapshot of every registered plugin ordered by registration
// time.
func (m *Manager) List() []Descriptor {
	instances := m.ordered()
	out := make([]Descriptor, 0, len(instances))
	for _, inst := range instances {
		inst.mu.Lock()
		if !inst.removed {
			out = append(out, inst.descriptor())
		}
		inst.mu.Unlock()
	}
	return out
}

// ActivateAll activates every plugin that is not active yet, in registration
// order. Failures are joined and do not stop the remaining plugins.
func (m *Manager) ActivateAll(ctx context.Context) error {
	var errs []error
	for _, desc := range m.List() {
		if desc.State == StateActive {
			continue
		}
		if err := m.Activate(ctx, desc.Name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DeactivateAll deactivates active plugins in reverse registration order.
func (m *Manager) DeactivateAll(ctx context.Context) error {
	list := m.List()
	var errs []error
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].State != StateActive {
			continue
		}
		if err := m.Deactivate(ctx, list[i].Name); err != nil && !errors.Is(err, ErrInvalidTransition) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) reserve(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.registry[name]; ok {
		return duplicate(name)
	}
	if _, ok := m.reserved[name]; ok {
		return duplicate(name)
	}
	m.reserved[name] = struct{}{}
	return nil
}

func (m *Manager) release(name string) {
	m.mu.Lock()
	delete(m.reserved, name)
	m.mu.Unlock()
}

func (m *Manager) get(name string) (*instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.registry[name]
	if !ok {
		return nil, notFound(name)
	}
	return inst, nil
}

func (m *Manager) ordered() []*instance {
	m.mu.RLock()
	instances := make([]*instance, 0, len(m.registry))
	for _, inst := range m.registry {
		instances = append(instances, inst)
	}
	m.mu.RUnlock()
	sort.Slice(instances, func(i, j int) bool { return instances[i].seq < instances[j].seq })
	return instances
}

func (inst *instance) expect(allowed ...State) error {
	if inst.removed {
		return notFound(inst.name)
	}
	for _, s := range allowed {
		if inst.state == s {
			return nil
		}
	}
	return xerrors.New(xerrors.CodeInvalidTransition,
		fmt.Sprintf("plugin %s is %s", inst.name, inst.state),
		xerrors.WithMetadata("plugin", inst.name),
		xerrors.WithMetadata("state", string(inst.state)))
}

// revoke drops every subscription the plugin holds and returns the count.
func (m *Manager) revoke(name string) int {
	if m.bus == nil {
		return 0
	}
	return m.bus.UnsubscribeOwner(ownerOf(name))
}

func (m *Manager) transitioned(ctx context.Context, topic string, desc Descriptor) {
	metrics.ObservePluginTransition(desc.Name, string(desc.State))
	logger.Audit().Info("plugin "+string(desc.State),
		slog.String("plugin", desc.Name),
		slog.String("version", desc.Version))
	if m.bus == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	evt := Event{Name: desc.Name, Version: desc.Version, State: desc.State}
	if _, err := m.bus.Publish(ctx, topic, evt); err != nil {
		m.log.Error("publish plugin event", slog.String("topic", topic), slog.Any("error", err))
	}
}

func (m *Manager) initFailed(name string, cause error) error {
	metrics.ObservePluginHookFailure(name, "init")
	m.log.Warn("plugin initialization failed", slog.String("plugin", name), slog.Any("error", cause))
	return xerrors.Wrap(xerrors.CodeInitializationFailed, cause, "initialize plugin "+name,
		xerrors.WithMetadata("plugin", name))
}

func (m *Manager) activationFailed(name string, cause error) error {
	metrics.ObservePluginHookFailure(name, "activate")
	m.log.Warn("plugin activation failed", slog.String("plugin", name), slog.Any("error", cause))
	return xerrors.Wrap(xerrors.CodeActivationFailed, cause, "activate plugin "+name,
		xerrors.WithMetadata("plugin", name))
}

func duplicate(name string) error {
	return xerrors.New(xerrors.CodeDuplicateName, "plugin "+name+" already registered",
		xerrors.WithMetadata("plugin", name))
}

func notFound(name string) error {
	return xerrors.New(xerrors.CodeNotFound, "plugin "+name+" not registered",
		xerrors.WithMetadata("plugin", name))
}

func build(factory Factory) (p Plugin, err error) {
	err = guard(func() error {
		p = factory()
		if p == nil {
			return errors.New("factory returned a nil plugin")
		}
		return nil
	})
	return p, err
}

// guard converts a panicking hook into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin hook panicked: %v", r)
		}
	}()
	return fn()
}
