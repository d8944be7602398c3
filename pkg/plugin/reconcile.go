package plugin

import (
	"context"
	"errors"
	"log/slog"

	xerrors "AppRuntime/internal/errors"
)

// LoadConfigured registers every enabled catalog plugin named in cfg and
// activates those marked activate. Plugins are processed in catalog order.
func (m *Manager) LoadConfigured(ctx context.Context, catalog *Catalog, cfg ManagerConfig) error {
	if catalog == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "catalog cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid plugin configuration")
	}
	var errs []error
	for name := range cfg.Plugins {
		if _, ok := catalog.Lookup(name); !ok {
			errs = append(errs, xerrors.New(xerrors.CodeNotFound, "plugin "+name+" is not in the catalog"))
		}
	}
	for _, name := range catalog.Names() {
		pc, ok := cfg.Plugins[name]
		if !ok || !pc.Enabled {
			continue
		}
		if err := m.ensure(ctx, catalog, name, pc, cfg.Defaults); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reconcile moves the registry towards cfg: newly enabled plugins are
// registered, activation flags are applied, and plugins that are no longer
// enabled are deactivated and unregistered. It is used for configuration hot
// reload.
func (m *Manager) Reconcile(ctx context.Context, catalog *Catalog, cfg ManagerConfig) error {
	if catalog == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "catalog cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid plugin configuration")
	}
	err := m.LoadConfigured(ctx, catalog, cfg)
	if err != nil {
		m.log.Warn("plugin reconcile incomplete", slog.Any("error", err))
	}
	return m.retire(ctx, catalog, cfg, err)
}

func (m *Manager) retire(ctx context.Context, catalog *Catalog, cfg ManagerConfig, prior error) error {
	errs := []error{prior}
	for _, desc := range m.List() {
		if _, known := catalog.Lookup(desc.Name); !known {
			continue
		}
		if pc, ok := cfg.Plugins[desc.Name]; ok && pc.Enabled {
			continue
		}
		if desc.State == StateActive {
			if err := m.Deactivate(ctx, desc.Name); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		if err := m.Unregister(desc.Name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) ensure(ctx context.Context, catalog *Catalog, name string, pc PluginConfig, defaults IsolationPolicy) error {
	state, err := m.State(name)
	if err != nil {
		entry, _ := catalog.Lookup(name)
		policy := MergePolicies(defaults, pc.Policy)
		if err := m.Register(name, entry.Version, entry.Factory, WithConfig(pc.Config), WithPolicy(policy)); err != nil {
			return err
		}
		state = StateInitialized
	}
	switch {
	case pc.Activate && state != StateActive:
		return m.Activate(ctx, name)
	case !pc.Activate && state == StateActive:
		return m.Deactivate(ctx, name)
	}
	return nil
}
