package plugin

import "log/slog"

// Option modifies the behaviour of a plugin manager instance.
type Option func(*Manager)

// WithLogger overrides the manager's operational logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithIsolationStrategy sets a custom isolation policy enforcement strategy.
func WithIsolationStrategy(strategy IsolationStrategy) Option {
	return func(m *Manager) {
		if strategy != nil {
			m.isolation = strategy
		}
	}
}

// WithDefaultPolicy sets the policy applied to plugins registered without one.
func WithDefaultPolicy(policy IsolationPolicy) Option {
	return func(m *Manager) {
		m.defaults = policy
	}
}

// WithResource registers a shared resource that will be exposed to all plugins.
func WithResource(key string, value any) Option {
	return func(m *Manager) {
		if key == "" || value == nil {
			return
		}
		if m.resources == nil {
			m.resources = make(map[string]any)
		}
		m.resources[key] = value
	}
}

type registration struct {
	config map[string]any
	policy *IsolationPolicy
}

// RegisterOption customises a single registration.
type RegisterOption func(*registration)

// WithConfig hands cfg to the plugin through Host.Config.
func WithConfig(cfg map[string]any) RegisterOption {
	return func(r *registration) {
		r.config = cfg
	}
}

// WithPolicy restricts the plugin beyond the manager defaults.
func WithPolicy(policy IsolationPolicy) RegisterOption {
	return func(r *registration) {
		r.policy = &policy
	}
}
