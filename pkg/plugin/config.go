package plugin

import (
	"errors"
	"fmt"
	"strings"
)

// ManagerConfig describes which catalog plugins run and how they are
// restricted.
type ManagerConfig struct {
	Defaults IsolationPolicy         `yaml:"defaults"`
	Plugins  map[string]PluginConfig `yaml:"plugins"`
}

// PluginConfig is the configuration block for a single plugin.
type PluginConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Activate bool             `yaml:"activate"`
	Config   map[string]any   `yaml:"config"`
	Policy   *IsolationPolicy `yaml:"policy"`
}

// IsolationPolicy governs which capabilities a plugin may use.
type IsolationPolicy struct {
	AllowedCapabilities []Capability `yaml:"allowed_capabilities"`
	DeniedCapabilities  []Capability `yaml:"denied_capabilities"`
}

// Merge returns a new policy using values from other when not present.
func (p IsolationPolicy) Merge(other IsolationPolicy) IsolationPolicy {
	if len(p.AllowedCapabilities) == 0 {
		p.AllowedCapabilities = other.AllowedCapabilities
	}
	if len(p.DeniedCapabilities) == 0 {
		p.DeniedCapabilities = other.DeniedCapabilities
	}
	return p
}

// Validate ensures the manager configuration is internally consistent.
func (c ManagerConfig) Validate() error {
	for name, plugin := range c.Plugins {
		if strings.TrimSpace(name) == "" {
			return errors.New("plugin name cannot be empty")
		}
		if plugin.Activate && !plugin.Enabled {
			return fmt.Errorf("plugin %s cannot be activated while disabled", name)
		}
	}
	return nil
}

func cloneConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return map[string]any{}
	}
	cp := make(map[string]any, len(cfg))
	for k, v := range cfg {
		cp[k] = v
	}
	return cp
}
