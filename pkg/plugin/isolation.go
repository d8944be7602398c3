package plugin

import (
	"fmt"
	"slices"
)

// IsolationStrategy enforces security restrictions for plugins at runtime.
type IsolationStrategy interface {
	Validate(name string, info Info, policy IsolationPolicy) error
	Prepare(name string) error
	Cleanup(name string) error
}

// NoopIsolationStrategy performs only capability validation.
type NoopIsolationStrategy struct{}

// Validate ensures the capabilities a plugin declares are allowed.
func (NoopIsolationStrategy) Validate(_ string, info Info, policy IsolationPolicy) error {
	for _, c := range info.Capabilities {
		if !policy.Allows(c) {
			return fmt.Errorf("capability %s not permitted", c)
		}
	}
	return nil
}

// Prepare implements IsolationStrategy.
func (NoopIsolationStrategy) Prepare(string) error { return nil }

// Cleanup implements IsolationStrategy.
func (NoopIsolationStrategy) Cleanup(string) error { return nil }

// Allows reports whether the policy grants c. Denials win over grants and an
// empty allow list grants everything not denied.
func (p IsolationPolicy) Allows(c Capability) bool {
	if slices.Contains(p.DeniedCapabilities, c) {
		return false
	}
	if len(p.AllowedCapabilities) == 0 {
		return true
	}
	return slices.Contains(p.AllowedCapabilities, c)
}

// MergePolicies combines the default and plugin specific isolation policies.
func MergePolicies(defaults IsolationPolicy, plugin *IsolationPolicy) IsolationPolicy {
	if plugin == nil {
		return defaults
	}
	return plugin.Merge(defaults)
}
