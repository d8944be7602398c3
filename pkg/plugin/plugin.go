// Package plugin registers named plugins and drives them through their
// lifecycle: Initialized, Active, Deactivated and finally removed.
//
// Plugins never reach the runtime through globals. Each one receives a Host
// at initialisation; the host scopes event subscriptions and task submission
// to the plugin, enforces its isolation policy and is revoked on deactivation.
package plugin

import (
	"context"
	"time"

	xerrors "AppRuntime/internal/errors"
)

// Plugin is the capability interface every plugin implements.
type Plugin interface {
	// Init prepares the plugin. Subscriptions are not available yet.
	Init(h *Host) error
	// Activate starts the plugin; this is where it subscribes to topics.
	Activate(ctx context.Context, h *Host) error
	// Deactivate releases resources. Its error is logged but never blocks the
	// transition.
	Deactivate(ctx context.Context, h *Host) error
}

// Describer is implemented by plugins that expose static metadata.
type Describer interface {
	Info() Info
}

// Factory produces a fresh plugin instance.
type Factory func() Plugin

// Capability names a runtime facility a plugin may be granted.
type Capability string

const (
	CapabilityEventsSubscribe Capability = "events.subscribe"
	CapabilityEventsPublish   Capability = "events.publish"
	CapabilityTasksEnqueue    Capability = "tasks.enqueue"
	CapabilityTasksHandle     Capability = "tasks.handle"
)

// Info contains descriptive metadata for a plugin implementation.
type Info struct {
	Description  string
	Author       string
	Capabilities []Capability
}

// State represents the lifecycle position of a plugin.
type State string

const (
	StateUnregistered State = "unregistered"
	StateInitialized  State = "initialized"
	StateActive       State = "active"
	StateDeactivated  State = "deactivated"
)

// Descriptor is a point-in-time view of a registered plugin.
type Descriptor struct {
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	State        State        `json:"state"`
	Description  string       `json:"description,omitempty"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	RegisteredAt time.Time    `json:"registered_at"`
}

// Lifecycle topics published on the bus.
const (
	TopicRegistered   = "plugin.registered"
	TopicActivated    = "plugin.activated"
	TopicDeactivated  = "plugin.deactivated"
	TopicUnregistered = "plugin.unregistered"
)

// Event is the payload of every plugin.* topic.
type Event struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	State   State  `json:"state"`
}

var (
	ErrDuplicateName        = xerrors.New(xerrors.CodeDuplicateName, "")
	ErrNotFound             = xerrors.New(xerrors.CodeNotFound, "plugin not found")
	ErrInvalidTransition    = xerrors.New(xerrors.CodeInvalidTransition, "")
	ErrInitializationFailed = xerrors.New(xerrors.CodeInitializationFailed, "")
	ErrActivationFailed     = xerrors.New(xerrors.CodeActivationFailed, "")
	ErrCapabilityDenied     = xerrors.New(xerrors.CodeCapabilityDenied, "")
)
