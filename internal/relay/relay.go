// Package relay forwards bus events to external brokers so other processes
// can observe the runtime without linking against it.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	xerrors "AppRuntime/internal/errors"
	"AppRuntime/internal/eventbus"
	"AppRuntime/pkg/logger"
)

// Owner tags the relay's bus subscription.
const Owner = "relay"

// Sink delivers an encoded event envelope to one external system.
type Sink interface {
	Name() string
	Send(ctx context.Context, topic string, body []byte) error
	Close() error
}

// Bus is the part of the event bus the relay needs.
type Bus interface {
	Subscribe(pattern string, handler eventbus.Handler, opts ...eventbus.SubscribeOption) (eventbus.Subscription, error)
	Unsubscribe(sub eventbus.Subscription)
}

// Relay subscribes to a topic pattern and forwards every matching event to
// its sinks.
type Relay struct {
	bus     Bus
	pattern string
	sinks   []Sink
	log     *slog.Logger

	mu  sync.Mutex
	sub *eventbus.Subscription
}

// New builds a relay. An empty pattern forwards every topic.
func New(bus Bus, pattern string, sinks ...Sink) *Relay {
	if pattern == "" {
		pattern = "*"
	}
	return &Relay{
		bus:     bus,
		pattern: pattern,
		sinks:   sinks,
		log:     logger.Named("relay"),
	}
}

// Start subscribes the relay. Calling it twice is a no-op.
func (r *Relay) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		return nil
	}
	sub, err := r.bus.Subscribe(r.pattern, r.forward, eventbus.WithOwner(Owner))
	if err != nil {
		return err
	}
	r.sub = &sub
	r.log.Info("event relay started", slog.String("pattern", r.pattern), slog.Int("sinks", len(r.sinks)))
	return nil
}

// Stop unsubscribes the relay and closes its sinks.
func (r *Relay) Stop() error {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()
	if sub != nil {
		r.bus.Unsubscribe(*sub)
	}
	var errs []error
	for _, sink := range r.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Relay) forward(ctx context.Context, evt eventbus.Event) error {
	body, err := encodeEnvelope(evt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeRelayFailure, err, "encode event", xerrors.WithRetryable(false))
	}
	var errs []error
	for _, sink := range r.sinks {
		if err := sink.Send(ctx, evt.Topic, body); err != nil {
			r.log.Warn("relay sink failed",
				slog.String("sink", sink.Name()),
				slog.String("topic", evt.Topic),
				slog.Any("error", err))
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return xerrors.Wrap(xerrors.CodeRelayFailure, errors.Join(errs...), "relay "+evt.Topic)
	}
	return nil
}
