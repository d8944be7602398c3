package eventbus

import (
	"context"
	"log/slog"
	"time"
)

// Event is an immutable notification delivered to matching subscribers.
type Event struct {
	Topic       string    `json:"topic"`
	Payload     any       `json:"payload,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

// Handler consumes one event. A returned error is recorded as a delivery
// failure for that handler only.
type Handler func(ctx context.Context, evt Event) error

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	ID      string
	Pattern string
	Owner   string
}

// HandlerFailure describes a handler that returned an error or panicked.
type HandlerFailure struct {
	Subscription Subscription
	Err          error
}

// Option configures a Bus.
type Option func(*Bus)

// WithMaxDepth bounds nested publishes issued from inside handlers.
func WithMaxDepth(depth int) Option {
	return func(b *Bus) {
		if depth > 0 {
			b.maxDepth = depth
		}
	}
}

// WithLogger overrides the logger used for delivery failures.
func WithLogger(log *slog.Logger) Option {
	return func(b *Bus) {
		if log != nil {
			b.log = log
		}
	}
}

// SubscribeOption customises a single subscription.
type SubscribeOption func(*Subscription)

// WithOwner tags the subscription so it can be revoked in bulk.
func WithOwner(owner string) SubscribeOption {
	return func(s *Subscription) {
		s.Owner = owner
	}
}

type depthKey struct{}

// Depth reports how many publishes enclose the caller. It is zero outside of
// a handler.
func Depth(ctx context.Context) int {
	if ctx == nil {
		return 0
	}
	depth, _ := ctx.Value(depthKey{}).(int)
	return depth
}

func withDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, depthKey{}, depth)
}
