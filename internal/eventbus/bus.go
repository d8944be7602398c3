package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	xerrors "AppRuntime/internal/errors"
	"AppRuntime/internal/observability/metrics"
	"AppRuntime/pkg/logger"
)

// DefaultMaxDepth bounds nested publishes when WithMaxDepth is not given.
const DefaultMaxDepth = 8

type subscriber struct {
	sub     Subscription
	match   matcher
	handler Handler
}

// Bus routes published events to subscribers whose pattern matches.
type Bus struct {
	mu       sync.Mutex
	subs     atomic.Pointer[[]*subscriber]
	maxDepth int
	log      *slog.Logger
	now      func() time.Time
}

// New constructs an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		maxDepth: DefaultMaxDepth,
		log:      logger.Named("eventbus"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	empty := make([]*subscriber, 0)
	b.subs.Store(&empty)
	return b
}

// Subscribe registers handler for pattern.
func (b *Bus) Subscribe(pattern string, handler Handler, opts ...SubscribeOption) (Subscription, error) {
	if handler == nil {
		return Subscription{}, xerrors.New(xerrors.CodeInvalidArgument, "handler cannot be nil")
	}
	m, err := compilePattern(pattern)
	if err != nil {
		return Subscription{}, err
	}
	sub := Subscription{ID: uuid.NewString(), Pattern: pattern}
	for _, opt := range opts {
		if opt != nil {
			opt(&sub)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	current := *b.subs.Load()
	next := make([]*subscriber, len(current), len(current)+1)
	copy(next, current)
	next = append(next, &subscriber{sub: sub, match: m, handler: handler})
	b.subs.Store(&next)
	return sub, nil
}

// Unsubscribe removes sub. Removing an unknown or already removed
// subscription is a no-op.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.remove(func(s *subscriber) bool { return s.sub.ID == sub.ID })
}

// UnsubscribeOwner removes every subscription tagged with owner and returns
// how many were removed.
func (b *Bus) UnsubscribeOwner(owner string) int {
	if owner == "" {
		return 0
	}
	return b.remove(func(s *subscriber) bool { return s.sub.Owner == owner })
}

func (b *Bus) remove(drop func(*subscriber) bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	current := *b.subs.Load()
	next := make([]*subscriber, 0, len(current))
	for _, s := range current {
		if !drop(s) {
			next = append(next, s)
		}
	}
	removed := len(current) - len(next)
	if removed > 0 {
		b.subs.Store(&next)
	}
	return removed
}

// Subscriptions lists the handles owned by owner; an empty owner lists all.
func (b *Bus) Subscriptions(owner string) []Subscription {
	current := *b.subs.Load()
	out := make([]Subscription, 0, len(current))
	for _, s := range current {
		if owner == "" || s.sub.Owner == owner {
			out = append(out, s.sub)
		}
	}
	return out
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	return len(*b.subs.Load())
}

// Publish delivers an event to every matching subscriber before returning.
// The error is reserved for an invalid topic or a nesting depth overflow;
// handler failures are returned separately and never stop delivery.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) ([]HandlerFailure, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ValidateTopic(topic); err != nil {
		return nil, err
	}
	depth := Depth(ctx) + 1
	if depth > b.maxDepth {
		b.log.Warn("nested publish rejected",
			slog.String("topic", topic),
			slog.Int("depth", depth),
			slog.Int("max_depth", b.maxDepth))
		return nil, xerrors.New(xerrors.CodePublishDepthExceeded,
			fmt.Sprintf("publish depth %d exceeds limit %d", depth, b.maxDepth),
			xerrors.WithMetadata("topic", topic))
	}

	evt := Event{Topic: topic, Payload: payload, PublishedAt: b.now()}
	snapshot := *b.subs.Load()
	handlerCtx := withDepth(ctx, depth)

	var failures []HandlerFailure
	delivered := 0
	for _, s := range snapshot {
		if !s.match.match(topic) {
			continue
		}
		delivered++
		if err := b.invoke(handlerCtx, s, evt); err != nil {
			failures = append(failures, HandlerFailure{Subscription: s.sub, Err: err})
			b.log.Error("event handler failed",
				slog.String("topic", topic),
				slog.String("pattern", s.sub.Pattern),
				slog.String("owner", s.sub.Owner),
				slog.String("subscription", s.sub.ID),
				slog.Any("error", err))
		}
	}
	metrics.ObservePublish(delivered, len(failures))
	return failures, nil
}

func (b *Bus) invoke(ctx context.Context, s *subscriber, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.New(xerrors.CodeHandlerFailed, fmt.Sprintf("handler panicked: %v", r),
				xerrors.WithMetadata("stack", string(debug.Stack())))
		}
	}()
	return s.handler(ctx, evt)
}
