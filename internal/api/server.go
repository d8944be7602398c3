package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"

	"AppRuntime/internal/eventbus"
	"AppRuntime/internal/observability/metrics"
	"AppRuntime/internal/task"
	"AppRuntime/pkg/logger"
	"AppRuntime/pkg/plugin"
)

// TaskService is the task queue surface the API drives. *task.Queue
// satisfies it.
type TaskService interface {
	Enqueue(ctx context.Context, taskType string, payload any) (string, error)
	Status(id string) (*task.Task, error)
	Cancel(ctx context.Context, id string) (bool, error)
	List(opts ...task.ListOption) []*task.Task
	Handlers() []string
	Closed() bool
}

// PluginService is the lifecycle surface the API drives. *plugin.Manager
// satisfies it.
type PluginService interface {
	List() []plugin.Descriptor
	Activate(ctx context.Context, name string) error
	Deactivate(ctx context.Context, name string) error
	Unregister(name string) error
}

// EventPublisher publishes host events. *eventbus.Bus satisfies it.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, payload any) ([]eventbus.HandlerFailure, error)
}

// Server exposes the runtime over HTTP.
type Server struct {
	addr            string
	tasks           TaskService
	plugins         PluginService
	events          EventPublisher
	health          healthcheck.Handler
	shutdownTimeout time.Duration
	log             *slog.Logger
}

// Option customises a Server.
type Option func(*Server)

// WithShutdownTimeout bounds graceful shutdown in Start.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// WithReadinessCheck adds a named readiness probe, for example a recorder
// ping.
func WithReadinessCheck(name string, check healthcheck.Check) Option {
	return func(s *Server) {
		s.health.AddReadinessCheck(name, check)
	}
}

// NewServer wires the API. Any service may be nil; its endpoints then answer
// 503.
func NewServer(addr string, tasks TaskService, plugins PluginService, events EventPublisher, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		tasks:           tasks,
		plugins:         plugins,
		events:          events,
		health:          healthcheck.NewHandler(),
		shutdownTimeout: 5 * time.Second,
		log:             logger.Named("api"),
	}
	s.health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(10000))
	s.health.AddReadinessCheck("task-queue", func() error {
		if s.tasks == nil {
			return errors.New("task queue not configured")
		}
		if s.tasks.Closed() {
			return errors.New("task queue is draining")
		}
		return nil
	})
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler returns the routed and instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /api/v1/tasks", "tasks.enqueue", s.handleEnqueue)
	s.route(mux, "GET /api/v1/tasks", "tasks.list", s.handleListTasks)
	s.route(mux, "GET /api/v1/tasks/{id}", "tasks.get", s.handleTaskDetail)
	s.route(mux, "DELETE /api/v1/tasks/{id}", "tasks.cancel", s.handleCancelTask)
	s.route(mux, "GET /api/v1/task-types", "tasks.types", s.handleTaskTypes)
	s.route(mux, "GET /api/v1/plugins", "plugins.list", s.handleListPlugins)
	s.route(mux, "POST /api/v1/plugins/{name}/activate", "plugins.activate", s.handleActivatePlugin)
	s.route(mux, "POST /api/v1/plugins/{name}/deactivate", "plugins.deactivate", s.handleDeactivatePlugin)
	s.route(mux, "DELETE /api/v1/plugins/{name}", "plugins.unregister", s.handleUnregisterPlugin)
	s.route(mux, "POST /api/v1/events", "events.publish", s.handlePublish)
	mux.HandleFunc("GET /live", s.health.LiveEndpoint)
	mux.HandleFunc("GET /ready", s.health.ReadyEndpoint)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

func (s *Server) route(mux *http.ServeMux, pattern, name string, fn http.HandlerFunc) {
	mux.Handle(pattern, instrument(name, fn))
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("api listening", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
