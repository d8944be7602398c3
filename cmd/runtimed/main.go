package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heptiolabs/healthcheck"

	"AppRuntime/examples/plugins/requestmetrics"
	"AppRuntime/examples/plugins/tasklog"
	"AppRuntime/internal/api"
	"AppRuntime/internal/config"
	"AppRuntime/internal/eventbus"
	"AppRuntime/internal/observability/alerting"
	"AppRuntime/internal/relay"
	"AppRuntime/internal/storage/mysql"
	"AppRuntime/internal/storage/redis"
	"AppRuntime/internal/task"
	"AppRuntime/pkg/logger"
	"AppRuntime/pkg/plugin"
)

// main is the entry point of the runtime daemon.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("runtimed failed: %v", err)
	}
}

func run(ctx context.Context) error {
	path := config.PathFromEnv()
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return err
	}
	defer logger.Sync()
	lg := logger.Named("runtimed")

	bus := eventbus.New(
		eventbus.WithMaxDepth(cfg.Events.MaxPublishDepth),
		eventbus.WithLogger(logger.Named("eventbus")),
	)

	recorder, closeRecorder, readiness, err := buildRecorder(ctx, cfg.Tasks.Recorder)
	if err != nil {
		return err
	}
	defer closeRecorder()

	queueOpts := []task.Option{
		task.WithWorkerCount(cfg.Tasks.Workers),
		task.WithCapacity(cfg.Tasks.Capacity),
		task.WithMaxRetries(cfg.Tasks.Retries()),
		task.WithTaskTimeout(cfg.Tasks.Timeout),
		task.WithRetention(cfg.Tasks.Retention),
		task.WithSweepInterval(cfg.Tasks.SweepInterval),
		task.WithShutdownGrace(cfg.Tasks.ShutdownGrace),
		task.WithPublisher(bus),
		task.WithAlertDispatcher(alerting.NewFanout(&alerting.LogNotifier{})),
	}
	if recorder != nil {
		queueOpts = append(queueOpts, task.WithRecorder(task.NewRetryingRecorder(recorder, cfg.Tasks.Recorder.Attempts)))
	}
	queue, err := task.NewQueue(queueOpts...)
	if err != nil {
		return err
	}

	manager := plugin.NewManager(bus, queue, plugin.WithDefaultPolicy(cfg.Plugins.Defaults))
	catalog := plugin.NewCatalog()
	for _, register := range []func(*plugin.Catalog) error{requestmetrics.Register, tasklog.Register} {
		if err := register(catalog); err != nil {
			return err
		}
	}
	if err := manager.LoadConfigured(ctx, catalog, cfg.Plugins); err != nil {
		lg.Warn("some plugins failed to load", slog.Any("error", err))
	}

	var rl *relay.Relay
	if cfg.Relay.Enabled {
		rl, err = buildRelay(ctx, bus, cfg.Relay)
		if err != nil {
			return err
		}
		if err := rl.Start(); err != nil {
			return err
		}
	}

	if err := config.Watch(ctx, path, func(next *config.Config) {
		if err := manager.Reconcile(ctx, catalog, next.Plugins); err != nil {
			lg.Warn("plugin reconcile failed", slog.Any("error", err))
		}
	}); err != nil {
		lg.Warn("configuration hot reload disabled", slog.Any("error", err))
	}

	serverOpts := []api.Option{api.WithShutdownTimeout(cfg.Server.ShutdownTimeout)}
	if readiness != nil {
		serverOpts = append(serverOpts, api.WithReadinessCheck("task-recorder", readiness))
	}
	server := api.NewServer(cfg.Server.Address, queue, manager, bus, serverOpts...)

	lg.Info("runtime started",
		slog.String("address", cfg.Server.Address),
		slog.Int("plugins", len(manager.List())),
		slog.Int("workers", cfg.Tasks.Workers))

	serveErr := server.Start(ctx)
	if errors.Is(serveErr, context.Canceled) {
		serveErr = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Tasks.ShutdownGrace+cfg.Server.ShutdownTimeout)
	defer cancel()
	return errors.Join(serveErr, shutdown(shutdownCtx, manager, queue, rl))
}

func shutdown(ctx context.Context, manager *plugin.Manager, queue *task.Queue, rl *relay.Relay) error {
	lg := logger.Named("runtimed")
	lg.Info("shutting down")
	var errs []error
	if err := manager.DeactivateAll(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := queue.DrainAndStop(ctx); err != nil {
		errs = append(errs, err)
	}
	if rl != nil {
		if err := rl.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		lg.Error("shutdown finished with errors", slog.Any("error", err))
	}
	return err
}

type closableRecorder interface {
	task.Recorder
	Close() error
}

func buildRecorder(ctx context.Context, cfg config.RecorderConfig) (task.Recorder, func(), healthcheck.Check, error) {
	var (
		rec   closableRecorder
		check healthcheck.Check
		err   error
	)
	switch cfg.Driver {
	case config.RecorderMySQL:
		rec, err = mysql.NewTaskRecorder(ctx, cfg.MySQL)
	case config.RecorderRedis:
		rec, err = redis.NewTaskRecorder(ctx, cfg.Redis)
		check = healthcheck.TCPDialCheck(cfg.Redis.Addr, time.Second)
	default:
		return nil, func() {}, nil, nil
	}
	if err != nil {
		return nil, nil, nil, err
	}
	closer := func() {
		if err := rec.Close(); err != nil {
			logger.Named("runtimed").Warn("close task recorder", slog.Any("error", err))
		}
	}
	return rec, closer, check, nil
}

func buildRelay(ctx context.Context, bus *eventbus.Bus, cfg config.RelayConfig) (*relay.Relay, error) {
	var sinks []relay.Sink
	if cfg.AMQP != nil {
		sink, err := relay.NewAMQPSink(*cfg.AMQP)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	if cfg.Redis != nil {
		sink, err := relay.NewRedisSink(ctx, *cfg.Redis)
		if err != nil {
			for _, s := range sinks {
				_ = s.Close()
			}
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	return relay.New(bus, cfg.Pattern, sinks...), nil
}
