package redis

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	xerrors "AppRuntime/internal/errors"
	"AppRuntime/internal/task"
)

// Config holds the Redis connection and key layout settings.
type Config struct {
	Addr     string        `yaml:"addr"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

const defaultPrefix = "appruntime"

// TaskRecorder stores each snapshot under <prefix>:task:<id>.
type TaskRecorder struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
	owned  bool
}

// NewTaskRecorder creates a client from cfg. Connectivity is verified with a
// PING so misconfiguration surfaces at startup.
func NewTaskRecorder(ctx context.Context, cfg Config) (*TaskRecorder, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "redis address cannot be empty")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "ping redis")
	}
	r := NewTaskRecorderWithClient(client, cfg)
	r.owned = true
	return r, nil
}

// NewTaskRecorderWithClient reuses an existing client. The caller keeps
// ownership of it.
func NewTaskRecorderWithClient(client goredis.UniversalClient, cfg Config) *TaskRecorder {
	prefix := strings.TrimSuffix(cfg.Prefix, ":")
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &TaskRecorder{client: client, prefix: prefix, ttl: cfg.TTL}
}

func (r *TaskRecorder) key(id string) string {
	return r.prefix + ":task:" + id
}

// Record implements task.Recorder.
func (r *TaskRecorder) Record(ctx context.Context, t task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode task", xerrors.WithRetryable(false))
	}
	ttl := r.ttl
	if !t.Status.Terminal() {
		// Live tasks never expire underneath the queue.
		ttl = 0
	}
	if err := r.client.Set(ctx, r.key(t.ID), data, ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "store task snapshot",
			xerrors.WithMetadata("task_id", t.ID))
	}
	return nil
}

// Get reads a snapshot back.
func (r *TaskRecorder) Get(ctx context.Context, id string) (*task.Task, error) {
	raw, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, xerrors.Wrap(xerrors.CodeNotFound, err, "task snapshot not found", xerrors.WithMetadata("task_id", id))
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "load task snapshot")
	}
	var t task.Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode task snapshot")
	}
	return &t, nil
}

// Close closes the client when the recorder created it.
func (r *TaskRecorder) Close() error {
	if r == nil || !r.owned {
		return nil
	}
	return r.client.Close()
}
