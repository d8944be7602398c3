package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"AppRuntime/internal/relay"
	"AppRuntime/internal/storage/mysql"
	"AppRuntime/internal/storage/redis"
	"AppRuntime/pkg/logger"
	"AppRuntime/pkg/plugin"
)

// EnvPath names the environment variable that overrides DefaultPath.
const (
	EnvPath     = "RUNTIME_CONFIG"
	DefaultPath = "configs/runtime.yaml"
)

// Recorder drivers.
const (
	RecorderNone  = "none"
	RecorderMySQL = "mysql"
	RecorderRedis = "redis"
)

// Config is the root of runtime.yaml.
type Config struct {
	Server  ServerConfig         `yaml:"server"`
	Log     logger.Config        `yaml:"log"`
	Events  EventsConfig         `yaml:"events"`
	Tasks   TasksConfig          `yaml:"tasks"`
	Relay   RelayConfig          `yaml:"relay"`
	Plugins plugin.ManagerConfig `yaml:"plugins"`
}

// ServerConfig controls the HTTP adapter.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// EventsConfig tunes the event bus.
type EventsConfig struct {
	MaxPublishDepth int `yaml:"max_publish_depth"`
}

// TasksConfig tunes the task queue and its write-through recorder.
type TasksConfig struct {
	Workers       int            `yaml:"workers"`
	Capacity      int            `yaml:"capacity"`
	MaxRetries    *int           `yaml:"max_retries"`
	Timeout       time.Duration  `yaml:"timeout"`
	Retention     time.Duration  `yaml:"retention"`
	ShutdownGrace time.Duration  `yaml:"shutdown_grace"`
	SweepInterval time.Duration  `yaml:"sweep_interval"`
	Recorder      RecorderConfig `yaml:"recorder"`
}

// Retries returns the configured retry budget.
func (c TasksConfig) Retries() int {
	if c.MaxRetries == nil {
		return 3
	}
	return *c.MaxRetries
}

// RecorderConfig selects where task snapshots are written through to.
type RecorderConfig struct {
	Driver   string       `yaml:"driver"`
	Attempts int          `yaml:"attempts"`
	MySQL    mysql.Config `yaml:"mysql"`
	Redis    redis.Config `yaml:"redis"`
}

// RelayConfig forwards bus events to external brokers.
type RelayConfig struct {
	Enabled bool               `yaml:"enabled"`
	Pattern string             `yaml:"pattern"`
	AMQP    *relay.AMQPConfig  `yaml:"amqp"`
	Redis   *relay.RedisConfig `yaml:"redis"`
}

// PathFromEnv returns the configuration path to load.
func PathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv(EnvPath)); path != "" {
		return path
	}
	return DefaultPath
}

// Load parses the YAML file at path, applies defaults and validates the
// result.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(content)
}

// Parse decodes raw YAML. Unknown keys are rejected.
func Parse(content []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Events.MaxPublishDepth == 0 {
		c.Events.MaxPublishDepth = 8
	}
	if c.Tasks.Workers == 0 {
		c.Tasks.Workers = 4
	}
	if c.Tasks.Capacity == 0 {
		c.Tasks.Capacity = 1024
	}
	if c.Tasks.MaxRetries == nil {
		retries := 3
		c.Tasks.MaxRetries = &retries
	}
	if c.Tasks.Retention == 0 {
		c.Tasks.Retention = time.Hour
	}
	if c.Tasks.ShutdownGrace == 0 {
		c.Tasks.ShutdownGrace = 10 * time.Second
	}
	if c.Tasks.SweepInterval == 0 {
		c.Tasks.SweepInterval = time.Minute
	}
	c.Tasks.Recorder.Driver = strings.ToLower(strings.TrimSpace(c.Tasks.Recorder.Driver))
	if c.Tasks.Recorder.Driver == "" {
		c.Tasks.Recorder.Driver = RecorderNone
	}
	if c.Relay.Pattern == "" {
		c.Relay.Pattern = "task.*"
	}
}

// Validate rejects negative values, unknown drivers and inconsistent plugin
// entries.
func (c *Config) Validate() error {
	var errs []error
	negative := func(name string, v int64) {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s cannot be negative", name))
		}
	}
	negative("events.max_publish_depth", int64(c.Events.MaxPublishDepth))
	negative("tasks.workers", int64(c.Tasks.Workers))
	negative("tasks.capacity", int64(c.Tasks.Capacity))
	negative("tasks.max_retries", int64(c.Tasks.Retries()))
	negative("tasks.timeout", int64(c.Tasks.Timeout))
	negative("tasks.retention", int64(c.Tasks.Retention))
	negative("tasks.shutdown_grace", int64(c.Tasks.ShutdownGrace))
	negative("tasks.sweep_interval", int64(c.Tasks.SweepInterval))
	negative("tasks.recorder.attempts", int64(c.Tasks.Recorder.Attempts))

	switch c.Tasks.Recorder.Driver {
	case RecorderNone:
	case RecorderMySQL:
		if strings.TrimSpace(c.Tasks.Recorder.MySQL.DSN) == "" {
			errs = append(errs, errors.New("tasks.recorder.mysql.dsn is required"))
		}
	case RecorderRedis:
		if strings.TrimSpace(c.Tasks.Recorder.Redis.Addr) == "" {
			errs = append(errs, errors.New("tasks.recorder.redis.addr is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown task recorder driver %q", c.Tasks.Recorder.Driver))
	}

	if c.Relay.Enabled && c.Relay.AMQP == nil && c.Relay.Redis == nil {
		errs = append(errs, errors.New("relay is enabled but has no amqp or redis sink"))
	}
	if err := c.Plugins.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
