package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"AppRuntime/pkg/plugin"
)

const sample = `
server:
  address: ":9090"
log:
  level: debug
  format: text
events:
  max_publish_depth: 4
tasks:
  workers: 2
  capacity: 16
  max_retries: 0
  timeout: 30s
  recorder:
    driver: Redis
    redis:
      addr: 127.0.0.1:6379
      ttl: 24h
relay:
  enabled: true
  redis:
    addr: 127.0.0.1:6379
plugins:
  plugins:
    metrics:
      enabled: true
      activate: true
      config:
        window: 1m
      policy:
        denied_capabilities: ["tasks.enqueue"]
`

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "runtime.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadParsesAndDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, t.TempDir(), sample))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9090" || cfg.Server.ShutdownTimeout != 15*time.Second {
		t.Fatalf("unexpected server config %+v", cfg.Server)
	}
	if cfg.Tasks.Retries() != 0 {
		t.Fatalf("explicit zero retries must be kept, got %d", cfg.Tasks.Retries())
	}
	if cfg.Tasks.Timeout != 30*time.Second || cfg.Tasks.Retention != time.Hour {
		t.Fatalf("unexpected durations %+v", cfg.Tasks)
	}
	if cfg.Tasks.Recorder.Driver != RecorderRedis || cfg.Tasks.Recorder.Redis.TTL != 24*time.Hour {
		t.Fatalf("unexpected recorder %+v", cfg.Tasks.Recorder)
	}
	if cfg.Relay.Pattern != "task.*" || cfg.Relay.Redis == nil {
		t.Fatalf("unexpected relay %+v", cfg.Relay)
	}
	metrics := cfg.Plugins.Plugins["metrics"]
	if !metrics.Activate || metrics.Config["window"] != "1m" {
		t.Fatalf("unexpected plugin config %+v", metrics)
	}
	if metrics.Policy == nil || metrics.Policy.Allows(plugin.CapabilityTasksEnqueue) {
		t.Fatalf("expected tasks.enqueue to be denied")
	}
}

func TestParseEmptyUsesDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Tasks.Workers != 4 || cfg.Tasks.Capacity != 1024 || cfg.Tasks.Retries() != 3 {
		t.Fatalf("unexpected defaults %+v", cfg.Tasks)
	}
	if cfg.Events.MaxPublishDepth != 8 || cfg.Tasks.Recorder.Driver != RecorderNone {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"negative":       "tasks:\n  workers: -1\n",
		"driver":         "tasks:\n  recorder:\n    driver: sqlite\n",
		"mysql dsn":      "tasks:\n  recorder:\n    driver: mysql\n",
		"relay sinks":    "relay:\n  enabled: true\n",
		"plugin":         "plugins:\n  plugins:\n    x:\n      activate: true\n",
		"unknown fields": "taskz:\n  workers: 1\n",
	}
	for name, content := range cases {
		if _, err := Parse([]byte(content)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv(EnvPath, "")
	if PathFromEnv() != DefaultPath {
		t.Fatalf("expected default path")
	}
	t.Setenv(EnvPath, "/etc/appruntime/runtime.yaml")
	if PathFromEnv() != "/etc/appruntime/runtime.yaml" {
		t.Fatalf("expected env override")
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "tasks:\n  workers: 2\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := make(chan *Config, 4)
	if err := Watch(ctx, path, func(cfg *Config) { updates <- cfg }); err != nil {
		t.Fatalf("watch: %v", err)
	}

	writeConfig(t, dir, "tasks:\n  workers: [\n")
	writeConfig(t, dir, "tasks:\n  workers: 7\n")

	select {
	case cfg := <-updates:
		if cfg.Tasks.Workers != 7 {
			t.Fatalf("expected reloaded workers 7, got %d", cfg.Tasks.Workers)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no reload observed")
	}

	writeConfig(t, dir, "tasks:\n  workers: 7\n")
	select {
	case cfg := <-updates:
		t.Fatalf("unchanged content must not trigger a reload: %+v", cfg.Tasks)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestShippedConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", DefaultPath))
	if err != nil {
		t.Fatalf("load shipped config: %v", err)
	}
	if cfg.Tasks.Recorder.Driver != RecorderNone || cfg.Relay.Enabled {
		t.Fatalf("shipped config should run without external services: %+v", cfg.Tasks.Recorder)
	}
	if _, ok := cfg.Plugins.Plugins["metrics"]; !ok {
		t.Fatalf("expected metrics plugin entry")
	}
}
