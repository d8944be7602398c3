package relay

import (
	"context"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	xerrors "AppRuntime/internal/errors"
)

// RedisConfig describes the Redis server events are published to. Each event
// goes to channel <prefix><topic>.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// RedisSink publishes envelopes with PUBLISH.
type RedisSink struct {
	client goredis.UniversalClient
	prefix string
	owned  bool
}

// NewRedisSink connects to Redis.
func NewRedisSink(ctx context.Context, cfg RedisConfig) (*RedisSink, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "redis address cannot be empty")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeRelayFailure, err, "connect redis")
	}
	sink := NewRedisSinkWithClient(client, cfg.Prefix)
	sink.owned = true
	return sink, nil
}

// NewRedisSinkWithClient reuses client; the caller keeps ownership.
func NewRedisSinkWithClient(client goredis.UniversalClient, prefix string) *RedisSink {
	if prefix == "" {
		prefix = "appruntime:events:"
	}
	return &RedisSink{client: client, prefix: prefix}
}

// Name implements Sink.
func (s *RedisSink) Name() string { return "redis:" + s.prefix }

// Send implements Sink.
func (s *RedisSink) Send(ctx context.Context, topic string, body []byte) error {
	if err := s.client.Publish(ctx, s.prefix+topic, body).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Close implements Sink.
func (s *RedisSink) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
