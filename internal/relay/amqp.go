package relay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "AppRuntime/internal/errors"
)

// AMQPConfig describes the RabbitMQ topic exchange events are published to.
type AMQPConfig struct {
	URL         string        `yaml:"url"`
	Exchange    string        `yaml:"exchange"`
	Durable     bool          `yaml:"durable"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink publishes envelopes to a topic exchange with the event topic as
// routing key, so consumers can bind with patterns such as task.#.
type AMQPSink struct {
	conn     *amqp.Connection
	ch       amqpPublisher
	exchange string
}

// NewAMQPSink dials RabbitMQ, retrying with backoff until DialTimeout, and
// declares the exchange.
func NewAMQPSink(cfg AMQPConfig) (*AMQPSink, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL cannot be empty")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "appruntime.events"
	}
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = cfg.DialTimeout
	if policy.MaxElapsedTime <= 0 {
		policy.MaxElapsedTime = 30 * time.Second
	}
	conn, err := backoff.RetryWithData(func() (*amqp.Connection, error) {
		return amqp.Dial(cfg.URL)
	}, policy)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeRelayFailure, err, "connect RabbitMQ")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeRelayFailure, err, "open RabbitMQ channel")
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, cfg.Durable, !cfg.Durable, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeRelayFailure, err, "declare RabbitMQ exchange")
	}
	return &AMQPSink{conn: conn, ch: ch, exchange: exchange}, nil
}

// Name implements Sink.
func (s *AMQPSink) Name() string { return "amqp:" + s.exchange }

// Send implements Sink.
func (s *AMQPSink) Send(ctx context.Context, topic string, body []byte) error {
	if s == nil || s.ch == nil {
		return xerrors.New(xerrors.CodeUnavailable, "RabbitMQ sink not initialised")
	}
	err := s.ch.PublishWithContext(ctx, s.exchange, topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Type:         topic,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", topic, s.exchange, err)
	}
	return nil
}

// Close implements Sink.
func (s *AMQPSink) Close() error {
	if s == nil {
		return nil
	}
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
