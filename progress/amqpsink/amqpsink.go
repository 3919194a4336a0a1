// Package amqpsink publishes progress events to RabbitMQ.
package amqpsink

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hupe1980/agentloop/progress"
)

// Publisher is the subset of *amqp.Channel used by the sink.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Config describes the broker connection and routing.
type Config struct {
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
	Durable    bool   `yaml:"durable"`
}

// Sink publishes each payload as one persistent JSON message.
type Sink struct {
	pub        Publisher
	exchange   string
	routingKey string
	conn       *amqp.Connection
	ch         *amqp.Channel
}

var _ progress.Sink = (*Sink)(nil)

// New wraps an existing channel.
func New(pub Publisher, exchange, routingKey string) *Sink {
	return &Sink{pub: pub, exchange: exchange, routingKey: routingKey}
}

// Dial connects to RabbitMQ and declares the routing target. Without an
// exchange the routing key names a queue on the default exchange.
func Dial(cfg Config) (*Sink, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqpsink: URL must not be empty")
	}

	key := cfg.RoutingKey
	if key == "" {
		key = "agentloop.progress"
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("amqpsink: connect: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqpsink: open channel: %w", err)
	}

	if cfg.Exchange != "" {
		err = ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, cfg.Durable, false, false, false, nil)
	} else {
		_, err = ch.QueueDeclare(key, cfg.Durable, false, false, false, nil)
	}

	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("amqpsink: declare: %w", err)
	}

	s := New(ch, cfg.Exchange, key)
	s.conn, s.ch = conn, ch

	return s, nil
}

// Publish sends payload to the configured exchange and routing key.
func (s *Sink) Publish(ctx context.Context, payload []byte) error {
	if s == nil || s.pub == nil {
		return errors.New("amqpsink: not initialised")
	}

	return s.pub.PublishWithContext(ctx, s.exchange, s.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         payload,
	})
}

// Close releases the channel and connection opened by Dial.
func (s *Sink) Close() error {
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
