// Package redissink publishes progress events on Redis pub/sub channels.
package redissink

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/tidwall/gjson"

	"github.com/hupe1980/agentloop/progress"
)

// DefaultChannel is the channel prefix used when none is configured.
const DefaultChannel = "agentloop:progress"

// Publisher is the subset of redis.UniversalClient used by the sink.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Sink publishes every payload to "<prefix>:<sessionId>", or to the bare
// prefix when the payload carries no session id. Subscribers can follow one
// conversation or pattern-subscribe to all of them.
type Sink struct {
	client Publisher
	prefix string
}

var _ progress.Sink = (*Sink)(nil)

// New returns a Sink publishing through client.
func New(client Publisher, prefix string) *Sink {
	if prefix == "" {
		prefix = DefaultChannel
	}

	return &Sink{client: client, prefix: prefix}
}

// Channel returns the channel a payload is published on.
func (s *Sink) Channel(payload []byte) string {
	if id := gjson.GetBytes(payload, "sessionId").String(); id != "" {
		return s.prefix + ":" + id
	}

	return s.prefix
}

// Publish sends payload.
func (s *Sink) Publish(ctx context.Context, payload []byte) error {
	if s == nil || s.client == nil {
		return errors.New("redissink: not initialised")
	}

	if err := s.client.Publish(ctx, s.Channel(payload), payload).Err(); err != nil {
		return fmt.Errorf("redissink: publish: %w", err)
	}

	return nil
}
