// Package redisstore persists conversations in Redis, one JSON document per
// session.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/session"
)

// DefaultPrefix namespaces session keys.
const DefaultPrefix = "agentloop:session:"

// Client is the subset of redis.UniversalClient used by the store.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Config describes the Redis connection.
type Config struct {
	Address  string        `yaml:"address"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"-"`
}

// Store implements session.Store on Redis strings. A positive TTL refreshes
// on every write, so idle conversations expire.
type Store struct {
	client Client
	prefix string
	ttl    time.Duration
	closer func() error
}

var _ session.Store = (*Store)(nil)

// New wraps an existing client.
func New(client Client, prefix string, ttl time.Duration) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}

	return &Store{client: client, prefix: prefix, ttl: ttl}
}

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("redisstore: address must not be empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisstore: connect: %w", err)
	}

	s := New(client, cfg.Prefix, cfg.TTL)
	s.closer = client.Close

	return s, nil
}

// Key returns the Redis key for a session.
func (s *Store) Key(sessionID string) string { return s.prefix + sessionID }

// Write replaces the stored list.
func (s *Store) Write(ctx context.Context, sessionID string, messages []core.StoredMessage) error {
	if sessionID == "" {
		return session.ErrEmptySessionID
	}

	if messages == nil {
		messages = []core.StoredMessage{}
	}

	data, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("redisstore: encode: %w", err)
	}

	if err := s.client.Set(ctx, s.Key(sessionID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redisstore: write %s: %w", sessionID, err)
	}

	return nil
}

// Read returns the stored list, or an empty list when the key is missing.
func (s *Store) Read(ctx context.Context, sessionID string) ([]core.StoredMessage, error) {
	if sessionID == "" {
		return nil, session.ErrEmptySessionID
	}

	data, err := s.client.Get(ctx, s.Key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return []core.StoredMessage{}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("redisstore: read %s: %w", sessionID, err)
	}

	var out []core.StoredMessage
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("redisstore: decode %s: %w", sessionID, err)
	}

	return out, nil
}

// Delete removes a session.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, s.Key(sessionID)).Err()
}

// Close closes the client created by Open.
func (s *Store) Close() error {
	if s.closer == nil {
		return nil
	}

	return s.closer()
}
