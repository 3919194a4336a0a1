package redisstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/session"
)

type fakeClient struct {
	data map[string]string
	ttls map[string]time.Duration
	err  error
}

func newFakeClient() *fakeClient {
	return &fakeClient{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeClient) Get(_ context.Context, key string) *redis.StringCmd {
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeClient) Set(_ context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.data[key] = string(value.([]byte))
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeClient) Del(_ context.Context, keys ...string) *redis.IntCmd {
	for _, k := range keys {
		delete(f.data, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newFakeClient()
	s := New(c, "", time.Hour)

	got, err := s.Read(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, got)

	ts := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	msgs := []core.StoredMessage{
		{Role: "user", Content: "hi", Timestamp: ts},
		{Role: "assistant", Content: "Request cancelled by user.", Timestamp: ts},
	}
	require.NoError(t, s.Write(ctx, "s1", msgs))
	assert.Equal(t, time.Hour, c.ttls["agentloop:session:s1"])

	got, err = s.Read(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, msgs, got)

	require.NoError(t, s.Delete(ctx, "s1"))
	got, _ = s.Read(ctx, "s1")
	assert.Empty(t, got)
	assert.NoError(t, s.Close())
}

func TestStore_Errors(t *testing.T) {
	ctx := context.Background()
	c := newFakeClient()
	s := New(c, "p:", 0)

	assert.ErrorIs(t, s.Write(ctx, "", nil), session.ErrEmptySessionID)

	c.data["p:bad"] = "{not json"
	_, err := s.Read(ctx, "bad")
	assert.ErrorContains(t, err, "decode bad")

	c.err = errors.New("connection reset")
	assert.ErrorContains(t, s.Write(ctx, "x", nil), "connection reset")
	_, err = s.Read(ctx, "x")
	assert.ErrorContains(t, err, "connection reset")
}

func TestOpen_RequiresAddress(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	assert.Error(t, err)
}
