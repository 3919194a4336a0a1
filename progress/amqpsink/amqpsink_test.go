package amqpsink

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	exchange, key string
	msgs          []amqp.Publishing
	err           error
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.key = exchange, key
	f.msgs = append(f.msgs, msg)
	return f.err
}

func TestPublish(t *testing.T) {
	ch := &fakeChannel{}
	s := New(ch, "events", "agentloop.progress")

	require.NoError(t, s.Publish(context.Background(), []byte(`{"type":"stream_start"}`)))
	require.Len(t, ch.msgs, 1)
	assert.Equal(t, "events", ch.exchange)
	assert.Equal(t, "agentloop.progress", ch.key)
	assert.Equal(t, "application/json", ch.msgs[0].ContentType)
	assert.Equal(t, amqp.Persistent, ch.msgs[0].DeliveryMode)
	assert.Equal(t, `{"type":"stream_start"}`, string(ch.msgs[0].Body))
	assert.False(t, ch.msgs[0].Timestamp.IsZero())
}

func TestPublish_Error(t *testing.T) {
	s := New(&fakeChannel{err: errors.New("channel closed")}, "", "q")
	assert.EqualError(t, s.Publish(context.Background(), nil), "channel closed")

	var nilSink *Sink
	assert.Error(t, nilSink.Publish(context.Background(), nil))
	assert.NoError(t, nilSink.Close())
	assert.NoError(t, s.Close())
}

func TestDial_RequiresURL(t *testing.T) {
	_, err := Dial(Config{})
	assert.Error(t, err)
}
