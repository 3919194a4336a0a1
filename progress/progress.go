// Package progress carries live notifications about a running conversation
// (streamed text, tool executions) to an external observer such as a UI.
//
// Delivery is fire-and-forget: events are published from a background
// goroutine, and a slow, failing or panicking sink is logged and never
// interrupts the agent loop.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentloop/logging"
)

// EventType names a progress notification.
type EventType string

const (
	StreamStart           EventType = "stream_start"
	StreamAppend          EventType = "stream_append"
	StreamEnd             EventType = "stream_end"
	ToolExecutionStart    EventType = "tool_execution_start"
	ToolExecutionComplete EventType = "tool_execution_complete"
)

// Event is the JSON payload handed to a Sink.
type Event struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Text      string          `json:"text,omitempty"`
	ToolName  string          `json:"toolName,omitempty"`
	ToolID    string          `json:"toolId,omitempty"`
	Filename  string          `json:"filename,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
	Status    string          `json:"status,omitempty"`
	Result    string          `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Sink receives serialized progress events.
type Sink interface {
	Publish(ctx context.Context, payload []byte) error
}

// Func adapts a plain function to a Sink.
type Func func(ctx context.Context, payload []byte) error

// Publish calls f.
func (f Func) Publish(ctx context.Context, payload []byte) error { return f(ctx, payload) }

// Multi fans a payload out to several sinks. Every sink is tried; the errors
// are joined.
type Multi []Sink

// Publish forwards payload to every sink.
func (m Multi) Publish(ctx context.Context, payload []byte) error {
	var errs []error

	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, payload); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

type logSink struct {
	logger logging.Logger
}

// NewLogSink returns a Sink writing every payload to logger at debug level.
func NewLogSink(logger logging.Logger) Sink {
	return &logSink{logger: logger}
}

func (s *logSink) Publish(_ context.Context, payload []byte) error {
	s.logger.Debug("progress.event", "payload", string(payload))
	return nil
}

const (
	// DefaultBuffer is the number of events an Emitter queues before it
	// starts dropping.
	DefaultBuffer = 256
	// DefaultPublishTimeout bounds a single Publish call.
	DefaultPublishTimeout = 5 * time.Second
)

// EmitterOptions configures an Emitter.
type EmitterOptions struct {
	// Buffer is the queue length; DefaultBuffer when zero.
	Buffer int
	// PublishTimeout bounds each Publish; DefaultPublishTimeout when zero.
	PublishTimeout time.Duration
}

type delivery struct {
	typ     EventType
	ctx     context.Context
	payload []byte
	// done marks a flush barrier instead of a payload.
	done chan struct{}
}

// Emitter serializes events and hands them to a single delivery goroutine,
// so a slow sink never blocks the caller. Events are published in order;
// when the queue is full new events are dropped and logged. A nil *Emitter
// or one without a sink discards events.
type Emitter struct {
	sink    Sink
	logger  logging.Logger
	now     func() time.Time
	timeout time.Duration

	mu      sync.RWMutex
	closed  bool
	queue   chan delivery
	stopped chan struct{}
}

// NewEmitter wraps sink. A nil logger discards delivery errors.
func NewEmitter(sink Sink, logger logging.Logger, optFns ...func(o *EmitterOptions)) *Emitter {
	opts := EmitterOptions{Buffer: DefaultBuffer, PublishTimeout: DefaultPublishTimeout}
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}

	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = DefaultPublishTimeout
	}

	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	e := &Emitter{sink: sink, logger: logger, now: time.Now, timeout: opts.PublishTimeout}

	if sink != nil {
		e.queue = make(chan delivery, opts.Buffer)
		e.stopped = make(chan struct{})

		go e.deliver()
	}

	return e
}

// Emit queues ev for publishing and returns immediately.
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	if e == nil || e.sink == nil {
		return
	}

	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now().UTC()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		e.logger.Warn("progress.encode.failed", "type", ev.Type, "error", err.Error())
		return
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return
	}

	select {
	case e.queue <- delivery{typ: ev.Type, ctx: context.WithoutCancel(ctx), payload: payload}:
	default:
		e.logger.Warn("progress.dropped", "type", ev.Type, "session_id", ev.SessionID)
	}
}

// Flush waits until every event queued before the call has been published,
// or ctx is done.
func (e *Emitter) Flush(ctx context.Context) error {
	if e == nil || e.sink == nil {
		return nil
	}

	done := make(chan struct{})

	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil
	}

	select {
	case e.queue <- delivery{done: done}:
		e.mu.RUnlock()
	case <-ctx.Done():
		e.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close publishes what is queued and stops the delivery goroutine. Later
// events are discarded.
func (e *Emitter) Close() error {
	if e == nil || e.sink == nil {
		return nil
	}

	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	<-e.stopped

	return nil
}

func (e *Emitter) deliver() {
	defer close(e.stopped)

	for d := range e.queue {
		if d.done != nil {
			close(d.done)
			continue
		}

		ctx, cancel := context.WithTimeout(d.ctx, e.timeout)
		err := e.publish(ctx, d.payload)
		cancel()

		if err != nil {
			e.logger.Warn("progress.publish.failed", "type", d.typ, "error", err.Error())
		}
	}
}

func (e *Emitter) publish(ctx context.Context, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("progress sink panicked: %v", r)
		}
	}()

	return e.sink.Publish(ctx, payload)
}

// RawArgs returns text as a JSON value when it is valid JSON, nil otherwise.
func RawArgs(text string) json.RawMessage {
	if text == "" || !json.Valid([]byte(text)) {
		return nil
	}

	return json.RawMessage(text)
}
