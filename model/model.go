package model

import (
	"context"
	"fmt"

	"github.com/hupe1980/agentloop/core"
)

// ToolDefinition declaratively exposes a callable tool to the model.
// Parameters is a JSON Schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Options carries per request generation settings. Zero values select the
// adapter's defaults.
type Options struct {
	Model           string   `json:"model,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int64    `json:"max_output_tokens,omitempty"`
}

// Request is an opaque vendor request produced by BuildRequest and consumed
// by Stream of the same adapter.
type Request interface {
	Provider() string
}

// Adapter is implemented by every vendor family.
type Adapter interface {
	// Name returns the provider name used in logs and errors.
	Name() string
	// BuildRequest converts the conversation into a vendor request. It performs
	// no I/O.
	BuildRequest(system string, messages []core.Message, tools []ToolDefinition, opts Options) (Request, error)
	// Stream sends req and returns the normalized event stream. The channel
	// ends with exactly one terminal event (end or error) unless ctx is
	// cancelled while the consumer is not receiving; it is always closed.
	Stream(ctx context.Context, req Request) <-chan core.Event
}

// UnexpectedRequestError reports a Request handed to the wrong adapter.
func UnexpectedRequestError(adapter string, req Request) error {
	got := "<nil>"
	if req != nil {
		got = req.Provider()
	}
	return fmt.Errorf("%s: unexpected request type for provider %q", adapter, got)
}

// Produce runs fn on a new goroutine and returns the channel it emits into.
// The channel is closed when fn returns. A panic in fn is converted into a
// terminal error event.
func Produce(ctx context.Context, provider string, fn func(emit func(core.Event) bool)) <-chan core.Event {
	ch := make(chan core.Event, 64)
	go func() {
		defer close(ch)
		defer func() {
			if r := recover(); r != nil {
				Send(ctx, ch, core.ErrorEvent(&core.VendorError{
					Provider: provider,
					Attempts: 1,
					Message:  fmt.Sprintf("stream panic: %v", r),
				}))
			}
		}()
		fn(func(ev core.Event) bool { return Send(ctx, ch, ev) })
	}()
	return ch
}

// Send delivers ev unless ctx ends first. Buffered capacity is used even when
// ctx is already done so a final cancellation event can still be observed.
func Send(ctx context.Context, ch chan<- core.Event, ev core.Event) bool {
	select {
	case ch <- ev:
		return true
	default:
	}
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
