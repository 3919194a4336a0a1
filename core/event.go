package core

import (
	"github.com/google/uuid"
)

// EventType discriminates normalized stream events.
type EventType string

const (
	// EventText carries an assistant text delta.
	EventText EventType = "text"
	// EventReasoning carries a reasoning ("thinking") delta.
	EventReasoning EventType = "reasoning"
	// EventToolCall carries a complete or fragmentary tool call.
	EventToolCall EventType = "tool_call"
	// EventUsage carries token accounting for the request.
	EventUsage EventType = "usage"
	// EventGrounding carries citation sources.
	EventGrounding EventType = "grounding"
	// EventEnd marks a clean end of stream.
	EventEnd EventType = "end"
	// EventError marks a terminal failure; no event follows it.
	EventError EventType = "error"
)

// ToolCall is a (possibly partial) tool invocation emitted by an adapter.
// Fragments sharing an Index belong to the same call.
type ToolCall struct {
	Index int    `json:"index"`
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Args  string `json:"args,omitempty"` // JSON text (or a fragment of it)
}

// Usage captures token accounting for one model request.
type Usage struct {
	InputTokens  int64    `json:"input_tokens"`
	OutputTokens int64    `json:"output_tokens"`
	Cost         *float64 `json:"cost,omitempty"`
}

// Event is the vendor independent unit of streamed model output. It lives for
// the duration of one request and is never persisted.
type Event struct {
	Type      EventType         `json:"type"`
	Text      string            `json:"text,omitempty"`
	ToolCall  *ToolCall         `json:"tool_call,omitempty"`
	Usage     *Usage            `json:"usage,omitempty"`
	Grounding []GroundingSource `json:"grounding,omitempty"`
	Err       error             `json:"-"`
	Message   string            `json:"message,omitempty"`
}

// TextEvent constructs a text delta event.
func TextEvent(text string) Event { return Event{Type: EventText, Text: text} }

// ReasoningEvent constructs a reasoning delta event.
func ReasoningEvent(text string) Event { return Event{Type: EventReasoning, Text: text} }

// ToolCallEvent constructs a tool call event.
func ToolCallEvent(call ToolCall) Event { return Event{Type: EventToolCall, ToolCall: &call} }

// UsageEvent constructs a usage event.
func UsageEvent(u Usage) Event { return Event{Type: EventUsage, Usage: &u} }

// GroundingEvent constructs a grounding event.
func GroundingEvent(sources []GroundingSource) Event {
	return Event{Type: EventGrounding, Grounding: sources}
}

// EndEvent constructs the clean end-of-stream event.
func EndEvent() Event { return Event{Type: EventEnd} }

// ErrorEvent constructs the terminal error event.
func ErrorEvent(err error) Event {
	ev := Event{Type: EventError, Err: err}
	if err != nil {
		ev.Message = err.Error()
	}
	return ev
}

// IsTerminal reports whether no further events follow this one.
func (e Event) IsTerminal() bool { return e.Type == EventEnd || e.Type == EventError }

// NewID generates a new unique identifier for runs and envelopes.
func NewID() string { return uuid.NewString() }
