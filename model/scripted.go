package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/agentloop/core"
)

// Turn is one scripted model reply.
type Turn struct {
	Events []core.Event
	// Hold keeps the stream open after Events until the context is cancelled,
	// then ends it with a cancellation error.
	Hold bool
}

// TextTurn scripts a plain text reply streamed as the given deltas.
func TextTurn(deltas ...string) Turn {
	evs := make([]core.Event, 0, len(deltas))
	for _, d := range deltas {
		evs = append(evs, core.TextEvent(d))
	}
	return Turn{Events: evs}
}

// ToolCallTurn scripts a reply requesting the given tool calls.
func ToolCallTurn(calls ...core.ToolCall) Turn {
	evs := make([]core.Event, 0, len(calls))
	for _, c := range calls {
		evs = append(evs, core.ToolCallEvent(c))
	}
	return Turn{Events: evs}
}

// ScriptedRequest records what the orchestrator asked for.
type ScriptedRequest struct {
	System   string
	Messages []core.Message
	Tools    []ToolDefinition
	Options  Options
}

// Provider implements Request.
func (r *ScriptedRequest) Provider() string { return "scripted" }

// ToolNames returns the names of the tools offered in the request.
func (r *ScriptedRequest) ToolNames() []string {
	names := make([]string, 0, len(r.Tools))
	for _, t := range r.Tools {
		names = append(names, t.Name)
	}
	return names
}

// ScriptedAdapter is a lightweight in-memory Adapter useful for tests and
// examples. Each Stream call replays the next scripted Turn; once the script
// is exhausted it echoes the last user message.
type ScriptedAdapter struct {
	mu       sync.Mutex
	turns    []Turn
	requests []*ScriptedRequest
}

// NewScriptedAdapter constructs an adapter replaying turns in order.
func NewScriptedAdapter(turns ...Turn) *ScriptedAdapter {
	return &ScriptedAdapter{turns: turns}
}

// AddTurn appends a reply to the script.
func (s *ScriptedAdapter) AddTurn(t Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, t)
}

// Requests returns the requests built so far.
func (s *ScriptedAdapter) Requests() []*ScriptedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*ScriptedRequest(nil), s.requests...)
}

// Name implements Adapter.
func (s *ScriptedAdapter) Name() string { return "scripted" }

// BuildRequest implements Adapter. The message list is copied.
func (s *ScriptedAdapter) BuildRequest(system string, messages []core.Message, tools []ToolDefinition, opts Options) (Request, error) {
	req := &ScriptedRequest{
		System:   system,
		Messages: append([]core.Message(nil), messages...),
		Tools:    append([]ToolDefinition(nil), tools...),
		Options:  opts,
	}
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	return req, nil
}

// Stream implements Adapter.
func (s *ScriptedAdapter) Stream(ctx context.Context, req Request) <-chan core.Event {
	return Produce(ctx, s.Name(), func(emit func(core.Event) bool) {
		sr, ok := req.(*ScriptedRequest)
		if !ok {
			emit(core.ErrorEvent(UnexpectedRequestError(s.Name(), req)))
			return
		}

		turn := s.next(sr)
		terminal := false
		for _, ev := range turn.Events {
			if ctx.Err() != nil {
				emit(core.ErrorEvent(fmt.Errorf("scripted: %w", core.ErrCancelled)))
				return
			}
			if !emit(ev) {
				return
			}
			if ev.IsTerminal() {
				terminal = true
				break
			}
		}
		if terminal {
			return
		}
		if turn.Hold {
			<-ctx.Done()
			emit(core.ErrorEvent(fmt.Errorf("scripted: %w", core.ErrCancelled)))
			return
		}
		emit(core.EndEvent())
	})
}

func (s *ScriptedAdapter) next(req *ScriptedRequest) Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.turns) > 0 {
		t := s.turns[0]
		s.turns = s.turns[1:]
		return t
	}
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == core.RoleUser {
			last = req.Messages[i].Text()
			break
		}
	}
	return TextTurn(fmt.Sprintf("Scripted response to: %s", last))
}

var _ Adapter = (*ScriptedAdapter)(nil)
