package model

import (
	"fmt"

	"github.com/hupe1980/agentloop/core"
)

// ToolCallAccumulator reassembles tool calls streamed as fragments. Fragments
// are keyed by their stream index: a non-empty id or name replaces the stored
// value and argument text is appended. First-seen order is preserved.
type ToolCallAccumulator struct {
	calls map[int]*core.ToolCall
	order []int
}

// NewToolCallAccumulator returns an empty accumulator.
func NewToolCallAccumulator() *ToolCallAccumulator {
	return &ToolCallAccumulator{calls: map[int]*core.ToolCall{}}
}

// Add folds one fragment into the call at its index.
func (a *ToolCallAccumulator) Add(frag core.ToolCall) {
	tc, ok := a.calls[frag.Index]
	if !ok {
		tc = &core.ToolCall{Index: frag.Index}
		a.calls[frag.Index] = tc
		a.order = append(a.order, frag.Index)
	}
	if frag.ID != "" {
		tc.ID = frag.ID
	}
	if frag.Name != "" {
		tc.Name = frag.Name
	}
	tc.Args += frag.Args
}

// Len returns the number of distinct calls seen since the last Flush.
func (a *ToolCallAccumulator) Len() int { return len(a.order) }

// Flush returns the accumulated calls in first-seen order and resets the
// accumulator. Calls without a vendor id get the stable id call_<index>.
func (a *ToolCallAccumulator) Flush() []core.ToolCall {
	if len(a.order) == 0 {
		return nil
	}
	out := make([]core.ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		tc := *a.calls[idx]
		if tc.ID == "" {
			tc.ID = fmt.Sprintf("call_%d", idx)
		}
		out = append(out, tc)
	}
	a.calls = map[int]*core.ToolCall{}
	a.order = nil
	return out
}
