package core

import "encoding/json"

// Block represents one typed fragment of a conversation turn. Concrete block
// types implement the unexported isBlock marker enabling a closed set.
type Block interface{ isBlock() }

// TextBlock is a plain text segment.
type TextBlock struct {
	Text string `json:"text"`
}

// isBlock implements the Block interface for TextBlock.
func (TextBlock) isBlock() {}

// ReasoningBlock carries a model "thinking" trace. Vendors without a reasoning
// concept receive it as ordinary text.
type ReasoningBlock struct {
	Text string `json:"text"`
}

// isBlock implements the Block interface for ReasoningBlock.
func (ReasoningBlock) isBlock() {}

// ToolUseBlock is a tool invocation requested by the assistant.
type ToolUseBlock struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"` // JSON object text
}

// isBlock implements the Block interface for ToolUseBlock.
func (ToolUseBlock) isBlock() {}

// ToolResultBlock answers a prior ToolUseBlock with the same id.
type ToolResultBlock struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// isBlock implements the Block interface for ToolResultBlock.
func (ToolResultBlock) isBlock() {}

// GroundingSource is a single citation attached to a model turn.
type GroundingSource struct {
	Title string `json:"title,omitempty"`
	URI   string `json:"uri,omitempty"`
}

// GroundingBlock holds citation metadata reported by the vendor. It is passed
// through best-effort and never sent back to a vendor.
type GroundingBlock struct {
	Sources []GroundingSource `json:"sources"`
}

// isBlock implements the Block interface for GroundingBlock.
func (GroundingBlock) isBlock() {}

// InputOrEmpty returns the tool input, substituting an empty JSON object when
// none was supplied.
func (b ToolUseBlock) InputOrEmpty() json.RawMessage {
	if len(b.Input) == 0 {
		return json.RawMessage("{}")
	}
	return b.Input
}
