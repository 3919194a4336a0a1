package core

import (
	"bytes"
	"strings"
	"time"
)

// Role identifies the author of a Message.
type Role string

const (
	// RoleUser marks caller supplied turns.
	RoleUser Role = "user"
	// RoleAssistant marks model turns.
	RoleAssistant Role = "assistant"
	// RoleTool marks tool result turns.
	RoleTool Role = "tool"
)

// Message is one conversation turn: a role plus ordered content blocks.
// A plain string message is represented by a single TextBlock.
type Message struct {
	Role      Role      `json:"role"`
	Content   []Block   `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// NewTextMessage builds a single-text-block message stamped with the current
// UTC time.
func NewTextMessage(role Role, text string) Message {
	return Message{Role: role, Content: []Block{TextBlock{Text: text}}, Timestamp: time.Now().UTC()}
}

// NewToolResultMessage builds a tool role message answering toolUseID.
func NewToolResultMessage(toolUseID, content string, isError bool) Message {
	return Message{
		Role:      RoleTool,
		Content:   []Block{ToolResultBlock{ToolUseID: toolUseID, Content: content, IsError: isError}},
		Timestamp: time.Now().UTC(),
	}
}

// Text returns the newline-joined text and reasoning portions of the message.
func (m Message) Text() string {
	parts := make([]string, 0, len(m.Content))
	for _, b := range m.Content {
		switch bt := b.(type) {
		case TextBlock:
			parts = append(parts, bt.Text)
		case ReasoningBlock:
			parts = append(parts, bt.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ToolUses returns the tool invocation blocks preserving their order.
func (m Message) ToolUses() []ToolUseBlock {
	var out []ToolUseBlock
	for _, b := range m.Content {
		if tu, ok := b.(ToolUseBlock); ok {
			out = append(out, tu)
		}
	}
	return out
}

// ToolResults returns the tool result blocks preserving their order.
func (m Message) ToolResults() []ToolResultBlock {
	var out []ToolResultBlock
	for _, b := range m.Content {
		if tr, ok := b.(ToolResultBlock); ok {
			out = append(out, tr)
		}
	}
	return out
}

// SameContent reports whether two messages have the same role and blocks.
// Timestamps are ignored.
func (m Message) SameContent(o Message) bool {
	if m.Role != o.Role || len(m.Content) != len(o.Content) {
		return false
	}
	for i := range m.Content {
		if !sameBlock(m.Content[i], o.Content[i]) {
			return false
		}
	}
	return true
}

func sameBlock(a, b Block) bool {
	switch at := a.(type) {
	case TextBlock:
		bt, ok := b.(TextBlock)
		return ok && at == bt
	case ReasoningBlock:
		bt, ok := b.(ReasoningBlock)
		return ok && at == bt
	case ToolUseBlock:
		bt, ok := b.(ToolUseBlock)
		return ok && at.ID == bt.ID && at.Name == bt.Name && bytes.Equal(at.Input, bt.Input)
	case ToolResultBlock:
		bt, ok := b.(ToolResultBlock)
		return ok && at == bt
	case GroundingBlock:
		bt, ok := b.(GroundingBlock)
		if !ok || len(at.Sources) != len(bt.Sources) {
			return false
		}
		for i := range at.Sources {
			if at.Sources[i] != bt.Sources[i] {
				return false
			}
		}
		return true
	default:
		return false
	}
}
