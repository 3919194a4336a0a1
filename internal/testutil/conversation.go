package testutil

import (
	"encoding/json"
	"time"

	"github.com/hupe1980/agentloop/core"
)

// ConversationBuilder provides a fluent helper for constructing message lists.
// Example:
//
//	msgs := NewConversation().User("read a.txt").ToolUse("c1", "read_file", `{"path":"a.txt"}`).ToolResult("c1", "hello").Build()
//
// Assistant blocks added in a row are collected into one assistant turn, and
// consecutive tool results into one tool turn.
type ConversationBuilder struct {
	messages []core.Message
	at       time.Time
}

// NewConversation creates a builder whose messages carry ascending
// timestamps starting at a fixed instant.
func NewConversation() *ConversationBuilder {
	return &ConversationBuilder{at: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (b *ConversationBuilder) push(role core.Role, blk core.Block) *ConversationBuilder {
	if n := len(b.messages); n > 0 && role != core.RoleUser && b.messages[n-1].Role == role {
		b.messages[n-1].Content = append(b.messages[n-1].Content, blk)
		return b
	}

	b.at = b.at.Add(time.Second)
	b.messages = append(b.messages, core.Message{Role: role, Content: []core.Block{blk}, Timestamp: b.at})

	return b
}

// User appends a user text message (chainable).
func (b *ConversationBuilder) User(text string) *ConversationBuilder {
	return b.push(core.RoleUser, core.TextBlock{Text: text})
}

// Assistant appends a text block to the current assistant turn (chainable).
func (b *ConversationBuilder) Assistant(text string) *ConversationBuilder {
	return b.push(core.RoleAssistant, core.TextBlock{Text: text})
}

// Reasoning appends a reasoning block to the current assistant turn (chainable).
func (b *ConversationBuilder) Reasoning(text string) *ConversationBuilder {
	return b.push(core.RoleAssistant, core.ReasoningBlock{Text: text})
}

// ToolUse appends a tool call to the current assistant turn. Empty input is
// kept empty (chainable).
func (b *ConversationBuilder) ToolUse(id, name, input string) *ConversationBuilder {
	var raw json.RawMessage
	if input != "" {
		raw = json.RawMessage(input)
	}

	return b.push(core.RoleAssistant, core.ToolUseBlock{ID: id, Name: name, Input: raw})
}

// Grounding appends citation sources to the current assistant turn (chainable).
func (b *ConversationBuilder) Grounding(uris ...string) *ConversationBuilder {
	sources := make([]core.GroundingSource, 0, len(uris))
	for _, u := range uris {
		sources = append(sources, core.GroundingSource{URI: u})
	}

	return b.push(core.RoleAssistant, core.GroundingBlock{Sources: sources})
}

// ToolResult appends a successful result to the current tool turn (chainable).
func (b *ConversationBuilder) ToolResult(id, content string) *ConversationBuilder {
	return b.push(core.RoleTool, core.ToolResultBlock{ToolUseID: id, Content: content})
}

// ToolError appends a failed result to the current tool turn (chainable).
func (b *ConversationBuilder) ToolError(id, content string) *ConversationBuilder {
	return b.push(core.RoleTool, core.ToolResultBlock{ToolUseID: id, Content: content, IsError: true})
}

// Build returns a copy of the collected messages.
func (b *ConversationBuilder) Build() []core.Message {
	return append([]core.Message(nil), b.messages...)
}

// Stored returns the messages in their persisted form.
func (b *ConversationBuilder) Stored() []core.StoredMessage {
	return core.Flatten(b.messages)
}
