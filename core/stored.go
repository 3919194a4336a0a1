package core

import (
	"strings"
	"time"
)

// StoredMessage is the flattened shape handed to persistence backends. Tool
// call structure does not round-trip through this boundary.
type StoredMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Flatten collapses messages to their text portions for storage. Tool result
// content counts as text; tool use blocks and grounding are dropped.
func Flatten(messages []Message) []StoredMessage {
	out := make([]StoredMessage, 0, len(messages))
	for _, m := range messages {
		parts := make([]string, 0, len(m.Content))
		for _, b := range m.Content {
			switch bt := b.(type) {
			case TextBlock:
				parts = append(parts, bt.Text)
			case ReasoningBlock:
				parts = append(parts, bt.Text)
			case ToolResultBlock:
				parts = append(parts, bt.Content)
			}
		}
		ts := m.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		out = append(out, StoredMessage{Role: string(m.Role), Content: strings.Join(parts, "\n"), Timestamp: ts})
	}
	return out
}

// Restore converts stored messages back into text-only messages. Stored tool
// turns become user text because their call ids are not preserved; empty
// entries are skipped.
func Restore(stored []StoredMessage) []Message {
	out := make([]Message, 0, len(stored))
	for _, s := range stored {
		if s.Content == "" {
			continue
		}
		role := Role(s.Role)
		switch role {
		case RoleUser, RoleAssistant:
		default:
			role = RoleUser
		}
		out = append(out, Message{Role: role, Content: []Block{TextBlock{Text: s.Content}}, Timestamp: s.Timestamp})
	}
	return out
}
