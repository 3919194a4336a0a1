package openai

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/model"
)

func conversation() []core.Message {
	return []core.Message{
		core.NewTextMessage(core.RoleUser, "read a.txt"),
		{Role: core.RoleAssistant, Content: []core.Block{
			core.ReasoningBlock{Text: "need the file"},
			core.TextBlock{Text: "Reading it."},
			core.ToolUseBlock{ID: "call_1", Name: "read_file", Input: json.RawMessage(`{"path":"a.txt"}`)},
			core.GroundingBlock{Sources: []core.GroundingSource{{URI: "https://example.com"}}},
		}},
		core.NewToolResultMessage("call_1", "hello", false),
		{Role: core.RoleAssistant, Content: []core.Block{core.ToolUseBlock{ID: "call_2", Name: "list_files"}}},
		{Role: core.RoleTool, Content: []core.Block{
			core.ToolResultBlock{ToolUseID: "call_2", Content: "a.txt"},
		}},
		{Role: core.RoleAssistant, Content: []core.Block{core.GroundingBlock{}}},
	}
}

func TestConvertMessages(t *testing.T) {
	entries := ConvertMessages(conversation())
	data, err := json.Marshal(entries)
	require.NoError(t, err)

	arr := gjson.ParseBytes(data).Array()
	require.Len(t, arr, 5, string(data))

	assert.Equal(t, "user", arr[0].Get("role").String())
	assert.Equal(t, "read a.txt", arr[0].Get("content").String())

	assert.Equal(t, "assistant", arr[1].Get("role").String())
	assert.Equal(t, "need the file\nReading it.", arr[1].Get("content").String())
	assert.Equal(t, "call_1", arr[1].Get("tool_calls.0.id").String())
	assert.Equal(t, "function", arr[1].Get("tool_calls.0.type").String())
	assert.Equal(t, "read_file", arr[1].Get("tool_calls.0.function.name").String())
	assert.JSONEq(t, `{"path":"a.txt"}`, arr[1].Get("tool_calls.0.function.arguments").String())

	assert.Equal(t, "tool", arr[2].Get("role").String())
	assert.Equal(t, "call_1", arr[2].Get("tool_call_id").String())
	assert.Equal(t, "hello", arr[2].Get("content").String())

	// No text: content omitted, empty input becomes {}.
	assert.False(t, arr[3].Get("content").Exists() && arr[3].Get("content").Type != gjson.Null)
	assert.Equal(t, "{}", arr[3].Get("tool_calls.0.function.arguments").String())

	assert.Equal(t, "call_2", arr[4].Get("tool_call_id").String())
	assert.NotContains(t, string(data), "example.com", "grounding is dropped")
}

func TestConvertMessages_Deterministic(t *testing.T) {
	a, err := json.Marshal(ConvertMessages(conversation()))
	require.NoError(t, err)
	b, err := json.Marshal(ConvertMessages(conversation()))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestToolsToVendorSchema(t *testing.T) {
	assert.Nil(t, ToolsToVendorSchema(nil))

	tools := ToolsToVendorSchema([]model.ToolDefinition{
		{Name: "read_file", Description: "Read a file", Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"path": map[string]any{"type": "string"}},
			"required":   []any{"path"},
		}},
		{Name: "noop", Description: "No params"},
	})
	data, err := json.Marshal(tools)
	require.NoError(t, err)

	res := gjson.ParseBytes(data)
	assert.Equal(t, "function", res.Get("0.type").String())
	assert.Equal(t, "read_file", res.Get("0.function.name").String())
	assert.Equal(t, "Read a file", res.Get("0.function.description").String())
	assert.Equal(t, "path", res.Get("0.function.parameters.required.0").String())
	assert.Equal(t, "object", res.Get("1.function.parameters.type").String())
}
