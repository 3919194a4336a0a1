package openai

import (
	"strings"

	"github.com/openai/openai-go"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/model"
)

// ConvertMessages maps normalized messages onto chat completion entries. It
// is pure and deterministic. Text and reasoning are joined with newlines,
// tool uses become assistant tool_calls and each tool result becomes its own
// tool entry. Grounding and empty messages are omitted.
func ConvertMessages(messages []core.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		for _, tr := range m.ToolResults() {
			out = append(out, openai.ToolMessage(tr.Content, tr.ToolUseID))
		}

		text := joinText(m)
		switch m.Role {
		case core.RoleAssistant:
			uses := m.ToolUses()
			if len(uses) == 0 {
				if text != "" {
					out = append(out, openai.AssistantMessage(text))
				}
				continue
			}
			assistant := &openai.ChatCompletionAssistantMessageParam{
				Role:      "assistant",
				ToolCalls: toolCallParams(uses),
			}
			if text != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(text)}
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: assistant})
		default:
			if text != "" {
				out = append(out, openai.UserMessage(text))
			}
		}
	}
	return out
}

func joinText(m core.Message) string {
	parts := make([]string, 0, len(m.Content))
	for _, b := range m.Content {
		switch bt := b.(type) {
		case core.TextBlock:
			if bt.Text != "" {
				parts = append(parts, bt.Text)
			}
		case core.ReasoningBlock:
			if bt.Text != "" {
				parts = append(parts, bt.Text)
			}
		}
	}
	return strings.Join(parts, "\n")
}

func toolCallParams(uses []core.ToolUseBlock) []openai.ChatCompletionMessageToolCallParam {
	calls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(uses))
	for _, u := range uses {
		calls = append(calls, openai.ChatCompletionMessageToolCallParam{
			ID:   u.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      u.Name,
				Arguments: string(u.InputOrEmpty()),
			},
		})
	}
	return calls
}

// ToolsToVendorSchema maps tool definitions onto {type:function, function:{...}}.
func ToolsToVendorSchema(tools []model.ToolDefinition) []openai.ChatCompletionToolParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.ChatCompletionToolParam, len(tools))
	for i, tdef := range tools {
		params := tdef.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        tdef.Name,
				Description: openai.String(tdef.Description),
				Parameters:  params,
			},
		}
	}
	return out
}
