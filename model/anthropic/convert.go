package anthropic

import (
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/model"
)

type turn struct {
	role   anthropic.MessageParamRole
	blocks []anthropic.ContentBlockParamUnion
}

// ConvertMessages maps normalized messages onto Anthropic message params.
// Tool results travel in user turns, reasoning is rendered as text and
// grounding is dropped. Consecutive turns with the same role are merged to
// keep the required user/assistant alternation.
func ConvertMessages(messages []core.Message) []anthropic.MessageParam {
	var turns []turn
	for _, m := range messages {
		role := anthropic.MessageParamRoleUser
		if m.Role == core.RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}

		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Content))
		for _, b := range m.Content {
			switch bt := b.(type) {
			case core.TextBlock:
				if bt.Text != "" {
					blocks = append(blocks, anthropic.NewTextBlock(bt.Text))
				}
			case core.ReasoningBlock:
				if bt.Text != "" {
					blocks = append(blocks, anthropic.NewTextBlock(bt.Text))
				}
			case core.ToolUseBlock:
				if role == anthropic.MessageParamRoleAssistant {
					blocks = append(blocks, anthropic.NewToolUseBlock(bt.ID, bt.InputOrEmpty(), bt.Name))
				}
			case core.ToolResultBlock:
				if role == anthropic.MessageParamRoleUser {
					blocks = append(blocks, anthropic.NewToolResultBlock(bt.ToolUseID, bt.Content, bt.IsError))
				}
			}
		}
		if len(blocks) == 0 {
			continue
		}

		if n := len(turns); n > 0 && turns[n-1].role == role {
			turns[n-1].blocks = append(turns[n-1].blocks, blocks...)
			continue
		}
		turns = append(turns, turn{role: role, blocks: blocks})
	}

	out := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		if t.role == anthropic.MessageParamRoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(t.blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(t.blocks...))
		}
	}
	return out
}

// ToolsToVendorSchema maps tool definitions onto {name, description, input_schema}.
func ToolsToVendorSchema(tools []model.ToolDefinition) []anthropic.ToolUnionParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, t := range tools {
		inputSchema := anthropic.ToolInputSchemaParam{
			Type:       constant.Object("object"),
			Properties: map[string]any{},
		}
		if t.Parameters != nil {
			if properties, ok := t.Parameters["properties"]; ok {
				inputSchema.Properties = properties
			}
			inputSchema.Required = requiredNames(t.Parameters["required"])
		}
		u := anthropic.ToolUnionParamOfTool(inputSchema, t.Name)
		if t.Description != "" {
			u.OfTool.Description = anthropic.String(t.Description)
		}
		out[i] = u
	}
	return out
}

func requiredNames(v any) []string {
	switch r := v.(type) {
	case []string:
		return r
	case []any:
		out := make([]string, 0, len(r))
		for _, item := range r {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
