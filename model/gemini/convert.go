package gemini

import (
	"encoding/json"

	"google.golang.org/genai"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/model"
)

// Roles used on the Gemini wire.
const (
	RoleUser  = "user"
	RoleModel = "model"
	RoleTool  = "tool"
)

// ConvertMessages maps normalized messages onto Gemini contents. Tool results
// carry the function name, which is resolved from the tool use with the same
// id anywhere in the list; results whose use is unknown are omitted, as are
// grounding blocks and messages left without parts.
func ConvertMessages(messages []core.Message) []*genai.Content {
	names := map[string]string{}
	for _, m := range messages {
		for _, tu := range m.ToolUses() {
			names[tu.ID] = tu.Name
		}
	}

	out := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		parts := make([]*genai.Part, 0, len(m.Content))
		for _, b := range m.Content {
			switch bt := b.(type) {
			case core.TextBlock:
				if bt.Text != "" {
					parts = append(parts, &genai.Part{Text: bt.Text})
				}
			case core.ReasoningBlock:
				if bt.Text != "" {
					parts = append(parts, &genai.Part{Text: bt.Text})
				}
			case core.ToolUseBlock:
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					Name: bt.Name,
					Args: decodeArgs(bt.Input),
				}})
			case core.ToolResultBlock:
				name, ok := names[bt.ToolUseID]
				if !ok {
					continue
				}
				parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
					Name:     name,
					Response: map[string]any{"name": name, "content": bt.Content},
				}})
			}
		}
		if len(parts) == 0 {
			continue
		}
		out = append(out, &genai.Content{Role: role(m.Role), Parts: parts})
	}
	return out
}

func role(r core.Role) string {
	switch r {
	case core.RoleAssistant:
		return RoleModel
	case core.RoleTool:
		return RoleTool
	default:
		return RoleUser
	}
}

// decodeArgs parses a tool input object; anything that is not a JSON object
// yields an empty argument map.
func decodeArgs(raw json.RawMessage) map[string]any {
	args := map[string]any{}
	if len(raw) == 0 {
		return args
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return map[string]any{}
	}
	return args
}

// ToolsToVendorSchema wraps all definitions into one functionDeclarations tool.
func ToolsToVendorSchema(tools []model.ToolDefinition) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 t.Name,
			Description:          t.Description,
			ParametersJsonSchema: params,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}
