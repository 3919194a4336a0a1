// Package tool implements the tool calling subsystem: the Tool contract, an
// explicit per-process Registry and the Gate that validates, serializes and
// bounds every invocation requested by a model.
package tool

import (
	"context"
	"fmt"

	"github.com/hupe1980/agentloop/internal/util"
)

// Tool defines a capability the model can invoke mid-conversation.
//
// Implementations must be safe for concurrent use: the Gate may run the same
// tool for different conversations at the same time. Arguments passed to Call
// have already been validated against Parameters.
type Tool interface {
	// Name returns the unique identifier for this tool (snake_case).
	Name() string

	// Description is shown to the model to explain when to use the tool.
	Description() string

	// Parameters returns a JSON schema describing the expected arguments.
	Parameters() map[string]any

	// Call executes the tool. The returned value is serialized by the Gate:
	// strings verbatim, everything else as JSON.
	Call(ctx context.Context, args map[string]any) (any, error)
}

// ReadOnlyTool is implemented by tools that never mutate external state.
// Only read-only tools are offered in chat mode.
type ReadOnlyTool interface {
	ReadOnly() bool
}

// IsReadOnly reports whether t declares itself read-only.
func IsReadOnly(t Tool) bool {
	ro, ok := t.(ReadOnlyTool)
	return ok && ro.ReadOnly()
}

// LockKeyer is implemented by mutating tools that know which resource a call
// targets. The Gate serializes calls with equal keys; tools that accept
// several spellings of one resource must map them to one key. An error
// fails the call with VALIDATION_ERROR before it runs.
type LockKeyer interface {
	LockKey(args map[string]any) (string, error)
}

// ValidationError represents parameter validation errors with detailed information.
type ValidationError = util.ValidationError

// Error codes carried by failed results.
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeUnknown    = "UNKNOWN_TOOL"
	CodeExecution  = "EXECUTION_ERROR"
	CodeCancelled  = "CANCELLED"
	CodeSkipped    = "SKIPPED"
)

// ToolError represents errors that occur during tool execution. A tool may
// return one directly to choose its own code.
type ToolError struct {
	Tool    string `json:"tool"`              // Name of the tool that failed
	Message string `json:"message"`           // Error message
	Code    string `json:"code"`              // Error code for categorization
	Details any    `json:"details,omitempty"` // Additional error details
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{
		Tool:    tool,
		Message: message,
		Code:    code,
	}
}

// stopValue marks a value that ends the agent loop once recorded.
type stopValue struct{ value any }

// Stop wraps a tool return value so the loop terminates right after the
// result is appended to the conversation.
func Stop(value any) any { return stopValue{value: value} }

type callIDKey struct{}

// WithCallID stores the model-assigned call id on ctx.
func WithCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, callIDKey{}, id)
}

// CallID returns the id of the tool call being executed, if any.
func CallID(ctx context.Context) string {
	id, _ := ctx.Value(callIDKey{}).(string)
	return id
}
