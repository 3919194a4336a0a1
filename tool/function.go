package tool

import (
	"context"

	"github.com/hupe1980/agentloop/internal/util"
)

// FunctionTool is a generic adapter that exposes a plain Go function as a tool.
//
// A FunctionTool has no mutable state after construction and is safe for
// concurrent use. Argument validation happens in the Gate before fn runs, so
// fn may rely on required fields being present with the declared types.
type FunctionTool struct {
	name        string
	description string
	parameters  map[string]any
	readOnly    bool
	lockKey     func(args map[string]any) (string, error)
	fn          func(ctx context.Context, args map[string]any) (any, error)
}

// FunctionToolOptions tweaks a FunctionTool.
type FunctionToolOptions struct {
	// ReadOnly marks the tool as side-effect free, making it available in chat mode.
	ReadOnly bool
	// LockKey derives the Gate lock key from the arguments. PathKey is used
	// when nil.
	LockKey func(args map[string]any) (string, error)
}

// NewFunctionTool constructs a FunctionTool from explicit schema and function.
//
// Example:
//
//	sumTool := NewFunctionTool(
//	  "calculate_sum",
//	  "Calculate the sum of two numbers",
//	  map[string]any{
//	    "type": "object",
//	    "properties": map[string]any{
//	      "a": map[string]any{"type": "number"},
//	      "b": map[string]any{"type": "number"},
//	    },
//	    "required": []any{"a", "b"},
//	  },
//	  func(ctx context.Context, args map[string]any) (any, error) {
//	    return args["a"].(float64) + args["b"].(float64), nil
//	  },
//	  func(o *FunctionToolOptions) { o.ReadOnly = true },
//	)
func NewFunctionTool(
	name, description string,
	parameters map[string]any,
	fn func(ctx context.Context, args map[string]any) (any, error),
	optFns ...func(o *FunctionToolOptions),
) *FunctionTool {
	opts := FunctionToolOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &FunctionTool{
		name:        name,
		description: description,
		parameters:  parameters,
		readOnly:    opts.ReadOnly,
		lockKey:     opts.LockKey,
		fn:          fn,
	}
}

// NewFunctionToolFromStruct derives the parameter schema from a struct using
// reflection (see util.CreateSchema).
func NewFunctionToolFromStruct(
	name, description string,
	structType any,
	fn func(ctx context.Context, args map[string]any) (any, error),
	optFns ...func(o *FunctionToolOptions),
) *FunctionTool {
	return NewFunctionTool(name, description, util.CreateSchema(structType), fn, optFns...)
}

// Name returns the unique tool name.
func (t *FunctionTool) Name() string { return t.name }

// Description returns the short natural language description exposed to models.
func (t *FunctionTool) Description() string { return t.description }

// Parameters returns the JSON schema describing expected arguments.
func (t *FunctionTool) Parameters() map[string]any { return t.parameters }

// ReadOnly reports whether the tool was declared side-effect free.
func (t *FunctionTool) ReadOnly() bool { return t.readOnly }

// LockKey returns the key the Gate locks for a mutating call.
func (t *FunctionTool) LockKey(args map[string]any) (string, error) {
	if t.lockKey != nil {
		return t.lockKey(args)
	}

	return PathKey(args), nil
}

// Call invokes the wrapped function.
func (t *FunctionTool) Call(ctx context.Context, args map[string]any) (any, error) {
	return t.fn(ctx, args)
}

var (
	_ Tool         = (*FunctionTool)(nil)
	_ ReadOnlyTool = (*FunctionTool)(nil)
	_ LockKeyer    = (*FunctionTool)(nil)
)
