package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hupe1980/agentloop/internal/util"
	"github.com/hupe1980/agentloop/logging"
)

// DefaultMutatingTools names the tools that take a per-path lock.
var DefaultMutatingTools = []string{"write_file", "apply_patch", "edit_file", "delete_file"}

// PathArguments are checked in order to find the resource a mutating tool targets.
var PathArguments = []string{"path", "file_path", "filename"}

// GateOptions configures a Gate.
type GateOptions struct {
	// MutatingTools overrides DefaultMutatingTools.
	MutatingTools []string
	// MaxOutputBytes bounds serialized output; DefaultMaxOutputBytes when zero,
	// unbounded when negative.
	MaxOutputBytes int
	// MaxConcurrent bounds executions across all conversations; zero means unbounded.
	MaxConcurrent int64
	// Locks lets several gates share one lock table.
	Locks  *KeyedMutex
	Logger logging.Logger
}

// Gate sits between the loop and a tool's own logic. It validates arguments,
// serializes mutations per path, contains failures and bounds output.
type Gate struct {
	mutating  map[string]struct{}
	maxOutput int
	sem       *semaphore.Weighted
	locks     *KeyedMutex
	logger    logging.Logger
}

// NewGate creates a Gate.
func NewGate(optFns ...func(o *GateOptions)) *Gate {
	opts := GateOptions{
		MutatingTools:  DefaultMutatingTools,
		MaxOutputBytes: DefaultMaxOutputBytes,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	if opts.Locks == nil {
		opts.Locks = NewKeyedMutex()
	}

	if opts.MaxOutputBytes == 0 {
		opts.MaxOutputBytes = DefaultMaxOutputBytes
	}

	g := &Gate{
		mutating:  make(map[string]struct{}, len(opts.MutatingTools)),
		maxOutput: opts.MaxOutputBytes,
		locks:     opts.Locks,
		logger:    opts.Logger,
	}

	for _, name := range opts.MutatingTools {
		g.mutating[name] = struct{}{}
	}

	if opts.MaxConcurrent > 0 {
		g.sem = semaphore.NewWeighted(opts.MaxConcurrent)
	}

	return g
}

// IsMutating reports whether calls to the named tool are serialized per path.
func (g *Gate) IsMutating(name string) bool {
	_, ok := g.mutating[name]
	return ok
}

// Validate checks args against the tool's parameter schema.
func (g *Gate) Validate(t Tool, args map[string]any) error {
	schema := t.Parameters()
	if schema == nil {
		return nil
	}

	return util.ValidateParameters(args, schema)
}

// Execute runs one tool call. It never returns an error: every failure is
// expressed as an error Result so the conversation can carry on.
func (g *Gate) Execute(ctx context.Context, t Tool, callID, argsText string) Result {
	start := time.Now()
	res := g.execute(ctx, t, callID, argsText)
	res.Duration = time.Since(start)

	fields := []any{
		"tool", t.Name(),
		"call_id", callID,
		"status", res.Status,
		"duration_ms", res.Duration.Milliseconds(),
		"bytes", len(res.Output),
	}
	if res.Error != nil {
		fields = append(fields, "code", res.Error.Code, "error", res.Error.Message)
	}
	if res.Truncated {
		fields = append(fields, "truncated", true)
	}

	g.logger.Info("tool.gate.executed", fields...)

	return res
}

func (g *Gate) execute(ctx context.Context, t Tool, callID, argsText string) Result {
	args, err := ParseArgs(argsText)
	if err != nil {
		return ErrorResult(CodeValidation, err.Error())
	}

	if err := g.Validate(t, args); err != nil {
		return ErrorResult(CodeValidation, fmt.Sprintf("parameter validation failed: %v", err))
	}

	if err := ctx.Err(); err != nil {
		return ErrorResult(CodeCancelled, "cancelled before execution")
	}

	if g.sem != nil {
		if err := g.sem.Acquire(ctx, 1); err != nil {
			return ErrorResult(CodeCancelled, "cancelled while waiting for an execution slot")
		}
		defer g.sem.Release(1)
	}

	if g.IsMutating(t.Name()) {
		key, err := LockKey(t, args)
		if err != nil {
			return ErrorResult(CodeValidation, err.Error())
		}

		if key != "" {
			unlock, err := g.locks.Lock(ctx, key)
			if err != nil {
				return ErrorResult(CodeCancelled, fmt.Sprintf("cancelled while waiting for lock on %s", key))
			}
			defer unlock()
		}
	}

	value, err := g.call(WithCallID(ctx, callID), t, args)
	if err != nil {
		var toolErr *ToolError
		if errors.As(err, &toolErr) && toolErr.Code != "" {
			return ErrorResult(toolErr.Code, toolErr.Message)
		}

		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return ErrorResult(CodeCancelled, err.Error())
		}

		return ErrorResult(CodeExecution, err.Error())
	}

	stop := false
	if sv, ok := value.(stopValue); ok {
		value, stop = sv.value, true
	}

	out, err := Serialize(value)
	if err != nil {
		res := ErrorResult(CodeExecution, err.Error())
		res.Stop = stop
		return res
	}

	out, truncated := Truncate(out, g.maxOutput)

	return Result{
		Status:    StatusSuccess,
		Value:     value,
		Output:    out,
		Stop:      stop,
		Truncated: truncated,
	}
}

func (g *Gate) call(ctx context.Context, t Tool, args map[string]any) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("tool.gate.panic", "tool", t.Name(), "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()

	return t.Call(ctx, args)
}

// ParseArgs decodes the model's argument text. Empty text means no arguments.
func ParseArgs(text string) (map[string]any, error) {
	if strings.TrimSpace(text) == "" {
		return map[string]any{}, nil
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(text), &args); err != nil {
		return nil, fmt.Errorf("invalid JSON arguments: %w", err)
	}

	if args == nil {
		args = map[string]any{}
	}

	return args, nil
}

// PathKey returns the trimmed, cleaned value of the first non-empty path
// argument.
func PathKey(args map[string]any) string {
	for _, name := range PathArguments {
		if s, ok := args[name].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return filepath.Clean(s)
			}
		}
	}

	return ""
}

// LockKey returns the key a mutating call of t is serialized on: the tool's
// own key when it implements LockKeyer, PathKey otherwise.
func LockKey(t Tool, args map[string]any) (string, error) {
	if k, ok := t.(LockKeyer); ok {
		return k.LockKey(args)
	}

	return PathKey(args), nil
}

// Serialize renders a tool value: strings and byte slices verbatim, nil as
// the empty string, everything else as JSON. A panicking String or
// MarshalJSON method is reported as an error.
func Serialize(value any) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = "", fmt.Errorf("result is not serializable: panic: %v", r)
		}
	}()

	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case json.RawMessage:
		return string(v), nil
	case fmt.Stringer:
		return v.String(), nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("result is not serializable: %w", err)
	}

	return string(data), nil
}
