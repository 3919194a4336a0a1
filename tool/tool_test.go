package tool

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoArgs struct {
	Text string `json:"text" description:"Text to echo"`
}

func echoTool() *FunctionTool {
	return NewFunctionToolFromStruct("echo", "Echo text", echoArgs{}, func(_ context.Context, args map[string]any) (any, error) {
		return args["text"], nil
	}, func(o *FunctionToolOptions) { o.ReadOnly = true })
}

func writeTool(fn func(ctx context.Context, args map[string]any) (any, error)) *FunctionTool {
	return NewFunctionTool("write_file", "Write a file", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string"},
			"content": map[string]any{"type": "string"},
		},
		"required": []any{"path"},
	}, fn)
}

func TestFunctionTool(t *testing.T) {
	tl := echoTool()
	assert.Equal(t, "echo", tl.Name())
	assert.Equal(t, "Echo text", tl.Description())
	assert.True(t, IsReadOnly(tl))
	assert.Equal(t, "object", tl.Parameters()["type"])

	out, err := tl.Call(context.Background(), map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", out)

	assert.False(t, IsReadOnly(writeTool(nil)))
}

func TestToolError(t *testing.T) {
	err := NewToolError("read_file", "not found", "NOT_FOUND")
	assert.Equal(t, "tool error [NOT_FOUND] in read_file: not found", err.Error())
	assert.Equal(t, "tool error in x: boom", (&ToolError{Tool: "x", Message: "boom"}).Error())
}

func TestResultContent(t *testing.T) {
	assert.Equal(t, "ok", Result{Status: StatusSuccess, Output: "ok"}.Content())

	res := ErrorResult(CodeUnknown, "tool nope is not available")
	assert.True(t, res.IsError())
	assert.Equal(t, "Error [UNKNOWN_TOOL]: tool nope is not available", res.Content())
}

func TestCallID(t *testing.T) {
	assert.Empty(t, CallID(context.Background()))
	assert.Equal(t, "call_1", CallID(WithCallID(context.Background(), "call_1")))
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("Chat")
	require.NoError(t, err)
	assert.Equal(t, ModeChat, m)

	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeAgent, m)

	_, err = ParseMode("autopilot")
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(echoTool(), writeTool(nil))

	err := r.Register(echoTool())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
	assert.Error(t, r.Register(nil))

	names := func(ts []Tool) []string {
		var out []string
		for _, tl := range ts {
			out = append(out, tl.Name())
		}
		return out
	}

	assert.Equal(t, []string{"echo", "write_file"}, names(r.Enabled(ModeAgent)))
	assert.Equal(t, []string{"echo"}, names(r.Enabled(ModeChat)))

	_, ok := r.FindByName("write_file")
	assert.True(t, ok)
	_, ok = r.Lookup(ModeChat, "write_file")
	assert.False(t, ok)
	_, ok = r.Lookup(ModeAgent, "write_file")
	assert.True(t, ok)
	_, ok = r.Lookup(ModeAgent, "missing")
	assert.False(t, ok)

	defs := r.Definitions(ModeChat)
	require.Len(t, defs, 1)
	assert.Equal(t, "echo", defs[0].Name)
	assert.Equal(t, "Echo text", defs[0].Description)
}

func TestNewRegistry_PanicsOnDuplicate(t *testing.T) {
	assert.Panics(t, func() { NewRegistry(echoTool(), echoTool()) })
}

func TestTruncate(t *testing.T) {
	s, cut := Truncate("short", 10)
	assert.False(t, cut)
	assert.Equal(t, "short", s)

	s, cut = Truncate(strings.Repeat("a", 20), 10)
	assert.True(t, cut)
	assert.Equal(t, strings.Repeat("a", 10)+"\n... [output truncated: 10 bytes omitted]", s)

	// "é" is two bytes; a cut inside it backs off to the rune start.
	s, cut = Truncate("aé", 2)
	assert.True(t, cut)
	assert.Equal(t, "a\n... [output truncated: 2 bytes omitted]", s)

	s, cut = Truncate("unbounded", -1)
	assert.False(t, cut)
	assert.Equal(t, "unbounded", s)
}

func TestParseArgsAndPathKey(t *testing.T) {
	args, err := ParseArgs("  ")
	require.NoError(t, err)
	assert.Empty(t, args)

	args, err = ParseArgs("null")
	require.NoError(t, err)
	assert.NotNil(t, args)

	_, err = ParseArgs(`{"path":`)
	assert.Error(t, err)

	_, err = ParseArgs(`[1,2]`)
	assert.Error(t, err)

	assert.Equal(t, "src/a.go", PathKey(map[string]any{"path": "./src//a.go"}))
	assert.Equal(t, "b.txt", PathKey(map[string]any{"path": "", "file_path": "b.txt", "filename": "c.txt"}))
	assert.Equal(t, "c.txt", PathKey(map[string]any{"filename": "c.txt"}))
	assert.Empty(t, PathKey(map[string]any{"content": "x"}))
}

func TestSerialize(t *testing.T) {
	out, err := Serialize(map[string]any{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, `{"n":1}`, out)

	out, err = Serialize(nil)
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = Serialize([]byte("raw"))
	require.NoError(t, err)
	assert.Equal(t, "raw", out)

	_, err = Serialize(func() {})
	assert.Error(t, err)

	_, err = Serialize(make(chan int))
	assert.Error(t, err)
}

func TestErrorsAs(t *testing.T) {
	var te *ToolError
	err := errors.Join(errors.New("ctx"), NewToolError("x", "m", "C"))
	assert.True(t, errors.As(err, &te))
}
