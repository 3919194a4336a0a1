package agentloop

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/hupe1980/agentloop/config"
	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/internal/testutil"
	"github.com/hupe1980/agentloop/logging"
	"github.com/hupe1980/agentloop/model"
	anthropicmodel "github.com/hupe1980/agentloop/model/anthropic"
	"github.com/hupe1980/agentloop/model/gemini"
	"github.com/hupe1980/agentloop/model/openai"
	"github.com/hupe1980/agentloop/progress"
	"github.com/hupe1980/agentloop/session"
	"github.com/hupe1980/agentloop/tool"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.Provider.Name = config.ProviderScripted
	cfg.Agent.Workspace = t.TempDir()

	return cfg
}

func newLoop(t *testing.T, cfg *config.Config, optFns ...func(o *Options)) *AgentLoop {
	t.Helper()

	fns := append([]func(o *Options){func(o *Options) { o.Logger = logging.NoOpLogger{} }}, optFns...)

	l, err := New(context.Background(), cfg, fns...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	return l
}

func TestSend_ToolRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agent.System = "Work in {{ .workspace }} as {{ .role }}."
	cfg.Agent.SystemVars = map[string]any{"role": "reviewer"}

	adapter := model.NewScriptedAdapter(
		model.ToolCallTurn(core.ToolCall{Index: 0, ID: "c1", Name: "write_file", Args: `{"path":"notes/out.txt","content":"hi"}`}),
		model.Turn{Events: []core.Event{
			core.TextEvent("done"),
			core.UsageEvent(core.Usage{InputTokens: 7, OutputTokens: 3}),
		}},
	)

	var (
		mu       sync.Mutex
		payloads [][]byte
		usage    []core.Usage
	)

	store := session.NewInMemoryStore()

	l := newLoop(t, cfg, func(o *Options) {
		o.Adapter = adapter
		o.Store = store
		o.Progress = progress.Func(func(_ context.Context, payload []byte) error {
			mu.Lock()
			defer mu.Unlock()
			payloads = append(payloads, payload)
			return nil
		})
		o.Usage = func(_ context.Context, sessionID string, u core.Usage) {
			assert.Equal(t, "s1", sessionID)
			usage = append(usage, u)
		}
	})

	res, err := l.Send(context.Background(), "s1", "write a note")
	require.NoError(t, err)
	assert.Equal(t, "done", res.Text)
	assert.Equal(t, 2, res.ModelCalls)

	data, err := os.ReadFile(filepath.Join(cfg.Agent.Workspace, "notes", "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))

	reqs := adapter.Requests()
	require.Len(t, reqs, 2)

	root, err := filepath.EvalSymlinks(cfg.Agent.Workspace)
	require.NoError(t, err)
	assert.Equal(t, "Work in "+root+" as reviewer.", reqs[0].System)
	assert.Contains(t, reqs[0].ToolNames(), "write_file")
	assert.Contains(t, reqs[0].ToolNames(), "attempt_completion")

	require.Len(t, usage, 1)
	assert.Equal(t, int64(7), usage[0].InputTokens)

	require.NoError(t, l.Flush(context.Background()))

	mu.Lock()
	require.NotEmpty(t, payloads)
	for _, p := range payloads {
		assert.Equal(t, "s1", gjson.GetBytes(p, "sessionId").String())
	}
	mu.Unlock()

	history, err := l.History(context.Background(), "s1")
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, "write a note", history[0].Text())
	assert.Equal(t, core.RoleAssistant, history[len(history)-1].Role)
	assert.Equal(t, "done", history[len(history)-1].Text())
}

func TestSend_ContinuesStoredConversation(t *testing.T) {
	adapter := model.NewScriptedAdapter(model.TextTurn("first"), model.TextTurn("second"))
	l := newLoop(t, testConfig(t), func(o *Options) { o.Adapter = adapter })

	_, err := l.Send(context.Background(), "s1", "one")
	require.NoError(t, err)

	res, err := l.Send(context.Background(), "s1", "two")
	require.NoError(t, err)
	assert.Equal(t, "second", res.Text)

	reqs := adapter.Requests()
	require.Len(t, reqs, 2)

	msgs := reqs[1].Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, "one", msgs[0].Text())
	assert.Equal(t, "first", msgs[1].Text())
	assert.Equal(t, "two", msgs[2].Text())
}

func TestSend_ResumesSeededSession(t *testing.T) {
	store := session.NewInMemoryStore()
	seed := testutil.NewConversation().
		User("list files").
		ToolUse("c1", "list_files", `{}`).
		ToolResult("c1", "a.txt").
		Assistant("There is a.txt.").
		Stored()
	require.NoError(t, store.Write(context.Background(), "s1", seed))

	adapter := model.NewScriptedAdapter(model.TextTurn("ok"))
	l := newLoop(t, testConfig(t), func(o *Options) {
		o.Adapter = adapter
		o.Store = store
	})

	_, err := l.Send(context.Background(), "s1", "open it")
	require.NoError(t, err)

	// The tool call itself is not persisted; its result comes back as user text.
	msgs := adapter.Requests()[0].Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, core.RoleUser, msgs[1].Role)
	assert.Equal(t, "a.txt", msgs[1].Text())
	assert.Equal(t, "open it", msgs[3].Text())
}

func TestSend_ChatModeOffersReadOnlyTools(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agent.Mode = "chat"

	adapter := model.NewScriptedAdapter()
	l := newLoop(t, cfg, func(o *Options) { o.Adapter = adapter })

	res, err := l.Send(context.Background(), "s1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "Scripted response to: hello", res.Text)

	names := adapter.Requests()[0].ToolNames()
	assert.Contains(t, names, "read_file")
	assert.NotContains(t, names, "write_file")
}

func TestSend_EmptySession(t *testing.T) {
	l := newLoop(t, testConfig(t))

	_, err := l.Send(context.Background(), "", "hi")
	require.ErrorIs(t, err, session.ErrEmptySessionID)
}

func TestSend_DisabledTools(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agent.DisableTools = true
	cfg.Agent.Workspace = filepath.Join(cfg.Agent.Workspace, "missing")

	adapter := model.NewScriptedAdapter()
	l := newLoop(t, cfg, func(o *Options) { o.Adapter = adapter })

	_, err := l.Send(context.Background(), "s1", "hi")
	require.NoError(t, err)
	assert.Empty(t, adapter.Requests()[0].ToolNames())
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *config.Config)
	}{
		{"backend", func(cfg *config.Config) { cfg.Session.Backend = "cassandra" }},
		{"mode", func(cfg *config.Config) { cfg.Agent.Mode = "auto" }},
		{"provider", func(cfg *config.Config) { cfg.Provider.Name = "cohere" }},
		{"workspace", func(cfg *config.Config) { cfg.Agent.Workspace = filepath.Join(cfg.Agent.Workspace, "missing") }},
		{"template", func(cfg *config.Config) { cfg.Agent.System = "{{ .broken" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)

			_, err := New(context.Background(), cfg, func(o *Options) { o.Logger = logging.NoOpLogger{} })
			require.Error(t, err)
		})
	}
}

func TestNew_DuplicateToolReturnsError(t *testing.T) {
	echo := func(name string) tool.Tool {
		return tool.NewFunctionTool(name, "", nil, func(context.Context, map[string]any) (any, error) { return nil, nil })
	}

	cfg := testConfig(t)

	_, err := New(context.Background(), cfg, func(o *Options) {
		o.Logger = logging.NoOpLogger{}
		o.Tools = []tool.Tool{echo("lookup"), echo("lookup")}
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lookup")

	// A custom tool clashing with a built-in one is reported the same way.
	_, err = New(context.Background(), cfg, func(o *Options) {
		o.Logger = logging.NoOpLogger{}
		o.Tools = []tool.Tool{echo("read_file")}
	})
	require.Error(t, err)
}

func TestNewAdapter(t *testing.T) {
	ctx := context.Background()
	logger := logging.NoOpLogger{}

	a, err := NewAdapter(ctx, config.ProviderConfig{Name: "openai", APIKey: "k", MaxAttempts: 2}, logger)
	require.NoError(t, err)
	assert.IsType(t, &openai.Adapter{}, a)

	a, err = NewAdapter(ctx, config.ProviderConfig{Name: "gemini", APIKey: "k"}, logger)
	require.NoError(t, err)
	assert.IsType(t, &gemini.Adapter{}, a)

	a, err = NewAdapter(ctx, config.ProviderConfig{Name: "Anthropic", APIKey: "k", Model: "claude-3-5-haiku-latest"}, logger)
	require.NoError(t, err)
	assert.IsType(t, &anthropicmodel.Adapter{}, a)

	a, err = NewAdapter(ctx, config.ProviderConfig{Name: "scripted"}, logger)
	require.NoError(t, err)
	assert.Equal(t, "scripted", a.Name())

	_, err = NewAdapter(ctx, config.ProviderConfig{Name: "cohere"}, logger)
	require.Error(t, err)
}
