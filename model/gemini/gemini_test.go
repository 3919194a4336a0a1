package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/internal/testutil"
	"github.com/hupe1980/agentloop/model"
)

func history() []core.Message {
	return testutil.NewConversation().
		User("list then read").
		Assistant("Sure.").
		ToolUse("list_files-0", "list_files", `{"path":"."}`).
		Grounding("https://example.com").
		ToolResult("list_files-0", "a.txt").
		ToolError("missing", "orphan").
		Build()
}

func TestConvertMessages(t *testing.T) {
	contents := ConvertMessages(history())
	require.Len(t, contents, 3)

	assert.Equal(t, RoleUser, contents[0].Role)
	assert.Equal(t, "list then read", contents[0].Parts[0].Text)

	assert.Equal(t, RoleModel, contents[1].Role)
	require.Len(t, contents[1].Parts, 2, "grounding is skipped")
	assert.Equal(t, "Sure.", contents[1].Parts[0].Text)
	assert.Equal(t, "list_files", contents[1].Parts[1].FunctionCall.Name)
	assert.Equal(t, map[string]any{"path": "."}, contents[1].Parts[1].FunctionCall.Args)

	assert.Equal(t, RoleTool, contents[2].Role)
	fr := contents[2].Parts[0].FunctionResponse
	require.NotNil(t, fr)
	assert.Equal(t, "list_files", fr.Name, "name resolved from the matching tool use")
	assert.Equal(t, map[string]any{"name": "list_files", "content": "a.txt"}, fr.Response)
}

func TestConvertMessages_Deterministic(t *testing.T) {
	a, err := json.Marshal(ConvertMessages(history()))
	require.NoError(t, err)
	b, err := json.Marshal(ConvertMessages(history()))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestBuildRequest(t *testing.T) {
	a, err := NewAdapter(context.Background(), func(o *Options) {
		o.Streamer = func(context.Context, string, []*genai.Content, *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
			return nil
		}
	})
	require.NoError(t, err)

	temp := 0.5
	req, err := a.BuildRequest("be brief", history(), []model.ToolDefinition{{Name: "read_file", Description: "Read"}}, model.Options{Model: "gemini-pro", Temperature: &temp, MaxOutputTokens: 64})
	require.NoError(t, err)

	r := req.(*Request)
	assert.Equal(t, "gemini", r.Provider())
	assert.Equal(t, "gemini-pro", r.Model)
	assert.Equal(t, "be brief", r.Config.SystemInstruction.Parts[0].Text)
	require.Len(t, r.Config.Tools, 1)
	decl := r.Config.Tools[0].FunctionDeclarations[0]
	assert.Equal(t, "read_file", decl.Name)
	assert.Equal(t, map[string]any{"type": "object", "properties": map[string]any{}}, decl.ParametersJsonSchema)
	assert.Equal(t, float32(0.5), *r.Config.Temperature)
	assert.Equal(t, int32(64), r.Config.MaxOutputTokens)
}

func scripted(responses []*genai.GenerateContentResponse, tail error) Streamer {
	return func(ctx context.Context, _ string, _ []*genai.Content, _ *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
		return func(yield func(*genai.GenerateContentResponse, error) bool) {
			for _, r := range responses {
				if !yield(r, nil) {
					return
				}
			}
			if tail != nil {
				yield(nil, tail)
			}
		}
	}
}

func candidate(parts ...*genai.Part) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{Content: &genai.Content{Role: "model", Parts: parts}}}}
}

func collect(t *testing.T, ch <-chan core.Event) []core.Event {
	t.Helper()
	var out []core.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func newScripted(t *testing.T, s Streamer, fns ...func(o *Options)) (*Adapter, model.Request) {
	t.Helper()
	a, err := NewAdapter(context.Background(), append([]func(o *Options){func(o *Options) { o.Streamer = s }}, fns...)...)
	require.NoError(t, err)
	req, err := a.BuildRequest("", history(), nil, model.Options{})
	require.NoError(t, err)
	return a, req
}

func TestStream_Events(t *testing.T) {
	grounded := candidate(&genai.Part{Text: "See docs."})
	grounded.Candidates[0].GroundingMetadata = &genai.GroundingMetadata{GroundingChunks: []*genai.GroundingChunk{
		{Web: &genai.GroundingChunkWeb{Title: "Docs", URI: "https://docs.example.com"}},
		{Web: &genai.GroundingChunkWeb{Title: "Docs", URI: "https://docs.example.com"}},
	}}
	grounded.UsageMetadata = &genai.GenerateContentResponseUsageMetadata{PromptTokenCount: 10, CandidatesTokenCount: 4}

	a, req := newScripted(t, scripted([]*genai.GenerateContentResponse{
		candidate(&genai.Part{Text: "planning", Thought: true}),
		candidate(&genai.Part{Text: "Reading "}, &genai.Part{FunctionCall: &genai.FunctionCall{Name: "read_file", Args: map[string]any{"path": "a.txt"}}}),
		candidate(&genai.Part{FunctionCall: &genai.FunctionCall{Name: "list_files"}}),
		grounded,
	}, nil))

	evs := collect(t, a.Stream(context.Background(), req))
	require.Len(t, evs, 8)

	assert.Equal(t, core.ReasoningEvent("planning"), evs[0])
	assert.Equal(t, core.TextEvent("Reading "), evs[1])

	require.Equal(t, core.EventToolCall, evs[2].Type)
	assert.Equal(t, "read_file-0", evs[2].ToolCall.ID)
	assert.Equal(t, 0, evs[2].ToolCall.Index)
	assert.JSONEq(t, `{"path":"a.txt"}`, evs[2].ToolCall.Args)

	assert.Equal(t, "list_files-1", evs[3].ToolCall.ID)
	assert.Equal(t, "{}", evs[3].ToolCall.Args)

	assert.Equal(t, "See docs.", evs[4].Text)
	require.Equal(t, core.EventGrounding, evs[5].Type)
	assert.Equal(t, []core.GroundingSource{{Title: "Docs", URI: "https://docs.example.com"}}, evs[5].Grounding)

	require.Equal(t, core.EventUsage, evs[6].Type)
	assert.Equal(t, int64(10), evs[6].Usage.InputTokens)
	assert.Equal(t, int64(4), evs[6].Usage.OutputTokens)
	assert.Equal(t, core.EventEnd, evs[7].Type)
}

func TestStream_CounterResetsPerRequest(t *testing.T) {
	a, req := newScripted(t, scripted([]*genai.GenerateContentResponse{
		candidate(&genai.Part{FunctionCall: &genai.FunctionCall{Name: "read_file"}}),
	}, nil))

	for i := 0; i < 2; i++ {
		evs := collect(t, a.Stream(context.Background(), req))
		assert.Equal(t, "read_file-0", evs[0].ToolCall.ID)
	}
}

func TestStream_VendorIDPreserved(t *testing.T) {
	a, req := newScripted(t, scripted([]*genai.GenerateContentResponse{
		candidate(&genai.Part{FunctionCall: &genai.FunctionCall{ID: "fc-9", Name: "read_file"}}),
	}, nil))
	evs := collect(t, a.Stream(context.Background(), req))
	assert.Equal(t, "fc-9", evs[0].ToolCall.ID)
}

func TestStream_APIError(t *testing.T) {
	a, req := newScripted(t, scripted(nil, genai.APIError{Code: 400, Status: "INVALID_ARGUMENT", Message: "API key not valid"}))
	evs := collect(t, a.Stream(context.Background(), req))

	require.Len(t, evs, 1)
	var ve *core.VendorError
	require.ErrorAs(t, evs[0].Err, &ve)
	assert.Equal(t, "gemini", ve.Provider)
	assert.Equal(t, 400, ve.StatusCode)
	assert.Equal(t, "API key not valid", ve.Message)
}

func TestStream_Cancelled(t *testing.T) {
	blocking := func(ctx context.Context, _ string, _ []*genai.Content, _ *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
		return func(yield func(*genai.GenerateContentResponse, error) bool) {
			if !yield(candidate(&genai.Part{Text: "Hello, "}), nil) {
				return
			}
			<-ctx.Done()
			yield(nil, ctx.Err())
		}
	}
	a, req := newScripted(t, blocking)

	ctx, cancel := context.WithCancel(context.Background())
	ch := a.Stream(ctx, req)
	assert.Equal(t, "Hello, ", (<-ch).Text)
	cancel()

	evs := collect(t, ch)
	if len(evs) > 0 {
		assert.ErrorIs(t, evs[len(evs)-1].Err, core.ErrCancelled)
	}
}

func TestStream_Stalled(t *testing.T) {
	stalling := func(ctx context.Context, _ string, _ []*genai.Content, _ *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
		return func(yield func(*genai.GenerateContentResponse, error) bool) {
			if !yield(candidate(&genai.Part{Text: "partial"}), nil) {
				return
			}
			<-ctx.Done()
		}
	}
	a, req := newScripted(t, stalling, func(o *Options) { o.AttemptTimeout = 30 * time.Millisecond })

	evs := collect(t, a.Stream(context.Background(), req))
	require.Len(t, evs, 2)
	assert.ErrorIs(t, evs[1].Err, core.ErrStreamStalled)
}

func TestAdapter_HTTPRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"text\":\"hi there\"}]}}]}\n\n")
	}))
	defer srv.Close()

	a, err := NewAdapter(context.Background(), func(o *Options) {
		o.APIKey = "test-key"
		o.BaseURL = srv.URL
		o.BaseDelay = time.Millisecond
	})
	require.NoError(t, err)
	req, err := a.BuildRequest("", history(), nil, model.Options{})
	require.NoError(t, err)

	evs := collect(t, a.Stream(context.Background(), req))
	require.NotEmpty(t, evs)
	assert.Equal(t, "hi there", evs[0].Text)
	assert.Equal(t, core.EventEnd, evs[len(evs)-1].Type)
	assert.Equal(t, int32(2), hits.Load())
}
