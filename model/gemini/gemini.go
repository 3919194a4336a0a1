// Package gemini implements model.Adapter for Google's Gemini API using the
// google.golang.org/genai SDK. HTTP retries, header timeouts and rate limits
// come from the shared retrying client handed to the SDK.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"google.golang.org/genai"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/internal/httpx"
	"github.com/hupe1980/agentloop/logging"
	"github.com/hupe1980/agentloop/model"
)

const (
	// DefaultModel is used when no model is configured.
	DefaultModel = "gemini-2.5-flash"
	// DefaultMaxAttempts is the Gemini retry cap.
	DefaultMaxAttempts = 3
)

// Streamer is the shape of genai's Models.GenerateContentStream.
type Streamer func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]

// Options configure the Gemini adapter.
type Options struct {
	Model             string
	APIKey            string
	BaseURL           string
	Temperature       *float64
	MaxOutputTokens   int32
	MaxAttempts       int
	BaseDelay         time.Duration
	AttemptTimeout    time.Duration
	RequestsPerMinute int
	// Streamer replaces the SDK call (tests).
	Streamer Streamer
	Logger   logging.Logger
}

// Adapter streams generateContent responses from Gemini.
type Adapter struct {
	opts     Options
	streamer Streamer
	timeout  time.Duration
	logger   logging.Logger
}

// NewAdapter creates the adapter and, unless a Streamer is supplied, the
// genai client backed by the retrying HTTP client.
func NewAdapter(ctx context.Context, optFns ...func(o *Options)) (*Adapter, error) {
	opts := Options{
		Model:       DefaultModel,
		MaxAttempts: DefaultMaxAttempts,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = httpx.DefaultAttemptTimeout
	}

	streamer := opts.Streamer
	if streamer == nil {
		httpc := httpx.NewClient(httpx.Options{
			Provider:          "gemini",
			MaxAttempts:       opts.MaxAttempts,
			BaseDelay:         opts.BaseDelay,
			AttemptTimeout:    opts.AttemptTimeout,
			RequestsPerMinute: opts.RequestsPerMinute,
			Logger:            opts.Logger,
		})
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:      opts.APIKey,
			Backend:     genai.BackendGeminiAPI,
			HTTPClient:  httpc.StandardClient(),
			HTTPOptions: genai.HTTPOptions{BaseURL: opts.BaseURL},
		})
		if err != nil {
			return nil, fmt.Errorf("gemini: create client: %w", err)
		}
		streamer = client.Models.GenerateContentStream
	}

	return &Adapter{opts: opts, streamer: streamer, timeout: opts.AttemptTimeout, logger: opts.Logger}, nil
}

// Request is a prepared generateContent call.
type Request struct {
	Model    string
	Contents []*genai.Content
	Config   *genai.GenerateContentConfig
}

// Provider implements model.Request.
func (r *Request) Provider() string { return "gemini" }

// Name implements model.Adapter.
func (a *Adapter) Name() string { return "gemini" }

// BuildRequest implements model.Adapter. The system prompt is sent as
// systemInstruction.
func (a *Adapter) BuildRequest(system string, messages []core.Message, tools []model.ToolDefinition, opts model.Options) (model.Request, error) {
	cfg := &genai.GenerateContentConfig{
		Tools: ToolsToVendorSchema(tools),
	}
	if system != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	temp := opts.Temperature
	if temp == nil {
		temp = a.opts.Temperature
	}
	if temp != nil {
		v := float32(*temp)
		cfg.Temperature = &v
	}
	if opts.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = int32(opts.MaxOutputTokens)
	} else if a.opts.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = a.opts.MaxOutputTokens
	}

	modelName := a.opts.Model
	if opts.Model != "" {
		modelName = opts.Model
	}

	return &Request{Model: modelName, Contents: ConvertMessages(messages), Config: cfg}, nil
}

// Stream implements model.Adapter. Function calls are emitted as soon as they
// arrive with ids synthesized as name-counter when the vendor sends none.
func (a *Adapter) Stream(ctx context.Context, req model.Request) <-chan core.Event {
	return model.Produce(ctx, a.Name(), func(emit func(core.Event) bool) {
		r, ok := req.(*Request)
		if !ok {
			emit(core.ErrorEvent(model.UnexpectedRequestError(a.Name(), req)))
			return
		}
		a.stream(ctx, r, emit)
	})
}

func (a *Adapter) stream(ctx context.Context, r *Request, emit func(core.Event) bool) {
	counted, attempts := httpx.WithAttemptCounter(ctx)
	attemptCtx, wd := httpx.NewWatchdog(counted, a.timeout)
	defer wd.Stop()

	var (
		usage   *core.Usage
		counter int
		seen    = map[string]bool{}
	)

	for resp, err := range a.streamer(attemptCtx, r.Model, r.Contents, r.Config) {
		if err != nil {
			emit(core.ErrorEvent(a.classify(ctx, wd, int(attempts.Load()), err)))
			return
		}
		wd.Kick()
		if resp == nil {
			continue
		}

		if um := resp.UsageMetadata; um != nil {
			usage = &core.Usage{
				InputTokens:  int64(um.PromptTokenCount),
				OutputTokens: int64(um.CandidatesTokenCount) + int64(um.ThoughtsTokenCount),
			}
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
			continue
		}
		cand := resp.Candidates[0]

		if cand.Content != nil {
			for _, p := range cand.Content.Parts {
				if p == nil {
					continue
				}
				ev, ok := a.partEvent(p, &counter)
				if ok && !emit(ev) {
					return
				}
			}
		}

		if sources := groundingSources(cand.GroundingMetadata, seen); len(sources) > 0 {
			if !emit(core.GroundingEvent(sources)) {
				return
			}
		}
	}

	// The SDK ends iteration silently on some read failures.
	if ctx.Err() != nil || wd.Stalled() {
		emit(core.ErrorEvent(httpx.Classify(ctx, wd, a.Name(), int(attempts.Load()), context.Canceled)))
		return
	}

	if usage != nil {
		if !emit(core.UsageEvent(*usage)) {
			return
		}
	}
	emit(core.EndEvent())
}

func (a *Adapter) partEvent(p *genai.Part, counter *int) (core.Event, bool) {
	switch {
	case p.FunctionCall != nil:
		idx := *counter
		*counter++
		id := p.FunctionCall.ID
		if id == "" {
			id = fmt.Sprintf("%s-%d", p.FunctionCall.Name, idx)
		}
		args := p.FunctionCall.Args
		if args == nil {
			args = map[string]any{}
		}
		raw, err := json.Marshal(args)
		if err != nil {
			raw = []byte("{}")
		}
		return core.ToolCallEvent(core.ToolCall{Index: idx, ID: id, Name: p.FunctionCall.Name, Args: string(raw)}), true
	case p.Text != "" && p.Thought:
		return core.ReasoningEvent(p.Text), true
	case p.Text != "":
		return core.TextEvent(p.Text), true
	default:
		return core.Event{}, false
	}
}

func groundingSources(gm *genai.GroundingMetadata, seen map[string]bool) []core.GroundingSource {
	if gm == nil {
		return nil
	}
	var out []core.GroundingSource
	for _, ch := range gm.GroundingChunks {
		if ch == nil || ch.Web == nil || ch.Web.URI == "" || seen[ch.Web.URI] {
			continue
		}
		seen[ch.Web.URI] = true
		out = append(out, core.GroundingSource{Title: ch.Web.Title, URI: ch.Web.URI})
	}
	return out
}

func (a *Adapter) classify(ctx context.Context, wd *httpx.Watchdog, attempts int, err error) error {
	if ctx.Err() != nil || wd.Stalled() {
		return httpx.Classify(ctx, wd, a.Name(), attempts, err)
	}
	if attempts < 1 {
		attempts = 1
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		msg := httpx.ErrorMessage([]byte(apiErr.Message))
		if msg == "" {
			msg = apiErr.Status
		}
		a.logger.Warn("model.gemini.failed", "status", apiErr.Code, "attempts", attempts, "error", msg)
		return &core.VendorError{Provider: a.Name(), Attempts: attempts, StatusCode: apiErr.Code, Message: msg, Err: err}
	}
	return &core.VendorError{Provider: a.Name(), Attempts: attempts, Message: err.Error(), Err: err}
}

var _ model.Adapter = (*Adapter)(nil)
