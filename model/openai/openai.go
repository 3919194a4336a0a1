// Package openai implements model.Adapter for the OpenAI Chat Completions
// wire format and the many vendors exposing an OpenAI compatible endpoint.
// Requests are built from openai-go params and streamed as raw server-sent
// events over the shared retrying HTTP client.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/tidwall/sjson"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/internal/httpx"
	"github.com/hupe1980/agentloop/logging"
	"github.com/hupe1980/agentloop/model"
)

const (
	// DefaultBaseURL is the OpenAI API root.
	DefaultBaseURL = "https://api.openai.com/v1"
	// DefaultMaxAttempts is the retry cap for OpenAI compatible vendors.
	DefaultMaxAttempts = 5
)

// Options configure the OpenAI adapter.
type Options struct {
	// Name overrides the provider name for compatible vendors.
	Name                string
	Model               string
	APIKey              string
	BaseURL             string
	Temperature         *float64
	MaxCompletionTokens int64
	// Headers are added to every request (e.g. routing headers of gateways).
	Headers           map[string]string
	MaxAttempts       int
	BaseDelay         time.Duration
	AttemptTimeout    time.Duration
	RequestsPerMinute int
	// Client overrides the HTTP client built from the retry settings.
	Client *httpx.Client
	Logger logging.Logger
}

// Adapter streams chat completions from an OpenAI compatible endpoint.
type Adapter struct {
	opts   Options
	client *httpx.Client
	logger logging.Logger
}

// NewAdapter creates an adapter; functional options override the defaults.
func NewAdapter(optFns ...func(o *Options)) *Adapter {
	opts := Options{
		Name:        "openai",
		Model:       openai.ChatModelGPT4oMini,
		BaseURL:     DefaultBaseURL,
		MaxAttempts: DefaultMaxAttempts,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")

	client := opts.Client
	if client == nil {
		client = httpx.NewClient(httpx.Options{
			Provider:          opts.Name,
			MaxAttempts:       opts.MaxAttempts,
			BaseDelay:         opts.BaseDelay,
			AttemptTimeout:    opts.AttemptTimeout,
			RequestsPerMinute: opts.RequestsPerMinute,
			Logger:            opts.Logger,
		})
	}

	return &Adapter{opts: opts, client: client, logger: opts.Logger}
}

// Request is a prepared chat completion call.
type Request struct {
	Params openai.ChatCompletionNewParams
	// Body is the serialized params with streaming enabled.
	Body []byte
}

// Provider implements model.Request.
func (r *Request) Provider() string { return "openai" }

// Name implements model.Adapter.
func (a *Adapter) Name() string { return a.opts.Name }

// BuildRequest implements model.Adapter. The system prompt becomes the first
// entry of the message list.
func (a *Adapter) BuildRequest(system string, messages []core.Message, tools []model.ToolDefinition, opts model.Options) (model.Request, error) {
	converted := ConvertMessages(messages)
	if system != "" {
		converted = append([]openai.ChatCompletionMessageParamUnion{openai.SystemMessage(system)}, converted...)
	}

	params := openai.ChatCompletionNewParams{
		Messages: converted,
		Model:    a.opts.Model,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if opts.Model != "" {
		params.Model = opts.Model
	}
	if t := firstFloat(opts.Temperature, a.opts.Temperature); t != nil {
		params.Temperature = openai.Float(*t)
	}
	if n := firstInt(opts.MaxOutputTokens, a.opts.MaxCompletionTokens); n > 0 {
		params.MaxCompletionTokens = openai.Int(n)
	}
	if len(tools) > 0 {
		params.Tools = ToolsToVendorSchema(tools)
	}

	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", a.opts.Name, err)
	}
	body, err = sjson.SetBytes(body, "stream", true)
	if err != nil {
		return nil, fmt.Errorf("%s: enable streaming: %w", a.opts.Name, err)
	}

	return &Request{Params: params, Body: body}, nil
}

// Stream implements model.Adapter.
func (a *Adapter) Stream(ctx context.Context, req model.Request) <-chan core.Event {
	return model.Produce(ctx, a.opts.Name, func(emit func(core.Event) bool) {
		r, ok := req.(*Request)
		if !ok {
			emit(core.ErrorEvent(model.UnexpectedRequestError(a.opts.Name, req)))
			return
		}
		a.stream(ctx, r, emit)
	})
}

func (a *Adapter) stream(ctx context.Context, r *Request, emit func(core.Event) bool) {
	counted, attempts := httpx.WithAttemptCounter(ctx)
	attemptCtx, wd := httpx.NewWatchdog(counted, a.client.AttemptTimeout())
	defer wd.Stop()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, a.opts.BaseURL+"/chat/completions", bytes.NewReader(r.Body))
	if err != nil {
		emit(core.ErrorEvent(&core.VendorError{Provider: a.opts.Name, Attempts: 0, Message: err.Error(), Err: err}))
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if a.opts.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.opts.APIKey)
	}
	for k, v := range a.opts.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := a.client.Do(httpReq)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		emit(core.ErrorEvent(httpx.Classify(ctx, wd, a.opts.Name, int(attempts.Load()), err)))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		verr := httpx.StatusError(a.opts.Name, int(attempts.Load()), resp)
		a.logger.Warn("model.openai.failed", "provider", a.opts.Name, "status", resp.StatusCode, "attempts", verr.Attempts, "error", verr.Message)
		emit(core.ErrorEvent(verr))
		return
	}

	wd.Kick()
	a.logger.Debug("model.openai.stream", "provider", a.opts.Name, "attempts", attempts.Load(), "latency", time.Since(start))

	if err := decodeStream(a.opts.Name, resp.Body, wd.Kick, emit); err != nil {
		emit(core.ErrorEvent(httpx.Classify(ctx, wd, a.opts.Name, int(attempts.Load()), err)))
	}
}

func firstFloat(vals ...*float64) *float64 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstInt(vals ...int64) int64 {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

var _ model.Adapter = (*Adapter)(nil)
