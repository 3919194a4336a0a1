// Package anthropic implements model.Adapter for the Anthropic Messages API
// using the official SDK's streaming client. HTTP retries are delegated to
// the shared retrying client; the SDK's own retry loop is disabled.
package anthropic

import (
	"context"
	"errors"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/internal/httpx"
	"github.com/hupe1980/agentloop/logging"
	"github.com/hupe1980/agentloop/model"
)

const (
	// DefaultMaxAttempts is the Anthropic retry cap.
	DefaultMaxAttempts = 3
	// DefaultMaxTokens is sent when no output limit is configured.
	DefaultMaxTokens = 4096
)

// Options configures the Anthropic adapter.
type Options struct {
	Model             anthropic.Model
	APIKey            string
	BaseURL           string
	Temperature       *float64
	MaxTokens         int64
	MaxAttempts       int
	BaseDelay         time.Duration
	AttemptTimeout    time.Duration
	RequestsPerMinute int
	Logger            logging.Logger
}

// Adapter streams Claude messages.
type Adapter struct {
	client  anthropic.Client
	opts    Options
	timeout time.Duration
	logger  logging.Logger
}

// NewAdapter creates an adapter using the official client over the retrying
// HTTP client.
func NewAdapter(optFns ...func(o *Options)) *Adapter {
	opts := Options{
		Model:       anthropic.ModelClaudeSonnet4_20250514,
		MaxTokens:   DefaultMaxTokens,
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

	httpc := httpx.NewClient(httpx.Options{
		Provider:          "anthropic",
		MaxAttempts:       opts.MaxAttempts,
		BaseDelay:         opts.BaseDelay,
		AttemptTimeout:    opts.AttemptTimeout,
		RequestsPerMinute: opts.RequestsPerMinute,
		Logger:            opts.Logger,
	})

	clientOpts := []option.RequestOption{
		option.WithHTTPClient(httpc.StandardClient()),
		option.WithMaxRetries(0),
	}
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}

	return &Adapter{
		client:  anthropic.NewClient(clientOpts...),
		opts:    opts,
		timeout: opts.AttemptTimeout,
		logger:  opts.Logger,
	}
}

// Request is a prepared Messages call.
type Request struct {
	Params anthropic.MessageNewParams
}

// Provider implements model.Request.
func (r *Request) Provider() string { return "anthropic" }

// Name implements model.Adapter.
func (a *Adapter) Name() string { return "anthropic" }

// BuildRequest implements model.Adapter.
func (a *Adapter) BuildRequest(system string, messages []core.Message, tools []model.ToolDefinition, opts model.Options) (model.Request, error) {
	params := anthropic.MessageNewParams{
		Model:     a.opts.Model,
		Messages:  ConvertMessages(messages),
		MaxTokens: a.opts.MaxTokens,
	}
	if opts.Model != "" {
		params.Model = anthropic.Model(opts.Model)
	}
	if opts.MaxOutputTokens > 0 {
		params.MaxTokens = opts.MaxOutputTokens
	}
	temp := opts.Temperature
	if temp == nil {
		temp = a.opts.Temperature
	}
	if temp != nil {
		params.Temperature = anthropic.Float(*temp)
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(tools) > 0 {
		params.Tools = ToolsToVendorSchema(tools)
	}
	return &Request{Params: params}, nil
}

// Stream implements model.Adapter. Text and thinking deltas are forwarded as
// they arrive; tool uses are accumulated and emitted once the message ends.
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

	stream := a.client.Messages.NewStreaming(attemptCtx, r.Params)
	defer stream.Close()

	message := anthropic.Message{}
	for stream.Next() {
		wd.Kick()
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			emit(core.ErrorEvent(&core.VendorError{Provider: a.Name(), Attempts: int(attempts.Load()), Message: err.Error(), Err: err}))
			return
		}

		delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		switch d := delta.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			if d.Text != "" && !emit(core.TextEvent(d.Text)) {
				return
			}
		case anthropic.ThinkingDelta:
			if d.Thinking != "" && !emit(core.ReasoningEvent(d.Thinking)) {
				return
			}
		}
	}
	if err := stream.Err(); err != nil {
		emit(core.ErrorEvent(a.classify(ctx, wd, int(attempts.Load()), err)))
		return
	}
	if ctx.Err() != nil || wd.Stalled() {
		emit(core.ErrorEvent(httpx.Classify(ctx, wd, a.Name(), int(attempts.Load()), context.Canceled)))
		return
	}

	for i, block := range message.Content {
		if block.Type != "tool_use" {
			continue
		}
		args := string(block.Input)
		if args == "" {
			args = "{}"
		}
		if !emit(core.ToolCallEvent(core.ToolCall{Index: i, ID: block.ID, Name: block.Name, Args: args})) {
			return
		}
	}
	if !emit(core.UsageEvent(core.Usage{
		InputTokens:  message.Usage.InputTokens,
		OutputTokens: message.Usage.OutputTokens,
	})) {
		return
	}
	emit(core.EndEvent())
}

func (a *Adapter) classify(ctx context.Context, wd *httpx.Watchdog, attempts int, err error) error {
	if ctx.Err() != nil || wd.Stalled() {
		return httpx.Classify(ctx, wd, a.Name(), attempts, err)
	}
	if attempts < 1 {
		attempts = 1
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		msg := httpx.ErrorMessage([]byte(apiErr.RawJSON()))
		if msg == "" {
			msg = err.Error()
		}
		a.logger.Warn("model.anthropic.failed", "status", apiErr.StatusCode, "attempts", attempts, "error", msg)
		return &core.VendorError{Provider: a.Name(), Attempts: attempts, StatusCode: apiErr.StatusCode, Message: msg, Err: err}
	}
	return &core.VendorError{Provider: a.Name(), Attempts: attempts, Message: err.Error(), Err: err}
}

var _ model.Adapter = (*Adapter)(nil)
