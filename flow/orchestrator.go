package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/logging"
	"github.com/hupe1980/agentloop/model"
	"github.com/hupe1980/agentloop/progress"
	"github.com/hupe1980/agentloop/session"
	"github.com/hupe1980/agentloop/tool"
)

// StoppedMessage is returned when a tool stops the loop before the model
// produced any text.
const StoppedMessage = "Operation cancelled"

// UsageFunc receives the token usage reported after every model call.
type UsageFunc func(ctx context.Context, sessionID string, usage core.Usage)

// Options configures an Orchestrator.
type Options struct {
	// System is the system prompt sent with every model call.
	System string
	// Mode selects the offered tool set.
	Mode tool.Mode
	// Model carries generation settings forwarded to the adapter.
	Model model.Options
	// MaxModelCalls bounds model calls per run; zero means unlimited.
	MaxModelCalls int
	// Timeout bounds a whole run; zero means no bound beyond the caller's context.
	Timeout time.Duration
	// Progress receives live notifications. Optional.
	Progress progress.Sink
	// Usage is called with the usage of every model call. Optional.
	Usage  UsageFunc
	Logger logging.Logger
}

// Orchestrator drives the conversation loop: it calls the model, streams its
// reply, executes requested tools through the Gate and feeds their results
// back until the model answers without tool calls.
//
// One Orchestrator serves any number of sessions. Runs for the same session
// must be serialized by the caller.
type Orchestrator struct {
	adapter  model.Adapter
	registry *tool.Registry
	gate     *tool.Gate
	store    session.Store
	emitter  *progress.Emitter
	opts     Options
	now      func() time.Time
}

// NewOrchestrator wires the collaborators of the loop.
func NewOrchestrator(
	adapter model.Adapter,
	registry *tool.Registry,
	gate *tool.Gate,
	store session.Store,
	optFns ...func(o *Options),
) *Orchestrator {
	opts := Options{Mode: tool.ModeAgent}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	if registry == nil {
		registry = tool.NewRegistry()
	}

	if gate == nil {
		gate = tool.NewGate(func(g *tool.GateOptions) { g.Logger = opts.Logger })
	}

	if store == nil {
		store = session.NewInMemoryStore()
	}

	return &Orchestrator{
		adapter:  adapter,
		registry: registry,
		gate:     gate,
		store:    store,
		emitter:  progress.NewEmitter(opts.Progress, opts.Logger),
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Flush waits until the progress notifications of finished runs have been
// delivered, or ctx is done.
func (o *Orchestrator) Flush(ctx context.Context) error { return o.emitter.Flush(ctx) }

// Close delivers pending progress notifications and stops their delivery.
func (o *Orchestrator) Close() error { return o.emitter.Close() }

// Result summarizes a finished run.
type Result struct {
	// Text is the final answer: the last assistant text, or StoppedMessage
	// when a tool stopped the loop before any text was produced.
	Text string
	// Stopped is set when a tool ended the loop.
	Stopped bool
	// StopOutput is the output of the tool that stopped the loop.
	StopOutput string
	// Messages is the full conversation after the run.
	Messages   []core.Message
	ModelCalls int
	Usage      core.Usage
}

// Run processes one user turn. history is the conversation so far and msg the
// new user message. The returned error wraps core.ErrCancelled on
// cancellation or a *core.VendorError when the model could not be reached;
// in both cases the session already holds everything appended up to that
// point. Result is non-nil whenever the run got past its initial persist.
func (o *Orchestrator) Run(ctx context.Context, sessionID string, history []core.Message, msg core.Message) (*Result, error) {
	if o.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.Timeout)
		defer cancel()
	}

	r := &run{
		o:         o,
		ctx:       ctx,
		sessionID: sessionID,
		runID:     core.NewID(),
		limiter:   core.NewModelLimiter(o.opts.MaxModelCalls),
		messages:  append(make([]core.Message, 0, len(history)+4), history...),
	}

	r.logger = o.opts.Logger
	r.logger.Info("flow.run.start", "session_id", sessionID, "run_id", r.runID, "mode", o.opts.Mode, "history", len(history))

	res, err := r.execute(msg)

	r.logger.Info("flow.run.finish",
		"session_id", sessionID,
		"run_id", r.runID,
		"state", r.state,
		"model_calls", r.limiter.Count(),
		"input_tokens", r.usage.InputTokens,
		"output_tokens", r.usage.OutputTokens,
		"error", errString(err),
	)

	return res, err
}

// run is the state of one Run invocation.
type run struct {
	o         *Orchestrator
	ctx       context.Context
	sessionID string
	runID     string
	logger    logging.Logger
	limiter   *core.ModelLimiter
	messages  []core.Message
	state     State
	bestText  string
	usage     core.Usage
}

// turn is what one model call produced.
type turn struct {
	text      strings.Builder
	reasoning strings.Builder
	grounding []core.GroundingSource
	calls     []core.ToolCall
}

func (r *run) execute(msg core.Message) (*Result, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = r.o.now()
	}

	if n := len(r.messages); n == 0 || r.messages[n-1].Role != core.RoleUser || !r.messages[n-1].SameContent(msg) {
		r.messages = append(r.messages, msg)
	}

	if err := r.persist(r.ctx); err != nil {
		if r.ctx.Err() != nil {
			cerr := r.cancel("")
			return r.result(), cerr
		}

		r.transition(StateFailed)

		return nil, err
	}

	for {
		r.transition(StateAwaitingModel)

		if r.ctx.Err() != nil {
			err := r.cancel("")
			return r.result(), err
		}

		if err := r.limiter.Increment(); err != nil {
			r.transition(StateFailed)
			return r.result(), err
		}

		req, err := r.o.adapter.BuildRequest(r.o.opts.System, r.messages, r.o.registry.Definitions(r.o.opts.Mode), r.o.opts.Model)
		if err != nil {
			r.transition(StateFailed)
			return r.result(), fmt.Errorf("build request: %w", err)
		}

		r.transition(StateStreamingResponse)

		t, err := r.stream(req)
		if err != nil || r.ctx.Err() != nil {
			if r.ctx.Err() != nil || core.IsCancellation(err) {
				cerr := r.cancel(t.text.String())
				return r.result(), cerr
			}

			r.transition(StateFailed)
			r.logger.Error("flow.model.failed", "session_id", r.sessionID, "run_id", r.runID, "provider", r.o.adapter.Name(), "error", err.Error())

			return r.result(), fmt.Errorf("model call %d: %w", r.limiter.Count(), err)
		}

		if m, ok := r.materialize(t); ok {
			if err := r.appendMessage(r.ctx, m); err != nil {
				r.transition(StateFailed)
				return r.result(), err
			}
		}

		if text := t.text.String(); text != "" {
			r.bestText = text
		}

		if len(t.calls) == 0 {
			r.transition(StateDone)

			res := r.result()
			res.Text = t.text.String()
			if res.Text == "" {
				res.Text = r.bestText
			}

			return res, nil
		}

		r.transition(StateExecutingTools)

		res, done, err := r.executeTools(t.calls)
		if done {
			return res, err
		}
	}
}

// stream drains one model response. It always returns a non-nil turn.
func (r *run) stream(req model.Request) (*turn, error) {
	t := &turn{}
	acc := model.NewToolCallAccumulator()
	seen := map[string]struct{}{}

	started, ended := false, false
	endStream := func() {
		if started && !ended {
			ended = true
			r.emit(progress.Event{Type: progress.StreamEnd})
		}
	}

	var streamErr error

loop:
	for ev := range r.o.adapter.Stream(r.ctx, req) {
		if err := r.ctx.Err(); err != nil {
			streamErr = err
			break
		}

		switch ev.Type {
		case core.EventText, core.EventReasoning:
			if ev.Text == "" {
				continue
			}

			if !started {
				started = true
				r.emit(progress.Event{Type: progress.StreamStart})
			}

			if ev.Type == core.EventText {
				t.text.WriteString(ev.Text)
			} else {
				t.reasoning.WriteString(ev.Text)
			}

			r.emit(progress.Event{Type: progress.StreamAppend, Text: ev.Text})
		case core.EventToolCall:
			endStream()

			if ev.ToolCall != nil {
				acc.Add(*ev.ToolCall)
			}
		case core.EventUsage:
			if ev.Usage != nil {
				r.recordUsage(*ev.Usage)
			}
		case core.EventGrounding:
			for _, src := range ev.Grounding {
				if _, dup := seen[src.URI]; dup {
					continue
				}
				seen[src.URI] = struct{}{}
				t.grounding = append(t.grounding, src)
			}
		case core.EventError:
			streamErr = ev.Err
			if streamErr == nil {
				streamErr = errors.New(ev.Message)
			}
			break loop
		case core.EventEnd:
			break loop
		}
	}

	endStream()

	t.calls = acc.Flush()

	return t, streamErr
}

func (r *run) recordUsage(u core.Usage) {
	r.usage.InputTokens += u.InputTokens
	r.usage.OutputTokens += u.OutputTokens

	if u.Cost != nil {
		total := *u.Cost
		if r.usage.Cost != nil {
			total += *r.usage.Cost
		}
		r.usage.Cost = &total
	}

	fields := []any{"session_id", r.sessionID, "run_id", r.runID, "input_tokens", u.InputTokens, "output_tokens", u.OutputTokens}
	if u.Cost != nil {
		fields = append(fields, "cost", *u.Cost)
	}

	r.logger.Debug("flow.usage", fields...)

	if r.o.opts.Usage != nil {
		r.o.opts.Usage(r.ctx, r.sessionID, u)
	}
}

// materialize combines one model response into an assistant message.
func (r *run) materialize(t *turn) (core.Message, bool) {
	var blocks []core.Block

	if s := t.reasoning.String(); s != "" {
		blocks = append(blocks, core.ReasoningBlock{Text: s})
	}

	if s := t.text.String(); s != "" {
		blocks = append(blocks, core.TextBlock{Text: s})
	}

	if len(t.grounding) > 0 {
		blocks = append(blocks, core.GroundingBlock{Sources: t.grounding})
	}

	for _, c := range t.calls {
		blocks = append(blocks, core.ToolUseBlock{ID: c.ID, Name: c.Name, Input: callInput(c.Args)})
	}

	if len(blocks) == 0 {
		return core.Message{}, false
	}

	return core.Message{Role: core.RoleAssistant, Content: blocks, Timestamp: r.o.now()}, true
}

// callInput keeps the model's argument text when it is a JSON object.
func callInput(args string) json.RawMessage {
	trimmed := strings.TrimSpace(args)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}

	return json.RawMessage("{}")
}

// executeTools runs the calls of one turn in order. done reports that the
// run ended (stop, cancellation or persistence failure).
func (r *run) executeTools(calls []core.ToolCall) (*Result, bool, error) {
	for i, call := range calls {
		if r.ctx.Err() != nil {
			r.skip(calls[i:], "request cancelled")
			err := r.cancel("")
			return r.result(), true, err
		}

		t, ok := r.o.registry.Lookup(r.o.opts.Mode, call.Name)
		if !ok {
			r.logger.Warn("flow.tool.unknown", "session_id", r.sessionID, "run_id", r.runID, "tool", call.Name, "call_id", call.ID)

			res := tool.ErrorResult(tool.CodeUnknown, fmt.Sprintf("tool %q is not available", call.Name))
			if err := r.appendMessage(r.ctx, r.toolMessage(call, res)); err != nil {
				r.transition(StateFailed)
				return r.result(), true, err
			}

			continue
		}

		args, _ := tool.ParseArgs(call.Args)
		filename := tool.PathKey(args)

		r.emit(progress.Event{
			Type:     progress.ToolExecutionStart,
			ToolName: call.Name,
			ToolID:   call.ID,
			Filename: filename,
			Args:     progress.RawArgs(call.Args),
		})

		res := r.o.gate.Execute(r.ctx, t, call.ID, call.Args)

		complete := progress.Event{
			Type:     progress.ToolExecutionComplete,
			ToolName: call.Name,
			ToolID:   call.ID,
			Filename: filename,
			Status:   string(res.Status),
		}
		if res.IsError() {
			complete.Error = res.Content()
		} else {
			complete.Result = res.Output
		}
		r.emit(complete)

		if err := r.appendMessage(r.ctx, r.toolMessage(call, res)); err != nil && r.ctx.Err() == nil {
			r.transition(StateFailed)
			return r.result(), true, err
		}

		if r.ctx.Err() != nil {
			r.skip(calls[i+1:], "request cancelled")
			err := r.cancel("")
			return r.result(), true, err
		}

		if res.Stop {
			r.skip(calls[i+1:], fmt.Sprintf("loop stopped by %s", call.Name))
			r.transition(StateDone)

			out := r.result()
			out.Stopped = true
			out.StopOutput = res.Output
			out.Text = r.bestText
			if out.Text == "" {
				out.Text = StoppedMessage
			}

			return out, true, nil
		}
	}

	return nil, false, nil
}

// skip records SKIPPED results so every tool use stays answered.
func (r *run) skip(calls []core.ToolCall, reason string) {
	if len(calls) == 0 {
		return
	}

	ctx := context.WithoutCancel(r.ctx)
	for _, call := range calls {
		res := tool.ErrorResult(tool.CodeSkipped, fmt.Sprintf("not executed: %s", reason))
		if err := r.appendMessage(ctx, r.toolMessage(call, res)); err != nil {
			r.logger.Error("flow.persist.failed", "session_id", r.sessionID, "run_id", r.runID, "error", err.Error())
		}
	}
}

func (r *run) toolMessage(call core.ToolCall, res tool.Result) core.Message {
	m := core.NewToolResultMessage(call.ID, res.Content(), res.IsError())
	m.Timestamp = r.o.now()

	return m
}

// cancel records the partial reply and the cancellation notice. Persistence
// ignores the cancelled context so the session reflects the cancellation.
func (r *run) cancel(partial string) error {
	ctx := context.WithoutCancel(r.ctx)

	if partial != "" {
		m := core.NewTextMessage(core.RoleAssistant, partial)
		m.Timestamp = r.o.now()
		if err := r.appendMessage(ctx, m); err != nil {
			r.logger.Error("flow.persist.failed", "session_id", r.sessionID, "run_id", r.runID, "error", err.Error())
		}
	}

	m := core.NewTextMessage(core.RoleAssistant, core.CancelledMessage)
	m.Timestamp = r.o.now()
	if err := r.appendMessage(ctx, m); err != nil {
		r.logger.Error("flow.persist.failed", "session_id", r.sessionID, "run_id", r.runID, "error", err.Error())
	}

	r.transition(StateCancelled)

	if errors.Is(r.ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", core.ErrCancelled, context.DeadlineExceeded)
	}

	return core.ErrCancelled
}

func (r *run) appendMessage(ctx context.Context, m core.Message) error {
	r.messages = append(r.messages, m)
	return r.persist(ctx)
}

func (r *run) persist(ctx context.Context) error {
	if err := r.o.store.Write(ctx, r.sessionID, core.Flatten(r.messages)); err != nil {
		return fmt.Errorf("persist session %s: %w", r.sessionID, err)
	}

	return nil
}

func (r *run) transition(to State) {
	r.logger.Debug("flow.state", "session_id", r.sessionID, "run_id", r.runID, "from", r.state, "to", to)
	r.state = to
}

func (r *run) emit(ev progress.Event) {
	ev.SessionID = r.sessionID
	r.o.emitter.Emit(r.ctx, ev)
}

func (r *run) result() *Result {
	return &Result{
		Text:       r.bestText,
		Messages:   append([]core.Message(nil), r.messages...),
		ModelCalls: r.limiter.Count(),
		Usage:      r.usage,
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
