// Package agentloop provides a high-level façade over the conversation loop.
// It turns a config.Config into a ready Orchestrator: logger, model adapter,
// tool registry with the built-in workspace tools, execution gate, session
// store and progress sinks. Most applications only need New, Send and Close.
//
// Collaborators can be replaced through Options, which is how tests run the
// loop against a scripted model and an in-memory store.
package agentloop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/redis/go-redis/v9"

	"github.com/hupe1980/agentloop/config"
	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/flow"
	"github.com/hupe1980/agentloop/internal/util"
	"github.com/hupe1980/agentloop/logging"
	"github.com/hupe1980/agentloop/model"
	anthropicmodel "github.com/hupe1980/agentloop/model/anthropic"
	"github.com/hupe1980/agentloop/model/gemini"
	"github.com/hupe1980/agentloop/model/openai"
	"github.com/hupe1980/agentloop/progress"
	"github.com/hupe1980/agentloop/progress/amqpsink"
	"github.com/hupe1980/agentloop/progress/redissink"
	"github.com/hupe1980/agentloop/session"
	"github.com/hupe1980/agentloop/session/mysqlstore"
	"github.com/hupe1980/agentloop/session/redisstore"
	"github.com/hupe1980/agentloop/tool"
	"github.com/hupe1980/agentloop/tool/builtin"
)

// Options overrides collaborators that New would otherwise build from the
// configuration.
type Options struct {
	// Adapter replaces the provider selected by provider.name.
	Adapter model.Adapter
	// Store replaces the backend selected by session.backend.
	Store session.Store
	// Progress is added to the configured sinks.
	Progress progress.Sink
	// Tools are registered before the built-in tools.
	Tools []tool.Tool
	// Usage receives per model call token usage.
	Usage flow.UsageFunc
	// Logger replaces the logger built from the logging section.
	Logger logging.Logger
}

// AgentLoop is the high-level façade aggregating the orchestrator and its
// services.
type AgentLoop struct {
	orchestrator *flow.Orchestrator
	store        session.Store
	registry     *tool.Registry
	sessions     *tool.KeyedMutex
	logger       logging.Logger
	closers      []io.Closer
}

// New builds an AgentLoop from cfg. Resources opened here (log file, Redis and
// MySQL connections, AMQP channels) are released by Close; on error they are
// released before New returns.
func New(ctx context.Context, cfg *config.Config, optFns ...func(o *Options)) (_ *AgentLoop, err error) {
	if cfg == nil {
		cfg = config.Default()
	}

	var opts Options
	for _, fn := range optFns {
		fn(&opts)
	}

	l := &AgentLoop{sessions: tool.NewKeyedMutex()}

	defer func() {
		if err != nil {
			_ = l.Close()
		}
	}()

	l.logger = opts.Logger
	if l.logger == nil {
		logger, closer, err := logging.New(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("agentloop: logger: %w", err)
		}

		l.logger = logger
		l.closers = append(l.closers, closer)
	}

	adapter := opts.Adapter
	if adapter == nil {
		if adapter, err = NewAdapter(ctx, cfg.Provider, l.logger); err != nil {
			return nil, err
		}
	}

	mode, err := tool.ParseMode(cfg.Agent.Mode)
	if err != nil {
		return nil, fmt.Errorf("agentloop: %w", err)
	}

	l.registry = tool.NewRegistry()

	for _, t := range opts.Tools {
		if err := l.registry.Register(t); err != nil {
			return nil, fmt.Errorf("agentloop: %w", err)
		}
	}

	vars := map[string]any{"workspace": cfg.Agent.Workspace}

	if !cfg.Agent.DisableTools {
		ws, err := builtin.NewWorkspace(cfg.Agent.Workspace)
		if err != nil {
			return nil, fmt.Errorf("agentloop: %w", err)
		}

		if err := ws.Register(l.registry); err != nil {
			return nil, fmt.Errorf("agentloop: %w", err)
		}

		vars["workspace"] = ws.Root()
	}

	maps.Copy(vars, cfg.Agent.SystemVars)

	system, err := util.RenderTemplate(cfg.Agent.System, vars)
	if err != nil {
		return nil, fmt.Errorf("agentloop: system prompt: %w", err)
	}

	gate := tool.NewGate(func(o *tool.GateOptions) {
		if len(cfg.Gate.MutatingTools) > 0 {
			o.MutatingTools = cfg.Gate.MutatingTools
		}
		o.MaxOutputBytes = cfg.Gate.MaxOutputBytes
		o.MaxConcurrent = cfg.Gate.MaxConcurrent
		o.Logger = l.logger
	})

	l.store = opts.Store
	if l.store == nil {
		if l.store, err = l.openStore(ctx, cfg.Session); err != nil {
			return nil, err
		}
	}

	sink, err := l.openProgress(cfg.Progress, opts.Progress)
	if err != nil {
		return nil, err
	}

	l.orchestrator = flow.NewOrchestrator(adapter, l.registry, gate, l.store, func(o *flow.Options) {
		o.System = system
		o.Mode = mode
		o.Model = model.Options{
			Model:           cfg.Provider.Model,
			Temperature:     cfg.Provider.Temperature,
			MaxOutputTokens: cfg.Provider.MaxOutputTokens,
		}
		o.MaxModelCalls = cfg.Agent.MaxModelCalls
		o.Timeout = cfg.Agent.Timeout.Std()
		o.Progress = sink
		o.Usage = opts.Usage
		o.Logger = l.logger
	})

	// Closed before the sinks it publishes to.
	l.closers = append(l.closers, l.orchestrator)

	l.logger.Info("agentloop.ready",
		"provider", adapter.Name(),
		"mode", mode,
		"tools", len(l.registry.Enabled(mode)),
		"session_backend", cfg.Session.Backend,
	)

	return l, nil
}

// NewAdapter creates the model adapter named by cfg.Name.
func NewAdapter(ctx context.Context, cfg config.ProviderConfig, logger logging.Logger) (model.Adapter, error) {
	switch strings.ToLower(cfg.Name) {
	case config.ProviderOpenAI, "":
		return openai.NewAdapter(func(o *openai.Options) {
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
			if cfg.BaseURL != "" {
				o.BaseURL = cfg.BaseURL
			}
			o.APIKey = cfg.APIKey
			o.Temperature = cfg.Temperature
			o.MaxCompletionTokens = cfg.MaxOutputTokens
			o.Headers = cfg.Headers
			o.MaxAttempts = cfg.MaxAttempts
			o.BaseDelay = cfg.BaseDelay.Std()
			o.AttemptTimeout = cfg.AttemptTimeout.Std()
			o.RequestsPerMinute = cfg.RequestsPerMinute
			o.Logger = logger
		}), nil
	case config.ProviderGemini:
		a, err := gemini.NewAdapter(ctx, func(o *gemini.Options) {
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
			o.APIKey = cfg.APIKey
			o.BaseURL = cfg.BaseURL
			o.Temperature = cfg.Temperature
			o.MaxOutputTokens = int32(cfg.MaxOutputTokens)
			o.MaxAttempts = cfg.MaxAttempts
			o.BaseDelay = cfg.BaseDelay.Std()
			o.AttemptTimeout = cfg.AttemptTimeout.Std()
			o.RequestsPerMinute = cfg.RequestsPerMinute
			o.Logger = logger
		})
		if err != nil {
			return nil, fmt.Errorf("agentloop: %w", err)
		}

		return a, nil
	case config.ProviderAnthropic:
		return anthropicmodel.NewAdapter(func(o *anthropicmodel.Options) {
			if cfg.Model != "" {
				o.Model = anthropic.Model(cfg.Model)
			}
			if cfg.MaxOutputTokens > 0 {
				o.MaxTokens = cfg.MaxOutputTokens
			}
			o.APIKey = cfg.APIKey
			o.BaseURL = cfg.BaseURL
			o.Temperature = cfg.Temperature
			o.MaxAttempts = cfg.MaxAttempts
			o.BaseDelay = cfg.BaseDelay.Std()
			o.AttemptTimeout = cfg.AttemptTimeout.Std()
			o.RequestsPerMinute = cfg.RequestsPerMinute
			o.Logger = logger
		}), nil
	case config.ProviderScripted:
		return model.NewScriptedAdapter(), nil
	default:
		return nil, fmt.Errorf("agentloop: unsupported provider %q", cfg.Name)
	}
}

func (l *AgentLoop) openStore(ctx context.Context, cfg config.SessionConfig) (session.Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", config.BackendMemory:
		return session.NewInMemoryStore(), nil
	case config.BackendRedis:
		s, err := redisstore.Open(ctx, redisstore.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			TTL:      cfg.Redis.TTL.Std(),
		})
		if err != nil {
			return nil, err
		}

		l.closers = append(l.closers, s)

		return s, nil
	case config.BackendMySQL:
		s, err := mysqlstore.Open(ctx, mysqlstore.Config{
			DSN:             cfg.MySQL.DSN,
			Table:           cfg.MySQL.Table,
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime.Std(),
		})
		if err != nil {
			return nil, err
		}

		l.closers = append(l.closers, s)

		return s, nil
	default:
		return nil, fmt.Errorf("agentloop: unsupported session backend %q", cfg.Backend)
	}
}

func (l *AgentLoop) openProgress(cfg config.ProgressConfig, extra progress.Sink) (progress.Sink, error) {
	var sinks progress.Multi

	if extra != nil {
		sinks = append(sinks, extra)
	}

	if cfg.Log {
		sinks = append(sinks, progress.NewLogSink(l.logger))
	}

	if cfg.AMQP.URL != "" {
		s, err := amqpsink.Dial(cfg.AMQP)
		if err != nil {
			return nil, err
		}

		l.closers = append(l.closers, s)
		sinks = append(sinks, s)
	}

	if cfg.Redis.Address != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		l.closers = append(l.closers, client)
		sinks = append(sinks, redissink.New(client, cfg.Redis.Channel))
	}

	switch len(sinks) {
	case 0:
		return nil, nil
	case 1:
		return sinks[0], nil
	default:
		return sinks, nil
	}
}

// Send appends text as a user message to the session and runs the loop until
// the model answers. Concurrent calls for the same session are serialized.
func (l *AgentLoop) Send(ctx context.Context, sessionID, text string) (*flow.Result, error) {
	if sessionID == "" {
		return nil, session.ErrEmptySessionID
	}

	unlock, err := l.sessions.Lock(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("agentloop: wait for session %s: %w: %w", sessionID, core.ErrCancelled, err)
	}
	defer unlock()

	history, err := l.History(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	return l.orchestrator.Run(ctx, sessionID, history, core.NewTextMessage(core.RoleUser, text))
}

// History returns the stored conversation of a session.
func (l *AgentLoop) History(ctx context.Context, sessionID string) ([]core.Message, error) {
	stored, err := l.store.Read(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("agentloop: read session %s: %w", sessionID, err)
	}

	return core.Restore(stored), nil
}

// Flush waits until progress notifications of finished turns have been
// delivered, or ctx is done.
func (l *AgentLoop) Flush(ctx context.Context) error { return l.orchestrator.Flush(ctx) }

// Registry exposes the tool registry, e.g. to add tools after New.
func (l *AgentLoop) Registry() *tool.Registry { return l.registry }

// Close releases everything New opened, in reverse order.
func (l *AgentLoop) Close() error {
	var errs []error

	for i := len(l.closers) - 1; i >= 0; i-- {
		if err := l.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}

	l.closers = nil

	return errors.Join(errs...)
}
