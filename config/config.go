// Package config loads the YAML configuration of an agentloop process.
//
// Values are resolved in three steps: built-in defaults, the YAML file, then
// environment variables for secrets and a few frequently overridden keys.
// Validate reports every invalid value at once.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/agentloop/logging"
	"github.com/hupe1980/agentloop/progress/amqpsink"
)

// Provider names accepted in provider.name.
const (
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"
	ProviderScripted  = "scripted"
)

// Session backends accepted in session.backend.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendMySQL  = "mysql"
)

// Duration is a time.Duration written as a Go duration string ("60s").
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}

	if strings.TrimSpace(s) == "" {
		*d = 0
		return nil
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", value.Line, s, err)
	}

	*d = Duration(parsed)

	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration.
type Config struct {
	Provider ProviderConfig `yaml:"provider"`
	Agent    AgentConfig    `yaml:"agent"`
	Gate     GateConfig     `yaml:"gate"`
	Session  SessionConfig  `yaml:"session"`
	Progress ProgressConfig `yaml:"progress"`
	Logging  logging.Config `yaml:"logging"`
}

// ProviderConfig selects and tunes the model adapter.
type ProviderConfig struct {
	Name              string            `yaml:"name"`
	Model             string            `yaml:"model"`
	APIKey            string            `yaml:"api_key"`
	BaseURL           string            `yaml:"base_url"`
	Temperature       *float64          `yaml:"temperature"`
	MaxOutputTokens   int64             `yaml:"max_output_tokens"`
	MaxAttempts       int               `yaml:"max_attempts"`
	BaseDelay         Duration          `yaml:"base_delay"`
	AttemptTimeout    Duration          `yaml:"attempt_timeout"`
	RequestsPerMinute int               `yaml:"requests_per_minute"`
	Headers           map[string]string `yaml:"headers"`
}

// AgentConfig shapes the conversation loop.
type AgentConfig struct {
	Mode string `yaml:"mode"` // chat or agent
	// System is a text/template rendered with SystemVars.
	System        string         `yaml:"system"`
	SystemVars    map[string]any `yaml:"system_vars"`
	MaxModelCalls int            `yaml:"max_model_calls"`
	Timeout       Duration       `yaml:"timeout"`
	Workspace     string         `yaml:"workspace"`
	DisableTools  bool           `yaml:"disable_builtin_tools"`
}

// GateConfig tunes tool execution.
type GateConfig struct {
	MutatingTools  []string `yaml:"mutating_tools"`
	MaxOutputBytes int      `yaml:"max_output_bytes"`
	MaxConcurrent  int64    `yaml:"max_concurrent"`
}

// SessionConfig selects the persistence backend.
type SessionConfig struct {
	Backend string             `yaml:"backend"`
	Redis   RedisSessionConfig `yaml:"redis"`
	MySQL   MySQLSessionConfig `yaml:"mysql"`
}

// RedisSessionConfig configures session/redisstore.
type RedisSessionConfig struct {
	Address  string   `yaml:"address"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	Prefix   string   `yaml:"prefix"`
	TTL      Duration `yaml:"ttl"`
}

// MySQLSessionConfig configures session/mysqlstore.
type MySQLSessionConfig struct {
	DSN             string   `yaml:"dsn"`
	Table           string   `yaml:"table"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
}

// ProgressConfig enables progress sinks. Several may be active at once.
type ProgressConfig struct {
	Log   bool                `yaml:"log"`
	AMQP  amqpsink.Config     `yaml:"amqp"`
	Redis RedisProgressConfig `yaml:"redis"`
}

// RedisProgressConfig configures progress/redissink.
type RedisProgressConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Provider: ProviderConfig{
			Name:           ProviderOpenAI,
			MaxAttempts:    5,
			BaseDelay:      Duration(time.Second),
			AttemptTimeout: Duration(60 * time.Second),
		},
		Agent: AgentConfig{
			Mode:      "agent",
			System:    "You are a helpful coding assistant working in {{ .workspace }}.",
			Workspace: ".",
		},
		Gate: GateConfig{
			MutatingTools:  []string{"write_file", "apply_patch", "edit_file", "delete_file"},
			MaxOutputBytes: 200_000,
		},
		Session: SessionConfig{Backend: BackendMemory},
		Logging: logging.Config{Level: "info", Format: "json", Output: "stderr"},
	}
}

// Load reads path, applies defaults and environment overrides. A relative
// workspace is resolved against the file's directory.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config: path must not be empty")
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open: %w", err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, err
	}

	if ws := cfg.Agent.Workspace; ws != "" && !filepath.IsAbs(ws) {
		cfg.Agent.Workspace = filepath.Join(filepath.Dir(path), ws)
	}

	cfg.ApplyEnv(os.LookupEnv)

	return cfg, nil
}

// Parse decodes YAML on top of Default. Unknown keys are rejected.
func Parse(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	cfg := Default()

	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides values from the environment. AGENTLOOP_API_KEY wins over
// the vendor specific variables, which only fill an empty key.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("AGENTLOOP_PROVIDER"); ok && v != "" {
		c.Provider.Name = v
	}

	if v, ok := lookup("AGENTLOOP_MODEL"); ok && v != "" {
		c.Provider.Model = v
	}

	if v, ok := lookup("AGENTLOOP_LOG_LEVEL"); ok && v != "" {
		c.Logging.Level = v
	}

	if v, ok := lookup("AGENTLOOP_API_KEY"); ok && v != "" {
		c.Provider.APIKey = v
		return
	}

	if c.Provider.APIKey != "" {
		return
	}

	vendorKey := map[string]string{
		ProviderOpenAI:    "OPENAI_API_KEY",
		ProviderGemini:    "GEMINI_API_KEY",
		ProviderAnthropic: "ANTHROPIC_API_KEY",
	}[strings.ToLower(c.Provider.Name)]

	if vendorKey == "" {
		return
	}

	if v, ok := lookup(vendorKey); ok {
		c.Provider.APIKey = v
	}
}

// Validate reports every invalid value.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Provider.Name) {
	case ProviderOpenAI, ProviderGemini, ProviderAnthropic:
		if c.Provider.APIKey == "" {
			errs = append(errs, fmt.Errorf("provider.api_key is required for %s", c.Provider.Name))
		}
	case ProviderScripted:
	default:
		errs = append(errs, fmt.Errorf("provider.name %q is not supported", c.Provider.Name))
	}

	if c.Provider.MaxAttempts < 1 || c.Provider.MaxAttempts > 10 {
		errs = append(errs, fmt.Errorf("provider.max_attempts must be between 1 and 10, got %d", c.Provider.MaxAttempts))
	}

	if t := c.Provider.Temperature; t != nil && (*t < 0 || *t > 2) {
		errs = append(errs, fmt.Errorf("provider.temperature must be between 0 and 2, got %v", *t))
	}

	if c.Provider.BaseDelay < 0 || c.Provider.AttemptTimeout < 0 || c.Agent.Timeout < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}

	if c.Provider.RequestsPerMinute < 0 {
		errs = append(errs, errors.New("provider.requests_per_minute must not be negative"))
	}

	switch strings.ToLower(c.Agent.Mode) {
	case "", "chat", "agent":
	default:
		errs = append(errs, fmt.Errorf("agent.mode %q must be chat or agent", c.Agent.Mode))
	}

	if c.Agent.MaxModelCalls < 0 {
		errs = append(errs, errors.New("agent.max_model_calls must not be negative"))
	}

	if c.Gate.MaxConcurrent < 0 {
		errs = append(errs, errors.New("gate.max_concurrent must not be negative"))
	}

	switch strings.ToLower(c.Session.Backend) {
	case "", BackendMemory:
	case BackendRedis:
		if c.Session.Redis.Address == "" {
			errs = append(errs, errors.New("session.redis.address is required"))
		}
	case BackendMySQL:
		if c.Session.MySQL.DSN == "" {
			errs = append(errs, errors.New("session.mysql.dsn is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("session.backend %q is not supported", c.Session.Backend))
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}

	return errors.Join(errs...)
}
