package tool

import (
	"fmt"
	"strings"
	"sync"

	"github.com/hupe1980/agentloop/model"
)

// Mode selects which registered tools are offered to the model.
type Mode string

const (
	// ModeChat offers read-only tools only.
	ModeChat Mode = "chat"
	// ModeAgent offers every registered tool.
	ModeAgent Mode = "agent"
)

// ParseMode converts a configuration string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeChat:
		return ModeChat, nil
	case ModeAgent, "":
		return ModeAgent, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// Registry keeps the mapping between tool names and implementations. It is
// constructed once and passed explicitly to the components that need it.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry creates a registry holding the given tools. It panics on a
// duplicate name, which is a programming error at wiring time.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}

	return r
}

// Register inserts a tool when its name is not in use.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return fmt.Errorf("tool is nil")
	}

	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}

	r.tools[name] = t
	r.order = append(r.order, name)

	return nil
}

// FindByName returns the tool registered under name regardless of mode.
func (r *Registry) FindByName(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]

	return t, ok
}

// Enabled lists the tools available in mode, in registration order.
func (r *Registry) Enabled(mode Mode) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		if mode == ModeChat && !IsReadOnly(t) {
			continue
		}
		out = append(out, t)
	}

	return out
}

// Lookup returns the tool only when it is enabled in mode. A tool the model
// was never offered is treated as unknown.
func (r *Registry) Lookup(mode Mode, name string) (Tool, bool) {
	t, ok := r.FindByName(name)
	if !ok {
		return nil, false
	}

	if mode == ModeChat && !IsReadOnly(t) {
		return nil, false
	}

	return t, true
}

// Definitions converts the tools enabled in mode into vendor-neutral declarations.
func (r *Registry) Definitions(mode Mode) []model.ToolDefinition {
	enabled := r.Enabled(mode)
	defs := make([]model.ToolDefinition, 0, len(enabled))

	for _, t := range enabled {
		defs = append(defs, model.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}

	return defs
}
