// Package builtin provides the file tools a coding agent needs, confined to a
// workspace directory.
package builtin

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hupe1980/agentloop/tool"
)

// DefaultMaxFileBytes caps files read or written by the builtin tools.
const DefaultMaxFileBytes = 1 << 20

// ErrOutsideWorkspace is returned for paths escaping the workspace root.
var ErrOutsideWorkspace = errors.New("path is outside the workspace")

// Workspace confines file access to a root directory.
type Workspace struct {
	root     string
	maxBytes int64
}

// WorkspaceOptions configures a Workspace.
type WorkspaceOptions struct {
	MaxFileBytes int64
}

// NewWorkspace resolves root to an absolute path. An empty root means the
// current working directory.
func NewWorkspace(root string, optFns ...func(o *WorkspaceOptions)) (*Workspace, error) {
	opts := WorkspaceOptions{MaxFileBytes: DefaultMaxFileBytes}
	for _, fn := range optFns {
		fn(&opts)
	}

	if strings.TrimSpace(root) == "" {
		root = "."
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}

	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat workspace root: %w", err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", abs)
	}

	return &Workspace{root: abs, maxBytes: opts.MaxFileBytes}, nil
}

// Root returns the absolute workspace directory.
func (w *Workspace) Root() string { return w.root }

// Resolve maps a model-supplied path onto the file system, rejecting paths
// that leave the workspace.
func (w *Workspace) Resolve(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		p = "."
	}

	candidate := p
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(w.root, candidate)
	}

	candidate = filepath.Clean(candidate)

	rel, err := filepath.Rel(w.root, candidate)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, p)
	}

	return candidate, nil
}

// rel renders an absolute path relative to the workspace, slash-separated.
func (w *Workspace) rel(abs string) string {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil {
		return abs
	}

	return filepath.ToSlash(rel)
}

// Tools returns every builtin tool bound to w.
func (w *Workspace) Tools() []tool.Tool {
	return []tool.Tool{
		w.ReadFileTool(),
		w.ListFilesTool(),
		w.SearchFilesTool(),
		w.WriteFileTool(),
		AttemptCompletionTool(),
	}
}

// Register adds every builtin tool to r.
func (w *Workspace) Register(r *tool.Registry) error {
	for _, t := range w.Tools() {
		if err := r.Register(t); err != nil {
			return err
		}
	}

	return nil
}

// decode converts validated arguments into a typed struct.
func decode[T any](args map[string]any) (T, error) {
	var out T

	data, err := json.Marshal(args)
	if err != nil {
		return out, err
	}

	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode arguments: %w", err)
	}

	return out, nil
}

func readOnly(o *tool.FunctionToolOptions) { o.ReadOnly = true }

// lockByPath keys mutating tools on the resolved absolute path, so every
// spelling of one file shares a lock.
func (w *Workspace) lockByPath(o *tool.FunctionToolOptions) {
	o.LockKey = func(args map[string]any) (string, error) {
		p, _ := args["path"].(string)
		return w.Resolve(p)
	}
}
