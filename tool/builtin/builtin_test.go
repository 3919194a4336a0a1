package builtin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentloop/tool"
)

func newWorkspace(t *testing.T) *Workspace {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src", "pkg"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# demo\nhello world\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "pkg", "util.go"), []byte("package pkg\n\nfunc Hello() string { return \"hello\" }\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte("hello\n"), 0o644))

	ws, err := NewWorkspace(dir)
	require.NoError(t, err)
	return ws
}

func exec(t *testing.T, tl tool.Tool, args string) tool.Result {
	t.Helper()
	return tool.NewGate().Execute(context.Background(), tl, "call_0", args)
}

func TestResolve(t *testing.T) {
	ws := newWorkspace(t)

	p, err := ws.Resolve("src/../README.md")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws.Root(), "README.md"), p)

	p, err = ws.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, ws.Root(), p)

	_, err = ws.Resolve("../etc/passwd")
	assert.True(t, errors.Is(err, ErrOutsideWorkspace))

	_, err = ws.Resolve("/etc/passwd")
	assert.True(t, errors.Is(err, ErrOutsideWorkspace))
}

func TestNewWorkspace_NotADirectory(t *testing.T) {
	ws := newWorkspace(t)
	_, err := NewWorkspace(filepath.Join(ws.Root(), "README.md"))
	assert.Error(t, err)
}

func TestReadFile(t *testing.T) {
	ws := newWorkspace(t)

	res := exec(t, ws.ReadFileTool(), `{"path":"README.md"}`)
	require.False(t, res.IsError(), res.Content())
	assert.Equal(t, "# demo\nhello world\n", res.Output)

	res = exec(t, ws.ReadFileTool(), `{"path":"src/main.go","start_line":3,"end_line":3}`)
	assert.Equal(t, "func main() {}\n", res.Output)

	res = exec(t, ws.ReadFileTool(), `{"path":"../outside.txt"}`)
	require.True(t, res.IsError())
	assert.Equal(t, tool.CodeValidation, res.Error.Code)

	res = exec(t, ws.ReadFileTool(), `{"path":"missing.txt"}`)
	require.True(t, res.IsError())
	assert.Equal(t, tool.CodeExecution, res.Error.Code)

	res = exec(t, ws.ReadFileTool(), `{"path":"src"}`)
	assert.Contains(t, res.Error.Message, "is a directory")

	res = exec(t, ws.ReadFileTool(), `{}`)
	assert.Equal(t, tool.CodeValidation, res.Error.Code)
}

func TestReadFile_SizeLimit(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "big.txt"), []byte("0123456789"), 0o644))
	ws, err := NewWorkspace(dir, func(o *WorkspaceOptions) { o.MaxFileBytes = 5 })
	require.NoError(t, err)

	res := exec(t, ws.ReadFileTool(), `{"path":"big.txt"}`)
	require.True(t, res.IsError())
	assert.Contains(t, res.Error.Message, "exceeds 5 bytes")
}

func TestWriteFile(t *testing.T) {
	ws := newWorkspace(t)

	res := exec(t, ws.WriteFileTool(), `{"path":"docs/new.txt","content":"abc"}`)
	require.False(t, res.IsError(), res.Content())
	assert.Equal(t, "Wrote 3 bytes to docs/new.txt", res.Output)

	data, err := os.ReadFile(filepath.Join(ws.Root(), "docs", "new.txt"))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))

	res = exec(t, ws.WriteFileTool(), `{"path":"../escape.txt","content":"x"}`)
	assert.Equal(t, tool.CodeValidation, res.Error.Code)
	assert.False(t, tool.IsReadOnly(ws.WriteFileTool()))
}

func TestWriteFile_AliasedPathsShareLock(t *testing.T) {
	ws := newWorkspace(t)
	wt := ws.WriteFileTool()
	target := filepath.Join(ws.Root(), "notes.txt")

	for _, p := range []string{"notes.txt", target, " notes.txt", "src/../notes.txt"} {
		key, err := wt.LockKey(map[string]any{"path": p})
		require.NoError(t, err)
		assert.Equal(t, target, key, p)
	}

	_, err := wt.LockKey(map[string]any{"path": "../outside.txt"})
	require.ErrorIs(t, err, ErrOutsideWorkspace)

	// While the resolved path is held, every spelling waits for it.
	locks := tool.NewKeyedMutex()
	unlock, err := locks.Lock(context.Background(), target)
	require.NoError(t, err)
	defer unlock()

	g := tool.NewGate(func(o *tool.GateOptions) { o.Locks = locks })

	for _, p := range []string{"notes.txt", target, " notes.txt"} {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		res := g.Execute(ctx, wt, "c", fmt.Sprintf(`{"path":%q,"content":"x"}`, p))
		cancel()

		require.True(t, res.IsError(), p)
		assert.Equal(t, tool.CodeCancelled, res.Error.Code, p)
	}

	_, err = os.Stat(target)
	assert.True(t, os.IsNotExist(err))
}

func TestListFiles(t *testing.T) {
	ws := newWorkspace(t)

	res := exec(t, ws.ListFilesTool(), `{}`)
	require.False(t, res.IsError(), res.Content())
	assert.Equal(t, "README.md\nsrc/", res.Output)

	res = exec(t, ws.ListFilesTool(), `{"recursive":true}`)
	assert.Equal(t, "README.md\nsrc/\nsrc/main.go\nsrc/pkg/\nsrc/pkg/util.go", res.Output)

	res = exec(t, ws.ListFilesTool(), `{"path":"src/pkg"}`)
	assert.Equal(t, "src/pkg/util.go", res.Output)

	empty := filepath.Join(ws.Root(), "empty")
	require.NoError(t, os.Mkdir(empty, 0o755))
	res = exec(t, ws.ListFilesTool(), `{"path":"empty"}`)
	assert.Equal(t, "No files found.", res.Output)
}

func TestSearchFiles(t *testing.T) {
	ws := newWorkspace(t)

	res := exec(t, ws.SearchFilesTool(), `{"regex":"hello"}`)
	require.False(t, res.IsError(), res.Content())
	assert.Equal(t, "README.md:2: hello world\nsrc/pkg/util.go:3: func Hello() string { return \"hello\" }", res.Output)

	res = exec(t, ws.SearchFilesTool(), `{"regex":"^func","file_pattern":"*.go","path":"src"}`)
	assert.Equal(t, "src/main.go:3: func main() {}\nsrc/pkg/util.go:3: func Hello() string { return \"hello\" }", res.Output)

	res = exec(t, ws.SearchFilesTool(), `{"regex":"nothing-here"}`)
	assert.Equal(t, "No matches found.", res.Output)

	res = exec(t, ws.SearchFilesTool(), `{"regex":"("}`)
	require.True(t, res.IsError())
	assert.Equal(t, tool.CodeValidation, res.Error.Code)
}

func TestAttemptCompletion(t *testing.T) {
	res := exec(t, AttemptCompletionTool(), `{"result":"Done."}`)
	assert.True(t, res.Stop)
	assert.Equal(t, "Done.", res.Output)
}

func TestRegister(t *testing.T) {
	ws := newWorkspace(t)
	r := tool.NewRegistry()
	require.NoError(t, ws.Register(r))

	var chat []string
	for _, tl := range r.Enabled(tool.ModeChat) {
		chat = append(chat, tl.Name())
	}
	assert.Equal(t, []string{"read_file", "list_files", "search_files", "attempt_completion"}, chat)
	assert.Len(t, r.Enabled(tool.ModeAgent), 5)
	assert.Error(t, ws.Register(r))
}
