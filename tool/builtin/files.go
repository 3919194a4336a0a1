package builtin

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/hupe1980/agentloop/tool"
)

// ReadFileArgs are the arguments of read_file.
type ReadFileArgs struct {
	Path      string `json:"path" description:"File path relative to the workspace"`
	StartLine int    `json:"start_line,omitempty" description:"First line to return (1-based)"`
	EndLine   int    `json:"end_line,omitempty" description:"Last line to return (inclusive)"`
}

// ReadFileTool returns the read_file tool.
func (w *Workspace) ReadFileTool() *tool.FunctionTool {
	return tool.NewFunctionToolFromStruct(
		"read_file",
		"Read the contents of a file in the workspace, optionally limited to a line range.",
		ReadFileArgs{},
		func(ctx context.Context, raw map[string]any) (any, error) {
			args, err := decode[ReadFileArgs](raw)
			if err != nil {
				return nil, err
			}

			path, err := w.Resolve(args.Path)
			if err != nil {
				return nil, tool.NewToolError("read_file", err.Error(), tool.CodeValidation)
			}

			info, err := os.Stat(path)
			if err != nil {
				return nil, fmt.Errorf("stat file: %w", err)
			}

			if info.IsDir() {
				return nil, fmt.Errorf("%s is a directory", args.Path)
			}

			if w.maxBytes > 0 && info.Size() > w.maxBytes {
				return nil, fmt.Errorf("file exceeds %d bytes limit", w.maxBytes)
			}

			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read file: %w", err)
			}

			if args.StartLine <= 0 && args.EndLine <= 0 {
				return string(data), nil
			}

			return sliceLines(string(data), args.StartLine, args.EndLine), nil
		},
		readOnly,
	)
}

func sliceLines(text string, start, end int) string {
	lines := strings.SplitAfter(text, "\n")
	if start < 1 {
		start = 1
	}

	if end <= 0 || end > len(lines) {
		end = len(lines)
	}

	if start > end {
		return ""
	}

	return strings.Join(lines[start-1:end], "")
}

// WriteFileArgs are the arguments of write_file.
type WriteFileArgs struct {
	Path    string `json:"path" description:"File path relative to the workspace"`
	Content string `json:"content" description:"Complete new file contents"`
}

// WriteFileTool returns the write_file tool. It is mutating, so the Gate
// serializes concurrent writes to the same path.
func (w *Workspace) WriteFileTool() *tool.FunctionTool {
	return tool.NewFunctionToolFromStruct(
		"write_file",
		"Create or overwrite a file in the workspace with the given content.",
		WriteFileArgs{},
		func(ctx context.Context, raw map[string]any) (any, error) {
			args, err := decode[WriteFileArgs](raw)
			if err != nil {
				return nil, err
			}

			path, err := w.Resolve(args.Path)
			if err != nil {
				return nil, tool.NewToolError("write_file", err.Error(), tool.CodeValidation)
			}

			if w.maxBytes > 0 && int64(len(args.Content)) > w.maxBytes {
				return nil, fmt.Errorf("content exceeds %d bytes limit", w.maxBytes)
			}

			if err := ctx.Err(); err != nil {
				return nil, err
			}

			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("ensure directory: %w", err)
			}

			if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
				return nil, fmt.Errorf("write file: %w", err)
			}

			return fmt.Sprintf("Wrote %d bytes to %s", len(args.Content), w.rel(path)), nil
		},
		w.lockByPath,
	)
}

// ListFilesArgs are the arguments of list_files.
type ListFilesArgs struct {
	Path      string `json:"path,omitempty" description:"Directory relative to the workspace (default: root)"`
	Recursive bool   `json:"recursive,omitempty" description:"Descend into subdirectories"`
}

// MaxListEntries bounds list_files output.
const MaxListEntries = 1000

// ListFilesTool returns the list_files tool.
func (w *Workspace) ListFilesTool() *tool.FunctionTool {
	return tool.NewFunctionToolFromStruct(
		"list_files",
		"List files and directories in the workspace. Directories end with a slash.",
		ListFilesArgs{},
		func(ctx context.Context, raw map[string]any) (any, error) {
			args, err := decode[ListFilesArgs](raw)
			if err != nil {
				return nil, err
			}

			dir, err := w.Resolve(args.Path)
			if err != nil {
				return nil, tool.NewToolError("list_files", err.Error(), tool.CodeValidation)
			}

			var entries []string

			errLimit := errors.New("limit reached")
			walkErr := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}

				if err := ctx.Err(); err != nil {
					return err
				}

				if p == dir {
					return nil
				}

				if d.IsDir() && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}

				name := w.rel(p)
				if d.IsDir() {
					name += "/"
				}

				entries = append(entries, name)
				if len(entries) >= MaxListEntries {
					return errLimit
				}

				if d.IsDir() && !args.Recursive {
					return filepath.SkipDir
				}

				return nil
			})

			if walkErr != nil && !errors.Is(walkErr, errLimit) {
				return nil, fmt.Errorf("list files: %w", walkErr)
			}

			if len(entries) == 0 {
				return "No files found.", nil
			}

			out := strings.Join(entries, "\n")
			if errors.Is(walkErr, errLimit) {
				out += fmt.Sprintf("\n(listing stopped after %d entries)", MaxListEntries)
			}

			return out, nil
		},
		readOnly,
	)
}
