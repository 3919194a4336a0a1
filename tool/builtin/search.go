package builtin

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/hupe1980/agentloop/tool"
)

// MaxSearchResults bounds search_files output.
const MaxSearchResults = 200

// SearchFilesArgs are the arguments of search_files.
type SearchFilesArgs struct {
	Path        string `json:"path,omitempty" description:"Directory to search (default: workspace root)"`
	Regex       string `json:"regex" description:"Regular expression matched against each line"`
	FilePattern string `json:"file_pattern,omitempty" description:"Glob applied to file names, e.g. *.go"`
}

// SearchFilesTool returns the search_files tool.
func (w *Workspace) SearchFilesTool() *tool.FunctionTool {
	return tool.NewFunctionToolFromStruct(
		"search_files",
		"Search files in the workspace for lines matching a regular expression. Results are file:line: text.",
		SearchFilesArgs{},
		func(ctx context.Context, raw map[string]any) (any, error) {
			args, err := decode[SearchFilesArgs](raw)
			if err != nil {
				return nil, err
			}

			re, err := regexp.Compile(args.Regex)
			if err != nil {
				return nil, tool.NewToolError("search_files", fmt.Sprintf("invalid regex: %v", err), tool.CodeValidation)
			}

			if args.FilePattern != "" {
				if _, err := filepath.Match(args.FilePattern, ""); err != nil {
					return nil, tool.NewToolError("search_files", fmt.Sprintf("invalid file_pattern: %v", err), tool.CodeValidation)
				}
			}

			dir, err := w.Resolve(args.Path)
			if err != nil {
				return nil, tool.NewToolError("search_files", err.Error(), tool.CodeValidation)
			}

			var matches []string

			errLimit := errors.New("limit reached")
			walkErr := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}

				if err := ctx.Err(); err != nil {
					return err
				}

				if d.IsDir() {
					if p != dir && strings.HasPrefix(d.Name(), ".") {
						return filepath.SkipDir
					}
					return nil
				}

				if args.FilePattern != "" {
					if ok, _ := filepath.Match(args.FilePattern, d.Name()); !ok {
						return nil
					}
				}

				found, err := w.searchFile(p, re, MaxSearchResults-len(matches))
				if err != nil {
					return nil // unreadable files are skipped
				}

				matches = append(matches, found...)
				if len(matches) >= MaxSearchResults {
					return errLimit
				}

				return nil
			})

			if walkErr != nil && !errors.Is(walkErr, errLimit) {
				return nil, fmt.Errorf("search files: %w", walkErr)
			}

			if len(matches) == 0 {
				return "No matches found.", nil
			}

			return strings.Join(matches, "\n"), nil
		},
		readOnly,
	)
}

func (w *Workspace) searchFile(path string, re *regexp.Regexp, limit int) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if w.maxBytes > 0 && info.Size() > w.maxBytes {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string

	scanner := bufio.NewScanner(f)
	for line := 1; scanner.Scan() && len(out) < limit; line++ {
		text := scanner.Text()
		if re.MatchString(text) {
			out = append(out, fmt.Sprintf("%s:%d: %s", w.rel(path), line, strings.TrimSpace(text)))
		}
	}

	return out, scanner.Err()
}
