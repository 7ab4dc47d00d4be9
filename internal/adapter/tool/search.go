package tool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"quill/internal/domain"
	"quill/internal/security"
)

const (
	searchMaxDepth   = 5
	searchMaxMatches = 50
)

// skipDirs are never descended into during a search.
var skipDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"dist":         true,
}

// SearchFilesTool finds files under the sandbox matching a glob pattern.
// The scan is bounded in depth and match count to keep results useful as
// model input.
type SearchFilesTool struct {
	sandbox *security.Sandbox
	logger  *slog.Logger
}

// NewSearchFilesTool creates a sandboxed file search tool.
func NewSearchFilesTool(sandbox *security.Sandbox, logger *slog.Logger) *SearchFilesTool {
	return &SearchFilesTool{sandbox: sandbox, logger: logger}
}

func (t *SearchFilesTool) Name() string { return "search_files" }
func (t *SearchFilesTool) Description() string {
	return "Find files matching a glob pattern within the workspace"
}

func (t *SearchFilesTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"pattern": {"type": "string", "description": "Glob pattern, e.g. *.go or src/**/*.ts"},
				"path": {"type": "string", "description": "Directory to search from, relative to the workspace root (default: the root)"}
			},
			"required": ["pattern"]
		}`),
	}
}

type searchFilesParams struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path,omitempty"`
}

func (t *SearchFilesTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.search_files", t.logger, params,
		func(_ context.Context, span trace.Span, p searchFilesParams) (any, error) {
			base := p.Path
			if base == "" {
				base = "."
			}

			d := t.sandbox.Decide(base)
			if !d.Allowed {
				return ErrResult("cannot search %s: %s", base, d.Reason)
			}

			re, err := compileGlob(p.Pattern)
			if err != nil {
				return ErrResult("invalid pattern %q: %v", p.Pattern, err)
			}

			ignored := loadIgnorePatterns(t.sandbox.Root())
			matches := make([]string, 0, 8)

			err = filepath.WalkDir(d.Path, func(path string, entry fs.DirEntry, err error) error {
				if err != nil {
					return nil // unreadable entries are skipped, not fatal
				}
				if len(matches) >= searchMaxMatches {
					return fs.SkipAll
				}

				rel, relErr := filepath.Rel(d.Path, path)
				if relErr != nil || rel == "." {
					return nil
				}
				rel = filepath.ToSlash(rel)

				if entry.IsDir() {
					if skipDirs[entry.Name()] || depthOf(rel) >= searchMaxDepth {
						return fs.SkipDir
					}
					return nil
				}

				if dec := t.sandbox.Decide(path); !dec.Allowed {
					return nil
				}
				if ignored(rel) {
					return nil
				}
				if re.MatchString(rel) {
					matches = append(matches, rel)
				}
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("search: %w", err)
			}

			t.logger.Debug("search completed", "pattern", p.Pattern, "matches", len(matches))
			return JSONResult(matches)
		},
	)
}

func depthOf(rel string) int {
	return strings.Count(rel, "/") + 1
}

// compileGlob turns a glob into an anchored case-insensitive regexp over
// slash-separated relative paths. `**` matches across path separators,
// `*` and `?` do not.
func compileGlob(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty pattern")
	}

	var sb strings.Builder
	sb.WriteString("(?i)^")
	for i := 0; i < len(pattern); i++ {
		switch c := pattern[i]; c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				sb.WriteString(".*")
				i++
			} else {
				sb.WriteString("[^/]*")
			}
		case '?':
			sb.WriteString("[^/]")
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	sb.WriteString("$")
	return regexp.Compile(sb.String())
}

// loadIgnorePatterns reads the root .gitignore and returns a predicate
// over slash-separated relative paths. A missing or unreadable ignore
// file ignores nothing.
func loadIgnorePatterns(root string) func(rel string) bool {
	f, err := os.Open(filepath.Join(root, ".gitignore"))
	if err != nil {
		return func(string) bool { return false }
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, strings.TrimSuffix(strings.TrimPrefix(line, "/"), "/"))
	}

	return func(rel string) bool {
		base := filepath.Base(rel)
		for _, pat := range patterns {
			if ok, _ := filepath.Match(pat, base); ok {
				return true
			}
			if ok, _ := filepath.Match(pat, rel); ok {
				return true
			}
			if strings.HasPrefix(rel, pat+"/") {
				return true
			}
		}
		return false
	}
}
