package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"quill/internal/domain"
	"quill/internal/security"
)

// ListDirTool lists the direct children of a sandboxed directory.
type ListDirTool struct {
	backend FilesystemBackend
	sandbox *security.Sandbox
	logger  *slog.Logger
}

// NewListDirTool creates a sandboxed directory listing tool.
func NewListDirTool(backend FilesystemBackend, sandbox *security.Sandbox, logger *slog.Logger) *ListDirTool {
	return &ListDirTool{backend: backend, sandbox: sandbox, logger: logger}
}

func (t *ListDirTool) Name() string { return "list_dir" }
func (t *ListDirTool) Description() string {
	return "List the contents of a directory within the workspace"
}

func (t *ListDirTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "Directory path, relative to the workspace root (default: the root)"}
			}
		}`),
	}
}

type listDirParams struct {
	Path string `json:"path,omitempty"`
}

func (t *ListDirTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.list_dir", t.logger, params,
		func(_ context.Context, span trace.Span, p listDirParams) (any, error) {
			path := p.Path
			if path == "" {
				path = "."
			}

			d := t.sandbox.Decide(path)
			if !d.Allowed {
				return ErrResult("cannot list %s: %s", path, d.Reason)
			}

			entries, err := t.backend.ReadDir(d.Path)
			if err != nil {
				return nil, fmt.Errorf("list dir: %w", err)
			}

			var sb strings.Builder
			for _, entry := range entries {
				if entry.IsDir() {
					fmt.Fprintf(&sb, "%s/\n", entry.Name())
				} else {
					fmt.Fprintf(&sb, "%s\n", entry.Name())
				}
			}

			return TextResult(sb.String()), nil
		},
	)
}
