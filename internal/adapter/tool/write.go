package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"quill/internal/domain"
	"quill/internal/security"
)

// WriteFileTool writes a file inside the sandbox, creating missing parent
// directories. The approval gate runs in the turn loop before this tool is
// ever invoked; a denied write never reaches Execute.
type WriteFileTool struct {
	backend FilesystemBackend
	sandbox *security.Sandbox
	logger  *slog.Logger
}

// NewWriteFileTool creates a sandboxed file write tool.
func NewWriteFileTool(backend FilesystemBackend, sandbox *security.Sandbox, logger *slog.Logger) *WriteFileTool {
	return &WriteFileTool{backend: backend, sandbox: sandbox, logger: logger}
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Write content to a file within the workspace, creating parent directories as needed"
}

func (t *WriteFileTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "File path, relative to the workspace root"},
				"content": {"type": "string", "description": "Content to write"}
			},
			"required": ["path", "content"]
		}`),
	}
}

type writeFileParams struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (t *WriteFileTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.write_file", t.logger, params,
		func(_ context.Context, span trace.Span, p writeFileParams) (any, error) {
			d := t.sandbox.Decide(p.Path)
			if !d.Allowed {
				return ErrResult("cannot write %s: %s", p.Path, d.Reason)
			}

			// Belt and suspenders: the resolved target must be a literal
			// descendant of the root, whatever the policy tables said.
			root := t.sandbox.Root()
			if d.Path != root && !strings.HasPrefix(d.Path, root+string(os.PathSeparator)) {
				return ErrResult("cannot write %s: outside the workspace root", p.Path)
			}

			if err := t.backend.MkdirAll(filepath.Dir(d.Path), 0755); err != nil {
				return nil, fmt.Errorf("create parent directories: %w", err)
			}
			if err := t.backend.WriteFile(d.Path, []byte(p.Content), 0644); err != nil {
				return nil, fmt.Errorf("write file: %w", err)
			}

			t.logger.Debug("file written", "path", d.Path, "size", len(p.Content))
			return TextResult(fmt.Sprintf("wrote %d bytes to %s", len(p.Content), t.sandbox.Rel(d.Path))), nil
		},
	)
}
