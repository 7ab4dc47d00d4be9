package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"quill/internal/domain"
	"quill/internal/infra/tracer"
	"quill/internal/security"
)

// ReadFileTool reads a file inside the sandbox. Sensitive paths return a
// RequiresApproval result without touching the disk; the caller re-invokes
// with an approval-carrying context after obtaining consent.
type ReadFileTool struct {
	backend FilesystemBackend
	sandbox *security.Sandbox
	audit   domain.AuditLogger
	logger  *slog.Logger
}

// NewReadFileTool creates a sandboxed file read tool.
func NewReadFileTool(backend FilesystemBackend, sandbox *security.Sandbox, audit domain.AuditLogger, logger *slog.Logger) *ReadFileTool {
	return &ReadFileTool{backend: backend, sandbox: sandbox, audit: audit, logger: logger}
}

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Description() string {
	return "Read the contents of a file within the workspace"
}

func (t *ReadFileTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "File path, relative to the workspace root"}
			},
			"required": ["path"]
		}`),
	}
}

type readFileParams struct {
	Path string `json:"path"`
}

func (t *ReadFileTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.read_file", t.logger, params,
		func(ctx context.Context, span trace.Span, p readFileParams) (any, error) {
			d := t.sandbox.Decide(p.Path)
			if !d.Allowed {
				return ErrResult("cannot read %s: %s", p.Path, d.Reason)
			}

			if d.RequiresApproval {
				if !domain.ApprovalGranted(ctx) {
					return &domain.ToolResult{RequiresApproval: true, Content: d.Reason}, nil
				}
				// Audit failures never abort the read.
				_ = t.audit.Log(ctx, domain.AuditEvent{
					Type:   domain.AuditSensitiveAccess,
					Detail: map[string]string{"path": d.Path, "reason": d.Reason},
				})
			}

			if sz := t.sandbox.CheckSize(d.Path); !sz.Allowed {
				tracer.RecordError(span, domain.NewDomainError("ReadFileTool", domain.ErrFileTooLarge, sz.Reason))
				return ErrResult("cannot read %s: %s", p.Path, sz.Reason)
			}

			data, err := t.backend.ReadFile(d.Path)
			if err != nil {
				return nil, fmt.Errorf("read file: %w", err)
			}

			t.logger.Debug("file read", "path", d.Path, "size", len(data))
			return TextResult(fmt.Sprintf("%s:\n%s", t.sandbox.Rel(d.Path), data)), nil
		},
	)
}
