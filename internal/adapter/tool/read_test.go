package tool

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"quill/internal/domain"
)

func TestReadFileReturnsContentWithRelPath(t *testing.T) {
	sandbox := newTestSandbox(t)
	if err := os.WriteFile(filepath.Join(sandbox.Root(), "hello.txt"), []byte("hi there"), 0644); err != nil {
		t.Fatal(err)
	}

	tool := NewReadFileTool(NewLocalFilesystemBackend(), sandbox, &memAudit{}, nopLogger())
	result, err := tool.Execute(context.Background(), []byte(`{"path":"hello.txt"}`))
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}
	if !strings.HasPrefix(result.Content, "hello.txt:") {
		t.Errorf("content should be prefixed with the relative path, got: %q", result.Content)
	}
	if !strings.Contains(result.Content, "hi there") {
		t.Errorf("content missing file body: %q", result.Content)
	}
}

func TestReadFileOutsideSandboxIsError(t *testing.T) {
	sandbox := newTestSandbox(t)
	tool := NewReadFileTool(NewLocalFilesystemBackend(), sandbox, &memAudit{}, nopLogger())

	result, err := tool.Execute(context.Background(), []byte(`{"path":"/etc/passwd"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsError {
		t.Error("outside-sandbox read should be an error result")
	}
	if result.RequiresApproval {
		t.Error("denied read must not be approvable")
	}
}

func TestReadFileSensitiveRequiresApproval(t *testing.T) {
	sandbox := newTestSandbox(t)
	envPath := filepath.Join(sandbox.Root(), ".env")
	if err := os.WriteFile(envPath, []byte("SECRET=1"), 0644); err != nil {
		t.Fatal(err)
	}

	audit := &memAudit{}
	tool := NewReadFileTool(NewLocalFilesystemBackend(), sandbox, audit, nopLogger())
	params := []byte(`{"path":".env"}`)

	// First pass: no approval yet, no disk access.
	result, err := tool.Execute(context.Background(), params)
	if err != nil {
		t.Fatal(err)
	}
	if !result.RequiresApproval {
		t.Fatal("sensitive read should require approval")
	}
	if result.IsError {
		t.Error("approval request is not an error")
	}
	if strings.Contains(result.Content, "SECRET") {
		t.Error("file content must not leak before approval")
	}

	// Second pass with approval granted.
	ctx := domain.ContextWithApproval(context.Background())
	result, err = tool.Execute(ctx, params)
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError || result.RequiresApproval {
		t.Fatalf("approved read should succeed: %+v", result)
	}
	if !strings.Contains(result.Content, "SECRET=1") {
		t.Errorf("approved read missing content: %q", result.Content)
	}

	events := audit.Events()
	if len(events) != 1 || events[0].Type != domain.AuditSensitiveAccess {
		t.Errorf("expected one sensitive_file_access event, got %+v", events)
	}
}

func TestReadFileOverSizeLimit(t *testing.T) {
	sandbox := newTestSandbox(t)
	big := filepath.Join(sandbox.Root(), "big.bin")
	if err := os.WriteFile(big, make([]byte, 501*1024), 0644); err != nil {
		t.Fatal(err)
	}

	tool := NewReadFileTool(NewLocalFilesystemBackend(), sandbox, &memAudit{}, nopLogger())
	result, err := tool.Execute(context.Background(), []byte(`{"path":"big.bin"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsError {
		t.Error("oversized read should be an error result")
	}
}

func TestReadFileMissingIsErrorResult(t *testing.T) {
	sandbox := newTestSandbox(t)
	tool := NewReadFileTool(NewLocalFilesystemBackend(), sandbox, &memAudit{}, nopLogger())

	result, err := tool.Execute(context.Background(), []byte(`{"path":"missing.txt"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsError {
		t.Error("missing file should be an error result, not a Go error")
	}
}

func TestReadFileMalformedParams(t *testing.T) {
	sandbox := newTestSandbox(t)
	tool := NewReadFileTool(NewLocalFilesystemBackend(), sandbox, &memAudit{}, nopLogger())

	result, err := tool.Execute(context.Background(), json.RawMessage(`{"path": 42}`))
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsError {
		t.Error("malformed params should be an error result")
	}
}
