package security

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"quill/internal/domain"
)

func TestFileAuditLoggerAppendsJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewFileAuditLogger(path)
	if err != nil {
		t.Fatal(err)
	}
	defer logger.Close()

	ctx := context.Background()
	events := []domain.AuditEvent{
		{Type: domain.AuditToolCall, Detail: map[string]string{"tool": "read_file", "path": "a.txt"}},
		{Type: domain.AuditToolDenied, Detail: map[string]string{"tool": "write_file"}},
		{Type: domain.AuditSensitiveAccess, Detail: map[string]string{"path": ".env"}},
	}
	for _, e := range events {
		if err := logger.Log(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var got []domain.AuditEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e domain.AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("line not valid JSON: %v", err)
		}
		got = append(got, e)
	}

	if len(got) != len(events) {
		t.Fatalf("got %d events, want %d", len(got), len(events))
	}
	for i, e := range got {
		if e.Type != events[i].Type {
			t.Errorf("event %d: type = %q, want %q", i, e.Type, events[i].Type)
		}
		if e.Timestamp.IsZero() {
			t.Errorf("event %d: timestamp not set at write time", i)
		}
	}
}

func TestFileAuditLoggerPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewFileAuditLogger(path)
	if err != nil {
		t.Fatal(err)
	}
	defer logger.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("permissions = %o, want 0600", perm)
	}
}
