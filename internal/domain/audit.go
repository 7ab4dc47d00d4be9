package domain

import (
	"context"
	"time"
)

// AuditEventType classifies audit log entries.
type AuditEventType string

const (
	AuditToolCall        AuditEventType = "tool_call"
	AuditToolApproved    AuditEventType = "tool_approved"
	AuditToolDenied      AuditEventType = "tool_denied"
	AuditSensitiveAccess AuditEventType = "sensitive_file_access"
	AuditLLMCall         AuditEventType = "llm_call"
)

// AuditEvent represents a single auditable action.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      AuditEventType    `json:"type"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// AuditLogger writes audit events to a persistent log. Implementations
// must never let a write failure abort the calling operation; callers
// treat the returned error as advisory.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
	Close() error
}
