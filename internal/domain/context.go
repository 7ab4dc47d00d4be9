package domain

import "context"

type contextKey int

const (
	sessionIDKey contextKey = iota
	approvalGrantedKey
)

// ContextWithSessionID tags ctx with the active session ID.
func ContextWithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionIDFromContext returns the session ID stored in ctx, or "".
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey).(string)
	return id
}

// ContextWithApproval marks ctx as carrying an explicit user approval for
// the tool call being executed. Tools that gate on consent skip their
// approval short-circuit when this is set.
func ContextWithApproval(ctx context.Context) context.Context {
	return context.WithValue(ctx, approvalGrantedKey, true)
}

// ApprovalGranted reports whether ctx carries an explicit user approval.
func ApprovalGranted(ctx context.Context) bool {
	granted, _ := ctx.Value(approvalGrantedKey).(bool)
	return granted
}
