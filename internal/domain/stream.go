package domain

import (
	"encoding/json"
	"sync"
)

// StreamEventType enumerates the canonical event vocabulary every
// provider adapter is translated into. This is the only contract the UI
// layer needs to understand; it is identical across providers.
type StreamEventType string

const (
	EventTextDelta   StreamEventType = "text_delta"
	EventToolStart   StreamEventType = "tool_start"
	EventToolDone    StreamEventType = "tool_done"
	EventToolApprove StreamEventType = "tool_approve"
	EventWarning     StreamEventType = "warning"
)

// StreamEvent is one element of the canonical event sequence emitted
// during a turn. Exactly one of the payload fields is set, according to
// Type.
type StreamEvent struct {
	Type StreamEventType

	// Text carries the delta for text_delta and the message for warning.
	Text string

	// Tool carries the payload for tool_start and tool_done.
	Tool *ToolEvent

	// Approval carries the suspension payload for tool_approve. The turn
	// loop blocks until Approve or Deny is called.
	Approval *ApprovalRequest
}

// ToolEvent is the payload of tool_start and tool_done events.
type ToolEvent struct {
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input"`
	Output  string          `json:"output,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

// ApprovalRequest suspends the turn loop until the caller consents to or
// declines a sensitive tool call. Approve and Deny are idempotent; the
// first call wins and later calls are no-ops.
type ApprovalRequest struct {
	Name  string
	Input json.RawMessage

	once  sync.Once
	reply chan bool
}

// NewApprovalRequest creates a pending approval for the given call.
func NewApprovalRequest(name string, input json.RawMessage) *ApprovalRequest {
	return &ApprovalRequest{Name: name, Input: input, reply: make(chan bool, 1)}
}

// Approve grants the pending call.
func (r *ApprovalRequest) Approve() {
	r.once.Do(func() { r.reply <- true })
}

// Deny declines the pending call.
func (r *ApprovalRequest) Deny() {
	r.once.Do(func() { r.reply <- false })
}

// Reply returns the channel the turn loop waits on.
func (r *ApprovalRequest) Reply() <-chan bool { return r.reply }

// TurnResult terminates the canonical event sequence. Text holds all
// assistant prose produced during the turn, including partial text when
// the turn was cancelled or failed after streaming began.
type TurnResult struct {
	Text    string
	Usage   Usage
	Rounds  int
	Aborted bool
	Err     error
}
