package domain

import "time"

// Role constants for message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Segment types for assistant message segments.
const (
	SegmentText = "text"
	SegmentTool = "tool"
)

// Image is an inline image attached to a user message.
type Image struct {
	Data      []byte `json:"data"`
	MediaType string `json:"media_type"`
}

// Segment is one ordered chunk of an assistant turn: either prose text
// or a tool invocation record. A tool segment with Done=false denotes an
// in-flight call; at most one such segment is open at a time per round.
type Segment struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`

	// Tool segment fields.
	Name    string `json:"name,omitempty"`
	Input   string `json:"input,omitempty"`
	Output  string `json:"output,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
	Done    bool   `json:"done,omitempty"`
}

// Message represents a single message in a conversation. A message is
// mutable only while it is the actively streaming assistant message;
// once the turn completes it is immutable and handed to persistence.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Name      string     `json:"name,omitempty"`
	Images    []Image    `json:"images,omitempty"`
	Segments  []Segment  `json:"segments,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// ChatRequest is sent to an LLM provider.
type ChatRequest struct {
	Model     string       `json:"model"`
	Messages  []Message    `json:"messages"`
	Tools     []ToolSchema `json:"tools,omitempty"`
	MaxTokens int          `json:"max_tokens,omitempty"`
	Stream    bool         `json:"stream,omitempty"`
}

// ChatResponse is returned from an LLM provider.
type ChatResponse struct {
	ID        string    `json:"id"`
	Model     string    `json:"model"`
	Message   Message   `json:"message"`
	Usage     Usage     `json:"usage"`
	CreatedAt time.Time `json:"created_at"`
}

// Usage tracks token consumption and the derived dollar cost.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost,omitempty"`
}

// Add accumulates another usage figure into u. Addition is commutative,
// so per-round figures can be summed in any order.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	u.Cost += other.Cost
}
