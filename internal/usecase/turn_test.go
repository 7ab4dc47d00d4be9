package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quill/internal/domain"
	"quill/internal/infra/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedStream is one pre-scripted ChatStream call.
type scriptedStream struct {
	deltas []domain.StreamDelta
	err    error
}

// mockStreamingLLM implements domain.StreamingLLMProvider with
// controlled per-call deltas.
type mockStreamingLLM struct {
	mu      sync.Mutex
	scripts []scriptedStream
	repeat  []domain.StreamDelta // replayed once scripts run out
	calls   int
}

func (m *mockStreamingLLM) Name() string { return "mock" }

func (m *mockStreamingLLM) Chat(_ context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
	return &domain.ChatResponse{Message: domain.Message{Role: domain.RoleAssistant, Content: "fallback"}}, nil
}

func (m *mockStreamingLLM) ChatStream(_ context.Context, _ domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deltas []domain.StreamDelta
	switch {
	case m.calls < len(m.scripts):
		s := m.scripts[m.calls]
		m.calls++
		if s.err != nil {
			return nil, s.err
		}
		deltas = s.deltas
	case m.repeat != nil:
		m.calls++
		deltas = m.repeat
	default:
		m.calls++
		deltas = []domain.StreamDelta{{Content: "fallback", Done: true}}
	}

	ch := make(chan domain.StreamDelta, len(deltas))
	for _, d := range deltas {
		ch <- d
	}
	close(ch)
	return ch, nil
}

func (m *mockStreamingLLM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockTool is a scriptable domain.Tool.
type mockTool struct {
	mu    sync.Mutex
	name  string
	calls int
	fn    func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error)
}

func (t *mockTool) Name() string        { return t.name }
func (t *mockTool) Description() string { return t.name }
func (t *mockTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: t.name, Parameters: json.RawMessage(`{"type":"object"}`)}
}

func (t *mockTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	t.mu.Lock()
	t.calls++
	t.mu.Unlock()
	if t.fn == nil {
		return &domain.ToolResult{Content: "ok"}, nil
	}
	return t.fn(ctx, params)
}

func (t *mockTool) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// mockToolExecutor is a map-backed domain.ToolExecutor.
type mockToolExecutor struct {
	tools map[string]domain.Tool
}

func (m *mockToolExecutor) Get(name string) (domain.Tool, error) {
	t, ok := m.tools[name]
	if !ok {
		return nil, domain.NewDomainError("mockToolExecutor.Get", domain.ErrToolNotFound, name)
	}
	return t, nil
}

func (m *mockToolExecutor) Schemas() []domain.ToolSchema {
	schemas := make([]domain.ToolSchema, 0, len(m.tools))
	for _, t := range m.tools {
		schemas = append(schemas, t.Schema())
	}
	return schemas
}

// memAudit collects audit events in memory.
type memAudit struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (m *memAudit) Log(_ context.Context, e domain.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memAudit) Close() error { return nil }

func (m *memAudit) byType(typ domain.AuditEventType) []domain.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AuditEvent
	for _, e := range m.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// eventRecorder collects emitted events and settles approvals inline.
type eventRecorder struct {
	events    []domain.StreamEvent
	onApprove func(*domain.ApprovalRequest)
}

func (r *eventRecorder) emit(e domain.StreamEvent) {
	r.events = append(r.events, e)
	if e.Type == domain.EventToolApprove && r.onApprove != nil {
		r.onApprove(e.Approval)
	}
}

func (r *eventRecorder) byType(typ domain.StreamEventType) []domain.StreamEvent {
	var out []domain.StreamEvent
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (r *eventRecorder) warnings() string {
	var b strings.Builder
	for _, e := range r.byType(domain.EventWarning) {
		b.WriteString(e.Text)
		b.WriteString("\n")
	}
	return b.String()
}

func toolDelta(idx int, id, name, args string) domain.StreamDelta {
	return domain.StreamDelta{ToolCalls: []domain.ToolCallDelta{
		{Index: idx, ID: id, Name: name, Arguments: args},
	}}
}

func newTurnDeps(llm domain.StreamingLLMProvider, tools map[string]domain.Tool, opts ...func(*TurnDeps)) TurnDeps {
	deps := TurnDeps{
		Provider:  llm,
		Tools:     &mockToolExecutor{tools: tools},
		Logger:    newTestLogger(),
		MaxRounds: 10,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	return deps
}

func userTurn(text string) []domain.Message {
	return []domain.Message{{Role: domain.RoleUser, Content: text}}
}

func TestRunTurnSimpleText(t *testing.T) {
	llm := &mockStreamingLLM{scripts: []scriptedStream{{deltas: []domain.StreamDelta{
		{Content: "Hello"},
		{Content: " world"},
		{Content: "!", Done: true, Usage: &domain.Usage{PromptTokens: 10, CompletionTokens: 3, TotalTokens: 13}},
	}}}}
	rec := &eventRecorder{}

	result, msgs := RunTurn(context.Background(), newTurnDeps(llm, nil), "m", userTurn("Hi"), rec.emit)

	require.NoError(t, result.Err)
	assert.False(t, result.Aborted)
	assert.Equal(t, "Hello world!", result.Text)
	assert.Equal(t, 1, result.Rounds)
	assert.Equal(t, 13, result.Usage.TotalTokens)

	require.Len(t, msgs, 1)
	assert.Equal(t, domain.RoleAssistant, msgs[0].Role)
	assert.Equal(t, "Hello world!", msgs[0].Content)

	deltas := rec.byType(domain.EventTextDelta)
	assert.Len(t, deltas, 3)
}

func TestRunTurnToolRoundTripAndUsageAdditivity(t *testing.T) {
	llm := &mockStreamingLLM{scripts: []scriptedStream{
		{deltas: []domain.StreamDelta{
			{Content: "Let me look."},
			toolDelta(0, "call_1", "list_dir", `{"pa`),
			toolDelta(0, "", "", `th":"."}`),
			{Done: true, Usage: &domain.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}},
		}},
		{deltas: []domain.StreamDelta{
			{Content: "Done!", Done: true, Usage: &domain.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}},
		}},
	}}

	var gotArgs string
	lister := &mockTool{name: "list_dir", fn: func(_ context.Context, params json.RawMessage) (*domain.ToolResult, error) {
		gotArgs = string(params)
		return &domain.ToolResult{Content: "main.go\n"}, nil
	}}
	audit := &memAudit{}
	rec := &eventRecorder{}

	result, msgs := RunTurn(context.Background(),
		newTurnDeps(llm, map[string]domain.Tool{"list_dir": lister}, func(d *TurnDeps) { d.Audit = audit }),
		"m", userTurn("what is here"), rec.emit)

	require.NoError(t, result.Err)
	assert.Equal(t, 2, result.Rounds)
	assert.Equal(t, "Let me look.Done!", result.Text)

	// Chunked argument fragments reassemble before dispatch.
	assert.Equal(t, `{"path":"."}`, gotArgs)
	assert.Equal(t, 1, lister.callCount())

	// Usage figures add across rounds.
	assert.Equal(t, 13, result.Usage.PromptTokens)
	assert.Equal(t, 7, result.Usage.CompletionTokens)
	assert.Equal(t, 20, result.Usage.TotalTokens)

	// History: assistant(with call), tool result, final assistant.
	require.Len(t, msgs, 3)
	assert.Equal(t, domain.RoleAssistant, msgs[0].Role)
	require.Len(t, msgs[0].ToolCalls, 1)
	assert.Equal(t, "call_1", msgs[0].ToolCalls[0].ID)
	assert.Equal(t, domain.RoleTool, msgs[1].Role)
	assert.Equal(t, "main.go\n", msgs[1].Content)
	assert.Equal(t, domain.RoleAssistant, msgs[2].Role)

	assert.Len(t, rec.byType(domain.EventToolStart), 1)
	assert.Len(t, rec.byType(domain.EventToolDone), 1)
	assert.Len(t, audit.byType(domain.AuditToolCall), 1)
}

func TestRunTurnRoundCeiling(t *testing.T) {
	// A model that always wants another tool call.
	llm := &mockStreamingLLM{repeat: []domain.StreamDelta{
		toolDelta(0, "call_x", "list_dir", `{"path":"."}`),
		{Done: true},
	}}
	lister := &mockTool{name: "list_dir"}
	rec := &eventRecorder{}

	result, _ := RunTurn(context.Background(),
		newTurnDeps(llm, map[string]domain.Tool{"list_dir": lister}, func(d *TurnDeps) { d.MaxRounds = 3 }),
		"m", userTurn("loop forever"), rec.emit)

	require.NoError(t, result.Err)
	assert.False(t, result.Aborted)
	assert.Equal(t, 3, result.Rounds)
	assert.Equal(t, 3, llm.callCount())

	// Tools run in every round but the last: its results would have no
	// reader.
	assert.Equal(t, 2, lister.callCount())

	warnings := rec.warnings()
	assert.Contains(t, warnings, "final round")
	assert.Contains(t, warnings, "round limit (3) reached")
}

func TestRunTurnDeniedWrite(t *testing.T) {
	llm := &mockStreamingLLM{scripts: []scriptedStream{
		{deltas: []domain.StreamDelta{
			toolDelta(0, "call_w", "write_file", `{"path":"out.txt","content":"x"}`),
			{Done: true},
		}},
		{deltas: []domain.StreamDelta{{Content: "understood", Done: true}}},
	}}
	writer := &mockTool{name: "write_file"}
	audit := &memAudit{}
	rec := &eventRecorder{onApprove: func(r *domain.ApprovalRequest) { r.Deny() }}

	result, msgs := RunTurn(context.Background(),
		newTurnDeps(llm, map[string]domain.Tool{"write_file": writer}, func(d *TurnDeps) {
			d.Audit = audit
			d.Permission = config.ToolsConfig{}.Permission // write_file defaults to "ask"
		}),
		"m", userTurn("write it"), rec.emit)

	require.NoError(t, result.Err)

	// Denied: the executor is never touched and the fixed denial text is
	// fed back to the model as an error result.
	assert.Equal(t, 0, writer.callCount())
	require.Len(t, msgs, 3)
	assert.Equal(t, "User denied this file write.", msgs[1].Content)

	done := rec.byType(domain.EventToolDone)
	require.Len(t, done, 1)
	assert.True(t, done[0].Tool.IsError)
	assert.Equal(t, "User denied this file write.", done[0].Tool.Output)

	assert.Len(t, rec.byType(domain.EventToolApprove), 1)
	assert.Len(t, audit.byType(domain.AuditToolDenied), 1)
}

func TestRunTurnPreauthorizedWriteSkipsGate(t *testing.T) {
	llm := &mockStreamingLLM{scripts: []scriptedStream{
		{deltas: []domain.StreamDelta{
			toolDelta(0, "call_w", "write_file", `{"path":"out.txt","content":"x"}`),
			{Done: true},
		}},
		{deltas: []domain.StreamDelta{{Content: "done", Done: true}}},
	}}
	writer := &mockTool{name: "write_file"}
	rec := &eventRecorder{}

	result, _ := RunTurn(context.Background(),
		newTurnDeps(llm, map[string]domain.Tool{"write_file": writer}, func(d *TurnDeps) {
			d.Permission = config.ToolsConfig{}.Permission
			d.PreauthorizeWrites = true
		}),
		"m", userTurn("write it"), rec.emit)

	require.NoError(t, result.Err)
	assert.Equal(t, 1, writer.callCount())
	assert.Empty(t, rec.byType(domain.EventToolApprove))
}

func TestRunTurnSensitiveRead(t *testing.T) {
	newLLM := func() *mockStreamingLLM {
		return &mockStreamingLLM{scripts: []scriptedStream{
			{deltas: []domain.StreamDelta{
				toolDelta(0, "call_r", "read_file", `{"path":".env"}`),
				{Done: true},
			}},
			{deltas: []domain.StreamDelta{{Content: "ok", Done: true}}},
		}}
	}
	newReader := func() *mockTool {
		return &mockTool{name: "read_file", fn: func(ctx context.Context, _ json.RawMessage) (*domain.ToolResult, error) {
			if !domain.ApprovalGranted(ctx) {
				return &domain.ToolResult{RequiresApproval: true, Content: "sensitive file: .env"}, nil
			}
			return &domain.ToolResult{Content: ".env:\nSECRET=1"}, nil
		}}
	}

	t.Run("denied", func(t *testing.T) {
		reader := newReader()
		audit := &memAudit{}
		rec := &eventRecorder{onApprove: func(r *domain.ApprovalRequest) { r.Deny() }}

		result, msgs := RunTurn(context.Background(),
			newTurnDeps(newLLM(), map[string]domain.Tool{"read_file": reader}, func(d *TurnDeps) { d.Audit = audit }),
			"m", userTurn("read .env"), rec.emit)

		require.NoError(t, result.Err)
		assert.Equal(t, 1, reader.callCount()) // short-circuit only, no second execution
		assert.Equal(t, "User denied this file read.", msgs[1].Content)

		done := rec.byType(domain.EventToolDone)
		require.Len(t, done, 1)
		assert.True(t, done[0].Tool.IsError)
		assert.Len(t, audit.byType(domain.AuditToolDenied), 1)
	})

	t.Run("approved", func(t *testing.T) {
		reader := newReader()
		audit := &memAudit{}
		rec := &eventRecorder{onApprove: func(r *domain.ApprovalRequest) { r.Approve() }}

		result, msgs := RunTurn(context.Background(),
			newTurnDeps(newLLM(), map[string]domain.Tool{"read_file": reader}, func(d *TurnDeps) { d.Audit = audit }),
			"m", userTurn("read .env"), rec.emit)

		require.NoError(t, result.Err)
		assert.Equal(t, 2, reader.callCount()) // short-circuit, then approved re-execution
		assert.Equal(t, ".env:\nSECRET=1", msgs[1].Content)
		assert.Len(t, audit.byType(domain.AuditToolApproved), 1)
	})
}

func TestRunTurnDisabledTool(t *testing.T) {
	llm := &mockStreamingLLM{scripts: []scriptedStream{
		{deltas: []domain.StreamDelta{
			toolDelta(0, "call_f", "web_fetch", `{"url":"http://example.com"}`),
			{Done: true},
		}},
		{deltas: []domain.StreamDelta{{Content: "ok", Done: true}}},
	}}
	fetcher := &mockTool{name: "web_fetch"}
	audit := &memAudit{}
	rec := &eventRecorder{}

	result, msgs := RunTurn(context.Background(),
		newTurnDeps(llm, map[string]domain.Tool{"web_fetch": fetcher}, func(d *TurnDeps) {
			d.Audit = audit
			d.Permission = config.ToolsConfig{Permissions: map[string]string{"web_fetch": config.PermNever}}.Permission
		}),
		"m", userTurn("fetch it"), rec.emit)

	require.NoError(t, result.Err)
	assert.Equal(t, 0, fetcher.callCount())
	assert.Equal(t, `tool "web_fetch" is disabled`, msgs[1].Content)
	assert.Len(t, audit.byType(domain.AuditToolDenied), 1)
}

func TestRunTurnApprovalSettleIsIdempotent(t *testing.T) {
	llm := &mockStreamingLLM{scripts: []scriptedStream{
		{deltas: []domain.StreamDelta{
			toolDelta(0, "call_w", "write_file", `{"path":"a"}`),
			{Done: true},
		}},
		{deltas: []domain.StreamDelta{{Content: "ok", Done: true}}},
	}}
	writer := &mockTool{name: "write_file"}
	rec := &eventRecorder{onApprove: func(r *domain.ApprovalRequest) {
		// First call wins; the replayed settles must be no-ops.
		r.Approve()
		r.Approve()
		r.Deny()
	}}

	result, _ := RunTurn(context.Background(),
		newTurnDeps(llm, map[string]domain.Tool{"write_file": writer}, func(d *TurnDeps) {
			d.Permission = config.ToolsConfig{}.Permission
		}),
		"m", userTurn("write"), rec.emit)

	require.NoError(t, result.Err)
	assert.Equal(t, 1, writer.callCount())
}

func TestRunTurnMalformedToolArgs(t *testing.T) {
	llm := &mockStreamingLLM{scripts: []scriptedStream{
		{deltas: []domain.StreamDelta{
			toolDelta(0, "call_b", "list_dir", `{"path":`), // truncated JSON
			{Done: true},
		}},
		{deltas: []domain.StreamDelta{{Content: "sorry", Done: true}}},
	}}
	lister := &mockTool{name: "list_dir", fn: func(_ context.Context, params json.RawMessage) (*domain.ToolResult, error) {
		var p struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return &domain.ToolResult{Content: "invalid parameters: " + err.Error(), IsError: true}, nil
		}
		return &domain.ToolResult{Content: "listed"}, nil
	}}
	rec := &eventRecorder{}

	result, msgs := RunTurn(context.Background(),
		newTurnDeps(llm, map[string]domain.Tool{"list_dir": lister}),
		"m", userTurn("list"), rec.emit)

	// The broken call is answered with a validation error the model can
	// correct, not swallowed.
	require.NoError(t, result.Err)
	assert.Equal(t, 2, result.Rounds)
	assert.Contains(t, msgs[1].Content, "invalid parameters")

	done := rec.byType(domain.EventToolDone)
	require.Len(t, done, 1)
	assert.True(t, done[0].Tool.IsError)
}

// blockingLLM streams one delta, then holds the stream open until the
// context is cancelled.
type blockingLLM struct {
	first domain.StreamDelta
}

func (b *blockingLLM) Name() string { return "blocking" }

func (b *blockingLLM) Chat(_ context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
	return nil, errors.New("not implemented")
}

func (b *blockingLLM) ChatStream(ctx context.Context, _ domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	ch := make(chan domain.StreamDelta)
	go func() {
		defer close(ch)
		select {
		case ch <- b.first:
		case <-ctx.Done():
			return
		}
		<-ctx.Done()
	}()
	return ch, nil
}

func TestRunTurnCancellationReturnsPartialText(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	llm := &blockingLLM{first: domain.StreamDelta{Content: "partial answer"}}

	rec := &eventRecorder{}
	emit := func(e domain.StreamEvent) {
		rec.emit(e)
		if e.Type == domain.EventTextDelta {
			cancel() // user hits ctrl-c mid-stream
		}
	}

	result, msgs := RunTurn(ctx, newTurnDeps(llm, nil), "m", userTurn("hi"), emit)

	// Cancellation is terminal success: partial text, no error.
	require.NoError(t, result.Err)
	assert.True(t, result.Aborted)
	assert.Equal(t, "partial answer", result.Text)
	require.Len(t, msgs, 1)
	assert.Equal(t, "partial answer", msgs[0].Content)
}

// testRateLimit mimics the adapter's 429 error shape.
type testRateLimit struct{ after time.Duration }

func (e *testRateLimit) Error() string                 { return "429 too many requests" }
func (e *testRateLimit) Unwrap() error                 { return domain.ErrRateLimit }
func (e *testRateLimit) RetryAfterHint() time.Duration { return e.after }

func TestRunTurnRateLimitWarnsAndRecovers(t *testing.T) {
	llm := &mockStreamingLLM{scripts: []scriptedStream{
		{err: &testRateLimit{after: 5 * time.Millisecond}},
		{deltas: []domain.StreamDelta{{Content: "recovered", Done: true}}},
	}}
	rec := &eventRecorder{}

	result, _ := RunTurn(context.Background(), newTurnDeps(llm, nil), "m", userTurn("hi"), rec.emit)

	require.NoError(t, result.Err)
	assert.Equal(t, "recovered", result.Text)
	assert.Contains(t, rec.warnings(), "rate limited")
	assert.Contains(t, rec.warnings(), "5ms")
}

func TestRunTurnFatalErrorPreservesStreamedText(t *testing.T) {
	authErr := domain.NewDomainError("AnthropicProvider.ChatStream", domain.ErrAuthInvalid, "401")
	llm := &mockStreamingLLM{scripts: []scriptedStream{
		{deltas: []domain.StreamDelta{
			{Content: "first round text"},
			toolDelta(0, "call_1", "list_dir", `{"path":"."}`),
			{Done: true},
		}},
		{err: authErr},
	}}
	lister := &mockTool{name: "list_dir"}
	rec := &eventRecorder{}

	result, _ := RunTurn(context.Background(),
		newTurnDeps(llm, map[string]domain.Tool{"list_dir": lister}),
		"m", userTurn("hi"), rec.emit)

	// The original error propagates unwrapped; streamed text survives.
	require.Error(t, result.Err)
	assert.True(t, errors.Is(result.Err, domain.ErrAuthInvalid))
	assert.Equal(t, "first round text", result.Text)
	assert.False(t, result.Aborted)
}

func TestRunTurnUnknownModelPricingWarns(t *testing.T) {
	llm := &mockStreamingLLM{scripts: []scriptedStream{
		{deltas: []domain.StreamDelta{
			{Content: "hi", Done: true, Usage: &domain.Usage{PromptTokens: 100, CompletionTokens: 10, TotalTokens: 110}},
		}},
	}}
	rec := &eventRecorder{}

	result, _ := RunTurn(context.Background(),
		newTurnDeps(llm, nil, func(d *TurnDeps) { d.Catalog = NewModelCatalog() }),
		"mystery-9000", userTurn("hi"), rec.emit)

	require.NoError(t, result.Err)
	assert.Zero(t, result.Usage.Cost)
	assert.Contains(t, rec.warnings(), fmt.Sprintf("no pricing known for model %q", "mystery-9000"))
}

func TestRunTurnKnownModelCost(t *testing.T) {
	llm := &mockStreamingLLM{scripts: []scriptedStream{
		{deltas: []domain.StreamDelta{
			{Content: "hi", Done: true, Usage: &domain.Usage{PromptTokens: 1_000_000, CompletionTokens: 100_000, TotalTokens: 1_100_000}},
		}},
	}}
	rec := &eventRecorder{}

	result, _ := RunTurn(context.Background(),
		newTurnDeps(llm, nil, func(d *TurnDeps) { d.Catalog = NewModelCatalog() }),
		"gpt-4o", userTurn("hi"), rec.emit)

	require.NoError(t, result.Err)
	// 1M prompt at $2.50/M plus 100k completion at $10/M.
	assert.InDelta(t, 3.50, result.Usage.Cost, 1e-9)
	assert.Empty(t, rec.byType(domain.EventWarning))
}

func TestRunTurnStreamDropAfterPartialOutput(t *testing.T) {
	dropErr := fmt.Errorf("stream interrupted: %w", io.ErrUnexpectedEOF)
	llm := &mockStreamingLLM{scripts: []scriptedStream{
		{deltas: []domain.StreamDelta{
			{Content: "half an ans"},
			{Done: true, Err: dropErr},
		}},
	}}
	rec := &eventRecorder{}

	result, _ := RunTurn(context.Background(), newTurnDeps(llm, nil), "m", userTurn("hi"), rec.emit)

	// Partial output already reached the caller, so the round is not
	// replayed: the drop surfaces as an error with the text preserved.
	require.Error(t, result.Err)
	assert.True(t, errors.Is(result.Err, io.ErrUnexpectedEOF))
	assert.Equal(t, "half an ans", result.Text)
	assert.Equal(t, 1, llm.callCount())
	assert.Contains(t, rec.warnings(), "interrupted mid-response")
}

func TestRunTurnStreamDropBeforeOutputRetries(t *testing.T) {
	dropErr := fmt.Errorf("stream interrupted: %w", io.ErrUnexpectedEOF)
	llm := &mockStreamingLLM{scripts: []scriptedStream{
		{deltas: []domain.StreamDelta{{Done: true, Err: dropErr}}},
		{deltas: []domain.StreamDelta{{Content: "recovered", Done: true}}},
	}}
	rec := &eventRecorder{}

	result, _ := RunTurn(context.Background(), newTurnDeps(llm, nil), "m", userTurn("hi"), rec.emit)

	// Nothing had streamed yet, so replaying the round is safe.
	require.NoError(t, result.Err)
	assert.Equal(t, "recovered", result.Text)
	assert.Equal(t, 2, llm.callCount())
}

func TestRunTurnToolEventOrdering(t *testing.T) {
	toolEventTypes := func(rec *eventRecorder) []domain.StreamEventType {
		var order []domain.StreamEventType
		for _, e := range rec.events {
			switch e.Type {
			case domain.EventToolStart, domain.EventToolApprove, domain.EventToolDone:
				order = append(order, e.Type)
			}
		}
		return order
	}
	gated := []domain.StreamEventType{domain.EventToolStart, domain.EventToolApprove, domain.EventToolDone}

	t.Run("gated write", func(t *testing.T) {
		llm := &mockStreamingLLM{scripts: []scriptedStream{
			{deltas: []domain.StreamDelta{
				toolDelta(0, "call_w", "write_file", `{"path":"a"}`),
				{Done: true},
			}},
			{deltas: []domain.StreamDelta{{Content: "ok", Done: true}}},
		}}
		writer := &mockTool{name: "write_file"}
		rec := &eventRecorder{onApprove: func(r *domain.ApprovalRequest) { r.Approve() }}

		result, _ := RunTurn(context.Background(),
			newTurnDeps(llm, map[string]domain.Tool{"write_file": writer}, func(d *TurnDeps) {
				d.Permission = config.ToolsConfig{}.Permission
			}),
			"m", userTurn("write"), rec.emit)

		require.NoError(t, result.Err)
		assert.Equal(t, gated, toolEventTypes(rec))
	})

	t.Run("sensitive read", func(t *testing.T) {
		llm := &mockStreamingLLM{scripts: []scriptedStream{
			{deltas: []domain.StreamDelta{
				toolDelta(0, "call_r", "read_file", `{"path":".env"}`),
				{Done: true},
			}},
			{deltas: []domain.StreamDelta{{Content: "ok", Done: true}}},
		}}
		reader := &mockTool{name: "read_file", fn: func(ctx context.Context, _ json.RawMessage) (*domain.ToolResult, error) {
			if !domain.ApprovalGranted(ctx) {
				return &domain.ToolResult{RequiresApproval: true, Content: "sensitive file: .env"}, nil
			}
			return &domain.ToolResult{Content: "data"}, nil
		}}
		rec := &eventRecorder{onApprove: func(r *domain.ApprovalRequest) { r.Approve() }}

		result, _ := RunTurn(context.Background(),
			newTurnDeps(llm, map[string]domain.Tool{"read_file": reader}),
			"m", userTurn("read"), rec.emit)

		// The reactive gate reads the same as the proactive one.
		require.NoError(t, result.Err)
		assert.Equal(t, gated, toolEventTypes(rec))
	})

	t.Run("disabled tool", func(t *testing.T) {
		llm := &mockStreamingLLM{scripts: []scriptedStream{
			{deltas: []domain.StreamDelta{
				toolDelta(0, "call_f", "web_fetch", `{"url":"http://x"}`),
				{Done: true},
			}},
			{deltas: []domain.StreamDelta{{Content: "ok", Done: true}}},
		}}
		fetcher := &mockTool{name: "web_fetch"}
		rec := &eventRecorder{}

		result, _ := RunTurn(context.Background(),
			newTurnDeps(llm, map[string]domain.Tool{"web_fetch": fetcher}, func(d *TurnDeps) {
				d.Permission = config.ToolsConfig{Permissions: map[string]string{"web_fetch": config.PermNever}}.Permission
			}),
			"m", userTurn("fetch"), rec.emit)

		require.NoError(t, result.Err)
		assert.Equal(t, []domain.StreamEventType{domain.EventToolStart, domain.EventToolDone}, toolEventTypes(rec))
	})
}
