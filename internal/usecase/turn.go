package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"quill/internal/domain"
	"quill/internal/infra/config"
	"quill/internal/infra/tracer"
)

// Recovery loop constants.
const (
	maxLLMRetries        = 3
	baseRetryDelay       = 500 * time.Millisecond
	maxRetryDelay        = 10 * time.Second
	defaultRateLimitWait = 2 * time.Second
	maxRateLimitWait     = 30 * time.Second
)

// TurnDeps holds the collaborators for running turns.
type TurnDeps struct {
	Provider domain.StreamingLLMProvider
	Tools    domain.ToolExecutor
	Audit    domain.AuditLogger // optional, nil = no audit
	Guard    *ContextGuard      // optional, nil = no window guard
	Catalog  *ModelCatalog      // optional, nil = no pricing
	Logger   *slog.Logger

	// MaxRounds bounds model/tool round trips per turn. <=0 means 10.
	MaxRounds int
	// Permission maps a tool name to "always", "ask" or "never".
	// nil means every tool is "always".
	Permission func(tool string) string
	// PreauthorizeWrites skips the per-call gate on write_file.
	PreauthorizeWrites bool
}

// RunTurn drives one user turn: stream a model response, execute the
// tool calls it requests, feed the results back, and repeat until the
// model answers in prose or the round ceiling is hit. Events are pushed
// through emit in order; the returned messages are the history entries
// the turn produced (assistant and tool messages, in order).
//
// Cancellation is not an error: the result carries Aborted=true and
// whatever text had streamed. Only fatal provider failures set Err, and
// even then the partial text is preserved.
func RunTurn(ctx context.Context, deps TurnDeps, model string, history []domain.Message, emit func(domain.StreamEvent)) (domain.TurnResult, []domain.Message) {
	if deps.MaxRounds <= 0 {
		deps.MaxRounds = 10
	}

	ctx, span := tracer.StartSpan(ctx, "usecase.turn",
		trace.WithAttributes(tracer.StringAttr("llm.model", model)),
	)
	defer span.End()

	var (
		turnText     strings.Builder
		total        domain.Usage
		appended     []domain.Message
		rounds       int
		warnedWindow bool
	)

	finish := func(aborted bool, err error) (domain.TurnResult, []domain.Message) {
		if deps.Catalog != nil {
			cost, ok := deps.Catalog.Cost(model, total)
			if !ok {
				emit(warningEvent(fmt.Sprintf("no pricing known for model %q; cost recorded as $0", model)))
			}
			total.Cost = cost
		}
		if err != nil {
			tracer.RecordError(span, err)
			deps.Logger.Error("turn failed",
				"model", model,
				"code", domain.ErrorCodeOf(err),
				"error", err,
			)
		} else {
			tracer.SetOK(span)
		}
		span.SetAttributes(
			tracer.IntAttr("turn.rounds", rounds),
			tracer.IntAttr("turn.total_tokens", total.TotalTokens),
		)
		return domain.TurnResult{
			Text:    turnText.String(),
			Usage:   total,
			Rounds:  rounds,
			Aborted: aborted,
			Err:     err,
		}, appended
	}

	msgs := append([]domain.Message(nil), history...)
	var schemas []domain.ToolSchema
	if deps.Tools != nil {
		schemas = deps.Tools.Schemas()
	}

	for round := 1; round <= deps.MaxRounds; round++ {
		rounds = round
		if ctx.Err() != nil {
			return finish(true, nil)
		}

		if !warnedWindow && deps.Guard != nil && deps.Catalog != nil {
			if msg, warn := deps.Guard.Check(msgs, deps.Catalog.ContextWindow(model)); warn {
				emit(warningEvent(msg))
				warnedWindow = true
			}
		}
		if round == deps.MaxRounds {
			emit(warningEvent(fmt.Sprintf("reached the final round (%d of %d); the response may be incomplete", round, deps.MaxRounds)))
		}

		acc, err := streamRound(ctx, deps, domain.ChatRequest{
			Model:    model,
			Messages: msgs,
			Tools:    schemas,
			Stream:   true,
		}, emit)

		if acc != nil {
			turnText.WriteString(acc.content())
			total.Add(acc.usage)
		}
		if err != nil {
			if Classify(err) == ClassCancelled {
				return finish(true, nil)
			}
			// A non-nil accumulator means the stream dropped after output
			// already reached the caller; replaying would duplicate it.
			if acc != nil {
				emit(warningEvent("provider stream was interrupted mid-response; the answer may be incomplete"))
			}
			return finish(false, err)
		}

		auditLog(ctx, deps, domain.AuditLLMCall, map[string]string{
			"model":             model,
			"round":             strconv.Itoa(round),
			"prompt_tokens":     strconv.Itoa(acc.usage.PromptTokens),
			"completion_tokens": strconv.Itoa(acc.usage.CompletionTokens),
		})

		content := acc.content()
		calls := acc.toolCalls()

		assistant := domain.Message{
			Role:      domain.RoleAssistant,
			Content:   content,
			ToolCalls: calls,
			Timestamp: time.Now(),
		}
		if content != "" {
			assistant.Segments = append(assistant.Segments, domain.Segment{Type: domain.SegmentText, Content: content})
		}

		if ctx.Err() != nil {
			msgs = append(msgs, assistant)
			appended = append(appended, assistant)
			return finish(true, nil)
		}
		if len(calls) == 0 {
			msgs = append(msgs, assistant)
			appended = append(appended, assistant)
			return finish(false, nil)
		}
		if round == deps.MaxRounds {
			// The model wants another round it will never get. Record
			// its message but skip tool execution: the results would
			// have no reader.
			msgs = append(msgs, assistant)
			appended = append(appended, assistant)
			emit(warningEvent(fmt.Sprintf("round limit (%d) reached with tool calls pending; returning the response so far", deps.MaxRounds)))
			return finish(false, nil)
		}

		var toolMsgs []domain.Message
		for _, call := range calls {
			result, aborted := runToolCall(ctx, deps, call, emit)
			if aborted {
				return finish(true, nil)
			}
			assistant.Segments = append(assistant.Segments, domain.Segment{
				Type:    domain.SegmentTool,
				Name:    call.Name,
				Input:   string(call.Arguments),
				Output:  result.Content,
				IsError: result.IsError,
				Done:    true,
			})
			toolMsgs = append(toolMsgs, domain.Message{
				Role:      domain.RoleTool,
				Name:      call.Name,
				Content:   result.Content,
				ToolCalls: []domain.ToolCall{{ID: call.ID, Name: call.Name}},
				Timestamp: time.Now(),
			})
		}

		msgs = append(msgs, assistant)
		msgs = append(msgs, toolMsgs...)
		appended = append(appended, assistant)
		appended = append(appended, toolMsgs...)
	}

	return finish(false, nil)
}

// streamRound opens one streamed provider call and accumulates it. Rate
// limits are surfaced as warnings and waited out per the provider's
// retry-after hint. Connection failures arrive here already retried with
// backoff by the provider decorator and are surfaced as-is; the one
// transient class handled locally is a stream that dropped mid-flight
// before producing any output, which is safe to replay. A drop after
// partial output returns the accumulator together with the error so the
// caller can preserve what streamed. The last error is never wrapped.
func streamRound(ctx context.Context, deps TurnDeps, req domain.ChatRequest, emit func(domain.StreamEvent)) (*streamAccumulator, error) {
	for attempt := 0; ; attempt++ {
		ch, err := deps.Provider.ChatStream(ctx, req)
		droppedEmpty := false
		if err == nil {
			acc := newStreamAccumulator()
			var streamErr error
			for d := range ch {
				if d.Content != "" {
					emit(domain.StreamEvent{Type: domain.EventTextDelta, Text: d.Content})
				}
				acc.addDelta(d)
				if d.Err != nil {
					streamErr = d.Err
				}
			}
			if streamErr == nil {
				return acc, nil
			}
			if acc.content() != "" || len(acc.calls) > 0 {
				return acc, streamErr
			}
			droppedEmpty = true
			err = streamErr
		}

		var delay time.Duration
		switch Classify(err) {
		case ClassRateLimit:
			delay = domain.RetryAfterHint(err)
			if delay <= 0 {
				delay = defaultRateLimitWait
			}
			if delay > maxRateLimitWait {
				delay = maxRateLimitWait
			}
			if attempt >= maxLLMRetries {
				return nil, err
			}
			emit(warningEvent(fmt.Sprintf("rate limited by provider; retrying in %s", delay)))
		case ClassRetryable:
			if !droppedEmpty || attempt >= maxLLMRetries {
				return nil, err
			}
			delay = retryBackoff(attempt)
			deps.Logger.Warn("provider stream dropped before output, retrying",
				"attempt", attempt+1,
				"delay", delay,
				"error", err,
			)
		default:
			return nil, err
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// retryBackoff computes exponential backoff with 0-25% jitter.
func retryBackoff(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	return delay + jitter
}

// runToolCall executes one tool call end to end: permission check,
// approval gating, execution, audit, and tool_start/tool_done events.
// Every path emits tool_start first, so a gated call always reads as
// tool_start, tool_approve, tool_done regardless of whether the gate
// was configured up front or raised by the tool itself.
// It returns aborted=true only when the context was cancelled while
// waiting, in which case the turn terminates with partial output.
func runToolCall(ctx context.Context, deps TurnDeps, call domain.ToolCall, emit func(domain.StreamEvent)) (*domain.ToolResult, bool) {
	perm := config.PermAlways
	if deps.Permission != nil {
		perm = deps.Permission(call.Name)
	}

	emit(toolStartEvent(call))

	if perm == config.PermNever {
		rejectToolCall(ctx, deps, call, domain.ErrToolDisabled, "disabled by configuration")
		result := &domain.ToolResult{
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("tool %q is disabled", call.Name),
			IsError:    true,
		}
		emit(toolDoneEvent(call, result))
		return result, false
	}

	needsGate := perm == config.PermAsk
	if call.Name == "write_file" && deps.PreauthorizeWrites {
		needsGate = false
	}

	if needsGate {
		approved, aborted := awaitApproval(ctx, call, emit)
		if aborted {
			return nil, true
		}
		if !approved {
			rejectToolCall(ctx, deps, call, domain.ErrToolApprovalDenied, "user declined")
			result := &domain.ToolResult{ToolCallID: call.ID, Content: denialText(call.Name), IsError: true}
			emit(toolDoneEvent(call, result))
			return result, false
		}
		auditLog(ctx, deps, domain.AuditToolApproved, map[string]string{"tool": call.Name})
		ctx = domain.ContextWithApproval(ctx)
	}

	result := executeOnce(ctx, deps, call)

	// A sensitive path short-circuited without touching disk: suspend
	// for consent, then either substitute the denial or run for real.
	if result.RequiresApproval {
		approved, aborted := awaitApproval(ctx, call, emit)
		if aborted {
			return nil, true
		}
		if approved {
			auditLog(ctx, deps, domain.AuditToolApproved, map[string]string{"tool": call.Name})
			result = executeOnce(domain.ContextWithApproval(ctx), deps, call)
		} else {
			rejectToolCall(ctx, deps, call, domain.ErrToolApprovalDenied, "user declined")
			result = &domain.ToolResult{ToolCallID: call.ID, Content: denialText(call.Name), IsError: true}
		}
	}

	auditLog(ctx, deps, domain.AuditToolCall, map[string]string{
		"tool":    call.Name,
		"success": strconv.FormatBool(!result.IsError),
	})
	emit(toolDoneEvent(call, result))
	return result, false
}

// rejectToolCall records a refused call in the audit trail and the log,
// tagging the log line with the stable error code for the sentinel.
func rejectToolCall(ctx context.Context, deps TurnDeps, call domain.ToolCall, sentinel error, reason string) {
	err := domain.NewDomainError("RunTurn", sentinel, call.Name)
	deps.Logger.Warn("tool call rejected",
		"tool", call.Name,
		"code", domain.ErrorCodeOf(err),
		"error", err,
	)
	auditLog(ctx, deps, domain.AuditToolDenied, map[string]string{
		"tool":   call.Name,
		"reason": reason,
	})
}

// executeOnce looks up and runs the tool, folding every failure mode
// into an error result the model can read.
func executeOnce(ctx context.Context, deps TurnDeps, call domain.ToolCall) *domain.ToolResult {
	tool, err := deps.Tools.Get(call.Name)
	if err != nil {
		return &domain.ToolResult{ToolCallID: call.ID, Content: err.Error(), IsError: true}
	}
	result, err := tool.Execute(ctx, call.Arguments)
	if err != nil {
		return &domain.ToolResult{ToolCallID: call.ID, Content: err.Error(), IsError: true}
	}
	if result.ToolCallID == "" {
		result.ToolCallID = call.ID
	}
	return result
}

// awaitApproval emits the suspension event and blocks until the caller
// settles it or the context is cancelled. This is the only point where
// the turn loop waits on anything other than the provider stream.
func awaitApproval(ctx context.Context, call domain.ToolCall, emit func(domain.StreamEvent)) (approved, aborted bool) {
	req := domain.NewApprovalRequest(call.Name, call.Arguments)
	emit(domain.StreamEvent{Type: domain.EventToolApprove, Approval: req})
	select {
	case ok := <-req.Reply():
		return ok, false
	case <-ctx.Done():
		return false, true
	}
}

// denialText is the fixed result substituted for a declined call.
func denialText(tool string) string {
	switch tool {
	case "read_file":
		return "User denied this file read."
	case "write_file":
		return "User denied this file write."
	default:
		return fmt.Sprintf("User denied this %s call.", tool)
	}
}

func auditLog(ctx context.Context, deps TurnDeps, typ domain.AuditEventType, detail map[string]string) {
	if deps.Audit == nil {
		return
	}
	// Advisory only: an audit write failure never aborts the turn.
	_ = deps.Audit.Log(ctx, domain.AuditEvent{Type: typ, Detail: detail})
}

func warningEvent(msg string) domain.StreamEvent {
	return domain.StreamEvent{Type: domain.EventWarning, Text: msg}
}

func toolStartEvent(call domain.ToolCall) domain.StreamEvent {
	return domain.StreamEvent{Type: domain.EventToolStart, Tool: &domain.ToolEvent{
		Name:  call.Name,
		Input: call.Arguments,
	}}
}

func toolDoneEvent(call domain.ToolCall, result *domain.ToolResult) domain.StreamEvent {
	return domain.StreamEvent{Type: domain.EventToolDone, Tool: &domain.ToolEvent{
		Name:    call.Name,
		Input:   call.Arguments,
		Output:  result.Content,
		IsError: result.IsError,
	}}
}
