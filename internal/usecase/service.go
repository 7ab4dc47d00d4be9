package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"quill/internal/domain"
	"quill/internal/infra/config"
)

// ProviderResolver looks up streaming provider adapters by name.
// Satisfied by the llm adapter registry.
type ProviderResolver interface {
	GetStreaming(name string) (domain.StreamingLLMProvider, error)
}

// ApprovalFunc decides a pending tool approval in synchronous mode.
// A nil func denies everything.
type ApprovalFunc func(name string, input json.RawMessage) bool

// ChatServiceDeps holds injected dependencies for the chat service.
type ChatServiceDeps struct {
	Config    *config.Config
	Providers ProviderResolver
	Tools     domain.ToolExecutor
	Store     domain.ConversationStore // optional, nil = no persistence
	Audit     domain.AuditLogger       // optional, nil = no audit
	Logger    *slog.Logger
	Catalog   *ModelCatalog // optional, nil = builtin catalog
	Guard     *ContextGuard // optional, nil = no window guard
}

// ChatService is the one entry point the terminal layer talks to. It
// resolves models to provider adapters, runs turns, and persists the
// conversation and spend totals.
type ChatService struct {
	deps ChatServiceDeps
}

// NewChatService wires the service and validates the default model
// eagerly: an unknown model or a provider without credentials fails
// construction instead of the first request.
func NewChatService(deps ChatServiceDeps) (*ChatService, error) {
	if deps.Catalog == nil {
		deps.Catalog = NewModelCatalog()
	}
	s := &ChatService{deps: deps}

	model := deps.Config.Agent.DefaultModel
	providerName, err := s.providerNameFor(model)
	if err != nil {
		return nil, err
	}
	if _, err := deps.Providers.GetStreaming(providerName); err != nil {
		return nil, err
	}
	for _, p := range deps.Config.Providers {
		if p.Name == providerName && p.APIKey == "" {
			return nil, domain.NewDomainError("NewChatService", domain.ErrAuthInvalid,
				fmt.Sprintf("no API key configured for provider %q", providerName))
		}
	}
	return s, nil
}

// providerNameFor resolves a model id to a provider adapter name. The
// catalog is authoritative; a model absent from the catalog still
// dispatches when a configured provider names it (it just carries no
// pricing).
func (s *ChatService) providerNameFor(model string) (string, error) {
	if name, err := s.deps.Catalog.Provider(model); err == nil {
		return name, nil
	}
	for _, p := range s.deps.Config.Providers {
		if p.Model == model {
			return p.Name, nil
		}
	}
	return "", domain.NewDomainError("ChatService", domain.ErrUnknownModel, model)
}

// Stream runs one user turn. Events arrive on the first channel in
// order; the second channel delivers exactly one TurnResult after the
// event channel closes. Approval events must be settled by the consumer
// or the turn stays suspended.
func (s *ChatService) Stream(ctx context.Context, session *Session, text string) (<-chan domain.StreamEvent, <-chan domain.TurnResult) {
	events := make(chan domain.StreamEvent, 16)
	results := make(chan domain.TurnResult, 1)

	go func() {
		defer close(results)
		defer close(events)
		results <- s.run(ctx, session, text, events)
	}()

	return events, results
}

// Send is the synchronous variant: it drains the event stream itself,
// settling approvals through approve, and returns the final result.
func (s *ChatService) Send(ctx context.Context, session *Session, text string, approve ApprovalFunc) (domain.TurnResult, error) {
	events, results := s.Stream(ctx, session, text)
	for e := range events {
		if e.Type != domain.EventToolApprove {
			continue
		}
		if approve != nil && approve(e.Approval.Name, e.Approval.Input) {
			e.Approval.Approve()
		} else {
			e.Approval.Deny()
		}
	}
	result := <-results
	return result, result.Err
}

// LifetimeSpend returns the persisted running total in dollars.
func (s *ChatService) LifetimeSpend(ctx context.Context) (float64, error) {
	if s.deps.Store == nil {
		return 0, nil
	}
	return s.deps.Store.LifetimeSpend(ctx)
}

func (s *ChatService) run(ctx context.Context, session *Session, text string, events chan<- domain.StreamEvent) domain.TurnResult {
	model := s.deps.Config.Agent.DefaultModel
	providerName, err := s.providerNameFor(model)
	if err != nil {
		return domain.TurnResult{Err: err}
	}
	provider, err := s.deps.Providers.GetStreaming(providerName)
	if err != nil {
		return domain.TurnResult{Err: err}
	}

	ctx = domain.ContextWithSessionID(ctx, session.ID)
	session.AddMessage(domain.Message{Role: domain.RoleUser, Content: text})

	history := session.Messages()
	if sp := s.deps.Config.Agent.SystemPrompt; sp != "" {
		history = append([]domain.Message{{Role: domain.RoleSystem, Content: sp}}, history...)
	}

	emit := func(e domain.StreamEvent) {
		select {
		case events <- e:
		case <-ctx.Done():
		}
	}

	result, newMsgs := RunTurn(ctx, TurnDeps{
		Provider:           provider,
		Tools:              s.deps.Tools,
		Audit:              s.deps.Audit,
		Guard:              s.deps.Guard,
		Catalog:            s.deps.Catalog,
		Logger:             s.deps.Logger,
		MaxRounds:          s.deps.Config.Agent.MaxRounds,
		Permission:         s.deps.Config.Tools.Permission,
		PreauthorizeWrites: s.deps.Config.Agent.PreauthorizeWrites,
	}, model, history, emit)

	for _, m := range newMsgs {
		session.AddMessage(m)
	}
	s.persist(session, result)
	return result
}

// persist saves the conversation and spend total. It runs on its own
// context so a cancelled turn still gets recorded, and failures are
// logged rather than surfaced: losing history must not fail the turn.
func (s *ChatService) persist(session *Session, result domain.TurnResult) {
	if s.deps.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := s.deps.Store.Save(ctx, session.Name, session.Messages()); err != nil {
		s.deps.Logger.Error("failed to save conversation", "name", session.Name, "error", err)
	}
	if result.Usage.Cost > 0 {
		if err := s.deps.Store.AddSpend(ctx, result.Usage.Cost); err != nil {
			s.deps.Logger.Error("failed to record spend", "cost", result.Usage.Cost, "error", err)
		}
	}
}
