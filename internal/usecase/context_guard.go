package usecase

import (
	"fmt"
	"log/slog"

	"quill/internal/domain"
)

// ContextGuard watches prompt size against the model's context window.
// It only warns: the provider remains the authority on overflow, the
// guard exists so the user hears about it before a 413 does.
type ContextGuard struct {
	counter      *TokenCounter
	safetyMargin float64
	logger       *slog.Logger
}

// NewContextGuard creates a guard that warns when the estimated prompt
// crosses (1 - safetyMargin) of the window. Margin defaults to 0.15.
func NewContextGuard(counter *TokenCounter, safetyMargin float64, logger *slog.Logger) *ContextGuard {
	if safetyMargin <= 0 || safetyMargin > 0.5 {
		safetyMargin = 0.15
	}
	return &ContextGuard{counter: counter, safetyMargin: safetyMargin, logger: logger}
}

// Check estimates the prompt size and returns a warning message when it
// approaches the window. An unknown window (0) disables the check.
func (g *ContextGuard) Check(messages []domain.Message, window int) (string, bool) {
	if g == nil || window <= 0 {
		return "", false
	}
	tokens := g.counter.CountMessages(messages)
	limit := int(float64(window) * (1 - g.safetyMargin))
	if tokens <= limit {
		return "", false
	}
	g.logger.Warn("context window nearly full",
		"tokens", tokens,
		"limit", limit,
		"window", window,
	)
	return fmt.Sprintf("conversation is near the context window (~%d of %d tokens); older messages may be dropped by the provider", tokens, window), true
}
