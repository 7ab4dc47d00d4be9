package llm

import (
	"context"
	"fmt"
	"log/slog"

	"quill/internal/domain"
)

// RetryProvider wraps an LLMProvider with the Retry backoff policy so
// transient connection failures never reach the turn loop. Rate limits
// pass through untouched: the caller owns retry-after pacing. For
// streams only the connection attempt is retried; once the channel is
// handed out, replaying would duplicate deltas already consumed.
type RetryProvider struct {
	inner  domain.LLMProvider
	policy RetryPolicy
	logger *slog.Logger
}

// NewRetryProvider wraps inner with policy. A zero-valued policy gets
// the defaults.
func NewRetryProvider(inner domain.LLMProvider, policy RetryPolicy, logger *slog.Logger) *RetryProvider {
	if policy.MaxRetries == 0 && policy.InitialDelay == 0 {
		policy = DefaultRetryPolicy()
	}
	return &RetryProvider{inner: inner, policy: policy, logger: logger}
}

// Chat implements domain.LLMProvider.
func (p *RetryProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	attempt := 0
	return Retry(ctx, p.policy, func() (*domain.ChatResponse, error) {
		attempt++
		resp, err := p.inner.Chat(ctx, req)
		if err != nil && IsRetryable(err) {
			p.logger.Warn("provider call failed",
				"provider", p.inner.Name(),
				"attempt", attempt,
				"error", err,
			)
		}
		return resp, err
	})
}

// ChatStream implements domain.StreamingLLMProvider if the inner
// provider supports it. Retries cover establishing the stream only.
func (p *RetryProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	sp, ok := p.inner.(domain.StreamingLLMProvider)
	if !ok {
		return nil, fmt.Errorf("provider %q does not support streaming", p.inner.Name())
	}
	attempt := 0
	return Retry(ctx, p.policy, func() (<-chan domain.StreamDelta, error) {
		attempt++
		ch, err := sp.ChatStream(ctx, req)
		if err != nil && IsRetryable(err) {
			p.logger.Warn("provider stream open failed",
				"provider", p.inner.Name(),
				"attempt", attempt,
				"error", err,
			)
		}
		return ch, err
	})
}

// Name implements domain.LLMProvider.
func (p *RetryProvider) Name() string { return p.inner.Name() }

// Compile-time interface checks.
var (
	_ domain.LLMProvider          = (*RetryProvider)(nil)
	_ domain.StreamingLLMProvider = (*RetryProvider)(nil)
)
