package llm

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"strings"
	"time"

	"quill/internal/domain"
)

// RetryPolicy controls exponential backoff for transient provider failures.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryPolicy matches typical LLM API guidance.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     8 * time.Second,
		Multiplier:   2,
	}
}

// Retry runs fn, retrying on transient failures with exponential backoff.
// Rate-limit errors are returned to the caller immediately: their backoff
// timing comes from the provider's retry-after hint, not from this policy.
// The last attempt's error is returned as-is, never wrapped.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func() (T, error)) (T, error) {
	var result T
	var err error

	for attempt := 0; ; attempt++ {
		result, err = fn()
		if err == nil {
			return result, nil
		}
		if attempt >= policy.MaxRetries || !IsRetryable(err) {
			return result, err
		}

		delay := backoffDelay(policy, attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return result, ctx.Err()
		}
	}
}

// backoffDelay computes min(initial * multiplier^attempt, max) with up to
// 25% random jitter to spread concurrent retries.
func backoffDelay(policy RetryPolicy, attempt int) time.Duration {
	d := float64(policy.InitialDelay) * math.Pow(policy.Multiplier, float64(attempt))
	if max := float64(policy.MaxDelay); d > max {
		d = max
	}
	jitter := 1 + 0.25*rand.Float64()
	return time.Duration(d * jitter)
}

// IsRetryable reports whether an error is a transient failure worth
// retrying: 5xx responses and network-reset-class errors. Rate limits
// are explicitly NOT retryable here.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrRateLimit) {
		return false
	}
	if errors.Is(err, domain.ErrProviderUnavailable) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"connection reset",
		"connection refused",
		"broken pipe",
		"eof",
		"no such host",
		"network is unreachable",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// RetryAfterOf extracts the provider's retry-after hint from an error
// chain, or 0 when there is none.
func RetryAfterOf(err error) time.Duration {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle.RetryAfter
	}
	return 0
}
