package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"quill/internal/domain"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"rate limit", &testRateLimit{}, ClassRateLimit},
		{"wrapped rate limit", fmt.Errorf("call: %w", domain.ErrRateLimit), ClassRateLimit},
		{"unavailable", domain.NewDomainError("op", domain.ErrProviderUnavailable, "503"), ClassRetryable},
		{"connection reset", errors.New("read tcp: connection reset by peer"), ClassRetryable},
		{"unexpected eof", errors.New("unexpected EOF"), ClassRetryable},
		{"auth", domain.NewDomainError("op", domain.ErrAuthInvalid, "401"), ClassFatal},
		{"unknown model", domain.NewDomainError("op", domain.ErrUnknownModel, "x"), ClassFatal},
		{"context overflow", domain.NewDomainError("op", domain.ErrContextOverflow, "413"), ClassFatal},
		{"cancelled", context.Canceled, ClassCancelled},
		{"deadline", context.DeadlineExceeded, ClassCancelled},
		{"garbage", errors.New("something else"), ClassFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestRetryAfterHint(t *testing.T) {
	err := fmt.Errorf("call failed: %w", &testRateLimit{after: 7_000_000_000})
	assert.Equal(t, float64(7), domain.RetryAfterHint(err).Seconds())
	assert.Zero(t, domain.RetryAfterHint(errors.New("plain")))
}
