package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, CodeUnknown},
		{"bare sentinel", ErrRateLimit, CodeRateLimit},
		{"domain error", NewDomainError("Sandbox.CheckSize", ErrFileTooLarge, "11MB"), CodeFileTooLarge},
		{"fmt wrapped", fmt.Errorf("call failed: %w", ErrProviderUnavailable), CodeProviderUnavailable},
		{"double wrapped", fmt.Errorf("outer: %w", NewDomainError("op", ErrToolDisabled, "web_fetch")), CodeToolDisabled},
		{"unrelated", errors.New("something else"), CodeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorCodeOf(tt.err); got != tt.want {
				t.Errorf("ErrorCodeOf(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestDomainErrorMessage(t *testing.T) {
	err := NewDomainError("Registry.Get", ErrProviderNotFound, "mistral")
	if got := err.Error(); got != "Registry.Get: mistral: llm provider not found" {
		t.Errorf("got %q", got)
	}
	if !errors.Is(err, ErrProviderNotFound) {
		t.Error("sentinel should survive unwrapping")
	}
}

func TestWrapOp(t *testing.T) {
	if WrapOp("op", nil) != nil {
		t.Error("nil error should stay nil")
	}
	err := WrapOp("SQLiteStore.Close", ErrStoreFailure)
	if !errors.Is(err, ErrStoreFailure) {
		t.Errorf("got %v", err)
	}
}

type hintedErr struct{ after time.Duration }

func (e *hintedErr) Error() string                 { return "429" }
func (e *hintedErr) RetryAfterHint() time.Duration { return e.after }

func TestRetryAfterHint(t *testing.T) {
	err := fmt.Errorf("stream open: %w", &hintedErr{after: 3 * time.Second})
	if got := RetryAfterHint(err); got != 3*time.Second {
		t.Errorf("got %s", got)
	}
	if got := RetryAfterHint(errors.New("plain")); got != 0 {
		t.Errorf("got %s, want 0", got)
	}
}
