package usecase

import (
	"context"
	"errors"
	"net"
	"strings"

	"quill/internal/domain"
)

// ErrorClass is the recovery category of a provider failure.
type ErrorClass int

const (
	// ClassFatal aborts the turn (auth, unknown model, bad request).
	ClassFatal ErrorClass = iota
	// ClassRetryable is worth an exponential-backoff retry (5xx,
	// network-reset class).
	ClassRetryable
	// ClassRateLimit is surfaced as a warning and waited out per the
	// provider's retry-after guidance, never backed off exponentially.
	ClassRateLimit
	// ClassCancelled means the caller gave up; partial output is kept.
	ClassCancelled
)

// Classify maps a provider error to its recovery category.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassFatal
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ClassCancelled
	case errors.Is(err, domain.ErrRateLimit):
		return ClassRateLimit
	case errors.Is(err, domain.ErrAuthInvalid),
		errors.Is(err, domain.ErrUnknownModel),
		errors.Is(err, domain.ErrContextOverflow):
		return ClassFatal
	case errors.Is(err, domain.ErrProviderUnavailable):
		return ClassRetryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassRetryable
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
			return ClassRetryable
		}
	}
	return ClassFatal
}
