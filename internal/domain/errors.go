package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the domain layer.
var (
	ErrProviderNotFound   = fmt.Errorf("llm provider not found")
	ErrToolNotFound       = fmt.Errorf("tool not found")
	ErrToolDisabled       = fmt.Errorf("tool disabled by configuration")
	ErrToolApprovalDenied = fmt.Errorf("tool approval denied")
	ErrPathOutsideSandbox = fmt.Errorf("path is outside sandbox boundary")
	ErrFileTooLarge       = fmt.Errorf("file exceeds size ceiling")
	ErrSSRFBlocked        = fmt.Errorf("request to private/reserved IP blocked")
	ErrUnknownModel       = fmt.Errorf("unknown model")
	ErrConfigLoad         = fmt.Errorf("failed to load configuration")
	ErrAuditWrite         = fmt.Errorf("audit log write failed")
	ErrStoreFailure       = fmt.Errorf("conversation store failed")

	// Provider resilience errors.
	ErrRateLimit           = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid         = fmt.Errorf("authentication failed")
	ErrContextOverflow     = fmt.Errorf("context window exceeded")
	ErrProviderUnavailable = fmt.Errorf("provider temporarily unavailable")
)

// RetryAfterHinter is implemented by rate-limit errors that carry the
// provider's retry-after guidance.
type RetryAfterHinter interface {
	RetryAfterHint() time.Duration
}

// RetryAfterHint extracts the retry-after hint from an error chain, or
// 0 when there is none.
func RetryAfterHint(err error) time.Duration {
	var h RetryAfterHinter
	if errors.As(err, &h) {
		return h.RetryAfterHint()
	}
	return 0
}

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Sandbox.Decide")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for monitoring.
type ErrorCode string

const (
	CodeUnknown             ErrorCode = "UNKNOWN"
	CodeProviderNotFound    ErrorCode = "PROVIDER_NOT_FOUND"
	CodeToolNotFound        ErrorCode = "TOOL_NOT_FOUND"
	CodeToolDisabled        ErrorCode = "TOOL_DISABLED"
	CodeToolApprovalDenied  ErrorCode = "TOOL_APPROVAL_DENIED"
	CodePathOutsideSandbox  ErrorCode = "PATH_OUTSIDE_SANDBOX"
	CodeFileTooLarge        ErrorCode = "FILE_TOO_LARGE"
	CodeSSRFBlocked         ErrorCode = "SSRF_BLOCKED"
	CodeUnknownModel        ErrorCode = "UNKNOWN_MODEL"
	CodeConfigLoad          ErrorCode = "CONFIG_LOAD"
	CodeAuditWrite          ErrorCode = "AUDIT_WRITE"
	CodeStoreFailure        ErrorCode = "STORE_FAILURE"
	CodeRateLimit           ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid         ErrorCode = "AUTH_INVALID"
	CodeContextOverflow     ErrorCode = "CONTEXT_OVERFLOW"
	CodeProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrProviderNotFound:    CodeProviderNotFound,
	ErrToolNotFound:        CodeToolNotFound,
	ErrToolDisabled:        CodeToolDisabled,
	ErrToolApprovalDenied:  CodeToolApprovalDenied,
	ErrPathOutsideSandbox:  CodePathOutsideSandbox,
	ErrFileTooLarge:        CodeFileTooLarge,
	ErrSSRFBlocked:         CodeSSRFBlocked,
	ErrUnknownModel:        CodeUnknownModel,
	ErrConfigLoad:          CodeConfigLoad,
	ErrAuditWrite:          CodeAuditWrite,
	ErrStoreFailure:        CodeStoreFailure,
	ErrRateLimit:           CodeRateLimit,
	ErrAuthInvalid:         CodeAuthInvalid,
	ErrContextOverflow:     CodeContextOverflow,
	ErrProviderUnavailable: CodeProviderUnavailable,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}
