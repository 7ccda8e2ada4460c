package analysis

import (
	"context"
	"errors"
	"fmt"
)

// FailureCode classifies Analyzer failures. Retryable codes are re-attempted
// by the retry manager up to the job's retry policy; terminal codes fail the
// item on first occurrence.
type FailureCode string

const (
	// Retryable.
	FailTimeout     FailureCode = "timeout"
	FailRateLimited FailureCode = "rate_limited"
	FailTransient   FailureCode = "transient_server_error"

	// Terminal.
	FailValidation      FailureCode = "validation_error"
	FailUnsupportedLang FailureCode = "unsupported_language"
	FailPayloadTooLarge FailureCode = "payload_too_large"
)

// Retryable reports whether the code is worth re-attempting.
func (c FailureCode) Retryable() bool {
	switch c {
	case FailTimeout, FailRateLimited, FailTransient:
		return true
	default:
		return false
	}
}

// Failure is a classified analysis failure. It implements error so Analyzer
// implementations can return it directly.
type Failure struct {
	Code    FailureCode `json:"code"`
	Message string      `json:"message,omitempty"`
}

func (f *Failure) Error() string {
	if f.Message == "" {
		return string(f.Code)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// NewFailure builds a classified failure.
func NewFailure(code FailureCode, format string, args ...any) *Failure {
	return &Failure{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ClassifyError maps an arbitrary Analyzer error onto a Failure. Already
// classified errors pass through; context deadline maps to timeout,
// anything else is treated as a transient server error so the retry
// manager gets a chance before the item goes terminal.
func ClassifyError(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Failure{Code: FailTimeout, Message: err.Error()}
	}
	return &Failure{Code: FailTransient, Message: err.Error()}
}
