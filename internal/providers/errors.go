package providers

import (
	"errors"
	"fmt"
	"strings"
)

// FailureReason categorizes why a provider request failed, driving the
// retry decision in BaseProvider.Retry.
type FailureReason string

const (
	FailureRateLimit   FailureReason = "rate_limit"
	FailureAuth        FailureReason = "auth"
	FailureTimeout     FailureReason = "timeout"
	FailureServerError FailureReason = "server_error"
	FailureBadRequest  FailureReason = "invalid_request"
	FailureUnknown     FailureReason = "unknown"
)

// IsRetryable returns true if the reason suggests retrying may succeed.
func (r FailureReason) IsRetryable() bool {
	switch r {
	case FailureRateLimit, FailureTimeout, FailureServerError:
		return true
	default:
		return false
	}
}

// ProviderError is a structured error from an LLM backend.
type ProviderError struct {
	Reason   FailureReason
	Provider string
	Model    string
	Cause    error
}

func (e *ProviderError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError wraps cause with provider/model context and a classified
// failure reason.
func NewProviderError(provider, model string, cause error) *ProviderError {
	return &ProviderError{
		Reason:   ClassifyError(cause),
		Provider: provider,
		Model:    model,
		Cause:    cause,
	}
}

// ClassifyError inspects an error string and returns a FailureReason.
// Providers return heterogeneous error types, so this falls back to
// substring matching the way their SDK errors render.
func ClassifyError(err error) FailureReason {
	if err == nil {
		return FailureUnknown
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"):
		return FailureTimeout
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "rate_limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "429"):
		return FailureRateLimit
	case strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "authentication"),
		strings.Contains(msg, "401"),
		strings.Contains(msg, "403"):
		return FailureAuth
	case strings.Contains(msg, "internal server"),
		strings.Contains(msg, "server error"),
		strings.Contains(msg, "500"),
		strings.Contains(msg, "502"),
		strings.Contains(msg, "503"),
		strings.Contains(msg, "504"):
		return FailureServerError
	case strings.Contains(msg, "invalid request"),
		strings.Contains(msg, "400"):
		return FailureBadRequest
	default:
		return FailureUnknown
	}
}

// IsRetryable reports whether err should be retried.
func IsRetryable(err error) bool {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Reason.IsRetryable()
	}
	return ClassifyError(err).IsRetryable()
}
