package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// FailoverReason categorizes why a provider request failed, grounded on
// the reference agent framework's classification scheme but trimmed to
// the reasons this gateway actually acts on.
type FailoverReason string

const (
	FailoverRateLimit      FailoverReason = "rate_limit"
	FailoverAuth           FailoverReason = "auth"
	FailoverTimeout        FailoverReason = "timeout"
	FailoverServerError    FailoverReason = "server_error"
	FailoverInvalidRequest FailoverReason = "invalid_request"
	FailoverBilling        FailoverReason = "billing"
	FailoverUnknown        FailoverReason = "unknown"
)

// IsRetryable reports whether a request that failed for this reason is
// worth retrying against the same provider.
func (r FailoverReason) IsRetryable() bool {
	switch r {
	case FailoverRateLimit, FailoverTimeout, FailoverServerError:
		return true
	default:
		return false
	}
}

// ProviderError is a structured error carrying enough context for the
// gateway to decide whether to retry, and for callers to log/classify.
type ProviderError struct {
	Reason   FailoverReason
	Provider string
	Model    string
	Status   int
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason), e.Provider}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error { return e.Cause }

func newProviderError(provider, model string, cause error) *ProviderError {
	return &ProviderError{Provider: provider, Model: model, Cause: cause, Reason: classify(cause)}
}

func (e *ProviderError) withStatus(status int) *ProviderError {
	e.Status = status
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Reason = FailoverAuth
	case status == http.StatusPaymentRequired:
		e.Reason = FailoverBilling
	case status == http.StatusTooManyRequests:
		e.Reason = FailoverRateLimit
	case status == http.StatusBadRequest:
		e.Reason = FailoverInvalidRequest
	case status >= 500:
		e.Reason = FailoverServerError
	}
	return e
}

func classify(err error) FailoverReason {
	if err == nil {
		return FailoverUnknown
	}
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "timeout") || strings.Contains(s, "deadline exceeded"):
		return FailoverTimeout
	case strings.Contains(s, "rate limit") || strings.Contains(s, "429") || strings.Contains(s, "too many requests"):
		return FailoverRateLimit
	case strings.Contains(s, "unauthorized") || strings.Contains(s, "invalid api key") || strings.Contains(s, "401") || strings.Contains(s, "403"):
		return FailoverAuth
	case strings.Contains(s, "billing") || strings.Contains(s, "quota") || strings.Contains(s, "insufficient") || strings.Contains(s, "402"):
		return FailoverBilling
	case strings.Contains(s, "500") || strings.Contains(s, "502") || strings.Contains(s, "503") || strings.Contains(s, "504") || strings.Contains(s, "server error"):
		return FailoverServerError
	case strings.Contains(s, "400") || strings.Contains(s, "invalid request"):
		return FailoverInvalidRequest
	default:
		return FailoverUnknown
	}
}

// IsRetryable checks whether err (raw or a *ProviderError) warrants retry.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Reason.IsRetryable()
	}
	return classify(err).IsRetryable()
}
