// Package apperrors declares the typed error kinds from the error handling
// design: each is a sentinel or a struct implementing error, so callers can
// use errors.Is/errors.As instead of string matching.
package apperrors

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrOverloaded         = errors.New("overloaded")
	ErrUserExists         = errors.New("user already exists")
	ErrUnknownSession     = errors.New("unknown session")
	ErrSessionExpired     = errors.New("session expired")
	ErrDuplicateFunction  = errors.New("duplicate function name")
	ErrInvalidToolArgs    = errors.New("invalid tool arguments")
	ErrToolTimeout        = errors.New("tool timed out")
	ErrToolLoopExceeded   = errors.New("tool loop exceeded")
	ErrLLMFatal           = errors.New("llm call failed fatally")
	ErrLLMTransient       = errors.New("llm call failed transiently")
	ErrMemoryReadFailure  = errors.New("memory read failure")
	ErrMemoryWriteFailure = errors.New("memory write failure")
	ErrPluginLoadFailure  = errors.New("plugin load failure")
)

// RateLimited is returned by the entitlement/rate limiter on rejection.
type RateLimited struct {
	Limit             int
	Window            time.Duration
	RetryAfterSeconds int
}

func (e *RateLimited) Error() string {
	return fmt.Sprintf("rate limited: limit=%d window=%s retry_after=%ds", e.Limit, e.Window, e.RetryAfterSeconds)
}

// ToolFailed wraps a handler-reported or infrastructure failure for one
// tool invocation; it is fed back to the model as tool output, not raised
// to the caller of handle_query.
type ToolFailed struct {
	Plugin  string
	Name    string
	Message string
}

func (e *ToolFailed) Error() string {
	return fmt.Sprintf("tool failed: %s.%s: %s", e.Plugin, e.Name, e.Message)
}
