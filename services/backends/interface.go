// Package backends defines the generation backend abstraction and the
// error contract every adapter implements.
package backends

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// GenerationRequest carries one prompt and its generation parameters to a
// backend adapter.
type GenerationRequest struct {
	// Prompt is the full text sent to the model
	Prompt string

	// MaxTokens bounds the completion length
	MaxTokens int

	// Temperature controls sampling randomness
	Temperature float64

	// Timeout bounds a single invocation; adapters derive their HTTP
	// client deadline from it
	Timeout time.Duration
}

// Backend is a single text-generation endpoint. Implementations return the
// raw response body text; parsing and validation happen upstream.
type Backend interface {
	// Name returns the descriptor name the backend was configured under.
	Name() string

	// Generate sends the prompt and returns the raw response text.
	// Failures are reported as *BackendError so callers can classify
	// them as transient or permanent.
	Generate(ctx context.Context, req *GenerationRequest) (string, error)
}

// Error codes shared by all adapters.
const (
	ErrCodeTimeout       = "timeout"
	ErrCodeRateLimited   = "rate_limited"
	ErrCodeServerError   = "server_error"
	ErrCodeNetwork       = "network_error"
	ErrCodeAuthFailed    = "auth_failed"
	ErrCodeBadRequest    = "bad_request"
	ErrCodeEmptyResponse = "empty_response"
	ErrCodeDecodeFailure = "decode_failure"
)

// BackendError is the failure contract of every adapter. Retryable marks
// transient conditions (timeouts, 429, 5xx, connection resets); permanent
// conditions (auth, malformed request) must not be retried.
type BackendError struct {
	// Backend is the adapter's configured name
	Backend string

	// Code is one of the ErrCode constants
	Code string

	// Message is a human-readable description
	Message string

	// StatusCode is the HTTP status, when the failure came from a response
	StatusCode int

	// Retryable marks the failure as transient
	Retryable bool

	// Cause is the underlying error, if any
	Cause error
}

func (e *BackendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("backend %s: %s (%s, status %d)", e.Backend, e.Message, e.Code, e.StatusCode)
	}
	return fmt.Sprintf("backend %s: %s (%s)", e.Backend, e.Message, e.Code)
}

func (e *BackendError) Unwrap() error {
	return e.Cause
}

// NewBackendError builds a BackendError without an HTTP status.
func NewBackendError(backend, code, message string, retryable bool, cause error) *BackendError {
	return &BackendError{
		Backend:   backend,
		Code:      code,
		Message:   message,
		Retryable: retryable,
		Cause:     cause,
	}
}

// IsRetryable reports whether err is a transient backend failure.
// Anything that is not a classified *BackendError (including bare context
// cancellation) is treated as permanent.
func IsRetryable(err error) bool {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Retryable
	}
	return false
}
