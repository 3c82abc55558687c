package router

import (
	"fmt"
	"strings"

	"github.com/fintalk/inference-gateway/models"
)

// BackendFailure is one backend's rejection reason within an exhausted
// fallback chain.
type BackendFailure struct {
	// Backend is the descriptor name
	Backend string

	// Outcome classifies the rejection
	Outcome models.AttemptOutcome

	// Err is the underlying failure
	Err error
}

// AllBackendsFailedError is returned when every backend in the chain was
// rejected. Reasons are in chain order, exactly one per backend tried.
type AllBackendsFailedError struct {
	Reasons []BackendFailure
}

func (e *AllBackendsFailedError) Error() string {
	parts := make([]string, len(e.Reasons))
	for i, r := range e.Reasons {
		parts[i] = fmt.Sprintf("%s: %s (%v)", r.Backend, r.Outcome, r.Err)
	}
	return "all backends failed: " + strings.Join(parts, "; ")
}

// DeadlineError is returned when the caller-supplied deadline or
// cancellation fired before the chain produced a response.
type DeadlineError struct {
	// Cause is the context error that ended the request
	Cause error
}

func (e *DeadlineError) Error() string {
	return fmt.Sprintf("request deadline exceeded before a backend answered: %v", e.Cause)
}

func (e *DeadlineError) Unwrap() error {
	return e.Cause
}
