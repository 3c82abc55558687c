package models

import (
	"time"

	"github.com/google/uuid"
)

// AIResponse is the validated output of a generation backend.
// Confidence is guaranteed to be within [0.0, 1.0] once a response has
// passed the validator; out-of-range values are rejected, never clamped.
type AIResponse struct {
	// Content is the generated answer text
	Content string `json:"content" validate:"required"`

	// Confidence is the backend's self-reported confidence score
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`

	// Error carries an optional backend-reported error note
	Error string `json:"error,omitempty"`
}

// TurnEntry is a single message in a persisted conversation history.
type TurnEntry struct {
	// Role is "user" or "assistant"
	Role string `json:"role"`

	// Content is the message text
	Content string `json:"content"`

	// At is when the message was recorded
	At time.Time `json:"at"`
}

// PersistedState is the per-user record kept by the durable state store.
// Version increases monotonically on every committed update so concurrent
// writers can be detected and merged.
type PersistedState struct {
	// Key identifies the user record
	Key string `json:"key"`

	// Version is bumped by the store on every committed update
	Version int64 `json:"version"`

	// UpdatedAt is the commit time of the last update
	UpdatedAt time.Time `json:"updated_at"`

	// Data holds arbitrary merge-able application state (budget snapshot,
	// preferences, counters)
	Data map[string]any `json:"data,omitempty"`

	// History is the conversation transcript for the user
	History []TurnEntry `json:"history,omitempty"`
}

// Clone returns a deep-enough copy for merge functions to mutate freely.
func (s *PersistedState) Clone() *PersistedState {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Data != nil {
		cp.Data = make(map[string]any, len(s.Data))
		for k, v := range s.Data {
			cp.Data[k] = v
		}
	}
	if s.History != nil {
		cp.History = make([]TurnEntry, len(s.History))
		copy(cp.History, s.History)
	}
	return &cp
}

// AttemptOutcome classifies what happened at a single backend in the chain.
type AttemptOutcome string

const (
	// OutcomeSuccess means the backend returned a validated response
	OutcomeSuccess AttemptOutcome = "success"

	// OutcomeBreakerOpen means the breaker refused the attempt up front
	OutcomeBreakerOpen AttemptOutcome = "breaker_open"

	// OutcomeRetriesExhausted means every retry of the call failed transiently
	OutcomeRetriesExhausted AttemptOutcome = "retries_exhausted"

	// OutcomeSchemaViolation means the backend answered but the response
	// failed schema validation
	OutcomeSchemaViolation AttemptOutcome = "schema_violation"

	// OutcomeBackendError means the backend failed permanently (auth,
	// malformed request) and retrying would not help
	OutcomeBackendError AttemptOutcome = "backend_error"

	// OutcomeDeadlineExceeded means the caller's overall deadline expired
	// before this backend could be tried
	OutcomeDeadlineExceeded AttemptOutcome = "deadline_exceeded"
)

// BackendAttempt records the outcome of one backend in the fallback chain.
type BackendAttempt struct {
	// Backend is the descriptor name
	Backend string `json:"backend"`

	// Outcome classifies the result
	Outcome AttemptOutcome `json:"outcome"`

	// Error is the failure reason, empty on success
	Error string `json:"error,omitempty"`

	// Calls is how many invocations the retry executor made (0 when the
	// breaker refused the attempt)
	Calls int `json:"calls"`

	// Duration is wall-clock time spent at this backend
	Duration time.Duration `json:"duration"`

	// BreakerState is the breaker's state after the attempt
	BreakerState string `json:"breaker_state"`
}

// InferenceTrace is the structured per-request record the router emits for
// observability and audit persistence.
type InferenceTrace struct {
	// RequestID uniquely identifies the inference request
	RequestID uuid.UUID `json:"request_id"`

	// UserKey identifies the requesting user, when known
	UserKey string `json:"user_key,omitempty"`

	// StartedAt is when the router began walking the chain
	StartedAt time.Time `json:"started_at"`

	// Duration is the total wall-clock time of the request
	Duration time.Duration `json:"duration"`

	// Attempts lists per-backend outcomes in chain order
	Attempts []BackendAttempt `json:"attempts"`

	// Served is the backend that produced the accepted response, empty on
	// total failure
	Served string `json:"served,omitempty"`

	// Failed is true when every backend was rejected
	Failed bool `json:"failed"`
}
