// Package retry wraps a single backend invocation with bounded,
// backoff-based retries for transient failures.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/fintalk/inference-gateway/config"
	"github.com/fintalk/inference-gateway/services/backends"
)

// ExhaustedError is returned when every attempt failed transiently. It wraps
// the last underlying failure.
type ExhaustedError struct {
	// Backend is the backend that exhausted its budget
	Backend string

	// Attempts is how many invocations were made
	Attempts int

	// Last is the final transient failure
	Last error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("backend %s: retries exhausted after %d attempts: %v", e.Backend, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Operation is one backend invocation. The context carries the per-attempt
// timeout.
type Operation func(ctx context.Context) (string, error)

// Result reports the outcome of an executed operation.
type Result struct {
	// Output is the raw backend text on success
	Output string

	// Attempts is how many invocations were made, including the
	// successful one
	Attempts int
}

// Executor retries transient failures with exponential backoff. Permanent
// failures and caller cancellation stop the loop immediately.
type Executor struct {
	backend       string
	maxAttempts   int
	backoffBase   time.Duration
	backoffFactor float64
	timeout       time.Duration
	logger        *zap.Logger
}

// NewExecutor builds an executor for one backend descriptor. The backend's
// timeout bounds each attempt and caps the backoff delay.
func NewExecutor(backend string, policy config.RetryConfig, timeout time.Duration, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		backend:       backend,
		maxAttempts:   policy.MaxAttempts,
		backoffBase:   policy.BackoffBase,
		backoffFactor: policy.BackoffFactor,
		timeout:       timeout,
		logger:        logger,
	}
}

// Do runs the operation up to maxAttempts times. Only failures classified as
// transient by backends.IsRetryable are retried; anything else is returned
// as-is. Result.Attempts is populated on every return path.
func (e *Executor) Do(ctx context.Context, op Operation) (Result, error) {
	var lastErr error

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		if attempt > 1 {
			delay := e.delayFor(attempt - 1)
			e.logger.Debug("retrying backend call",
				zap.String("backend", e.backend),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
			)
			select {
			case <-ctx.Done():
				return Result{Attempts: attempt - 1}, ctx.Err()
			case <-time.After(delay):
			}
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if e.timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, e.timeout)
		}
		out, err := op(attemptCtx)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			return Result{Output: out, Attempts: attempt}, nil
		}

		// Caller cancellation unwinds immediately without consuming
		// the remaining budget.
		if ctx.Err() != nil {
			return Result{Attempts: attempt}, ctx.Err()
		}

		if !backends.IsRetryable(err) {
			return Result{Attempts: attempt}, err
		}
		lastErr = err

		e.logger.Warn("backend call failed transiently",
			zap.String("backend", e.backend),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	return Result{Attempts: e.maxAttempts}, &ExhaustedError{
		Backend:  e.backend,
		Attempts: e.maxAttempts,
		Last:     lastErr,
	}
}

// delayFor computes the backoff after the given failed attempt:
// base * factor^(attempt-1), capped at the backend's timeout window.
func (e *Executor) delayFor(attempt int) time.Duration {
	delay := time.Duration(float64(e.backoffBase) * math.Pow(e.backoffFactor, float64(attempt-1)))
	if e.timeout > 0 && delay > e.timeout {
		delay = e.timeout
	}
	return delay
}
