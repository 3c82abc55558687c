// Package breaker implements the per-backend circuit breaker state machine.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the breaker's current mode.
type State int

const (
	// StateClosed allows attempts; consecutive failures count toward the
	// threshold
	StateClosed State = iota

	// StateOpen refuses attempts until the recovery timeout elapses
	StateOpen

	// StateHalfOpen allows exactly one trial attempt
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// OpenError is the fast-fail returned when the breaker refuses an attempt.
// It is never counted as a new failure.
type OpenError struct {
	// Backend is the breaker's backend name
	Backend string

	// RetryAfter is how long until the breaker will allow a trial
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for backend %s (retry after %s)", e.Backend, e.RetryAfter)
}

// Breaker is the state machine for one backend. All transitions are applied
// under a single mutex so concurrent failures cannot race past the threshold
// check.
type Breaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration
	logger           *zap.Logger

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	lastFailureAt       time.Time
	trialInFlight       bool

	now func() time.Time
}

// New creates a breaker in the Closed state. Breaker state is ephemeral:
// every process start begins Closed.
func New(name string, failureThreshold int, recoveryTimeout time.Duration, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		logger:           logger,
		state:            StateClosed,
		now:              time.Now,
	}
}

// Name returns the backend name the breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// Allow reports whether an attempt may begin. In Open it returns *OpenError
// until the recovery timeout elapses, then moves to HalfOpen and grants the
// single trial slot. In HalfOpen a second caller is refused while the trial
// is in flight. A granted HalfOpen trial must be settled by RecordSuccess,
// RecordFailure, or Release.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.recoveryTimeout {
			return &OpenError{Backend: b.name, RetryAfter: b.recoveryTimeout - elapsed}
		}
		b.transition(StateHalfOpen)
		b.trialInFlight = true
		return nil

	case StateHalfOpen:
		if b.trialInFlight {
			return &OpenError{Backend: b.name, RetryAfter: 0}
		}
		b.trialInFlight = true
		return nil

	default:
		return &OpenError{Backend: b.name, RetryAfter: b.recoveryTimeout}
	}
}

// Tripped reports whether the breaker is currently refusing attempts. Used
// between retry attempts to stop hammering a backend the breaker has given
// up on mid-invocation.
func (b *Breaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateOpen && b.now().Sub(b.openedAt) < b.recoveryTimeout
}

// RecordSuccess resets the consecutive-failure counter. A HalfOpen trial
// success closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.trialInFlight = false
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

// RecordFailure counts one failure. Reaching the threshold in Closed trips
// the breaker; any failure in HalfOpen reopens it and restarts the recovery
// timer.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureAt = b.now()
	b.trialInFlight = false

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.failureThreshold {
			b.openedAt = b.now()
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.consecutiveFailures++
		b.openedAt = b.now()
		b.transition(StateOpen)
	case StateOpen:
		// Late failure from an attempt that started before the trip.
		b.consecutiveFailures++
	}
}

// Release frees the HalfOpen trial slot without deciding the breaker's next
// state. Used when an attempt ends in caller cancellation, which must count
// as neither success nor failure.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trialInFlight = false
}

// State returns the current mode.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is a point-in-time view of a breaker for health reporting.
type Snapshot struct {
	Backend             string    `json:"backend"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureAt       time.Time `json:"last_failure_at,omitempty"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
}

// Snapshot returns the breaker's current observable state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Backend:             b.name,
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		LastFailureAt:       b.lastFailureAt,
		OpenedAt:            b.openedAt,
	}
}

// transition applies a state change and logs it. Callers hold b.mu.
func (b *Breaker) transition(next State) {
	prev := b.state
	b.state = next
	b.logger.Info("circuit breaker state change",
		zap.String("backend", b.name),
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
		zap.Int("consecutive_failures", b.consecutiveFailures),
	)
}
