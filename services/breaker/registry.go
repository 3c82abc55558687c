package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry owns one breaker per backend name for the process lifetime. It is
// injected into the router at construction; nothing reaches breakers through
// ambient state.
type Registry struct {
	failureThreshold int
	recoveryTimeout  time.Duration
	logger           *zap.Logger

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry sharing one breaker policy.
func NewRegistry(failureThreshold int, recoveryTimeout time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		logger:           logger,
		breakers:         make(map[string]*Breaker),
	}
}

// Get returns the breaker for a backend, creating it on first use.
func (r *Registry) Get(backend string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[backend]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[backend]; ok {
		return b
	}
	b = New(backend, r.failureThreshold, r.recoveryTimeout, r.logger)
	r.breakers[backend] = b
	return b
}

// Snapshots returns the current state of every registered breaker.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshots := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		snapshots = append(snapshots, b.Snapshot())
	}
	return snapshots
}
