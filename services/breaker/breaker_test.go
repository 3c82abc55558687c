package breaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBreaker(threshold int, recovery time.Duration) (*Breaker, *time.Time) {
	current := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	b := New("test-backend", threshold, recovery, zap.NewNop())
	b.now = func() time.Time { return current }
	return b, &current
}

func TestBreaker_TripsAtExactThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, 30*time.Second)

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
	require.NoError(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	err := b.Allow()
	var oe *OpenError
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, "test-backend", oe.Backend)
}

func TestBreaker_SuccessResetsConsecutiveCount(t *testing.T) {
	b, _ := newTestBreaker(3, 30*time.Second)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	// Failures were not consecutive; the breaker must stay closed.
	assert.Equal(t, StateClosed, b.State())
	require.NoError(t, b.Allow())
}

func TestBreaker_OpenDeniesUntilRecoveryTimeout(t *testing.T) {
	b, now := newTestBreaker(1, 30*time.Second)

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	*now = now.Add(29 * time.Second)
	var oe *OpenError
	require.True(t, errors.As(b.Allow(), &oe))
	assert.Equal(t, time.Second, oe.RetryAfter)

	*now = now.Add(time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_HalfOpenAllowsExactlyOneTrial(t *testing.T) {
	b, now := newTestBreaker(1, 30*time.Second)

	b.RecordFailure()
	*now = now.Add(30 * time.Second)

	require.NoError(t, b.Allow())

	// Concurrent request during the trial fast-fails.
	var oe *OpenError
	require.True(t, errors.As(b.Allow(), &oe))

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	require.NoError(t, b.Allow())
}

func TestBreaker_HalfOpenFailureReopensAndRestartsTimer(t *testing.T) {
	b, now := newTestBreaker(1, 30*time.Second)

	b.RecordFailure()
	*now = now.Add(30 * time.Second)
	require.NoError(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	// Timer restarted: the pre-trip timeout no longer applies.
	*now = now.Add(29 * time.Second)
	var oe *OpenError
	require.True(t, errors.As(b.Allow(), &oe))

	*now = now.Add(time.Second)
	require.NoError(t, b.Allow())
}

func TestBreaker_ReleaseFreesTrialWithoutDeciding(t *testing.T) {
	b, now := newTestBreaker(1, 30*time.Second)

	b.RecordFailure()
	*now = now.Add(30 * time.Second)
	require.NoError(t, b.Allow())

	// Cancelled attempt: neither success nor failure.
	b.Release()
	assert.Equal(t, StateHalfOpen, b.State())

	// Next caller gets the trial slot.
	require.NoError(t, b.Allow())
}

func TestBreaker_ConcurrentFailuresTripOnce(t *testing.T) {
	b, _ := newTestBreaker(50, 30*time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.RecordFailure()
		}()
	}
	wg.Wait()

	assert.Equal(t, StateOpen, b.State())
	snap := b.Snapshot()
	assert.Equal(t, 100, snap.ConsecutiveFailures)
	assert.Equal(t, "open", snap.State)
}

func TestRegistry_OneBreakerPerBackend(t *testing.T) {
	r := NewRegistry(3, 30*time.Second, zap.NewNop())

	a := r.Get("backend-a")
	assert.Same(t, a, r.Get("backend-a"))
	assert.NotSame(t, a, r.Get("backend-b"))

	snaps := r.Snapshots()
	assert.Len(t, snaps, 2)
}

func TestRegistry_ConcurrentGetReturnsSameInstance(t *testing.T) {
	r := NewRegistry(3, 30*time.Second, zap.NewNop())

	results := make([]*Breaker, 50)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Get("shared")
		}(i)
	}
	wg.Wait()

	for _, b := range results {
		assert.Same(t, results[0], b)
	}
}
