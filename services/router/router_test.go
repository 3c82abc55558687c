package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fintalk/inference-gateway/config"
	"github.com/fintalk/inference-gateway/models"
	"github.com/fintalk/inference-gateway/services/backends"
	"github.com/fintalk/inference-gateway/services/breaker"
	"github.com/fintalk/inference-gateway/services/validator"
)

// stubBackend returns scripted responses in order, then repeats the last.
type stubBackend struct {
	name    string
	mu      sync.Mutex
	calls   int
	outputs []string
	errs    []error
}

func (s *stubBackend) Name() string { return s.name }

func (s *stubBackend) Generate(ctx context.Context, req *backends.GenerationRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i >= len(s.outputs) {
		i = len(s.outputs) - 1
	}
	return s.outputs[i], s.errs[i]
}

func (s *stubBackend) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type captureSink struct {
	mu     sync.Mutex
	traces []*models.InferenceTrace
}

func (c *captureSink) Record(trace *models.InferenceTrace) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.traces = append(c.traces, trace)
}

func (c *captureSink) last() *models.InferenceTrace {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.traces) == 0 {
		return nil
	}
	return c.traces[len(c.traces)-1]
}

const validJSON = `{"content":"answer","confidence":0.8}`

func always(output string, err error) *stubBackend {
	return &stubBackend{outputs: []string{output}, errs: []error{err}}
}

func descriptor(name string) config.BackendConfig {
	return config.BackendConfig{
		Name:    name,
		Kind:    config.BackendKindOpenAI,
		Model:   "m",
		Timeout: time.Second,
		Retry: config.RetryConfig{
			MaxAttempts:   2,
			BackoffBase:   time.Millisecond,
			BackoffFactor: 2,
		},
	}
}

func newTestRouter(t *testing.T, names []string, stubs map[string]backends.Backend, sink TraceSink) (*Router, *breaker.Registry) {
	t.Helper()

	descriptors := make([]config.BackendConfig, 0, len(names))
	for _, name := range names {
		d := descriptor(name)
		if b, ok := stubs[name].(*stubBackend); ok {
			b.name = name
		}
		descriptors = append(descriptors, d)
	}

	registry := breaker.NewRegistry(3, 30*time.Second, zap.NewNop())
	v := validator.New(config.ValidatorConfig{MinConfidence: 0, MaxConfidence: 1}, nil, zap.NewNop())

	r, err := New(descriptors, stubs, registry, v, sink, zap.NewNop())
	require.NoError(t, err)
	return r, registry
}

func TestInfer_FirstSuccessStopsChain(t *testing.T) {
	a := always("", backends.NewBackendError("a", backends.ErrCodeAuthFailed, "bad key", false, nil))
	b := always(validJSON, nil)
	c := always(validJSON, nil)

	sink := &captureSink{}
	r, _ := newTestRouter(t, []string{"a", "b", "c"}, map[string]backends.Backend{"a": a, "b": b, "c": c}, sink)

	resp, err := r.Infer(context.Background(), "prompt", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "answer", resp.Content)

	// First success wins; c is never invoked.
	assert.Equal(t, 0, c.callCount())

	trace := sink.last()
	require.NotNil(t, trace)
	assert.Equal(t, "b", trace.Served)
	assert.False(t, trace.Failed)
	require.Len(t, trace.Attempts, 2)
	assert.Equal(t, models.OutcomeBackendError, trace.Attempts[0].Outcome)
	assert.Equal(t, models.OutcomeSuccess, trace.Attempts[1].Outcome)
}

func TestInfer_ExhaustionListsReasonPerBackendInOrder(t *testing.T) {
	a := always("", backends.NewBackendError("a", backends.ErrCodeTimeout, "timed out", true, nil))
	b := always("", backends.NewBackendError("b", backends.ErrCodeAuthFailed, "bad key", false, nil))
	c := always(`not json at all`, nil)

	sink := &captureSink{}
	r, _ := newTestRouter(t, []string{"a", "b", "c"}, map[string]backends.Backend{"a": a, "b": b, "c": c}, sink)

	_, err := r.Infer(context.Background(), "prompt", "user-1")

	var agg *AllBackendsFailedError
	require.True(t, errors.As(err, &agg))
	require.Len(t, agg.Reasons, 3)
	assert.Equal(t, "a", agg.Reasons[0].Backend)
	assert.Equal(t, models.OutcomeRetriesExhausted, agg.Reasons[0].Outcome)
	assert.Equal(t, "b", agg.Reasons[1].Backend)
	assert.Equal(t, models.OutcomeBackendError, agg.Reasons[1].Outcome)
	assert.Equal(t, "c", agg.Reasons[2].Backend)
	assert.Equal(t, models.OutcomeSchemaViolation, agg.Reasons[2].Outcome)

	trace := sink.last()
	require.NotNil(t, trace)
	assert.True(t, trace.Failed)
	assert.Empty(t, trace.Served)
}

func TestInfer_TransientFailuresRetriedPerDescriptor(t *testing.T) {
	a := &stubBackend{
		outputs: []string{"", validJSON},
		errs:    []error{backends.NewBackendError("a", backends.ErrCodeServerError, "502", true, nil), nil},
	}

	r, _ := newTestRouter(t, []string{"a"}, map[string]backends.Backend{"a": a}, nil)

	resp, err := r.Infer(context.Background(), "prompt", "")
	require.NoError(t, err)
	assert.Equal(t, "answer", resp.Content)
	assert.Equal(t, 2, a.callCount())
}

func TestInfer_BreakerOpenSkipsWithoutInvoking(t *testing.T) {
	a := always("", backends.NewBackendError("a", backends.ErrCodeServerError, "502", true, nil))
	b := always(validJSON, nil)

	sink := &captureSink{}
	r, registry := newTestRouter(t, []string{"a", "b"}, map[string]backends.Backend{"a": a, "b": b}, sink)

	// Trip a's breaker out of band.
	br := registry.Get("a")
	for i := 0; i < 3; i++ {
		br.RecordFailure()
	}
	require.Equal(t, breaker.StateOpen, br.State())

	resp, err := r.Infer(context.Background(), "prompt", "")
	require.NoError(t, err)
	assert.Equal(t, "answer", resp.Content)
	assert.Equal(t, 0, a.callCount())

	trace := sink.last()
	require.Len(t, trace.Attempts, 2)
	assert.Equal(t, models.OutcomeBreakerOpen, trace.Attempts[0].Outcome)
	assert.Equal(t, 0, trace.Attempts[0].Calls)
}

func TestInfer_SchemaViolationCountsAsBreakerFailure(t *testing.T) {
	a := always(`{"content":"x","confidence":1.5}`, nil)
	b := always(validJSON, nil)

	r, registry := newTestRouter(t, []string{"a", "b"}, map[string]backends.Backend{"a": a, "b": b}, nil)

	resp, err := r.Infer(context.Background(), "prompt", "")
	require.NoError(t, err)
	assert.Equal(t, "answer", resp.Content)

	snap := registry.Get("a").Snapshot()
	assert.Equal(t, 1, snap.ConsecutiveFailures)
}

func TestInfer_ExpiredDeadlineAbortsChain(t *testing.T) {
	a := always(validJSON, nil)

	sink := &captureSink{}
	r, _ := newTestRouter(t, []string{"a"}, map[string]backends.Backend{"a": a}, sink)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Infer(ctx, "prompt", "")

	var de *DeadlineError
	require.True(t, errors.As(err, &de))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, a.callCount())

	trace := sink.last()
	require.NotNil(t, trace)
	assert.True(t, trace.Failed)
	require.Len(t, trace.Attempts, 1)
	assert.Equal(t, models.OutcomeDeadlineExceeded, trace.Attempts[0].Outcome)
}

func TestInfer_ConsecutiveFailuresTripBreakerAcrossRequests(t *testing.T) {
	a := always("", backends.NewBackendError("a", backends.ErrCodeTimeout, "timed out", true, nil))

	r, registry := newTestRouter(t, []string{"a"}, map[string]backends.Backend{"a": a}, nil)

	// Two attempts per request; threshold 3 trips during the second request.
	_, err := r.Infer(context.Background(), "prompt", "")
	require.Error(t, err)
	_, err = r.Infer(context.Background(), "prompt", "")
	require.Error(t, err)

	assert.Equal(t, breaker.StateOpen, registry.Get("a").State())

	// Third request is refused without touching the backend.
	before := a.callCount()
	_, err = r.Infer(context.Background(), "prompt", "")
	var agg *AllBackendsFailedError
	require.True(t, errors.As(err, &agg))
	assert.Equal(t, models.OutcomeBreakerOpen, agg.Reasons[0].Outcome)
	assert.Equal(t, before, a.callCount())
}
