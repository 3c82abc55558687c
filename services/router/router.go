// Package router walks the ordered backend chain for one inference request:
// breaker gate, retried invocation, schema validation, first success wins.
package router

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fintalk/inference-gateway/config"
	"github.com/fintalk/inference-gateway/models"
	"github.com/fintalk/inference-gateway/services/backends"
	"github.com/fintalk/inference-gateway/services/breaker"
	"github.com/fintalk/inference-gateway/services/retry"
	"github.com/fintalk/inference-gateway/services/validator"
)

// TraceSink receives the per-request trace the router emits. Recording must
// not block the request path; implementations buffer or drop.
type TraceSink interface {
	Record(trace *models.InferenceTrace)
}

// candidate pairs a backend with its descriptor and retry executor.
type candidate struct {
	descriptor config.BackendConfig
	backend    backends.Backend
	executor   *retry.Executor
}

// Router orchestrates the fallback chain. Descriptor configuration is
// immutable after construction; breaker state is the only shared mutable
// resource and the breakers synchronize themselves.
type Router struct {
	chain     []candidate
	breakers  *breaker.Registry
	validator *validator.Validator
	sink      TraceSink
	logger    *zap.Logger
}

// New builds a router over the ordered backend chain. The chain must follow
// descriptor order: backendsByName maps each descriptor's name to its
// adapter. Sink may be nil.
func New(descriptors []config.BackendConfig, backendsByName map[string]backends.Backend, registry *breaker.Registry, v *validator.Validator, sink TraceSink, logger *zap.Logger) (*Router, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	chain := make([]candidate, 0, len(descriptors))
	for _, desc := range descriptors {
		b, ok := backendsByName[desc.Name]
		if !ok {
			return nil, errors.New("no adapter registered for backend " + desc.Name)
		}
		chain = append(chain, candidate{
			descriptor: desc,
			backend:    b,
			executor:   retry.NewExecutor(desc.Name, desc.Retry, desc.Timeout, logger),
		})
	}

	return &Router{
		chain:     chain,
		breakers:  registry,
		validator: v,
		sink:      sink,
		logger:    logger,
	}, nil
}

// Infer routes one prompt through the chain and returns the first validated
// response. Backends are tried strictly sequentially; there is no racing.
// On total failure the error is *AllBackendsFailedError with one reason per
// backend in chain order, or *DeadlineError when the caller's deadline fired
// first.
func (r *Router) Infer(ctx context.Context, prompt, userKey string) (*models.AIResponse, error) {
	trace := &models.InferenceTrace{
		RequestID: uuid.New(),
		UserKey:   userKey,
		StartedAt: time.Now(),
	}
	log := r.logger.With(
		zap.String("request_id", trace.RequestID.String()),
	)

	var reasons []BackendFailure

	for _, cand := range r.chain {
		name := cand.descriptor.Name

		// The overall deadline is honored between backend attempts:
		// a request never starts a new backend after it expires.
		if err := ctx.Err(); err != nil {
			trace.Attempts = append(trace.Attempts, models.BackendAttempt{
				Backend:      name,
				Outcome:      models.OutcomeDeadlineExceeded,
				Error:        err.Error(),
				BreakerState: r.breakers.Get(name).State().String(),
			})
			return r.fail(trace, log, &DeadlineError{Cause: err})
		}

		br := r.breakers.Get(name)
		if err := br.Allow(); err != nil {
			log.Info("skipping backend, breaker open", zap.String("backend", name))
			reasons = append(reasons, BackendFailure{Backend: name, Outcome: models.OutcomeBreakerOpen, Err: err})
			trace.Attempts = append(trace.Attempts, models.BackendAttempt{
				Backend:      name,
				Outcome:      models.OutcomeBreakerOpen,
				Error:        err.Error(),
				BreakerState: br.State().String(),
			})
			continue
		}

		started := time.Now()
		resp, outcome, calls, err := r.tryBackend(ctx, cand, br, prompt)

		attempt := models.BackendAttempt{
			Backend:      name,
			Outcome:      outcome,
			Calls:        calls,
			Duration:     time.Since(started),
			BreakerState: br.State().String(),
		}
		if err != nil {
			attempt.Error = err.Error()
		}
		trace.Attempts = append(trace.Attempts, attempt)

		if outcome == models.OutcomeSuccess {
			trace.Served = name
			r.emit(trace)
			log.Info("inference served",
				zap.String("backend", name),
				zap.Int("calls", calls),
				zap.Duration("duration", attempt.Duration),
			)
			return resp, nil
		}

		if outcome == models.OutcomeDeadlineExceeded {
			return r.fail(trace, log, &DeadlineError{Cause: err})
		}

		log.Warn("backend rejected, advancing chain",
			zap.String("backend", name),
			zap.String("outcome", string(outcome)),
			zap.Error(err),
		)
		reasons = append(reasons, BackendFailure{Backend: name, Outcome: outcome, Err: err})
	}

	return r.fail(trace, log, &AllBackendsFailedError{Reasons: reasons})
}

// tryBackend runs one breaker-admitted backend through retry and validation
// and settles the breaker on every path. A cancelled attempt settles via
// Release: it counts as neither success nor failure.
func (r *Router) tryBackend(ctx context.Context, cand candidate, br *breaker.Breaker, prompt string) (*models.AIResponse, models.AttemptOutcome, int, error) {
	name := cand.descriptor.Name
	genReq := &backends.GenerationRequest{
		Prompt:      prompt,
		MaxTokens:   cand.descriptor.MaxTokens,
		Temperature: cand.descriptor.Temperature,
		Timeout:     cand.descriptor.Timeout,
	}

	res, err := cand.executor.Do(ctx, func(ctx context.Context) (string, error) {
		// A concurrent request may have tripped the breaker since this
		// invocation was admitted; stop hammering the backend if so.
		if br.Tripped() {
			return "", &breaker.OpenError{Backend: name}
		}
		out, gerr := cand.backend.Generate(ctx, genReq)
		if gerr != nil && backends.IsRetryable(gerr) {
			// Each transient attempt counts against the breaker,
			// not just the aggregate invocation.
			br.RecordFailure()
		}
		return out, gerr
	})

	if err != nil {
		switch {
		case isOpenError(err):
			// Refusal, not a new failure.
			br.Release()
			return nil, models.OutcomeBreakerOpen, res.Attempts, err

		case isExhausted(err):
			// Per-attempt failures were already recorded.
			return nil, models.OutcomeRetriesExhausted, res.Attempts, err

		case ctx.Err() != nil:
			// Caller cancellation: neither success nor failure.
			br.Release()
			return nil, models.OutcomeDeadlineExceeded, res.Attempts, ctx.Err()

		default:
			br.RecordFailure()
			return nil, models.OutcomeBackendError, res.Attempts, err
		}
	}

	resp, verr := r.validator.Validate(name, res.Output)
	if verr != nil {
		// Deterministic rejection: the backend is answering garbage,
		// which is a failure of the backend.
		br.RecordFailure()
		return nil, models.OutcomeSchemaViolation, res.Attempts, verr
	}

	br.RecordSuccess()
	return resp, models.OutcomeSuccess, res.Attempts, nil
}

// Snapshots exposes per-backend breaker health for the status surface.
func (r *Router) Snapshots() []breaker.Snapshot {
	return r.breakers.Snapshots()
}

func (r *Router) fail(trace *models.InferenceTrace, log *zap.Logger, err error) (*models.AIResponse, error) {
	trace.Failed = true
	r.emit(trace)
	log.Error("inference failed", zap.Error(err))
	return nil, err
}

func (r *Router) emit(trace *models.InferenceTrace) {
	trace.Duration = time.Since(trace.StartedAt)
	if r.sink != nil {
		r.sink.Record(trace)
	}
}

func isOpenError(err error) bool {
	var oe *breaker.OpenError
	return errors.As(err, &oe)
}

func isExhausted(err error) bool {
	var ex *retry.ExhaustedError
	return errors.As(err, &ex)
}
