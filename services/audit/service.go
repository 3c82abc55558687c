// Package audit persists per-request inference traces asynchronously so the
// request path never blocks on storage.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fintalk/inference-gateway/models"
)

const insertTimeout = 5 * time.Second

// Service buffers traces on a channel and drains them with a small worker
// pool. A full buffer drops the trace with a warning rather than stalling
// inference.
type Service struct {
	repo        TraceRepository
	logger      *zap.Logger
	traceChan   chan *models.InferenceTrace
	workerCount int
	bufferSize  int
	wg          sync.WaitGroup
	mu          sync.Mutex
	started     bool
}

// NewService creates an audit service over the given repository.
func NewService(repo TraceRepository, bufferSize, workerCount int, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:        repo,
		logger:      logger,
		traceChan:   make(chan *models.InferenceTrace, bufferSize),
		workerCount: workerCount,
		bufferSize:  bufferSize,
	}
}

// Start launches the background workers.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("audit service already started")
	}

	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	s.started = true

	s.logger.Info("started audit service",
		zap.Int("worker_count", s.workerCount),
		zap.Int("buffer_size", s.bufferSize),
	)
	return nil
}

// Stop drains pending traces and waits for the workers, up to timeout.
func (s *Service) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return fmt.Errorf("audit service not started")
	}
	s.started = false
	s.mu.Unlock()

	s.logger.Info("stopping audit service", zap.Int("pending_traces", len(s.traceChan)))
	close(s.traceChan)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("audit service stop timed out after %v", timeout)
	}
}

// Record enqueues a trace without blocking. It satisfies the router's trace
// sink contract; a full buffer drops the trace.
func (s *Service) Record(trace *models.InferenceTrace) {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return
	}

	select {
	case s.traceChan <- trace:
	default:
		s.logger.Warn("audit buffer full, dropping trace",
			zap.String("request_id", trace.RequestID.String()),
		)
	}
}

// Pending reports how many traces are waiting to be persisted.
func (s *Service) Pending() int {
	return len(s.traceChan)
}

func (s *Service) worker(id int) {
	defer s.wg.Done()

	for trace := range s.traceChan {
		ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
		err := s.repo.Insert(ctx, trace)
		cancel()
		if err != nil {
			s.logger.Error("failed to persist inference trace",
				zap.Int("worker_id", id),
				zap.String("request_id", trace.RequestID.String()),
				zap.Error(err),
			)
		}
	}
}
