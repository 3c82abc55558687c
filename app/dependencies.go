// Package app is the central wiring point for dependency injection.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fintalk/inference-gateway/config"
	"github.com/fintalk/inference-gateway/services/audit"
	"github.com/fintalk/inference-gateway/services/backends"
	"github.com/fintalk/inference-gateway/services/backends/githubmodels"
	"github.com/fintalk/inference-gateway/services/backends/openai"
	"github.com/fintalk/inference-gateway/services/breaker"
	"github.com/fintalk/inference-gateway/services/router"
	"github.com/fintalk/inference-gateway/services/session"
	"github.com/fintalk/inference-gateway/services/statestore"
	"github.com/fintalk/inference-gateway/services/validator"
)

// Dependencies holds all application dependencies, built in one place so the
// wiring is visible and testable.
type Dependencies struct {
	Config *config.Config
	Logger *zap.Logger

	AuditRepo *audit.SQLiteRepository
	Audit     *audit.Service
	Breakers  *breaker.Registry
	Validator *validator.Validator
	Router    *router.Router
	Store     *statestore.Store
	Session   *session.Service
}

// NewDependencies creates and wires up all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if err := deps.initAudit(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize audit: %w", err)
	}
	if err := deps.initRouter(); err != nil {
		deps.Close(ctx)
		return nil, fmt.Errorf("failed to initialize router: %w", err)
	}
	if err := deps.initStore(); err != nil {
		deps.Close(ctx)
		return nil, fmt.Errorf("failed to initialize state store: %w", err)
	}
	deps.Session = session.NewService(deps.Router, deps.Store, logger)

	logger.Info("all dependencies initialized")
	return deps, nil
}

// initAudit opens the trace database and starts the async writer pool.
func (d *Dependencies) initAudit(ctx context.Context) error {
	repo, err := audit.NewSQLiteRepository(d.Config.Audit.Path)
	if err != nil {
		return err
	}
	if err := repo.Ping(ctx); err != nil {
		repo.Close()
		return fmt.Errorf("audit database ping failed: %w", err)
	}

	d.AuditRepo = repo
	d.Audit = audit.NewService(repo, d.Config.Audit.BufferSize, d.Config.Audit.WorkerCount, d.Logger)
	if err := d.Audit.Start(); err != nil {
		repo.Close()
		return err
	}

	d.Logger.Info("audit service started", zap.String("path", d.Config.Audit.Path))
	return nil
}

// initRouter builds one adapter per configured backend and assembles the
// fallback chain around the breaker registry and validator.
func (d *Dependencies) initRouter() error {
	adapters := make(map[string]backends.Backend, len(d.Config.Backends))
	for _, desc := range d.Config.Backends {
		adapter, err := buildAdapter(desc)
		if err != nil {
			return err
		}
		adapters[desc.Name] = adapter
		d.Logger.Info("registered backend",
			zap.String("backend", desc.Name),
			zap.String("kind", desc.Kind),
			zap.String("model", desc.Model),
		)
	}

	d.Breakers = breaker.NewRegistry(d.Config.Breaker.FailureThreshold, d.Config.Breaker.RecoveryTimeout, d.Logger)
	d.Validator = validator.New(d.Config.Validator, validator.NewJSONExtraction(), d.Logger)

	r, err := router.New(d.Config.Backends, adapters, d.Breakers, d.Validator, d.Audit, d.Logger)
	if err != nil {
		return err
	}
	d.Router = r
	return nil
}

func (d *Dependencies) initStore() error {
	store, err := statestore.New(d.Config.Store, d.Logger)
	if err != nil {
		return err
	}
	d.Store = store
	d.Logger.Info("state store ready", zap.String("dir", d.Config.Store.Dir))
	return nil
}

// buildAdapter selects the adapter implementation for a descriptor's kind.
// New backend kinds are added by implementing backends.Backend, not by
// callers branching on type.
func buildAdapter(desc config.BackendConfig) (backends.Backend, error) {
	switch desc.Kind {
	case config.BackendKindOpenAI:
		return openai.NewAdapter(desc), nil
	case config.BackendKindGitHubModels:
		return githubmodels.NewAdapter(desc), nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q for backend %q", desc.Kind, desc.Name)
	}
}

// Close gracefully shuts down all dependencies, draining pending audit
// traces first.
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.Audit != nil {
		timeout := d.Config.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		if err := d.Audit.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop audit service: %w", err))
		}
	}
	if d.AuditRepo != nil {
		if err := d.AuditRepo.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close audit database: %w", err))
		}
	}

	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}
	return nil
}
