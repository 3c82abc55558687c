package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fintalk/inference-gateway/app"
)

// HealthCheck returns a simple liveness handler.
func HealthCheck(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}

// ReadinessCheck verifies the audit database is reachable before reporting
// ready.
func ReadinessCheck(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := map[string]string{}
		status := "ready"

		if deps.AuditRepo == nil {
			status = "not_ready"
			checks["audit_db"] = "not_initialized"
		} else if err := deps.AuditRepo.Ping(ctx); err != nil {
			status = "not_ready"
			checks["audit_db"] = "unhealthy"
			deps.Logger.Error("audit database health check failed", zap.Error(err))
		} else {
			checks["audit_db"] = "healthy"
		}

		if deps.Store == nil {
			status = "not_ready"
			checks["state_store"] = "not_initialized"
		} else {
			checks["state_store"] = "healthy"
		}

		code := http.StatusOK
		if status != "ready" {
			code = http.StatusServiceUnavailable
		}
		respondJSON(w, code, map[string]interface{}{
			"status": status,
			"checks": checks,
		})
	}
}

// StatusHandler reports per-backend breaker health and pending audit work.
func StatusHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		backendNames := make([]string, 0, len(deps.Config.Backends))
		for _, b := range deps.Config.Backends {
			backendNames = append(backendNames, b.Name)
		}

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"environment":   deps.Config.Environment,
			"backends":      backendNames,
			"breakers":      deps.Router.Snapshots(),
			"audit_pending": deps.Audit.Pending(),
		})
	}
}
