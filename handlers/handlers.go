// Package handlers implements the gateway's HTTP surface.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/fintalk/inference-gateway/app"
	"github.com/fintalk/inference-gateway/services/router"
	"github.com/fintalk/inference-gateway/services/statestore"
)

// ErrorResponse is the common error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError writes an error JSON response
func respondError(w http.ResponseWriter, statusCode int, err string, message string) {
	respondJSON(w, statusCode, ErrorResponse{
		Error:   err,
		Message: message,
	})
}

// InferRequest is the body of POST /api/v1/infer.
type InferRequest struct {
	UserKey string `json:"user_key"`
	Message string `json:"message"`
}

// InferResponse is the success body of POST /api/v1/infer.
type InferResponse struct {
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error,omitempty"`
}

// InferHandler runs one user turn through the session service.
func InferHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req InferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "request body must be valid JSON")
			return
		}
		req.UserKey = strings.TrimSpace(req.UserKey)
		if req.UserKey == "" || strings.TrimSpace(req.Message) == "" {
			respondError(w, http.StatusBadRequest, "invalid_request", "user_key and message are required")
			return
		}

		resp, err := deps.Session.HandleTurn(r.Context(), req.UserKey, req.Message)
		if err != nil {
			status, code := classifyInferError(err)
			respondError(w, status, code, err.Error())
			return
		}

		respondJSON(w, http.StatusOK, InferResponse{
			Content:    resp.Content,
			Confidence: resp.Confidence,
			Error:      resp.Error,
		})
	}
}

// HistoryHandler returns the persisted transcript for a user.
func HistoryHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userKey := chi.URLParam(r, "userKey")
		if userKey == "" {
			respondError(w, http.StatusBadRequest, "invalid_request", "user key is required")
			return
		}

		history, err := deps.Session.History(userKey)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "store_error", err.Error())
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"user_key": userKey,
			"history":  history,
		})
	}
}

// classifyInferError maps routing and persistence failures onto HTTP
// statuses.
func classifyInferError(err error) (int, string) {
	var (
		allFailed *router.AllBackendsFailedError
		deadline  *router.DeadlineError
		lockT     *statestore.LockTimeoutError
		ioErr     *statestore.IOError
	)
	switch {
	case errors.As(err, &deadline):
		return http.StatusGatewayTimeout, "deadline_exceeded"
	case errors.As(err, &allFailed):
		return http.StatusBadGateway, "all_backends_failed"
	case errors.As(err, &lockT):
		return http.StatusServiceUnavailable, "state_lock_timeout"
	case errors.As(err, &ioErr):
		return http.StatusInternalServerError, "state_io_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
