// Package session ties one user-facing chat turn together: read persisted
// state, run inference, merge the turn back into the store.
package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fintalk/inference-gateway/models"
	"github.com/fintalk/inference-gateway/services/statestore"
)

// Roles recorded in the persisted history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Inferencer produces a validated response for a prompt. Satisfied by the
// model router.
type Inferencer interface {
	Infer(ctx context.Context, prompt, userKey string) (*models.AIResponse, error)
}

// StateStore is the slice of the durable store the session layer needs.
type StateStore interface {
	Read(key string) (*models.PersistedState, error)
	Update(ctx context.Context, key string, merge statestore.MergeFn) (*models.PersistedState, error)
}

// Service runs user turns. A turn that generated a response but failed to
// persist is reported as a failure: a lost turn must never look like
// success.
type Service struct {
	router Inferencer
	store  StateStore
	logger *zap.Logger
}

// NewService creates a session service.
func NewService(router Inferencer, store StateStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		router: router,
		store:  store,
		logger: logger,
	}
}

// HandleTurn routes one user message through inference and durably appends
// both sides of the exchange to the user's history. Inference failures and
// store failures both surface to the caller unchanged in meaning.
func (s *Service) HandleTurn(ctx context.Context, userKey, message string) (*models.AIResponse, error) {
	resp, err := s.router.Infer(ctx, message, userKey)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	_, err = s.store.Update(ctx, userKey, func(cur *models.PersistedState) (*models.PersistedState, error) {
		cur.History = append(cur.History,
			models.TurnEntry{Role: RoleUser, Content: message, At: now},
			models.TurnEntry{Role: RoleAssistant, Content: resp.Content, At: now},
		)
		if cur.Data == nil {
			cur.Data = map[string]any{}
		}
		turns, _ := cur.Data["turns"].(float64)
		cur.Data["turns"] = turns + 1
		return cur, nil
	})
	if err != nil {
		s.logger.Error("turn generated but failed to persist",
			zap.String("user_key", userKey),
			zap.Error(err),
		)
		return nil, fmt.Errorf("response generated but state persist failed: %w", err)
	}

	return resp, nil
}

// History returns the user's persisted transcript. A user with no record
// yet has an empty history, not an error.
func (s *Service) History(userKey string) ([]models.TurnEntry, error) {
	state, err := s.store.Read(userKey)
	if err != nil {
		if statestore.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return state.History, nil
}
