// Package githubmodels implements the generation backend adapter for the
// GitHub Models inference endpoint. The API is chat-completions shaped and
// authenticated with a GitHub token.
package githubmodels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/fintalk/inference-gateway/config"
	"github.com/fintalk/inference-gateway/services/backends"
)

const defaultBaseURL = "https://models.inference.ai.azure.com"

// Adapter implements backends.Backend against GitHub Models. One HTTP call
// per Generate; retrying is the caller's concern.
type Adapter struct {
	name       string
	baseURL    string
	token      string
	model      string
	httpClient *http.Client
}

// NewAdapter creates an adapter from a backend descriptor.
func NewAdapter(cfg config.BackendConfig) *Adapter {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Adapter{
		name:    cfg.Name,
		baseURL: baseURL,
		token:   cfg.APIKey,
		model:   cfg.Model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Name returns the configured descriptor name.
func (a *Adapter) Name() string {
	return a.name
}

// Generate sends the prompt and returns the first choice's content verbatim.
func (a *Adapter) Generate(ctx context.Context, req *backends.GenerationRequest) (string, error) {
	cr := &chatRequest{
		Model: a.model,
		Messages: []chatMessage{
			{Role: "user", Content: req.Prompt},
		},
	}
	if req.MaxTokens > 0 {
		cr.MaxTokens = &req.MaxTokens
	}
	if req.Temperature > 0 {
		cr.Temperature = &req.Temperature
	}

	body, err := json.Marshal(cr)
	if err != nil {
		return "", backends.NewBackendError(a.name, backends.ErrCodeBadRequest, "failed to marshal request", false, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", backends.NewBackendError(a.name, backends.ErrCodeBadRequest, "failed to create request", false, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.token)

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		code := backends.ErrCodeNetwork
		if errors.Is(err, context.DeadlineExceeded) {
			code = backends.ErrCodeTimeout
		}
		return "", backends.NewBackendError(a.name, code, "request failed", true, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return "", backends.NewBackendError(a.name, backends.ErrCodeNetwork, "failed to read response", true, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return "", a.classifyError(httpResp.StatusCode, respBody)
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", &backends.BackendError{
			Backend:    a.name,
			Code:       backends.ErrCodeDecodeFailure,
			Message:    "failed to decode response",
			StatusCode: httpResp.StatusCode,
			Cause:      err,
		}
	}
	if len(chatResp.Choices) == 0 {
		return "", &backends.BackendError{
			Backend:    a.name,
			Code:       backends.ErrCodeEmptyResponse,
			Message:    "response contained no choices",
			StatusCode: httpResp.StatusCode,
		}
	}

	return chatResp.Choices[0].Message.Content, nil
}

// classifyError maps GitHub Models error statuses onto the shared backend
// error codes. 429 carries the free-tier rate limit and is transient.
func (a *Adapter) classifyError(statusCode int, body []byte) error {
	message := string(body)
	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	code := backends.ErrCodeBadRequest
	retryable := false
	switch {
	case statusCode == http.StatusTooManyRequests:
		code = backends.ErrCodeRateLimited
		retryable = true
	case statusCode >= 500:
		code = backends.ErrCodeServerError
		retryable = true
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		code = backends.ErrCodeAuthFailed
	}

	return &backends.BackendError{
		Backend:    a.name,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  retryable,
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}
