package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fintalk/inference-gateway/config"
	"github.com/fintalk/inference-gateway/services/backends"
)

func newTestAdapter(url string) *Adapter {
	return NewAdapter(config.BackendConfig{
		Name:    "openai-primary",
		Kind:    config.BackendKindOpenAI,
		BaseURL: url,
		APIKey:  "test-key",
		Model:   "gpt-4o-mini",
		Timeout: 2 * time.Second,
	})
}

func TestGenerate_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "hello", req.Messages[0].Content)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"chatcmpl-1","model":"gpt-4o-mini","choices":[{"index":0,"message":{"role":"assistant","content":"{\"content\":\"hi\",\"confidence\":0.9}"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	adapter := newTestAdapter(server.URL)
	out, err := adapter.Generate(context.Background(), &backends.GenerationRequest{Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, `{"content":"hi","confidence":0.9}`, out)
}

func TestGenerate_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantCode  string
		wantRetry bool
	}{
		{
			name:      "rate limited is transient",
			status:    http.StatusTooManyRequests,
			body:      `{"error":{"message":"rate limit exceeded","type":"rate_limit_error"}}`,
			wantCode:  backends.ErrCodeRateLimited,
			wantRetry: true,
		},
		{
			name:      "server error is transient",
			status:    http.StatusBadGateway,
			body:      `upstream unavailable`,
			wantCode:  backends.ErrCodeServerError,
			wantRetry: true,
		},
		{
			name:      "auth failure is permanent",
			status:    http.StatusUnauthorized,
			body:      `{"error":{"message":"invalid api key","type":"invalid_request_error"}}`,
			wantCode:  backends.ErrCodeAuthFailed,
			wantRetry: false,
		},
		{
			name:      "bad request is permanent",
			status:    http.StatusBadRequest,
			body:      `{"error":{"message":"unknown model","type":"invalid_request_error"}}`,
			wantCode:  backends.ErrCodeBadRequest,
			wantRetry: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			adapter := newTestAdapter(server.URL)
			_, err := adapter.Generate(context.Background(), &backends.GenerationRequest{Prompt: "hello"})
			require.Error(t, err)

			var be *backends.BackendError
			require.True(t, errors.As(err, &be))
			assert.Equal(t, tt.wantCode, be.Code)
			assert.Equal(t, tt.status, be.StatusCode)
			assert.Equal(t, tt.wantRetry, be.Retryable)
			assert.Equal(t, tt.wantRetry, backends.IsRetryable(err))
		})
	}
}

func TestGenerate_EmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"chatcmpl-2","model":"gpt-4o-mini","choices":[]}`))
	}))
	defer server.Close()

	adapter := newTestAdapter(server.URL)
	_, err := adapter.Generate(context.Background(), &backends.GenerationRequest{Prompt: "hello"})
	require.Error(t, err)

	var be *backends.BackendError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, backends.ErrCodeEmptyResponse, be.Code)
	assert.False(t, backends.IsRetryable(err))
}

func TestGenerate_TimeoutIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	adapter := newTestAdapter(server.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := adapter.Generate(ctx, &backends.GenerationRequest{Prompt: "hello"})
	require.Error(t, err)
	assert.True(t, backends.IsRetryable(err))
}
