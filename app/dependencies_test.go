package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fintalk/inference-gateway/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Environment: "test",
		Backends: []config.BackendConfig{
			{
				Name:        "github-primary",
				Kind:        config.BackendKindGitHubModels,
				Model:       "gpt-4o",
				Timeout:     time.Second,
				MaxTokens:   256,
				Temperature: 0.2,
				Retry:       config.RetryConfig{MaxAttempts: 2, BackoffBase: time.Millisecond, BackoffFactor: 2},
			},
			{
				Name:        "openai-fallback",
				Kind:        config.BackendKindOpenAI,
				Model:       "gpt-4o-mini",
				Timeout:     time.Second,
				MaxTokens:   256,
				Temperature: 0.2,
				Retry:       config.RetryConfig{MaxAttempts: 2, BackoffBase: time.Millisecond, BackoffFactor: 2},
			},
		},
		Breaker:   config.BreakerConfig{FailureThreshold: 3, RecoveryTimeout: 30 * time.Second},
		Validator: config.ValidatorConfig{MinConfidence: 0, MaxConfidence: 1, RecoveryEnabled: true},
		Store: config.StoreConfig{
			Dir:               filepath.Join(dir, "state"),
			LockTimeout:       time.Second,
			LockStaleAfter:    30 * time.Second,
			LockRetryInterval: 5 * time.Millisecond,
		},
		Audit:   config.AuditConfig{Path: filepath.Join(dir, "audit.db"), BufferSize: 16, WorkerCount: 1},
		Server:  config.ServerConfig{Address: ":0", ShutdownTimeout: 2 * time.Second},
		Logging: config.LoggingConfig{Level: config.LogLevelInfo, Format: config.LogFormatJSON},
	}
}

func TestNewDependencies_WiresEverything(t *testing.T) {
	deps, err := NewDependencies(context.Background(), testConfig(t), zap.NewNop())
	require.NoError(t, err)
	defer deps.Close(context.Background())

	assert.NotNil(t, deps.Router)
	assert.NotNil(t, deps.Store)
	assert.NotNil(t, deps.Session)
	assert.NotNil(t, deps.Audit)
	assert.NotNil(t, deps.Breakers)

	// One breaker per configured backend once touched.
	assert.NotNil(t, deps.Breakers.Get("github-primary"))
	assert.NotNil(t, deps.Breakers.Get("openai-fallback"))
}

func TestNewDependencies_UnknownBackendKindFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backends[0].Kind = "carrier-pigeon"

	_, err := NewDependencies(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestDependencies_CloseIsClean(t *testing.T) {
	deps, err := NewDependencies(context.Background(), testConfig(t), zap.NewNop())
	require.NoError(t, err)
	assert.NoError(t, deps.Close(context.Background()))
}
