package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
backends:
  - name: github-primary
    kind: github_models
    model: gpt-4o
    api_key_env: TEST_GITHUB_TOKEN
    timeout: 20s
    max_tokens: 512
    temperature: 0.3
    retry:
      max_attempts: 3
      backoff_base: 500ms
      backoff_factor: 2.0
  - name: openai-fallback
    kind: openai
    model: gpt-4o-mini
    api_key_env: TEST_OPENAI_KEY
    timeout: 30s
    max_tokens: 512
    temperature: 0.3
    retry:
      max_attempts: 2
      backoff_base: 1s
      backoff_factor: 2.0
`

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	t.Setenv("TEST_GITHUB_TOKEN", "ghp_test")
	t.Setenv("TEST_OPENAI_KEY", "sk-test")

	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	require.Len(t, cfg.Backends, 2)
	assert.Equal(t, "github-primary", cfg.Backends[0].Name)
	assert.Equal(t, "ghp_test", cfg.Backends[0].APIKey)
	assert.Equal(t, "sk-test", cfg.Backends[1].APIKey)

	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.RecoveryTimeout)
	assert.Equal(t, 0.0, cfg.Validator.MinConfidence)
	assert.Equal(t, 1.0, cfg.Validator.MaxConfidence)
	assert.True(t, cfg.Validator.RecoveryEnabled)
	assert.Equal(t, "./data/state", cfg.Store.Dir)
	assert.Equal(t, 5*time.Second, cfg.Store.LockTimeout)
	assert.Equal(t, 30*time.Second, cfg.Store.LockStaleAfter)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, LogLevelInfo, cfg.Logging.Level)
}

func TestLoad_BackendOrderIsFallbackOrder(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)
	assert.Equal(t, "github-primary", cfg.Backends[0].Name)
	assert.Equal(t, "openai-fallback", cfg.Backends[1].Name)
}

func TestLoad_FailsFast(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "empty backend list",
			yaml: `backends: []`,
		},
		{
			name: "unknown backend kind",
			yaml: `
backends:
  - name: x
    kind: telegraph
    model: m
    timeout: 5s
    max_tokens: 10
    retry: {max_attempts: 1, backoff_base: 1s, backoff_factor: 2}
`,
		},
		{
			name: "zero retry attempts",
			yaml: `
backends:
  - name: x
    kind: openai
    model: m
    timeout: 5s
    max_tokens: 10
    retry: {max_attempts: 0, backoff_base: 1s, backoff_factor: 2}
`,
		},
		{
			name: "non-positive timeout",
			yaml: `
backends:
  - name: x
    kind: openai
    model: m
    timeout: 0s
    max_tokens: 10
    retry: {max_attempts: 1, backoff_base: 1s, backoff_factor: 2}
`,
		},
		{
			name: "breaker threshold zero",
			yaml: minimalYAML + `
breaker:
  failure_threshold: 0
`,
		},
		{
			name: "confidence bounds outside unit interval",
			yaml: minimalYAML + `
validator:
  min_confidence: -0.5
`,
		},
		{
			name: "malformed base url",
			yaml: `
backends:
  - name: x
    kind: openai
    base_url: "ftp://example.com"
    model: m
    timeout: 5s
    max_tokens: 10
    retry: {max_attempts: 1, backoff_base: 1s, backoff_factor: 2}
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFileWithoutBackendsFails(t *testing.T) {
	// No config file found: defaults alone have no backends, so loading
	// must fail at startup, not at first request.
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
