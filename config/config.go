package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	// BackendKindOpenAI selects the OpenAI chat-completions adapter
	BackendKindOpenAI = "openai"

	// BackendKindGitHubModels selects the GitHub Models inference adapter
	BackendKindGitHubModels = "github_models"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"

	LogFormatJSON = "json"
	LogFormatText = "text"
)

// RetryConfig is the per-backend retry policy.
type RetryConfig struct {
	// MaxAttempts bounds how many times a single backend call is made
	MaxAttempts int `mapstructure:"max_attempts"`

	// BackoffBase is the delay before the first retry
	BackoffBase time.Duration `mapstructure:"backoff_base"`

	// BackoffFactor multiplies the delay on each subsequent retry
	BackoffFactor float64 `mapstructure:"backoff_factor"`
}

// BackendConfig describes one candidate generation backend. The list order
// in the config file is the fallback order: first entry is the primary.
type BackendConfig struct {
	// Name identifies the backend in logs, traces and breaker state
	Name string `mapstructure:"name"`

	// Kind selects the adapter implementation
	Kind string `mapstructure:"kind"`

	// BaseURL overrides the adapter's default endpoint
	BaseURL string `mapstructure:"base_url"`

	// APIKeyEnv names the environment variable holding the credential
	APIKeyEnv string `mapstructure:"api_key_env"`

	// APIKey is resolved from APIKeyEnv at load time; never set it in the file
	APIKey string `mapstructure:"-"`

	// Model is the model identifier sent to the backend
	Model string `mapstructure:"model"`

	// Timeout bounds a single invocation attempt
	Timeout time.Duration `mapstructure:"timeout"`

	// MaxTokens caps the generated response length
	MaxTokens int `mapstructure:"max_tokens"`

	// Temperature controls sampling randomness
	Temperature float64 `mapstructure:"temperature"`

	Retry RetryConfig `mapstructure:"retry"`
}

// BreakerConfig holds circuit breaker thresholds shared by all backends.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trips a
	// breaker open
	FailureThreshold int `mapstructure:"failure_threshold"`

	// RecoveryTimeout is how long an open breaker refuses attempts before
	// allowing a half-open trial
	RecoveryTimeout time.Duration `mapstructure:"recovery_timeout"`
}

// ValidatorConfig holds response validation constraints.
type ValidatorConfig struct {
	// MinConfidence is the inclusive lower bound for the confidence field
	MinConfidence float64 `mapstructure:"min_confidence"`

	// MaxConfidence is the inclusive upper bound for the confidence field
	MaxConfidence float64 `mapstructure:"max_confidence"`

	// RecoveryEnabled turns the best-effort malformed-response recovery
	// pass on or off
	RecoveryEnabled bool `mapstructure:"recovery_enabled"`
}

// StoreConfig holds durable state store settings.
type StoreConfig struct {
	// Dir is the directory holding per-user state records
	Dir string `mapstructure:"dir"`

	// LockTimeout bounds how long an updater waits for the per-key lock
	LockTimeout time.Duration `mapstructure:"lock_timeout"`

	// LockStaleAfter is the age after which a leftover lock from a crashed
	// process is reclaimed
	LockStaleAfter time.Duration `mapstructure:"lock_stale_after"`

	// LockRetryInterval is the polling interval while waiting for the lock
	LockRetryInterval time.Duration `mapstructure:"lock_retry_interval"`
}

// AuditConfig holds inference trace persistence settings.
type AuditConfig struct {
	// Path is the SQLite database file, ":memory:" for tests
	Path string `mapstructure:"path"`

	// BufferSize is the async event channel capacity
	BufferSize int `mapstructure:"buffer_size"`

	// WorkerCount is the number of background writer goroutines
	WorkerCount int `mapstructure:"worker_count"`
}

// ServerConfig holds the operational HTTP endpoint settings.
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the complete gateway configuration.
type Config struct {
	Environment string          `mapstructure:"environment"`
	Backends    []BackendConfig `mapstructure:"backends"`
	Breaker     BreakerConfig   `mapstructure:"breaker"`
	Validator   ValidatorConfig `mapstructure:"validator"`
	Store       StoreConfig     `mapstructure:"store"`
	Audit       AuditConfig     `mapstructure:"audit"`
	Server      ServerConfig    `mapstructure:"server"`
	Logging     LoggingConfig   `mapstructure:"logging"`
}

// Load reads configuration from the given YAML file (or the default search
// path when path is empty), applies environment overrides, resolves backend
// credentials, and validates the result. Invalid configuration fails here,
// not at first request.
func Load(path string) (*Config, error) {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load(".env")

	v := viper.New()

	v.SetDefault("environment", "development")
	v.SetDefault("breaker.failure_threshold", 3)
	v.SetDefault("breaker.recovery_timeout", "30s")
	v.SetDefault("validator.min_confidence", 0.0)
	v.SetDefault("validator.max_confidence", 1.0)
	v.SetDefault("validator.recovery_enabled", true)
	v.SetDefault("store.dir", "./data/state")
	v.SetDefault("store.lock_timeout", "5s")
	v.SetDefault("store.lock_stale_after", "30s")
	v.SetDefault("store.lock_retry_interval", "25ms")
	v.SetDefault("audit.path", "./data/audit.db")
	v.SetDefault("audit.buffer_size", 1024)
	v.SetDefault("audit.worker_count", 2)
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("logging.level", LogLevelInfo)
	v.SetDefault("logging.format", LogFormatJSON)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("gateway")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Resolve backend credentials from the environment
	for i := range cfg.Backends {
		if cfg.Backends[i].APIKeyEnv != "" {
			cfg.Backends[i].APIKey = os.Getenv(cfg.Backends[i].APIKeyEnv)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks structural constraints on the configuration.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Backends,
			validation.Required.Error("at least one backend must be configured"),
			validation.Length(1, 0),
			validation.Each(validation.By(validateBackendConfig)),
		),
		validation.Field(&c.Breaker, validation.By(validateBreakerConfig)),
		validation.Field(&c.Validator, validation.By(validateValidatorConfig)),
		validation.Field(&c.Store, validation.By(validateStoreConfig)),
		validation.Field(&c.Audit, validation.By(validateAuditConfig)),
		validation.Field(&c.Logging, validation.By(validateLoggingConfig)),
	)
}

// IsProduction returns true when running in a production environment.
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

func validateBackendConfig(value interface{}) error {
	b, ok := value.(BackendConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a BackendConfig")
	}
	return validation.ValidateStruct(&b,
		validation.Field(&b.Name, validation.Required),
		validation.Field(&b.Kind,
			validation.Required,
			validation.In(BackendKindOpenAI, BackendKindGitHubModels),
		),
		validation.Field(&b.BaseURL, validation.By(validateOptionalURL)),
		validation.Field(&b.Model, validation.Required),
		validation.Field(&b.Timeout, validation.By(validatePositiveDuration)),
		validation.Field(&b.MaxTokens, validation.Required, validation.Min(1)),
		validation.Field(&b.Temperature, validation.Min(0.0), validation.Max(2.0)),
		validation.Field(&b.Retry, validation.By(validateRetryConfig)),
	)
}

func validateRetryConfig(value interface{}) error {
	r, ok := value.(RetryConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a RetryConfig")
	}
	return validation.ValidateStruct(&r,
		validation.Field(&r.MaxAttempts, validation.Required, validation.Min(1)),
		validation.Field(&r.BackoffBase, validation.By(validatePositiveDuration)),
		validation.Field(&r.BackoffFactor, validation.Required, validation.Min(1.0)),
	)
}

func validateBreakerConfig(value interface{}) error {
	b, ok := value.(BreakerConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a BreakerConfig")
	}
	return validation.ValidateStruct(&b,
		validation.Field(&b.FailureThreshold, validation.Required, validation.Min(1)),
		validation.Field(&b.RecoveryTimeout, validation.By(validatePositiveDuration)),
	)
}

func validateValidatorConfig(value interface{}) error {
	vc, ok := value.(ValidatorConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a ValidatorConfig")
	}
	if vc.MinConfidence < 0 || vc.MaxConfidence > 1 {
		return validation.NewError("validation_confidence_bounds", "confidence bounds must lie within [0, 1]")
	}
	if vc.MinConfidence > vc.MaxConfidence {
		return validation.NewError("validation_confidence_order", "min_confidence must not exceed max_confidence")
	}
	return nil
}

func validateStoreConfig(value interface{}) error {
	sc, ok := value.(StoreConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a StoreConfig")
	}
	return validation.ValidateStruct(&sc,
		validation.Field(&sc.Dir, validation.Required),
		validation.Field(&sc.LockTimeout, validation.By(validatePositiveDuration)),
		validation.Field(&sc.LockStaleAfter, validation.By(validatePositiveDuration)),
		validation.Field(&sc.LockRetryInterval, validation.By(validatePositiveDuration)),
	)
}

func validateAuditConfig(value interface{}) error {
	ac, ok := value.(AuditConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be an AuditConfig")
	}
	return validation.ValidateStruct(&ac,
		validation.Field(&ac.Path, validation.Required),
		validation.Field(&ac.BufferSize, validation.Required, validation.Min(1)),
		validation.Field(&ac.WorkerCount, validation.Required, validation.Min(1)),
	)
}

func validateLoggingConfig(value interface{}) error {
	lc, ok := value.(LoggingConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a LoggingConfig")
	}
	return validation.ValidateStruct(&lc,
		validation.Field(&lc.Level,
			validation.Required,
			validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
		),
		validation.Field(&lc.Format,
			validation.Required,
			validation.In(LogFormatJSON, LogFormatText),
		),
	)
}

func validatePositiveDuration(value interface{}) error {
	d, ok := value.(time.Duration)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a duration")
	}
	if d <= 0 {
		return validation.NewError("validation_invalid_duration", "must be a positive duration")
	}
	return nil
}

func validateOptionalURL(value interface{}) error {
	raw, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	if raw == "" {
		return nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return validation.NewError("validation_invalid_url", "must be a valid URL")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return validation.NewError("validation_invalid_scheme", "URL must use http or https scheme")
	}
	if parsed.Host == "" {
		return validation.NewError("validation_missing_host", "URL must have a host")
	}
	return nil
}
