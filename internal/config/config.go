// Package config provides environment-aware configuration management
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

func parseEnvironment(s string) (Environment, bool) {
	switch Environment(s) {
	case Development, Testing, Production:
		return Environment(s), true
	default:
		return "", false
	}
}

// Config holds all application configuration, built once at process start
// and passed by reference into every component. Defaults live in New();
// a YAML file (CONFIG_FILE, if set) overrides them; environment variables
// tagged below take final precedence via envdecode.
type Config struct {
	// Environment
	Env Environment `yaml:"-"`

	// HTTP server
	HTTPPort         int           `yaml:"http_port" env:"HTTP_PORT"`
	HTTPReadTimeout  time.Duration `yaml:"http_read_timeout" env:"HTTP_READ_TIMEOUT"`
	HTTPWriteTimeout time.Duration `yaml:"http_write_timeout" env:"HTTP_WRITE_TIMEOUT"`
	HTTPIdleTimeout  time.Duration `yaml:"http_idle_timeout" env:"HTTP_IDLE_TIMEOUT"`
	MaxHeaderBytes   int           `yaml:"max_header_bytes" env:"HTTP_MAX_HEADER_BYTES"`

	// Relational storage
	DatabaseURL string `yaml:"database_url" env:"DATABASE_URL"`

	// Cache / single-flight coordination
	RedisURL string `yaml:"redis_url" env:"REDIS_URL"`

	// Vector store
	VectorDBURL        string `yaml:"vector_db_url" env:"VECTOR_DB_URL"`
	VectorDBCollection string `yaml:"vector_db_collection" env:"VECTOR_DB_COLLECTION"`

	// LLM provider
	LLMProvider    string  `yaml:"llm_provider" env:"LLM_PROVIDER"`
	LLMAPIKey      string  `yaml:"llm_api_key" env:"LLM_API_KEY"`
	LLMModel       string  `yaml:"llm_model" env:"LLM_MODEL"`
	LLMTemperature float64 `yaml:"llm_temperature" env:"LLM_TEMPERATURE"`
	LLMMaxTokens   int     `yaml:"llm_max_tokens" env:"LLM_MAX_TOKENS"`

	// Scheduler / processing
	LogFetchInterval    time.Duration `yaml:"log_fetch_interval" env:"LOG_FETCH_INTERVAL"`
	ClusteringThreshold float64       `yaml:"clustering_threshold" env:"CLUSTERING_THRESHOLD"`
	ProcessingLogLevels []string      `yaml:"processing_log_levels" env:"PROCESSING_LOG_LEVELS"`

	// Feature flags
	EnableCodeIndexing bool `yaml:"enable_code_indexing" env:"ENABLE_CODE_INDEXING"`
	EnableLLMAnalysis  bool `yaml:"enable_llm_analysis" env:"ENABLE_LLM_ANALYSIS"`
	EnableGChatNotify  bool `yaml:"enable_gchat_notifications" env:"ENABLE_GCHAT_NOTIFICATIONS"`

	// Notifications
	GChatWebhookURL            string `yaml:"gchat_webhook_url" env:"GCHAT_WEBHOOK_URL"`
	GChatNotificationThreshold string `yaml:"gchat_notification_threshold" env:"GCHAT_NOTIFICATION_THRESHOLD"`

	// Push-ingestion endpoint
	FluentBitAPIToken        string `yaml:"fluent_bit_api_token" env:"FLUENT_BIT_API_TOKEN"`
	FluentBitRateLimit       int    `yaml:"fluent_bit_rate_limit" env:"FLUENT_BIT_RATE_LIMIT"`
	FluentBitBatchSizeLimit  int    `yaml:"fluent_bit_batch_size_limit" env:"FLUENT_BIT_BATCH_SIZE_LIMIT"`
	FluentBitDedupWindowSecs int    `yaml:"fluent_bit_dedup_window_seconds" env:"FLUENT_BIT_DEDUP_WINDOW_SECONDS"`

	// Logging
	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`

	// Security
	RateLimitEnabled  bool          `yaml:"rate_limit_enabled" env:"RATE_LIMIT_ENABLED"`
	RateLimitRequests int           `yaml:"rate_limit_requests" env:"RATE_LIMIT_REQUESTS"`
	RateLimitWindow   time.Duration `yaml:"rate_limit_window" env:"RATE_LIMIT_WINDOW"`
	CORSOrigins       []string      `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`

	// Database pool
	DBMaxConnections int           `yaml:"db_max_connections" env:"DB_MAX_CONNECTIONS"`
	DBIdleTimeout    time.Duration `yaml:"db_idle_timeout" env:"DB_IDLE_TIMEOUT"`

	// Misc
	EnableProfiling      bool `yaml:"enable_profiling" env:"ENABLE_PROFILING"`
	EnableDebugEndpoints bool `yaml:"enable_debug_endpoints" env:"ENABLE_DEBUG_ENDPOINTS"`
	TestMode             bool `yaml:"test_mode" env:"TEST_MODE"`
	MetricsEnabled       bool `yaml:"metrics_enabled" env:"METRICS_ENABLED"`
	MetricsPort          int  `yaml:"metrics_port" env:"METRICS_PORT"`
}

// New returns a Config populated with the same defaults the teacher's own
// deployments ship with; Load layers a YAML file and then the environment on
// top of these.
func New(env Environment) *Config {
	return &Config{
		Env:                        env,
		HTTPPort:                   8080,
		HTTPReadTimeout:            10 * time.Second,
		HTTPWriteTimeout:           30 * time.Second,
		HTTPIdleTimeout:            120 * time.Second,
		MaxHeaderBytes:             1 << 20,
		VectorDBCollection:         "code_embeddings",
		LLMProvider:                "openai",
		LLMModel:                   "gpt-4o-mini",
		LLMTemperature:             0.2,
		LLMMaxTokens:               1024,
		LogFetchInterval:           60 * time.Second,
		ClusteringThreshold:        0.85,
		ProcessingLogLevels:        []string{"ERROR", "CRITICAL", "FATAL"},
		EnableCodeIndexing:         true,
		EnableLLMAnalysis:          true,
		GChatNotificationThreshold: "HIGH",
		FluentBitRateLimit:         1000,
		FluentBitBatchSizeLimit:    500,
		FluentBitDedupWindowSecs:   600,
		LogLevel:                   "info",
		LogFormat:                  "json",
		RateLimitEnabled:           true,
		RateLimitRequests:          100,
		RateLimitWindow:            time.Minute,
		CORSOrigins:                []string{"*"},
		DBMaxConnections:           20,
		DBIdleTimeout:              5 * time.Minute,
		MetricsPort:                9090,
	}
}

// Load loads configuration based on the APP_ENV environment variable,
// optionally sourcing a per-environment .env file, then a YAML config file,
// then overriding with tagged environment variables.
func Load() (*Config, error) {
	envStr := os.Getenv("APP_ENV")
	if envStr == "" {
		envStr = string(Development)
	}

	env, ok := parseEnvironment(envStr)
	if !ok {
		return nil, fmt.Errorf("invalid APP_ENV: %s (must be development, testing, or production)", envStr)
	}

	envFile := filepath.Join("config", fmt.Sprintf("%s.env", env))
	if err := godotenv.Load(envFile); err != nil {
		// Config file is optional; only warn on non-"file not found" errors
		// (e.g. parse errors) to avoid noisy logs during tests and CI runs.
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Printf("Warning: Could not load %s: %v\n", envFile, err)
		}
	}

	cfg := New(env)

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, c)
}

// loadFromEnv overrides cfg with any tagged environment variables present,
// then fills in the fields that depend on other fields or on Env.
func (c *Config) loadFromEnv() error {
	metricsEnabledBefore := c.MetricsEnabled

	if err := envdecode.Decode(c); err != nil {
		// envdecode returns an error when no tagged fields are present in the
		// environment; treat that case as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return fmt.Errorf("decode env: %w", err)
		}
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.VectorDBURL == "" {
		c.VectorDBURL = c.DatabaseURL
	}
	if !metricsEnabledBefore && !c.MetricsEnabled {
		c.MetricsEnabled = c.Env == Production
	}

	return nil
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Env == Development
}

// IsTesting returns true if running in testing environment
func (c *Config) IsTesting() bool {
	return c.Env == Testing
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Env == Production
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.HTTPPort < 1024 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP_PORT: %d (must be between 1024 and 65535)", c.HTTPPort)
	}
	if c.MetricsEnabled && (c.MetricsPort < 1024 || c.MetricsPort > 65535) {
		return fmt.Errorf("invalid METRICS_PORT: %d (must be between 1024 and 65535)", c.MetricsPort)
	}

	if c.IsProduction() {
		if c.EnableLLMAnalysis && c.LLMAPIKey == "" {
			return fmt.Errorf("LLM_API_KEY must be set when ENABLE_LLM_ANALYSIS is true")
		}
		if c.EnableDebugEndpoints {
			return fmt.Errorf("ENABLE_DEBUG_ENDPOINTS must be false in production")
		}
		if c.TestMode {
			return fmt.Errorf("TEST_MODE must be false in production")
		}
		if !c.RateLimitEnabled {
			return fmt.Errorf("RATE_LIMIT_ENABLED must be true in production")
		}
		if c.FluentBitAPIToken == "" || c.FluentBitAPIToken == "changeme" {
			return fmt.Errorf("FLUENT_BIT_API_TOKEN must be set to a non-placeholder value in production")
		}
	}

	return nil
}
