package config

import (
	"testing"
	"time"
)

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	if _, err := Load(); err == nil {
		t.Fatal("Load() should error when DATABASE_URL is unset")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("DATABASE_URL", "postgres://localhost/sentinel")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Env != Development {
		t.Errorf("Env = %q, want development", cfg.Env)
	}
	if cfg.HTTPPort != 8080 {
		t.Errorf("HTTPPort = %d, want 8080", cfg.HTTPPort)
	}
	if cfg.HTTPReadTimeout != 10*time.Second {
		t.Errorf("HTTPReadTimeout = %v, want 10s", cfg.HTTPReadTimeout)
	}
	if cfg.LLMProvider != "openai" {
		t.Errorf("LLMProvider = %q, want openai", cfg.LLMProvider)
	}
	if cfg.VectorDBCollection != "code_embeddings" {
		t.Errorf("VectorDBCollection = %q, want code_embeddings", cfg.VectorDBCollection)
	}
	if !cfg.EnableCodeIndexing {
		t.Error("EnableCodeIndexing = false, want true by default")
	}
	if len(cfg.ProcessingLogLevels) != 3 {
		t.Errorf("ProcessingLogLevels = %v, want 3 entries", cfg.ProcessingLogLevels)
	}
}

func TestLoadInvalidEnvironment(t *testing.T) {
	t.Setenv("APP_ENV", "bogus")
	t.Setenv("DATABASE_URL", "postgres://localhost/sentinel")
	if _, err := Load(); err == nil {
		t.Fatal("Load() should error for an unrecognized APP_ENV")
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "testing")
	t.Setenv("DATABASE_URL", "postgres://localhost/sentinel")
	t.Setenv("HTTP_PORT", "9100")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("ENABLE_LLM_ANALYSIS", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if !cfg.IsTesting() {
		t.Error("IsTesting() = false, want true")
	}
	if cfg.HTTPPort != 9100 {
		t.Errorf("HTTPPort = %d, want 9100", cfg.HTTPPort)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.EnableLLMAnalysis {
		t.Error("EnableLLMAnalysis = true, want false")
	}
}

func TestValidatePortRange(t *testing.T) {
	cfg := &Config{Env: Development, HTTPPort: 80}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() should reject a privileged HTTPPort")
	}
}

func TestValidateProductionRequiresLLMKey(t *testing.T) {
	cfg := &Config{
		Env:               Production,
		HTTPPort:          8080,
		EnableLLMAnalysis: true,
		RateLimitEnabled:  true,
		FluentBitAPIToken: "real-token",
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() should require LLM_API_KEY in production when LLM analysis is enabled")
	}

	cfg.LLMAPIKey = "sk-real"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v, want nil once LLMAPIKey is set", err)
	}
}

func TestValidateProductionRejectsPlaceholderToken(t *testing.T) {
	cfg := &Config{
		Env:               Production,
		HTTPPort:          8080,
		RateLimitEnabled:  true,
		FluentBitAPIToken: "changeme",
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() should reject a placeholder FLUENT_BIT_API_TOKEN in production")
	}
}

func TestValidateProductionRequiresRateLimiting(t *testing.T) {
	cfg := &Config{
		Env:               Production,
		HTTPPort:          8080,
		FluentBitAPIToken: "real-token",
		RateLimitEnabled:  false,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() should require rate limiting enabled in production")
	}
}
