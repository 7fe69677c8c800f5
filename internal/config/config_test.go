package config

import (
	"errors"
	"os"
	"testing"
	"time"
)

func TestGetEnvOrDefault(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		envValue   string
		defaultVal string
		expected   string
	}{
		{"uses env value", "TEST_VAR_1", "hello", "default", "hello"},
		{"uses default when empty", "TEST_VAR_2", "", "default", "default"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.envValue != "" {
				os.Setenv(tc.key, tc.envValue)
				defer os.Unsetenv(tc.key)
			}

			result := getEnvOrDefault(tc.key, tc.defaultVal)
			if result != tc.expected {
				t.Errorf("Expected %q, got %q", tc.expected, result)
			}
		})
	}
}

func TestGetEnvAsIntOrDefault(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		envValue   string
		defaultVal int
		expected   int
	}{
		{"parses integer", "TEST_INT_1", "42", 10, 42},
		{"uses default for empty", "TEST_INT_2", "", 10, 10},
		{"uses default for non-numeric", "TEST_INT_3", "abc", 10, 10},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.envValue != "" {
				os.Setenv(tc.key, tc.envValue)
				defer os.Unsetenv(tc.key)
			}

			result := getEnvAsIntOrDefault(tc.key, tc.defaultVal)
			if result != tc.expected {
				t.Errorf("Expected %d, got %d", tc.expected, result)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"QUIZGEN_PROVIDER", "QUIZGEN_MODEL", "QUIZGEN_CONCURRENCY", "GEMINI_CONCURRENT_REQUESTS", "CHECKPOINT_FLUSH_SECONDS", "MODEL_TEMPERATURE"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.Provider != ProviderGemini || cfg.Model != "gemini-2.5-flash" {
		t.Errorf("provider/model = %q/%q", cfg.Provider, cfg.Model)
	}
	if cfg.Concurrency != 5 || cfg.QuestionCount != 10 || cfg.CheckpointKeep != 5 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.CheckpointFlush != 10*time.Second || cfg.AttemptTimeout != 300*time.Second {
		t.Errorf("durations = %v/%v", cfg.CheckpointFlush, cfg.AttemptTimeout)
	}
	if cfg.Temperature != 0.3 {
		t.Errorf("temperature = %v", cfg.Temperature)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("QUIZGEN_PROVIDER", "OpenAI")
	t.Setenv("QUIZGEN_MODEL", "")
	t.Setenv("QUIZGEN_CONCURRENCY", "")
	t.Setenv("GEMINI_CONCURRENT_REQUESTS", "8")
	t.Setenv("QUIZGEN_PROXY_URL", "")
	t.Setenv("HTTPS_PROXY", "http://proxy:3128")

	cfg := Load()
	if cfg.Provider != ProviderOpenAI || cfg.Model != "gpt-4o-mini" {
		t.Errorf("provider/model = %q/%q", cfg.Provider, cfg.Model)
	}
	if cfg.Concurrency != 8 {
		t.Errorf("concurrency = %d, want legacy fallback 8", cfg.Concurrency)
	}
	if cfg.ProxyURL != "http://proxy:3128" {
		t.Errorf("proxy = %q", cfg.ProxyURL)
	}
}

func TestValidate(t *testing.T) {
	base := Config{Provider: ProviderGemini, Concurrency: 1, QuestionCount: 10}
	tests := []struct {
		name       string
		mutate     func(c *Config)
		needsModel bool
		wantErr    bool
		missing    bool
	}{
		{"offline without key", func(c *Config) {}, false, false, false},
		{"gemini needs key", func(c *Config) {}, true, true, true},
		{"gemini with key", func(c *Config) { c.GeminiAPIKey = "k" }, true, false, false},
		{"openai needs its own key", func(c *Config) { c.Provider = ProviderOpenAI; c.GeminiAPIKey = "k" }, true, true, true},
		{"unknown provider", func(c *Config) { c.Provider = "bard" }, false, true, false},
		{"zero concurrency", func(c *Config) { c.Concurrency = 0 }, false, true, false},
		{"zero questions", func(c *Config) { c.QuestionCount = 0 }, false, true, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate(tc.needsModel)
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
			if errors.Is(err, ErrMissingCredential) != tc.missing {
				t.Errorf("errors.Is(ErrMissingCredential) = %v, want %v", !tc.missing, tc.missing)
			}
		})
	}
}
