package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// ErrMissingCredential means model calls were requested without the API key
// for the selected provider.
var ErrMissingCredential = errors.New("missing model credential")

type Config struct {
	// Model provider
	Provider      string
	GeminiAPIKey  string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	Model         string
	JudgeModel    string
	ProxyURL      string
	Temperature   float32

	// Batch
	Concurrency    int
	DataRoot       string
	OutputDir      string
	QuestionCount  int
	ExtensionCount int
	AttemptTimeout time.Duration

	// Checkpoint
	CheckpointKeep  int
	CheckpointFlush time.Duration

	// Optional backends
	RedisURL    string
	DatabaseURL string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load resolves configuration once from .env and the process environment.
func Load() *Config {
	// Load .env file if it exists
	godotenv.Load()

	cfg := &Config{
		Provider:        strings.ToLower(getEnvOrDefault("QUIZGEN_PROVIDER", ProviderGemini)),
		GeminiAPIKey:    getEnvOrDefault("GEMINI_API_KEY", ""),
		OpenAIAPIKey:    getEnvOrDefault("OPENAI_API_KEY", ""),
		OpenAIBaseURL:   getEnvOrDefault("OPENAI_BASE_URL", ""),
		Model:           getEnvOrDefault("QUIZGEN_MODEL", ""),
		JudgeModel:      getEnvOrDefault("QUIZGEN_JUDGE_MODEL", ""),
		ProxyURL:        getEnvOrDefault("QUIZGEN_PROXY_URL", getEnvOrDefault("HTTPS_PROXY", "")),
		Temperature:     float32(getEnvAsFloatOrDefault("MODEL_TEMPERATURE", 0.3)),
		Concurrency:     getEnvAsIntOrDefault("QUIZGEN_CONCURRENCY", getEnvAsIntOrDefault("GEMINI_CONCURRENT_REQUESTS", 5)),
		DataRoot:        getEnvOrDefault("QUIZGEN_DATA_ROOT", "./samples"),
		OutputDir:       getEnvOrDefault("QUIZGEN_OUTPUT_DIR", "./output"),
		QuestionCount:   getEnvAsIntOrDefault("QUIZGEN_QUESTION_COUNT", 10),
		ExtensionCount:  getEnvAsIntOrDefault("QUIZGEN_EXTENSION_COUNT", 5),
		AttemptTimeout:  time.Duration(getEnvAsIntOrDefault("MODEL_ATTEMPT_TIMEOUT_SECONDS", 300)) * time.Second,
		CheckpointKeep:  getEnvAsIntOrDefault("CHECKPOINT_KEEP", 5),
		CheckpointFlush: time.Duration(getEnvAsIntOrDefault("CHECKPOINT_FLUSH_SECONDS", 10)) * time.Second,
		RedisURL:        getEnvOrDefault("REDIS_URL", ""),
		DatabaseURL:     getEnvOrDefault("DATABASE_URL", ""),
		LogLevel:        getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       getEnvOrDefault("LOG_FORMAT", "text"),
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel(cfg.Provider)
	}

	return cfg
}

func defaultModel(provider string) string {
	if provider == ProviderOpenAI {
		return "gpt-4o-mini"
	}
	return "gemini-2.5-flash"
}

// Validate reports configuration that cannot work. Credentials are only
// required when the command will call the model.
func (c *Config) Validate(needsModel bool) error {
	switch c.Provider {
	case ProviderGemini, ProviderOpenAI:
	default:
		return fmt.Errorf("unknown provider %q (want %s or %s)", c.Provider, ProviderGemini, ProviderOpenAI)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.QuestionCount < 1 {
		return fmt.Errorf("question count must be at least 1, got %d", c.QuestionCount)
	}
	if !needsModel {
		return nil
	}
	if c.Provider == ProviderGemini && c.GeminiAPIKey == "" {
		return fmt.Errorf("%w: GEMINI_API_KEY is not set", ErrMissingCredential)
	}
	if c.Provider == ProviderOpenAI && c.OpenAIAPIKey == "" {
		return fmt.Errorf("%w: OPENAI_API_KEY is not set", ErrMissingCredential)
	}
	return nil
}

func getEnvOrDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvAsIntOrDefault(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvAsFloatOrDefault(key string, defaultVal float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultVal
	}
	return f
}
