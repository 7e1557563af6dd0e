// Package config provides configuration management for the prospecting job service.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Provider kinds
const (
	ProviderMock   = "mock"
	ProviderOpenAI = "openai"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	Runner    RunnerConfig
	Provider  ProviderConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Logging   LoggingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// StoreConfig selects and configures the job store backend
type StoreConfig struct {
	Backend  string
	Postgres PostgresConfig
	Redis    RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	SSLMode        string
	MaxConnections int
	MigrationsPath string
}

// URL returns the connection URL used by golang-migrate
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
	KeyPrefix      string
	Retention      time.Duration // 0 keeps records until the keys are evicted
}

// RunnerConfig holds background runner configuration
type RunnerConfig struct {
	Concurrency       int
	JobTimeout        time.Duration
	MaxAttempts       int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	StrictTransitions bool
}

// ProviderConfig holds lead provider configuration
type ProviderConfig struct {
	Default string
	Enabled []string

	RequestsPerSecond float64
	Burst             int

	BreakerMaxFailures int
	BreakerTimeout     time.Duration

	Mock   MockProviderConfig
	OpenAI OpenAIConfig
}

// MockProviderConfig tunes the synthetic lead generator
type MockProviderConfig struct {
	Latency  time.Duration
	FailRate float64
}

// OpenAIConfig holds OpenAI configuration
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// RateLimitConfig holds API rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
}

// CORSConfig holds allowed origins
type CORSConfig struct {
	AllowedOrigins []string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	return LoadConfigFrom("")
}

// LoadConfigFrom loads configuration from the given .env file (or ".env"
// when empty) and the environment. A missing file is not an error.
func LoadConfigFrom(envFile string) (*Config, error) {
	var err error
	if envFile == "" {
		err = godotenv.Load()
	} else {
		err = godotenv.Load(envFile)
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 20*time.Second),
		},
		Store: StoreConfig{
			Backend: strings.ToLower(getEnv("STORE_BACKEND", StoreMemory)),
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "crm"),
				User:           getEnv("POSTGRES_USER", "crm"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				SSLMode:        getEnv("POSTGRES_SSLMODE", "disable"),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
				MigrationsPath: getEnv("POSTGRES_MIGRATIONS_PATH", "migrations/postgres"),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
				KeyPrefix:      getEnv("REDIS_KEY_PREFIX", "prospect"),
				Retention:      getEnvAsDuration("REDIS_RETENTION", 0),
			},
		},
		Runner: RunnerConfig{
			Concurrency:       getEnvAsInt("RUNNER_CONCURRENCY", 4),
			JobTimeout:        getEnvAsDuration("RUNNER_JOB_TIMEOUT", 2*time.Minute),
			MaxAttempts:       getEnvAsInt("RUNNER_MAX_ATTEMPTS", 3),
			RetryInitialDelay: getEnvAsDuration("RUNNER_RETRY_INITIAL_DELAY", 500*time.Millisecond),
			RetryMaxDelay:     getEnvAsDuration("RUNNER_RETRY_MAX_DELAY", 10*time.Second),
			StrictTransitions: getEnvAsBool("RUNNER_STRICT_TRANSITIONS", false),
		},
		Provider: ProviderConfig{
			Default:            strings.ToLower(getEnv("PROVIDER_DEFAULT", ProviderMock)),
			Enabled:            getEnvAsList("PROVIDERS_ENABLED", []string{ProviderMock}),
			RequestsPerSecond:  getEnvAsFloat("PROVIDER_RPS", 5),
			Burst:              getEnvAsInt("PROVIDER_BURST", 2),
			BreakerMaxFailures: getEnvAsInt("PROVIDER_BREAKER_MAX_FAILURES", 5),
			BreakerTimeout:     getEnvAsDuration("PROVIDER_BREAKER_TIMEOUT", 30*time.Second),
			Mock: MockProviderConfig{
				Latency:  getEnvAsDuration("MOCK_PROVIDER_LATENCY", 1500*time.Millisecond),
				FailRate: getEnvAsFloat("MOCK_PROVIDER_FAIL_RATE", 0),
			},
			OpenAI: OpenAIConfig{
				APIKey:  getEnv("OPENAI_API_KEY", ""),
				Model:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),
				BaseURL: getEnv("OPENAI_BASE_URL", ""),
				Timeout: getEnvAsDuration("OPENAI_TIMEOUT", 60*time.Second),
			},
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsInt("RATE_LIMIT_RPS", 20),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 40),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://127.0.0.1:3000"}),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot start with
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case StoreMemory, StorePostgres, StoreRedis:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q (want memory, postgres or redis)", c.Store.Backend)
	}

	if c.Runner.Concurrency <= 0 {
		return fmt.Errorf("RUNNER_CONCURRENCY must be positive, got %d", c.Runner.Concurrency)
	}
	if c.Runner.MaxAttempts <= 0 {
		return fmt.Errorf("RUNNER_MAX_ATTEMPTS must be positive, got %d", c.Runner.MaxAttempts)
	}
	if c.Runner.JobTimeout <= 0 {
		return fmt.Errorf("RUNNER_JOB_TIMEOUT must be positive, got %s", c.Runner.JobTimeout)
	}

	enabled := false
	for _, name := range c.Provider.Enabled {
		switch name {
		case ProviderMock, ProviderOpenAI:
		default:
			return fmt.Errorf("unknown provider %q in PROVIDERS_ENABLED", name)
		}
		if name == c.Provider.Default {
			enabled = true
		}
	}
	if !enabled {
		return fmt.Errorf("PROVIDER_DEFAULT %q is not listed in PROVIDERS_ENABLED", c.Provider.Default)
	}
	if c.Provider.Mock.FailRate < 0 || c.Provider.Mock.FailRate > 1 {
		return fmt.Errorf("MOCK_PROVIDER_FAIL_RATE must be within [0, 1], got %v", c.Provider.Mock.FailRate)
	}

	if c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma separated variable, dropping blanks
func getEnvAsList(key string, defaultValue []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
