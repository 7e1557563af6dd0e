package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfigFrom("testdata/does-not-exist.env")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, StoreMemory, cfg.Store.Backend)
	assert.Equal(t, 4, cfg.Runner.Concurrency)
	assert.Equal(t, 3, cfg.Runner.MaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.Runner.JobTimeout)
	assert.Equal(t, ProviderMock, cfg.Provider.Default)
	assert.Equal(t, []string{ProviderMock}, cfg.Provider.Enabled)
	assert.False(t, cfg.Runner.StrictTransitions)
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("STORE_BACKEND", "Redis")
	t.Setenv("REDIS_RETENTION", "72h")
	t.Setenv("RUNNER_CONCURRENCY", "8")
	t.Setenv("RUNNER_STRICT_TRANSITIONS", "true")
	t.Setenv("PROVIDERS_ENABLED", "mock, openai")
	t.Setenv("PROVIDER_DEFAULT", "openai")
	t.Setenv("MOCK_PROVIDER_LATENCY", "10ms")

	cfg, err := LoadConfigFrom("testdata/does-not-exist.env")
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, StoreRedis, cfg.Store.Backend)
	assert.Equal(t, 72*time.Hour, cfg.Store.Redis.Retention)
	assert.Equal(t, 8, cfg.Runner.Concurrency)
	assert.True(t, cfg.Runner.StrictTransitions)
	assert.Equal(t, []string{ProviderMock, ProviderOpenAI}, cfg.Provider.Enabled)
	assert.Equal(t, ProviderOpenAI, cfg.Provider.Default)
	assert.Equal(t, 10*time.Millisecond, cfg.Provider.Mock.Latency)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "unknown backend",
			env:  map[string]string{"STORE_BACKEND": "mongo"},
			want: "STORE_BACKEND",
		},
		{
			name: "zero concurrency",
			env:  map[string]string{"RUNNER_CONCURRENCY": "0"},
			want: "RUNNER_CONCURRENCY",
		},
		{
			name: "default provider not enabled",
			env:  map[string]string{"PROVIDER_DEFAULT": "openai"},
			want: "PROVIDER_DEFAULT",
		},
		{
			name: "unknown provider",
			env:  map[string]string{"PROVIDERS_ENABLED": "mock,apollo"},
			want: "apollo",
		},
		{
			name: "fail rate out of range",
			env:  map[string]string{"MOCK_PROVIDER_FAIL_RATE": "1.5"},
			want: "MOCK_PROVIDER_FAIL_RATE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfigFrom("testdata/does-not-exist.env")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPostgresConfig_URL(t *testing.T) {
	cfg := PostgresConfig{Host: "db", Port: "5432", Database: "crm", User: "app", Password: "secret", SSLMode: "disable"}
	assert.Equal(t, "postgres://app:secret@db:5432/crm?sslmode=disable", cfg.URL())
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_INT", "abc")
	t.Setenv("TEST_DURATION", "5s")
	t.Setenv("TEST_LIST", " a, ,B ")

	assert.Equal(t, 7, getEnvAsInt("TEST_INT", 7))
	assert.Equal(t, 5*time.Second, getEnvAsDuration("TEST_DURATION", time.Second))
	assert.Equal(t, []string{"a", "b"}, getEnvAsList("TEST_LIST", nil))
	assert.Equal(t, "fallback", getEnv("TEST_UNSET_KEY", "fallback"))
}
