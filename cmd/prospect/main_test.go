package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/crm-prospector/internal/api"
	"github.com/crm-prospector/internal/job"
	"github.com/crm-prospector/internal/provider"
	"github.com/crm-prospector/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) string {
	store := storage.NewMemoryStore()
	reg, err := provider.NewRegistry("mock", provider.NewMockSearcher(0, 0))
	require.NoError(t, err)
	jobs := job.NewProspectJobService(store, reg, job.Options{MaxAttempts: 1})
	srv := httptest.NewServer(api.NewServer(&api.ServerConfig{RateLimitRPS: 1000, RateLimitBurst: 1000}, jobs, store).Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = jobs.Shutdown(ctx)
	})
	return srv.URL
}

func runCLI(t *testing.T, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var buf bytes.Buffer
	app := newApp()
	app.Writer = &buf
	err := app.Run(ctx, append([]string{"prospect"}, args...))
	return buf.String(), err
}

func TestParseFilters(t *testing.T) {
	filters, err := parseFilters([]string{"country=India", "minEmployees = 50", "remote=true"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"country": "India", "minEmployees": float64(50), "remote": true}, filters)

	filters, err = parseFilters(nil)
	require.NoError(t, err)
	assert.Nil(t, filters)

	_, err = parseFilters([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseFilters([]string{"=x"})
	assert.Error(t, err)
}

func TestRunCommand(t *testing.T) {
	url := newTestServer(t)

	output, err := runCLI(t, "--server", url, "run", "--prompt", "Mid-market manufacturers in India", "--size", "5", "--filter", "country=India")
	require.NoError(t, err)
	assert.Contains(t, output, "queued")
	assert.Contains(t, output, "Starting provider query")
	assert.Contains(t, output, "Found 5 leads")
	assert.Contains(t, output, "showing 1-5 of 5")
	assert.Contains(t, output, "India")
}

func TestCreateAndStatusCommands(t *testing.T) {
	url := newTestServer(t)

	output, err := runCLI(t, "--server", url, "--json", "create", "--prompt", "buyers")
	require.NoError(t, err)
	assert.Contains(t, output, `"status": "queued"`)

	start := strings.Index(output, `"id": "`) + len(`"id": "`)
	id := output[start : start+36]

	output, err = runCLI(t, "--server", url, "events", "--follow", id)
	require.NoError(t, err)
	assert.Contains(t, output, "job "+id+" completed")

	output, err = runCLI(t, "--server", url, "status", id)
	require.NoError(t, err)
	assert.Contains(t, output, "completed")
}

func TestCommandErrors(t *testing.T) {
	url := newTestServer(t)

	_, err := runCLI(t, "--server", url, "status")
	assert.ErrorContains(t, err, "missing <job-id>")

	_, err = runCLI(t, "--server", url, "status", "unknown-job")
	assert.ErrorContains(t, err, "NOT_FOUND")

	_, err = runCLI(t, "--server", url, "create", "--prompt", "   ")
	assert.ErrorContains(t, err, "INVALID_PARAMETER")
}
