package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crm-prospector/internal/api"
	"github.com/crm-prospector/internal/job"
	"github.com/crm-prospector/internal/models"
	"github.com/crm-prospector/internal/provider"
	"github.com/crm-prospector/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestAPI serves the real API over an in-memory store and the mock provider
func newTestAPI(t *testing.T, wrap func(http.Handler) http.Handler) *httptest.Server {
	store := storage.NewMemoryStore()
	reg, err := provider.NewRegistry("mock", provider.NewMockSearcher(20*time.Millisecond, 0))
	require.NoError(t, err)

	jobs := job.NewProspectJobService(store, reg, job.Options{Concurrency: 2, MaxAttempts: 1})
	server := api.NewServer(&api.ServerConfig{RateLimitRPS: 1000, RateLimitBurst: 1000}, jobs, store)

	var handler http.Handler = server.Handler()
	if wrap != nil {
		handler = wrap(handler)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = jobs.Shutdown(ctx)
	})
	return srv
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func fastWait(onEvent func(*models.Event)) *WaitOptions {
	return &WaitOptions{InitialInterval: 5 * time.Millisecond, MaxInterval: 20 * time.Millisecond, OnEvent: onEvent}
}

func TestClient_CreateAndWait(t *testing.T) {
	srv := newTestAPI(t, nil)
	c := New(srv.URL, WithIdentity("tenant-1", "user-1"))
	ctx := testContext(t)

	created, err := c.CreateJob(ctx, &models.ProspectRequest{Prompt: "Mid-market manufacturers in India", Size: 15})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, created.Status)

	var got []*models.Event
	final, err := c.WaitForJob(ctx, created.ID, fastWait(func(ev *models.Event) { got = append(got, ev) }))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, final.Status)
	require.NotNil(t, final.ResultSetID)

	// every event exactly once, in order, ending with the terminal one
	all, err := c.ListEvents(ctx, created.ID, nil)
	require.NoError(t, err)
	require.Len(t, got, len(all))
	for i := range all {
		assert.Equal(t, all[i].ID, got[i].ID)
	}
	assert.Equal(t, models.EventLevelSuccess, got[len(got)-1].Level)

	summary, err := c.GetImport(ctx, *final.ResultSetID)
	require.NoError(t, err)
	assert.Equal(t, 15, summary.Total)

	page, err := c.GetImportItems(ctx, *final.ResultSetID, 10, 10)
	require.NoError(t, err)
	assert.Len(t, page.Items, 5)
	assert.Equal(t, 15, page.Total)
}

func TestClient_ListEventsSince(t *testing.T) {
	srv := newTestAPI(t, nil)
	c := New(srv.URL)
	ctx := testContext(t)

	created, err := c.CreateJob(ctx, &models.ProspectRequest{Prompt: "x"})
	require.NoError(t, err)
	_, err = c.WaitForJob(ctx, created.ID, fastWait(nil))
	require.NoError(t, err)

	all, err := c.ListEvents(ctx, created.ID, nil)
	require.NoError(t, err)
	require.True(t, len(all) >= 2)

	tail, err := c.ListEvents(ctx, created.ID, &all[0].Timestamp)
	require.NoError(t, err)
	assert.Len(t, tail, len(all)-1)

	none, err := c.ListEvents(ctx, created.ID, &all[len(all)-1].Timestamp)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestClient_Errors(t *testing.T) {
	srv := newTestAPI(t, nil)
	c := New(srv.URL)
	ctx := testContext(t)

	_, err := c.CreateJob(ctx, &models.ProspectRequest{Prompt: "  "})
	require.Error(t, err)
	apiErr, ok := err.(*APIError)
	require.True(t, ok, "got %T", err)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "INVALID_PARAMETER", apiErr.Code)

	_, err = c.GetJob(ctx, "missing")
	assert.True(t, IsNotFound(err))

	_, err = c.WaitForJob(ctx, "missing", fastWait(nil))
	assert.True(t, IsNotFound(err))

	_, err = c.GetImportItems(ctx, "missing", 0, 0)
	assert.True(t, IsNotFound(err))
}

func TestClient_WaitRetriesTransientFailures(t *testing.T) {
	var failures atomic.Int32
	srv := newTestAPI(t, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/ai/prospect/jobs/") &&
				!strings.HasSuffix(r.URL.Path, "/events") && failures.Add(1) <= 2 {
				w.WriteHeader(http.StatusBadGateway)
				_, _ = w.Write([]byte("upstream hiccup"))
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	c := New(srv.URL)
	ctx := testContext(t)

	created, err := c.CreateJob(ctx, &models.ProspectRequest{Prompt: "x"})
	require.NoError(t, err)

	final, err := c.WaitForJob(ctx, created.ID, fastWait(nil))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, final.Status)
}

func TestClient_WaitHonorsContext(t *testing.T) {
	srv := newTestAPI(t, nil)
	c := New(srv.URL)

	created, err := c.CreateJob(testContext(t), &models.ProspectRequest{Prompt: "x"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.WaitForJob(ctx, created.ID, fastWait(nil))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDecodeAPIError(t *testing.T) {
	e := decodeAPIError(http.StatusNotFound, []byte(`{"error":{"code":"NOT_FOUND","message":"job not found: x","details":{"id":"x"}}}`))
	assert.Equal(t, "NOT_FOUND", e.Code)
	assert.Equal(t, "x", e.Details["id"])
	assert.Contains(t, e.Error(), "status=404")

	e = decodeAPIError(http.StatusBadGateway, nil)
	assert.Equal(t, "Bad Gateway", e.Message)
	assert.Empty(t, e.Code)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(&APIError{StatusCode: 503}))
	assert.True(t, isTransient(&APIError{StatusCode: 429}))
	assert.False(t, isTransient(&APIError{StatusCode: 404}))
	assert.False(t, isTransient(context.Canceled))
	assert.False(t, isTransient(nil))
}
