package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/crm-prospector/internal/job"
	"github.com/crm-prospector/internal/models"
	"github.com/crm-prospector/internal/provider"
	"github.com/crm-prospector/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unhealthyStore fails its health check
type unhealthyStore struct {
	storage.Store
}

func (s *unhealthyStore) Ping(ctx context.Context) error { return errors.New("connection refused") }

func testServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:           "localhost",
		Port:           "8080",
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    60 * time.Second,
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
		AllowedOrigins: []string{"http://localhost:3000"},
	}
}

// createTestServer wires a server to an in-memory store and a runner backed
// by the deterministic mock provider
func createTestServer(tb testing.TB) (*Server, storage.Store) {
	return createTestServerWith(tb, testServerConfig(), storage.NewMemoryStore())
}

func createTestServerWith(tb testing.TB, config *ServerConfig, store storage.Store) (*Server, storage.Store) {
	reg, err := provider.NewRegistry("mock", provider.NewMockSearcher(0, 0))
	require.NoError(tb, err)

	jobs := job.NewProspectJobService(store, reg, job.Options{Concurrency: 4, MaxAttempts: 1})
	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = jobs.Shutdown(ctx)
	})

	return NewServer(config, jobs, store), store
}

func doRequest(server *Server, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, _ := json.Marshal(b)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

// waitForTerminal polls the job endpoint until the job completes or fails
func waitForTerminal(t *testing.T, server *Server, id string) *models.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		w := doRequest(server, "GET", "/api/ai/prospect/jobs/"+id, nil, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var got models.Job
		decodeBody(t, w, &got)
		if got.Status.IsTerminal() {
			return &got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal status", id)
	return nil
}

// TestHealthEndpoint tests the health check endpoint
func TestHealthEndpoint(t *testing.T) {
	server, _ := createTestServer(t)

	w := doRequest(server, "GET", "/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response map[string]interface{}
	decodeBody(t, w, &response)

	if response["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got '%v'", response["status"])
	}
	assert.Equal(t, "crm-prospector", response["service"])
	assert.Equal(t, "memory", response["store"])
}

func TestHealthEndpoint_StoreDown(t *testing.T) {
	server, _ := createTestServerWith(t, testServerConfig(), &unhealthyStore{Store: storage.NewMemoryStore()})

	w := doRequest(server, "GET", "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var response map[string]interface{}
	decodeBody(t, w, &response)
	assert.Equal(t, "unhealthy", response["status"])
}

// TestCreateJob_Success tests that job creation returns immediately
func TestCreateJob_Success(t *testing.T) {
	server, _ := createTestServer(t)

	w := doRequest(server, "POST", "/api/ai/prospect/jobs", map[string]interface{}{
		"prompt": "Mid-market manufacturers in India",
		"size":   10,
	}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var created models.Job
	decodeBody(t, w, &created)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, models.JobStatusQueued, created.Status)
	assert.Nil(t, created.ResultSetID)
	assert.Equal(t, "/api/ai/prospect/jobs/"+created.ID, w.Header().Get("Location"))
}

// TestJobLifecycle_EndToEnd drives a job from creation to a paged import
func TestJobLifecycle_EndToEnd(t *testing.T) {
	server, _ := createTestServer(t)
	headers := map[string]string{HeaderTenantID: "tenant-1", HeaderUserID: "user-1"}

	w := doRequest(server, "POST", "/api/ai/prospect/jobs", map[string]interface{}{
		"prompt": "SaaS founders in Berlin",
		"size":   12,
	}, headers)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created models.Job
	decodeBody(t, w, &created)

	final := waitForTerminal(t, server, created.ID)
	require.Equal(t, models.JobStatusCompleted, final.Status)
	require.NotNil(t, final.ResultSetID)

	// Events: full log, then only the tail after a cursor
	w = doRequest(server, "GET", "/api/ai/prospect/jobs/"+created.ID+"/events", nil, headers)
	require.Equal(t, http.StatusOK, w.Code)
	var events []models.Event
	decodeBody(t, w, &events)
	require.Len(t, events, 4)
	assert.Equal(t, job.MsgQueued, events[0].Message)
	assert.Equal(t, models.EventLevelSuccess, events[3].Level)
	for i := 1; i < len(events); i++ {
		assert.True(t, events[i].Timestamp.After(events[i-1].Timestamp))
	}

	since := events[1].Timestamp.Format(time.RFC3339Nano)
	w = doRequest(server, "GET", "/api/ai/prospect/jobs/"+created.ID+"/events?since="+since, nil, headers)
	require.Equal(t, http.StatusOK, w.Code)
	var tail []models.Event
	decodeBody(t, w, &tail)
	require.Len(t, tail, 2)
	assert.Equal(t, events[2].ID, tail[0].ID)

	// Import summary and items
	w = doRequest(server, "GET", "/api/leads/imports/"+*final.ResultSetID, nil, headers)
	require.Equal(t, http.StatusOK, w.Code)
	var summary models.ResultSetSummary
	decodeBody(t, w, &summary)
	assert.Equal(t, 12, summary.Total)

	w = doRequest(server, "GET", "/api/leads/imports/"+*final.ResultSetID+"/items?limit=5&offset=10", nil, headers)
	require.Equal(t, http.StatusOK, w.Code)
	var page models.ResultSetPage
	decodeBody(t, w, &page)
	assert.Len(t, page.Items, 2)
	assert.Equal(t, 12, page.Total)
	assert.Equal(t, 5, page.Limit)
	assert.Equal(t, 10, page.Offset)
}

func TestGetJob_RepeatedReadsAreIdentical(t *testing.T) {
	server, _ := createTestServer(t)

	w := doRequest(server, "POST", "/api/ai/prospect/jobs", map[string]interface{}{"prompt": "buyers"}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var created models.Job
	decodeBody(t, w, &created)
	waitForTerminal(t, server, created.ID)

	first := doRequest(server, "GET", "/api/ai/prospect/jobs/"+created.ID, nil, nil).Body.String()
	second := doRequest(server, "GET", "/api/ai/prospect/jobs/"+created.ID, nil, nil).Body.String()
	assert.Equal(t, first, second)

	first = doRequest(server, "GET", "/api/ai/prospect/jobs/"+created.ID+"/events", nil, nil).Body.String()
	second = doRequest(server, "GET", "/api/ai/prospect/jobs/"+created.ID+"/events", nil, nil).Body.String()
	assert.Equal(t, first, second)
}

// TestCORSHeaders tests that CORS headers are only set for allowed origins
func TestCORSHeaders(t *testing.T) {
	server, _ := createTestServer(t)

	w := doRequest(server, "GET", "/health", nil, map[string]string{"Origin": "http://localhost:3000"})
	if w.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Error("Expected CORS headers to be set")
	}

	w = doRequest(server, "GET", "/health", nil, map[string]string{"Origin": "http://evil.example"})
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	w = doRequest(server, "OPTIONS", "/api/ai/prospect/jobs", nil, map[string]string{
		"Origin":                        "http://localhost:3000",
		"Access-Control-Request-Method": "POST",
	})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-Tenant-ID")
}

func TestRateLimit_PerTenant(t *testing.T) {
	config := testServerConfig()
	config.RateLimitRPS = 1
	config.RateLimitBurst = 1
	server, _ := createTestServerWith(t, config, storage.NewMemoryStore())

	tenantA := map[string]string{HeaderTenantID: "a"}
	tenantB := map[string]string{HeaderTenantID: "b"}

	w := doRequest(server, "GET", "/api/ai/prospect/jobs/missing", nil, tenantA)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(server, "GET", "/api/ai/prospect/jobs/missing", nil, tenantA)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	var resp ErrorResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", resp.Error.Code)

	w = doRequest(server, "GET", "/api/ai/prospect/jobs/missing", nil, tenantB)
	assert.Equal(t, http.StatusNotFound, w.Code, "tenants have separate buckets")

	w = doRequest(server, "GET", "/health", nil, tenantA)
	assert.Equal(t, http.StatusOK, w.Code, "health checks are not limited")
}
