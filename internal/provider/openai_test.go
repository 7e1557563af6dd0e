package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/crm-prospector/internal/config"
	apperrors "github.com/crm-prospector/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatCompletion(content string) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"created": 1700000000,
		"model":   "gpt-4o-mini",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
		"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 20, "total_tokens": 30},
	}
}

func newOpenAITestServer(t *testing.T, handler http.HandlerFunc) *OpenAISearcher {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	s, err := NewOpenAISearcher(config.OpenAIConfig{
		APIKey:  "test-key",
		Model:   "gpt-4o-mini",
		BaseURL: srv.URL + "/v1/",
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	return s
}

func TestOpenAISearcher_Search(t *testing.T) {
	var body map[string]any
	s := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatCompletion(
			`{"leads":[{"name":"Ada Lovelace","company":"Analytical","email":"ada@analytical.io","employeeCount":12}]}`,
		))
	})

	leads, err := s.Search(context.Background(), &SearchRequest{
		Prompt:  "founders",
		Size:    5,
		Filters: map[string]any{"country": "UK"},
	})
	require.NoError(t, err)
	require.Len(t, leads, 1)
	assert.Equal(t, "Ada Lovelace", leads[0].Name)
	assert.Equal(t, 12, leads[0].EmployeeCount)
	assert.Equal(t, "openai", leads[0].Source)

	assert.Equal(t, "gpt-4o-mini", body["model"])
	format, _ := body["response_format"].(map[string]any)
	assert.Equal(t, "json_object", format["type"])
	assert.Contains(t, string(mustJSON(t, body["messages"])), "country")
}

func TestOpenAISearcher_MalformedJSON(t *testing.T) {
	s := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatCompletion("not json"))
	})

	_, err := s.Search(context.Background(), &SearchRequest{Prompt: "x", Size: 5})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeProviderError, apperrors.Categorize(err).Code)
}

func TestOpenAISearcher_RateLimited(t *testing.T) {
	s := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit_exceeded","code":"rate_limit_exceeded"}}`))
	})

	_, err := s.Search(context.Background(), &SearchRequest{Prompt: "x", Size: 5})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeProviderRateLimit, apperrors.Categorize(err).Code)
	assert.True(t, apperrors.IsRetryable(err))
}

func TestNewOpenAISearcher_RequiresKey(t *testing.T) {
	_, err := NewOpenAISearcher(config.OpenAIConfig{})
	assert.ErrorIs(t, err, ErrAPIKeyNotSet)
}

func mustJSON(t *testing.T, v any) []byte {
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
