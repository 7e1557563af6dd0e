// Package client is a typed HTTP client for the prospecting job API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/crm-prospector/internal/models"
)

// APIError is a non-2xx response decoded from the error envelope
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api error: status=%d, %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api error: status=%d, code=%s, %s", e.StatusCode, e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 from the API
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// isTransient reports whether a request may succeed if repeated unchanged
func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError
	}
	// transport failures
	return true
}

// Client calls the job API
type Client struct {
	baseURL    string
	httpClient *http.Client
	tenantID   string
	userID     string
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithIdentity sends X-Tenant-ID and X-User-ID on every request
func WithIdentity(tenantID, userID string) Option {
	return func(c *Client) {
		c.tenantID = tenantID
		c.userID = userID
	}
}

// New creates a client for the API rooted at baseURL, e.g. http://localhost:8080
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateJob submits a prospecting request. The returned job is queued.
func (c *Client) CreateJob(ctx context.Context, req *models.ProspectRequest) (*models.Job, error) {
	var job models.Job
	if err := c.do(ctx, http.MethodPost, "/api/ai/prospect/jobs", nil, req, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJob returns the job's current snapshot
func (c *Client) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := c.do(ctx, http.MethodGet, "/api/ai/prospect/jobs/"+url.PathEscape(id), nil, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListEvents returns the job's events strictly newer than since, or all of
// them when since is nil
func (c *Client) ListEvents(ctx context.Context, id string, since *time.Time) ([]*models.Event, error) {
	query := url.Values{}
	if since != nil {
		query.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	var events []*models.Event
	if err := c.do(ctx, http.MethodGet, "/api/ai/prospect/jobs/"+url.PathEscape(id)+"/events", query, nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// GetImport returns an import's summary
func (c *Client) GetImport(ctx context.Context, id string) (*models.ResultSetSummary, error) {
	var summary models.ResultSetSummary
	if err := c.do(ctx, http.MethodGet, "/api/leads/imports/"+url.PathEscape(id), nil, nil, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// GetImportItems returns one page of an import. Zero limit lets the server
// pick its default.
func (c *Client) GetImportItems(ctx context.Context, id string, limit, offset int) (*models.ResultSetPage, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		query.Set("offset", strconv.Itoa(offset))
	}
	var page models.ResultSetPage
	if err := c.do(ctx, http.MethodGet, "/api/leads/imports/"+url.PathEscape(id)+"/items", query, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Health returns the server's health document
func (c *Client) Health(ctx context.Context) (map[string]interface{}, error) {
	var body map[string]interface{}
	if err := c.do(ctx, http.MethodGet, "/health", nil, nil, &body); err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out interface{}) error {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tenantID != "" {
		req.Header.Set("X-Tenant-ID", c.tenantID)
	}
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func decodeAPIError(status int, raw []byte) *APIError {
	var envelope struct {
		Error struct {
			Code    string                 `json:"code"`
			Message string                 `json:"message"`
			Details map[string]interface{} `json:"details"`
		} `json:"error"`
	}
	apiErr := &APIError{StatusCode: status}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Code != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Details = envelope.Error.Details
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(raw))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}
