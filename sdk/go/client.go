package trainlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"trainline/internal/domain"
)

// Client is a minimal HTTP client for the learning, orchestrator and review
// APIs behind the gateway.
type Client struct {
	BaseURL     string
	TenantID    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, tenantID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		TenantID: tenantID,
		Timeout:  10 * time.Second,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d: %s", e.StatusCode, e.Message())
}

// Message returns the detail or message field of a JSON error body, falling
// back to a generic status line.
func (e *APIError) Message() string {
	var body struct {
		Detail  any    `json:"detail"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(e.Body), &body); err == nil {
		if s, ok := body.Detail.(string); ok && s != "" {
			return s
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return fmt.Sprintf("API Error: %d", e.StatusCode)
}

// ListSessions returns every session visible to the tenant.
func (c *Client) ListSessions(ctx context.Context) ([]domain.TrainingSession, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "api/learning/sessions", nil, &raw); err != nil {
		return nil, err
	}
	return decodeSessions(raw)
}

// CreateSession creates an empty session.
func (c *Client) CreateSession(ctx context.Context, name string) (domain.TrainingSession, error) {
	var resp domain.TrainingSession
	err := c.do(ctx, http.MethodPost, "api/learning/sessions", map[string]any{"name": name}, &resp)
	if resp.Rows == nil {
		resp.Rows = []domain.TrainingRow{}
	}
	return resp, err
}

func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "api/learning/sessions/"+url.PathEscape(id), nil, nil)
}

// UpdateSessionRows replaces the stored row set of a session.
func (c *Client) UpdateSessionRows(ctx context.Context, id string, rows []domain.TrainingRow) error {
	if rows == nil {
		rows = []domain.TrainingRow{}
	}
	endpoint := fmt.Sprintf("api/learning/sessions/%s/rows", url.PathEscape(id))
	return c.do(ctx, http.MethodPut, endpoint, map[string]any{"rows": rows}, nil)
}

// Presign asks the storage service for a one-shot upload URL.
func (c *Client) Presign(ctx context.Context, filename, contentType string) (domain.UploadTarget, error) {
	body := map[string]any{
		"filename":     filename,
		"content_type": contentType,
	}
	var resp domain.UploadTarget
	err := c.do(ctx, http.MethodPost, "api/learning/storage/presign", body, &resp)
	if err == nil && resp.UploadURL == "" {
		err = fmt.Errorf("presign: empty upload_url")
	}
	return resp, err
}

// Upload PUTs raw bytes to a presigned URL. No gateway headers are sent.
func (c *Client) Upload(ctx context.Context, uploadURL, contentType string, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	return nil
}

// DispatchJob submits rows for processing. Rows without a source link are
// not forwarded; ids and statuses of the rest are kept for tracking.
func (c *Client) DispatchJob(ctx context.Context, req domain.DispatchRequest) (domain.DispatchResponse, error) {
	if req.TenantID == "" {
		req.TenantID = c.TenantID
	}
	req.Rows = withSource(req.Rows)
	var resp domain.DispatchResponse
	err := c.do(ctx, http.MethodPost, "api/orchestrator/v1/training/train", req, &resp)
	return resp, err
}

// JobStatus fetches the current state of a dispatched job. Fields the backend
// spreads at the top level (alignment_stats, error) are folded into
// ResultSummary.
func (c *Client) JobStatus(ctx context.Context, jobID string) (domain.JobStatus, error) {
	var raw json.RawMessage
	endpoint := "api/orchestrator/v1/training/jobs/" + url.PathEscape(jobID)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &raw); err != nil {
		return domain.JobStatus{}, err
	}
	var st domain.JobStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return domain.JobStatus{}, fmt.Errorf("decode job status: %w", err)
	}
	var top map[string]any
	if err := json.Unmarshal(raw, &top); err == nil {
		for _, k := range []string{"alignment_stats", "error"} {
			v, ok := top[k]
			if !ok || v == nil {
				continue
			}
			if st.ResultSummary == nil {
				st.ResultSummary = map[string]any{}
			}
			if _, exists := st.ResultSummary[k]; !exists {
				st.ResultSummary[k] = v
			}
		}
	}
	if st.JobID == "" {
		st.JobID = jobID
	}
	return st, nil
}

// PendingReviews lists the human review queue of a tenant. An empty tenant
// means the client's own.
func (c *Client) PendingReviews(ctx context.Context, tenantID string) ([]domain.ReviewItem, error) {
	if tenantID == "" {
		tenantID = c.TenantID
	}
	var resp []domain.ReviewItem
	err := c.do(ctx, http.MethodGet, "api/review/pending/"+url.PathEscape(tenantID), nil, &resp)
	if resp == nil {
		resp = []domain.ReviewItem{}
	}
	return resp, err
}

func (c *Client) ResolveReview(ctx context.Context, req domain.ResolveReviewRequest) error {
	if !req.Decision.Valid() {
		return fmt.Errorf("invalid review decision %q", req.Decision)
	}
	return c.do(ctx, http.MethodPost, "api/review/resolve", req, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.TenantID != "" {
		req.Header.Set("X-Tenant-Id", c.TenantID)
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out == nil {
		return nil
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	return json.Unmarshal(b, out)
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c.HTTPClient
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

// decodeSessions accepts a bare array or an {items|sessions: [...]} wrapper.
func decodeSessions(raw json.RawMessage) ([]domain.TrainingSession, error) {
	out := []domain.TrainingSession{}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return out, nil
	}
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &out); err != nil {
			return nil, fmt.Errorf("decode sessions: %w", err)
		}
	} else {
		var wrapped struct {
			Items    []domain.TrainingSession `json:"items"`
			Sessions []domain.TrainingSession `json:"sessions"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, fmt.Errorf("decode sessions: %w", err)
		}
		out = append(out, wrapped.Items...)
		out = append(out, wrapped.Sessions...)
	}
	for i := range out {
		if out[i].Rows == nil {
			out[i].Rows = []domain.TrainingRow{}
		}
	}
	return out, nil
}

func withSource(rows []domain.TrainingRow) []domain.TrainingRow {
	out := make([]domain.TrainingRow, 0, len(rows))
	for _, r := range rows {
		if r.YtURL != "" {
			out = append(out, r)
		}
	}
	return out
}
