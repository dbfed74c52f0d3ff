// Package shellclient provides a small HTTP client for the shell's REST API.
package shellclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the shell REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// JobSubmission represents the payload required to enqueue a new job.
type JobSubmission struct {
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload,omitempty"`
	Owner       string         `json:"owner,omitempty"`
	MaxAttempts int            `json:"max_attempts,omitempty"`
}

// Job mirrors the server side job snapshot.
type Job struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload,omitempty"`
	Status      string         `json:"status"`
	Attempt     int            `json:"attempt"`
	MaxAttempts int            `json:"max_attempts"`
	Owner       string         `json:"owner_plugin_id,omitempty"`
	BatchID     string         `json:"batch_id,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
	ErrorCode   string         `json:"error_code,omitempty"`
	Result      any            `json:"result,omitempty"`
	CreatedAt   int64          `json:"created_at"`
	StartedAt   int64          `json:"started_at,omitempty"`
	FinishedAt  int64          `json:"finished_at,omitempty"`
}

// Terminal reports whether the job has finished in any way.
func (j Job) Terminal() bool {
	switch j.Status {
	case "succeeded", "failed", "cancelled":
		return true
	default:
		return false
	}
}

// Batch identifies a group of jobs enqueued together.
type Batch struct {
	ID        string   `json:"id"`
	JobIDs    []string `json:"job_ids"`
	CreatedAt int64    `json:"created_at"`
}

// BatchStatus is the aggregate view of a batch.
type BatchStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Jobs   []Job  `json:"jobs"`
}

// Stats aggregates job counts by status.
type Stats struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// PluginInfo mirrors the server side plugin listing.
type PluginInfo struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	LastError string `json:"last_error,omitempty"`
	Source    string `json:"source,omitempty"`
	Tools     int    `json:"tools"`
	Resources int    `json:"resources"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("shell api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("shell api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the shell API. When httpClient is nil,
// a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// EnqueueJob submits a new job for asynchronous execution.
func (c *Client) EnqueueJob(ctx context.Context, submission JobSubmission) (Job, error) {
	var j Job
	if err := c.post(ctx, "/api/v1/jobs", submission, &j); err != nil {
		return Job{}, err
	}
	return j, nil
}

// EnqueueBatch submits a group of jobs that are tracked together.
func (c *Client) EnqueueBatch(ctx context.Context, submissions []JobSubmission) (Batch, error) {
	var batch Batch
	payload := struct {
		Jobs []JobSubmission `json:"jobs"`
	}{Jobs: submissions}
	if err := c.post(ctx, "/api/v1/batches", payload, &batch); err != nil {
		return Batch{}, err
	}
	return batch, nil
}

// GetJob fetches a job snapshot by identifier.
func (c *Client) GetJob(ctx context.Context, jobID string) (Job, error) {
	var j Job
	if err := c.get(ctx, "/api/v1/jobs/"+url.PathEscape(jobID), &j); err != nil {
		return Job{}, err
	}
	return j, nil
}

// CancelJob requests cancellation of a queued or running job.
func (c *Client) CancelJob(ctx context.Context, jobID string) (Job, error) {
	var j Job
	if err := c.delete(ctx, "/api/v1/jobs/"+url.PathEscape(jobID), &j); err != nil {
		return Job{}, err
	}
	return j, nil
}

// GetBatchStatus fetches the aggregate status of a batch.
func (c *Client) GetBatchStatus(ctx context.Context, batchID string) (BatchStatus, error) {
	var status BatchStatus
	if err := c.get(ctx, "/api/v1/batches/"+url.PathEscape(batchID), &status); err != nil {
		return BatchStatus{}, err
	}
	return status, nil
}

// Stats fetches aggregate job counts.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/api/v1/jobs?stats=true", &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// ListPlugins fetches the loaded plugin inventory.
func (c *Client) ListPlugins(ctx context.Context) ([]PluginInfo, error) {
	var plugins []PluginInfo
	if err := c.get(ctx, "/api/v1/plugins", &plugins); err != nil {
		return nil, err
	}
	return plugins, nil
}

// WaitForJob polls the job until it reaches a terminal state or the context
// is cancelled.
func (c *Client) WaitForJob(ctx context.Context, jobID string, interval time.Duration) (Job, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		j, err := c.GetJob(ctx, jobID)
		if err != nil {
			return Job{}, err
		}
		if j.Terminal() {
			return j, nil
		}
		select {
		case <-ctx.Done():
			return j, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) delete(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	parsed.Path = path.Join(c.baseURL.Path, parsed.Path)
	u := c.baseURL.ResolveReference(parsed)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
