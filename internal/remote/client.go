// Package remote is the HTTP client for the BuildRunner backend.
//
// Each mutation kind maps to one project-scoped endpoint. The backend is an
// opaque collaborator: this package knows nothing about plan or billing
// semantics, only how to deliver a mutation payload and classify the
// response. A version conflict on the plan path is decoded into a
// ConflictError so the queue can capture it instead of retrying blindly.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// DefaultTimeout bounds every request so a slow backend cannot stall the
// sequential queue loop indefinitely.
const DefaultTimeout = 30 * time.Second

// APIError wraps a non-2xx response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ConflictError reports a version conflict detected by the backend. It
// carries the backend's view so a three-way resolution is possible later.
type ConflictError struct {
	Entity   string          `json:"entity"`
	EntityID string          `json:"entity_id"`
	Base     json.RawMessage `json:"base,omitempty"`
	Remote   json.RawMessage `json:"remote,omitempty"`
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s %s", e.Entity, e.EntityID)
}

// Client talks to one BuildRunner backend with bearer auth.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client. A zero timeout falls back to DefaultTimeout.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// SyncPlan delivers a plan edit. A 409 response is decoded into a
// *ConflictError with the backend's base and remote snapshots.
func (c *Client) SyncPlan(ctx context.Context, projectID string, payload json.RawMessage) (json.RawMessage, error) {
	body, err := c.do(ctx, http.MethodPut, c.projectPath(projectID, "plan"), payload)
	if err != nil {
		if apiErr, ok := err.(*APIError); ok && apiErr.StatusCode == http.StatusConflict {
			return nil, decodeConflict("plan", apiErr)
		}
		return nil, err
	}
	return body, nil
}

// SyncMicrostep delivers a microstep update.
func (c *Client) SyncMicrostep(ctx context.Context, projectID string, payload json.RawMessage) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPut, c.projectPath(projectID, "microsteps"), payload)
}

// SyncSpec delivers a spec sync.
func (c *Client) SyncSpec(ctx context.Context, projectID string, payload json.RawMessage) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPut, c.projectPath(projectID, "spec"), payload)
}

// SyncState delivers a state update.
func (c *Client) SyncState(ctx context.Context, projectID string, payload json.RawMessage) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPut, c.projectPath(projectID, "state"), payload)
}

// AddComment delivers a new comment.
func (c *Client) AddComment(ctx context.Context, projectID string, payload json.RawMessage) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, c.projectPath(projectID, "comments"), payload)
}

// uploadPayload is the outbox payload shape for file_upload mutations.
type uploadPayload struct {
	Path string `json:"path"`
	Name string `json:"name,omitempty"`
}

// UploadFile delivers a file as a multipart POST. The payload names a local
// file path recorded at enqueue time.
func (c *Client) UploadFile(ctx context.Context, projectID string, payload json.RawMessage) (json.RawMessage, error) {
	var up uploadPayload
	if err := json.Unmarshal(payload, &up); err != nil {
		return nil, fmt.Errorf("failed to decode upload payload: %w", err)
	}
	if up.Path == "" {
		return nil, fmt.Errorf("upload payload missing file path")
	}
	name := up.Name
	if name == "" {
		name = filepath.Base(up.Path)
	}

	f, err := os.Open(up.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open upload file: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart form: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("failed to read upload file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize multipart form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+c.projectPath(projectID, "files"), &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.authorize(req)

	return c.send(req)
}

// HealthResult is the outcome of a backend reachability check.
type HealthResult struct {
	OK         bool
	StatusCode int
	Latency    time.Duration
	Err        string
}

// CheckHealth probes the backend health endpoint and reports latency and
// status. Transport errors are folded into the result, not returned.
func (c *Client) CheckHealth(ctx context.Context) HealthResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return HealthResult{Err: err.Error()}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	latency := time.Since(start)
	if err != nil {
		return HealthResult{Latency: latency, Err: err.Error()}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return HealthResult{
		OK:         resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode: resp.StatusCode,
		Latency:    latency,
	}
}

// BaseURL returns the configured backend address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) projectPath(projectID, suffix string) string {
	return fmt.Sprintf("/api/projects/%s/%s", url.PathEscape(projectID), suffix)
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// do issues a JSON request and returns the response body, or an *APIError
// for non-2xx responses.
func (c *Client) do(ctx context.Context, method, path string, payload json.RawMessage) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	return c.send(req)
}

func (c *Client) send(req *http.Request) (json.RawMessage, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	return json.RawMessage(data), nil
}

// decodeConflict turns a 409 body into a ConflictError. A malformed body
// still yields a ConflictError so the conflict is never mistaken for a
// transient failure.
func decodeConflict(entity string, apiErr *APIError) *ConflictError {
	ce := &ConflictError{Entity: entity}
	var body struct {
		EntityID string          `json:"entity_id"`
		Base     json.RawMessage `json:"base"`
		Remote   json.RawMessage `json:"remote"`
	}
	if err := json.Unmarshal([]byte(apiErr.Body), &body); err == nil {
		ce.EntityID = body.EntityID
		ce.Base = body.Base
		ce.Remote = body.Remote
	}
	return ce
}
