// Package client is a thin HTTP wrapper for the conversion backend's job API.
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// APIError is a decoded error response from the backend.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// IsAuthError reports whether err is an HTTP 401/403 API response.
func IsAuthError(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && (ae.Status == http.StatusUnauthorized || ae.Status == http.StatusForbidden)
}

// Client is a typed client for the job management endpoints.
type Client struct {
	URL        string
	HTTPClient *http.Client
	tracer     trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client (e.g. to share a cookie
// jar with the stream clients).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.HTTPClient = hc
		}
	}
}

// WithTracing enables an OpenTelemetry span per request.
func WithTracing() Option {
	return func(c *Client) {
		c.tracer = otel.Tracer("storeport/client")
	}
}

// New creates a client for the given API base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		URL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Job is a conversion job as returned by the API.
type Job struct {
	ID           string  `json:"id"`
	Status       string  `json:"status"`
	Progress     int     `json:"progress"`
	Message      string  `json:"message,omitempty"`
	SourceURL    string  `json:"source_url,omitempty"`
	Title        string  `json:"title,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`
	WordCount    int     `json:"word_count,omitempty"`
	ImageCount   int     `json:"image_count,omitempty"`
	ProductCount int     `json:"product_count,omitempty"`
	CreatedAt    *string `json:"created_at,omitempty"`
	StartedAt    *string `json:"started_at,omitempty"`
	CompletedAt  *string `json:"completed_at,omitempty"`
}

// ListOptions filters and paginates a job listing.
type ListOptions struct {
	Status  string
	Page    int
	PerPage int
}

// JobList is the response from the paginated job listing.
type JobList struct {
	Jobs    []Job `json:"jobs"`
	Total   int   `json:"total"`
	Page    int   `json:"page"`
	PerPage int   `json:"per_page"`
}

// ListJobs returns a page of jobs, optionally filtered by status.
func (c *Client) ListJobs(ctx context.Context, opts ListOptions) (*JobList, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.PerPage > 0 {
		q.Set("per_page", strconv.Itoa(opts.PerPage))
	}
	path := "/jobs/"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var result JobList
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetJob returns a job by ID.
func (c *Client) GetJob(ctx context.Context, id string) (*Job, error) {
	var job Job
	if err := c.doRequest(ctx, http.MethodGet, "/jobs/"+id, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// RetryJob re-enqueues a failed job.
func (c *Client) RetryJob(ctx context.Context, id string) error {
	return c.doRequest(ctx, http.MethodPost, "/jobs/"+id+"/retry", nil, nil)
}

// CancelJob cancels a pending or processing job.
func (c *Client) CancelJob(ctx context.Context, id string) error {
	return c.doRequest(ctx, http.MethodPost, "/jobs/"+id+"/cancel", nil, nil)
}

// DeleteJob removes a job and its converted output.
func (c *Client) DeleteJob(ctx context.Context, id string) error {
	return c.doRequest(ctx, http.MethodDelete, "/jobs/"+id, nil, nil)
}

// Download streams the converted export for a completed job. The caller owns
// the returned body.
func (c *Client) Download(ctx context.Context, id string) (io.ReadCloser, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL+"/jobs/"+id+"/download", nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, "", decodeAPIError(resp)
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, result interface{}) error {
	if c.tracer != nil {
		var span trace.Span
		ctx, span = c.tracer.Start(ctx, method+" "+path,
			trace.WithAttributes(
				attribute.String("http.method", method),
				attribute.String("http.path", path),
			))
		defer span.End()
		if err := c.do(ctx, method, path, body, result); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		return nil
	}
	return c.do(ctx, method, path, body, result)
}

func (c *Client) do(ctx context.Context, method, path string, body, result interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.URL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}

	if result != nil {
		return json.NewDecoder(resp.Body).Decode(result)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	json.Unmarshal(data, apiErr)
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}
