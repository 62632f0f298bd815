// Package client talks to the vidfetch HTTP API on behalf of vidctl.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/vidfetch/pkg/models"
)

const apiPrefix = "/api/v1"

// SubmitRequest mirrors the body of POST /api/v1/jobs.
type SubmitRequest struct {
	URL      string              `json:"url"`
	Platform string              `json:"platform,omitempty"`
	Format   string              `json:"format,omitempty"`
	Priority int                 `json:"priority,omitempty"`
	Trim     *models.TrimRange   `json:"trim_range,omitempty"`
	Convert  *models.ConvertSpec `json:"convert,omitempty"`
}

// BatchItem is the per-item outcome of a batch submission.
type BatchItem struct {
	Index int         `json:"index"`
	Job   *models.Job `json:"job,omitempty"`
	Error *ItemError  `json:"error,omitempty"`
}

type ItemError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// ListOptions filters GET /api/v1/jobs. Zero values leave the server defaults.
type ListOptions struct {
	State    models.JobState
	Platform string
	Page     int
	Limit    int
}

type Meta struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasNext bool `json:"has_next"`
}

type JobPage struct {
	Jobs []*models.Job
	Meta Meta
}

type Stats struct {
	Queued        int                       `json:"queued"`
	Running       int                       `json:"running"`
	MaxConcurrent int                       `json:"max_concurrent"`
	Platforms     map[string]*PlatformStats `json:"platforms"`
	Owner         *OwnerStats               `json:"owner,omitempty"`
}

type PlatformStats struct {
	Queued      int     `json:"queued"`
	Running     int     `json:"running"`
	Succeeded   int     `json:"succeeded"`
	Failed      int     `json:"failed"`
	Cancelled   int     `json:"cancelled"`
	SuccessRate float64 `json:"success_rate"`
}

type OwnerStats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

type Health struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

// Client is a vidfetch API client authenticated with one API key.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	// stream has no overall timeout; event streams and downloads are bounded
	// by the caller's context instead.
	stream *http.Client

	reconnectWait time.Duration
	maxReconnects uint64
}

// New creates a client for the server at baseURL.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		apiKey:        apiKey,
		client:        &http.Client{Timeout: timeout},
		stream:        &http.Client{},
		reconnectWait: time.Second,
		maxReconnects: 5,
	}
}

func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if _, err := c.do(ctx, http.MethodGet, "/health", nil, nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*models.Job, error) {
	var job models.Job
	if _, err := c.do(ctx, http.MethodPost, "/jobs", nil, req, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// SubmitBatch admits several jobs in one request. Items fail independently;
// only a rejection of the whole batch returns an error.
func (c *Client) SubmitBatch(ctx context.Context, reqs []SubmitRequest) ([]BatchItem, error) {
	body := struct {
		Jobs []SubmitRequest `json:"jobs"`
	}{Jobs: reqs}
	var items []BatchItem
	if _, err := c.do(ctx, http.MethodPost, "/jobs/batch", nil, body, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (c *Client) Job(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var job models.Job
	if _, err := c.do(ctx, http.MethodGet, "/jobs/"+id.String(), nil, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) Jobs(ctx context.Context, opts ListOptions) (*JobPage, error) {
	q := url.Values{}
	if opts.State != "" {
		q.Set("state", string(opts.State))
	}
	if opts.Platform != "" {
		q.Set("platform", opts.Platform)
	}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}

	page := &JobPage{}
	meta, err := c.do(ctx, http.MethodGet, "/jobs", q, nil, &page.Jobs)
	if err != nil {
		return nil, err
	}
	if meta != nil {
		page.Meta = *meta
	}
	return page, nil
}

// Cancel asks the server to cancel a job. The returned job is already
// cancelled when it was queued; a running job reports CancelRequested and
// stops asynchronously.
func (c *Client) Cancel(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var job models.Job
	if _, err := c.do(ctx, http.MethodDelete, "/jobs/"+id.String(), nil, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	if _, err := c.do(ctx, http.MethodGet, "/stats", nil, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Failures returns the server's grouping of failed jobs, most frequent first.
// An empty platform or a zero limit leaves the server defaults.
func (c *Client) Failures(ctx context.Context, platform string, limit int) ([]models.FailureCluster, error) {
	q := url.Values{}
	if platform != "" {
		q.Set("platform", platform)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var clusters []models.FailureCluster
	if _, err := c.do(ctx, http.MethodGet, "/stats/failures", q, nil, &clusters); err != nil {
		return nil, err
	}
	return clusters, nil
}

// Download copies a finished job's artifact to w and returns the file name
// the server suggested and the number of bytes written.
func (c *Client) Download(ctx context.Context, id uuid.UUID, w io.Writer) (string, int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/jobs/"+id.String()+"/file", nil, nil)
	if err != nil {
		return "", 0, err
	}
	resp, err := c.stream.Do(req)
	if err != nil {
		return "", 0, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, decodeError(resp)
	}

	name := id.String()
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		name = params["filename"]
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return name, n, fmt.Errorf("reading artifact: %w", err)
	}
	return name, n, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	u := c.baseURL + apiPrefix + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		rdr = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

type envelope struct {
	Data json.RawMessage `json:"data"`
	Meta *Meta           `json:"meta"`
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details any    `json:"details"`
	} `json:"error"`
}

// do sends one API request and decodes the data field of the response
// envelope into out. Collection responses also return their pagination meta.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) (*Meta, error) {
	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, decodeError(resp)
	}
	if resp.StatusCode == http.StatusNoContent || out == nil {
		return nil, nil
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return nil, fmt.Errorf("decoding response data: %w", err)
	}
	return env.Meta, nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var env errorEnvelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env); err == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	if apiErr.Code == "" {
		apiErr.Code = strings.ToUpper(strings.ReplaceAll(http.StatusText(resp.StatusCode), " ", "_"))
	}
	return apiErr
}
