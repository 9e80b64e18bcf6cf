// Package apiclient is a typed client for the planrelay HTTP surface, used by
// the operator commands of the CLI.
package apiclient

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

	"github.com/google/uuid"

	"github.com/agentworkforce/planrelay/internal/metrics"
	"github.com/agentworkforce/planrelay/internal/pipeline"
	"github.com/agentworkforce/planrelay/internal/staging"
)

var ErrNotFound = errors.New("not found")

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

type SubmissionPage struct {
	Items      []staging.Submission `json:"items"`
	NextCursor *string              `json:"nextCursor"`
}

type ListOptions struct {
	Statuses []staging.Status
	Since    time.Time
	Until    time.Time
	Filter   string
	Cursor   string
	Limit    int
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func New(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// Submit posts a raw submission payload and returns the reference id.
func (c *Client) Submit(ctx context.Context, payload []byte) (string, error) {
	var out struct {
		ReferenceID string `json:"referenceId"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/submissions", json.RawMessage(payload), &out); err != nil {
		return "", err
	}
	return out.ReferenceID, nil
}

func (c *Client) Status(ctx context.Context, referenceID string) (pipeline.StatusView, error) {
	var out pipeline.StatusView
	err := c.doJSON(ctx, http.MethodGet, "/v1/submissions/"+url.PathEscape(referenceID), nil, &out)
	return out, err
}

func (c *Client) Detail(ctx context.Context, referenceID string) (pipeline.Detail, error) {
	var out pipeline.Detail
	err := c.doJSON(ctx, http.MethodGet, "/v1/dashboard/submissions/"+url.PathEscape(referenceID), nil, &out)
	return out, err
}

func (c *Client) Metrics(ctx context.Context, q metrics.Query) (metrics.Snapshot, error) {
	query := url.Values{}
	if !q.Since.IsZero() {
		query.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	if !q.Until.IsZero() {
		query.Set("until", q.Until.UTC().Format(time.RFC3339))
	}
	if q.Granularity != "" {
		query.Set("granularity", string(q.Granularity))
	}
	var out metrics.Snapshot
	err := c.doJSON(ctx, http.MethodGet, withQuery("/v1/dashboard/metrics", query), nil, &out)
	return out, err
}

func (c *Client) ListSubmissions(ctx context.Context, opts ListOptions) (SubmissionPage, error) {
	return c.list(ctx, "/v1/dashboard/submissions", opts)
}

func (c *Client) ListFailed(ctx context.Context, opts ListOptions) (SubmissionPage, error) {
	opts.Statuses = nil
	return c.list(ctx, "/v1/dashboard/failed", opts)
}

func (c *Client) list(ctx context.Context, path string, opts ListOptions) (SubmissionPage, error) {
	query := url.Values{}
	if len(opts.Statuses) > 0 {
		statuses := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			statuses = append(statuses, string(status))
		}
		query.Set("status", strings.Join(statuses, ","))
	}
	if !opts.Since.IsZero() {
		query.Set("since", opts.Since.UTC().Format(time.RFC3339))
	}
	if !opts.Until.IsZero() {
		query.Set("until", opts.Until.UTC().Format(time.RFC3339))
	}
	if strings.TrimSpace(opts.Filter) != "" {
		query.Set("filter", opts.Filter)
	}
	if opts.Cursor != "" {
		query.Set("cursor", opts.Cursor)
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	var out SubmissionPage
	err := c.doJSON(ctx, http.MethodGet, withQuery(path, query), nil, &out)
	return out, err
}

// ProcessPending asks the server to dispatch every Pending submission.
func (c *Client) ProcessPending(ctx context.Context) (int, error) {
	return c.trigger(ctx, "/v1/admin/process-pending")
}

// RetryFailed asks the server to requeue failed submissions now.
func (c *Client) RetryFailed(ctx context.Context) (int, error) {
	return c.trigger(ctx, "/v1/admin/retry-failed")
}

func (c *Client) trigger(ctx context.Context, path string) (int, error) {
	var out struct {
		Enqueued int `json:"enqueued"`
	}
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &out); err != nil {
		return 0, err
	}
	return out.Enqueued, nil
}

func withQuery(path string, query url.Values) string {
	if len(query) == 0 {
		return path
	}
	return path + "?" + query.Encode()
}

// doJSON retries network errors and 5xx only for GETs; 429 is retried for
// every method since the server rejected the request before acting on it.
func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	idempotent := method == http.MethodGet
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", "cli_"+uuid.NewString())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if idempotent && attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		retryable := resp.StatusCode == http.StatusTooManyRequests || (idempotent && resp.StatusCode >= 500 && resp.StatusCode <= 599)
		if retryable && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
