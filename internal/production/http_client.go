package production

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type TokenProvider func(ctx context.Context) (string, error)

// StaticToken returns a provider that always yields token.
func StaticToken(token string) TokenProvider {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

type HTTPClientOptions struct {
	BaseURL       string
	TokenProvider TokenProvider
	HTTPClient    *http.Client
	UserAgent     string
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
}

type HTTPClient struct {
	baseURL       string
	tokenProvider TokenProvider
	httpClient    *http.Client
	userAgent     string
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
}

func NewHTTPClient(opts HTTPClientOptions) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = "planrelay"
	}
	return &HTTPClient{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     userAgent,
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
	}
}

type listResponse[T any] struct {
	Items []T `json:"items"`
}

func (c *HTTPClient) FindContactByEmail(ctx context.Context, email string) (Contact, error) {
	var out listResponse[Contact]
	path := "/v1/contacts?email=" + url.QueryEscape(strings.TrimSpace(email))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return Contact{}, err
	}
	for _, contact := range out.Items {
		if strings.EqualFold(contact.Email, strings.TrimSpace(email)) {
			return contact, nil
		}
	}
	return Contact{}, ErrNotFound
}

func (c *HTTPClient) CreateContact(ctx context.Context, contact NewContact) (Contact, error) {
	var out Contact
	if err := c.do(ctx, http.MethodPost, "/v1/contacts", contact, &out); err != nil {
		return Contact{}, err
	}
	return out, nil
}

func (c *HTTPClient) FindPlanByReference(ctx context.Context, externalReference string) (Plan, error) {
	var out listResponse[Plan]
	path := "/v1/plans?externalReference=" + url.QueryEscape(externalReference)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return Plan{}, err
	}
	for _, plan := range out.Items {
		if plan.ExternalReference == externalReference {
			return plan, nil
		}
	}
	return Plan{}, ErrNotFound
}

func (c *HTTPClient) CreatePlan(ctx context.Context, plan NewPlan) (Plan, error) {
	var out Plan
	if err := c.do(ctx, http.MethodPost, "/v1/plans", plan, &out); err != nil {
		return Plan{}, err
	}
	return out, nil
}

func (c *HTTPClient) CreateTasks(ctx context.Context, planID string, tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}
	body := struct {
		Tasks []Task `json:"tasks"`
	}{Tasks: tasks}
	return c.do(ctx, http.MethodPost, "/v1/plans/"+url.PathEscape(planID)+"/tasks", body, nil)
}

func (c *HTTPClient) ListPlanTaskSequences(ctx context.Context, planID string) ([]int, error) {
	var out listResponse[Task]
	if err := c.do(ctx, http.MethodGet, "/v1/plans/"+url.PathEscape(planID)+"/tasks", nil, &out); err != nil {
		return nil, err
	}
	sequences := make([]int, 0, len(out.Items))
	for _, task := range out.Items {
		sequences = append(sequences, task.Sequence)
	}
	return sequences, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, payload, out any) error {
	if c == nil {
		return fmt.Errorf("production http client is nil")
	}
	if c.baseURL == "" {
		return fmt.Errorf("production base url is required")
	}
	token := ""
	if c.tokenProvider != nil {
		t, err := c.tokenProvider(ctx)
		if err != nil {
			return err
		}
		token = strings.TrimSpace(t)
	}
	var bodyBytes []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		bodyBytes = encoded
	}
	correlationID := "planrelay_" + uuid.NewString()

	for attempt := 0; ; attempt++ {
		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
			// One key per logical call, shared by its retries.
			req.Header.Set("Idempotency-Key", correlationID)
		}
		req.Header.Set("X-Correlation-Id", correlationID)
		req.Header.Set("User-Agent", c.userAgent)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
				return nil
			}
			return json.Unmarshal(respBody, out)
		}
		if resp.StatusCode == http.StatusNotFound && method == http.MethodGet {
			return ErrNotFound
		}
		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		httpErr := &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		var parsed struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &parsed) == nil {
			httpErr.Code = parsed.Code
			if strings.TrimSpace(parsed.Message) != "" {
				httpErr.Message = parsed.Message
			}
		}
		return httpErr
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
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
