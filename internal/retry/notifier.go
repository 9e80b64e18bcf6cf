package retry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/agentworkforce/planrelay/internal/logging"
)

// Escalation describes a submission that exhausted its automatic retries.
type Escalation struct {
	SubmissionID   string    `json:"submissionId"`
	ReferenceID    string    `json:"referenceId"`
	SubmitterEmail string    `json:"submitterEmail"`
	Recipient      string    `json:"recipient,omitempty"`
	RetryCount     int       `json:"retryCount"`
	LastError      string    `json:"lastError,omitempty"`
	EscalatedAt    time.Time `json:"escalatedAt"`
}

type Notifier interface {
	NotifyExhausted(ctx context.Context, escalation Escalation) error
}

type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logging.Component(logger, "escalation")}
}

func (n *LogNotifier) NotifyExhausted(_ context.Context, e Escalation) error {
	n.logger.Error("submission retries exhausted",
		"submission_id", e.SubmissionID,
		"reference_id", e.ReferenceID,
		"recipient", e.Recipient,
		"retry_count", e.RetryCount,
		"last_error", e.LastError,
	)
	return nil
}

// WebhookNotifier POSTs each escalation as JSON.
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
}

func NewWebhookNotifier(url string, httpClient *http.Client) *WebhookNotifier {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{url: strings.TrimSpace(url), httpClient: httpClient}
}

func (n *WebhookNotifier) NotifyExhausted(ctx context.Context, e Escalation) error {
	if n.url == "" {
		return fmt.Errorf("webhook url is required")
	}
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-Id", "escalation_"+e.SubmissionID)
	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("escalation webhook failed: status=%d message=%s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

type multiNotifier []Notifier

// Multi fans an escalation out to every notifier and joins their errors.
func Multi(notifiers ...Notifier) Notifier {
	out := make(multiNotifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			out = append(out, n)
		}
	}
	return out
}

func (m multiNotifier) NotifyExhausted(ctx context.Context, e Escalation) error {
	var errs []error
	for _, n := range m {
		if err := n.NotifyExhausted(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
