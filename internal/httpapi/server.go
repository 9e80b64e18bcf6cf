package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/planrelay/internal/events"
	"github.com/agentworkforce/planrelay/internal/intake"
	"github.com/agentworkforce/planrelay/internal/logging"
	"github.com/agentworkforce/planrelay/internal/metrics"
	"github.com/agentworkforce/planrelay/internal/pipeline"
	"github.com/agentworkforce/planrelay/internal/staging"
)

// DevJWTSecret signs tokens when no secret is configured.
const DevJWTSecret = "dev-secret"

var errFilterNotBool = errors.New("filter must evaluate to a bool")

// Backend is the set of pipeline operations the HTTP surface exposes.
type Backend interface {
	Accept(ctx context.Context, body []byte, identity string) (string, error)
	Status(ctx context.Context, referenceID string) (pipeline.StatusView, error)
	Detail(ctx context.Context, referenceID string) (pipeline.Detail, error)
	ListSubmissions(ctx context.Context, filter staging.SubmissionFilter) ([]staging.Submission, error)
	Metrics(ctx context.Context, q metrics.Query) (metrics.Snapshot, error)
	ProcessPendingNow(ctx context.Context) (int, error)
	RetryFailedNow(ctx context.Context) (int, error)
	Feed() *events.Feed
}

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          *slog.Logger
	Now             func() time.Time
}

type Server struct {
	backend     Backend
	cfg         ServerConfig
	logger      *slog.Logger
	now         func() time.Time
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
	pruneAt time.Time
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

// SubmissionFeed is one page of a dashboard list.
type SubmissionFeed struct {
	Items      []staging.Submission `json:"items"`
	NextCursor *string              `json:"nextCursor,omitempty"`
}

type acceptResponse struct {
	Success     bool   `json:"success"`
	ReferenceID string `json:"referenceId"`
}

type triggerResponse struct {
	Enqueued int `json:"enqueued"`
}

func NewServer(backend Backend, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = DevJWTSecret
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		backend:     backend,
		cfg:         cfg,
		logger:      logging.Component(cfg.Logger, "httpapi"),
		now:         now,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	if parts[1] == "submissions" {
		if !s.allowPublic(w, r, correlationID) {
			return
		}
		switch {
		case len(parts) == 2 && r.Method == http.MethodPost:
			s.handleSubmit(w, r, correlationID)
		case len(parts) == 3 && r.Method == http.MethodGet:
			s.handleStatus(w, r, parts[2], correlationID)
		default:
			writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		}
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 3 && parts[1] == "dashboard" && parts[2] == "metrics" && r.Method == http.MethodGet:
		requiredScope = ScopeDashboardRead
		route = "metrics"
	case len(parts) == 3 && parts[1] == "dashboard" && parts[2] == "submissions" && r.Method == http.MethodGet:
		requiredScope = ScopeDashboardRead
		route = "submissions"
	case len(parts) == 3 && parts[1] == "dashboard" && parts[2] == "failed" && r.Method == http.MethodGet:
		requiredScope = ScopeDashboardRead
		route = "failed"
	case len(parts) == 4 && parts[1] == "dashboard" && parts[2] == "submissions" && r.Method == http.MethodGet:
		requiredScope = ScopeDashboardRead
		route = "detail"
	case len(parts) == 3 && parts[1] == "dashboard" && parts[2] == "stream" && r.Method == http.MethodGet:
		requiredScope = ScopeDashboardRead
		route = "stream"
	case len(parts) == 3 && parts[1] == "admin" && parts[2] == "process-pending" && r.Method == http.MethodPost:
		requiredScope = ScopeAdminTrigger
		route = "process_pending"
	case len(parts) == 3 && parts[1] == "admin" && parts[2] == "retry-failed" && r.Method == http.MethodPost:
		requiredScope = ScopeAdminTrigger
		route = "retry_failed"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" && route == "stream" {
		// Browsers cannot set headers on a websocket upgrade.
		if token := r.URL.Query().Get("access_token"); token != "" {
			authHeader = "Bearer " + token
		}
	}
	claims, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, requiredScope, s.now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}

	switch route {
	case "metrics":
		s.handleMetrics(w, r, correlationID)
	case "submissions":
		s.handleList(w, r, nil, correlationID)
	case "failed":
		s.handleList(w, r, []staging.Status{staging.StatusFailed}, correlationID)
	case "detail":
		s.handleDetail(w, r, parts[3], correlationID)
	case "stream":
		s.handleStream(w, r, correlationID)
	case "process_pending":
		s.handleTrigger(w, r, claims, "process-pending", s.backend.ProcessPendingNow, correlationID)
	case "retry_failed":
		s.handleTrigger(w, r, claims, "retry-failed", s.backend.RetryFailedNow, correlationID)
	}
}

func (s *Server) allowPublic(w http.ResponseWriter, r *http.Request, correlationID string) bool {
	if s.rateLimiter == nil {
		return true
	}
	if s.rateLimiter.allow(clientIP(r), s.now().UTC()) {
		return true
	}
	retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
	return false
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	referenceID, err := s.backend.Accept(r.Context(), body, "")
	if err != nil {
		var reject *intake.RejectError
		if !errors.As(err, &reject) {
			s.writeInternal(w, "accept submission", err, correlationID)
			return
		}
		switch reject.Reason {
		case intake.ReasonRateLimited:
			now := s.now().UTC()
			wait := staging.RateBucket(now).Add(time.Hour).Sub(now)
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeError(w, http.StatusTooManyRequests, string(reject.Reason), reject.Message, correlationID)
		case intake.ReasonDuplicate:
			writeError(w, http.StatusConflict, string(reject.Reason), reject.Message, correlationID)
		default:
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"code":          string(reject.Reason),
				"message":       reject.Message,
				"field":         reject.Field,
				"correlationId": correlationID,
			})
		}
		return
	}
	writeJSON(w, http.StatusAccepted, acceptResponse{Success: true, ReferenceID: referenceID})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, referenceID, correlationID string) {
	view, err := s.backend.Status(r.Context(), referenceID)
	if err != nil {
		if errors.Is(err, staging.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "submission not found", correlationID)
			return
		}
		s.writeInternal(w, "submission status", err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request, correlationID string) {
	query := r.URL.Query()
	since, err := parseOptionalTime(query.Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid since", correlationID)
		return
	}
	until, err := parseOptionalTime(query.Get("until"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid until", correlationID)
		return
	}
	granularity, ok := metrics.ParseGranularity(query.Get("granularity"))
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "granularity must be hour, day, week or month", correlationID)
		return
	}
	snap, err := s.backend.Metrics(r.Context(), metrics.Query{Since: since, Until: until, Granularity: granularity})
	if err != nil {
		if errors.Is(err, staging.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return
		}
		s.writeInternal(w, "compute metrics", err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleList pages submissions newest first. The cursor is the store offset
// after the last submission scanned, so CEL filtering stays stable across
// pages.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request, fixed []staging.Status, correlationID string) {
	query := r.URL.Query()
	limit := parseBoundedInt(query.Get("limit"), 50, 1, 500)
	offset, err := parseOptionalBoundedInt(query.Get("cursor"), 0, 0, math.MaxInt32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid cursor", correlationID)
		return
	}
	statuses := fixed
	if statuses == nil && strings.TrimSpace(query.Get("status")) != "" {
		for _, raw := range strings.Split(query.Get("status"), ",") {
			status, ok := staging.ParseStatus(raw)
			if !ok {
				writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown status %q", strings.TrimSpace(raw)), correlationID)
				return
			}
			statuses = append(statuses, status)
		}
	}
	since, err := parseOptionalTime(query.Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid since", correlationID)
		return
	}
	until, err := parseOptionalTime(query.Get("until"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid until", correlationID)
		return
	}
	match, err := newSubmissionFilter(query.Get("filter"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_filter", err.Error(), correlationID)
		return
	}

	pageSize := limit
	if match.enabled {
		pageSize = 200
	}
	filter := staging.SubmissionFilter{
		Statuses:    statuses,
		CreatedFrom: since,
		CreatedTo:   until,
		Order:       staging.OrderCreatedDesc,
		Limit:       pageSize,
		Offset:      offset,
	}
	now := s.now().UTC()
	items := []staging.Submission{}
	more := false
scan:
	for {
		page, err := s.backend.ListSubmissions(r.Context(), filter)
		if err != nil {
			s.writeInternal(w, "list submissions", err, correlationID)
			return
		}
		for i, sub := range page {
			filter.Offset++
			if !match.Match(sub, now) {
				continue
			}
			items = append(items, sub)
			if len(items) == limit {
				more = i < len(page)-1 || len(page) == pageSize
				break scan
			}
		}
		if len(page) < pageSize {
			break
		}
	}
	feed := SubmissionFeed{Items: items}
	if more {
		next := strconv.Itoa(filter.Offset)
		feed.NextCursor = &next
	}
	writeJSON(w, http.StatusOK, feed)
}

func (s *Server) handleDetail(w http.ResponseWriter, r *http.Request, referenceID, correlationID string) {
	detail, err := s.backend.Detail(r.Context(), referenceID)
	if err != nil {
		if errors.Is(err, staging.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "submission not found", correlationID)
			return
		}
		s.writeInternal(w, "submission detail", err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request, claims tokenClaims, name string, run func(context.Context) (int, error), correlationID string) {
	enqueued, err := run(r.Context())
	if err != nil {
		s.writeInternal(w, name, err, correlationID)
		return
	}
	s.logger.Info("manual trigger", "trigger", name, "operator", claims.Subject, "enqueued", enqueued, "correlation_id", correlationID)
	writeJSON(w, http.StatusAccepted, triggerResponse{Enqueued: enqueued})
}

func (s *Server) writeInternal(w http.ResponseWriter, op string, err error, correlationID string) {
	s.logger.Error(op+" failed", "error", err, "correlation_id", correlationID)
	writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return "corr_" + uuid.NewString()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.pruneLocked(now)
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

// pruneLocked drops expired windows, scanning at most once per window.
func (r *rateLimiter) pruneLocked(now time.Time) {
	if now.Before(r.pruneAt) {
		return
	}
	for key, entry := range r.entries {
		if now.After(entry.resetAt) {
			delete(r.entries, key)
		}
	}
	r.pruneAt = now.Add(r.window)
}

func parseOptionalTime(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, trimmed)
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

func parseOptionalBoundedInt(raw string, fallback, min, max int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, err
	}
	if parsed < min || parsed > max {
		return 0, fmt.Errorf("out of range")
	}
	return parsed, nil
}
