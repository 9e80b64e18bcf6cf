package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/planrelay/internal/config"
	"github.com/agentworkforce/planrelay/internal/metrics"
	"github.com/agentworkforce/planrelay/internal/pipeline"
	"github.com/agentworkforce/planrelay/internal/production"
	"github.com/agentworkforce/planrelay/internal/staging"
)

const testSecret = "test-secret"

type fixture struct {
	server   *Server
	pipeline *pipeline.Pipeline
	system   *production.MemorySystem
}

func newFixture(t *testing.T, mutate func(*config.Config), serverCfg ServerConfig) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.RateLimitPerHour = 100
	cfg.RetryBackoffBase = 0
	cfg.RetryBackoffMax = 0
	if mutate != nil {
		mutate(&cfg)
	}
	system := production.NewMemorySystem()
	p, err := pipeline.New(pipeline.Options{Config: cfg, Production: system})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	if serverCfg.JWTSecret == "" {
		serverCfg.JWTSecret = testSecret
	}
	return &fixture{server: NewServer(p, serverCfg), pipeline: p, system: system}
}

func submissionBody(email string, extra map[string]any) map[string]any {
	body := map[string]any{
		"submitterEmail": email,
		"submitterName":  "Dana Reyes",
		"tasks": []map[string]any{
			{"name": "Kickoff", "dueDateOffsetDays": 0, "required": true},
			{"name": "Review", "dueDateOffsetDays": 7, "required": false},
		},
	}
	for k, v := range extra {
		body[k] = v
	}
	return body
}

func (f *fixture) submit(t *testing.T, email string) string {
	t.Helper()
	resp := doRequest(t, f.server, request{method: http.MethodPost, path: "/v1/submissions", body: submissionBody(email, nil)})
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", resp.Code, resp.Body.String())
	}
	var accepted acceptResponse
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		t.Fatalf("decode accept response: %v", err)
	}
	if !accepted.Success || accepted.ReferenceID == "" {
		t.Fatalf("unexpected accept response %+v", accepted)
	}
	return accepted.ReferenceID
}

func (f *fixture) waitForStatus(t *testing.T, ref string, want staging.Status) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		view, err := f.pipeline.Status(context.Background(), ref)
		if err != nil {
			t.Fatalf("status %s: %v", ref, err)
		}
		if view.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("submission %s never reached %s", ref, want)
}

func bearer(t *testing.T, scopes ...string) map[string]string {
	t.Helper()
	return map[string]string{"Authorization": "Bearer " + mustTestJWT(t, testSecret, "ops@example.com", scopes, time.Now().Add(time.Hour))}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil, ServerConfig{})
	resp := doRequest(t, f.server, request{method: http.MethodGet, path: "/health"})
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), `"ok"`) {
		t.Fatalf("unexpected health response %d %s", resp.Code, resp.Body.String())
	}
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t, nil, ServerConfig{})
	for _, path := range []string{"/v1/dashboard/metrics", "/v1/dashboard/submissions", "/v1/dashboard/failed"} {
		resp := doRequest(t, f.server, request{method: http.MethodGet, path: path})
		if resp.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, resp.Code)
		}
	}
	resp := doRequest(t, f.server, request{method: http.MethodPost, path: "/v1/admin/process-pending"})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 on admin trigger, got %d", resp.Code)
	}
}

func TestScopeAndClaimsEnforced(t *testing.T) {
	f := newFixture(t, nil, ServerConfig{})

	readOnly := doRequest(t, f.server, request{method: http.MethodPost, path: "/v1/admin/retry-failed", headers: bearer(t, ScopeDashboardRead)})
	if readOnly.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without admin scope, got %d (%s)", readOnly.Code, readOnly.Body.String())
	}

	wrongAud := mustTestJWTWithAudience(t, testSecret, "ops@example.com", []string{ScopeDashboardRead}, "billing-service", time.Now().Add(time.Hour))
	resp := doRequest(t, f.server, request{method: http.MethodGet, path: "/v1/dashboard/metrics", headers: map[string]string{"Authorization": "Bearer " + wrongAud}})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 on wrong audience, got %d", resp.Code)
	}

	expired := mustTestJWT(t, testSecret, "ops@example.com", []string{ScopeDashboardRead}, time.Now().Add(-time.Minute))
	resp = doRequest(t, f.server, request{method: http.MethodGet, path: "/v1/dashboard/metrics", headers: map[string]string{"Authorization": "Bearer " + expired}})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 on expired token, got %d", resp.Code)
	}

	forged := mustTestJWT(t, "other-secret", "ops@example.com", []string{ScopeDashboardRead}, time.Now().Add(time.Hour))
	resp = doRequest(t, f.server, request{method: http.MethodGet, path: "/v1/dashboard/metrics", headers: map[string]string{"Authorization": "Bearer " + forged}})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 on bad signature, got %d", resp.Code)
	}

	issued, err := IssueToken(testSecret, "ops@example.com", []string{ScopeDashboardRead}, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	resp = doRequest(t, f.server, request{method: http.MethodGet, path: "/v1/dashboard/metrics", headers: map[string]string{"Authorization": "Bearer " + issued}})
	if resp.Code != http.StatusOK {
		t.Fatalf("issued token should be accepted, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestSubmitAndTrackStatus(t *testing.T) {
	f := newFixture(t, nil, ServerConfig{})
	ref := f.submit(t, "dana@example.com")
	f.waitForStatus(t, ref, staging.StatusSynced)

	resp := doRequest(t, f.server, request{method: http.MethodGet, path: "/v1/submissions/" + ref})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var view pipeline.StatusView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if view.ReferenceID != ref || view.Status != staging.StatusSynced || view.ProductionPlanID == "" {
		t.Fatalf("unexpected status view %+v", view)
	}
	if resp.Header().Get("X-Correlation-Id") == "" {
		t.Fatalf("expected a generated correlation id header")
	}

	missing := doRequest(t, f.server, request{method: http.MethodGet, path: "/v1/submissions/PLN-unknown"})
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown reference, got %d", missing.Code)
	}
}

func TestSubmitRejections(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.RateLimitPerHour = 1 }, ServerConfig{})

	invalid := doRequest(t, f.server, request{method: http.MethodPost, path: "/v1/submissions", body: map[string]any{
		"submitterEmail": "not-an-email",
		"submitterName":  "Dana",
		"tasks":          []map[string]any{{"name": "Kickoff"}},
	}})
	if invalid.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (%s)", invalid.Code, invalid.Body.String())
	}
	var payload map[string]any
	if err := json.NewDecoder(invalid.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if payload["code"] != "validation_failed" || payload["field"] != "submitterEmail" {
		t.Fatalf("unexpected validation body %+v", payload)
	}

	garbage := doRawRequest(t, f.server, rawRequest{method: http.MethodPost, path: "/v1/submissions", body: []byte("{not json")})
	if garbage.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed json, got %d", garbage.Code)
	}

	first := doRequest(t, f.server, request{method: http.MethodPost, path: "/v1/submissions", body: submissionBody("dana@example.com", map[string]any{"referenceId": "crm-4411"})})
	if first.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", first.Code, first.Body.String())
	}
	duplicate := doRequest(t, f.server, request{method: http.MethodPost, path: "/v1/submissions", body: submissionBody("lee@example.com", map[string]any{"referenceId": "crm-4411"})})
	if duplicate.Code != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate reference, got %d (%s)", duplicate.Code, duplicate.Body.String())
	}

	limited := doRequest(t, f.server, request{method: http.MethodPost, path: "/v1/submissions", body: submissionBody("dana@example.com", nil)})
	if limited.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for second submission in the hour, got %d (%s)", limited.Code, limited.Body.String())
	}
	if limited.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After on submitter rate limit")
	}
}

func TestSubmitBodyLimit(t *testing.T) {
	f := newFixture(t, nil, ServerConfig{MaxBodyBytes: 64})
	resp := doRequest(t, f.server, request{method: http.MethodPost, path: "/v1/submissions", body: submissionBody("dana@example.com", nil)})
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.Code)
	}
}

func TestPublicRateLimitByClientIP(t *testing.T) {
	f := newFixture(t, nil, ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	for i := 0; i < 2; i++ {
		resp := doRequest(t, f.server, request{method: http.MethodGet, path: "/v1/submissions/PLN-unknown"})
		if resp.Code != http.StatusNotFound {
			t.Fatalf("request %d should pass the limiter, got %d", i, resp.Code)
		}
	}
	denied := doRequest(t, f.server, request{method: http.MethodGet, path: "/v1/submissions/PLN-unknown"})
	if denied.Code != http.StatusTooManyRequests || denied.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected 429 with Retry-After 60, got %d %q", denied.Code, denied.Header().Get("Retry-After"))
	}

	other := httptest.NewRequest(http.MethodGet, "/v1/submissions/PLN-unknown", nil)
	other.RemoteAddr = "203.0.113.9:5555"
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, other)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("another client should have its own window, got %d", rec.Code)
	}

	dashboard := doRequest(t, f.server, request{method: http.MethodGet, path: "/v1/dashboard/metrics", headers: bearer(t, ScopeDashboardRead)})
	if dashboard.Code != http.StatusOK {
		t.Fatalf("operator routes are not behind the public limiter, got %d", dashboard.Code)
	}
}

func TestRateLimiterForgetsExpiredClients(t *testing.T) {
	limiter := &rateLimiter{window: time.Minute, max: 1, entries: map[string]rateEntry{}}
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 50; i++ {
		if !limiter.allow(fmt.Sprintf("198.51.100.%d", i), start) {
			t.Fatalf("first request from client %d should pass", i)
		}
	}
	if limiter.allow("198.51.100.0", start.Add(30*time.Second)) {
		t.Fatalf("client inside its window should be limited")
	}
	if len(limiter.entries) != 50 {
		t.Fatalf("expected 50 tracked clients, got %d", len(limiter.entries))
	}

	later := start.Add(2 * time.Minute)
	if !limiter.allow("203.0.113.7", later) {
		t.Fatalf("new client should pass")
	}
	if len(limiter.entries) != 1 {
		t.Fatalf("expired clients should be dropped, %d entries remain", len(limiter.entries))
	}
	if limiter.allow("203.0.113.7", later.Add(time.Second)) {
		t.Fatalf("surviving entry should still count")
	}
}

func TestDashboardListPagingAndFilter(t *testing.T) {
	f := newFixture(t, nil, ServerConfig{})
	emails := []string{"ana@example.com", "ben@example.com", "bob@example.com", "cat@example.com", "bea@example.com"}
	for _, email := range emails {
		f.waitForStatus(t, f.submit(t, email), staging.StatusSynced)
	}
	headers := bearer(t, ScopeDashboardRead)

	var seen []string
	path := "/v1/dashboard/submissions?limit=2"
	for pages := 0; ; pages++ {
		if pages > 5 {
			t.Fatalf("paging did not terminate")
		}
		resp := doRequest(t, f.server, request{method: http.MethodGet, path: path, headers: headers})
		if resp.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
		}
		var feed SubmissionFeed
		if err := json.NewDecoder(resp.Body).Decode(&feed); err != nil {
			t.Fatalf("decode feed: %v", err)
		}
		for _, item := range feed.Items {
			seen = append(seen, item.SubmitterEmail)
		}
		if feed.NextCursor == nil {
			break
		}
		path = "/v1/dashboard/submissions?limit=2&cursor=" + *feed.NextCursor
	}
	if len(seen) != len(emails) {
		t.Fatalf("expected %d submissions across pages, got %v", len(emails), seen)
	}

	filter := url.QueryEscape(`submitterEmail.startsWith("b") && status == "Synced"`)
	resp := doRequest(t, f.server, request{method: http.MethodGet, path: "/v1/dashboard/submissions?filter=" + filter, headers: headers})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 on filtered list, got %d (%s)", resp.Code, resp.Body.String())
	}
	var feed SubmissionFeed
	if err := json.NewDecoder(resp.Body).Decode(&feed); err != nil {
		t.Fatalf("decode feed: %v", err)
	}
	if len(feed.Items) != 3 || feed.NextCursor != nil {
		t.Fatalf("expected 3 submitters starting with b, got %+v", feed)
	}

	bad := doRequest(t, f.server, request{method: http.MethodGet, path: "/v1/dashboard/submissions?filter=" + url.QueryEscape("retryCount +"), headers: headers})
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on invalid filter, got %d", bad.Code)
	}
	notBool := doRequest(t, f.server, request{method: http.MethodGet, path: "/v1/dashboard/submissions?filter=retryCount", headers: headers})
	if notBool.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on non-bool filter, got %d", notBool.Code)
	}
	badStatus := doRequest(t, f.server, request{method: http.MethodGet, path: "/v1/dashboard/submissions?status=Lost", headers: headers})
	if badStatus.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on unknown status, got %d", badStatus.Code)
	}
	badCursor := doRequest(t, f.server, request{method: http.MethodGet, path: "/v1/dashboard/submissions?cursor=abc", headers: headers})
	if badCursor.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on invalid cursor, got %d", badCursor.Code)
	}
}

func TestDashboardFailedListAndDetail(t *testing.T) {
	f := newFixture(t, nil, ServerConfig{})
	ok := f.submit(t, "ana@example.com")
	f.waitForStatus(t, ok, staging.StatusSynced)
	f.system.FailNext(production.OpFindContact, -1, nil)
	failed := f.submit(t, "ben@example.com")
	f.waitForStatus(t, failed, staging.StatusFailed)
	headers := bearer(t, ScopeDashboardRead)

	resp := doRequest(t, f.server, request{method: http.MethodGet, path: "/v1/dashboard/failed", headers: headers})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var feed SubmissionFeed
	if err := json.NewDecoder(resp.Body).Decode(&feed); err != nil {
		t.Fatalf("decode feed: %v", err)
	}
	if len(feed.Items) != 1 || feed.Items[0].ReferenceID != failed || feed.Items[0].LastError == "" {
		t.Fatalf("expected only the failed submission with its error, got %+v", feed.Items)
	}

	detailResp := doRequest(t, f.server, request{method: http.MethodGet, path: "/v1/dashboard/submissions/" + failed, headers: headers})
	if detailResp.Code != http.StatusOK {
		t.Fatalf("expected 200 on detail, got %d", detailResp.Code)
	}
	var detail pipeline.Detail
	if err := json.NewDecoder(detailResp.Body).Decode(&detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if len(detail.Tasks) != 2 || detail.Tasks[0].Sequence != 1 || detail.Tasks[1].Sequence != 2 {
		t.Fatalf("expected ordered tasks, got %+v", detail.Tasks)
	}
	var sawFailure bool
	for _, entry := range detail.Logs {
		if entry.Event == staging.LogSyncFailed {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Fatalf("expected a sync-failed log entry, got %+v", detail.Logs)
	}

	missing := doRequest(t, f.server, request{method: http.MethodGet, path: "/v1/dashboard/submissions/PLN-unknown", headers: headers})
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.Code)
	}
}

func TestDashboardMetrics(t *testing.T) {
	f := newFixture(t, nil, ServerConfig{})
	f.waitForStatus(t, f.submit(t, "ana@example.com"), staging.StatusSynced)
	headers := bearer(t, ScopeDashboardRead)

	resp := doRequest(t, f.server, request{method: http.MethodGet, path: "/v1/dashboard/metrics?granularity=hour", headers: headers})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var snap metrics.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Total != 1 || snap.Synced != 1 || snap.SyncRate != 100 || snap.Granularity != metrics.GranularityHour {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	for _, query := range []string{"granularity=fortnight", "since=yesterday", "since=2026-01-02T00:00:00Z&until=2026-01-01T00:00:00Z"} {
		bad := doRequest(t, f.server, request{method: http.MethodGet, path: "/v1/dashboard/metrics?" + query, headers: headers})
		if bad.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", query, bad.Code)
		}
	}
}

func TestAdminTriggers(t *testing.T) {
	f := newFixture(t, nil, ServerConfig{})
	f.system.FailNext(production.OpCreatePlan, 1, nil)
	ref := f.submit(t, "ana@example.com")
	f.waitForStatus(t, ref, staging.StatusFailed)
	headers := bearer(t, ScopeAdminTrigger)

	resp := doRequest(t, f.server, request{method: http.MethodPost, path: "/v1/admin/retry-failed", headers: headers})
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", resp.Code, resp.Body.String())
	}
	var trigger triggerResponse
	if err := json.NewDecoder(resp.Body).Decode(&trigger); err != nil {
		t.Fatalf("decode trigger: %v", err)
	}
	if trigger.Enqueued != 1 {
		t.Fatalf("expected 1 enqueued, got %d", trigger.Enqueued)
	}
	f.waitForStatus(t, ref, staging.StatusSynced)

	resp = doRequest(t, f.server, request{method: http.MethodPost, path: "/v1/admin/process-pending", headers: headers})
	if resp.Code != http.StatusAccepted || !strings.Contains(resp.Body.String(), `"enqueued":0`) {
		t.Fatalf("expected nothing pending, got %d %s", resp.Code, resp.Body.String())
	}
}

func TestStreamDeliversLifecycleEntries(t *testing.T) {
	f := newFixture(t, nil, ServerConfig{})
	ts := httptest.NewServer(f.server)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/dashboard/stream"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: http.Header{
		"Authorization": []string{bearer(t, ScopeDashboardRead)["Authorization"]},
	}})
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for f.pipeline.Feed().Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("stream never subscribed to the feed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ref := f.submit(t, "ana@example.com")
	events := map[staging.LogEvent]bool{}
	for !events[staging.LogSynced] {
		var entry staging.LogEntry
		if err := wsjson.Read(ctx, conn, &entry); err != nil {
			t.Fatalf("read stream: %v (saw %v)", err, events)
		}
		if entry.ReferenceID == ref {
			events[entry.Event] = true
		}
	}
	if !events[staging.LogReceived] {
		t.Fatalf("expected the received entry before synced, saw %v", events)
	}
}

func TestStreamRejectsMissingToken(t *testing.T) {
	f := newFixture(t, nil, ServerConfig{})
	ts := httptest.NewServer(f.server)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/dashboard/stream", nil)
	if err == nil {
		t.Fatalf("expected dial to fail without a token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 response, got %+v", resp)
	}
}

func TestUnknownRoutes(t *testing.T) {
	f := newFixture(t, nil, ServerConfig{})
	for _, r := range []request{
		{method: http.MethodGet, path: "/v2/submissions"},
		{method: http.MethodDelete, path: "/v1/submissions/PLN-1"},
		{method: http.MethodGet, path: "/v1/admin/process-pending", headers: bearer(t, ScopeAdminTrigger)},
	} {
		resp := doRequest(t, f.server, r)
		if resp.Code != http.StatusNotFound {
			t.Fatalf("%s %s: expected 404, got %d", r.method, r.path, resp.Code)
		}
	}
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    map[string]any
}

type rawRequest struct {
	method  string
	path    string
	headers map[string]string
	body    []byte
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	return doRawRequest(t, server, rawRequest{method: r.method, path: r.path, headers: r.headers, body: bodyBytes})
}

func doRawRequest(t *testing.T, server http.Handler, r rawRequest) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(r.body))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func mustTestJWT(t *testing.T, secret, subject string, scopes []string, exp time.Time) string {
	return mustTestJWTWithAudience(t, secret, subject, scopes, "planrelay", exp)
}

func mustTestJWTWithAudience(t *testing.T, secret, subject string, scopes []string, aud string, exp time.Time) string {
	t.Helper()
	headerBytes, err := json.Marshal(map[string]any{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		t.Fatalf("marshal jwt header: %v", err)
	}
	payloadBytes, err := json.Marshal(map[string]any{
		"sub":    subject,
		"scopes": scopes,
		"exp":    exp.Unix(),
		"aud":    aud,
	})
	if err != nil {
		t.Fatalf("marshal jwt payload: %v", err)
	}
	signingInput := base64.RawURLEncoding.EncodeToString(headerBytes) + "." + base64.RawURLEncoding.EncodeToString(payloadBytes)
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sign(secret, signingInput))
}

func TestIssueTokenValidatesInput(t *testing.T) {
	cases := []struct {
		secret, subject string
		scopes          []string
	}{
		{"", "ops", []string{ScopeDashboardRead}},
		{testSecret, " ", []string{ScopeDashboardRead}},
		{testSecret, "ops", nil},
	}
	for _, tc := range cases {
		if _, err := IssueToken(tc.secret, tc.subject, tc.scopes, time.Hour, time.Now()); err == nil {
			t.Fatalf("expected error for %+v", tc)
		}
	}
	token, err := IssueToken(testSecret, "ops", []string{ScopeAdminTrigger}, time.Minute, time.Now())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, authErr := parseBearer("Bearer "+token, testSecret, time.Now())
	if authErr != nil {
		t.Fatalf("parse issued token: %v", authErr)
	}
	if claims.Subject != "ops" {
		t.Fatalf("unexpected subject %q", claims.Subject)
	}
	if _, ok := claims.Scopes[ScopeAdminTrigger]; !ok {
		t.Fatalf("expected admin scope, got %v", claims.Scopes)
	}
	if _, authErr := parseBearer("Bearer "+token, testSecret, time.Now().Add(2*time.Minute)); authErr == nil {
		t.Fatalf("expected token to expire")
	}
}
