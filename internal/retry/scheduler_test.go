package retry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/planrelay/internal/dispatch"
	"github.com/agentworkforce/planrelay/internal/production"
	"github.com/agentworkforce/planrelay/internal/staging"
	"github.com/agentworkforce/planrelay/internal/syncengine"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu          sync.Mutex
	escalations []Escalation
	err         error
}

func (n *recordingNotifier) NotifyExhausted(_ context.Context, e Escalation) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.escalations = append(n.escalations, e)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.escalations)
}

type harness struct {
	clock      *fakeClock
	store      *staging.MemoryStore
	system     *production.MemorySystem
	engine     *syncengine.Engine
	dispatcher *dispatch.Dispatcher
	scheduler  *Scheduler
	notifier   *recordingNotifier
}

func newHarness(t *testing.T, maxRetries int) *harness {
	t.Helper()
	h := &harness{
		clock:    &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)},
		store:    staging.NewMemoryStore(),
		system:   production.NewMemorySystem(),
		notifier: &recordingNotifier{},
	}
	engine, err := syncengine.New(h.store, h.system, syncengine.Options{Now: h.clock.Now})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	h.engine = engine
	h.dispatcher, err = dispatch.New(engine, dispatch.Options{BatchSize: 2, Workers: 1, RecordConcurrency: 2})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	t.Cleanup(h.dispatcher.Close)
	h.scheduler, err = New(h.store, h.dispatcher, Options{
		MaxRetryCount: maxRetries,
		BatchSize:     10,
		BackoffBase:   time.Minute,
		BackoffMax:    10 * time.Minute,
		Recipient:     "ops@example.com",
		Notifier:      h.notifier,
		Now:           h.clock.Now,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	t.Cleanup(h.scheduler.Close)
	return h
}

func (h *harness) stage(t *testing.T, id string) {
	t.Helper()
	sub := staging.Submission{
		ID:             id,
		ReferenceID:    "PLN-" + id,
		SubmitterEmail: id + "@example.com",
		SubmitterName:  "Submitter " + id,
		Status:         staging.StatusPending,
		TaskCount:      1,
		CreatedAt:      h.clock.Now(),
	}
	tasks := []staging.Task{{SubmissionID: id, Sequence: 1, Name: "only", Priority: staging.PriorityMedium}}
	if err := h.store.StageSubmission(context.Background(), sub, tasks, staging.LogEntry{ID: "recv-" + id, Event: staging.LogReceived, CreatedAt: sub.CreatedAt}); err != nil {
		t.Fatalf("stage %s: %v", id, err)
	}
}

func (h *harness) get(t *testing.T, id string) staging.Submission {
	t.Helper()
	sub, err := h.store.GetSubmission(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return sub
}

func countEvents(t *testing.T, store staging.Store, id string, event staging.LogEvent) int {
	t.Helper()
	entries, err := store.ListLogs(context.Background(), id)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	n := 0
	for _, entry := range entries {
		if entry.Event == event {
			n++
		}
	}
	return n
}

func TestBackoff(t *testing.T) {
	cases := []struct {
		retries int
		want    time.Duration
	}{
		{0, time.Minute},
		{1, 2 * time.Minute},
		{2, 4 * time.Minute},
		{3, 8 * time.Minute},
		{4, 10 * time.Minute},
		{30, 10 * time.Minute},
	}
	for _, tc := range cases {
		if got := Backoff(tc.retries, time.Minute, 10*time.Minute); got != tc.want {
			t.Fatalf("Backoff(%d) = %s, want %s", tc.retries, got, tc.want)
		}
	}
	if got := Backoff(3, 0, time.Hour); got != 0 {
		t.Fatalf("zero base should disable backoff, got %s", got)
	}
}

func TestRetryBoundThenSingleEscalation(t *testing.T) {
	h := newHarness(t, 3)
	h.stage(t, "s1")
	h.system.FailNext(production.OpCreateContact, -1, errors.New("crm down"))

	if outcome, _ := h.engine.Sync(context.Background(), "s1"); outcome.Kind != syncengine.OutcomeFailed {
		t.Fatalf("expected initial failure, got %+v", outcome)
	}

	requeued, escalated := 0, 0
	for i := 0; i < 8; i++ {
		h.clock.Advance(time.Hour)
		result, err := h.scheduler.Sweep(context.Background())
		if err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
		requeued += result.Requeued
		escalated += result.Escalated
	}

	if requeued != 3 {
		t.Fatalf("expected exactly 3 retries, got %d", requeued)
	}
	if escalated != 1 || h.notifier.count() != 1 {
		t.Fatalf("expected exactly one escalation, got result=%d notified=%d", escalated, h.notifier.count())
	}
	sub := h.get(t, "s1")
	if sub.Status != staging.StatusFailed || sub.RetryCount != 3 || sub.SyncAttempts != 4 || sub.EscalatedAt == nil {
		t.Fatalf("unexpected terminal submission: %+v", sub)
	}
	if !sub.Terminal(3) {
		t.Fatalf("expected submission to be terminal")
	}
	if got := countEvents(t, h.store, "s1", staging.LogRetried); got != 3 {
		t.Fatalf("expected 3 retried entries, got %d", got)
	}
	if got := countEvents(t, h.store, "s1", staging.LogRetryExhausted); got != 1 {
		t.Fatalf("expected 1 retry-exhausted entry, got %d", got)
	}
	e := h.notifier.escalations[0]
	if e.ReferenceID != "PLN-s1" || e.Recipient != "ops@example.com" || e.RetryCount != 3 || e.LastError == "" {
		t.Fatalf("unexpected escalation: %+v", e)
	}
}

func TestContactFailureOnceThenSyncedAfterTwoAttempts(t *testing.T) {
	h := newHarness(t, 3)
	h.stage(t, "s1")
	h.system.FailNext(production.OpCreateContact, 1, nil)

	if outcome, _ := h.engine.Sync(context.Background(), "s1"); outcome.Kind != syncengine.OutcomeFailed {
		t.Fatalf("expected first attempt to fail, got %+v", outcome)
	}
	h.clock.Advance(time.Minute)
	result, err := h.scheduler.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Requeued != 1 || result.Synced != 1 {
		t.Fatalf("unexpected sweep result: %+v", result)
	}
	sub := h.get(t, "s1")
	if sub.Status != staging.StatusSynced || sub.SyncAttempts != 2 || sub.RetryCount != 1 {
		t.Fatalf("expected synced after 2 attempts with retry count 1, got %+v", sub)
	}
	if h.notifier.count() != 0 {
		t.Fatalf("no escalation expected")
	}
}

func TestSweepHonorsBackoff(t *testing.T) {
	h := newHarness(t, 3)
	h.stage(t, "s1")
	h.system.FailNext(production.OpFindContact, -1, nil)
	h.engine.Sync(context.Background(), "s1")

	h.clock.Advance(30 * time.Second)
	result, err := h.scheduler.Sweep(context.Background())
	if err != nil || result.Requeued != 0 {
		t.Fatalf("expected nothing eligible before backoff, got %+v err=%v", result, err)
	}
	h.clock.Advance(30 * time.Second)
	result, err = h.scheduler.Sweep(context.Background())
	if err != nil || result.Requeued != 1 {
		t.Fatalf("expected requeue after base backoff, got %+v err=%v", result, err)
	}
	// Second retry waits twice as long.
	h.clock.Advance(time.Minute)
	if result, _ = h.scheduler.Sweep(context.Background()); result.Requeued != 0 {
		t.Fatalf("expected doubled backoff, got %+v", result)
	}
	h.clock.Advance(time.Minute)
	if result, _ = h.scheduler.Sweep(context.Background()); result.Requeued != 1 {
		t.Fatalf("expected requeue after doubled backoff, got %+v", result)
	}
}

func TestSweepOrdersByLastAttemptAndCapsBatch(t *testing.T) {
	h := newHarness(t, 3)
	h.system.FailNext(production.OpFindContact, -1, nil)
	for _, id := range []string{"c", "a", "b"} {
		h.stage(t, id)
		h.engine.Sync(context.Background(), id)
		h.clock.Advance(time.Second)
	}
	scheduler, err := New(h.store, h.dispatcher, Options{MaxRetryCount: 3, BatchSize: 2, Notifier: h.notifier, Now: h.clock.Now})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	defer scheduler.Close()

	claims, err := scheduler.claim(context.Background(), true)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	ids := claimIDs(claims)
	if len(ids) != 2 || ids[0] != "c" || ids[1] != "a" {
		t.Fatalf("expected oldest attempts first capped at 2, got %v", ids)
	}
	if got := h.get(t, "b"); got.Status != staging.StatusFailed || got.RetryCount != 0 {
		t.Fatalf("unclaimed record must be untouched, got %+v", got)
	}
}

func TestRetryFailedNowIgnoresBackoffButHonorsMax(t *testing.T) {
	h := newHarness(t, 2)
	h.stage(t, "fresh")
	h.stage(t, "spent")
	h.system.FailNext(production.OpCreatePlan, 2, nil)
	h.engine.Sync(context.Background(), "fresh")
	h.engine.Sync(context.Background(), "spent")
	if _, err := h.store.UpdateSubmission(context.Background(), "spent", nil, func(s *staging.Submission) error {
		s.RetryCount = 2
		return nil
	}); err != nil {
		t.Fatalf("seed retry count: %v", err)
	}

	n, err := h.scheduler.RetryFailedNow(context.Background())
	if err != nil {
		t.Fatalf("retry failed now: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected only the record below max to be claimed, got %d", n)
	}
	h.scheduler.Wait()

	if got := h.get(t, "fresh"); got.Status != staging.StatusSynced || got.RetryCount != 1 {
		t.Fatalf("expected fresh record synced by manual retry, got %+v", got)
	}
	if got := h.get(t, "spent"); got.Status != staging.StatusFailed || got.EscalatedAt == nil {
		t.Fatalf("expected spent record escalated, got %+v", got)
	}
	if h.notifier.count() != 1 {
		t.Fatalf("expected one escalation, got %d", h.notifier.count())
	}
}

func TestConcurrentSweepsClaimEachRecordOnce(t *testing.T) {
	h := newHarness(t, 3)
	h.system.FailNext(production.OpFindContact, 5, nil)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		h.stage(t, id)
		h.engine.Sync(context.Background(), id)
	}

	var wg sync.WaitGroup
	results := make([][]string, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claims, _ := h.scheduler.claim(context.Background(), true)
			results[i] = claimIDs(claims)
		}(i)
	}
	wg.Wait()

	seen := map[string]int{}
	for _, ids := range results {
		for _, id := range ids {
			seen[id]++
		}
	}
	if len(seen) != 5 {
		t.Fatalf("expected all 5 records claimed, got %v", seen)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("record %s claimed %d times", id, n)
		}
	}
}

func TestWebhookNotifierPostsEscalation(t *testing.T) {
	var got Escalation
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	notifier := NewWebhookNotifier(server.URL, server.Client())
	e := Escalation{SubmissionID: "s1", ReferenceID: "PLN-1", Recipient: "ops@example.com", RetryCount: 3, LastError: "boom"}
	if err := notifier.NotifyExhausted(context.Background(), e); err != nil {
		t.Fatalf("notify failed: %v", err)
	}
	if got.ReferenceID != "PLN-1" || got.Recipient != "ops@example.com" || got.RetryCount != 3 {
		t.Fatalf("unexpected webhook payload: %+v", got)
	}
}

func TestWebhookNotifierReportsFailureStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer server.Close()
	if err := NewWebhookNotifier(server.URL, server.Client()).NotifyExhausted(context.Background(), Escalation{SubmissionID: "s1"}); err == nil {
		t.Fatalf("expected error for 500 response")
	}
	if err := NewWebhookNotifier("", nil).NotifyExhausted(context.Background(), Escalation{}); err == nil {
		t.Fatalf("expected error for empty url")
	}
}

func TestMultiNotifierJoinsErrors(t *testing.T) {
	ok := &recordingNotifier{}
	failing := &recordingNotifier{err: errors.New("smtp down")}
	n := Multi(ok, nil, failing)
	err := n.NotifyExhausted(context.Background(), Escalation{SubmissionID: "s1"})
	if err == nil || ok.count() != 1 || failing.count() != 1 {
		t.Fatalf("expected both notified and joined error, err=%v", err)
	}
}

func TestEscalationNotifyFailureStillEscalatesOnce(t *testing.T) {
	h := newHarness(t, 1)
	h.notifier.err = errors.New("webhook down")
	h.stage(t, "s1")
	h.system.FailNext(production.OpFindContact, -1, nil)
	h.engine.Sync(context.Background(), "s1")

	for i := 0; i < 4; i++ {
		h.clock.Advance(time.Hour)
		if _, err := h.scheduler.Sweep(context.Background()); err != nil {
			t.Fatalf("sweep: %v", err)
		}
	}
	if h.notifier.count() != 1 {
		t.Fatalf("expected a single escalation attempt, got %d", h.notifier.count())
	}
}

// cancelOnFirstFind cancels the sweep context from inside the first
// production call, as a shutdown signal arriving mid-sweep would.
type cancelOnFirstFind struct {
	*production.MemorySystem
	once   sync.Once
	cancel context.CancelFunc
}

func (c *cancelOnFirstFind) FindContactByEmail(ctx context.Context, email string) (production.Contact, error) {
	c.once.Do(c.cancel)
	if err := ctx.Err(); err != nil {
		return production.Contact{}, err
	}
	return c.MemorySystem.FindContactByEmail(ctx, email)
}

func TestCanceledSweepReleasesUnreachedClaims(t *testing.T) {
	h := newHarness(t, 3)
	h.system.FailNext(production.OpFindContact, 3, nil)
	for _, id := range []string{"s0", "s1", "s2"} {
		h.stage(t, id)
		h.engine.Sync(context.Background(), id)
		h.clock.Advance(time.Second)
	}
	h.clock.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine, err := syncengine.New(h.store, &cancelOnFirstFind{MemorySystem: h.system, cancel: cancel}, syncengine.Options{Now: h.clock.Now})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	dispatcher, err := dispatch.New(engine, dispatch.Options{BatchSize: 1, Workers: 1, RecordConcurrency: 1})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	defer dispatcher.Close()
	scheduler, err := New(h.store, dispatcher, Options{MaxRetryCount: 3, BatchSize: 10, BackoffBase: time.Minute, Notifier: h.notifier, Now: h.clock.Now})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	defer scheduler.Close()

	result, err := scheduler.Sweep(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled sweep, got %v", err)
	}
	if result.Requeued != 3 || result.Released != 2 {
		t.Fatalf("expected 3 claimed and 2 released, got %+v", result)
	}

	charged := 0
	for _, id := range []string{"s0", "s1", "s2"} {
		sub := h.get(t, id)
		if sub.Status != staging.StatusFailed {
			t.Fatalf("%s left in %s after canceled sweep", id, sub.Status)
		}
		switch {
		case sub.SyncAttempts == 2 && sub.RetryCount == 1:
			charged++
		case sub.SyncAttempts == 1 && sub.RetryCount == 0:
			if got := countEvents(t, h.store, id, staging.LogRetryReleased); got != 1 {
				t.Fatalf("expected one retry-released entry for %s, got %d", id, got)
			}
		default:
			t.Fatalf("unexpected counters for %s: %+v", id, sub)
		}
	}
	if charged != 1 {
		t.Fatalf("expected only the reached record to be charged a retry, got %d", charged)
	}

	// Every record is still retryable by the next sweep.
	h.clock.Advance(time.Hour)
	result, err = h.scheduler.Sweep(context.Background())
	if err != nil {
		t.Fatalf("follow-up sweep: %v", err)
	}
	if result.Requeued != 3 || result.Synced != 3 {
		t.Fatalf("expected all three recovered, got %+v", result)
	}
}

func TestSweepReclaimsExpiredProcessingLease(t *testing.T) {
	h := newHarness(t, 3)
	h.stage(t, "lost")
	h.stage(t, "busy")
	ctx := context.Background()
	for _, id := range []string{"lost", "busy"} {
		started := h.clock.Now()
		if _, err := h.store.UpdateSubmission(ctx, id, []staging.Status{staging.StatusPending}, func(s *staging.Submission) error {
			s.Status = staging.StatusProcessing
			s.SyncAttempts = 1
			s.LastAttemptAt = &started
			return nil
		}); err != nil {
			t.Fatalf("seed processing %s: %v", id, err)
		}
		h.clock.Advance(20 * time.Minute)
	}
	// "lost" started 40m ago and "busy" 20m ago; the default lease is 30m.

	result, err := h.scheduler.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Reclaimed != 1 || result.Requeued != 1 || result.Synced != 1 {
		t.Fatalf("expected the expired record reclaimed and retried, got %+v", result)
	}
	if got := h.get(t, "lost"); got.Status != staging.StatusSynced || got.RetryCount != 1 {
		t.Fatalf("expected lost record synced on retry, got %+v", got)
	}
	if got := countEvents(t, h.store, "lost", staging.LogSyncFailed); got != 1 {
		t.Fatalf("expected the lease expiry to be logged, got %d", got)
	}
	if got := h.get(t, "busy"); got.Status != staging.StatusProcessing {
		t.Fatalf("record inside its lease must be left alone, got %+v", got)
	}
}
