// Package retry re-dispatches failed submissions on a cadence and escalates
// the ones that run out of attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/planrelay/internal/dispatch"
	"github.com/agentworkforce/planrelay/internal/logging"
	"github.com/agentworkforce/planrelay/internal/staging"
)

const defaultProcessingLease = 30 * time.Minute

var (
	errAlreadyEscalated = errors.New("already escalated")
	errSyncReached      = errors.New("sync already started")
	errLeaseHeld        = errors.New("processing lease still held")
)

type Dispatcher interface {
	Dispatch(ctx context.Context, ids []string) (dispatch.Summary, error)
}

// Options configure a Scheduler. ProcessingLease bounds how long a record may
// stay in Processing before a sweep returns it to Failed.
type Options struct {
	MaxRetryCount   int
	BatchSize       int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	ProcessingLease time.Duration
	Recipient       string
	Notifier        Notifier
	Logger          *slog.Logger
	Now             func() time.Time
}

// SweepResult counts what one sweep did. Reclaimed records had an expired
// processing lease; Released claims were handed back because dispatch
// stopped before reaching them.
type SweepResult struct {
	Reclaimed     int
	Requeued      int
	Released      int
	Escalated     int
	Synced        int
	Failed        int
	AlreadySynced int
}

type Scheduler struct {
	store       staging.Store
	dispatcher  Dispatcher
	notifier    Notifier
	logger      *slog.Logger
	now         func() time.Time
	maxRetries  int
	batchSize   int
	backoffBase time.Duration
	backoffMax  time.Duration
	lease       time.Duration
	recipient   string

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func New(store staging.Store, dispatcher Dispatcher, opts Options) (*Scheduler, error) {
	if store == nil || dispatcher == nil {
		return nil, staging.ErrInvalidInput
	}
	maxRetries := opts.MaxRetryCount
	if maxRetries <= 0 {
		maxRetries = 3
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 200
	}
	base := opts.BackoffBase
	if base < 0 {
		base = 0
	}
	maxDelay := opts.BackoffMax
	if maxDelay < base {
		maxDelay = base
	}
	lease := opts.ProcessingLease
	if lease <= 0 {
		lease = defaultProcessingLease
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := logging.Component(opts.Logger, "retry")
	notifier := opts.Notifier
	if notifier == nil {
		notifier = NewLogNotifier(opts.Logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:       store,
		dispatcher:  dispatcher,
		notifier:    notifier,
		logger:      logger,
		now:         now,
		maxRetries:  maxRetries,
		batchSize:   batchSize,
		backoffBase: base,
		backoffMax:  maxDelay,
		lease:       lease,
		recipient:   opts.Recipient,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Backoff is the wait after a failed attempt before retry number retries+1
// becomes eligible: base doubled per retry already taken, capped at ceiling.
func Backoff(retries int, base, ceiling time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < retries; i++ {
		delay *= 2
		if ceiling > 0 && delay >= ceiling {
			return ceiling
		}
	}
	if ceiling > 0 && delay > ceiling {
		return ceiling
	}
	return delay
}

// Sweep requeues eligible failed submissions, syncs them in the bulk
// context and escalates the ones left terminal.
func (s *Scheduler) Sweep(ctx context.Context) (SweepResult, error) {
	reclaimed, err := s.reclaimStale(ctx)
	if err != nil {
		return SweepResult{Reclaimed: reclaimed}, err
	}
	claims, err := s.claim(ctx, false)
	if err != nil {
		return SweepResult{Reclaimed: reclaimed, Released: s.release(ctx, claims)}, err
	}
	result := SweepResult{Reclaimed: reclaimed, Requeued: len(claims)}
	if len(claims) > 0 {
		summary, err := s.dispatcher.Dispatch(dispatch.WithExecContext(ctx, dispatch.AsyncBulk), claimIDs(claims))
		result.Synced, result.Failed, result.AlreadySynced = summary.Synced, summary.Failed, summary.AlreadySynced
		if err != nil {
			result.Released = s.release(ctx, claims)
			return result, err
		}
	}
	escalated, err := s.escalate(ctx)
	result.Escalated = escalated
	if err != nil {
		return result, err
	}
	if result.Requeued > 0 || result.Escalated > 0 || result.Reclaimed > 0 {
		s.logger.Info("retry sweep finished", "reclaimed", result.Reclaimed, "requeued", result.Requeued, "synced", result.Synced, "failed", result.Failed, "escalated", result.Escalated)
	}
	return result, nil
}

// RetryFailedNow claims every failed submission below the retry ceiling,
// ignoring backoff, and syncs them in the background. It returns the number
// claimed.
func (s *Scheduler) RetryFailedNow(ctx context.Context) (int, error) {
	if _, err := s.reclaimStale(ctx); err != nil {
		return 0, err
	}
	claims, err := s.claim(ctx, true)
	if err != nil {
		s.release(ctx, claims)
		return 0, err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		bulk := dispatch.WithExecContext(s.ctx, dispatch.AsyncBulk)
		if len(claims) > 0 {
			if _, err := s.dispatcher.Dispatch(bulk, claimIDs(claims)); err != nil {
				released := s.release(bulk, claims)
				s.logger.Warn("manual retry dispatch interrupted", "released", released, "error", err)
			}
		}
		if _, err := s.escalate(bulk); err != nil {
			s.logger.Warn("manual retry escalation failed", "error", err)
		}
	}()
	return len(claims), nil
}

// Run sweeps every interval until ctx ends.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("retry interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("retry sweep failed", "error", err)
			}
		}
	}
}

// Wait blocks until background manual retries finish.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Close stops background manual retries and waits for them.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
}

func (s *Scheduler) eligible(sub staging.Submission, now time.Time) bool {
	if sub.LastAttemptAt == nil {
		return true
	}
	return !now.Before(sub.LastAttemptAt.Add(Backoff(sub.RetryCount, s.backoffBase, s.backoffMax)))
}

// claimedRecord remembers what a claim changed so release can undo it.
type claimedRecord struct {
	id            string
	syncAttempts  int
	lastAttemptAt *time.Time
}

func claimIDs(claims []claimedRecord) []string {
	ids := make([]string, len(claims))
	for i, c := range claims {
		ids[i] = c.id
	}
	return ids
}

// claim moves up to batchSize failed submissions to Processing in
// last-attempt order, charging one retry and starting the processing lease.
// Records another sweep claimed first are skipped.
func (s *Scheduler) claim(ctx context.Context, ignoreBackoff bool) ([]claimedRecord, error) {
	now := s.now().UTC()
	var claimed []claimedRecord
	filter := staging.SubmissionFilter{
		Statuses:        []staging.Status{staging.StatusFailed},
		RetryCountBelow: s.maxRetries,
		Order:           staging.OrderLastAttemptAsc,
		Limit:           s.batchSize,
	}
	for len(claimed) < s.batchSize {
		page, err := s.store.ListSubmissions(ctx, filter)
		if err != nil {
			return claimed, fmt.Errorf("list failed submissions: %w", err)
		}
		for _, sub := range page {
			if len(claimed) >= s.batchSize {
				break
			}
			if !ignoreBackoff && !s.eligible(sub, now) {
				continue
			}
			record := claimedRecord{id: sub.ID}
			updated, err := s.store.UpdateSubmission(ctx, sub.ID, []staging.Status{staging.StatusFailed}, func(next *staging.Submission) error {
				if next.RetryCount >= s.maxRetries {
					return staging.ErrInvalidTransition
				}
				record.syncAttempts = next.SyncAttempts
				record.lastAttemptAt = next.LastAttemptAt
				next.Status = staging.StatusProcessing
				next.RetryCount++
				next.LastAttemptAt = &now
				return nil
			})
			if errors.Is(err, staging.ErrInvalidTransition) {
				continue
			}
			if err != nil {
				return claimed, fmt.Errorf("claim %s: %w", sub.ID, err)
			}
			claimed = append(claimed, record)
			s.appendLog(ctx, updated, staging.LogRetried, fmt.Sprintf("retry %d of %d", updated.RetryCount, s.maxRetries), now)
		}
		if len(page) < filter.Limit {
			break
		}
		// Claimed rows left the Failed set, so only skipped rows shift the page.
		filter.Offset += len(page) - countClaimedIn(page, claimed)
	}
	return claimed, nil
}

// release returns claims the dispatch never handed to the engine to Failed
// and refunds their retry. A record whose sync started is left to the
// engine's own outcome.
func (s *Scheduler) release(ctx context.Context, claims []claimedRecord) int {
	if len(claims) == 0 {
		return 0
	}
	ctx = context.WithoutCancel(ctx)
	now := s.now().UTC()
	released := 0
	for _, c := range claims {
		c := c
		updated, err := s.store.UpdateSubmission(ctx, c.id, []staging.Status{staging.StatusProcessing}, func(next *staging.Submission) error {
			if next.SyncAttempts != c.syncAttempts {
				return errSyncReached
			}
			next.Status = staging.StatusFailed
			if next.RetryCount > 0 {
				next.RetryCount--
			}
			next.LastAttemptAt = c.lastAttemptAt
			return nil
		})
		if errors.Is(err, errSyncReached) || errors.Is(err, staging.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			s.logger.Warn("release claim failed", "submission_id", c.id, "error", err)
			continue
		}
		released++
		s.appendLog(ctx, updated, staging.LogRetryReleased, "dispatch stopped before sync", now)
	}
	if released > 0 {
		s.logger.Info("released unreached claims", "released", released)
	}
	return released
}

func (s *Scheduler) leaseExpired(sub staging.Submission, now time.Time) bool {
	started := sub.CreatedAt
	if sub.LastAttemptAt != nil {
		started = *sub.LastAttemptAt
	}
	return !now.Before(started.Add(s.lease))
}

// reclaimStale moves Processing records whose lease expired back to Failed
// so the normal retry path picks them up. They are left behind by a process
// that died mid-sync.
func (s *Scheduler) reclaimStale(ctx context.Context) (int, error) {
	subs, err := s.store.ListSubmissions(ctx, staging.SubmissionFilter{
		Statuses: []staging.Status{staging.StatusProcessing},
	})
	if err != nil {
		return 0, fmt.Errorf("list processing submissions: %w", err)
	}
	now := s.now().UTC()
	reason := fmt.Sprintf("processing lease of %s expired", s.lease)
	reclaimed := 0
	for _, sub := range subs {
		if !s.leaseExpired(sub, now) {
			continue
		}
		updated, err := s.store.UpdateSubmission(ctx, sub.ID, []staging.Status{staging.StatusProcessing}, func(next *staging.Submission) error {
			if !s.leaseExpired(*next, now) {
				return errLeaseHeld
			}
			next.Status = staging.StatusFailed
			next.LastError = reason
			return nil
		})
		if errors.Is(err, errLeaseHeld) || errors.Is(err, staging.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return reclaimed, fmt.Errorf("reclaim %s: %w", sub.ID, err)
		}
		reclaimed++
		s.logger.Warn("reclaimed stale processing submission", "submission_id", updated.ID, "reference_id", updated.ReferenceID)
		s.appendLog(ctx, updated, staging.LogSyncFailed, reason, now)
	}
	return reclaimed, nil
}

// escalate marks every exhausted, not yet escalated submission and notifies
// once per submission.
func (s *Scheduler) escalate(ctx context.Context) (int, error) {
	subs, err := s.store.ListSubmissions(ctx, staging.SubmissionFilter{
		Statuses:          []staging.Status{staging.StatusFailed},
		RetryCountAtLeast: s.maxRetries,
		NotEscalated:      true,
		Order:             staging.OrderLastAttemptAsc,
	})
	if err != nil {
		return 0, fmt.Errorf("list exhausted submissions: %w", err)
	}
	escalated := 0
	for _, sub := range subs {
		now := s.now().UTC()
		updated, err := s.store.UpdateSubmission(ctx, sub.ID, []staging.Status{staging.StatusFailed}, func(next *staging.Submission) error {
			if next.EscalatedAt != nil {
				return errAlreadyEscalated
			}
			next.EscalatedAt = &now
			return nil
		})
		if errors.Is(err, errAlreadyEscalated) || errors.Is(err, staging.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return escalated, fmt.Errorf("mark %s escalated: %w", sub.ID, err)
		}
		escalated++
		escalation := Escalation{
			SubmissionID:   updated.ID,
			ReferenceID:    updated.ReferenceID,
			SubmitterEmail: updated.SubmitterEmail,
			Recipient:      s.recipient,
			RetryCount:     updated.RetryCount,
			LastError:      updated.LastError,
			EscalatedAt:    now,
		}
		if err := s.notifier.NotifyExhausted(ctx, escalation); err != nil {
			s.logger.Warn("escalation notify failed", "submission_id", updated.ID, "error", err)
		}
		s.appendLog(ctx, updated, staging.LogRetryExhausted, fmt.Sprintf("%d retries exhausted: %s", updated.RetryCount, updated.LastError), now)
	}
	return escalated, nil
}

func (s *Scheduler) appendLog(ctx context.Context, sub staging.Submission, event staging.LogEvent, detail string, at time.Time) {
	entry := staging.LogEntry{
		ID:           uuid.NewString(),
		SubmissionID: sub.ID,
		ReferenceID:  sub.ReferenceID,
		Event:        event,
		Detail:       detail,
		CreatedAt:    at,
	}
	if err := s.store.AppendLog(ctx, entry); err != nil {
		s.logger.Warn("append log failed", "submission_id", sub.ID, "event", string(event), "error", err)
	}
}

func countClaimedIn(page []staging.Submission, claimed []claimedRecord) int {
	set := make(map[string]struct{}, len(claimed))
	for _, c := range claimed {
		set[c.id] = struct{}{}
	}
	n := 0
	for _, sub := range page {
		if _, ok := set[sub.ID]; ok {
			n++
		}
	}
	return n
}
