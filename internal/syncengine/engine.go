// Package syncengine pushes one staged submission into the production system.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/planrelay/internal/logging"
	"github.com/agentworkforce/planrelay/internal/production"
	"github.com/agentworkforce/planrelay/internal/staging"
)

type OutcomeKind string

const (
	OutcomeSynced        OutcomeKind = "synced"
	OutcomeFailed        OutcomeKind = "failed"
	OutcomeAlreadySynced OutcomeKind = "already_synced"
)

type Outcome struct {
	Kind   OutcomeKind
	PlanID string
	Reason string
}

type Options struct {
	Logger *slog.Logger
	Now    func() time.Time
}

type Engine struct {
	store  staging.Store
	client production.Client
	logger *slog.Logger
	now    func() time.Time

	locksMu sync.Mutex
	locks   map[string]*recordLock
}

type recordLock struct {
	ch   chan struct{}
	refs int
}

func New(store staging.Store, client production.Client, opts Options) (*Engine, error) {
	if store == nil || client == nil {
		return nil, staging.ErrInvalidInput
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:  store,
		client: client,
		logger: logging.Component(opts.Logger, "syncengine"),
		now:    now,
		locks:  map[string]*recordLock{},
	}, nil
}

// Sync pushes the submission to the production system and records the
// outcome on it. Business failures come back as an OutcomeFailed; the error
// is non-nil only when ctx ends first.
func (e *Engine) Sync(ctx context.Context, id string) (Outcome, error) {
	release, err := e.lock(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	defer release()

	sub, err := e.store.GetSubmission(ctx, id)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Outcome{}, ctxErr
		}
		e.logger.Warn("load submission failed", "submission_id", id, "error", err)
		return Outcome{Kind: OutcomeFailed, Reason: err.Error()}, nil
	}
	if sub.Status == staging.StatusSynced {
		e.logger.Debug("submission already synced", "submission_id", id, "reference_id", sub.ReferenceID)
		return Outcome{Kind: OutcomeAlreadySynced, PlanID: sub.ProductionPlanID}, nil
	}

	if sub.Status == staging.StatusFailed {
		// Failed records only come back through a retry claim.
		e.logger.Debug("submission failed; left to retry scheduler", "submission_id", id, "reference_id", sub.ReferenceID, "retry_count", sub.RetryCount)
		return Outcome{Kind: OutcomeFailed, Reason: "submission is awaiting retry"}, nil
	}

	now := e.now().UTC()
	sub, err = e.store.UpdateSubmission(ctx, id, []staging.Status{staging.StatusPending, staging.StatusProcessing}, func(s *staging.Submission) error {
		s.Status = staging.StatusProcessing
		s.SyncAttempts++
		s.LastAttemptAt = &now
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Outcome{}, ctxErr
		}
		if errors.Is(err, staging.ErrInvalidTransition) {
			if current, getErr := e.store.GetSubmission(ctx, id); getErr == nil && current.Status == staging.StatusSynced {
				return Outcome{Kind: OutcomeAlreadySynced, PlanID: current.ProductionPlanID}, nil
			}
		}
		e.logger.Warn("claim submission failed", "submission_id", id, "error", err)
		return Outcome{Kind: OutcomeFailed, Reason: err.Error()}, nil
	}

	planID, contactID, pushErr := e.push(ctx, sub)
	// The outcome is recorded even if ctx has ended.
	recordCtx := context.WithoutCancel(ctx)
	if pushErr != nil {
		e.recordFailure(recordCtx, sub, pushErr)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Outcome{}, ctxErr
		}
		return Outcome{Kind: OutcomeFailed, Reason: pushErr.Error()}, nil
	}
	if err := e.recordSuccess(recordCtx, sub, planID, contactID); err != nil {
		e.logger.Error("record sync success failed", "submission_id", id, "reference_id", sub.ReferenceID, "plan_id", planID, "error", err)
		return Outcome{Kind: OutcomeFailed, PlanID: planID, Reason: err.Error()}, nil
	}
	e.logger.Info("submission synced", "submission_id", id, "reference_id", sub.ReferenceID, "outcome", string(OutcomeSynced), "plan_id", planID)
	return Outcome{Kind: OutcomeSynced, PlanID: planID}, nil
}

func (e *Engine) push(ctx context.Context, sub staging.Submission) (string, string, error) {
	tasks, err := e.store.ListTasks(ctx, sub.ID)
	if err != nil {
		return "", "", fmt.Errorf("load tasks: %w", err)
	}
	contact, err := e.resolveContact(ctx, sub)
	if err != nil {
		return "", "", err
	}

	plan, err := e.client.FindPlanByReference(ctx, sub.ReferenceID)
	switch {
	case err == nil:
		if err := e.reconcileTasks(ctx, plan, tasks); err != nil {
			return "", "", err
		}
		return plan.ID, contact.ID, nil
	case !errors.Is(err, production.ErrNotFound):
		return "", "", fmt.Errorf("find plan: %w", err)
	}

	plan, err = e.client.CreatePlan(ctx, production.NewPlan{
		ExternalReference: sub.ReferenceID,
		ContactID:         contact.ID,
		Name:              planName(sub),
		RelatedRecordID:   sub.RelatedRecordID,
		StartDate:         PlanStart(sub),
	})
	if err != nil {
		return "", "", fmt.Errorf("create plan: %w", err)
	}
	if err := e.client.CreateTasks(ctx, plan.ID, productionTasks(plan, tasks)); err != nil {
		return "", "", fmt.Errorf("create tasks for plan %s: %w", plan.ID, err)
	}
	return plan.ID, contact.ID, nil
}

func (e *Engine) resolveContact(ctx context.Context, sub staging.Submission) (production.Contact, error) {
	contact, err := e.client.FindContactByEmail(ctx, sub.SubmitterEmail)
	if err == nil {
		return contact, nil
	}
	if !errors.Is(err, production.ErrNotFound) {
		return production.Contact{}, fmt.Errorf("find contact: %w", err)
	}
	contact, err = e.client.CreateContact(ctx, production.NewContact{
		Email:      sub.SubmitterEmail,
		Name:       sub.SubmitterName,
		ObjectType: sub.RelatedObjectType,
	})
	if err == nil {
		return contact, nil
	}
	// Another sync may have created the contact between lookup and create.
	var httpErr *production.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusConflict {
		if existing, findErr := e.client.FindContactByEmail(ctx, sub.SubmitterEmail); findErr == nil {
			return existing, nil
		}
	}
	return production.Contact{}, fmt.Errorf("create contact: %w", err)
}

// reconcileTasks creates the staged tasks missing from an existing plan.
func (e *Engine) reconcileTasks(ctx context.Context, plan production.Plan, tasks []staging.Task) error {
	existing, err := e.client.ListPlanTaskSequences(ctx, plan.ID)
	if err != nil {
		return fmt.Errorf("list tasks for plan %s: %w", plan.ID, err)
	}
	have := make(map[int]bool, len(existing))
	for _, sequence := range existing {
		have[sequence] = true
	}
	var missing []staging.Task
	for _, task := range tasks {
		if !have[task.Sequence] {
			missing = append(missing, task)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	e.logger.Info("reconciling plan tasks", "plan_id", plan.ID, "missing", len(missing))
	if err := e.client.CreateTasks(ctx, plan.ID, productionTasks(plan, missing)); err != nil {
		return fmt.Errorf("create missing tasks for plan %s: %w", plan.ID, err)
	}
	return nil
}

func (e *Engine) recordSuccess(ctx context.Context, sub staging.Submission, planID, contactID string) error {
	now := e.now().UTC()
	_, err := e.store.UpdateSubmission(ctx, sub.ID, []staging.Status{staging.StatusProcessing}, func(s *staging.Submission) error {
		s.Status = staging.StatusSynced
		s.LastSyncedAt = &now
		s.LastError = ""
		s.ProductionPlanID = planID
		s.ProductionContactID = contactID
		return nil
	})
	if err != nil {
		return err
	}
	e.appendLog(ctx, sub, staging.LogSynced, "plan "+planID, now)
	return nil
}

func (e *Engine) recordFailure(ctx context.Context, sub staging.Submission, cause error) {
	now := e.now().UTC()
	reason := strings.TrimSpace(cause.Error())
	e.logger.Warn("submission sync failed", "submission_id", sub.ID, "reference_id", sub.ReferenceID, "outcome", string(OutcomeFailed), "attempt", sub.SyncAttempts, "error", reason)
	_, err := e.store.UpdateSubmission(ctx, sub.ID, []staging.Status{staging.StatusProcessing}, func(s *staging.Submission) error {
		s.Status = staging.StatusFailed
		s.LastError = reason
		return nil
	})
	if err != nil {
		e.logger.Error("record sync failure failed", "submission_id", sub.ID, "error", err)
		return
	}
	e.appendLog(ctx, sub, staging.LogSyncFailed, reason, now)
}

func (e *Engine) appendLog(ctx context.Context, sub staging.Submission, event staging.LogEvent, detail string, at time.Time) {
	entry := staging.LogEntry{
		ID:           uuid.NewString(),
		SubmissionID: sub.ID,
		ReferenceID:  sub.ReferenceID,
		Event:        event,
		Detail:       detail,
		CreatedAt:    at,
	}
	if err := e.store.AppendLog(ctx, entry); err != nil {
		e.logger.Warn("append log failed", "submission_id", sub.ID, "event", string(event), "error", err)
	}
}

// lock serializes syncs of the same submission within this process.
func (e *Engine) lock(ctx context.Context, id string) (func(), error) {
	e.locksMu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &recordLock{ch: make(chan struct{}, 1)}
		e.locks[id] = l
	}
	l.refs++
	e.locksMu.Unlock()

	unref := func() {
		e.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, id)
		}
		e.locksMu.Unlock()
	}

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			unref()
		}, nil
	case <-ctx.Done():
		unref()
		return nil, ctx.Err()
	}
}

// PlanStart is the production plan start date: the UTC calendar day the
// submission was created.
func PlanStart(sub staging.Submission) time.Time {
	created := sub.CreatedAt.UTC()
	return time.Date(created.Year(), created.Month(), created.Day(), 0, 0, 0, 0, time.UTC)
}

func planName(sub staging.Submission) string {
	return fmt.Sprintf("%s (%s)", sub.SubmitterName, sub.ReferenceID)
}

func productionTasks(plan production.Plan, tasks []staging.Task) []production.Task {
	sorted := append([]staging.Task(nil), tasks...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })
	out := make([]production.Task, 0, len(sorted))
	for _, task := range sorted {
		out = append(out, production.Task{
			PlanID:           plan.ID,
			Sequence:         task.Sequence,
			Name:             task.Name,
			Description:      task.Description,
			DueDate:          plan.StartDate.AddDate(0, 0, task.DueDateOffsetDays),
			Priority:         string(task.Priority),
			Category:         task.Category,
			Required:         task.Required,
			ReminderLeadDays: task.ReminderLeadDays,
			AssigneeEmail:    task.AssigneeEmail,
		})
	}
	return out
}
