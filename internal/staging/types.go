package staging

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrDuplicateReference = errors.New("duplicate reference id")
	ErrRateLimited        = errors.New("rate limited")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrInvalidInput       = errors.New("invalid input")
	ErrNotImplemented     = errors.New("not implemented")
	ErrStoreLocked        = errors.New("staging store is held by another process")
)

type Status string

const (
	StatusPending    Status = "Pending"
	StatusProcessing Status = "Processing"
	StatusSynced     Status = "Synced"
	StatusFailed     Status = "Failed"
)

// AllStatuses lists statuses in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusProcessing, StatusSynced, StatusFailed}

func ParseStatus(raw string) (Status, bool) {
	for _, status := range AllStatuses {
		if strings.EqualFold(strings.TrimSpace(raw), string(status)) {
			return status, true
		}
	}
	return "", false
}

// CanTransition reports whether a submission may move from one status to
// another. Staying in the same status is always allowed; the only backwards
// edge is Failed -> Processing.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusSynced || to == StatusFailed
	case StatusFailed:
		return to == StatusProcessing
	default:
		return false
	}
}

type Priority string

const (
	PriorityHigh   Priority = "High"
	PriorityMedium Priority = "Medium"
	PriorityLow    Priority = "Low"
)

func ParsePriority(raw string) (Priority, bool) {
	for _, p := range []Priority{PriorityHigh, PriorityMedium, PriorityLow} {
		if strings.EqualFold(strings.TrimSpace(raw), string(p)) {
			return p, true
		}
	}
	return "", false
}

type Submission struct {
	ID                  string     `json:"id"`
	ReferenceID         string     `json:"referenceId"`
	SubmitterEmail      string     `json:"submitterEmail"`
	SubmitterName       string     `json:"submitterName"`
	RelatedRecordID     string     `json:"relatedRecordId,omitempty"`
	RelatedObjectType   string     `json:"relatedObjectType,omitempty"`
	Status              Status     `json:"status"`
	RetryCount          int        `json:"retryCount"`
	SyncAttempts        int        `json:"syncAttempts"`
	LastError           string     `json:"lastError,omitempty"`
	TaskCount           int        `json:"taskCount"`
	CreatedAt           time.Time  `json:"createdAt"`
	LastAttemptAt       *time.Time `json:"lastAttemptAt,omitempty"`
	LastSyncedAt        *time.Time `json:"lastSyncedAt,omitempty"`
	EscalatedAt         *time.Time `json:"escalatedAt,omitempty"`
	ProductionPlanID    string     `json:"productionPlanId,omitempty"`
	ProductionContactID string     `json:"productionContactId,omitempty"`
}

// Terminal reports whether the submission needs no further automatic work.
func (s Submission) Terminal(maxRetryCount int) bool {
	if s.Status == StatusSynced {
		return true
	}
	return s.Status == StatusFailed && s.RetryCount >= maxRetryCount
}

type Task struct {
	SubmissionID      string   `json:"submissionId"`
	Sequence          int      `json:"sequence"`
	Name              string   `json:"name"`
	Description       string   `json:"description,omitempty"`
	DueDateOffsetDays int      `json:"dueDateOffsetDays"`
	Priority          Priority `json:"priority"`
	Category          string   `json:"category,omitempty"`
	Required          bool     `json:"required"`
	ReminderLeadDays  int      `json:"reminderLeadDays"`
	AssigneeEmail     string   `json:"assigneeEmail,omitempty"`
}

type LogEvent string

const (
	LogReceived         LogEvent = "received"
	LogRateLimited      LogEvent = "rate-limited"
	LogValidationFailed LogEvent = "validation-failed"
	LogDispatched       LogEvent = "dispatched"
	LogSynced           LogEvent = "synced"
	LogSyncFailed       LogEvent = "sync-failed"
	LogRetried          LogEvent = "retried"
	LogRetryExhausted   LogEvent = "retry-exhausted"
	LogRetryReleased    LogEvent = "retry-released"
)

// LogEntry is write-once. Entries for rejected payloads carry no SubmissionID.
type LogEntry struct {
	ID           string    `json:"id"`
	SubmissionID string    `json:"submissionId,omitempty"`
	ReferenceID  string    `json:"referenceId,omitempty"`
	Event        LogEvent  `json:"event"`
	Detail       string    `json:"detail,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

type Order int

const (
	OrderCreatedDesc Order = iota
	OrderLastAttemptAsc
)

type SubmissionFilter struct {
	Statuses []Status
	// CreatedFrom is inclusive, CreatedTo exclusive. Zero values are unbounded.
	CreatedFrom time.Time
	CreatedTo   time.Time
	// RetryCountBelow selects RetryCount < n when n > 0.
	RetryCountBelow int
	// RetryCountAtLeast selects RetryCount >= n when n > 0.
	RetryCountAtLeast int
	NotEscalated      bool
	Order             Order
	Limit             int
	Offset            int
}

// Mutator edits a submission inside an UpdateSubmission call. Returning an
// error aborts the update.
type Mutator func(*Submission) error

// Store is the persistence port for staged submissions. Implementations must
// make StageSubmission, ReserveRateSlot and UpdateSubmission atomic.
type Store interface {
	StageSubmission(ctx context.Context, sub Submission, tasks []Task, entry LogEntry) error
	ReserveRateSlot(ctx context.Context, identity string, bucket time.Time, limit int) (int, error)
	ReleaseRateSlot(ctx context.Context, identity string, bucket time.Time) error
	GetSubmission(ctx context.Context, id string) (Submission, error)
	GetSubmissionByReference(ctx context.Context, referenceID string) (Submission, error)
	ListTasks(ctx context.Context, submissionID string) ([]Task, error)
	UpdateSubmission(ctx context.Context, id string, expect []Status, mutate Mutator) (Submission, error)
	AppendLog(ctx context.Context, entry LogEntry) error
	ListLogs(ctx context.Context, submissionID string) ([]LogEntry, error)
	ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]Submission, error)
	Close() error
}

// RateBucket truncates t to the hour bucket used by rate counters.
func RateBucket(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

func NormalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

func rateKey(identity string, bucket time.Time) string {
	return NormalizeIdentity(identity) + "|" + RateBucket(bucket).Format(time.RFC3339)
}

func statusIn(status Status, expect []Status) bool {
	if len(expect) == 0 {
		return true
	}
	for _, candidate := range expect {
		if candidate == status {
			return true
		}
	}
	return false
}

// matches applies the non-paging parts of a filter in memory.
func (f SubmissionFilter) matches(sub Submission) bool {
	if len(f.Statuses) > 0 && !statusIn(sub.Status, f.Statuses) {
		return false
	}
	if !f.CreatedFrom.IsZero() && sub.CreatedAt.Before(f.CreatedFrom) {
		return false
	}
	if !f.CreatedTo.IsZero() && !sub.CreatedAt.Before(f.CreatedTo) {
		return false
	}
	if f.RetryCountBelow > 0 && sub.RetryCount >= f.RetryCountBelow {
		return false
	}
	if f.RetryCountAtLeast > 0 && sub.RetryCount < f.RetryCountAtLeast {
		return false
	}
	if f.NotEscalated && sub.EscalatedAt != nil {
		return false
	}
	return true
}

func attemptTime(sub Submission) time.Time {
	if sub.LastAttemptAt != nil {
		return *sub.LastAttemptAt
	}
	return sub.CreatedAt
}

// less orders two submissions for the given filter order. Ties break on ID so
// the order is stable across calls.
func (o Order) less(a, b Submission) bool {
	switch o {
	case OrderLastAttemptAsc:
		at, bt := attemptTime(a), attemptTime(b)
		if !at.Equal(bt) {
			return at.Before(bt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	default:
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	}
}

func validateStage(sub Submission, tasks []Task) error {
	if strings.TrimSpace(sub.ID) == "" || strings.TrimSpace(sub.ReferenceID) == "" {
		return ErrInvalidInput
	}
	if sub.Status != StatusPending {
		return ErrInvalidInput
	}
	for _, task := range tasks {
		if task.SubmissionID != sub.ID {
			return ErrInvalidInput
		}
	}
	return nil
}

func applyMutation(current Submission, expect []Status, mutate Mutator) (Submission, error) {
	if !statusIn(current.Status, expect) {
		return Submission{}, ErrInvalidTransition
	}
	next := current
	if mutate != nil {
		if err := mutate(&next); err != nil {
			return Submission{}, err
		}
	}
	if !CanTransition(current.Status, next.Status) {
		return Submission{}, ErrInvalidTransition
	}
	// Identity fields are immutable.
	next.ID = current.ID
	next.ReferenceID = current.ReferenceID
	next.CreatedAt = current.CreatedAt
	return next, nil
}
