// Package intake validates public submissions, enforces the per-submitter
// hourly rate limit and stages accepted submissions.
package intake

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/agentworkforce/planrelay/internal/catalog"
	"github.com/agentworkforce/planrelay/internal/logging"
	"github.com/agentworkforce/planrelay/internal/staging"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrRateLimited        = errors.New("rate limited")
	ErrDuplicateReference = errors.New("duplicate reference id")
)

type Reason string

const (
	ReasonValidation  Reason = "validation_failed"
	ReasonRateLimited Reason = "rate_limited"
	ReasonDuplicate   Reason = "duplicate_reference"
)

// RejectError is returned for every synchronous rejection. Nothing is staged
// when it is returned.
type RejectError struct {
	Reason  Reason
	Field   string
	Message string
}

func (e *RejectError) Error() string {
	if e.Message == "" {
		return string(e.Reason)
	}
	return string(e.Reason) + ": " + e.Message
}

func (e *RejectError) Is(target error) bool {
	switch e.Reason {
	case ReasonValidation:
		return target == ErrValidation
	case ReasonRateLimited:
		return target == ErrRateLimited
	case ReasonDuplicate:
		return target == ErrDuplicateReference
	}
	return false
}

func validationError(field, msg string) *RejectError {
	return &RejectError{Reason: ReasonValidation, Field: field, Message: msg}
}

// ReferencePattern matches generated reference ids.
var ReferencePattern = regexp.MustCompile(`^PLN-\d{8}T\d{6}-[0-9a-f]{12}$`)

var callerReferencePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{2,79}$`)

type TaskPayload struct {
	Name              string `json:"name"`
	Description       string `json:"description,omitempty"`
	DueDateOffsetDays *int   `json:"dueDateOffsetDays,omitempty"`
	Priority          string `json:"priority,omitempty"`
	Category          string `json:"category,omitempty"`
	AssigneeEmail     string `json:"assigneeEmail,omitempty"`
	Required          bool   `json:"required"`
	ReminderLeadDays  *int   `json:"reminderLeadDays,omitempty"`
}

type Payload struct {
	ReferenceID       string        `json:"referenceId,omitempty"`
	SubmitterEmail    string        `json:"submitterEmail"`
	SubmitterName     string        `json:"submitterName"`
	RelatedRecordID   string        `json:"relatedRecordId,omitempty"`
	RelatedObjectType string        `json:"relatedObjectType,omitempty"`
	Tasks             []TaskPayload `json:"tasks"`
}

// Notifier is told about every newly staged submission.
type Notifier interface {
	Notify(ctx context.Context, submissionIDs ...string) error
}

type Options struct {
	RateLimitPerHour int
	MaxTasksPerPlan  int
	Catalog          *catalog.Source
	Notifier         Notifier
	Logger           *slog.Logger
	Now              func() time.Time
}

type Guard struct {
	store    staging.Store
	schema   *PayloadSchema
	catalog  *catalog.Source
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	rateLimit int
	maxTasks  int
}

func NewGuard(store staging.Store, opts Options) (*Guard, error) {
	if store == nil {
		return nil, staging.ErrInvalidInput
	}
	schema, err := NewPayloadSchema()
	if err != nil {
		return nil, fmt.Errorf("compile payload schema: %w", err)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	src := opts.Catalog
	if src == nil {
		src = catalog.NewSource(nil)
	}
	rateLimit := opts.RateLimitPerHour
	if rateLimit <= 0 {
		rateLimit = 5
	}
	maxTasks := opts.MaxTasksPerPlan
	if maxTasks <= 0 {
		maxTasks = 50
	}
	return &Guard{
		store:     store,
		schema:    schema,
		catalog:   src,
		notifier:  opts.Notifier,
		logger:    logging.Component(opts.Logger, "intake"),
		now:       now,
		rateLimit: rateLimit,
		maxTasks:  maxTasks,
	}, nil
}

// AcceptJSON validates body against the payload schema, decodes it and
// accepts it.
func (g *Guard) AcceptJSON(ctx context.Context, body []byte, identity string) (string, error) {
	if err := g.schema.Validate(body); err != nil {
		g.recordRejection(ctx, "", staging.LogValidationFailed, err.Error())
		return "", err
	}
	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		rejectErr := validationError("", "body could not be decoded")
		g.recordRejection(ctx, "", staging.LogValidationFailed, rejectErr.Error())
		return "", rejectErr
	}
	return g.Accept(ctx, payload, identity)
}

// Accept validates payload, reserves a rate slot for identity and stages the
// submission with its tasks in status Pending. It returns the reference id.
// An empty identity falls back to the submitter email.
func (g *Guard) Accept(ctx context.Context, payload Payload, identity string) (string, error) {
	payload = sanitize(payload)
	if err := g.validate(payload); err != nil {
		g.recordRejection(ctx, payload.ReferenceID, staging.LogValidationFailed, err.Error())
		return "", err
	}
	if strings.TrimSpace(identity) == "" {
		identity = payload.SubmitterEmail
	}

	now := g.now().UTC()
	referenceID := payload.ReferenceID
	if referenceID == "" {
		referenceID = NewReferenceID(now)
	} else if _, err := g.store.GetSubmissionByReference(ctx, referenceID); err == nil {
		return "", &RejectError{Reason: ReasonDuplicate, Field: "referenceId", Message: "reference id already used"}
	} else if !errors.Is(err, staging.ErrNotFound) {
		return "", err
	}

	bucket := staging.RateBucket(now)
	if _, err := g.store.ReserveRateSlot(ctx, identity, bucket, g.rateLimit); err != nil {
		if errors.Is(err, staging.ErrRateLimited) {
			rejectErr := &RejectError{
				Reason:  ReasonRateLimited,
				Message: fmt.Sprintf("at most %d submissions per hour", g.rateLimit),
			}
			g.recordRejection(ctx, referenceID, staging.LogRateLimited, "identity "+staging.NormalizeIdentity(identity))
			return "", rejectErr
		}
		return "", err
	}

	sub, tasks := g.build(payload, referenceID, now)
	entry := staging.LogEntry{
		ID:        uuid.NewString(),
		Event:     staging.LogReceived,
		Detail:    fmt.Sprintf("%d tasks", len(tasks)),
		CreatedAt: now,
	}
	if err := g.store.StageSubmission(ctx, sub, tasks, entry); err != nil {
		if releaseErr := g.store.ReleaseRateSlot(context.WithoutCancel(ctx), identity, bucket); releaseErr != nil {
			g.logger.Warn("release rate slot failed", "error", releaseErr)
		}
		if errors.Is(err, staging.ErrDuplicateReference) {
			return "", &RejectError{Reason: ReasonDuplicate, Field: "referenceId", Message: "reference id already used"}
		}
		return "", err
	}
	g.logger.Info("submission accepted", "submission_id", sub.ID, "reference_id", referenceID, "tasks", len(tasks))

	if g.notifier != nil {
		if err := g.notifier.Notify(ctx, sub.ID); err != nil {
			// The record stays Pending and is picked up by process-pending.
			g.logger.Warn("notify failed", "submission_id", sub.ID, "error", err)
		}
	}
	return referenceID, nil
}

func (g *Guard) validate(p Payload) error {
	if p.ReferenceID != "" && !callerReferencePattern.MatchString(p.ReferenceID) {
		return validationError("referenceId", "referenceId must be 3-80 characters of letters, digits, '_', '.', ':' or '-'")
	}
	if _, err := parseEmail(p.SubmitterEmail); err != nil {
		return validationError("submitterEmail", "submitterEmail is not a valid email address")
	}
	if p.SubmitterName == "" {
		return validationError("submitterName", "submitterName is required")
	}
	if len(p.Tasks) == 0 {
		return validationError("tasks", "at least one task is required")
	}
	if len(p.Tasks) > g.maxTasks {
		return validationError("tasks", fmt.Sprintf("at most %d tasks are allowed", g.maxTasks))
	}
	for i, task := range p.Tasks {
		field := fmt.Sprintf("tasks[%d]", i)
		if task.Name == "" {
			return validationError(field+".name", field+".name is required")
		}
		if task.Priority != "" {
			if _, ok := staging.ParsePriority(task.Priority); !ok {
				return validationError(field+".priority", field+".priority must be High, Medium or Low")
			}
		}
		if task.DueDateOffsetDays != nil && *task.DueDateOffsetDays < 0 {
			return validationError(field+".dueDateOffsetDays", field+".dueDateOffsetDays must not be negative")
		}
		if task.ReminderLeadDays != nil && *task.ReminderLeadDays < 0 {
			return validationError(field+".reminderLeadDays", field+".reminderLeadDays must not be negative")
		}
		if task.AssigneeEmail != "" {
			if _, err := parseEmail(task.AssigneeEmail); err != nil {
				return validationError(field+".assigneeEmail", field+".assigneeEmail is not a valid email address")
			}
		}
	}
	return nil
}

func (g *Guard) build(p Payload, referenceID string, now time.Time) (staging.Submission, []staging.Task) {
	sub := staging.Submission{
		ID:                uuid.NewString(),
		ReferenceID:       referenceID,
		SubmitterEmail:    p.SubmitterEmail,
		SubmitterName:     p.SubmitterName,
		RelatedRecordID:   p.RelatedRecordID,
		RelatedObjectType: p.RelatedObjectType,
		Status:            staging.StatusPending,
		CreatedAt:         now,
	}
	cat := g.catalog.Current()
	tasks := make([]staging.Task, 0, len(p.Tasks))
	for i, in := range p.Tasks {
		priority, _ := staging.ParsePriority(in.Priority)
		category, priority, reminder, due := cat.Apply(catalog.TaskDefaults{
			Category:          in.Category,
			Priority:          priority,
			ReminderLeadDays:  in.ReminderLeadDays,
			DueDateOffsetDays: in.DueDateOffsetDays,
		})
		tasks = append(tasks, staging.Task{
			SubmissionID:      sub.ID,
			Sequence:          i + 1,
			Name:              in.Name,
			Description:       in.Description,
			DueDateOffsetDays: due,
			Priority:          priority,
			Category:          category,
			Required:          in.Required,
			ReminderLeadDays:  reminder,
			AssigneeEmail:     in.AssigneeEmail,
		})
	}
	sub.TaskCount = len(tasks)
	return sub, tasks
}

func (g *Guard) recordRejection(ctx context.Context, referenceID string, event staging.LogEvent, detail string) {
	g.logger.Info("submission rejected", "event", string(event), "reference_id", referenceID, "detail", detail)
	entry := staging.LogEntry{
		ID:          uuid.NewString(),
		ReferenceID: referenceID,
		Event:       event,
		Detail:      detail,
		CreatedAt:   g.now().UTC(),
	}
	if err := g.store.AppendLog(ctx, entry); err != nil {
		g.logger.Warn("append rejection log failed", "error", err)
	}
}

// NewReferenceID returns PLN-<UTC yyyymmddThhmmss>-<12 hex chars>.
func NewReferenceID(now time.Time) string {
	id := uuid.New()
	return "PLN-" + now.UTC().Format("20060102T150405") + "-" + hex.EncodeToString(id[:6])
}

func parseEmail(raw string) (string, error) {
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return "", err
	}
	// Reject display-name forms like "Bob <bob@example.com>".
	if addr.Address != raw || !strings.Contains(addr.Address, "@") {
		return "", errors.New("not a bare address")
	}
	domain := addr.Address[strings.LastIndex(addr.Address, "@")+1:]
	if !strings.Contains(domain, ".") {
		return "", errors.New("domain has no dot")
	}
	return addr.Address, nil
}

func sanitize(p Payload) Payload {
	p.ReferenceID = strings.TrimSpace(p.ReferenceID)
	p.SubmitterEmail = strings.TrimSpace(p.SubmitterEmail)
	p.SubmitterName = cleanLine(p.SubmitterName)
	p.RelatedRecordID = strings.TrimSpace(p.RelatedRecordID)
	p.RelatedObjectType = cleanLine(p.RelatedObjectType)
	tasks := make([]TaskPayload, len(p.Tasks))
	for i, task := range p.Tasks {
		task.Name = cleanLine(task.Name)
		task.Description = cleanText(task.Description)
		task.Priority = strings.TrimSpace(task.Priority)
		task.Category = cleanLine(task.Category)
		task.AssigneeEmail = strings.TrimSpace(task.AssigneeEmail)
		tasks[i] = task
	}
	p.Tasks = tasks
	return p
}

// cleanLine drops control characters and collapses runs of whitespace.
func cleanLine(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// cleanText drops control characters except newlines and tabs.
func cleanText(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}
