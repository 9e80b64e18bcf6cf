// Package production is the boundary to the system that owns canonical
// plans, tasks and contacts.
package production

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by lookups that match nothing. Callers treat it as
// a normal outcome, not a failure.
var ErrNotFound = errors.New("production record not found")

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("production http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("production http %d: %s", e.StatusCode, e.Message)
}

type Contact struct {
	ID         string    `json:"id"`
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	ObjectType string    `json:"objectType,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

type NewContact struct {
	Email      string `json:"email"`
	Name       string `json:"name"`
	ObjectType string `json:"objectType,omitempty"`
}

type Plan struct {
	ID                string    `json:"id"`
	ExternalReference string    `json:"externalReference"`
	ContactID         string    `json:"contactId"`
	Name              string    `json:"name"`
	RelatedRecordID   string    `json:"relatedRecordId,omitempty"`
	StartDate         time.Time `json:"startDate"`
	CreatedAt         time.Time `json:"createdAt"`
}

type NewPlan struct {
	ExternalReference string    `json:"externalReference"`
	ContactID         string    `json:"contactId"`
	Name              string    `json:"name"`
	RelatedRecordID   string    `json:"relatedRecordId,omitempty"`
	StartDate         time.Time `json:"startDate"`
}

type Task struct {
	PlanID           string    `json:"planId,omitempty"`
	Sequence         int       `json:"sequence"`
	Name             string    `json:"name"`
	Description      string    `json:"description,omitempty"`
	DueDate          time.Time `json:"dueDate"`
	Priority         string    `json:"priority"`
	Category         string    `json:"category,omitempty"`
	Required         bool      `json:"required"`
	ReminderLeadDays int       `json:"reminderLeadDays"`
	AssigneeEmail    string    `json:"assigneeEmail,omitempty"`
}

// Client is the production system port. Lookups return ErrNotFound when
// nothing matches; creation failures are returned as errors.
type Client interface {
	FindContactByEmail(ctx context.Context, email string) (Contact, error)
	CreateContact(ctx context.Context, contact NewContact) (Contact, error)
	FindPlanByReference(ctx context.Context, externalReference string) (Plan, error)
	CreatePlan(ctx context.Context, plan NewPlan) (Plan, error)
	CreateTasks(ctx context.Context, planID string, tasks []Task) error
	ListPlanTaskSequences(ctx context.Context, planID string) ([]int, error)
}
