package production

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Op names a MemorySystem call for fault injection.
type Op string

const (
	OpFindContact   Op = "find_contact"
	OpCreateContact Op = "create_contact"
	OpFindPlan      Op = "find_plan"
	OpCreatePlan    Op = "create_plan"
	OpCreateTasks   Op = "create_tasks"
	OpListTasks     Op = "list_tasks"
)

var ErrInjected = errors.New("injected production failure")

type fault struct {
	remaining int
	err       error
}

// MemorySystem is an in-process production system. It is used by tests and
// by `serve` when no production base URL is configured.
type MemorySystem struct {
	mu       sync.Mutex
	now      func() time.Time
	contacts map[string]Contact
	plans    map[string]Plan
	planRefs map[string]string
	tasks    map[string]map[int]Task
	faults   map[Op]*fault
	calls    map[Op]int
}

func NewMemorySystem() *MemorySystem {
	return &MemorySystem{
		now:      func() time.Time { return time.Now().UTC() },
		contacts: map[string]Contact{},
		plans:    map[string]Plan{},
		planRefs: map[string]string{},
		tasks:    map[string]map[int]Task{},
		faults:   map[Op]*fault{},
		calls:    map[Op]int{},
	}
}

// FailNext makes the next n calls of op return err (ErrInjected when nil).
// A negative n fails every call until ClearFaults.
func (m *MemorySystem) FailNext(op Op, n int, err error) {
	if err == nil {
		err = ErrInjected
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = &fault{remaining: n, err: err}
}

func (m *MemorySystem) ClearFaults() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = map[Op]*fault{}
}

// Calls reports how many times op was invoked, failed calls included.
func (m *MemorySystem) Calls(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *MemorySystem) Contacts() []Contact {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Contact, 0, len(m.contacts))
	for _, contact := range m.contacts {
		out = append(out, contact)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out
}

func (m *MemorySystem) Plans() []Plan {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Plan, 0, len(m.plans))
	for _, plan := range m.plans {
		out = append(out, plan)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalReference < out[j].ExternalReference })
	return out
}

// Tasks returns a plan's tasks ordered by sequence.
func (m *MemorySystem) Tasks(planID string) []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Task, 0, len(m.tasks[planID]))
	for _, task := range m.tasks[planID] {
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

func (m *MemorySystem) FindContactByEmail(ctx context.Context, email string) (Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enterLocked(ctx, OpFindContact); err != nil {
		return Contact{}, err
	}
	contact, ok := m.contacts[normalizeEmail(email)]
	if !ok {
		return Contact{}, ErrNotFound
	}
	return contact, nil
}

func (m *MemorySystem) CreateContact(ctx context.Context, in NewContact) (Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enterLocked(ctx, OpCreateContact); err != nil {
		return Contact{}, err
	}
	key := normalizeEmail(in.Email)
	if key == "" {
		return Contact{}, &HTTPError{StatusCode: 422, Code: "invalid_contact", Message: "email is required"}
	}
	if _, exists := m.contacts[key]; exists {
		return Contact{}, &HTTPError{StatusCode: 409, Code: "duplicate_contact", Message: "contact already exists for " + key}
	}
	contact := Contact{
		ID:         "con_" + uuid.NewString(),
		Email:      strings.TrimSpace(in.Email),
		Name:       in.Name,
		ObjectType: in.ObjectType,
		CreatedAt:  m.now(),
	}
	m.contacts[key] = contact
	return contact, nil
}

func (m *MemorySystem) FindPlanByReference(ctx context.Context, externalReference string) (Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enterLocked(ctx, OpFindPlan); err != nil {
		return Plan{}, err
	}
	id, ok := m.planRefs[externalReference]
	if !ok {
		return Plan{}, ErrNotFound
	}
	return m.plans[id], nil
}

func (m *MemorySystem) CreatePlan(ctx context.Context, in NewPlan) (Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enterLocked(ctx, OpCreatePlan); err != nil {
		return Plan{}, err
	}
	if _, exists := m.planRefs[in.ExternalReference]; exists {
		return Plan{}, &HTTPError{StatusCode: 409, Code: "duplicate_plan", Message: "plan already exists for " + in.ExternalReference}
	}
	if _, ok := m.contactByIDLocked(in.ContactID); !ok {
		return Plan{}, &HTTPError{StatusCode: 422, Code: "unknown_contact", Message: "contact " + in.ContactID + " does not exist"}
	}
	plan := Plan{
		ID:                "pln_" + uuid.NewString(),
		ExternalReference: in.ExternalReference,
		ContactID:         in.ContactID,
		Name:              in.Name,
		RelatedRecordID:   in.RelatedRecordID,
		StartDate:         in.StartDate,
		CreatedAt:         m.now(),
	}
	m.plans[plan.ID] = plan
	m.planRefs[plan.ExternalReference] = plan.ID
	m.tasks[plan.ID] = map[int]Task{}
	return plan, nil
}

func (m *MemorySystem) CreateTasks(ctx context.Context, planID string, tasks []Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enterLocked(ctx, OpCreateTasks); err != nil {
		return err
	}
	existing, ok := m.tasks[planID]
	if !ok {
		return &HTTPError{StatusCode: 404, Code: "not_found", Message: "plan " + planID + " does not exist"}
	}
	for _, task := range tasks {
		if _, dup := existing[task.Sequence]; dup {
			return &HTTPError{StatusCode: 409, Code: "duplicate_task", Message: "task sequence already exists"}
		}
	}
	for _, task := range tasks {
		task.PlanID = planID
		existing[task.Sequence] = task
	}
	return nil
}

func (m *MemorySystem) ListPlanTaskSequences(ctx context.Context, planID string) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enterLocked(ctx, OpListTasks); err != nil {
		return nil, err
	}
	existing, ok := m.tasks[planID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]int, 0, len(existing))
	for sequence := range existing {
		out = append(out, sequence)
	}
	sort.Ints(out)
	return out, nil
}

func (m *MemorySystem) enterLocked(ctx context.Context, op Op) error {
	m.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	f, ok := m.faults[op]
	if !ok {
		return nil
	}
	if f.remaining == 0 {
		delete(m.faults, op)
		return nil
	}
	if f.remaining > 0 {
		f.remaining--
		if f.remaining == 0 {
			delete(m.faults, op)
		}
	}
	return f.err
}

func (m *MemorySystem) contactByIDLocked(id string) (Contact, bool) {
	for _, contact := range m.contacts {
		if contact.ID == id {
			return contact, true
		}
	}
	return Contact{}, false
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
