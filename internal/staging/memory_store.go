package staging

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

const rateBucketRetention = 48 * time.Hour

type persistedState struct {
	Submissions map[string]Submission `json:"submissions"`
	References  map[string]string     `json:"references"`
	Tasks       map[string][]Task     `json:"tasks"`
	Logs        []LogEntry            `json:"logs"`
	RateCounts  map[string]int        `json:"rateCounts"`
}

// StateBackend persists full snapshots of a MemoryStore.
type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

type stateBackendCloser interface {
	Close() error
}

// stateBackendLocker is implemented by backends that several processes could
// open at once. Lock holds the backend exclusively until Close.
type stateBackendLocker interface {
	Lock() error
}

type MemoryStoreOptions struct {
	StateBackend StateBackend
	Now          func() time.Time
}

// MemoryStore keeps every record in maps guarded by one lock and writes a
// snapshot through its StateBackend after each mutation.
type MemoryStore struct {
	mu           sync.RWMutex
	submissions  map[string]Submission
	references   map[string]string
	tasks        map[string][]Task
	logs         []LogEntry
	rateCounts   map[string]int
	stateBackend StateBackend
	now          func() time.Time
}

func NewMemoryStore() *MemoryStore {
	store, _ := NewMemoryStoreWithOptions(MemoryStoreOptions{})
	return store
}

func NewMemoryStoreWithOptions(opts MemoryStoreOptions) (*MemoryStore, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &MemoryStore{
		submissions:  map[string]Submission{},
		references:   map[string]string{},
		tasks:        map[string][]Task{},
		rateCounts:   map[string]int{},
		stateBackend: opts.StateBackend,
		now:          now,
	}
	if locker, ok := opts.StateBackend.(stateBackendLocker); ok {
		if err := locker.Lock(); err != nil {
			return nil, err
		}
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MemoryStore) load() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot, err := s.stateBackend.Load()
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}
	if snapshot.Submissions != nil {
		s.submissions = snapshot.Submissions
	}
	if snapshot.References != nil {
		s.references = snapshot.References
	}
	if snapshot.Tasks != nil {
		s.tasks = snapshot.Tasks
	}
	if snapshot.RateCounts != nil {
		s.rateCounts = snapshot.RateCounts
	}
	s.logs = snapshot.Logs
	return nil
}

func (s *MemoryStore) saveLocked() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot := persistedState{
		Submissions: s.submissions,
		References:  s.references,
		Tasks:       s.tasks,
		Logs:        s.logs,
		RateCounts:  s.rateCounts,
	}
	return s.stateBackend.Save(&snapshot)
}

func (s *MemoryStore) StageSubmission(ctx context.Context, sub Submission, tasks []Task, entry LogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateStage(sub, tasks); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.references[sub.ReferenceID]; exists {
		return ErrDuplicateReference
	}
	if _, exists := s.submissions[sub.ID]; exists {
		return ErrDuplicateReference
	}
	sub.TaskCount = len(tasks)
	s.submissions[sub.ID] = sub
	s.references[sub.ReferenceID] = sub.ID
	s.tasks[sub.ID] = append([]Task(nil), tasks...)
	if entry.Event != "" {
		entry.SubmissionID = sub.ID
		entry.ReferenceID = sub.ReferenceID
		s.logs = append(s.logs, entry)
	}
	if err := s.saveLocked(); err != nil {
		delete(s.submissions, sub.ID)
		delete(s.references, sub.ReferenceID)
		delete(s.tasks, sub.ID)
		if entry.Event != "" {
			s.logs = s.logs[:len(s.logs)-1]
		}
		return err
	}
	return nil
}

func (s *MemoryStore) ReserveRateSlot(ctx context.Context, identity string, bucket time.Time, limit int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if NormalizeIdentity(identity) == "" {
		return 0, ErrInvalidInput
	}
	key := rateKey(identity, bucket)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneRateCountsLocked()
	count := s.rateCounts[key]
	if limit > 0 && count >= limit {
		return count, ErrRateLimited
	}
	s.rateCounts[key] = count + 1
	if err := s.saveLocked(); err != nil {
		s.rateCounts[key] = count
		return count, err
	}
	return count + 1, nil
}

func (s *MemoryStore) ReleaseRateSlot(ctx context.Context, identity string, bucket time.Time) error {
	key := rateKey(identity, bucket)
	s.mu.Lock()
	defer s.mu.Unlock()
	count := s.rateCounts[key]
	if count <= 0 {
		return nil
	}
	if count == 1 {
		delete(s.rateCounts, key)
	} else {
		s.rateCounts[key] = count - 1
	}
	return s.saveLocked()
}

func (s *MemoryStore) pruneRateCountsLocked() {
	cutoff := RateBucket(s.now()).Add(-rateBucketRetention)
	for key := range s.rateCounts {
		idx := strings.LastIndex(key, "|")
		if idx < 0 {
			continue
		}
		bucket, err := time.Parse(time.RFC3339, key[idx+1:])
		if err != nil || bucket.Before(cutoff) {
			delete(s.rateCounts, key)
		}
	}
}

func (s *MemoryStore) GetSubmission(ctx context.Context, id string) (Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.submissions[id]
	if !ok {
		return Submission{}, ErrNotFound
	}
	return sub, nil
}

func (s *MemoryStore) GetSubmissionByReference(ctx context.Context, referenceID string) (Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.references[strings.TrimSpace(referenceID)]
	if !ok {
		return Submission{}, ErrNotFound
	}
	sub, ok := s.submissions[id]
	if !ok {
		return Submission{}, ErrNotFound
	}
	return sub, nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, submissionID string) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.submissions[submissionID]; !ok {
		return nil, ErrNotFound
	}
	tasks := append([]Task(nil), s.tasks[submissionID]...)
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].Sequence < tasks[j].Sequence
	})
	return tasks, nil
}

func (s *MemoryStore) UpdateSubmission(ctx context.Context, id string, expect []Status, mutate Mutator) (Submission, error) {
	if err := ctx.Err(); err != nil {
		return Submission{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.submissions[id]
	if !ok {
		return Submission{}, ErrNotFound
	}
	next, err := applyMutation(current, expect, mutate)
	if err != nil {
		return Submission{}, err
	}
	s.submissions[id] = next
	if err := s.saveLocked(); err != nil {
		s.submissions[id] = current
		return Submission{}, err
	}
	return next, nil
}

func (s *MemoryStore) AppendLog(ctx context.Context, entry LogEntry) error {
	if entry.Event == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, entry)
	if err := s.saveLocked(); err != nil {
		s.logs = s.logs[:len(s.logs)-1]
		return err
	}
	return nil
}

func (s *MemoryStore) ListLogs(ctx context.Context, submissionID string) ([]LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]LogEntry, 0)
	for _, entry := range s.logs {
		if entry.SubmissionID == submissionID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]Submission, error) {
	s.mu.RLock()
	matched := make([]Submission, 0, len(s.submissions))
	for _, sub := range s.submissions {
		if filter.matches(sub) {
			matched = append(matched, sub)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return filter.Order.less(matched[i], matched[j])
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []Submission{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (s *MemoryStore) Close() error {
	if closer, ok := s.stateBackend.(stateBackendCloser); ok {
		return closer.Close()
	}
	return nil
}
