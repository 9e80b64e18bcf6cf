package staging

import "context"

// LogObserver receives every log entry after it has been persisted.
type LogObserver interface {
	ObserveLog(entry LogEntry)
}

// StatusObserver receives every submission after a successful update.
type StatusObserver interface {
	ObserveSubmission(sub Submission)
}

// ObservedStore forwards to an inner Store and notifies observers about
// committed writes. Observers run synchronously and must not block.
type ObservedStore struct {
	Store
	logs     LogObserver
	statuses StatusObserver
}

func NewObservedStore(inner Store, logs LogObserver, statuses StatusObserver) *ObservedStore {
	return &ObservedStore{Store: inner, logs: logs, statuses: statuses}
}

func (s *ObservedStore) StageSubmission(ctx context.Context, sub Submission, tasks []Task, entry LogEntry) error {
	if err := s.Store.StageSubmission(ctx, sub, tasks, entry); err != nil {
		return err
	}
	sub.TaskCount = len(tasks)
	if s.statuses != nil {
		s.statuses.ObserveSubmission(sub)
	}
	if entry.Event != "" && s.logs != nil {
		entry.SubmissionID = sub.ID
		entry.ReferenceID = sub.ReferenceID
		s.logs.ObserveLog(entry)
	}
	return nil
}

func (s *ObservedStore) UpdateSubmission(ctx context.Context, id string, expect []Status, mutate Mutator) (Submission, error) {
	next, err := s.Store.UpdateSubmission(ctx, id, expect, mutate)
	if err != nil {
		return next, err
	}
	if s.statuses != nil {
		s.statuses.ObserveSubmission(next)
	}
	return next, nil
}

func (s *ObservedStore) AppendLog(ctx context.Context, entry LogEntry) error {
	if err := s.Store.AppendLog(ctx, entry); err != nil {
		return err
	}
	if s.logs != nil {
		s.logs.ObserveLog(entry)
	}
	return nil
}

