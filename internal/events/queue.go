// Package events carries submission events from the write path to the
// dispatcher. Delivery is at-least-once; consumers must tolerate duplicate,
// delayed and reordered events.
package events

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrQueueFull      = errors.New("event queue full")
	ErrClosed         = errors.New("event bus closed")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Event is the single event kind: a batch of staged submission ids.
type Event struct {
	ID            string    `json:"id"`
	SubmissionIDs []string  `json:"submissionIds"`
	PublishedAt   time.Time `json:"publishedAt"`
}

func (e Event) valid() bool {
	if strings.TrimSpace(e.ID) == "" || len(e.SubmissionIDs) == 0 {
		return false
	}
	for _, id := range e.SubmissionIDs {
		if strings.TrimSpace(id) == "" {
			return false
		}
	}
	return true
}

// Queue is a bounded FIFO of events. Dequeue blocks until an event is
// available or ctx is done.
type Queue interface {
	TryEnqueue(event Event) bool
	Enqueue(ctx context.Context, event Event) bool
	Dequeue(ctx context.Context) (Event, bool)
	Depth() int
	Capacity() int
	Close() error
}

type inMemoryQueue struct {
	ch chan Event
}

func NewInMemoryQueue(capacity int) Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &inMemoryQueue{ch: make(chan Event, capacity)}
}

func (q *inMemoryQueue) TryEnqueue(event Event) bool {
	if !event.valid() {
		return false
	}
	select {
	case q.ch <- event:
		return true
	default:
		return false
	}
}

func (q *inMemoryQueue) Enqueue(ctx context.Context, event Event) bool {
	if !event.valid() {
		return false
	}
	select {
	case q.ch <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryQueue) Dequeue(ctx context.Context) (Event, bool) {
	select {
	case event := <-q.ch:
		return event, true
	case <-ctx.Done():
		return Event{}, false
	}
}

func (q *inMemoryQueue) Depth() int {
	return len(q.ch)
}

func (q *inMemoryQueue) Capacity() int {
	return cap(q.ch)
}

func (q *inMemoryQueue) Close() error {
	return nil
}
