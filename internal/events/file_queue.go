package events

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// fileQueue keeps the queue in memory and rewrites a JSON file after every
// change so pending events survive a restart.
type fileQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []Event
}

type fileQueueState struct {
	Items []Event `json:"items"`
}

func NewFileQueue(path string, capacity int) (Queue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	q := &fileQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []Event{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileQueue) TryEnqueue(event Event) bool {
	if !event.valid() {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, event)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileQueue) Enqueue(ctx context.Context, event Event) bool {
	if !event.valid() {
		return false
	}
	for {
		if q.TryEnqueue(event) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileQueue) Dequeue(ctx context.Context) (Event, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			if err := q.saveLocked(); err != nil {
				q.items = append([]Event{item}, q.items...)
				q.mu.Unlock()
				select {
				case <-ctx.Done():
					return Event{}, false
				case <-time.After(q.pollInterval):
					continue
				}
			}
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return Event{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileQueue) Capacity() int {
	return q.capacity
}

func (q *fileQueue) Close() error {
	return nil
}

// load keeps the newest events when the file holds more than capacity.
func (q *fileQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Items) > q.capacity {
		q.items = append([]Event(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]Event(nil), snapshot.Items...)
	return nil
}

func (q *fileQueue) saveLocked() error {
	data, err := json.Marshal(fileQueueState{Items: q.items})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
