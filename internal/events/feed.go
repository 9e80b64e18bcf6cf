package events

import (
	"sync"

	"github.com/agentworkforce/planrelay/internal/staging"
)

// Feed fans committed log entries out to live subscribers. A subscriber whose
// buffer is full misses entries; writers never block.
type Feed struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan staging.LogEntry
}

func NewFeed() *Feed {
	return &Feed{subs: map[int]chan staging.LogEntry{}}
}

// ObserveLog implements staging.LogObserver.
func (f *Feed) ObserveLog(entry staging.LogEntry) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.subs {
		select {
		case ch <- entry:
		default:
		}
	}
}

// Subscribe returns a channel of entries and a cancel func that closes it.
func (f *Feed) Subscribe(buffer int) (<-chan staging.LogEntry, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan staging.LogEntry, buffer)
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
}

func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
