package events

import (
	"fmt"
	"strings"
	"sync"
)

type QueueFactory func(dsn string, capacity int) (Queue, error)

var queueFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]QueueFactory
}{
	factories: map[string]QueueFactory{},
}

func RegisterQueueFactory(scheme string, factory QueueFactory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	queueFactoryRegistry.mu.Lock()
	defer queueFactoryRegistry.mu.Unlock()
	queueFactoryRegistry.factories[scheme] = factory
}

func lookupQueueFactory(scheme string) (QueueFactory, bool) {
	queueFactoryRegistry.mu.RLock()
	defer queueFactoryRegistry.mu.RUnlock()
	factory, ok := queueFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildQueueFromDSN opens an event queue: memory://, file:///path.json or
// postgres://. A bare path is a file queue.
func BuildQueueFromDSN(dsn string, capacity int) (Queue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryQueue(capacity), nil
	}
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		scheme, rest = "", dsn
	}
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if factory, ok := lookupQueueFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewInMemoryQueue(capacity), nil
	case "", "file":
		return NewFileQueue(rest, capacity)
	case "postgres", "postgresql":
		q, err := NewPostgresQueue(dsn, capacity)
		if err != nil {
			return nil, err
		}
		return q, nil
	case "redis", "rediss", "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: event queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported event queue scheme: %s", scheme)
	}
}
