package events

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/planrelay/internal/logging"
)

// Handler consumes one event. It is called from bus consumer goroutines.
type Handler func(ctx context.Context, event Event)

type BusOptions struct {
	Consumers int
	Logger    *slog.Logger
	Now       func() time.Time
}

// Bus publishes submission events onto a Queue and runs consumers that hand
// each event to the subscribed Handler.
type Bus struct {
	queue     Queue
	consumers int
	logger    *slog.Logger
	now       func() time.Time

	mu         sync.Mutex
	subscribed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewBus(queue Queue, opts BusOptions) *Bus {
	if queue == nil {
		queue = NewInMemoryQueue(0)
	}
	consumers := opts.Consumers
	if consumers <= 0 {
		consumers = 1
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		queue:     queue,
		consumers: consumers,
		logger:    logging.Component(opts.Logger, "events"),
		now:       now,
		ctx:       ctx,
		cancel:    cancel,
		closed:    make(chan struct{}),
	}
}

// Notify publishes one event carrying ids. It never blocks on a full queue:
// the event is handed to a background enqueue that gives up when the bus
// closes.
func (b *Bus) Notify(ctx context.Context, ids ...string) error {
	select {
	case <-b.closed:
		return ErrClosed
	default:
	}
	event := Event{ID: uuid.NewString(), SubmissionIDs: dedupe(ids), PublishedAt: b.now().UTC()}
	if len(event.SubmissionIDs) == 0 {
		return ErrInvalidInput
	}
	if b.queue.TryEnqueue(event) {
		return nil
	}
	go func() {
		if !b.queue.Enqueue(b.ctx, event) {
			b.logger.Warn("event dropped", "event_id", event.ID, "submissions", len(event.SubmissionIDs))
		}
	}()
	return nil
}

// Subscribe starts the consumer goroutines. A bus has a single subscriber.
func (b *Bus) Subscribe(handler Handler) error {
	if handler == nil {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribed {
		return errors.New("events: bus already has a subscriber")
	}
	b.subscribed = true
	b.wg.Add(b.consumers)
	for i := 0; i < b.consumers; i++ {
		go func() {
			defer b.wg.Done()
			b.consume(handler)
		}()
	}
	return nil
}

func (b *Bus) consume(handler Handler) {
	for {
		event, ok := b.queue.Dequeue(b.ctx)
		if !ok {
			return
		}
		handler(b.ctx, event)
	}
}

func (b *Bus) Depth() int {
	return b.queue.Depth()
}

// Close stops consumers, waits for in-flight handlers and closes the queue.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		b.cancel()
		b.wg.Wait()
		err = b.queue.Close()
	})
	return err
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
