package events

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/planrelay/internal/staging"
)

func testEvent(id string, subs ...string) Event {
	return Event{ID: id, SubmissionIDs: subs, PublishedAt: time.Now().UTC()}
}

func TestFileQueuePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "event-queue.json")
	queue, err := NewFileQueue(path, 4)
	if err != nil {
		t.Fatalf("new file queue failed: %v", err)
	}
	if !queue.TryEnqueue(testEvent("evt_1", "sub_1")) || !queue.TryEnqueue(testEvent("evt_2", "sub_2", "sub_3")) {
		t.Fatalf("expected enqueue to succeed")
	}

	reopened, err := NewFileQueue(path, 4)
	if err != nil {
		t.Fatalf("reopen file queue failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	first, ok := reopened.Dequeue(ctx)
	if !ok || first.ID != "evt_1" {
		t.Fatalf("expected evt_1, got %+v (ok=%v)", first, ok)
	}
	second, ok := reopened.Dequeue(ctx)
	if !ok || second.ID != "evt_2" || len(second.SubmissionIDs) != 2 {
		t.Fatalf("expected evt_2 with two ids, got %+v (ok=%v)", second, ok)
	}
	if _, ok := reopened.Dequeue(ctx); ok {
		t.Fatalf("expected empty queue to time out")
	}
}

func TestQueuesRespectCapacityAndRejectInvalid(t *testing.T) {
	fileQueue, err := NewFileQueue(filepath.Join(t.TempDir(), "q.json"), 1)
	if err != nil {
		t.Fatalf("new file queue: %v", err)
	}
	for name, queue := range map[string]Queue{"memory": NewInMemoryQueue(1), "file": fileQueue} {
		if queue.TryEnqueue(Event{ID: "evt"}) {
			t.Fatalf("%s: event without submissions must be rejected", name)
		}
		if !queue.TryEnqueue(testEvent("evt_1", "sub_1")) {
			t.Fatalf("%s: first enqueue should succeed", name)
		}
		if queue.TryEnqueue(testEvent("evt_2", "sub_2")) {
			t.Fatalf("%s: enqueue beyond capacity should fail", name)
		}
		if queue.Depth() != 1 || queue.Capacity() != 1 {
			t.Fatalf("%s: unexpected depth/capacity %d/%d", name, queue.Depth(), queue.Capacity())
		}
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if queue.Enqueue(ctx, testEvent("evt_3", "sub_3")) {
			t.Fatalf("%s: blocking enqueue should give up on ctx timeout", name)
		}
		cancel()
	}
}

func TestBuildQueueFromDSN(t *testing.T) {
	queue, err := BuildQueueFromDSN("memory://", 7)
	if err != nil {
		t.Fatalf("build memory queue failed: %v", err)
	}
	if queue.Capacity() != 7 {
		t.Fatalf("expected capacity 7, got %d", queue.Capacity())
	}
	path := filepath.Join(t.TempDir(), "events.json")
	queue, err = BuildQueueFromDSN("file://"+path, 9)
	if err != nil {
		t.Fatalf("build file queue failed: %v", err)
	}
	if queue.Capacity() != 9 {
		t.Fatalf("expected capacity 9, got %d", queue.Capacity())
	}
	if _, err := BuildQueueFromDSN("kafka://broker:9092", 10); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented error, got %v", err)
	}
	if _, err := BuildQueueFromDSN("gopher://x", 10); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

func TestBusDeliversNotifiedIDs(t *testing.T) {
	bus := NewBus(NewInMemoryQueue(8), BusOptions{Consumers: 2})
	defer bus.Close()

	var mu sync.Mutex
	received := []string{}
	done := make(chan struct{}, 4)
	if err := bus.Subscribe(func(ctx context.Context, event Event) {
		mu.Lock()
		received = append(received, event.SubmissionIDs...)
		mu.Unlock()
		done <- struct{}{}
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Subscribe(func(context.Context, Event) {}); err == nil {
		t.Fatalf("second subscriber must be rejected")
	}

	if err := bus.Notify(context.Background(), "sub_1", "sub_1", " ", "sub_2"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if err := bus.Notify(context.Background(), "sub_3"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("event %d not delivered", i)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	sort.Strings(received)
	if len(received) != 3 || received[0] != "sub_1" || received[2] != "sub_3" {
		t.Fatalf("unexpected deliveries: %v", received)
	}
}

func TestBusNotifyDoesNotBlockOnFullQueue(t *testing.T) {
	bus := NewBus(NewInMemoryQueue(1), BusOptions{})
	if err := bus.Notify(context.Background(), "sub_1"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	start := time.Now()
	if err := bus.Notify(context.Background(), "sub_2"); err != nil {
		t.Fatalf("notify on full queue: %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatalf("notify blocked on a full queue")
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := bus.Notify(context.Background(), "sub_3"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

func TestFeedFanOutAndSlowSubscriber(t *testing.T) {
	feed := NewFeed()
	fast, cancelFast := feed.Subscribe(4)
	slow, cancelSlow := feed.Subscribe(1)
	if feed.Subscribers() != 2 {
		t.Fatalf("expected 2 subscribers")
	}

	for i := 0; i < 3; i++ {
		feed.ObserveLog(staging.LogEntry{ID: string(rune('a' + i)), Event: staging.LogSynced})
	}
	if len(fast) != 3 {
		t.Fatalf("fast subscriber should have 3 entries, got %d", len(fast))
	}
	if len(slow) != 1 {
		t.Fatalf("slow subscriber should keep only 1 entry, got %d", len(slow))
	}

	cancelSlow()
	cancelSlow()
	if _, ok := <-slow; !ok {
		t.Fatalf("buffered entry should still be readable after cancel")
	}
	if _, ok := <-slow; ok {
		t.Fatalf("channel should be closed after cancel")
	}
	cancelFast()
	if feed.Subscribers() != 0 {
		t.Fatalf("expected no subscribers")
	}
}
