// Package dispatch decides where sync work runs. Work arriving from the
// synchronous trigger path is handed to a background worker pool; work that
// is already running in a background context calls the sync engine inline.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/planrelay/internal/logging"
	"github.com/agentworkforce/planrelay/internal/staging"
	"github.com/agentworkforce/planrelay/internal/syncengine"
)

var ErrClosed = errors.New("dispatcher closed")

type ExecContext int

const (
	SyncTrigger ExecContext = iota
	AsyncFireAndForget
	AsyncChainable
	AsyncBulk
)

func (c ExecContext) String() string {
	switch c {
	case SyncTrigger:
		return "sync-trigger"
	case AsyncFireAndForget:
		return "async-fire-and-forget"
	case AsyncChainable:
		return "async-chainable"
	case AsyncBulk:
		return "async-bulk"
	default:
		return fmt.Sprintf("exec-context(%d)", int(c))
	}
}

func (c ExecContext) Async() bool {
	return c != SyncTrigger
}

type execContextKey struct{}

func WithExecContext(ctx context.Context, ec ExecContext) context.Context {
	return context.WithValue(ctx, execContextKey{}, ec)
}

// ExecContextFrom returns the execution context carried by ctx, SyncTrigger
// when none is set.
func ExecContextFrom(ctx context.Context) ExecContext {
	if ec, ok := ctx.Value(execContextKey{}).(ExecContext); ok {
		return ec
	}
	return SyncTrigger
}

type Syncer interface {
	Sync(ctx context.Context, id string) (syncengine.Outcome, error)
}

type Options struct {
	BatchSize         int
	Workers           int
	QueueSize         int
	RecordConcurrency int
	// Store receives a "dispatched" log entry per handed-off id. Optional.
	Store  staging.Store
	Logger *slog.Logger
	Now    func() time.Time
}

// Summary counts what a Dispatch call did. Inline runs fill the outcome
// counters; hand-offs fill Enqueued.
type Summary struct {
	Enqueued      int
	Synced        int
	Failed        int
	AlreadySynced int
}

func (s *Summary) add(other Summary) {
	s.Enqueued += other.Enqueued
	s.Synced += other.Synced
	s.Failed += other.Failed
	s.AlreadySynced += other.AlreadySynced
}

type job struct {
	ids []string
	ec  ExecContext
}

type Dispatcher struct {
	syncer            Syncer
	store             staging.Store
	logger            *slog.Logger
	now               func() time.Time
	batchSize         int
	recordConcurrency int

	jobs     chan job
	inflight atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    atomic.Bool
	wg        sync.WaitGroup
}

func New(syncer Syncer, opts Options) (*Dispatcher, error) {
	if syncer == nil {
		return nil, staging.ErrInvalidInput
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 25
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 2
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	recordConcurrency := opts.RecordConcurrency
	if recordConcurrency <= 0 {
		recordConcurrency = 1
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		syncer:            syncer,
		store:             opts.Store,
		logger:            logging.Component(opts.Logger, "dispatch"),
		now:               now,
		batchSize:         batchSize,
		recordConcurrency: recordConcurrency,
		jobs:              make(chan job, queueSize),
		ctx:               ctx,
		cancel:            cancel,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d, nil
}

// Dispatch routes ids according to the execution context carried by ctx.
// From SyncTrigger the ids are handed to the worker pool and Dispatch
// returns without waiting for any sync. From an async context the ids are
// synced inline, chunk by chunk.
func (d *Dispatcher) Dispatch(ctx context.Context, ids []string) (Summary, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return Summary{}, nil
	}
	ec := ExecContextFrom(ctx)
	if ec.Async() {
		return d.runInline(ctx, ids)
	}
	if d.closed.Load() {
		return Summary{}, ErrClosed
	}
	d.enqueue(job{ids: ids, ec: AsyncFireAndForget})
	d.recordDispatched(ctx, ids)
	return Summary{Enqueued: len(ids)}, nil
}

// Pending reports jobs queued or running.
func (d *Dispatcher) Pending() int {
	return int(d.inflight.Load())
}

func (d *Dispatcher) BatchSize() int {
	return d.batchSize
}

func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		d.cancel()
		d.wg.Wait()
	})
}

func (d *Dispatcher) enqueue(j job) {
	d.inflight.Add(1)
	select {
	case d.jobs <- j:
	default:
		go func() {
			select {
			case d.jobs <- j:
			case <-d.ctx.Done():
				d.inflight.Add(-1)
			}
		}()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case j := <-d.jobs:
			d.runJob(j)
		}
	}
}

// runJob syncs the first chunk of a job and chains the remainder as a new
// job so no single job runs more than one chunk.
func (d *Dispatcher) runJob(j job) {
	defer d.inflight.Add(-1)
	chunk, rest := j.ids, []string(nil)
	if len(chunk) > d.batchSize {
		chunk, rest = j.ids[:d.batchSize], j.ids[d.batchSize:]
	}
	if len(rest) > 0 && d.ctx.Err() == nil {
		d.enqueue(job{ids: rest, ec: AsyncChainable})
	}
	ctx := WithExecContext(d.ctx, j.ec)
	summary := d.runChunk(ctx, chunk)
	d.logger.Debug("chunk processed", "exec_context", j.ec.String(), "records", len(chunk), "synced", summary.Synced, "failed", summary.Failed, "already_synced", summary.AlreadySynced, "chained", len(rest))
}

func (d *Dispatcher) runInline(ctx context.Context, ids []string) (Summary, error) {
	var total Summary
	for start := 0; start < len(ids); start += d.batchSize {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		end := start + d.batchSize
		if end > len(ids) {
			end = len(ids)
		}
		total.add(d.runChunk(ctx, ids[start:end]))
	}
	return total, ctx.Err()
}

// runChunk syncs every id in the chunk. A failing or panicking record does
// not stop its siblings.
func (d *Dispatcher) runChunk(ctx context.Context, ids []string) Summary {
	var (
		mu      sync.Mutex
		summary Summary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.recordConcurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			kind := d.syncOne(gctx, id)
			mu.Lock()
			switch kind {
			case syncengine.OutcomeSynced:
				summary.Synced++
			case syncengine.OutcomeAlreadySynced:
				summary.AlreadySynced++
			case syncengine.OutcomeFailed:
				summary.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return summary
}

func (d *Dispatcher) syncOne(ctx context.Context, id string) (kind syncengine.OutcomeKind) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("sync panicked", "submission_id", id, "panic", fmt.Sprint(r))
			kind = syncengine.OutcomeFailed
		}
	}()
	outcome, err := d.syncer.Sync(ctx, id)
	if err != nil {
		d.logger.Warn("sync interrupted", "submission_id", id, "error", err)
		return ""
	}
	return outcome.Kind
}

func (d *Dispatcher) recordDispatched(ctx context.Context, ids []string) {
	if d.store == nil {
		return
	}
	now := d.now().UTC()
	for _, id := range ids {
		entry := staging.LogEntry{
			ID:           uuid.NewString(),
			SubmissionID: id,
			Event:        staging.LogDispatched,
			Detail:       AsyncFireAndForget.String(),
			CreatedAt:    now,
		}
		if err := d.store.AppendLog(ctx, entry); err != nil {
			d.logger.Warn("append dispatched log failed", "submission_id", id, "error", err)
		}
	}
}

func uniqueIDs(ids []string) []string {
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
