// Package pipeline assembles the staging-to-production components from a
// Config and exposes the operations the HTTP surface and CLI need.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agentworkforce/planrelay/internal/catalog"
	"github.com/agentworkforce/planrelay/internal/config"
	"github.com/agentworkforce/planrelay/internal/dispatch"
	"github.com/agentworkforce/planrelay/internal/events"
	"github.com/agentworkforce/planrelay/internal/intake"
	"github.com/agentworkforce/planrelay/internal/logging"
	"github.com/agentworkforce/planrelay/internal/metrics"
	"github.com/agentworkforce/planrelay/internal/production"
	"github.com/agentworkforce/planrelay/internal/retry"
	"github.com/agentworkforce/planrelay/internal/staging"
	"github.com/agentworkforce/planrelay/internal/syncengine"
)

const pendingPageSize = 500

type Options struct {
	Config config.Config
	Logger *slog.Logger
	// Store and Production override the DSN and base URL in Config.
	Store      staging.Store
	Production production.Client
	Queue      events.Queue
	Notifier   retry.Notifier
	Now        func() time.Time
}

type Pipeline struct {
	cfg    config.Config
	logger *slog.Logger
	now    func() time.Time

	store      staging.Store
	feed       *events.Feed
	bus        *events.Bus
	catalog    *catalog.Source
	guard      *intake.Guard
	production production.Client
	engine     *syncengine.Engine
	dispatcher *dispatch.Dispatcher
	scheduler  *retry.Scheduler
	metrics    *metrics.Aggregator
}

// StatusView is the public tracking view of one submission.
type StatusView struct {
	ReferenceID      string         `json:"referenceId"`
	Status           staging.Status `json:"status"`
	ProductionPlanID string         `json:"productionPlanId,omitempty"`
}

type Detail struct {
	Submission staging.Submission `json:"submission"`
	Tasks      []staging.Task     `json:"tasks"`
	Logs       []staging.LogEntry `json:"logs"`
}

type transitionLogger struct {
	logger *slog.Logger
}

func (l transitionLogger) ObserveSubmission(sub staging.Submission) {
	l.logger.Debug("submission state", "submission_id", sub.ID, "reference_id", sub.ReferenceID, "status", string(sub.Status), "retry_count", sub.RetryCount)
}

func New(opts Options) (*Pipeline, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	p := &Pipeline{cfg: cfg, logger: logging.Component(logger, "pipeline"), now: now, feed: events.NewFeed()}

	inner := opts.Store
	if inner == nil {
		built, err := staging.BuildStoreFromDSN(cfg.StagingDSN)
		if err != nil {
			return nil, fmt.Errorf("staging store: %w", err)
		}
		inner = built
	}
	p.store = staging.NewObservedStore(inner, p.feed, transitionLogger{logger: p.logger})

	queue := opts.Queue
	if queue == nil {
		built, err := events.BuildQueueFromDSN(cfg.EventQueueDSN, cfg.EventQueueSize)
		if err != nil {
			_ = inner.Close()
			return nil, fmt.Errorf("event queue: %w", err)
		}
		queue = built
	}
	p.bus = events.NewBus(queue, events.BusOptions{Consumers: 1, Logger: logger, Now: now})

	src, err := catalog.OpenSource(cfg.CatalogPath, logging.Component(logger, "catalog"))
	if err != nil {
		p.closeQuietly()
		return nil, fmt.Errorf("catalog: %w", err)
	}
	p.catalog = src

	p.production = opts.Production
	if p.production == nil {
		p.production = buildProductionClient(cfg, p.logger)
	}

	p.guard, err = intake.NewGuard(p.store, intake.Options{
		RateLimitPerHour: cfg.RateLimitPerHour,
		MaxTasksPerPlan:  cfg.MaxTasksPerPlan,
		Catalog:          p.catalog,
		Notifier:         p.bus,
		Logger:           logger,
		Now:              now,
	})
	if err != nil {
		p.closeQuietly()
		return nil, err
	}
	p.engine, err = syncengine.New(p.store, p.production, syncengine.Options{Logger: logger, Now: now})
	if err != nil {
		p.closeQuietly()
		return nil, err
	}
	p.dispatcher, err = dispatch.New(p.engine, dispatch.Options{
		BatchSize:         cfg.BatchSize,
		Workers:           cfg.DispatchWorkers,
		QueueSize:         cfg.DispatchQueueSize,
		RecordConcurrency: cfg.RecordConcurrency,
		Store:             p.store,
		Logger:            logger,
		Now:               now,
	})
	if err != nil {
		p.closeQuietly()
		return nil, err
	}

	notifier := opts.Notifier
	if notifier == nil {
		notifiers := []retry.Notifier{retry.NewLogNotifier(logger)}
		if strings.TrimSpace(cfg.NotificationWebhookURL) != "" {
			notifiers = append(notifiers, retry.NewWebhookNotifier(cfg.NotificationWebhookURL, nil))
		}
		notifier = retry.Multi(notifiers...)
	}
	p.scheduler, err = retry.New(p.store, p.dispatcher, retry.Options{
		MaxRetryCount:   cfg.MaxRetryCount,
		BatchSize:       cfg.RetryBatchSize,
		BackoffBase:     cfg.RetryBackoffBase,
		BackoffMax:      cfg.RetryBackoffMax,
		ProcessingLease: cfg.ProcessingLease,
		Recipient:       cfg.NotificationRecipient,
		Notifier:        notifier,
		Logger:          logger,
		Now:             now,
	})
	if err != nil {
		p.closeQuietly()
		return nil, err
	}
	p.metrics = metrics.New(p.store, now)

	if err := p.bus.Subscribe(p.handleEvent); err != nil {
		p.closeQuietly()
		return nil, err
	}
	return p, nil
}

func buildProductionClient(cfg config.Config, logger *slog.Logger) production.Client {
	if strings.TrimSpace(cfg.ProductionBaseURL) == "" {
		logger.Warn("no production base url configured; syncing into the in-memory production system")
		return production.NewMemorySystem()
	}
	return production.NewHTTPClient(production.HTTPClientOptions{
		BaseURL:       cfg.ProductionBaseURL,
		TokenProvider: production.StaticToken(cfg.ProductionToken),
		MaxRetries:    cfg.ProductionMaxRetries,
		UserAgent:     "planrelay",
	})
}

// handleEvent is the bus subscriber. Events arrive on the trigger path, so
// dispatch hands them to the worker pool.
func (p *Pipeline) handleEvent(ctx context.Context, event events.Event) {
	trigger := dispatch.WithExecContext(ctx, dispatch.SyncTrigger)
	if _, err := p.dispatcher.Dispatch(trigger, event.SubmissionIDs); err != nil {
		p.logger.Warn("dispatch event failed", "event_id", event.ID, "error", err)
	}
}

// Run blocks running the retry cadence and the catalog watcher until ctx
// ends.
func (p *Pipeline) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() {
		errCh <- p.catalog.Watch(ctx)
	}()
	go func() {
		errCh <- p.scheduler.Run(ctx, p.cfg.RetryInterval)
	}()
	var firstErr error
	for i := 0; i < 2; i++ {
		err := <-errCh
		if err != nil && !errors.Is(err, context.Canceled) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *Pipeline) Guard() *intake.Guard {
	return p.guard
}

func (p *Pipeline) Feed() *events.Feed {
	return p.feed
}

func (p *Pipeline) Store() staging.Store {
	return p.store
}

func (p *Pipeline) Config() config.Config {
	return p.cfg
}

// Accept runs the intake guard on a raw JSON payload.
func (p *Pipeline) Accept(ctx context.Context, body []byte, identity string) (string, error) {
	return p.guard.AcceptJSON(ctx, body, identity)
}

// ProcessPendingNow hands every Pending submission to the dispatcher and
// returns how many were enqueued.
func (p *Pipeline) ProcessPendingNow(ctx context.Context) (int, error) {
	var ids []string
	filter := staging.SubmissionFilter{
		Statuses: []staging.Status{staging.StatusPending},
		Order:    staging.OrderLastAttemptAsc,
		Limit:    pendingPageSize,
	}
	for {
		page, err := p.store.ListSubmissions(ctx, filter)
		if err != nil {
			return 0, fmt.Errorf("list pending: %w", err)
		}
		for _, sub := range page {
			ids = append(ids, sub.ID)
		}
		if len(page) < pendingPageSize {
			break
		}
		filter.Offset += len(page)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	summary, err := p.dispatcher.Dispatch(dispatch.WithExecContext(ctx, dispatch.SyncTrigger), ids)
	if err != nil {
		return 0, err
	}
	p.logger.Info("pending sweep dispatched", "enqueued", summary.Enqueued)
	return summary.Enqueued, nil
}

// RetryFailedNow requeues failed submissions immediately, ignoring backoff.
func (p *Pipeline) RetryFailedNow(ctx context.Context) (int, error) {
	return p.scheduler.RetryFailedNow(ctx)
}

// Sweep runs one retry sweep inline.
func (p *Pipeline) Sweep(ctx context.Context) (retry.SweepResult, error) {
	return p.scheduler.Sweep(ctx)
}

func (p *Pipeline) Status(ctx context.Context, referenceID string) (StatusView, error) {
	sub, err := p.store.GetSubmissionByReference(ctx, strings.TrimSpace(referenceID))
	if err != nil {
		return StatusView{}, err
	}
	view := StatusView{ReferenceID: sub.ReferenceID, Status: sub.Status}
	if sub.Status == staging.StatusSynced {
		view.ProductionPlanID = sub.ProductionPlanID
	}
	return view, nil
}

func (p *Pipeline) Detail(ctx context.Context, referenceID string) (Detail, error) {
	sub, err := p.store.GetSubmissionByReference(ctx, strings.TrimSpace(referenceID))
	if err != nil {
		return Detail{}, err
	}
	tasks, err := p.store.ListTasks(ctx, sub.ID)
	if err != nil {
		return Detail{}, err
	}
	logs, err := p.store.ListLogs(ctx, sub.ID)
	if err != nil {
		return Detail{}, err
	}
	return Detail{Submission: sub, Tasks: tasks, Logs: logs}, nil
}

func (p *Pipeline) ListSubmissions(ctx context.Context, filter staging.SubmissionFilter) ([]staging.Submission, error) {
	return p.store.ListSubmissions(ctx, filter)
}

func (p *Pipeline) Metrics(ctx context.Context, q metrics.Query) (metrics.Snapshot, error) {
	return p.metrics.Compute(ctx, q)
}

// Drain waits until the bus and the dispatcher have been idle for two
// consecutive polls, or ctx ends.
func (p *Pipeline) Drain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	idle := 0
	for {
		if p.bus.Depth() == 0 && p.dispatcher.Pending() == 0 {
			idle++
		} else {
			idle = 0
		}
		if idle >= 2 {
			p.scheduler.Wait()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops intake of new events, waits for in-flight work and closes the
// store.
func (p *Pipeline) Close() error {
	var errs []error
	if p.bus != nil {
		if err := p.bus.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.scheduler != nil {
		p.scheduler.Close()
	}
	if p.dispatcher != nil {
		p.dispatcher.Close()
	}
	if p.store != nil {
		if err := p.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pipeline) closeQuietly() {
	_ = p.Close()
}
