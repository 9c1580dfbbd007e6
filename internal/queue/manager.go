package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Retry budgets. Ordinary items ride the long budget and survive roughly two
// days of downstream outage; tracked items get three attempts and escalate.
const (
	DefaultRetryLimit = 288
	TrackedRetryLimit = 3
	DefaultRetryDelay = 600 * time.Second
	DefaultExpireIn   = 30 * time.Minute
)

// Fail types reported to the fail handler for tracked items.
const (
	FailPartial  = "in.job.fail.partial"
	FailComplete = "in.job.fail.complete"
)

// Processor consumes dispatched items. Returning nil acknowledges the item;
// an error wrapping ErrDrop acknowledges and discards it; any other error
// counts a failed attempt against the item's retry budget.
type Processor interface {
	Process(ctx context.Context, queueName string, item Item) error
}

// FailHandler observes items whose retry budget is exhausted. failType is
// FailPartial when the item was escalated back into the ordinary budget and
// FailComplete when it is terminally dead. Handlers must not block; errors
// and panics are contained and logged.
type FailHandler func(ctx context.Context, queueName string, item Item, failType string, reason error)

// SubscribeConfig shapes a worker pool.
type SubscribeConfig struct {
	// Pattern is the queue-name glob the pool drains, e.g. "mail-*".
	Pattern string
	// TeamSize caps how many jobs a single poll claims.
	TeamSize int
	// TeamConcurrency caps in-flight handler invocations.
	TeamConcurrency int
	// PollInterval is the idle sleep between polls.
	PollInterval time.Duration
}

func (c *SubscribeConfig) applyDefaults() {
	if c.Pattern == "" {
		c.Pattern = DefaultPattern
	}
	if c.TeamSize <= 0 {
		c.TeamSize = 10
	}
	if c.TeamConcurrency <= 0 {
		c.TeamConcurrency = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
}

// Manager fronts the broker: it enqueues items under the two retry
// disciplines and runs the polling dispatcher that feeds them to a Processor.
type Manager struct {
	store       Store
	logger      *slog.Logger
	failHandler FailHandler

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewManager wraps a broker store. failHandler may be nil.
func NewManager(store Store, failHandler FailHandler, logger *slog.Logger) *Manager {
	return &Manager{
		store:       store,
		logger:      logger.With("component", "queue"),
		failHandler: failHandler,
		stopCh:      make(chan struct{}),
	}
}

// PushItem enqueues an item under the ordinary long retry budget.
func (m *Manager) PushItem(ctx context.Context, queueName string, item Item) error {
	return m.push(ctx, queueName, item, DefaultRetryLimit)
}

// PushTrackedItem enqueues an item under the short tracked budget. Any
// options are persisted with the item so the completion hook can escalate it
// when the budget runs out.
func (m *Manager) PushTrackedItem(ctx context.Context, queueName string, item Item, opts *Options) error {
	item.QueueOptions = opts
	return m.push(ctx, queueName, item, TrackedRetryLimit)
}

func (m *Manager) push(ctx context.Context, queueName string, item Item, retryLimit int) error {
	data, err := item.Encode()
	if err != nil {
		return fmt.Errorf("encoding queue item: %w", err)
	}
	job := Job{
		ID:         uuid.NewString(),
		Queue:      queueName,
		Data:       data,
		RetryLimit: retryLimit,
		RetryDelay: DefaultRetryDelay,
		ExpireIn:   DefaultExpireIn,
		StartAfter: time.Now(),
	}
	if err := m.store.Enqueue(ctx, job); err != nil {
		return err
	}
	m.logger.Debug("item enqueued",
		"queue", queueName,
		"job", string(item.Job),
		"id", job.ID,
		"retry_limit", retryLimit)
	return nil
}

// Subscribe starts a worker pool draining queues matching cfg.Pattern into
// the processor. It returns immediately; the pool runs until Stop.
func (m *Manager) Subscribe(cfg SubscribeConfig, processor Processor) {
	cfg.applyDefaults()
	m.wg.Add(1)
	go m.pollLoop(cfg, processor)
	m.logger.Info("subscribed",
		"pattern", cfg.Pattern,
		"team_size", cfg.TeamSize,
		"team_concurrency", cfg.TeamConcurrency)
}

// StartMaintenance runs the claim reaper and the retention purger.
func (m *Manager) StartMaintenance(interval, retention time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if n, err := m.store.ReapExpired(ctx); err != nil {
					m.logger.Error("reaping expired claims failed", "error", err)
				} else if n > 0 {
					m.logger.Warn("reaped expired claims", "count", n)
				}
				if n, err := m.store.Purge(ctx, retention); err != nil {
					m.logger.Error("purging old jobs failed", "error", err)
				} else if n > 0 {
					m.logger.Debug("purged old jobs", "count", n)
				}
				cancel()
			}
		}
	}()
}

// Stop halts polling and maintenance and waits for in-flight work.
func (m *Manager) Stop() {
	m.stopped.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Stats reports broker job counts.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	return m.store.Stats(ctx)
}

// Jobs returns a read-only snapshot of broker rows for the admin surfaces.
func (m *Manager) Jobs(ctx context.Context, state string, limit int) ([]JobSummary, error) {
	return m.store.List(ctx, state, limit)
}

func (m *Manager) pollLoop(cfg SubscribeConfig, processor Processor) {
	defer m.wg.Done()
	sem := make(chan struct{}, cfg.TeamConcurrency)
	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		jobs, err := m.store.Fetch(ctx, cfg.Pattern, cfg.TeamSize)
		cancel()
		if err != nil {
			m.logger.Error("fetching jobs failed", "pattern", cfg.Pattern, "error", err)
			jobs = nil
		}

		for _, job := range jobs {
			select {
			case sem <- struct{}{}:
			case <-m.stopCh:
				// Shutting down mid-batch: leave unstarted claims to the
				// reaper rather than blocking on a slot.
				return
			}
			inflight.Add(1)
			go func(job Job) {
				defer inflight.Done()
				defer func() { <-sem }()
				m.dispatch(job, processor)
			}(job)
		}

		if len(jobs) == 0 {
			select {
			case <-m.stopCh:
				return
			case <-time.After(cfg.PollInterval):
			}
		}
	}
}

// dispatch runs one claimed job through the processor and settles it with
// the broker, escalating tracked items on terminal failure.
func (m *Manager) dispatch(job Job, processor Processor) {
	logger := m.logger.With("queue", job.Queue, "id", job.ID)

	item, err := DecodeItem(job.Data)
	if err != nil {
		logger.Error("dropping undecodable item", "error", err)
		m.settle(job, Item{}, fmt.Errorf("%w: %v", ErrDrop, err))
		return
	}

	opts := item.QueueOptions
	item.QueueOptions = nil

	ctx, cancel := context.WithTimeout(context.Background(), job.ExpireIn)
	err = processor.Process(ctx, job.Queue, item)
	cancel()

	item.QueueOptions = opts
	m.settle(job, item, err)
}

func (m *Manager) settle(job Job, item Item, procErr error) {
	logger := m.logger.With("queue", job.Queue, "id", job.ID)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if procErr == nil {
		if err := m.store.Complete(ctx, job.ID); err != nil {
			logger.Error("completing job failed", "error", err)
		}
		return
	}

	if errors.Is(procErr, ErrDrop) {
		logger.Warn("dropping unprocessable item", "error", procErr)
		if err := m.store.Complete(ctx, job.ID); err != nil {
			logger.Error("completing dropped job failed", "error", err)
		}
		return
	}

	terminal, err := m.store.Fail(ctx, job.ID, procErr.Error())
	if err != nil {
		logger.Error("recording job failure failed", "error", err)
		return
	}
	if !terminal {
		logger.Warn("job attempt failed, will retry",
			"attempt", job.RetryCount+1,
			"retry_limit", job.RetryLimit,
			"error", procErr)
		return
	}

	failType := FailComplete
	if item.QueueOptions != nil && item.QueueOptions.PushIfFail {
		// Escalate exactly once: the re-pushed copy carries no options, so a
		// second exhaustion dead-letters for good.
		item.QueueOptions = nil
		if err := m.PushItem(ctx, job.Queue, item); err != nil {
			logger.Error("escalating exhausted tracked item failed", "error", err)
		} else {
			failType = FailPartial
			logger.Warn("tracked budget exhausted, escalated to ordinary budget",
				"error", procErr)
		}
	} else {
		logger.Error("job terminally failed", "error", procErr)
	}

	m.invokeFailHandler(ctx, job.Queue, item, failType, procErr)
}

func (m *Manager) invokeFailHandler(ctx context.Context, queueName string, item Item, failType string, reason error) {
	if m.failHandler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("fail handler panicked", "queue", queueName, "panic", r)
		}
	}()
	m.failHandler(ctx, queueName, item, failType, reason)
}
