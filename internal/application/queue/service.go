package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	appemission "3tcapital/ms_nfse_emissor/internal/application/emission"
	"3tcapital/ms_nfse_emissor/internal/core/nfse"
	"3tcapital/ms_nfse_emissor/internal/core/queue"
	"3tcapital/ms_nfse_emissor/internal/core/settings"
)

// Emitter is the part of the emission service the queue drives.
type Emitter interface {
	ProcessEmission(ctx context.Context, orderID int64, force bool) (*appemission.Result, error)
	MarkPending(ctx context.Context, orderID int64) error
}

// Metrics records drain outcomes and queue depth. Outcome is "completed",
// "already_emitted" or the error code of a failed item.
type Metrics interface {
	ObserveQueueItem(outcome string, elapsed time.Duration)
	SetQueueDepth(stats queue.Stats)
}

// Service owns the queue item state machine:
// pending -> processing -> completed | failed, failed -> pending on retry,
// pending -> cancelled on operator request.
type Service struct {
	repo     queue.Repository
	emitter  Emitter
	settings settings.Provider
	metrics  Metrics
	log      *slog.Logger
	now      func() time.Time
}

// NewService wires a queue service. metrics may be nil.
func NewService(repo queue.Repository, emitter Emitter, provider settings.Provider, metrics Metrics, log *slog.Logger) *Service {
	return &Service{
		repo:     repo,
		emitter:  emitter,
		settings: provider,
		metrics:  metrics,
		log:      log,
		now:      time.Now,
	}
}

// AddToQueue schedules orderID for emission after delay. Priority 0 selects
// the default. It fails with *nfse.DuplicateQueueItemError when the order
// already has a pending or processing item.
func (s *Service) AddToQueue(ctx context.Context, orderID int64, trigger queue.Trigger, delay time.Duration, priority int) (int64, error) {
	if orderID <= 0 {
		return 0, fmt.Errorf("invalid order id %d", orderID)
	}
	if priority == 0 {
		priority = queue.DefaultPriority
	}
	if priority < queue.MinPriority || priority > queue.MaxPriority {
		return 0, fmt.Errorf("priority must be between %d and %d, got %d", queue.MinPriority, queue.MaxPriority, priority)
	}
	if delay < 0 {
		delay = 0
	}
	if trigger == "" {
		trigger = queue.TriggerManual
	}

	now := s.now()
	id, err := s.repo.Insert(ctx, queue.Item{
		OrderID:     orderID,
		Trigger:     trigger,
		Priority:    priority,
		ScheduledAt: now.Add(delay),
	})
	if err != nil {
		if errors.Is(err, nfse.ErrDuplicateQueueItem) {
			s.log.Info("order already queued", "order_id", orderID, "trigger", trigger)
			return 0, err
		}
		return 0, fmt.Errorf("enqueue order %d: %w", orderID, err)
	}

	if err := s.emitter.MarkPending(ctx, orderID); err != nil {
		s.log.Warn("failed to mark emission pending", "order_id", orderID, "error", err)
	}

	s.log.Info("order queued for emission",
		"order_id", orderID,
		"item_id", id,
		"trigger", trigger,
		"priority", priority,
		"scheduled_at", now.Add(delay),
	)
	return id, nil
}

// ProcessQueue claims and processes up to limit due items, one at a time.
// Item failures are recorded on the item and never stop the drain. A paused
// queue processes nothing. limit <= 0 uses the configured batch size.
func (s *Service) ProcessQueue(ctx context.Context, limit int) (int, error) {
	paused, err := s.repo.IsPaused(ctx)
	if err != nil {
		return 0, fmt.Errorf("read queue pause flag: %w", err)
	}
	if paused {
		s.log.Info("queue is paused, skipping drain")
		return 0, nil
	}

	cfg := s.settings.Settings().Queue
	if limit <= 0 {
		limit = cfg.BatchSize
	}

	processed := 0
	for processed < limit {
		if ctx.Err() != nil {
			break
		}
		item, err := s.repo.ClaimNext(ctx, s.now())
		if err != nil {
			return processed, fmt.Errorf("claim queue item: %w", err)
		}
		if item == nil {
			break
		}
		s.processItem(ctx, item, cfg.ItemTimeout)
		processed++
	}

	if processed > 0 {
		s.log.Info("queue drain finished", "processed", processed, "limit", limit)
	}
	return processed, nil
}

func (s *Service) processItem(ctx context.Context, item *queue.Item, timeout time.Duration) {
	started := s.now()
	itemCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := s.log.With("item_id", item.ID, "order_id", item.OrderID, "attempt", item.Attempts)
	result, err := s.emitter.ProcessEmission(itemCtx, item.OrderID, false)

	// The claim is ours: record its outcome even when the drain is being stopped.
	persistCtx := context.WithoutCancel(ctx)
	at := s.now()

	switch {
	case err == nil:
		if cErr := s.repo.Complete(persistCtx, item.ID, result.AccessKey, at); cErr != nil {
			log.Error("failed to complete queue item", "error", cErr)
		}
		log.Info("queue item completed", "access_key", result.AccessKey)
		s.observe("completed", started)

	case errors.Is(err, nfse.ErrAlreadyEmitted):
		if cErr := s.repo.Complete(persistCtx, item.ID, queue.ResultAlreadyEmitted, at); cErr != nil {
			log.Error("failed to complete queue item", "error", cErr)
		}
		log.Info("queue item completed, order already emitted")
		s.observe(queue.ResultAlreadyEmitted, started)

	default:
		c := nfse.Classify(err)
		if errors.Is(itemCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			c = nfse.Classify(context.DeadlineExceeded)
		}
		message := fmt.Sprintf("%s: %v", c.Code, err)
		if fErr := s.repo.Fail(persistCtx, item.ID, message, at); fErr != nil {
			log.Error("failed to mark queue item failed", "error", fErr)
		}
		log.Warn("queue item failed",
			"code", c.Code,
			"retryable", c.Retryable,
			"action", c.Action,
			"error", err,
		)
		s.observe(c.Code, started)
	}
}

// ResetStuckItems returns processing items older than threshold to pending.
// threshold <= 0 uses the configured stuck threshold.
func (s *Service) ResetStuckItems(ctx context.Context, threshold time.Duration) (int, error) {
	if threshold <= 0 {
		threshold = s.settings.Settings().Queue.StuckThreshold
	}
	n, err := s.repo.ResetStuck(ctx, s.now().Add(-threshold))
	if err != nil {
		return 0, fmt.Errorf("reset stuck queue items: %w", err)
	}
	if n > 0 {
		s.log.Warn("stuck queue items reset", "count", n, "threshold", threshold.String())
	}
	return n, nil
}

// RetryFailedItems moves up to limit failed items below the retry limit back
// to pending. Items at the limit stay failed; see ListFailed.
func (s *Service) RetryFailedItems(ctx context.Context, limit int) (int, error) {
	cfg := s.settings.Settings().Queue
	if limit <= 0 {
		limit = cfg.BatchSize
	}
	items, err := s.repo.RequeueFailed(ctx, cfg.MaxRetries, limit, s.now())
	if err != nil {
		return 0, fmt.Errorf("requeue failed items: %w", err)
	}
	for _, it := range items {
		if err := s.emitter.MarkPending(ctx, it.OrderID); err != nil {
			s.log.Warn("failed to mark emission pending", "order_id", it.OrderID, "error", err)
		}
		s.log.Info("queue item requeued", "item_id", it.ID, "order_id", it.OrderID, "attempts", it.Attempts)
	}
	return len(items), nil
}

// ListFailed returns items that exhausted their retries and need an operator.
func (s *Service) ListFailed(ctx context.Context, limit int) ([]queue.Item, error) {
	items, err := s.repo.ListFailed(ctx, s.settings.Settings().Queue.MaxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed queue items: %w", err)
	}
	return items, nil
}

// CleanupCompleted purges completed items older than retention.
// retention <= 0 uses the configured retention; zero config disables it.
func (s *Service) CleanupCompleted(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		retention = s.settings.Settings().Queue.Retention
	}
	if retention <= 0 {
		return 0, nil
	}
	n, err := s.repo.DeleteCompletedBefore(ctx, s.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("cleanup completed queue items: %w", err)
	}
	if n > 0 {
		s.log.Info("completed queue items purged", "count", n)
	}
	return n, nil
}

// CancelItem cancels a pending item.
func (s *Service) CancelItem(ctx context.Context, id int64) error {
	if err := s.repo.Cancel(ctx, id, s.now()); err != nil {
		return fmt.Errorf("cancel queue item %d: %w", id, err)
	}
	s.log.Info("queue item cancelled", "item_id", id)
	return nil
}

// GetItem returns a queue item by id.
func (s *Service) GetItem(ctx context.Context, id int64) (*queue.Item, error) {
	return s.repo.Get(ctx, id)
}

// Pause stops drains from claiming items. Items keep being queued.
func (s *Service) Pause(ctx context.Context) error {
	if err := s.repo.SetPaused(ctx, true); err != nil {
		return fmt.Errorf("pause queue: %w", err)
	}
	s.log.Warn("queue paused")
	return nil
}

func (s *Service) Resume(ctx context.Context) error {
	if err := s.repo.SetPaused(ctx, false); err != nil {
		return fmt.Errorf("resume queue: %w", err)
	}
	s.log.Info("queue resumed")
	return nil
}

func (s *Service) IsPaused(ctx context.Context) (bool, error) {
	return s.repo.IsPaused(ctx)
}

// Statistics returns a snapshot of the queue.
func (s *Service) Statistics(ctx context.Context) (queue.Stats, error) {
	now := s.now()
	cfg := s.settings.Settings().Queue
	stats, err := s.repo.Stats(ctx, queue.StatsQuery{
		Now:         now,
		StuckBefore: now.Add(-cfg.StuckThreshold),
		Since:       now.Add(-healthWindow(cfg)),
		MaxAttempts: cfg.MaxRetries,
	})
	if err != nil {
		return queue.Stats{}, fmt.Errorf("queue statistics: %w", err)
	}
	if s.metrics != nil {
		s.metrics.SetQueueDepth(stats)
	}
	return stats, nil
}

func (s *Service) observe(outcome string, started time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveQueueItem(outcome, s.now().Sub(started))
	}
}

func healthWindow(cfg settings.Queue) time.Duration {
	if cfg.HealthWindow > 0 {
		return cfg.HealthWindow
	}
	return time.Hour
}
