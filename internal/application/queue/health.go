package queue

import (
	"context"
	"fmt"
	"time"

	"3tcapital/ms_nfse_emissor/internal/core/queue"
)

// Health thresholds.
const (
	backlogWarning      = 50
	backlogCritical     = 200
	stuckCritical       = 5
	failureRateWarning  = 10.0
	failureRateCritical = 25.0
	// Failure rates over fewer finished items are not meaningful.
	failureRateMinSample = 5
	drainLagWarning      = 30 * time.Minute
)

type healthCheck struct {
	health queue.Health
}

func (h *healthCheck) raise(level queue.HealthStatus, issue, recommendation string) {
	if severity(level) > severity(h.health.Status) {
		h.health.Status = level
	}
	h.health.Issues = append(h.health.Issues, issue)
	if recommendation != "" {
		h.health.Recommendations = append(h.health.Recommendations, recommendation)
	}
}

func severity(s queue.HealthStatus) int {
	switch s {
	case queue.HealthCritical:
		return 2
	case queue.HealthWarning:
		return 1
	default:
		return 0
	}
}

// GetQueueHealth classifies the queue from its backlog, stuck items, failure
// rate over the health window, exhausted items and the pause flag.
func (s *Service) GetQueueHealth(ctx context.Context) (queue.Health, error) {
	stats, err := s.Statistics(ctx)
	if err != nil {
		return queue.Health{}, err
	}
	paused, err := s.repo.IsPaused(ctx)
	if err != nil {
		return queue.Health{}, fmt.Errorf("read queue pause flag: %w", err)
	}

	now := s.now()
	cfg := s.settings.Settings().Queue
	h := &healthCheck{health: queue.Health{
		Status:          queue.HealthHealthy,
		Paused:          paused,
		Issues:          []string{},
		Recommendations: []string{},
		Stats:           stats,
		FailureRate:     stats.FailureRate(),
		CheckedAt:       now,
	}}

	if paused {
		h.raise(queue.HealthWarning,
			"queue is paused; orders keep accumulating",
			"resume the queue once the underlying problem is fixed")
	}

	switch {
	case stats.Pending >= backlogCritical:
		h.raise(queue.HealthCritical,
			fmt.Sprintf("%d items pending (critical above %d)", stats.Pending, backlogCritical),
			"check that the scheduled drain is running and raise the batch size")
	case stats.Pending >= backlogWarning:
		h.raise(queue.HealthWarning,
			fmt.Sprintf("%d items pending (warning above %d)", stats.Pending, backlogWarning),
			"monitor the backlog; consider a larger batch size")
	}

	if stats.OldestPendingAt != nil && !paused && stats.Due > 0 && now.Sub(*stats.OldestPendingAt) > drainLagWarning {
		h.raise(queue.HealthWarning,
			fmt.Sprintf("oldest pending item waiting since %s", stats.OldestPendingAt.Format(time.RFC3339)),
			"the drain is not keeping up; verify the scheduler and the government API")
	}

	switch {
	case stats.Stuck >= stuckCritical:
		h.raise(queue.HealthCritical,
			fmt.Sprintf("%d items stuck in processing for more than %s", stats.Stuck, cfg.StuckThreshold),
			"reset stuck items and investigate worker crashes or timeouts")
	case stats.Stuck > 0:
		h.raise(queue.HealthWarning,
			fmt.Sprintf("%d items stuck in processing for more than %s", stats.Stuck, cfg.StuckThreshold),
			"reset stuck items")
	}

	if finished := stats.RecentCompleted + stats.RecentFailed; finished >= failureRateMinSample {
		rate := stats.FailureRate()
		switch {
		case rate >= failureRateCritical:
			h.raise(queue.HealthCritical,
				fmt.Sprintf("failure rate %.1f%% over the last %s", rate, healthWindow(cfg)),
				"inspect recent errors; certificate or configuration problems fail every order")
		case rate >= failureRateWarning:
			h.raise(queue.HealthWarning,
				fmt.Sprintf("failure rate %.1f%% over the last %s", rate, healthWindow(cfg)),
				"review failed items for a common cause")
		}
	}

	if stats.Exhausted > 0 {
		h.raise(queue.HealthWarning,
			fmt.Sprintf("%d items exhausted their %d retries", stats.Exhausted, cfg.MaxRetries),
			"fix the listed failures and re-trigger those orders manually")
	}

	if h.health.Status != queue.HealthHealthy {
		s.log.Warn("queue health degraded",
			"status", h.health.Status,
			"issues", len(h.health.Issues),
			"pending", stats.Pending,
			"stuck", stats.Stuck,
		)
	}
	return h.health, nil
}
