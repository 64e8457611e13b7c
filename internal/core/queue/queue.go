package queue

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the item does not exist.
var ErrNotFound = errors.New("queue item not found")

// ErrInvalidTransition is returned when the item is not in a state that allows the operation.
var ErrInvalidTransition = errors.New("invalid queue item transition")

// Status is the state of a queue item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Unresolved reports whether the status blocks a new item for the same order.
func (s Status) Unresolved() bool {
	return s == StatusPending || s == StatusProcessing
}

// Trigger records what caused the order to be queued.
type Trigger string

const (
	TriggerPaymentComplete Trigger = "payment_complete"
	TriggerStatusChange    Trigger = "status_change"
	TriggerManual          Trigger = "manual"
	TriggerBatch           Trigger = "batch"
)

// Priority bounds; lower values are processed first.
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// Result values stored on completed items.
const (
	ResultAlreadyEmitted = "already_emitted"
)

// Item is one pending emission request.
type Item struct {
	ID          int64      `json:"id"`
	OrderID     int64      `json:"orderId"`
	Trigger     Trigger    `json:"trigger"`
	Priority    int        `json:"priority"`
	Status      Status     `json:"status"`
	ScheduledAt time.Time  `json:"scheduledAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`
	Attempts    int        `json:"attempts"`
	Error       string     `json:"error,omitempty"`
	Result      string     `json:"result,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// StatsQuery parameterises Stats.
type StatsQuery struct {
	Now         time.Time
	StuckBefore time.Time
	Since       time.Time
	MaxAttempts int
}

// Stats is a snapshot of the queue.
type Stats struct {
	Pending         int        `json:"pending"`
	Due             int        `json:"due"`
	Processing      int        `json:"processing"`
	Completed       int        `json:"completed"`
	Failed          int        `json:"failed"`
	Cancelled       int        `json:"cancelled"`
	Stuck           int        `json:"stuck"`
	Exhausted       int        `json:"exhausted"`
	RecentCompleted int        `json:"recentCompleted"`
	RecentFailed    int        `json:"recentFailed"`
	OldestPendingAt *time.Time `json:"oldestPendingAt,omitempty"`
}

// FailureRate is the share of failed items among those finished in the window, in percent.
func (s Stats) FailureRate() float64 {
	finished := s.RecentCompleted + s.RecentFailed
	if finished == 0 {
		return 0
	}
	return float64(s.RecentFailed) / float64(finished) * 100
}

// HealthStatus classifies the queue.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

// Health is the operator-facing view of the queue.
type Health struct {
	Status          HealthStatus `json:"status"`
	Paused          bool         `json:"paused"`
	Issues          []string     `json:"issues"`
	Recommendations []string     `json:"recommendations"`
	Stats           Stats        `json:"stats"`
	FailureRate     float64      `json:"failureRate"`
	CheckedAt       time.Time    `json:"checkedAt"`
}

// Repository persists queue items. Claiming must be an atomic compare-and-set
// so that overlapping drains never process the same item twice.
type Repository interface {
	// Insert stores a pending item and returns its id, or a
	// DuplicateQueueItemError when the order already has an unresolved item.
	Insert(ctx context.Context, item Item) (int64, error)

	// ClaimNext moves the next due pending item to processing, incrementing its
	// attempts. It returns nil when nothing is due.
	ClaimNext(ctx context.Context, now time.Time) (*Item, error)

	// Complete marks a processing item completed.
	Complete(ctx context.Context, id int64, result string, at time.Time) error

	// Fail marks a processing item failed.
	Fail(ctx context.Context, id int64, message string, at time.Time) error

	// ResetStuck returns processing items started before olderThan to pending
	// without touching their attempts.
	ResetStuck(ctx context.Context, olderThan time.Time) (int, error)

	// RequeueFailed moves up to limit failed items with attempts below
	// maxAttempts back to pending and returns them.
	RequeueFailed(ctx context.Context, maxAttempts, limit int, now time.Time) ([]Item, error)

	// DeleteCompletedBefore purges completed items finished before the cutoff.
	DeleteCompletedBefore(ctx context.Context, before time.Time) (int, error)

	// Cancel moves a pending item to cancelled.
	Cancel(ctx context.Context, id int64, at time.Time) error

	// Get returns ErrNotFound for unknown ids.
	Get(ctx context.Context, id int64) (*Item, error)

	// ListFailed returns failed items with at least minAttempts attempts.
	ListFailed(ctx context.Context, minAttempts, limit int) ([]Item, error)

	// Stats computes a queue snapshot.
	Stats(ctx context.Context, q StatsQuery) (Stats, error)

	// IsPaused reads the persisted pause flag.
	IsPaused(ctx context.Context) (bool, error)

	// SetPaused persists the pause flag.
	SetPaused(ctx context.Context, paused bool) error
}
