package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"3tcapital/ms_nfse_emissor/internal/core/nfse"
	"3tcapital/ms_nfse_emissor/internal/core/queue"
)

const uniqueViolation = "23505"

// Repository implements queue.Repository on PostgreSQL. Claims use
// FOR UPDATE SKIP LOCKED so overlapping drains never receive the same item,
// and a partial unique index keeps one unresolved item per order.
type Repository struct {
	pool *pgxpool.Pool
}

var _ queue.Repository = (*Repository)(nil)

// NewRepository creates a PostgreSQL queue repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const itemColumns = `
	id, order_id, trigger_type, priority, status, scheduled_at, started_at,
	completed_at, failed_at, attempts, COALESCE(error, ''), COALESCE(result, ''),
	created_at, updated_at`

func scanItem(row pgx.Row) (*queue.Item, error) {
	var it queue.Item
	err := row.Scan(
		&it.ID,
		&it.OrderID,
		&it.Trigger,
		&it.Priority,
		&it.Status,
		&it.ScheduledAt,
		&it.StartedAt,
		&it.CompletedAt,
		&it.FailedAt,
		&it.Attempts,
		&it.Error,
		&it.Result,
		&it.CreatedAt,
		&it.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func collectItems(rows pgx.Rows) ([]queue.Item, error) {
	defer rows.Close()

	var items []queue.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, *it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return items, nil
}

// Insert stores a pending item. A unique violation on the unresolved-order
// index becomes a DuplicateQueueItemError carrying the existing item id.
func (r *Repository) Insert(ctx context.Context, item queue.Item) (int64, error) {
	query := `
		INSERT INTO nfse_queue (order_id, trigger_type, priority, status, scheduled_at)
		VALUES ($1, $2, $3, 'pending', COALESCE($4, NOW()))
		RETURNING id
	`
	var scheduledAt *time.Time
	if !item.ScheduledAt.IsZero() {
		scheduledAt = &item.ScheduledAt
	}

	var id int64
	err := r.pool.QueryRow(ctx, query, item.OrderID, item.Trigger, item.Priority, scheduledAt).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			dup := &nfse.DuplicateQueueItemError{OrderID: item.OrderID}
			_ = r.pool.QueryRow(ctx, `
				SELECT id FROM nfse_queue
				WHERE order_id = $1 AND status IN ('pending', 'processing')
			`, item.OrderID).Scan(&dup.ExistingItemID)
			return 0, dup
		}
		return 0, fmt.Errorf("insert queue item: %w", err)
	}
	return id, nil
}

// ClaimNext atomically moves the next due pending item to processing.
func (r *Repository) ClaimNext(ctx context.Context, now time.Time) (*queue.Item, error) {
	query := `
		UPDATE nfse_queue SET
			status = 'processing',
			started_at = $1,
			attempts = attempts + 1,
			updated_at = $1
		WHERE id = (
			SELECT id FROM nfse_queue
			WHERE status = 'pending' AND scheduled_at <= $1
			ORDER BY priority, scheduled_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + itemColumns

	it, err := scanItem(r.pool.QueryRow(ctx, query, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim queue item: %w", err)
	}
	return it, nil
}

// finishProcessing explains why an update guarded by status = 'processing'
// touched no row.
func (r *Repository) finishProcessing(ctx context.Context, id int64, tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 1 {
		return nil
	}
	it, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("item %d is %s: %w", id, it.Status, queue.ErrInvalidTransition)
}

// Complete marks a processing item completed.
func (r *Repository) Complete(ctx context.Context, id int64, result string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE nfse_queue SET
			status = 'completed',
			completed_at = $2,
			result = $3,
			error = NULL,
			updated_at = $2
		WHERE id = $1 AND status = 'processing'
	`, id, at, result)
	if err != nil {
		return fmt.Errorf("complete queue item: %w", err)
	}
	return r.finishProcessing(ctx, id, tag)
}

// Fail marks a processing item failed.
func (r *Repository) Fail(ctx context.Context, id int64, message string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE nfse_queue SET
			status = 'failed',
			failed_at = $2,
			error = $3,
			updated_at = $2
		WHERE id = $1 AND status = 'processing'
	`, id, at, message)
	if err != nil {
		return fmt.Errorf("fail queue item: %w", err)
	}
	return r.finishProcessing(ctx, id, tag)
}

// ResetStuck returns abandoned processing items to pending.
func (r *Repository) ResetStuck(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE nfse_queue SET
			status = 'pending',
			started_at = NULL,
			updated_at = NOW()
		WHERE status = 'processing' AND started_at < $1
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("reset stuck queue items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RequeueFailed moves retryable failed items back to pending, oldest failure
// first. Orders that already have an unresolved item are skipped, and only
// one failed item per order is requeued.
func (r *Repository) RequeueFailed(ctx context.Context, maxAttempts, limit int, now time.Time) ([]queue.Item, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}

	query := `
		UPDATE nfse_queue SET
			status = 'pending',
			scheduled_at = $3,
			started_at = NULL,
			updated_at = $3
		WHERE id IN (
			SELECT f.id FROM nfse_queue f
			WHERE f.status = 'failed'
			  AND f.attempts < $1
			  AND f.id = (
				SELECT MIN(x.id) FROM nfse_queue x
				WHERE x.order_id = f.order_id AND x.status = 'failed' AND x.attempts < $1
			  )
			  AND NOT EXISTS (
				SELECT 1 FROM nfse_queue o
				WHERE o.order_id = f.order_id AND o.status IN ('pending', 'processing')
			  )
			ORDER BY f.failed_at, f.id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + itemColumns

	rows, err := r.pool.Query(ctx, query, maxAttempts, lim, now)
	if err != nil {
		return nil, fmt.Errorf("requeue failed items: %w", err)
	}
	return collectItems(rows)
}

// DeleteCompletedBefore purges completed items finished before the cutoff.
func (r *Repository) DeleteCompletedBefore(ctx context.Context, before time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM nfse_queue WHERE status = 'completed' AND completed_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("delete completed queue items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Cancel moves a pending item to cancelled.
func (r *Repository) Cancel(ctx context.Context, id int64, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE nfse_queue SET status = 'cancelled', updated_at = $2
		WHERE id = $1 AND status = 'pending'
	`, id, at)
	if err != nil {
		return fmt.Errorf("cancel queue item: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	it, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("item %d is %s: %w", id, it.Status, queue.ErrInvalidTransition)
}

// Get returns queue.ErrNotFound for unknown ids.
func (r *Repository) Get(ctx context.Context, id int64) (*queue.Item, error) {
	it, err := scanItem(r.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM nfse_queue WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, queue.ErrNotFound
		}
		return nil, fmt.Errorf("get queue item: %w", err)
	}
	return it, nil
}

// ListFailed returns failed items with at least minAttempts attempts.
func (r *Repository) ListFailed(ctx context.Context, minAttempts, limit int) ([]queue.Item, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+itemColumns+` FROM nfse_queue
		WHERE status = 'failed' AND attempts >= $1
		ORDER BY id
		LIMIT $2
	`, minAttempts, lim)
	if err != nil {
		return nil, fmt.Errorf("list failed queue items: %w", err)
	}
	return collectItems(rows)
}

// Stats computes the queue snapshot in a single scan.
func (r *Repository) Stats(ctx context.Context, q queue.StatsQuery) (queue.Stats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'pending' AND scheduled_at <= $1),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'cancelled'),
			COUNT(*) FILTER (WHERE status = 'processing' AND started_at < $2),
			COUNT(*) FILTER (WHERE status = 'failed' AND attempts >= $4),
			COUNT(*) FILTER (WHERE status = 'completed' AND completed_at >= $3),
			COUNT(*) FILTER (WHERE status = 'failed' AND failed_at >= $3),
			MIN(scheduled_at) FILTER (WHERE status = 'pending')
		FROM nfse_queue
	`
	var s queue.Stats
	err := r.pool.QueryRow(ctx, query, q.Now, q.StuckBefore, q.Since, q.MaxAttempts).Scan(
		&s.Pending,
		&s.Due,
		&s.Processing,
		&s.Completed,
		&s.Failed,
		&s.Cancelled,
		&s.Stuck,
		&s.Exhausted,
		&s.RecentCompleted,
		&s.RecentFailed,
		&s.OldestPendingAt,
	)
	if err != nil {
		return queue.Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return s, nil
}

// IsPaused reads the persisted pause flag.
func (r *Repository) IsPaused(ctx context.Context) (bool, error) {
	var paused bool
	err := r.pool.QueryRow(ctx, `SELECT paused FROM nfse_queue_state WHERE id = 1`).Scan(&paused)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("read queue state: %w", err)
	}
	return paused, nil
}

// SetPaused persists the pause flag.
func (r *Repository) SetPaused(ctx context.Context, paused bool) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO nfse_queue_state (id, paused, updated_at) VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET paused = EXCLUDED.paused, updated_at = NOW()
	`, paused)
	if err != nil {
		return fmt.Errorf("write queue state: %w", err)
	}
	return nil
}
