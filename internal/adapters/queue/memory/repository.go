package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"3tcapital/ms_nfse_emissor/internal/core/nfse"
	"3tcapital/ms_nfse_emissor/internal/core/queue"
)

// Repository keeps queue items in memory. A single mutex makes ClaimNext the
// same compare-and-set the postgres implementation gets from SKIP LOCKED.
type Repository struct {
	mu     sync.Mutex
	items  map[int64]*queue.Item
	nextID int64
	paused bool
	now    func() time.Time
}

func NewRepository() *Repository {
	return &Repository{items: make(map[int64]*queue.Item), now: time.Now}
}

func (r *Repository) Insert(ctx context.Context, item queue.Item) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.items {
		if existing.OrderID == item.OrderID && existing.Status.Unresolved() {
			return 0, &nfse.DuplicateQueueItemError{OrderID: item.OrderID, ExistingItemID: existing.ID}
		}
	}

	r.nextID++
	now := r.now()
	item.ID = r.nextID
	item.Status = queue.StatusPending
	item.CreatedAt = now
	item.UpdatedAt = now
	if item.ScheduledAt.IsZero() {
		item.ScheduledAt = now
	}
	r.items[item.ID] = &item
	return item.ID, nil
}

func (r *Repository) ClaimNext(ctx context.Context, now time.Time) (*queue.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var next *queue.Item
	for _, it := range r.items {
		if it.Status != queue.StatusPending || it.ScheduledAt.After(now) {
			continue
		}
		if next == nil || before(it, next) {
			next = it
		}
	}
	if next == nil {
		return nil, nil
	}

	started := now
	next.Status = queue.StatusProcessing
	next.StartedAt = &started
	next.Attempts++
	next.UpdatedAt = now

	out := *next
	return &out, nil
}

// before orders by priority, then schedule, then id.
func before(a, b *queue.Item) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	return a.ID < b.ID
}

func (r *Repository) processing(id int64) (*queue.Item, error) {
	it, ok := r.items[id]
	if !ok {
		return nil, queue.ErrNotFound
	}
	if it.Status != queue.StatusProcessing {
		return nil, fmt.Errorf("item %d is %s: %w", id, it.Status, queue.ErrInvalidTransition)
	}
	return it, nil
}

func (r *Repository) Complete(ctx context.Context, id int64, result string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	it, err := r.processing(id)
	if err != nil {
		return err
	}
	it.Status = queue.StatusCompleted
	it.CompletedAt = &at
	it.Result = result
	it.Error = ""
	it.UpdatedAt = at
	return nil
}

func (r *Repository) Fail(ctx context.Context, id int64, message string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	it, err := r.processing(id)
	if err != nil {
		return err
	}
	it.Status = queue.StatusFailed
	it.FailedAt = &at
	it.Error = message
	it.UpdatedAt = at
	return nil
}

func (r *Repository) ResetStuck(ctx context.Context, olderThan time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, it := range r.items {
		if it.Status == queue.StatusProcessing && it.StartedAt != nil && it.StartedAt.Before(olderThan) {
			it.Status = queue.StatusPending
			it.StartedAt = nil
			it.UpdatedAt = r.now()
			n++
		}
	}
	return n, nil
}

func (r *Repository) RequeueFailed(ctx context.Context, maxAttempts, limit int, now time.Time) ([]queue.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []*queue.Item
	for _, it := range r.items {
		if it.Status == queue.StatusFailed && it.Attempts < maxAttempts {
			candidates = append(candidates, it)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].FailedAt.Before(*candidates[j].FailedAt)
	})

	var out []queue.Item
	for _, it := range candidates {
		if limit > 0 && len(out) >= limit {
			break
		}
		if r.hasUnresolved(it.OrderID, it.ID) {
			continue
		}
		it.Status = queue.StatusPending
		it.ScheduledAt = now
		it.StartedAt = nil
		it.UpdatedAt = now
		out = append(out, *it)
	}
	return out, nil
}

func (r *Repository) hasUnresolved(orderID, except int64) bool {
	for _, it := range r.items {
		if it.ID != except && it.OrderID == orderID && it.Status.Unresolved() {
			return true
		}
	}
	return false
}

func (r *Repository) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, it := range r.items {
		if it.Status == queue.StatusCompleted && it.CompletedAt != nil && it.CompletedAt.Before(cutoff) {
			delete(r.items, id)
			n++
		}
	}
	return n, nil
}

func (r *Repository) Cancel(ctx context.Context, id int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	it, ok := r.items[id]
	if !ok {
		return queue.ErrNotFound
	}
	if it.Status != queue.StatusPending {
		return fmt.Errorf("item %d is %s: %w", id, it.Status, queue.ErrInvalidTransition)
	}
	it.Status = queue.StatusCancelled
	it.UpdatedAt = at
	return nil
}

func (r *Repository) Get(ctx context.Context, id int64) (*queue.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	it, ok := r.items[id]
	if !ok {
		return nil, queue.ErrNotFound
	}
	out := *it
	return &out, nil
}

func (r *Repository) ListFailed(ctx context.Context, minAttempts, limit int) ([]queue.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []queue.Item
	for _, it := range r.items {
		if it.Status == queue.StatusFailed && it.Attempts >= minAttempts {
			out = append(out, *it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Repository) Stats(ctx context.Context, q queue.StatsQuery) (queue.Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s queue.Stats
	for _, it := range r.items {
		switch it.Status {
		case queue.StatusPending:
			s.Pending++
			if !it.ScheduledAt.After(q.Now) {
				s.Due++
			}
			if s.OldestPendingAt == nil || it.ScheduledAt.Before(*s.OldestPendingAt) {
				at := it.ScheduledAt
				s.OldestPendingAt = &at
			}
		case queue.StatusProcessing:
			s.Processing++
			if it.StartedAt != nil && it.StartedAt.Before(q.StuckBefore) {
				s.Stuck++
			}
		case queue.StatusCompleted:
			s.Completed++
			if it.CompletedAt != nil && !it.CompletedAt.Before(q.Since) {
				s.RecentCompleted++
			}
		case queue.StatusFailed:
			s.Failed++
			if it.Attempts >= q.MaxAttempts {
				s.Exhausted++
			}
			if it.FailedAt != nil && !it.FailedAt.Before(q.Since) {
				s.RecentFailed++
			}
		case queue.StatusCancelled:
			s.Cancelled++
		}
	}
	return s, nil
}

func (r *Repository) IsPaused(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused, nil
}

func (r *Repository) SetPaused(ctx context.Context, paused bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = paused
	return nil
}

var _ queue.Repository = (*Repository)(nil)
