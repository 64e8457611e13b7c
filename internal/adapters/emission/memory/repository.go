package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"3tcapital/ms_nfse_emissor/internal/core/emission"
	"3tcapital/ms_nfse_emissor/internal/core/nfse"
)

// Repository is an in-process emission.Repository for tests and local runs.
type Repository struct {
	mu      sync.Mutex
	records map[int64]*emission.Emission
	nextID  int64
	nextDPS int64
	now     func() time.Time
}

// NewRepository returns an empty repository whose DPS numbers start at 1.
func NewRepository() *Repository {
	return &Repository{
		records: make(map[int64]*emission.Emission),
		nextDPS: 1,
		now:     time.Now,
	}
}

func (r *Repository) record(orderID int64, environment string) *emission.Emission {
	if e, ok := r.records[orderID]; ok {
		return e
	}
	r.nextID++
	now := r.now()
	e := &emission.Emission{
		ID:          r.nextID,
		OrderID:     orderID,
		Status:      emission.StatusPending,
		Environment: environment,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.records[orderID] = e
	return e
}

func (r *Repository) MarkPending(ctx context.Context, orderID int64, environment string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.records[orderID]; ok {
		if e.Status == emission.StatusError {
			e.Status = emission.StatusPending
			e.UpdatedAt = r.now()
		}
		return nil
	}
	r.record(orderID, environment)
	return nil
}

func (r *Repository) BeginAttempt(ctx context.Context, req emission.AttemptRequest) (*emission.Emission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.record(req.OrderID, req.Environment)
	if !req.Force && (e.Status == emission.StatusSuccess || e.Status == emission.StatusCancelled || e.AccessKey != "") {
		return nil, &nfse.AlreadyEmittedError{OrderID: req.OrderID, AccessKey: e.AccessKey}
	}

	started := req.StartedAt
	e.Status = emission.StatusProcessing
	e.Attempts++
	e.LastAttemptAt = &started
	e.Environment = req.Environment
	e.DPSNumber = r.nextDPS
	e.ErrorCode = ""
	e.ErrorMessage = ""
	e.UpdatedAt = r.now()
	r.nextDPS++

	out := *e
	return &out, nil
}

func (r *Repository) MarkSuccess(ctx context.Context, orderID int64, u emission.SuccessUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.records[orderID]
	if !ok {
		return emission.ErrNotFound
	}
	emittedAt := u.EmittedAt
	e.Status = emission.StatusSuccess
	e.AccessKey = u.AccessKey
	e.DPSNumber = u.DPSNumber
	e.DPSIdentifier = u.DPSIdentifier
	e.XML = u.XML
	e.SignedXML = u.SignedXML
	e.Response = u.Response
	e.EmittedAt = &emittedAt
	e.ErrorCode = ""
	e.ErrorMessage = ""
	e.CancelledAt = nil
	e.CancelReason = ""
	e.UpdatedAt = r.now()
	return nil
}

func (r *Repository) MarkError(ctx context.Context, orderID int64, u emission.ErrorUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.records[orderID]
	if !ok {
		return emission.ErrNotFound
	}
	switch {
	case e.EmittedAt != nil && e.CancelledAt != nil:
		e.Status = emission.StatusCancelled
	case e.EmittedAt != nil:
		e.Status = emission.StatusSuccess
	default:
		e.Status = emission.StatusError
	}
	if u.AccessKey != "" {
		e.AccessKey = u.AccessKey
	}
	e.ErrorCode = u.Code
	e.ErrorMessage = u.Message
	e.UpdatedAt = r.now()
	return nil
}

func (r *Repository) MarkCancelled(ctx context.Context, orderID int64, u emission.CancelUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.records[orderID]
	if !ok {
		return emission.ErrNotFound
	}
	if e.Status != emission.StatusSuccess {
		return fmt.Errorf("order %d is %s: %w", orderID, e.Status, nfse.ErrNotCancellable)
	}
	at := u.CancelledAt
	e.Status = emission.StatusCancelled
	e.CancelledAt = &at
	e.CancelReason = u.Reason
	e.Response = u.Response
	e.UpdatedAt = r.now()
	return nil
}

func (r *Repository) FindByOrderID(ctx context.Context, orderID int64) (*emission.Emission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.records[orderID]
	if !ok {
		return nil, emission.ErrNotFound
	}
	out := *e
	return &out, nil
}

func (r *Repository) FindByAccessKey(ctx context.Context, accessKey string) (*emission.Emission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.records {
		if accessKey != "" && e.AccessKey == accessKey {
			out := *e
			return &out, nil
		}
	}
	return nil, emission.ErrNotFound
}

func (r *Repository) Stats(ctx context.Context, from, to time.Time) (emission.Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s emission.Stats
	for _, e := range r.records {
		if e.LastAttemptAt == nil || e.LastAttemptAt.Before(from) || !e.LastAttemptAt.Before(to) {
			continue
		}
		s.Total++
		s.Attempts += e.Attempts
		switch e.Status {
		case emission.StatusPending:
			s.Pending++
		case emission.StatusProcessing:
			s.Processing++
		case emission.StatusSuccess:
			s.Success++
		case emission.StatusError:
			s.Error++
		case emission.StatusCancelled:
			s.Cancelled++
		}
	}
	return s, nil
}

var _ emission.Repository = (*Repository)(nil)
