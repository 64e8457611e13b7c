package emission

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no emission exists for the lookup key.
var ErrNotFound = errors.New("emission not found")

// ErrLockNotObtained is returned by lockers when the key is held elsewhere.
var ErrLockNotObtained = errors.New("lock not obtained")

// Status is the per-order emission state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusError      Status = "error"
	StatusCancelled  Status = "cancelled"
)

// Emission is the persisted record of an order's NFS-e. There is one record per
// order, updated in place across attempts and never deleted.
type Emission struct {
	ID            int64      `json:"id"`
	OrderID       int64      `json:"orderId"`
	Status        Status     `json:"status"`
	AccessKey     string     `json:"accessKey,omitempty"`
	DPSNumber     int64      `json:"dpsNumber,omitempty"`
	DPSIdentifier string     `json:"dpsIdentifier,omitempty"`
	Environment   string     `json:"environment"`
	XML           string     `json:"-"`
	SignedXML     string     `json:"-"`
	Response      string     `json:"response,omitempty"`
	ErrorCode     string     `json:"errorCode,omitempty"`
	ErrorMessage  string     `json:"errorMessage,omitempty"`
	Attempts      int        `json:"attempts"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
	EmittedAt     *time.Time `json:"emittedAt,omitempty"`
	CancelledAt   *time.Time `json:"cancelledAt,omitempty"`
	CancelReason  string     `json:"cancelReason,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Lookup selects an emission by order id or, when OrderID is zero, by access key.
type Lookup struct {
	OrderID   int64
	AccessKey string
}

// AttemptRequest starts a new emission attempt.
type AttemptRequest struct {
	OrderID     int64
	Force       bool
	Environment string
	StartedAt   time.Time
}

// SuccessUpdate is written when the government API accepted the DPS.
type SuccessUpdate struct {
	AccessKey     string
	DPSNumber     int64
	DPSIdentifier string
	XML           string
	SignedXML     string
	Response      string
	EmittedAt     time.Time
}

// ErrorUpdate is written when an attempt fails. AccessKey is set when the
// government issued the NFS-e but the success could not be stored.
type ErrorUpdate struct {
	Code      string
	Message   string
	AccessKey string
}

// CancelUpdate is written when a cancellation event was accepted.
type CancelUpdate struct {
	Reason      string
	Response    string
	CancelledAt time.Time
}

// Stats summarises emissions whose last attempt falls in a period.
type Stats struct {
	From        time.Time `json:"from"`
	To          time.Time `json:"to"`
	Total       int       `json:"total"`
	Pending     int       `json:"pending"`
	Processing  int       `json:"processing"`
	Success     int       `json:"success"`
	Error       int       `json:"error"`
	Cancelled   int       `json:"cancelled"`
	Attempts    int       `json:"attempts"`
	SuccessRate float64   `json:"successRate"`
}

// Repository persists emission records.
type Repository interface {
	// MarkPending creates the record for a newly queued order, or moves an
	// error record back to pending. Other states are left untouched.
	MarkPending(ctx context.Context, orderID int64, environment string) error

	// BeginAttempt atomically checks the current record, rejecting any record
	// that holds an access key with AlreadyEmittedError unless forced, then
	// marks it processing, increments its attempt counter and allocates the
	// next DPS number.
	BeginAttempt(ctx context.Context, req AttemptRequest) (*Emission, error)

	// MarkSuccess stores the accepted document.
	MarkSuccess(ctx context.Context, orderID int64, update SuccessUpdate) error

	// MarkError stores the failing stage's code and message. A record whose
	// NFS-e was issued earlier goes back to success or cancelled, so a failed
	// forced attempt never hides a valid document.
	MarkError(ctx context.Context, orderID int64, update ErrorUpdate) error

	// MarkCancelled moves a success record to cancelled.
	MarkCancelled(ctx context.Context, orderID int64, update CancelUpdate) error

	// FindByOrderID returns ErrNotFound when the order was never queued.
	FindByOrderID(ctx context.Context, orderID int64) (*Emission, error)

	// FindByAccessKey returns ErrNotFound for unknown keys.
	FindByAccessKey(ctx context.Context, accessKey string) (*Emission, error)

	// Stats counts records by status for attempts within [from, to).
	Stats(ctx context.Context, from, to time.Time) (Stats, error)
}

// Lock is a held per-order lock.
type Lock interface {
	Release(ctx context.Context) error
}

// Locker obtains short-lived exclusive locks.
type Locker interface {
	// Obtain returns ErrLockNotObtained when the key is held elsewhere.
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// ComputeSuccessRate returns the share of finished emissions that were issued, in percent.
func (s Stats) ComputeSuccessRate() float64 {
	finished := s.Success + s.Error + s.Cancelled
	if finished == 0 {
		return 0
	}
	return float64(s.Success+s.Cancelled) / float64(finished) * 100
}
