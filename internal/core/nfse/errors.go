package nfse

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"3tcapital/ms_nfse_emissor/internal/core/validation"
)

// Error codes persisted on emission records and queue items.
const (
	CodeGenerationFailed       = "generation_failed"
	CodeValidationFailed       = "validation_failed"
	CodeCertificateExpired     = "certificate_expired"
	CodeCertificateNotYetValid = "certificate_not_yet_valid"
	CodeCertificatePassword    = "certificate_password"
	CodeCertificateUnreadable  = "certificate_unreadable"
	CodeCertificateMissing     = "certificate_missing"
	CodeInvalidDocument        = "invalid_document"
	CodeSubmissionFailed       = "submission_failed"
	CodeSubmissionRejected     = "submission_rejected"
	CodeCircuitOpen            = "circuit_open"
	CodeOrderStoreUnavailable  = "order_store_unavailable"
	CodeAlreadyEmitted         = "already_emitted"
	CodeDuplicateQueueItem     = "duplicate_queue_item"
	CodeEmissionInProgress     = "emission_in_progress"
	CodeTimeout                = "timeout"
	CodePersistFailed          = "persist_failed"
	CodeInternal               = "internal_error"
)

var (
	// ErrAlreadyEmitted matches any AlreadyEmittedError through errors.Is.
	ErrAlreadyEmitted = errors.New("nfse already emitted for order")
	// ErrDuplicateQueueItem matches any DuplicateQueueItemError through errors.Is.
	ErrDuplicateQueueItem = errors.New("order already has an unresolved queue item")
	// ErrEmissionInProgress is returned when another worker holds the order lock.
	ErrEmissionInProgress = errors.New("emission already in progress for order")
	// ErrNotCancellable is returned when cancelling an emission that is not in success state.
	ErrNotCancellable = errors.New("emission cannot be cancelled")
	// ErrInvalidCancelReason is returned when the cancellation reason is too short.
	ErrInvalidCancelReason = errors.New("cancellation reason must have between 15 and 255 characters")
)

// Coded is implemented by every error of the taxonomy.
type Coded interface {
	error
	ErrorCode() string
	Retryable() bool
}

// GenerationError reports malformed or incomplete input for the DPS.
// It is not retryable without data correction.
type GenerationError struct {
	Field   string
	Message string
}

func (e *GenerationError) Error() string {
	if e.Field == "" {
		return "generation error: " + e.Message
	}
	return fmt.Sprintf("generation error: %s: %s", e.Field, e.Message)
}

func (e *GenerationError) ErrorCode() string { return CodeGenerationFailed }
func (e *GenerationError) Retryable() bool   { return false }

// ValidationError reports schema non-conformance of a generated document.
type ValidationError struct {
	Schema string
	Issues []validation.Issue
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return fmt.Sprintf("validation error: document does not conform to %s", e.Schema)
	}
	parts := make([]string, 0, len(e.Issues))
	for i, issue := range e.Issues {
		if i == 3 {
			parts = append(parts, fmt.Sprintf("and %d more", len(e.Issues)-3))
			break
		}
		parts = append(parts, issue.String())
	}
	return fmt.Sprintf("validation error: %s: %s", e.Schema, strings.Join(parts, "; "))
}

func (e *ValidationError) ErrorCode() string { return CodeValidationFailed }
func (e *ValidationError) Retryable() bool   { return false }

// SigningError reports a certificate or signature problem.
type SigningError struct {
	Code    string
	Message string
	Err     error
}

func (e *SigningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("signing error (%s): %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("signing error (%s): %s", e.Code, e.Message)
}

func (e *SigningError) Unwrap() error     { return e.Err }
func (e *SigningError) ErrorCode() string { return e.Code }
func (e *SigningError) Retryable() bool   { return false }

// Message is a single message returned by the government API.
type Message struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Complement  string `json:"complement,omitempty"`
}

func (m Message) String() string {
	if m.Complement != "" {
		return fmt.Sprintf("%s: %s (%s)", m.Code, m.Description, m.Complement)
	}
	return fmt.Sprintf("%s: %s", m.Code, m.Description)
}

// SubmissionError reports a failure talking to the government API or the order store.
type SubmissionError struct {
	Code       string
	StatusCode int
	Message    string
	Messages   []Message
	Temporary  bool
	Err        error
}

func (e *SubmissionError) Error() string {
	var b strings.Builder
	b.WriteString("submission error")
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	for _, m := range e.Messages {
		b.WriteString("; ")
		b.WriteString(m.String())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *SubmissionError) Unwrap() error { return e.Err }

func (e *SubmissionError) ErrorCode() string {
	if e.Code == "" {
		return CodeSubmissionFailed
	}
	return e.Code
}

func (e *SubmissionError) Retryable() bool { return e.Temporary }

// AlreadyEmittedError is the idempotency guard: the order already has a successful emission.
type AlreadyEmittedError struct {
	OrderID   int64
	AccessKey string
}

func (e *AlreadyEmittedError) Error() string {
	return fmt.Sprintf("order %d already has an emitted nfse (access key %s)", e.OrderID, e.AccessKey)
}

func (e *AlreadyEmittedError) Is(target error) bool { return target == ErrAlreadyEmitted }
func (e *AlreadyEmittedError) ErrorCode() string    { return CodeAlreadyEmitted }
func (e *AlreadyEmittedError) Retryable() bool      { return false }

// PersistError is returned when the government issued the NFS-e but the
// success record could not be stored. Retrying would file a second document.
type PersistError struct {
	OrderID   int64
	AccessKey string
	Err       error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist emission of order %d (access key %s): %v", e.OrderID, e.AccessKey, e.Err)
}

func (e *PersistError) Unwrap() error     { return e.Err }
func (e *PersistError) ErrorCode() string { return CodePersistFailed }
func (e *PersistError) Retryable() bool   { return false }

// DuplicateQueueItemError is returned when the order already has a pending or processing item.
type DuplicateQueueItemError struct {
	OrderID        int64
	ExistingItemID int64
}

func (e *DuplicateQueueItemError) Error() string {
	return fmt.Sprintf("order %d already queued (item %d)", e.OrderID, e.ExistingItemID)
}

func (e *DuplicateQueueItemError) Is(target error) bool { return target == ErrDuplicateQueueItem }
func (e *DuplicateQueueItemError) ErrorCode() string    { return CodeDuplicateQueueItem }
func (e *DuplicateQueueItemError) Retryable() bool      { return false }

// Classification describes how an operator should react to an error.
type Classification struct {
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
	Action    string `json:"action"`
}

// Classify maps any error to its code, retry policy and an actionable hint.
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}

	var coded Coded
	if !errors.As(err, &coded) {
		if errors.Is(err, context.DeadlineExceeded) {
			return Classification{Code: CodeTimeout, Retryable: true, Action: "processing exceeded the item timeout; it will be retried"}
		}
		if errors.Is(err, ErrEmissionInProgress) {
			return Classification{Code: CodeEmissionInProgress, Retryable: true, Action: "another worker is emitting this order; it will be retried"}
		}
		return Classification{Code: CodeInternal, Retryable: true, Action: "unexpected failure; check service logs"}
	}

	c := Classification{Code: coded.ErrorCode(), Retryable: coded.Retryable()}
	switch c.Code {
	case CodeCertificateExpired, CodeCertificateNotYetValid:
		c.Action = "install a certificate within its validity window"
	case CodeCertificatePassword:
		c.Action = "fix the certificate password setting"
	case CodeCertificateUnreadable, CodeCertificateMissing:
		c.Action = "configure a readable A1 (PKCS#12) certificate"
	case CodeGenerationFailed:
		c.Action = "correct the order or issuer data and re-trigger the emission"
	case CodeValidationFailed, CodeInvalidDocument:
		c.Action = "review the validation report; the document does not match the schema"
	case CodeSubmissionRejected:
		c.Action = "the government API rejected the document; review the returned messages"
	case CodeAlreadyEmitted:
		c.Action = "nothing to do; use force to re-emit after cancellation"
	case CodeDuplicateQueueItem:
		c.Action = "nothing to do; the order is already queued"
	case CodePersistFailed:
		c.Action = "the NFS-e was issued under the recorded access key; reconcile the emission record, do not re-emit"
	default:
		if c.Retryable {
			c.Action = "transient failure; the queue will retry automatically"
		} else {
			c.Action = "manual intervention required"
		}
	}
	return c
}

// CodeOf returns the persisted error code for err.
func CodeOf(err error) string {
	return Classify(err).Code
}
