package emission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"3tcapital/ms_nfse_emissor/internal/core/certificate"
	coredps "3tcapital/ms_nfse_emissor/internal/core/dps"
	"3tcapital/ms_nfse_emissor/internal/core/emission"
	"3tcapital/ms_nfse_emissor/internal/core/nfse"
	"3tcapital/ms_nfse_emissor/internal/core/order"
	"3tcapital/ms_nfse_emissor/internal/core/settings"
	"3tcapital/ms_nfse_emissor/internal/core/signature"
	"3tcapital/ms_nfse_emissor/internal/core/validation"
)

const defaultLockTTL = 2 * time.Minute

// Generator builds a DPS for an order snapshot.
type Generator interface {
	Generate(snapshot *order.Snapshot, number int64) (*coredps.Document, *validation.Report, error)
}

// Signer signs XML documents with a PKCS#12 bundle.
type Signer interface {
	Sign(xml string, bundle *certificate.Bundle) (*signature.SignedDocument, error)
}

// Metrics records emission outcomes. Outcome is "success" or an error code.
type Metrics interface {
	ObserveEmission(outcome string, elapsed time.Duration)
}

// Dependencies wires a Service. Metrics and LockTTL are optional.
type Dependencies struct {
	Repository   emission.Repository
	Locker       emission.Locker
	Certificates certificate.Manager
	Orders       order.Store
	Generator    Generator
	Signer       Signer
	Client       nfse.Client
	Settings     settings.Provider
	Metrics      Metrics
	Logger       *slog.Logger
	LockTTL      time.Duration
}

// Service runs the emission pipeline for single orders: lock, begin attempt,
// generate, validate, sign, submit and persist.
type Service struct {
	repo      emission.Repository
	locker    emission.Locker
	certs     certificate.Manager
	orders    order.Store
	generator Generator
	signer    Signer
	client    nfse.Client
	settings  settings.Provider
	metrics   Metrics
	log       *slog.Logger
	lockTTL   time.Duration
	now       func() time.Time
}

// Result is the outcome of a successful emission.
type Result struct {
	OrderID       int64              `json:"orderId"`
	Status        emission.Status    `json:"status"`
	AccessKey     string             `json:"accessKey"`
	Protocol      string             `json:"protocol,omitempty"`
	DPSNumber     int64              `json:"dpsNumber"`
	DPSIdentifier string             `json:"dpsIdentifier"`
	Attempts      int                `json:"attempts"`
	Alerts        []nfse.Message     `json:"alerts,omitempty"`
	Report        *validation.Report `json:"validation,omitempty"`
	EmittedAt     time.Time          `json:"emittedAt"`
}

// NewService validates deps and returns a Service.
func NewService(deps Dependencies) (*Service, error) {
	switch {
	case deps.Repository == nil:
		return nil, fmt.Errorf("emission repository is required")
	case deps.Locker == nil:
		return nil, fmt.Errorf("locker is required")
	case deps.Certificates == nil:
		return nil, fmt.Errorf("certificate manager is required")
	case deps.Orders == nil:
		return nil, fmt.Errorf("order store is required")
	case deps.Generator == nil:
		return nil, fmt.Errorf("generator is required")
	case deps.Signer == nil:
		return nil, fmt.Errorf("signer is required")
	case deps.Client == nil:
		return nil, fmt.Errorf("nfse client is required")
	case deps.Settings == nil:
		return nil, fmt.Errorf("settings provider is required")
	case deps.Logger == nil:
		return nil, fmt.Errorf("logger is required")
	}

	ttl := deps.LockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}

	return &Service{
		repo:      deps.Repository,
		locker:    deps.Locker,
		certs:     deps.Certificates,
		orders:    deps.Orders,
		generator: deps.Generator,
		signer:    deps.Signer,
		client:    deps.Client,
		settings:  deps.Settings,
		metrics:   deps.Metrics,
		log:       deps.Logger,
		lockTTL:   ttl,
		now:       time.Now,
	}, nil
}

func lockKey(orderID int64) string {
	return fmt.Sprintf("nfse:emission:%d", orderID)
}

// MarkPending records that the order was queued. Error records move back to
// pending; other states are kept.
func (s *Service) MarkPending(ctx context.Context, orderID int64) error {
	env := s.settings.Settings().Environment.Code()
	if err := s.repo.MarkPending(ctx, orderID, env); err != nil {
		return fmt.Errorf("mark emission pending for order %d: %w", orderID, err)
	}
	return nil
}

// ProcessEmission emits the NFS-e of orderID. An order whose NFS-e was
// already issued fails with *nfse.AlreadyEmittedError unless force is
// set, before any generation, signing or submission happens. Every other
// failure is persisted on the emission record and returned.
func (s *Service) ProcessEmission(ctx context.Context, orderID int64, force bool) (*Result, error) {
	started := s.now()

	lock, err := s.obtainLock(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, lock, orderID)

	cfg := s.settings.Settings()
	rec, err := s.repo.BeginAttempt(ctx, emission.AttemptRequest{
		OrderID:     orderID,
		Force:       force,
		Environment: cfg.Environment.Code(),
		StartedAt:   started,
	})
	if err != nil {
		if errors.Is(err, nfse.ErrAlreadyEmitted) {
			s.log.Info("order already emitted, skipping", "order_id", orderID)
			s.observe(nfse.CodeAlreadyEmitted, started)
			return nil, err
		}
		return nil, fmt.Errorf("begin emission attempt for order %d: %w", orderID, err)
	}

	s.log.Info("emission started",
		"order_id", orderID,
		"attempt", rec.Attempts,
		"dps_number", rec.DPSNumber,
		"force", force,
	)

	result, err := s.emit(ctx, rec)
	if err != nil {
		s.recordFailure(ctx, orderID, err)
		s.observe(nfse.CodeOf(err), started)
		return nil, err
	}

	s.observe("success", started)
	s.log.Info("emission succeeded",
		"order_id", orderID,
		"access_key", result.AccessKey,
		"dps_id", result.DPSIdentifier,
		"duration_ms", s.now().Sub(started).Milliseconds(),
	)
	return result, nil
}

func (s *Service) emit(ctx context.Context, rec *emission.Emission) (*Result, error) {
	bundle, err := s.activeCertificate(ctx)
	if err != nil {
		return nil, err
	}

	snapshot, err := s.orders.GetOrder(ctx, rec.OrderID)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			return nil, &nfse.GenerationError{Field: "order", Message: fmt.Sprintf("order %d not found", rec.OrderID)}
		}
		return nil, &nfse.SubmissionError{
			Code:      nfse.CodeOrderStoreUnavailable,
			Message:   "order store unavailable",
			Temporary: true,
			Err:       err,
		}
	}

	doc, report, err := s.generator.Generate(snapshot, rec.DPSNumber)
	if err != nil {
		return nil, err
	}
	if !report.Valid {
		return nil, &nfse.ValidationError{Schema: report.Schema, Issues: report.Errors}
	}

	signed, err := s.signer.Sign(doc.XML, bundle)
	if err != nil {
		return nil, err
	}

	submitted, err := s.client.Submit(ctx, signed.SignedXML)
	if err != nil {
		return nil, err
	}

	emittedAt := submitted.ProcessedAt
	if emittedAt.IsZero() {
		emittedAt = s.now()
	}

	// The government accepted the document: persist even if the caller gave up.
	persistCtx := context.WithoutCancel(ctx)
	if err := s.repo.MarkSuccess(persistCtx, rec.OrderID, emission.SuccessUpdate{
		AccessKey:     submitted.AccessKey,
		DPSNumber:     rec.DPSNumber,
		DPSIdentifier: doc.ID(),
		XML:           doc.XML,
		SignedXML:     signed.SignedXML,
		Response:      submitted.Raw,
		EmittedAt:     emittedAt,
	}); err != nil {
		s.log.Error("failed to persist successful emission",
			"order_id", rec.OrderID,
			"access_key", submitted.AccessKey,
			"error", err,
		)
		return nil, &nfse.PersistError{OrderID: rec.OrderID, AccessKey: submitted.AccessKey, Err: err}
	}

	note := fmt.Sprintf("NFS-e emitida. Chave de acesso: %s. DPS: %s.", submitted.AccessKey, doc.ID())
	if err := s.orders.AddNote(persistCtx, rec.OrderID, note); err != nil {
		s.log.Warn("failed to add emission note to order", "order_id", rec.OrderID, "error", err)
	}
	if err := s.certs.RecordUsage(persistCtx); err != nil {
		s.log.Warn("failed to record certificate usage", "error", err)
	}

	return &Result{
		OrderID:       rec.OrderID,
		Status:        emission.StatusSuccess,
		AccessKey:     submitted.AccessKey,
		Protocol:      submitted.Protocol,
		DPSNumber:     rec.DPSNumber,
		DPSIdentifier: doc.ID(),
		Attempts:      rec.Attempts,
		Alerts:        submitted.Alerts,
		Report:        report,
		EmittedAt:     emittedAt,
	}, nil
}

func (s *Service) activeCertificate(ctx context.Context) (*certificate.Bundle, error) {
	bundle, err := s.certs.GetActiveCertificate(ctx)
	if err != nil {
		if errors.Is(err, certificate.ErrNoActiveCertificate) {
			return nil, &nfse.SigningError{Code: nfse.CodeCertificateMissing, Message: "no active certificate configured", Err: err}
		}
		return nil, &nfse.SigningError{Code: nfse.CodeCertificateUnreadable, Message: "active certificate could not be loaded", Err: err}
	}
	return bundle, nil
}

func (s *Service) recordFailure(ctx context.Context, orderID int64, err error) {
	c := nfse.Classify(err)
	s.log.Error("emission failed",
		"order_id", orderID,
		"code", c.Code,
		"retryable", c.Retryable,
		"action", c.Action,
		"error", err,
	)
	update := emission.ErrorUpdate{Code: c.Code, Message: err.Error()}
	var persistErr *nfse.PersistError
	if errors.As(err, &persistErr) {
		update.AccessKey = persistErr.AccessKey
	}
	if mErr := s.repo.MarkError(context.WithoutCancel(ctx), orderID, update); mErr != nil {
		s.log.Error("failed to persist emission error", "order_id", orderID, "error", mErr)
	}
}

func (s *Service) obtainLock(ctx context.Context, orderID int64) (emission.Lock, error) {
	lock, err := s.locker.Obtain(ctx, lockKey(orderID), s.lockTTL)
	if err != nil {
		if errors.Is(err, emission.ErrLockNotObtained) {
			return nil, fmt.Errorf("order %d: %w", orderID, nfse.ErrEmissionInProgress)
		}
		return nil, fmt.Errorf("obtain emission lock for order %d: %w", orderID, err)
	}
	return lock, nil
}

func (s *Service) release(ctx context.Context, lock emission.Lock, orderID int64) {
	if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
		s.log.Warn("failed to release emission lock", "order_id", orderID, "error", err)
	}
}

func (s *Service) observe(outcome string, started time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveEmission(outcome, s.now().Sub(started))
	}
}
