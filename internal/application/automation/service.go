package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	coredps "3tcapital/ms_nfse_emissor/internal/core/dps"
	"3tcapital/ms_nfse_emissor/internal/core/nfse"
	"3tcapital/ms_nfse_emissor/internal/core/order"
	"3tcapital/ms_nfse_emissor/internal/core/queue"
	"3tcapital/ms_nfse_emissor/internal/core/settings"
)

// Decision reasons.
const (
	ReasonDisabled             = "automation_disabled"
	ReasonStatusNotAllowed     = "status_not_allowed"
	ReasonBelowMinimumTotal    = "below_minimum_total"
	ReasonPaymentExcluded      = "payment_method_excluded"
	ReasonCustomerTypeMismatch = "customer_type_mismatch"
	ReasonOutsideBusinessHours = "outside_business_hours"
	ReasonNotTriggerStatus     = "status_not_trigger"
	ReasonAlreadyQueued        = "already_queued"
)

// Queue is the part of the queue service automation drives.
type Queue interface {
	AddToQueue(ctx context.Context, orderID int64, trigger queue.Trigger, delay time.Duration, priority int) (int64, error)
	ProcessQueue(ctx context.Context, limit int) (int, error)
	ResetStuckItems(ctx context.Context, threshold time.Duration) (int, error)
	RetryFailedItems(ctx context.Context, limit int) (int, error)
	CleanupCompleted(ctx context.Context, retention time.Duration) (int, error)
}

// Decision is the outcome of evaluating an order against the automation
// policy. An order outside business hours is allowed with NotBefore set to
// the next opening.
type Decision struct {
	Allowed   bool       `json:"allowed"`
	Reasons   []string   `json:"reasons"`
	NotBefore *time.Time `json:"notBefore,omitempty"`
}

// Outcome reports what a trigger did with an order.
type Outcome struct {
	OrderID  int64    `json:"orderId"`
	Decision Decision `json:"decision"`
	Queued   bool     `json:"queued"`
	ItemID   int64    `json:"itemId,omitempty"`
}

// DrainReport summarises one maintenance and drain cycle.
type DrainReport struct {
	RunID     string        `json:"runId"`
	Reset     int           `json:"reset"`
	Processed int           `json:"processed"`
	Retried   int           `json:"retried"`
	Purged    int           `json:"purged"`
	StartedAt time.Time     `json:"startedAt"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Service decides whether and when orders are queued, and runs the
// periodic drain.
type Service struct {
	orders   order.Store
	queue    Queue
	settings settings.Provider
	log      *slog.Logger
	now      func() time.Time
}

func NewService(orders order.Store, q Queue, provider settings.Provider, log *slog.Logger) *Service {
	return &Service{
		orders:   orders,
		queue:    q,
		settings: provider,
		log:      log,
		now:      time.Now,
	}
}

// ShouldProcessOrder loads the order and evaluates it at the current time.
func (s *Service) ShouldProcessOrder(ctx context.Context, orderID int64) (Decision, error) {
	snapshot, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return Decision{}, fmt.Errorf("load order %d: %w", orderID, err)
	}
	return s.EvaluateOrder(snapshot, s.now())
}

// EvaluateOrder applies the policy in order: enabled, status, minimum total,
// payment method, customer type, business hours. The first failing condition
// decides; business hours only defer.
func (s *Service) EvaluateOrder(snapshot *order.Snapshot, now time.Time) (Decision, error) {
	cfg := s.settings.Settings().Automation

	deny := func(reason string) (Decision, error) {
		return Decision{Allowed: false, Reasons: []string{reason}}, nil
	}

	if !cfg.Enabled {
		return deny(ReasonDisabled)
	}
	if len(cfg.AllowedStatuses) > 0 && !containsFold(cfg.AllowedStatuses, snapshot.Status) {
		return deny(ReasonStatusNotAllowed)
	}
	if cfg.MinimumTotal.IsPositive() && snapshot.Total.LessThan(cfg.MinimumTotal) {
		return deny(ReasonBelowMinimumTotal)
	}
	if snapshot.PaymentMethod != "" && containsFold(cfg.ExcludedPaymentMethods, snapshot.PaymentMethod) {
		return deny(ReasonPaymentExcluded)
	}
	if !customerTypeMatches(cfg.CustomerType, snapshot.Customer.Document) {
		return deny(ReasonCustomerTypeMismatch)
	}

	hours, err := NewBusinessHours(cfg.BusinessHours)
	if err != nil {
		return Decision{}, err
	}
	decision := Decision{Allowed: true, Reasons: []string{}}
	if !hours.Open(now) {
		next := hours.NextOpening(now)
		decision.NotBefore = &next
		decision.Reasons = append(decision.Reasons, ReasonOutsideBusinessHours)
	}
	return decision, nil
}

func customerTypeMatches(filter, document string) bool {
	switch filter {
	case settings.CustomerTypeIndividual, settings.CustomerTypeBusiness:
		kind, _, err := coredps.ClassifyDocument(document)
		if err != nil {
			return false
		}
		return kind.String() == filter
	default:
		return true
	}
}

func containsFold(list []string, v string) bool {
	v = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(v)), "wc-")
	return slices.ContainsFunc(list, func(s string) bool {
		return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "wc-") == v
	})
}

// OnPaymentComplete is called when the store confirms payment of an order.
func (s *Service) OnPaymentComplete(ctx context.Context, orderID int64) (Outcome, error) {
	return s.trigger(ctx, orderID, queue.TriggerPaymentComplete)
}

// OnOrderStatusChange is called on every status transition; only transitions
// into a configured trigger status are evaluated.
func (s *Service) OnOrderStatusChange(ctx context.Context, orderID int64, from, to string) (Outcome, error) {
	cfg := s.settings.Settings().Automation
	if !containsFold(cfg.TriggerStatuses, to) || containsFold([]string{from}, to) {
		s.log.Debug("status change ignored", "order_id", orderID, "from", from, "to", to)
		return Outcome{OrderID: orderID, Decision: Decision{Reasons: []string{ReasonNotTriggerStatus}}}, nil
	}
	return s.trigger(ctx, orderID, queue.TriggerStatusChange)
}

func (s *Service) trigger(ctx context.Context, orderID int64, trigger queue.Trigger) (Outcome, error) {
	out := Outcome{OrderID: orderID}

	decision, err := s.ShouldProcessOrder(ctx, orderID)
	if err != nil {
		return out, err
	}
	out.Decision = decision
	if !decision.Allowed {
		s.log.Info("order not eligible for automatic emission",
			"order_id", orderID,
			"trigger", trigger,
			"reasons", decision.Reasons,
		)
		return out, nil
	}

	var notBefore time.Time
	if decision.NotBefore != nil {
		notBefore = *decision.NotBefore
	}
	id, err := s.ScheduleEmission(ctx, orderID, trigger, notBefore)
	if err != nil {
		var dup *nfse.DuplicateQueueItemError
		if errors.As(err, &dup) {
			out.ItemID = dup.ExistingItemID
			out.Decision.Reasons = append(out.Decision.Reasons, ReasonAlreadyQueued)
			return out, nil
		}
		return out, err
	}
	out.Queued = true
	out.ItemID = id
	return out, nil
}

// ScheduleEmission queues the order after the configured delay, or at
// notBefore when that is later.
func (s *Service) ScheduleEmission(ctx context.Context, orderID int64, trigger queue.Trigger, notBefore time.Time) (int64, error) {
	cfg := s.settings.Settings().Automation
	now := s.now()

	delay := cfg.Delay
	if !notBefore.IsZero() {
		if wait := notBefore.Sub(now); wait > delay {
			delay = wait
		}
	}
	return s.queue.AddToQueue(ctx, orderID, trigger, delay, cfg.Priority)
}

// RunDrain runs one scheduled cycle: reset stuck items, drain one batch,
// requeue retryable failures when auto retry is on, and purge old completed
// items. Every step runs even if an earlier one failed.
func (s *Service) RunDrain(ctx context.Context) (DrainReport, error) {
	report := DrainReport{RunID: uuid.NewString(), StartedAt: s.now()}
	log := s.log.With("run_id", report.RunID)
	cfg := s.settings.Settings().Queue

	var errs []error
	var err error

	if report.Reset, err = s.queue.ResetStuckItems(ctx, 0); err != nil {
		errs = append(errs, err)
	}
	if report.Processed, err = s.queue.ProcessQueue(ctx, cfg.BatchSize); err != nil {
		errs = append(errs, err)
	}
	if cfg.AutoRetry {
		if report.Retried, err = s.queue.RetryFailedItems(ctx, cfg.BatchSize); err != nil {
			errs = append(errs, err)
		}
	}
	if report.Purged, err = s.queue.CleanupCompleted(ctx, 0); err != nil {
		errs = append(errs, err)
	}

	report.Elapsed = s.now().Sub(report.StartedAt)
	if joined := errors.Join(errs...); joined != nil {
		log.Error("drain cycle finished with errors", "error", joined)
		return report, joined
	}
	if report.Reset+report.Processed+report.Retried+report.Purged > 0 {
		log.Info("drain cycle finished",
			"reset", report.Reset,
			"processed", report.Processed,
			"retried", report.Retried,
			"purged", report.Purged,
			"duration_ms", report.Elapsed.Milliseconds(),
		)
	}
	return report, nil
}
