package bootstrap

import (
	"context"
	"fmt"
	"time"

	"3tcapital/ms_nfse_emissor/internal/infrastructure/scheduler"
)

// Scheduled job names.
const (
	JobDrain        = "queue_drain"
	JobAuditCleanup = "audit_cleanup"
	JobMetrics      = "metrics_snapshot"
)

// Scheduler registers the periodic jobs: the queue drain, audit retention
// and the gauge snapshot. The caller starts and stops it.
func (a *App) Scheduler() (*scheduler.Scheduler, error) {
	cfg := a.Config.Scheduler
	s := scheduler.New(a.Log, a.Metrics)

	drainTimeout := a.Settings.Settings().Queue.ItemTimeout * time.Duration(max(a.Settings.Settings().Queue.BatchSize, 1))
	if err := s.Add(JobDrain, cfg.DrainSpec, drainTimeout, func(ctx context.Context) error {
		_, err := a.Automation.RunDrain(ctx)
		return err
	}); err != nil {
		return nil, err
	}
	if a.Audit != nil && a.Config.Audit.Retention > 0 {
		if err := s.Add(JobAuditCleanup, cfg.AuditCleanupSpec, 10*time.Minute, a.CleanupAudit); err != nil {
			return nil, err
		}
	}
	if err := s.Add(JobMetrics, cfg.MetricsSpec, time.Minute, a.SnapshotMetrics); err != nil {
		return nil, err
	}
	return s, nil
}

// CleanupAudit purges audit records older than the configured retention.
func (a *App) CleanupAudit(ctx context.Context) error {
	if a.Audit == nil {
		return nil
	}
	n, err := a.Audit.DeleteBefore(ctx, time.Now().Add(-a.Config.Audit.Retention))
	if err != nil {
		return fmt.Errorf("purge audit log: %w", err)
	}
	if n > 0 {
		a.Log.InfoContext(ctx, "audit records purged", "count", n)
	}
	return nil
}

// SnapshotMetrics refreshes the gauges that are not updated by requests:
// queue depth, breaker state and certificate expiry. It also evicts expired
// webhook order statuses.
func (a *App) SnapshotMetrics(ctx context.Context) error {
	if n := a.Webhook.PruneStatuses(); n > 0 {
		a.Log.DebugContext(ctx, "webhook statuses pruned", "count", n)
	}

	// Statistics publishes the queue depth itself.
	if _, err := a.Queue.Statistics(ctx); err != nil {
		return err
	}
	a.Metrics.SetBreakerState(int(a.Sefin.Breaker().State()))

	b, err := a.Certificates.GetActiveCertificate(ctx)
	if err != nil {
		return fmt.Errorf("read certificate: %w", err)
	}
	if !b.Certificate.NotAfter.IsZero() {
		a.Metrics.SetCertificateExpiry(b.Certificate.NotAfter)
	}
	return nil
}
