package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"3tcapital/ms_nfse_emissor/internal/adapters/nfse/sefin"
	"3tcapital/ms_nfse_emissor/internal/core/certificate"
	corehealth "3tcapital/ms_nfse_emissor/internal/core/health"
	"3tcapital/ms_nfse_emissor/internal/core/queue"
)

func (a *App) checkers() []corehealth.Checker {
	var checks []corehealth.Checker
	if a.pool != nil {
		checks = append(checks, corehealth.CheckFunc{CheckName: "database", Fn: a.pool.Ping})
	}
	if a.rdb != nil {
		checks = append(checks, corehealth.CheckFunc{CheckName: "redis", Fn: func(ctx context.Context) error {
			return a.rdb.Ping(ctx).Err()
		}})
	}
	checks = append(checks,
		corehealth.CheckFunc{CheckName: "certificate", Fn: a.checkCertificate},
		corehealth.CheckFunc{CheckName: "sefin", Fn: a.checkBreaker},
		corehealth.CheckFunc{CheckName: "queue", Fn: a.checkQueue},
	)
	return checks
}

// checkCertificate is down without a usable certificate and degraded inside
// the renewal warning window.
func (a *App) checkCertificate(ctx context.Context) error {
	b, err := a.Certificates.GetActiveCertificate(ctx)
	if err != nil {
		return err
	}
	return certificateStatus(b.Certificate, time.Now(), a.Config.Certificate.ExpiryWarning)
}

func certificateStatus(c certificate.Certificate, now time.Time, warning time.Duration) error {
	if c.Fingerprint == "" {
		return errors.New("certificate could not be decoded")
	}
	if !c.ValidAt(now) {
		return fmt.Errorf("certificate valid from %s to %s", c.NotBefore.Format(time.DateOnly), c.NotAfter.Format(time.DateOnly))
	}
	if left := c.NotAfter.Sub(now); left < warning {
		return fmt.Errorf("certificate expires in %d days: %w", int(left.Hours()/24), corehealth.ErrDegraded)
	}
	return nil
}

func (a *App) checkBreaker(context.Context) error {
	return breakerStatus(a.Sefin.Breaker().State())
}

func breakerStatus(state sefin.BreakerState) error {
	if state == sefin.BreakerClosed {
		return nil
	}
	return fmt.Errorf("circuit breaker %s: %w", state, corehealth.ErrDegraded)
}

// checkQueue reports an unhealthy queue as degraded: emission lags but the
// API still serves.
func (a *App) checkQueue(ctx context.Context) error {
	h, err := a.Queue.GetQueueHealth(ctx)
	if err != nil {
		return err
	}
	return queueStatus(h)
}

func queueStatus(h queue.Health) error {
	if h.Status == queue.HealthHealthy {
		return nil
	}
	detail := string(h.Status)
	if len(h.Issues) > 0 {
		detail += ": " + strings.Join(h.Issues, "; ")
	}
	return fmt.Errorf("%s: %w", detail, corehealth.ErrDegraded)
}
