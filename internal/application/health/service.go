package health

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	corehealth "3tcapital/ms_nfse_emissor/internal/core/health"
)

// Metadata contains immutable metadata about the running service.
type Metadata struct {
	Service     string
	Version     string
	Environment string
}

// Service exposes health-check use cases to adapters.
type Service struct {
	meta      Metadata
	checkers  []corehealth.Checker
	timeout   time.Duration
	startedAt time.Time
}

// NewService creates the service. Each checker gets its own deadline on every Status call.
func NewService(meta Metadata, checkers ...corehealth.Checker) *Service {
	return &Service{
		meta:      meta,
		checkers:  checkers,
		timeout:   3 * time.Second,
		startedAt: time.Now().UTC(),
	}
}

// Liveness returns the process snapshot without probing dependencies.
func (s *Service) Liveness(_ context.Context) corehealth.Status {
	uptime := time.Since(s.startedAt)
	return corehealth.Status{
		Service:     s.meta.Service,
		Version:     s.meta.Version,
		Environment: s.meta.Environment,
		Status:      corehealth.StateUp,
		StartedAt:   s.startedAt,
		Uptime:      uptime.String(),
		UptimeSecs:  int64(uptime.Seconds()),
	}
}

// Status runs every checker concurrently. The overall status is DOWN when a
// check fails, DEGRADED when a check reports ErrDegraded, UP otherwise.
func (s *Service) Status(ctx context.Context) corehealth.Status {
	status := s.Liveness(ctx)
	if len(s.checkers) == 0 {
		return status
	}

	components := make([]corehealth.Component, len(s.checkers))
	var wg sync.WaitGroup
	for i, c := range s.checkers {
		wg.Add(1)
		go func(i int, c corehealth.Checker) {
			defer wg.Done()
			components[i] = s.run(ctx, c)
		}(i, c)
	}
	wg.Wait()

	for _, c := range components {
		switch c.Status {
		case corehealth.StateDown:
			status.Status = corehealth.StateDown
		case corehealth.StateDegraded:
			if status.Status == corehealth.StateUp {
				status.Status = corehealth.StateDegraded
			}
		}
	}
	status.Components = components
	return status
}

func (s *Service) run(ctx context.Context, c corehealth.Checker) corehealth.Component {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err := c.Check(ctx)
	comp := corehealth.Component{
		Name:       c.Name(),
		Status:     corehealth.StateUp,
		DurationMs: time.Since(start).Milliseconds(),
	}
	switch {
	case err == nil:
	case errors.Is(err, corehealth.ErrDegraded):
		comp.Status = corehealth.StateDegraded
		comp.Detail = strings.TrimSuffix(err.Error(), ": degraded")
	default:
		comp.Status = corehealth.StateDown
		comp.Detail = err.Error()
	}
	return comp
}
