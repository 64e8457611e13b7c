package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	ctxutil "3tcapital/ms_nfse_emissor/internal/infrastructure/context"
)

// Job is one unit of scheduled work.
type Job func(ctx context.Context) error

// Recorder observes job runs; *metrics.Metrics implements it.
type Recorder interface {
	ObserveScheduledRun(job string, err error)
}

// Scheduler runs named jobs on cron specs. Runs of the same job never
// overlap: a tick that arrives while the previous run is active is skipped.
type Scheduler struct {
	cron     *cron.Cron
	log      *slog.Logger
	recorder Recorder

	mu   sync.RWMutex
	base context.Context
	jobs map[string]cron.EntryID
}

// New creates a stopped scheduler. recorder may be nil.
func New(log *slog.Logger, recorder Recorder) *Scheduler {
	cronLog := cronLogger{log: log}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		log:      log,
		recorder: recorder,
		base:     context.Background(),
		jobs:     make(map[string]cron.EntryID),
	}
}

// Add registers job under name. Each run gets its own correlation id and,
// when timeout is positive, a deadline.
func (s *Scheduler) Add(name, spec string, timeout time.Duration, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already registered", name)
	}
	id, err := s.cron.AddFunc(spec, func() { s.run(name, timeout, job) })
	if err != nil {
		return fmt.Errorf("schedule job %q with spec %q: %w", name, spec, err)
	}
	s.jobs[name] = id
	return nil
}

// Start begins running jobs. Cancelling ctx cancels in-flight runs.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.log.Info("Scheduler started", "jobs", len(s.jobs))
}

// Stop prevents new runs and waits for running jobs until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.log.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for scheduled jobs: %w", ctx.Err())
	}
}

// Next returns the next planned run of name.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.RLock()
	id, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

func (s *Scheduler) run(name string, timeout time.Duration, job Job) {
	s.mu.RLock()
	base := s.base
	s.mu.RUnlock()

	ctx := ctxutil.WithCorrelationID(base, ctxutil.NewCorrelationID())
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	err := job(ctx)
	elapsed := time.Since(start)

	if s.recorder != nil {
		s.recorder.ObserveScheduledRun(name, err)
	}
	if err != nil {
		s.log.ErrorContext(ctx, "Scheduled job failed", "job", name, "duration_ms", elapsed.Milliseconds(), "error", err)
		return
	}
	s.log.DebugContext(ctx, "Scheduled job finished", "job", name, "duration_ms", elapsed.Milliseconds())
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
