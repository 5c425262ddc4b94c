// Package maintenance runs the periodic housekeeping jobs on robfig/cron:
// cache expiry, batch and audit retention, and session liveness checks.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hazyhaar/leadscout/linkedin"
)

// Job is one scheduled task. Spec is a cron spec such as "@every 6h".
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Scheduler wraps robfig/cron. A job still running when its next tick
// comes is skipped; a panicking job is logged and recovered.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]Job
	ctx  context.Context
}

// New returns a stopped Scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger}
	return &Scheduler{
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		logger: logger,
		jobs:   make(map[string]Job),
		ctx:    context.Background(),
	}
}

// Add registers a job.
func (s *Scheduler) Add(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("maintenance: duplicate job %q", job.Name)
	}
	if _, err := s.cron.AddFunc(job.Spec, func() { s.run(job) }); err != nil {
		return fmt.Errorf("maintenance: job %q: %w", job.Name, err)
	}
	s.jobs[job.Name] = job
	return nil
}

// Start begins firing jobs; they run with ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("maintenance: scheduler started", "jobs", len(s.jobs))
}

// Stop stops the scheduler and waits up to timeout for running jobs.
func (s *Scheduler) Stop(timeout time.Duration) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-time.After(timeout):
		s.logger.Warn("maintenance: jobs still running at shutdown")
	}
}

// RunNow runs a job synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("maintenance: unknown job %q", name)
	}
	return job.Run(ctx)
}

func (s *Scheduler) run(job Job) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		s.logger.Error("maintenance: job failed", "job", job.Name, "error", err)
		return
	}
	s.logger.Debug("maintenance: job done", "job", job.Name, "duration", time.Since(start))
}

// cronLogger routes cron's own messages to slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, kv ...any) { c.l.Debug("cron: "+msg, kv...) }
func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error("cron: "+msg, append(kv, "error", err)...)
}

// Purger is implemented by every searchcache.Cache.
type Purger interface {
	Purge(ctx context.Context) (int, error)
}

// CachePurge drops expired and excess cache entries.
func CachePurge(c Purger, spec string, logger *slog.Logger) Job {
	return Job{Name: "cache-purge", Spec: spec, Run: func(ctx context.Context) error {
		n, err := c.Purge(ctx)
		if err == nil && n > 0 {
			logger.Info("maintenance: cache purged", "removed", n)
		}
		return err
	}}
}

// Retainer is implemented by batch.Orchestrator.
type Retainer interface {
	PurgeFinished(ctx context.Context, age time.Duration) (int, error)
}

// BatchRetention deletes finished batch sessions older than age.
func BatchRetention(r Retainer, age time.Duration, spec string, logger *slog.Logger) Job {
	return Job{Name: "batch-retention", Spec: spec, Run: func(ctx context.Context) error {
		n, err := r.PurgeFinished(ctx, age)
		if err == nil && n > 0 {
			logger.Info("maintenance: old batch sessions deleted", "removed", n, "older_than", age)
		}
		return err
	}}
}

// Cleaner is implemented by audit.SQLiteLogger.
type Cleaner interface {
	Cleanup(ctx context.Context, age time.Duration) (int, error)
}

// AuditCleanup deletes audit entries older than age.
func AuditCleanup(c Cleaner, age time.Duration, spec string, logger *slog.Logger) Job {
	return Job{Name: "audit-cleanup", Spec: spec, Run: func(ctx context.Context) error {
		n, err := c.Cleanup(ctx, age)
		if err == nil && n > 0 {
			logger.Info("maintenance: audit entries deleted", "removed", n, "older_than", age)
		}
		return err
	}}
}

// Validator is the part of linkedin.Machine the liveness check uses.
type Validator interface {
	Status() linkedin.Session
	ValidateSession(ctx context.Context) (linkedin.Session, error)
}

// SessionCheck validates an idle connected session so an expired cookie
// is noticed before the next batch. Other states are left alone.
func SessionCheck(v Validator, spec string, logger *slog.Logger) Job {
	return Job{Name: "session-check", Spec: spec, Run: func(ctx context.Context) error {
		if v.Status().Status != linkedin.StatusConnected {
			return nil
		}
		sess, err := v.ValidateSession(ctx)
		if errors.Is(err, linkedin.ErrAuthBusy) {
			return nil // in use, hence alive enough
		}
		if err != nil {
			return err
		}
		if sess.Status != linkedin.StatusConnected {
			logger.Warn("maintenance: session no longer valid", "status", sess.Status)
		}
		return nil
	}}
}
