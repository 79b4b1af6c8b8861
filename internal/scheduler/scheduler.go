// Package scheduler runs the periodic jobs. Every run is guarded by a
// Postgres advisory lock so multiple server instances never double-run
// a tick.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"droidfleet.sh/internal/database"
	"droidfleet.sh/internal/fault"
	"droidfleet.sh/internal/metrics"
)

// Job is one periodic unit of work.
type Job struct {
	Name     string
	Interval time.Duration
	// LockKey is the advisory lock guarding the run.
	LockKey int64
	Run     func(ctx context.Context) error
}

// Scheduler drives the registered jobs.
type Scheduler struct {
	db     *database.DB
	jobs   []*Job
	logger *slog.Logger
	wg     sync.WaitGroup
}

// New creates a scheduler.
func New(db *database.DB) *Scheduler {
	return &Scheduler{
		db:     db,
		logger: slog.Default().With("component", "scheduler"),
	}
}

// Register adds a job. Must be called before Start.
func (s *Scheduler) Register(job *Job) {
	s.jobs = append(s.jobs, job)
}

// Start launches one ticker goroutine per job. They stop when ctx is
// cancelled; Wait blocks until all have exited.
func (s *Scheduler) Start(ctx context.Context) {
	for _, job := range s.jobs {
		s.wg.Add(1)
		go func(job *Job) {
			defer s.wg.Done()
			ticker := time.NewTicker(job.Interval)
			defer ticker.Stop()

			s.logger.Info("Job scheduled", "job", job.Name, "interval", job.Interval)
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.runOnce(ctx, job)
				}
			}
		}(job)
	}
}

// Wait blocks until all job goroutines have stopped.
func (s *Scheduler) Wait() { s.wg.Wait() }

// RunNow triggers one job by name, for the admin trigger endpoints.
// The advisory lock still applies.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	for _, job := range s.jobs {
		if job.Name == name {
			return s.runOnce(ctx, job)
		}
	}
	return fault.Newf(fault.CodeNotFound, "job %s not found", name)
}

// runOnce executes one guarded run. A lock held elsewhere makes the
// run a skip, not an error.
func (s *Scheduler) runOnce(ctx context.Context, job *Job) error {
	lock, err := s.db.TryAdvisoryLock(ctx, job.LockKey)
	if err != nil {
		s.logger.Error("Job lock acquisition failed", "job", job.Name, "error", err)
		metrics.JobRunsTotal.WithLabelValues(job.Name, "error").Inc()
		return err
	}
	if lock == nil {
		s.logger.Debug("Job tick skipped, lock held elsewhere", "job", job.Name)
		metrics.JobRunsTotal.WithLabelValues(job.Name, "skipped").Inc()
		return nil
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			s.logger.Error("Job lock release failed", "job", job.Name, "error", err)
		}
	}()

	start := time.Now()
	err = job.Run(ctx)
	elapsed := time.Since(start)
	metrics.JobDuration.WithLabelValues(job.Name).Observe(elapsed.Seconds())

	if err != nil {
		metrics.JobRunsTotal.WithLabelValues(job.Name, "error").Inc()
		s.logger.Error("Job run failed", "job", job.Name, "elapsed", elapsed, "error", err)
		return err
	}
	metrics.JobRunsTotal.WithLabelValues(job.Name, "ok").Inc()
	s.logger.Debug("Job run complete", "job", job.Name, "elapsed", elapsed)
	return nil
}
