// Package jobs hosts the scheduled re-drivers that push stuck entities
// forward: invite expiry, room progress, swap retries and scan polling. Every
// sweep is idempotent, so overlapping or repeated runs are harmless.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job is one periodic sweep.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Runner drives a set of jobs on their intervals until the context ends.
type Runner struct {
	jobs   []Job
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewRunner constructs a job runner.
func NewRunner(logger *slog.Logger, jobs ...Job) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{jobs: jobs, logger: logger}
}

// Start launches one goroutine per job. Each job runs once immediately, then
// on its interval.
func (r *Runner) Start(ctx context.Context) {
	for _, job := range r.jobs {
		if job.Interval <= 0 || job.Run == nil {
			continue
		}
		r.wg.Add(1)
		go r.loop(ctx, job)
	}
}

// Wait blocks until every job loop has exited.
func (r *Runner) Wait() { r.wg.Wait() }

func (r *Runner) loop(ctx context.Context, job Job) {
	defer r.wg.Done()
	r.runOnce(ctx, job)
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, job)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, job Job) {
	if err := job.Run(ctx); err != nil {
		r.logger.Error("sweep failed", "job", job.Name, "error", err)
	}
}
