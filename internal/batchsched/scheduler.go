// Package batchsched delays or repeats a BatchExecutor.Execute call behind a
// cron expression, for callers that want a batch kicked off at a future time
// (an overnight crawl, an hourly refresh) instead of immediately on request.
package batchsched

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	cua "github.com/onkernel/cua-agent"
)

// Job is one scheduled batch: Expr is a standard 5-field cron expression
// evaluated in the server's local time zone. A job with an empty Expr never
// fires and Add returns an error for it.
type Job struct {
	ID    string
	Expr  string
	Input cua.BatchRunInput
}

// Executor is the subset of BatchExecutor a Scheduler drives; satisfied by
// *cua.BatchExecutor.
type Executor interface {
	Execute(ctx context.Context, in cua.BatchRunInput)
}

// Scheduler polls a set of cron-scheduled batch jobs once per tick and
// dispatches each whose expression is due, mirroring goclaw's cron-driven
// job runner but scoped to a single concern: kicking off BatchExecutor.Execute.
type Scheduler struct {
	gron     gronx.Gronx
	exec     Executor
	logger   *zap.Logger
	jobs     map[string]Job
	lastFire map[string]time.Time
}

// New constructs a Scheduler. logger may be nil.
func New(exec Executor, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		gron:     gronx.New(),
		exec:     exec,
		logger:   logger,
		jobs:     make(map[string]Job),
		lastFire: make(map[string]time.Time),
	}
}

// Add registers or replaces a scheduled job. It validates the cron
// expression eagerly so a typo surfaces at registration time, not at the
// next tick.
func (s *Scheduler) Add(job Job) error {
	if !s.gron.IsValid(job.Expr) {
		return fmt.Errorf("batchsched: invalid cron expression %q for job %s", job.Expr, job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

// Remove unregisters a job; a no-op if it was never added.
func (s *Scheduler) Remove(id string) {
	delete(s.jobs, id)
	delete(s.lastFire, id)
}

// Run blocks, checking every tickEvery whether any registered job is due,
// until ctx is canceled. Each due job's Executor.Execute is dispatched in
// its own goroutine so one slow batch never delays the next tick's check.
func (s *Scheduler) Run(ctx context.Context, tickEvery time.Duration) {
	ticker := time.NewTicker(tickEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	for id, job := range s.jobs {
		due, err := s.gron.IsDue(job.Expr, now)
		if err != nil {
			s.logger.Warn("batchsched: evaluate cron expression", zap.String("job_id", id), zap.Error(err))
			continue
		}
		if !due {
			continue
		}
		if last, ok := s.lastFire[id]; ok && now.Sub(last) < time.Minute {
			continue
		}
		s.lastFire[id] = now
		s.logger.Info("batchsched: dispatching scheduled batch", zap.String("job_id", id), zap.String("batch_execution_id", job.Input.BatchExecutionID))
		go s.exec.Execute(context.WithoutCancel(ctx), job.Input)
	}
}
