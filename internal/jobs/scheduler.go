// Package jobs runs the periodic maintenance of the trading core: expiry,
// recovery of interrupted work, stop ticks, archival and reconciliation.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/xtrntr/trendex/internal/exception"
	"github.com/xtrntr/trendex/internal/logging"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Task does one round of a job and returns how many items it handled
type Task func(ctx context.Context) (int, error)

// Job is a task run on a fixed interval
type Job struct {
	Name     string
	Interval time.Duration
	Task     Task
	// RunAtStart runs the task once before the first tick
	RunAtStart bool
}

// Scheduler runs jobs until its context is cancelled
type Scheduler struct {
	jobs   []Job
	logger *zap.SugaredLogger
}

// NewScheduler creates a scheduler for jobs. Jobs without an interval are skipped.
func NewScheduler(logger *zap.SugaredLogger, jobs ...Job) *Scheduler {
	s := &Scheduler{logger: logging.OrNop(logger).Named("jobs")}
	for _, j := range jobs {
		if j.Interval <= 0 || j.Task == nil {
			s.logger.Infow("job disabled", "job", j.Name)
			continue
		}
		s.jobs = append(s.jobs, j)
	}
	return s
}

// Jobs returns the names of the scheduled jobs
func (s *Scheduler) Jobs() []string {
	out := make([]string, len(s.jobs))
	for i, j := range s.jobs {
		out[i] = j.Name
	}
	return out
}

// Run blocks until ctx is cancelled. A failing round is logged and retried on
// the next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, j := range s.jobs {
		j := j
		g.Go(func() error {
			s.loop(ctx, j)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	if j.RunAtStart {
		s.round(ctx, j)
	}
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.round(ctx, j)
		}
	}
}

func (s *Scheduler) round(ctx context.Context, j Job) {
	n, err := j.Task(ctx)
	switch {
	case err != nil && ctx.Err() == nil:
		s.logger.Warnw("job failed, will retry", "job", j.Name, "error", err)
	case n > 0:
		s.logger.Infow("job round finished", "job", j.Name, "items", n)
	}
}

// RunOnce runs the named job immediately
func (s *Scheduler) RunOnce(ctx context.Context, name string) (int, error) {
	for _, j := range s.jobs {
		if j.Name == name {
			return j.Task(ctx)
		}
	}
	return 0, exception.NotFound("job", name)
}

func wrap(name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}
