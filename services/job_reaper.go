package services

import (
	"context"
	"fmt"
	"time"

	"pii-redactor/internal/logger"
	"pii-redactor/utils"

	"github.com/go-co-op/gocron"
)

const reaperTag = "job-reaper"

// JobReaper periodically fails jobs that stopped making progress, such as
// queued uploads whose worker died mid-run.
type JobReaper struct {
	scheduler  *gocron.Scheduler
	jobs       JobStore
	staleAfter time.Duration
}

func NewJobReaper(jobs JobStore, staleAfter time.Duration) *JobReaper {
	s := gocron.NewScheduler(time.UTC)
	s.TagsUnique()
	s.SingletonModeAll()

	return &JobReaper{
		scheduler:  s,
		jobs:       jobs,
		staleAfter: staleAfter,
	}
}

// Start schedules the sweep at half the stale window, at least once a minute
func (r *JobReaper) Start() error {
	if r.staleAfter <= 0 {
		return fmt.Errorf("stale window must be positive, got %s", r.staleAfter)
	}

	interval := max(r.staleAfter/2, time.Minute)
	_, err := r.scheduler.Every(interval).Tag(reaperTag).Do(func() {
		ctx, cancel := utils.WithTimeout(context.Background())
		defer cancel()
		r.Reap(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job reaper: %w", err)
	}

	r.scheduler.StartAsync()
	logger.Info("Job reaper started", "interval", interval.String(), "stale_after", r.staleAfter.String())
	return nil
}

func (r *JobReaper) Stop() {
	r.scheduler.Stop()
}

// Reap fails every active job idle for longer than the stale window
func (r *JobReaper) Reap(ctx context.Context) (int64, error) {
	n, err := r.jobs.MarkStale(ctx, time.Now().UTC().Add(-r.staleAfter))
	if err != nil {
		logger.Error("Job reaper sweep failed", "error", err)
		return 0, err
	}
	if n > 0 {
		logger.Warn("Marked stale jobs as failed", "count", n)
	}
	return n, nil
}
