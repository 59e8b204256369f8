package server

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/crmsync/internal/pipeline"
	"github.com/ajitpratap0/crmsync/pkg/metrics"
)

// Scheduler triggers an incremental run every interval. A tick that finds
// a run in progress is skipped.
type Scheduler struct {
	interval time.Duration
	runner   Runner
	logger   *zap.Logger
}

// NewScheduler creates a scheduler
func NewScheduler(interval time.Duration, runner Runner, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		interval: interval,
		runner:   runner,
		logger:   logger.With(zap.String("component", "scheduler")),
	}
}

// Run ticks until ctx is cancelled. A non-positive interval returns at once.
func (s *Scheduler) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if id, active := s.runner.ActiveJob(); active {
		metrics.ScheduledRuns.WithLabelValues("skipped").Inc()
		s.logger.Debug("run in progress, skipping tick", zap.String("job_id", id))
		return
	}
	jobID, err := s.runner.Start(ctx, pipeline.RunOptions{})
	if err != nil {
		metrics.ScheduledRuns.WithLabelValues("failed").Inc()
		s.logger.Warn("scheduled run not started", zap.Error(err))
		return
	}
	metrics.ScheduledRuns.WithLabelValues("started").Inc()
	s.logger.Info("scheduled run started", zap.String("job_id", jobID))
}
