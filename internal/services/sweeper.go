package services

import (
	"context"
	"time"

	"adreel-backend/internal/logger"
	"adreel-backend/internal/stages"
	"adreel-backend/internal/stall"
)

// StallSweeper fails jobs nobody is observing once they exceed their budget.
type StallSweeper struct {
	jobs     *JobService
	detector *stall.Detector
	interval time.Duration
	now      func() time.Time
	log      *logger.Logger
}

func NewStallSweeper(jobs *JobService, detector *stall.Detector, interval time.Duration, log *logger.Logger) *StallSweeper {
	return &StallSweeper{
		jobs:     jobs,
		detector: detector,
		interval: interval,
		now:      time.Now,
		log:      log.With("component", "StallSweeper"),
	}
}

// Run sweeps every interval until ctx is done.
func (s *StallSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("stall sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("stall sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.log.Error("stall sweep failed", "error", err)
			}
		}
	}
}

// Sweep marks every stalled job failed and returns how many it failed.
func (s *StallSweeper) Sweep(ctx context.Context) (int, error) {
	shortest := s.detector.Budget(stages.KindVideo)
	for _, k := range []stages.Kind{stages.KindImage, stages.KindStoryboard} {
		if b := s.detector.Budget(k); b < shortest {
			shortest = b
		}
	}

	candidates, err := s.jobs.jobs.ListActiveJobs(ctx, s.now().Add(-shortest))
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, job := range candidates {
		if !s.detector.Stalled(job.Kind, job.Status, job.UpdatedAt) {
			continue
		}
		marked, err := s.jobs.MarkStalled(ctx, job.ID, s.detector.Message(job.Kind))
		if err != nil {
			s.log.Error("failed to mark stalled job", "job_id", job.ID, "error", err)
			continue
		}
		if marked {
			failed++
		}
	}
	if failed > 0 {
		s.log.Info("stalled jobs failed", "count", failed)
	}
	return failed, nil
}
