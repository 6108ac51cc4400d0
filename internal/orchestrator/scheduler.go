package orchestrator

import (
	"context"
	"time"

	"nyc-taxi-pipeline/pkg/logger"
)

// Scheduler triggers a fresh run of a graph on a fixed interval. Runs
// never overlap: a tick that arrives while a run is still executing is
// dropped.
type Scheduler struct {
	Interval time.Duration
	// Build produces the runner for each triggered run, so every run
	// gets fresh task closures.
	Build func() (*Runner, error)
}

// Start blocks, executing one run per interval until the context ends.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			runner, err := s.Build()
			if err != nil {
				logger.Errorf("scheduler: build runner: %v", err)
				continue
			}
			run, err := runner.Execute(ctx)
			if err != nil {
				logger.Errorf("scheduler: run failed to start: %v", err)
				continue
			}
			logger.Infof("scheduled run %s finished: %s", run.ID, run.Status)
		}
	}
}
