package retention

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultSweepInterval is the default time between scheduled sweep runs.
const DefaultSweepInterval = 24 * time.Hour

// Scheduler triggers sweep runs on a fixed interval. It is independent of
// the request path; the manual admin trigger goes straight to the Sweeper.
type Scheduler struct {
	sweeper  *Sweeper
	interval time.Duration
	logger   *zap.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewScheduler creates a scheduler for the given sweeper.
func NewScheduler(sweeper *Sweeper, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	return &Scheduler{
		sweeper:  sweeper,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	go s.loop(ctx)

	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := s.sweeper.Run(ctx, "scheduler")

			s.logger.Info("scheduled sweep finished",
				zap.String("run_id", report.RunID),
				zap.Int("tenants", report.TenantsProcessed),
				zap.Int("deleted", report.TotalDeleted),
			)
		}
	}
}

// Shutdown stops the loop and waits for an in-flight run to finish.
func (s *Scheduler) Shutdown() error {
	if s.cancel != nil {
		s.cancel()
	}

	<-s.done

	return nil
}
