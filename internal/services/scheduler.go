package services

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Scheduler drives the expiry sweep and the backfill on their own tickers.
type Scheduler struct {
	Sweeper          *Sweeper
	Backfill         *Backfill
	SweepInterval    time.Duration
	BackfillInterval time.Duration
	// RunTimeout bounds a single run. Defaults to the run's interval.
	RunTimeout time.Duration
	// LeaseTTL caps the run timeout so a run never outlives its lease and
	// overlaps a run on another replica.
	LeaseTTL time.Duration
	Log      *slog.Logger
	Now      func() time.Time
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if s.Sweeper != nil && s.SweepInterval > 0 {
		g.Go(func() error {
			s.loop(ctx, "expiry", s.SweepInterval, func(ctx context.Context, now time.Time) error {
				_, err := s.Sweeper.SweepExpired(ctx, now)
				return err
			})
			return nil
		})
	}
	if s.Backfill != nil && s.BackfillInterval > 0 {
		g.Go(func() error {
			s.loop(ctx, "backfill", s.BackfillInterval, func(ctx context.Context, now time.Time) error {
				_, err := s.Backfill.BackfillMissingGrants(ctx, now)
				return err
			})
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, name string, every time.Duration, run func(context.Context, time.Time) error) {
	log := s.logger().With("job", name)
	log.Info("scheduler started", "interval", every)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("scheduler stopped")
			return
		case <-t.C:
			rctx, cancel := context.WithTimeout(ctx, s.runTimeout(every))
			if err := run(rctx, s.now()); err != nil && ctx.Err() == nil {
				log.Error("scheduled run failed", "error", err)
			}
			cancel()
		}
	}
}

func (s *Scheduler) runTimeout(every time.Duration) time.Duration {
	timeout := s.RunTimeout
	if timeout <= 0 {
		timeout = every
	}
	if s.LeaseTTL > 0 && timeout > s.LeaseTTL {
		timeout = s.LeaseTTL
	}
	return timeout
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}
