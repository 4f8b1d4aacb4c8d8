package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"funding-arb-alerts/internal/config"
)

// JobFunc runs one scan cycle. The cycle time is the aligned wall-clock
// instant the tick fired for.
type JobFunc func(ctx context.Context, cycle time.Time) error

// Scheduler drives named scan jobs on a fixed cadence, optionally aligned to
// wall-clock interval boundaries so cycles across restarts land on the same
// buckets.
type Scheduler struct {
	cfg    config.SchedulerConfig
	logger zerolog.Logger
}

func New(cfg config.SchedulerConfig, logger zerolog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{cfg: cfg, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, invoking the job at every interval until ctx is cancelled. Job
// errors are logged and never stop the cadence.
func (s *Scheduler) Run(ctx context.Context, name string, job JobFunc) error {
	logger := s.logger.With().Str("job", name).Logger()

	if s.cfg.StartupDelay > 0 {
		timer := time.NewTimer(s.cfg.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	next := s.nextCycle(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = s.nextCycle(time.Now().UTC())
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		logger.Debug().Time("next_cycle", next).Msg("waiting for next cycle")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			timer.Stop()
		}

		cycle := s.cycleStart(next)
		if err := job(ctx, cycle); err != nil {
			logger.Error().Err(err).Time("cycle", cycle).Msg("scan cycle failed")
		}

		next = next.Add(s.cfg.Interval)
	}
}

func (s *Scheduler) nextCycle(now time.Time) time.Time {
	if !s.cfg.AlignToBucket {
		return now.Add(s.cfg.Interval)
	}
	cycle := now.Truncate(s.cfg.Interval)
	if !cycle.After(now) {
		cycle = cycle.Add(s.cfg.Interval)
	}
	return cycle
}

func (s *Scheduler) cycleStart(t time.Time) time.Time {
	if !s.cfg.AlignToBucket {
		return t
	}
	return t.Truncate(s.cfg.Interval)
}
