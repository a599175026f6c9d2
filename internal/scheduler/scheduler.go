package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TickFunc is invoked once per cycle. The context carries a logger tagged with the
// cycle id; fetch it with zerolog.Ctx.
type TickFunc func(ctx context.Context, at time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	// Name labels the job in logs.
	Name     string
	Interval time.Duration
	// AlignToStart fires on wall-clock multiples of Interval. Otherwise the next cycle
	// starts Interval after the previous one finished, and the first runs immediately.
	AlignToStart bool
	StartupDelay time.Duration
}

// Scheduler drives one periodic job. A failed cycle is logged and the job waits for
// the next one.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	l := logger.With().Str("component", "scheduler")
	if opts.Name != "" {
		l = l.Str("job", opts.Name)
	}
	return &Scheduler{opts: opts, logger: l.Logger()}
}

// Run blocks, invoking tick every cycle until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if err := sleep(ctx, s.opts.StartupDelay); err != nil {
		return err
	}
	if s.opts.AlignToStart {
		return s.runAligned(ctx, tick)
	}
	return s.runFixedDelay(ctx, tick)
}

func (s *Scheduler) runFixedDelay(ctx context.Context, tick TickFunc) error {
	for {
		s.runCycle(ctx, tick, time.Now().UTC())
		s.logger.Debug().Dur("delay", s.opts.Interval).Msg("waiting for next cycle")
		if err := sleep(ctx, s.opts.Interval); err != nil {
			return err
		}
	}
}

func (s *Scheduler) runAligned(ctx context.Context, tick TickFunc) error {
	next := s.nextTick(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = s.nextTick(time.Now().UTC())
			delay = time.Until(next)
		}

		s.logger.Debug().Time("next_bucket", next).Msg("waiting for next bucket")
		if err := sleep(ctx, delay); err != nil {
			return err
		}

		s.runCycle(ctx, tick, next.Truncate(s.opts.Interval))
		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) runCycle(ctx context.Context, tick TickFunc, at time.Time) {
	log := s.logger.With().Str("cycle_id", uuid.NewString()).Logger()
	ctx = log.WithContext(ctx)

	started := time.Now()
	if err := tick(ctx, at); err != nil {
		if ctx.Err() != nil {
			log.Debug().Err(err).Msg("cycle interrupted by shutdown")
			return
		}
		log.Error().Err(err).Time("at", at).Dur("took", time.Since(started)).Msg("cycle failed")
		return
	}
	log.Debug().Time("at", at).Dur("took", time.Since(started)).Msg("cycle finished")
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
