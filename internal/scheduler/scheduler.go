package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// CycleFunc is invoked once per aligned cycle.
type CycleFunc func(ctx context.Context, cycle time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// RunImmediately processes the current cycle before waiting for the next.
	RunImmediately bool
}

// Scheduler drives aligned execution of optimisation cycles.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Logger(),
		now:    time.Now,
	}
}

// Interval reports the cycle length.
func (s *Scheduler) Interval() time.Duration { return s.opts.Interval }

// Run blocks, invoking fn at each aligned interval until ctx is cancelled.
// A failing cycle is logged and the loop moves on to the next one.
func (s *Scheduler) Run(ctx context.Context, fn CycleFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if s.opts.RunImmediately {
		s.execute(ctx, fn, s.CycleStart(s.now().UTC()))
	}

	next := s.nextTick(s.now().UTC())
	for {
		delay := next.Sub(s.now())
		if delay < 0 {
			next = s.nextTick(s.now().UTC())
			delay = next.Sub(s.now())
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_cycle", next).Msg("waiting for next cycle")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			timer.Stop()
		}

		s.execute(ctx, fn, s.CycleStart(next))
		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) execute(ctx context.Context, fn CycleFunc, cycle time.Time) {
	s.logger.Info().Time("cycle", cycle).Msg("executing scheduled cycle")
	if err := fn(ctx, cycle); err != nil {
		s.logger.Error().Err(err).Time("cycle", cycle).Msg("cycle execution failed")
	}
}

// Cycles lists the aligned cycle times in [from, to], in order.
func (s *Scheduler) Cycles(from, to time.Time) []time.Time {
	if to.Before(from) {
		return nil
	}
	start := s.CycleStart(from)
	if start.Before(from) {
		start = start.Add(s.opts.Interval)
	}
	var out []time.Time
	for c := start; !c.After(to); c = c.Add(s.opts.Interval) {
		out = append(out, c)
	}
	return out
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	cycle := now.Truncate(s.opts.Interval)
	if !cycle.After(now) {
		cycle = cycle.Add(s.opts.Interval)
	}
	return cycle
}

// CycleStart maps t onto the start of its cycle.
func (s *Scheduler) CycleStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
