package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every interval.
type TickFunc func(ctx context.Context, tick time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// MaxBackoff caps the delay applied after consecutive failed ticks.
	// Zero or anything not above Interval disables backoff.
	MaxBackoff time.Duration
}

type haltError struct {
	cause error
}

func (h *haltError) Error() string { return "halt: " + h.cause.Error() }
func (h *haltError) Unwrap() error { return h.cause }

// Halt wraps err so that Run stops and returns it instead of retrying.
func Halt(err error) error {
	if err == nil {
		return nil
	}
	return &haltError{cause: err}
}

// Scheduler drives periodic execution of the polling cycle.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Interval reports the configured base interval.
func (s *Scheduler) Interval() time.Duration {
	return s.opts.Interval
}

// Run blocks, invoking tick once per interval until ctx is cancelled or a tick
// returns an error wrapped with Halt.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		if err := sleep(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	failures := 0
	next := s.nextTick(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = s.nextTick(time.Now().UTC())
			delay = time.Until(next)
		}

		s.logger.Trace().Time("next_tick", next).Msg("waiting for next tick")
		if err := sleep(ctx, delay); err != nil {
			return err
		}

		at := s.bucketStart(next)
		err := tick(ctx, at)

		var halt *haltError
		switch {
		case err == nil:
			if failures > 0 {
				s.logger.Info().Int("failures", failures).Msg("tick recovered")
			}
			failures = 0
			next = next.Add(s.opts.Interval)
		case errors.As(err, &halt):
			s.logger.Error().Err(halt.cause).Time("tick", at).Msg("tick requested halt")
			return halt.cause
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			failures++
			wait := s.backoff(failures)
			s.logger.Error().Err(err).Time("tick", at).Int("failures", failures).Dur("retry_in", wait).Msg("tick execution failed")
			next = time.Now().UTC().Add(wait)
		}
	}
}

// backoff doubles the interval per consecutive failure up to MaxBackoff.
func (s *Scheduler) backoff(failures int) time.Duration {
	wait := s.opts.Interval
	if s.opts.MaxBackoff <= s.opts.Interval {
		return wait
	}
	for i := 1; i < failures; i++ {
		wait *= 2
		if wait >= s.opts.MaxBackoff {
			return s.opts.MaxBackoff
		}
	}
	return wait
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
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
