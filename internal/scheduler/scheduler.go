// Package scheduler drives one independent polling loop per account.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"vault-watcher/internal/metrics"
)

// TickFunc performs one poll. ctx stays alive through shutdown until the grace period ends.
type TickFunc func(ctx context.Context, now time.Time) error

// Job is one account's periodic work.
type Job struct {
	ID   string
	Tick TickFunc
}

// Options tune scheduler behaviour.
type Options struct {
	Interval time.Duration
	// Stagger offsets the first tick of the i-th job by i*Stagger, modulo Interval.
	Stagger time.Duration
	// GracePeriod bounds how long in-flight ticks may run after shutdown starts.
	GracePeriod time.Duration
}

// Scheduler runs jobs on a fixed interval. A job whose tick overruns the interval skips
// the missed firings instead of queueing them, and never delays other jobs.
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

// Run blocks until ctx is cancelled and every loop has stopped or the grace period expired.
func (s *Scheduler) Run(ctx context.Context, jobs []Job) error {
	// Ticks derive from hard so that cancelling ctx stops new ticks without aborting running ones.
	hard, abort := context.WithCancel(context.WithoutCancel(ctx))
	defer abort()

	var g errgroup.Group
	for i, job := range jobs {
		g.Go(func() error {
			s.loop(ctx, hard, s.offset(i), job)
			return nil
		})
	}
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	s.logger.Info().Int("jobs", len(jobs)).Dur("interval", s.opts.Interval).Msg("scheduler started")

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	s.logger.Info().Dur("grace_period", s.opts.GracePeriod).Msg("shutdown requested, waiting for in-flight ticks")
	grace := time.NewTimer(s.opts.GracePeriod)
	defer grace.Stop()
	select {
	case <-done:
		s.logger.Info().Msg("scheduler stopped")
		return nil
	case <-grace.C:
	}

	s.logger.Warn().Msg("grace period expired, abandoning in-flight ticks")
	abort()
	select {
	case <-done:
	case <-time.After(time.Second):
		s.logger.Warn().Msg("some ticks ignored cancellation")
	}
	return nil
}

func (s *Scheduler) offset(i int) time.Duration {
	if s.opts.Stagger <= 0 {
		return 0
	}
	return (time.Duration(i) * s.opts.Stagger) % s.opts.Interval
}

func (s *Scheduler) loop(ctx, hard context.Context, offset time.Duration, job Job) {
	log := s.logger.With().Str("job", job.ID).Logger()

	if offset > 0 {
		timer := time.NewTimer(offset)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	now := time.Now()
	for {
		s.run(hard, log, job, now)

		select {
		case <-ticker.C:
			// The tick overran; drop the pending firing rather than running back to back.
			metrics.SkippedTicks.WithLabelValues(job.ID).Inc()
			log.Warn().Dur("interval", s.opts.Interval).Msg("previous tick still running, skipping")
		default:
		}

		select {
		case <-ctx.Done():
			return
		case now = <-ticker.C:
		}
	}
}

func (s *Scheduler) run(ctx context.Context, log zerolog.Logger, job Job, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Err(fmt.Errorf("panic: %v", r)).Msg("tick panicked")
		}
	}()

	start := time.Now()
	if err := job.Tick(ctx, now); err != nil {
		log.Debug().Err(err).Dur("took", time.Since(start)).Msg("tick failed")
	}
}
