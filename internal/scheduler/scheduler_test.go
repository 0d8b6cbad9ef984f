package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlowJobDoesNotDelayOthers(t *testing.T) {
	s := New(Options{Interval: 10 * time.Millisecond, GracePeriod: 10 * time.Millisecond}, zerolog.Nop())

	var fast atomic.Int32
	jobs := []Job{
		{ID: "slow", Tick: func(ctx context.Context, _ time.Time) error {
			<-ctx.Done()
			return ctx.Err()
		}},
		{ID: "failing", Tick: func(context.Context, time.Time) error {
			return errors.New("rpc down")
		}},
		{ID: "fast", Tick: func(context.Context, time.Time) error {
			fast.Add(1)
			return nil
		}},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx, jobs))

	assert.GreaterOrEqual(t, fast.Load(), int32(5))
}

func TestOverrunningTickSkipsMissedFirings(t *testing.T) {
	s := New(Options{Interval: 10 * time.Millisecond, GracePeriod: time.Second}, zerolog.Nop())

	var ticks atomic.Int32
	jobs := []Job{{ID: "busy", Tick: func(context.Context, time.Time) error {
		ticks.Add(1)
		time.Sleep(45 * time.Millisecond)
		return nil
	}}}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx, jobs))

	// Without skipping, queued firings would push this towards 20.
	assert.LessOrEqual(t, ticks.Load(), int32(6))
	assert.GreaterOrEqual(t, ticks.Load(), int32(2))
}

func TestGracePeriodLetsInFlightTickFinish(t *testing.T) {
	s := New(Options{Interval: time.Hour, GracePeriod: time.Second}, zerolog.Nop())

	started := make(chan struct{})
	var finished atomic.Bool
	jobs := []Job{{ID: "a", Tick: func(ctx context.Context, _ time.Time) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(ctx.Err() == nil)
		return nil
	}}}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	require.NoError(t, s.Run(ctx, jobs))
	assert.True(t, finished.Load())
}

func TestGracePeriodAbandonsStuckTick(t *testing.T) {
	s := New(Options{Interval: time.Hour, GracePeriod: 30 * time.Millisecond}, zerolog.Nop())

	started := make(chan struct{})
	var tickErr atomic.Value
	jobs := []Job{{ID: "stuck", Tick: func(ctx context.Context, _ time.Time) error {
		close(started)
		<-ctx.Done()
		tickErr.Store(ctx.Err())
		return ctx.Err()
	}}}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	start := time.Now()
	require.NoError(t, s.Run(ctx, jobs))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, context.Canceled, tickErr.Load())
}

func TestStaggerOffsetsWrapAroundInterval(t *testing.T) {
	s := New(Options{Interval: 10 * time.Second, Stagger: 4 * time.Second}, zerolog.Nop())
	assert.Equal(t, time.Duration(0), s.offset(0))
	assert.Equal(t, 4*time.Second, s.offset(1))
	assert.Equal(t, 2*time.Second, s.offset(3))
}

func TestPanickingTickIsContained(t *testing.T) {
	s := New(Options{Interval: 10 * time.Millisecond}, zerolog.Nop())

	var calls atomic.Int32
	jobs := []Job{{ID: "p", Tick: func(context.Context, time.Time) error {
		calls.Add(1)
		panic("boom")
	}}}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx, jobs))
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}
