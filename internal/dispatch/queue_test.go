package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vault-watcher/internal/retry"
)

var fastPolicy = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestQueueDeliversItems(t *testing.T) {
	var sum atomic.Int64
	q := New(Options{Name: "test", Size: 10, Workers: 2, Policy: fastPolicy}, func(_ context.Context, n int) error {
		sum.Add(int64(n))
		return nil
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	for i := 1; i <= 4; i++ {
		require.True(t, q.Enqueue(i))
	}
	waitFor(t, func() bool { return sum.Load() == 10 })
	q.Close()
}

func TestQueueRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	q := New(Options{Name: "retry", Size: 1, Workers: 1, Policy: fastPolicy}, func(context.Context, string) error {
		if calls.Add(1) < 3 {
			return errors.New("503")
		}
		return nil
	}, zerolog.Nop())

	q.Start(context.Background())
	q.Enqueue("x")
	q.Close()
	assert.EqualValues(t, 3, calls.Load())
}

func TestQueueDoesNotRetryPermanentFailures(t *testing.T) {
	var calls atomic.Int32
	q := New(Options{Name: "perm", Size: 1, Workers: 1, Policy: fastPolicy}, func(context.Context, string) error {
		calls.Add(1)
		return Permanent(errors.New("400 bad request"))
	}, zerolog.Nop())

	q.Start(context.Background())
	q.Enqueue("x")
	q.Close()
	assert.EqualValues(t, 1, calls.Load())
}

func TestQueueDropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	var handled atomic.Int32
	q := New(Options{Name: "full", Size: 1, Workers: 1, Policy: fastPolicy}, func(context.Context, int) error {
		<-release
		handled.Add(1)
		return nil
	}, zerolog.Nop())
	q.Start(context.Background())

	require.True(t, q.Enqueue(1))
	waitFor(t, func() bool { return len(q.ch) == 0 }) // worker holds item 1
	require.True(t, q.Enqueue(2))

	start := time.Now()
	assert.False(t, q.Enqueue(3))
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	close(release)
	q.Close()
	assert.EqualValues(t, 2, handled.Load())
}

func TestQueueDrainsBacklogAfterCancel(t *testing.T) {
	var handled atomic.Int32
	q := New(Options{Name: "drain", Size: 8, Workers: 1, Policy: fastPolicy}, func(ctx context.Context, int) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		handled.Add(1)
		return nil
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 5; i++ {
		q.Enqueue(i)
	}
	cancel()
	q.Start(ctx)
	q.Close()
	assert.EqualValues(t, 5, handled.Load())
}

func TestEnqueueAfterCloseDrops(t *testing.T) {
	q := New(Options{Name: "closed"}, func(context.Context, int) error { return nil }, zerolog.Nop())
	q.Start(context.Background())
	q.Close()
	assert.False(t, q.Enqueue(1))
}

func TestDeliveryErrorUnwraps(t *testing.T) {
	base := errors.New("boom")
	err := error(&DeliveryError{Queue: "q", Attempts: 2, Err: base})
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "2 attempt(s)")
}
