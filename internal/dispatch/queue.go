// Package dispatch delivers persistence and notification work off the polling path.
//
// A Queue is a bounded channel drained by a fixed worker pool. Enqueue never blocks:
// when the buffer is full the item is dropped and counted. Each item is delivered under
// a retry policy; an item that still fails is logged as a DeliveryError and discarded.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"vault-watcher/internal/metrics"
	"vault-watcher/internal/retry"
)

// Handler delivers one item.
type Handler[T any] func(ctx context.Context, item T) error

// Options configure a queue.
type Options struct {
	Name    string
	Size    int
	Workers int
	// Timeout bounds each delivery attempt.
	Timeout time.Duration
	Policy  retry.Policy
}

// DeliveryError reports an item given up on after its retry budget.
type DeliveryError struct {
	Queue    string
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("dispatch %s: gave up after %d attempt(s): %v", e.Queue, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Queue is a bounded fire-and-forget work queue.
type Queue[T any] struct {
	opts    Options
	handler Handler[T]
	logger  zerolog.Logger

	mu     sync.RWMutex
	ch     chan T
	closed bool
	wg     sync.WaitGroup
}

// New builds a queue; call Start to launch the workers.
func New[T any](opts Options, handler Handler[T], logger zerolog.Logger) *Queue[T] {
	if opts.Size <= 0 {
		opts.Size = 1
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	opts.Policy.Classify = func(err error) retry.Class {
		if IsPermanent(err) || errors.Is(err, context.Canceled) {
			return retry.Fatal
		}
		return retry.Retryable
	}
	return &Queue[T]{
		opts:    opts,
		handler: handler,
		logger:  logger.With().Str("component", "dispatch").Str("queue", opts.Name).Logger(),
		ch:      make(chan T, opts.Size),
	}
}

// Name returns the queue name used in logs and metrics.
func (q *Queue[T]) Name() string { return q.opts.Name }

// Enqueue hands the item to the workers. It reports false when the item was dropped.
func (q *Queue[T]) Enqueue(item T) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		metrics.DispatchTotal.WithLabelValues(q.opts.Name, "dropped").Inc()
		q.logger.Warn().Msg("queue closed, dropping item")
		return false
	}

	select {
	case q.ch <- item:
		metrics.QueueDepth.WithLabelValues(q.opts.Name).Set(float64(len(q.ch)))
		return true
	default:
		metrics.DispatchTotal.WithLabelValues(q.opts.Name, "dropped").Inc()
		q.logger.Warn().Int("capacity", q.opts.Size).Msg("queue full, dropping item")
		return false
	}
}

// Start launches the workers. Once ctx ends, remaining items are delivered on a
// detached context until Close.
func (q *Queue[T]) Start(ctx context.Context) {
	for range q.opts.Workers {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	q.logger.Debug().Int("workers", q.opts.Workers).Int("size", q.opts.Size).Msg("queue started")
}

// Close stops accepting items and waits for the workers to finish the backlog.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *Queue[T]) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case item, ok := <-q.ch:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				q.deliverDetached(item)
				continue
			}
			q.deliver(ctx, item)
		case <-ctx.Done():
			// Keep draining on a detached context until Close.
			for item := range q.ch {
				q.deliverDetached(item)
			}
			return
		}
	}
}

func (q *Queue[T]) deliverDetached(item T) {
	ctx, cancel := context.WithTimeout(context.Background(), q.opts.Timeout)
	defer cancel()
	q.deliver(ctx, item)
}

func (q *Queue[T]) deliver(ctx context.Context, item T) {
	metrics.QueueDepth.WithLabelValues(q.opts.Name).Set(float64(len(q.ch)))

	policy := q.opts.Policy
	policy.OnRetry = func(attempt int, wait time.Duration, err error) {
		q.logger.Debug().Err(err).Int("attempt", attempt).Dur("backoff", wait).Msg("delivery failed, retrying")
	}

	attempts, err := retry.DoCount(ctx, policy, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, q.opts.Timeout)
		defer cancel()
		return q.handler(attemptCtx, item)
	})
	if err != nil {
		derr := &DeliveryError{Queue: q.opts.Name, Attempts: int(attempts), Err: err}
		metrics.DispatchTotal.WithLabelValues(q.opts.Name, "failed").Inc()
		q.logger.Error().Err(derr).Msg("delivery failed")
		return
	}
	metrics.DispatchTotal.WithLabelValues(q.opts.Name, "delivered").Inc()
}
