// Package retry runs an operation under a bounded exponential backoff policy.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Class tells Do whether a failure is worth another attempt.
type Class int

const (
	Retryable Class = iota
	Fatal
)

// Policy bounds the attempts of a single Do call.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration

	// Classify decides whether an error is retryable. Nil retries every error.
	Classify func(error) Class

	// OnRetry is called before sleeping between attempts.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// Attempts reports how many times fn ran before Do returned.
type Attempts int

// Do calls fn until it succeeds, returns a fatal error, the budget is spent, or ctx ends.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	_, err := DoCount(ctx, p, fn)
	return err
}

// DoCount is Do that also reports the number of attempts made.
func DoCount(ctx context.Context, p Policy, fn func(context.Context) error) (Attempts, error) {
	p = p.normalized()

	var lastErr error
	attempt := 0
	for attempt < p.MaxAttempts {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return Attempts(attempt), errors.Join(lastErr, err)
			}
			return Attempts(attempt), err
		}

		attempt++
		err := fn(ctx)
		if err == nil {
			return Attempts(attempt), nil
		}
		lastErr = err

		if p.Classify(err) == Fatal || attempt == p.MaxAttempts {
			break
		}

		wait := p.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, wait, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Attempts(attempt), errors.Join(lastErr, ctx.Err())
		case <-timer.C:
		}
	}
	return Attempts(attempt), lastErr
}

// Backoff returns the wait after the given 1-based attempt: exponential, capped, plus jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	wait := p.BaseDelay
	for i := 1; i < attempt && wait < p.MaxDelay; i++ {
		wait *= 2
	}
	if wait > p.MaxDelay {
		wait = p.MaxDelay
	}
	if p.Jitter > 0 {
		wait += time.Duration(rand.Int64N(int64(p.Jitter)))
	}
	return wait
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Classify == nil {
		p.Classify = func(error) Class { return Retryable }
	}
	return p
}
