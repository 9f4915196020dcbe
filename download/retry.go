package download

import (
	"context"
	"errors"
	"time"

	"mediascribe/task"

	"github.com/cenkalti/backoff/v5"
)

// linearBackOff waits step, 2*step, 3*step... between attempts.
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.step
}

func (b *linearBackOff) Reset() { b.n = 0 }

// retryPolicy bounds the attempts of one acquisition step.
type retryPolicy struct {
	Attempts int
	Step     time.Duration
	// OnRetry is called before the next attempt starts.
	OnRetry func(next int, err error, wait time.Duration)
}

// retry runs op until it succeeds, fails with a non-retryable error, the
// attempt budget is spent or cancellation is requested.
func retry[T any](ctx context.Context, p retryPolicy, rep task.Reporter, op func(attempt int) (T, error)) (T, int, error) {
	var zero T
	attempt := 0
	attempts := max(p.Attempts, 1)

	v, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		if err := rep.Check(); err != nil {
			return zero, backoff.Permanent(err)
		}
		v, err := op(attempt)
		if err == nil {
			return v, nil
		}
		if rep.Canceled() || errors.Is(err, task.ErrCanceled) {
			return zero, backoff.Permanent(task.ErrCanceled)
		}
		if !task.Retryable(err) {
			return zero, backoff.Permanent(err)
		}
		return zero, err
	},
		backoff.WithBackOff(&linearBackOff{step: p.Step}),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			if p.OnRetry != nil {
				p.OnRetry(attempt+1, err, wait)
			}
		}),
	)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	if err != nil && rep.Canceled() {
		err = task.ErrCanceled
	}
	return v, attempt, err
}
