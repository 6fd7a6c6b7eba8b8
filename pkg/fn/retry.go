package fn

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryOpts bounds Retry.
type RetryOpts struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	// Jitter scales each wait by a random factor in [0.5, 1.5).
	Jitter bool
	// Retryable filters errors worth another attempt; nil retries all.
	Retryable func(error) bool
	// OnRetry observes each failed attempt that will be retried.
	OnRetry func(attempt int, err error)
}

type backoff struct {
	opts RetryOpts
	next time.Duration
}

func (b *backoff) wait() time.Duration {
	d := b.next
	b.next = min(b.next*2, b.opts.MaxWait)
	if b.opts.Jitter {
		d = time.Duration(float64(d) * (0.5 + rand.Float64()))
	}
	return min(d, b.opts.MaxWait)
}

// Retry calls f until it succeeds, the attempts run out, Retryable refuses
// the error or ctx is done. At least one attempt is made.
func Retry[T any](ctx context.Context, opts RetryOpts, f func(context.Context) Result[T]) Result[T] {
	b := backoff{opts: opts, next: opts.InitialWait}
	attempts := max(opts.MaxAttempts, 1)
	for attempt := 1; ; attempt++ {
		r := f(ctx)
		if r.err == nil || attempt == attempts {
			return r
		}
		if opts.Retryable != nil && !opts.Retryable(r.err) {
			return r
		}
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, r.err)
		}
		t := time.NewTimer(b.wait())
		select {
		case <-ctx.Done():
			t.Stop()
			return Err[T](ctx.Err())
		case <-t.C:
		}
	}
}
