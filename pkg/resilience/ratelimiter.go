package resilience

import (
	"context"

	"golang.org/x/time/rate"
)

// LimiterOpts sizes a token bucket.
type LimiterOpts struct {
	// Rate is tokens per second; zero or less disables pacing.
	Rate float64
	// Burst is the bucket size, at least 1.
	Burst int
}

// Limiter paces outbound calls.
type Limiter struct {
	bucket *rate.Limiter
}

func NewLimiter(opts LimiterOpts) *Limiter {
	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	return &Limiter{bucket: rate.NewLimiter(limit, max(opts.Burst, 1))}
}

// Do waits for a token and then runs f. It gives up with the context error if
// ctx ends first, or fails at once when the wait would outlast ctx's deadline.
func (l *Limiter) Do(ctx context.Context, f func(context.Context) error) error {
	if err := l.bucket.Wait(ctx); err != nil {
		return err
	}
	return f(ctx)
}
