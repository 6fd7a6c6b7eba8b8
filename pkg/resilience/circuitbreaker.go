// Package resilience protects the graph projection and the change-event
// bridge from a struggling backend: a circuit breaker stops hammering a
// failing Neo4j and a token bucket paces NATS publishes.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/WessleyAI/safetygraph/pkg/fn"
)

// State is the position of a Breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

var stateNames = [...]string{"closed", "open", "half-open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// ErrCircuitOpen is returned without calling through while the breaker is
// open or its probe slots are taken.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerOpts configures a Breaker. Zero fields take DefaultBreakerOpts.
type BreakerOpts struct {
	// FailThreshold consecutive failures open the breaker.
	FailThreshold int
	// Timeout is how long it stays open before letting probes through.
	Timeout time.Duration
	// Probes is how many calls may be in flight while half-open.
	Probes int
	// OnStateChange runs under the breaker lock; it must not call back in.
	OnStateChange func(from, to State)
}

var DefaultBreakerOpts = BreakerOpts{
	FailThreshold: 5,
	Timeout:       30 * time.Second,
	Probes:        1,
}

// Breaker fails fast once a dependency keeps erroring, then probes it again
// after a cool-down.
type Breaker struct {
	opts BreakerOpts
	now  func() time.Time

	mu       sync.Mutex
	state    State
	streak   int
	probes   int
	reopenAt time.Time
}

func NewBreaker(opts BreakerOpts) *Breaker {
	d := DefaultBreakerOpts
	if opts.FailThreshold <= 0 {
		opts.FailThreshold = d.FailThreshold
	}
	if opts.Timeout <= 0 {
		opts.Timeout = d.Timeout
	}
	if opts.Probes <= 0 {
		opts.Probes = d.Probes
	}
	return &Breaker{opts: opts, now: time.Now}
}

// State reports the current position, moving open to half-open once the
// timeout has passed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tick()
	return b.state
}

func (b *Breaker) tick() {
	if b.state == StateOpen && !b.now().Before(b.reopenAt) {
		b.moveTo(StateHalfOpen)
	}
}

func (b *Breaker) moveTo(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state, b.streak, b.probes = to, 0, 0
	if to == StateOpen {
		b.reopenAt = b.now().Add(b.opts.Timeout)
	}
	if b.opts.OnStateChange != nil {
		b.opts.OnStateChange(from, to)
	}
}

func (b *Breaker) enter() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tick()
	switch {
	case b.state == StateOpen:
		return ErrCircuitOpen
	case b.state == StateHalfOpen && b.probes >= b.opts.Probes:
		return ErrCircuitOpen
	case b.state == StateHalfOpen:
		b.probes++
	}
	return nil
}

func (b *Breaker) leave(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case err == nil && b.state == StateHalfOpen:
		b.moveTo(StateClosed)
	case err == nil:
		b.streak = 0
	case b.state == StateHalfOpen:
		b.moveTo(StateOpen)
	default:
		if b.streak++; b.streak >= b.opts.FailThreshold {
			b.moveTo(StateOpen)
		}
	}
}

// Call runs f unless the breaker is open and records its outcome.
func (b *Breaker) Call(ctx context.Context, f func(context.Context) error) error {
	if err := b.enter(); err != nil {
		return err
	}
	err := f(ctx)
	b.leave(err)
	return err
}

// CallResult is Call for steps that produce an fn.Result.
func CallResult[T any](b *Breaker, ctx context.Context, f func(context.Context) fn.Result[T]) fn.Result[T] {
	if err := b.enter(); err != nil {
		return fn.Err[T](err)
	}
	r := f(ctx)
	b.leave(r.Err())
	return r
}
