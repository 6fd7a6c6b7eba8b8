// Package fn holds the small generic helpers the loader, the graph
// projector and the change-event bridge share: a value-or-error Result,
// staged pipelines with tracing, bounded fan-out and retry with backoff.
package fn

// Result holds the outcome of one step. A nil error means success.
type Result[T any] struct {
	val T
	err error
}

// Void is the payload of steps that only report success or failure.
type Void = struct{}

// Ok wraps v as a successful outcome.
func Ok[T any](v T) Result[T] { return Result[T]{val: v} }

// Err wraps err as a failed outcome. Err(nil) is a zero success.
func Err[T any](err error) Result[T] { return Result[T]{err: err} }

// FromPair adapts a conventional (value, error) return.
func FromPair[T any](v T, err error) Result[T] {
	if err != nil {
		return Result[T]{err: err}
	}
	return Result[T]{val: v}
}

// Check adapts a bare error return.
func Check(err error) Result[Void] { return Result[Void]{err: err} }

func (r Result[T]) IsOk() bool { return r.err == nil }
func (r Result[T]) IsErr() bool { return r.err != nil }
func (r Result[T]) Err() error { return r.err }

// Unwrap splits the outcome back into a (value, error) pair.
func (r Result[T]) Unwrap() (T, error) { return r.val, r.err }

// Collect gathers the values of rs in order. The first failure, by position,
// wins.
func Collect[T any](rs []Result[T]) Result[[]T] {
	vals := make([]T, 0, len(rs))
	for _, r := range rs {
		if r.err != nil {
			return Result[[]T]{err: r.err}
		}
		vals = append(vals, r.val)
	}
	return Result[[]T]{val: vals}
}
