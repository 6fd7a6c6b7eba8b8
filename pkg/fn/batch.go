package fn

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Batches cuts items into consecutive slices of at most size elements. The
// slices share backing storage with items.
func Batches[T any](items []T, size int) [][]T {
	if size <= 0 || len(items) == 0 {
		return nil
	}
	out := make([][]T, 0, (len(items)+size-1)/size)
	for len(items) > size {
		out = append(out, items[:size:size])
		items = items[size:]
	}
	return append(out, items)
}

// Keys projects each item to a key.
func Keys[T any, K any](items []T, key func(T) K) []K {
	out := make([]K, 0, len(items))
	for _, it := range items {
		out = append(out, key(it))
	}
	return out
}

// ParMap runs f over items with at most workers in flight (all at once when
// workers <= 0). Results keep input order. Items not started before ctx is
// done fail with the context error.
func ParMap[T, U any](ctx context.Context, items []T, workers int, f func(context.Context, T) Result[U]) []Result[U] {
	out := make([]Result[U], len(items))
	var g errgroup.Group
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i := range items {
		if err := ctx.Err(); err != nil {
			out[i] = Err[U](err)
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				out[i] = Err[U](err)
				return nil
			}
			out[i] = f(ctx, items[i])
			return nil
		})
	}
	_ = g.Wait()
	return out
}
