package fn

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "safetygraph/pkg/fn"

// Stage is one step of a pipeline.
type Stage[In, Out any] func(context.Context, In) Result[Out]

// Pipeline chains steps that refine the same value. It stops at the first
// failure and checks ctx between steps.
func Pipeline[T any](stages ...Stage[T, T]) Stage[T, T] {
	return func(ctx context.Context, v T) Result[T] {
		for _, stage := range stages {
			if err := ctx.Err(); err != nil {
				return Err[T](err)
			}
			r := stage(ctx, v)
			if r.err != nil {
				return r
			}
			v = r.val
		}
		return Ok(v)
	}
}

// Traced runs stage inside a span called name.
func Traced[In, Out any](name string, stage Stage[In, Out], attrs ...attribute.KeyValue) Stage[In, Out] {
	return func(ctx context.Context, in In) Result[Out] {
		ctx, span := otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
		defer span.End()
		r := stage(ctx, in)
		if r.err != nil {
			span.RecordError(r.err)
			span.SetStatus(codes.Error, r.err.Error())
		}
		return r
	}
}
