package storage

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-provider/instrumentation"
)

// Observer wraps backend operations in a span and records their outcome.
// The zero value is usable and records nothing.
type Observer struct {
	backend string
	inst    *instrumentation.Instrumentation
	tracer  trace.Tracer
}

// NewObserver creates an Observer for the named backend ("memory", "redis", "sql").
// A nil inst yields an Observer that only passes the context through.
func NewObserver(backend string, inst *instrumentation.Instrumentation) Observer {
	o := Observer{backend: backend, inst: inst}
	if inst != nil {
		o.tracer = inst.Tracer("storage")
	}
	return o
}

// Start opens a span named "storage.<operation>". The returned function must be
// called exactly once with the operation's error.
func (o Observer) Start(ctx context.Context, operation string) (context.Context, func(error)) {
	if o.tracer == nil {
		return ctx, func(error) {}
	}

	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, o.backend)

	return ctx, func(err error) {
		defer span.End()

		result := ResultLabel(err)
		switch result {
		case "success":
			instrumentation.SetSpanSuccess(span)
		case "error":
			instrumentation.RecordError(span, err)
		}
		o.inst.Metrics().RecordStorageOperation(ctx, operation, result,
			float64(time.Since(start).Microseconds())/1000)
	}
}

// ResultLabel classifies err for storage metrics. Misses and lost rotations are
// expected outcomes, not backend failures.
func ResultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}
