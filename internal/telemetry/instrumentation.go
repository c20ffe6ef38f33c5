package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Span attributes must stay low cardinality: store names, action names and
// statuses only. Download ids, game titles and error messages go to logs or
// the span status, never to attributes.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation runs fn inside a span named operationName.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)

	status := "success"
	if err != nil {
		status = "error"

		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", time.Since(start).Seconds()),
	)

	return err
}

// InstrumentLoad traces a store load that reaches the network and records
// its duration.
func (t *Telemetry) InstrumentLoad(ctx context.Context, store string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()

	err := t.InstrumentOperation(ctx, "store_load_"+store, "cache", fn)

	result := "miss"
	if err != nil {
		result = "error"
	}

	t.RecordStoreFetch(ctx, store, result, time.Since(start))

	return err
}

// InstrumentAction traces a user mutation and counts it.
func (t *Telemetry) InstrumentAction(ctx context.Context, action string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "action_"+action, "actions", fn)

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordAction(ctx, action, status)

	return err
}
