package sequencer

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/shaban/sequencer"

func defaultTracer() trace.Tracer { return otel.Tracer(tracerName) }

func (env *Env) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	return env.Tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// endSpan records err on span and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func recallAttrs(r Recall) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("recall.id", r.ID().String()),
		attribute.String("recall.kind", r.Kind().String()),
		attribute.String("recall.name", r.Name()),
	}
	if id := r.RecallID(); id != nil {
		attrs = append(attrs,
			attribute.String("run.id", id.ID().String()),
			attribute.String("run.scope", id.Scope().String()))
	}
	return attrs
}
