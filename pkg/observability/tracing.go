// Package observability wires OpenTelemetry tracing into fetches and stream runs.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/ajitpratap0/nebula-connectors"

// Tracer returns the tracer from the current global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Span wraps an otel span with error-aware completion.
type Span struct {
	span trace.Span
}

// StartSpan starts a span named name under ctx.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, *Span) {
	ctx, span := Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, &Span{span: span}
}

// SetAttribute records a single attribute.
func (s *Span) SetAttribute(key string, value interface{}) {
	var attr attribute.KeyValue
	switch v := value.(type) {
	case string:
		attr = attribute.String(key, v)
	case int:
		attr = attribute.Int(key, v)
	case int64:
		attr = attribute.Int64(key, v)
	case float64:
		attr = attribute.Float64(key, v)
	case bool:
		attr = attribute.Bool(key, v)
	default:
		attr = attribute.String(key, fmt.Sprintf("%v", v))
	}
	s.span.SetAttributes(attr)
}

// AddEvent adds an event to the span.
func (s *Span) AddEvent(name string, attrs ...attribute.KeyValue) {
	s.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// End closes the span, marking it failed when err is non-nil.
func (s *Span) End(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}

// ConnectorTracer names spans after a source.
type ConnectorTracer struct {
	source string
}

// NewConnectorTracer creates a tracer for the named source.
func NewConnectorTracer(source string) *ConnectorTracer {
	return &ConnectorTracer{source: source}
}

// StartSpan starts a span named "<source>.<operation>".
func (ct *ConnectorTracer) StartSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, *Span) {
	attrs = append(attrs,
		attribute.String("connector.source", ct.source),
		attribute.String("connector.operation", operation),
	)
	return StartSpan(ctx, ct.source+"."+operation, attrs...)
}

// TraceStream runs fn inside a stream span and records the outcome.
func (ct *ConnectorTracer) TraceStream(ctx context.Context, stream string, fn func(context.Context) (int, error)) (int, error) {
	ctx, span := ct.StartSpan(ctx, "stream", attribute.String("connector.stream", stream))
	n, err := fn(ctx)
	span.SetAttribute("stream.records", n)
	span.End(err)
	return n, err
}
