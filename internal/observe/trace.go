package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the Parley tracer.
const tracerName = "github.com/MrWong99/parley"

type turnKey struct{}

// Tracer returns the package-level [trace.Tracer]. It uses the globally
// registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartEventSpan starts a span for handling one inbound backend event. A
// positive turn is recorded on the span and carried in the returned context
// so that [Logger] tags every line with it.
func StartEventSpan(ctx context.Context, eventType string, turn int) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("parley.event.type", eventType)}
	if turn > 0 {
		attrs = append(attrs, attribute.Int("parley.turn", turn))
		ctx = WithTurn(ctx, turn)
	}
	return StartSpan(ctx, "parley.event "+eventType, trace.WithAttributes(attrs...))
}

// WithTurn returns a context carrying the conversation turn number.
func WithTurn(ctx context.Context, turn int) context.Context {
	return context.WithValue(ctx, turnKey{}, turn)
}

// TurnFromContext returns the turn number stored by [WithTurn].
func TurnFromContext(ctx context.Context) (int, bool) {
	n, ok := ctx.Value(turnKey{}).(int)
	return n, ok
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger enriched with the turn number and the
// trace and span IDs found in ctx.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	var attrs []any
	if n, ok := TurnFromContext(ctx); ok {
		attrs = append(attrs, slog.Int("turn", n))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if len(attrs) > 0 {
		l = l.With(attrs...)
	}
	return l
}
