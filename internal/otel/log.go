package otel

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// TraceContextFrom returns trace_id and span_id from the span in ctx, or two
// empty strings when ctx carries no valid span.
func TraceContextFrom(ctx context.Context) (traceID, spanID string) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}

// LogTraceFields returns a zerolog hook for .Func() that adds trace_id and
// span_id when ctx carries a valid span:
//
//	log.Warn().Str("tool", tool).Func(otel.LogTraceFields(ctx)).Msg("chain_dispatch_failed")
func LogTraceFields(ctx context.Context) func(e *zerolog.Event) {
	return func(e *zerolog.Event) {
		if traceID, spanID := TraceContextFrom(ctx); traceID != "" {
			e.Str("trace_id", traceID).Str("span_id", spanID)
		}
	}
}
