package otel

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestTraceContextFrom_NoSpan(t *testing.T) {
	traceID, spanID := TraceContextFrom(context.Background())
	assert.Empty(t, traceID)
	assert.Empty(t, spanID)
}

func TestLogTraceFields(t *testing.T) {
	tid, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	sid, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	tests := []struct {
		name      string
		ctx       context.Context
		wantTrace string
	}{
		{"no span", context.Background(), ""},
		{"valid span", ctx, "4bf92f3577b34da6a3ce929d0e0e4736"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := zerolog.New(&buf)
			logger.Info().Func(LogTraceFields(tt.ctx)).Msg("chain_run_done")

			var line map[string]interface{}
			require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
			if tt.wantTrace == "" {
				assert.NotContains(t, line, "trace_id")
				assert.NotContains(t, line, "span_id")
				return
			}
			assert.Equal(t, tt.wantTrace, line["trace_id"])
			assert.Equal(t, "00f067aa0ba902b7", line["span_id"])
		})
	}
}
