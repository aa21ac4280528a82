package otel

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func shutdownWithin(t *testing.T, shutdown func(context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, shutdown(ctx))
}

func TestSetup(t *testing.T) {
	tests := []struct {
		name    string
		version string
	}{
		{"release version", "1.0.0"},
		{"dev version", "dev"},
		{"empty version", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shutdown, err := Setup("refguard", tt.version, true, &bytes.Buffer{})
			require.NoError(t, err)
			require.NotNil(t, shutdown)
			shutdownWithin(t, shutdown)
		})
	}
}

func TestSetup_DisabledIsNoop(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Setup("refguard", "dev", false, &buf)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
	assert.Zero(t, buf.Len())
}

func TestSetup_ExportsSpansToWriter(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Setup("refguard", "test", true, &buf)
	require.NoError(t, err)

	_, span := Tracer("github.com/dativo-io/refguard/internal/chain").Start(context.Background(), "chain.run")
	assert.True(t, span.SpanContext().IsValid())
	assert.True(t, span.SpanContext().HasTraceID())
	span.End()

	shutdownWithin(t, shutdown)
	assert.Contains(t, buf.String(), "chain.run")
}

func TestTracer_ReturnsSpanWithoutSetup(t *testing.T) {
	_, span := Tracer("github.com/dativo-io/refguard/internal/noop").Start(context.Background(), "noop")
	defer span.End()
	assert.Implements(t, (*trace.Span)(nil), span)
}
