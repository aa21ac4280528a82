package chain

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// runsTotal counts chain runs by final state (done, failed).
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "refguard",
		Subsystem: "chain",
		Name:      "runs_total",
		Help:      "Chain runs by final state",
	}, []string{"state"})

	// referencesTotal counts extracted references by outcome.
	// Labels: outcome (dispatched or a skip reason code)
	referencesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "refguard",
		Subsystem: "chain",
		Name:      "references_total",
		Help:      "Extracted references by dispatch outcome or skip reason",
	}, []string{"outcome"})

	// dispatchTotal counts downstream tool calls.
	// Labels: tool, status (ok, error, timeout, denied, circuit_open)
	dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "refguard",
		Subsystem: "dispatch",
		Name:      "calls_total",
		Help:      "Downstream tool calls by tool and status",
	}, []string{"tool", "status"})

	dispatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "refguard",
		Subsystem: "dispatch",
		Name:      "latency_seconds",
		Help:      "Downstream tool call latency",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"tool"})

	injectionSignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "refguard",
		Subsystem: "untrusted",
		Name:      "injection_signals_total",
		Help:      "Prompt-injection signals found in source content by pattern",
	}, []string{"pattern"})
)

func recordDispatch(tool, status string, seconds float64) {
	dispatchTotal.WithLabelValues(tool, status).Inc()
	dispatchLatency.WithLabelValues(tool).Observe(seconds)
}

const meterName = "github.com/dativo-io/refguard/internal/chain"

var (
	refsPerRunHistogram metric.Int64Histogram
	runMetricsOnce      sync.Once
	runMetricsOK        bool
)

func initRunMetrics() {
	meter := otel.Meter(meterName)
	var err error
	refsPerRunHistogram, err = meter.Int64Histogram(
		"refguard.chain.references",
		metric.WithDescription("References per completed chain run by outcome"),
		metric.WithUnit("{reference}"),
	)
	if err != nil {
		return
	}
	runMetricsOK = true
}

// recordRunReferences emits per-run reference counts through the OTel meter
// provider, which the --otel flag exports to stdout.
func recordRunReferences(ctx context.Context, found, dispatched, skipped int) {
	runMetricsOnce.Do(initRunMetrics)
	if !runMetricsOK {
		return
	}
	refsPerRunHistogram.Record(ctx, int64(found), metric.WithAttributes(attribute.String("outcome", "found")))
	refsPerRunHistogram.Record(ctx, int64(dispatched), metric.WithAttributes(attribute.String("outcome", "dispatched")))
	refsPerRunHistogram.Record(ctx, int64(skipped), metric.WithAttributes(attribute.String("outcome", "skipped")))
}
