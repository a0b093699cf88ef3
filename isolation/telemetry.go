package isolation

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/twinguard/twinguard/isolation")

var (
	// isolationLatency measures the end-to-end duration from anomaly arrival
	// to confirmed ISOLATED. The configured latency budget is a measured SLO;
	// breaches alert, they do not abort.
	isolationLatency metric.Float64Histogram
	// arbiterVetoes measures how often the availability arbiter downgraded an
	// isolation to alert-only.
	arbiterVetoes metric.Int64Counter
)

func init() {
	var err error
	isolationLatency, err = meter.Float64Histogram(
		"isolation.latency",
		metric.WithDescription("The duration from anomaly arrival to confirmed device isolation."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("isolation: failed to init 'isolation.latency' instrument")
	}

	arbiterVetoes, err = meter.Int64Counter(
		"isolation.arbiter.vetoes",
		metric.WithDescription("The number of isolation actions downgraded to alert-only by the availability arbiter."),
	)
	if err != nil {
		panic("isolation: failed to init 'isolation.arbiter.vetoes' instrument")
	}
}

func measureIsolationLatency(ctx context.Context, d time.Duration) {
	isolationLatency.Record(ctx, float64(d)/float64(time.Millisecond))
}
