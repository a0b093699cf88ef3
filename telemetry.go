package twinguard

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/twinguard/twinguard")

var (
	// malformedSamples counts telemetry messages the feed could not decode.
	// These are ingestion failures: the affected device stays at its last good
	// state (marked STALE by the scheduler) and recovers on the next cycle.
	malformedSamples metric.Int64Counter
)

func init() {
	var err error
	malformedSamples, err = meter.Int64Counter(
		"telemetry.samples.malformed",
		metric.WithDescription("The number of telemetry messages that could not be decoded into a TelemetrySample."),
	)
	if err != nil {
		panic("twinguard: failed to init 'telemetry.samples.malformed' instrument")
	}
}
