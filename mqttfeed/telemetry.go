package mqttfeed

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/twinguard/twinguard/mqttfeed")

var (
	// malformedMessages measures MQTT messages the collector could not turn
	// into a telemetry sample, whether the topic or the payload was at fault.
	malformedMessages metric.Int64Counter
)

func init() {
	var err error
	malformedMessages, err = meter.Int64Counter(
		"mqttfeed.messages.malformed",
		metric.WithDescription("The number of MQTT messages that could not be decoded into a telemetry sample."),
	)
	if err != nil {
		panic("mqttfeed: failed to init 'mqttfeed.messages.malformed' instrument")
	}
}
