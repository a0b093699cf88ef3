package scheduler

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/twinguard/twinguard/scheduler")

var (
	// cycleDuration measures the wall time of one full synchronisation cycle
	// over the tracked device set.
	cycleDuration metric.Float64Histogram
	// syncLatency measures, per device, the delay between a sample's capture
	// timestamp and the moment its twin absorbed it.
	syncLatency metric.Float64Histogram
	// trackedDevices records the current size of the tracked device set.
	trackedDevices metric.Int64Gauge
	// cycleOverruns counts cycles that exceeded the target interval. Overruns
	// are expected under load; they shed cycles only past the overlap cap.
	cycleOverruns metric.Int64Counter
	// shedCycles counts whole cycles dropped at the overlap cap.
	shedCycles metric.Int64Counter
	// loadShed counts load-shedding signals: deferred device admissions and
	// shed cycles alike. It feeds the backpressure policy's alerting.
	loadShed metric.Int64Counter
	// laneFailures counts per-device lane failures (ingestion or scoring);
	// each one left the device STALE and retrying, never the cycle failed.
	laneFailures metric.Int64Counter
)

func init() {
	var err error
	cycleDuration, err = meter.Float64Histogram(
		"scheduler.cycle.duration",
		metric.WithDescription("The duration of one full twin synchronisation cycle."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("scheduler: failed to init 'scheduler.cycle.duration' instrument")
	}

	syncLatency, err = meter.Float64Histogram(
		"scheduler.sync.latency",
		metric.WithDescription("The per-device delay between sample capture and twin synchronisation."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("scheduler: failed to init 'scheduler.sync.latency' instrument")
	}

	trackedDevices, err = meter.Int64Gauge(
		"scheduler.devices.tracked",
		metric.WithDescription("The number of devices currently tracked by the cycle driver."),
	)
	if err != nil {
		panic("scheduler: failed to init 'scheduler.devices.tracked' instrument")
	}

	cycleOverruns, err = meter.Int64Counter(
		"scheduler.cycle.overruns",
		metric.WithDescription("The number of cycles that exceeded the target interval."),
	)
	if err != nil {
		panic("scheduler: failed to init 'scheduler.cycle.overruns' instrument")
	}

	shedCycles, err = meter.Int64Counter(
		"scheduler.cycle.shed",
		metric.WithDescription("The number of whole cycles shed at the overlap cap."),
	)
	if err != nil {
		panic("scheduler: failed to init 'scheduler.cycle.shed' instrument")
	}

	loadShed, err = meter.Int64Counter(
		"scheduler.load.shed",
		metric.WithDescription("The number of load-shedding signals raised (deferred admissions and shed cycles)."),
	)
	if err != nil {
		panic("scheduler: failed to init 'scheduler.load.shed' instrument")
	}

	laneFailures, err = meter.Int64Counter(
		"scheduler.lane.failures",
		metric.WithDescription("The number of per-device lane failures handled without failing the cycle."),
	)
	if err != nil {
		panic("scheduler: failed to init 'scheduler.lane.failures' instrument")
	}
}
