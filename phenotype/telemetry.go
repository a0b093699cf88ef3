package phenotype

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/twinguard/twinguard"
)

var meter = otel.Meter("github.com/twinguard/twinguard/phenotype")

// deviceClassKey is the attribute key used to associate each record with the
// device class whose phenotype produced it, enabling both collective analysis
// across all classes and per-class drill-down.
const deviceClassKey = "device.class"

var (
	// scoringDuration measures the duration of scoring one twin against its
	// class phenotype, including a fallback retry when one occurred.
	scoringDuration metric.Float64Histogram
	// modelFallbacks measures the number of times the model reverted to the
	// last stable phenotype version, whether during scoring or during an
	// online update.
	modelFallbacks metric.Int64Counter
)

func init() {
	var err error
	scoringDuration, err = meter.Float64Histogram(
		"phenotype.scoring.duration",
		metric.WithDescription("The duration of scoring a single twin against its class phenotype."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("phenotype: failed to init 'phenotype.scoring.duration' instrument")
	}

	modelFallbacks, err = meter.Int64Counter(
		"phenotype.model.fallbacks",
		metric.WithDescription("The number of reversions to the last stable phenotype version."),
	)
	if err != nil {
		panic("phenotype: failed to init 'phenotype.model.fallbacks' instrument")
	}
}

// measureScoring records the duration of one scoring step, labelled with the
// device class.
func measureScoring(ctx context.Context, class twinguard.DeviceClass, d time.Duration) {
	attrs := attribute.NewSet(attribute.String(deviceClassKey, string(class)))
	scoringDuration.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributeSet(attrs))
}
