package neo4jaudit

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/twinguard/twinguard/neo4jaudit")
var meter = otel.Meter("github.com/twinguard/twinguard/neo4jaudit")

var (
	// archiveFailures measures the number of audit appends that failed. The
	// trail is an external collaborator, so failures never block protective
	// actions - which makes this counter the only way to notice them.
	archiveFailures metric.Int64Counter
)

func init() {
	var err error
	archiveFailures, err = meter.Int64Counter(
		"neo4jaudit.archive.failures",
		metric.WithDescription("The number of audit record appends that failed."),
	)
	if err != nil {
		panic("neo4jaudit: failed to init 'neo4jaudit.archive.failures' instrument")
	}
}
