package twinguard

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/danielorbach/go-component"
	"gocloud.dev/pubsub"
)

// A SampleHandler consumes one normalised telemetry sample. Handlers must be
// fast and non-blocking; the feed delivers samples as quickly as the
// subscription yields them.
type SampleHandler func(ctx context.Context, sample TelemetrySample)

// TelemetryFeed receives TelemetrySample records from the external capture
// subsystem over a pubsub subscription and hands each decoded sample to a
// handler (in production, the scheduler's intake).
//
// Missing or late samples are not the feed's concern: the scheduler treats
// devices without fresh samples as STALE. The feed's only failure mode is a
// sample it cannot decode, which is counted, logged, and skipped - a malformed
// observation must never wedge the stream behind it.
type TelemetryFeed struct {
	Subscription *pubsub.Subscription
}

// Stream returns a component.Proc that receives, decodes, and dispatches
// samples until the component winds down.
func (f TelemetryFeed) Stream(handle SampleHandler) component.Proc {
	return func(l *component.L) {
		for l.Continue() {
			msg, err := f.Subscription.Receive(l.GraceContext())
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
					// we're shutting down
					return
				}
				// Receive only returns non-retryable errors, and we have no way
				// to recreate the subscription from here; stop the component so
				// the supervisor restarts it with a fresh subscription.
				l.Fatal(fmt.Errorf("receive telemetry: %w", err))
			}
			// Ack before decoding: redelivering a malformed sample would only
			// fail again, and the capture subsystem produces a fresh sample
			// within one cycle anyway.
			msg.Ack()

			var sample TelemetrySample
			if err := gob.NewDecoder(bytes.NewReader(msg.Body)).Decode(&sample); err != nil {
				malformedSamples.Add(l.Context(), 1)
				l.Errorf("decode telemetry sample: %v", err)
				continue
			}

			handle(l.Context(), sample)
		}
	}
}
