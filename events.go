package twinguard

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/danielorbach/go-component"
	"gocloud.dev/pubsub"
)

// Register the event types with gob so external consumers can decode them
// without further setup.
func init() {
	gob.Register(TwinUpdated{})
	gob.Register(Alert{})
}

// TwinUpdated notifies external consumers (e.g. the dashboard collaborator)
// that a device's twin absorbed a fresh observation. The message carries only
// stable, wire-friendly fields; it is not a full twin snapshot.
type TwinUpdated struct {
	DeviceID    DeviceID
	Class       DeviceClass
	Fingerprint Fingerprint
	ObservedAt  time.Time
	Status      string
	Score       float64
}

// AlertKind names the operational condition that raised an alert.
type AlertKind string

const (
	AlertDeviceFailed      AlertKind = "device_failed"
	AlertModelFallback     AlertKind = "model_fallback"
	AlertIsolationFailed   AlertKind = "isolation_failed"
	AlertLatencyBreach     AlertKind = "latency_breach"
	AlertLoadShed          AlertKind = "load_shed"
	AlertArbiterEscalation AlertKind = "arbiter_escalation"
)

// An Alert is an operational notification to a human operator. Alerts are the
// escalation path of the error-handling policy: failures are handled where
// they are detected, and only repeated, unrecoverable ones surface here.
type Alert struct {
	Kind     AlertKind
	DeviceID DeviceID
	Message  string
	RaisedAt time.Time
}

// An Alerter delivers operational alerts. Delivery is fire-and-forget from the
// caller's perspective: raising an alert must never block or fail the cycle
// that detected the underlying condition.
type Alerter interface {
	RaiseAlert(ctx context.Context, alert Alert)
}

// EventWriter publishes orchestrator events to pubsub topics as gob-encoded
// messages. Any of the topics may be nil, in which case the corresponding
// events are dropped silently; this keeps tests and partial deployments free
// of mandatory wiring.
//
// EventWriter implements TwinPublisher and Alerter.
type EventWriter struct {
	// Twins receives TwinUpdated messages.
	Twins *pubsub.Topic
	// Alerts receives Alert messages.
	Alerts *pubsub.Topic
}

// PublishTwinUpdated emits a TwinUpdated event for the given twin. Publish
// failures are logged, never propagated: the twin store's state is already
// committed and external notification is best-effort.
func (w EventWriter) PublishTwinUpdated(ctx context.Context, twin DigitalTwin) {
	if w.Twins == nil {
		return
	}
	event := TwinUpdated{
		DeviceID:    twin.Device.ID,
		Class:       twin.Device.Class,
		Fingerprint: twin.Telemetry.Fingerprint,
		ObservedAt:  twin.Telemetry.Timestamp,
		Status:      twin.Status.String(),
		Score:       twin.Score,
	}
	if err := publishGob(ctx, w.Twins, event); err != nil {
		component.Logger(ctx).Error("Couldn't publish TwinUpdated event",
			"error", err, "device", twin.Device.ID)
	}
}

// RaiseAlert emits an Alert event, stamping it if the caller left RaisedAt
// zero. As with twin events, failures are logged and swallowed; an alert
// stream outage must not stall the protection loop.
func (w EventWriter) RaiseAlert(ctx context.Context, alert Alert) {
	if alert.RaisedAt.IsZero() {
		alert.RaisedAt = time.Now().UTC()
	}
	component.Logger(ctx).Warn("Operational alert raised",
		"kind", string(alert.Kind), "device", alert.DeviceID, "message", alert.Message)
	if w.Alerts == nil {
		return
	}
	if err := publishGob(ctx, w.Alerts, alert); err != nil {
		component.Logger(ctx).Error("Couldn't publish Alert event",
			"error", err, "kind", string(alert.Kind), "device", alert.DeviceID)
	}
}

// publishGob encodes v with gob and sends it on the topic.
func publishGob(ctx context.Context, topic *pubsub.Topic, v any) error {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(v); err != nil {
		return fmt.Errorf("encode gob: %w", err)
	}
	if err := topic.Send(ctx, &pubsub.Message{Body: body.Bytes()}); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}
