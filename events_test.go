package twinguard

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gocloud.dev/pubsub"
	"gocloud.dev/pubsub/mempubsub"
)

// receiveGob receives one message from the subscription and decodes it into T.
func receiveGob[T any](t *testing.T, sub *pubsub.Subscription) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg, err := sub.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() = %v", err)
	}
	msg.Ack()

	var v T
	if err := gob.NewDecoder(bytes.NewReader(msg.Body)).Decode(&v); err != nil {
		t.Fatalf("Decode() = %v", err)
	}
	return v
}

func TestEventWriter_PublishTwinUpdated(t *testing.T) {
	ctx := context.Background()
	topic := mempubsub.NewTopic()
	defer topic.Shutdown(ctx)
	sub := mempubsub.NewSubscription(topic, time.Second)
	defer sub.Shutdown(ctx)

	writer := EventWriter{Twins: topic}

	observed := time.Date(2026, time.March, 12, 9, 30, 0, 0, time.UTC)
	twin := DigitalTwin{
		Device: Device{ID: "mri-01", Class: ClassMRI},
		Telemetry: TelemetrySample{
			DeviceID:  "mri-01",
			Timestamp: observed,
			Metrics:   map[string]float64{"packet_rate": 120},
		}.Fingerprinted(),
		Status: Synced,
		Score:  0.12,
	}
	writer.PublishTwinUpdated(ctx, twin)

	got := receiveGob[TwinUpdated](t, sub)
	want := TwinUpdated{
		DeviceID:    "mri-01",
		Class:       ClassMRI,
		Fingerprint: twin.Telemetry.Fingerprint,
		ObservedAt:  observed,
		Status:      "SYNCED",
		Score:       0.12,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("TwinUpdated event differs: (-want +got)\n%s", diff)
	}
}

func TestEventWriter_RaiseAlert(t *testing.T) {
	ctx := context.Background()
	topic := mempubsub.NewTopic()
	defer topic.Shutdown(ctx)
	sub := mempubsub.NewSubscription(topic, time.Second)
	defer sub.Shutdown(ctx)

	writer := EventWriter{Alerts: topic}
	writer.RaiseAlert(ctx, Alert{
		Kind:     AlertDeviceFailed,
		DeviceID: "vent-07",
		Message:  "no telemetry for 6 consecutive cycles",
	})

	got := receiveGob[Alert](t, sub)
	if got.Kind != AlertDeviceFailed || got.DeviceID != "vent-07" {
		t.Errorf("alert = %+v, want kind %v for vent-07", got, AlertDeviceFailed)
	}
	if got.RaisedAt.IsZero() {
		t.Error("alert left the wire without a RaisedAt stamp")
	}
}

func TestEventWriter_nilTopics(t *testing.T) {
	// A writer without topics drops events instead of panicking; partial
	// deployments rely on this.
	var writer EventWriter
	writer.PublishTwinUpdated(context.Background(), DigitalTwin{Device: Device{ID: "mri-01"}})
	writer.RaiseAlert(context.Background(), Alert{Kind: AlertLoadShed})
}

func TestTopicAuditor(t *testing.T) {
	ctx := context.Background()
	topic := mempubsub.NewTopic()
	defer topic.Shutdown(ctx)
	sub := mempubsub.NewSubscription(topic, time.Second)
	defer sub.Shutdown(ctx)

	auditor := TopicAuditor{Topic: topic}
	record := AuditRecord{
		ID:             "rec-1",
		Kind:           AuditAnomaly,
		DeviceID:       "mri-01",
		AnomalyID:      "anom-1",
		Classification: "HIGH",
		At:             time.Date(2026, time.March, 12, 9, 30, 0, 0, time.UTC),
	}
	if err := auditor.Record(ctx, record); err != nil {
		t.Fatalf("Record() = %v", err)
	}

	got := receiveGob[AuditRecord](t, sub)
	if diff := cmp.Diff(record, got); diff != "" {
		t.Errorf("audit record differs: (-want +got)\n%s", diff)
	}
}

// failingAuditor always rejects appends.
type failingAuditor struct{ err error }

func (a failingAuditor) Record(context.Context, AuditRecord) error { return a.err }

// memoryAuditor collects appends.
type memoryAuditor struct{ records []AuditRecord }

func (a *memoryAuditor) Record(_ context.Context, record AuditRecord) error {
	a.records = append(a.records, record)
	return nil
}

func TestMultiAuditor(t *testing.T) {
	sentinel := errors.New("append refused")
	mem := new(memoryAuditor)
	multi := MultiAuditor{failingAuditor{err: sentinel}, mem}

	err := multi.Record(context.Background(), AuditRecord{ID: "rec-1"})
	if !errors.Is(err, sentinel) {
		t.Errorf("Record() = %v, want the first auditor's error", err)
	}
	// The failing auditor must not starve the others.
	if len(mem.records) != 1 {
		t.Errorf("second auditor received %d records, want 1", len(mem.records))
	}
}
