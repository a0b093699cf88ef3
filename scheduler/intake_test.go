package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/twinguard/twinguard"
)

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []twinguard.Alert
}

func (a *recordingAlerter) RaiseAlert(_ context.Context, alert twinguard.Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
}

func (a *recordingAlerter) count(kind twinguard.AlertKind) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, alert := range a.alerts {
		if alert.Kind == kind {
			n++
		}
	}
	return n
}

func sampleFor(id twinguard.DeviceID, at time.Time, rate float64) twinguard.TelemetrySample {
	return twinguard.TelemetrySample{
		DeviceID:  id,
		Class:     twinguard.ClassMRI,
		Timestamp: at,
		Metrics:   map[string]float64{"packet_rate": rate},
	}.Fingerprinted()
}

func TestIntake_keepsFreshestSample(t *testing.T) {
	t0 := time.Date(2026, time.March, 12, 9, 30, 0, 0, time.UTC)
	in := NewIntake(10, nil)
	ctx := context.Background()

	in.Offer(ctx, sampleFor("mri-01", t0, 100))
	in.Offer(ctx, sampleFor("mri-01", t0.Add(time.Second), 110))
	in.Offer(ctx, sampleFor("mri-01", t0.Add(-time.Second), 90)) // late arrival

	samples := in.Drain()
	if got := samples["mri-01"].Metrics["packet_rate"]; got != 110 {
		t.Errorf("drained packet_rate = %v, want the freshest 110", got)
	}

	// Each sample is consumed exactly once.
	if again := in.Drain(); len(again) != 0 {
		t.Errorf("second Drain() = %v, want none", again)
	}
}

func TestIntake_admissionCeiling(t *testing.T) {
	t0 := time.Date(2026, time.March, 12, 9, 30, 0, 0, time.UTC)
	alerter := new(recordingAlerter)
	in := NewIntake(2, alerter)
	ctx := context.Background()

	in.Offer(ctx, sampleFor("dev-0", t0, 100))
	in.Offer(ctx, sampleFor("dev-1", t0, 100))
	in.Offer(ctx, sampleFor("dev-2", t0, 100)) // over the ceiling

	if got := len(in.Tracked()); got != 2 {
		t.Errorf("Tracked() has %d devices, want the ceiling 2", got)
	}
	if alerter.count(twinguard.AlertLoadShed) != 1 {
		t.Errorf("load-shed alerts = %d, want 1", alerter.count(twinguard.AlertLoadShed))
	}

	// Re-offering the deferred device does not duplicate the queue entry.
	in.Offer(ctx, sampleFor("dev-2", t0.Add(time.Second), 105))

	// Releasing capacity promotes the deferred device on the next drain, and
	// its retained freshest sample is consumed by that very cycle.
	in.Release("dev-0")
	samples := in.Drain()
	if _, ok := samples["dev-2"]; !ok {
		t.Fatalf("drained %v, want the promoted dev-2 included", samples)
	}
	if got := samples["dev-2"].Metrics["packet_rate"]; got != 105 {
		t.Errorf("promoted device's packet_rate = %v, want the retained 105", got)
	}
	if got := len(in.Tracked()); got != 2 {
		t.Errorf("Tracked() has %d devices after promotion, want 2", got)
	}
}

func TestIntake_fullLoad(t *testing.T) {
	t0 := time.Date(2026, time.March, 12, 9, 30, 0, 0, time.UTC)
	in := NewIntake(50, nil)
	ctx := context.Background()

	for i := range 50 {
		in.Offer(ctx, sampleFor(twinguard.DeviceID(fmt.Sprintf("dev-%02d", i)), t0, float64(i)))
	}

	samples := in.Drain()
	if len(samples) != 50 {
		t.Errorf("Drain() returned %d samples, want all 50", len(samples))
	}
}
