package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/twinguard/twinguard"
	"github.com/twinguard/twinguard/phenotype"
)

// fakeScorer returns a scripted evaluation per device and can hold a device's
// lane open until released.
type fakeScorer struct {
	mu      sync.Mutex
	evals   map[twinguard.DeviceID]phenotype.Evaluation
	blocked map[twinguard.DeviceID]chan struct{}
	calls   map[twinguard.DeviceID]int
}

func newFakeScorer() *fakeScorer {
	return &fakeScorer{
		evals:   make(map[twinguard.DeviceID]phenotype.Evaluation),
		blocked: make(map[twinguard.DeviceID]chan struct{}),
		calls:   make(map[twinguard.DeviceID]int),
	}
}

func (s *fakeScorer) Evaluate(_ context.Context, twin twinguard.DigitalTwin) (phenotype.Evaluation, error) {
	s.mu.Lock()
	s.calls[twin.Device.ID]++
	gate := s.blocked[twin.Device.ID]
	eval := s.evals[twin.Device.ID]
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return eval, nil
}

func (s *fakeScorer) evaluations(id twinguard.DeviceID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

// fakeDecider records the anomalies handed to it.
type fakeDecider struct {
	mu        sync.Mutex
	anomalies []twinguard.Anomaly
}

func (d *fakeDecider) HandleAnomaly(_ context.Context, _ twinguard.Device, anomaly twinguard.Anomaly) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.anomalies = append(d.anomalies, anomaly)
}

func (d *fakeDecider) handled() []twinguard.Anomaly {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]twinguard.Anomaly(nil), d.anomalies...)
}

// fakeObserver records connectivity observations.
type fakeObserver struct {
	mu   sync.Mutex
	last map[twinguard.DeviceID]bool
}

func newFakeObserver() *fakeObserver {
	return &fakeObserver{last: make(map[twinguard.DeviceID]bool)}
}

func (o *fakeObserver) Observe(id twinguard.DeviceID, up bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.last[id] = up
}

func (o *fakeObserver) lastObservation(id twinguard.DeviceID) (bool, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	up, ok := o.last[id]
	return up, ok
}

func TestScheduler_cycle(t *testing.T) {
	t0 := time.Date(2026, time.March, 12, 9, 30, 0, 0, time.UTC)
	ctx := context.Background()

	store := twinguard.NewTwinStore(nil)
	scorer := newFakeScorer()
	decider := new(fakeDecider)
	observer := newFakeObserver()
	s := New(Config{}, store, scorer, decider, observer, nil)

	detection := twinguard.NewAnomaly("mri-02", twinguard.ClassMRI, 0.8, []string{"packet_rate"}, twinguard.DefaultThresholds)
	scorer.evals["mri-01"] = phenotype.Evaluation{Score: 0.1, Severity: twinguard.SeverityLow, State: phenotype.Active, Actionable: true}
	scorer.evals["mri-02"] = phenotype.Evaluation{
		Score: 0.8, Severity: twinguard.SeverityHigh,
		State: phenotype.Active, Actionable: true,
		Anomaly: &detection,
	}

	s.Offer(ctx, sampleFor("mri-01", t0, 100))
	s.Offer(ctx, sampleFor("mri-02", t0, 400))
	s.cycle(ctx)

	// Every lane synchronised its twin and recorded the score.
	for id, want := range map[twinguard.DeviceID]float64{"mri-01": 0.1, "mri-02": 0.8} {
		twin, err := store.Get(id)
		if err != nil {
			t.Fatalf("Get(%v) = %v", id, err)
		}
		if twin.Status != twinguard.Synced {
			t.Errorf("%v status = %v, want %v", id, twin.Status, twinguard.Synced)
		}
		if twin.Score != want {
			t.Errorf("%v score = %v, want %v", id, twin.Score, want)
		}
		if up, ok := observer.lastObservation(id); !ok || !up {
			t.Errorf("%v connectivity observation = (%v, %v), want up", id, up, ok)
		}
	}

	// Only the anomalous device reached the decision engine.
	handled := decider.handled()
	if len(handled) != 1 || handled[0].DeviceID != "mri-02" {
		t.Errorf("decider handled %v, want exactly mri-02's anomaly", handled)
	}
}

func TestScheduler_missedCyclesFailDevice(t *testing.T) {
	t0 := time.Date(2026, time.March, 12, 9, 30, 0, 0, time.UTC)
	ctx := context.Background()

	store := twinguard.NewTwinStore(nil)
	observer := newFakeObserver()
	alerter := new(recordingAlerter)
	s := New(Config{FailedAfter: 3}, store, newFakeScorer(), new(fakeDecider), observer, alerter)

	s.Offer(ctx, sampleFor("vent-07", t0, 100))
	s.cycle(ctx)

	// One sample-less cycle is STALE, not an error.
	s.cycle(ctx)
	twin, _ := store.Get("vent-07")
	if twin.Status != twinguard.Stale {
		t.Errorf("status after 1 missed cycle = %v, want %v", twin.Status, twinguard.Stale)
	}
	if up, _ := observer.lastObservation("vent-07"); !up {
		t.Error("a merely stale device was observed as down")
	}

	// The third consecutive miss crosses the failure threshold.
	s.cycle(ctx)
	s.cycle(ctx)
	twin, _ = store.Get("vent-07")
	if twin.Status != twinguard.Failed {
		t.Errorf("status after 3 missed cycles = %v, want %v", twin.Status, twinguard.Failed)
	}
	if up, _ := observer.lastObservation("vent-07"); up {
		t.Error("a failed device was observed as up")
	}
	if got := alerter.count(twinguard.AlertDeviceFailed); got != 1 {
		t.Errorf("device-failed alerts = %d, want 1", got)
	}

	// Further misses never repeat the alert; fresh telemetry recovers the
	// device automatically.
	s.cycle(ctx)
	if got := alerter.count(twinguard.AlertDeviceFailed); got != 1 {
		t.Errorf("device-failed alerts after another miss = %d, want still 1", got)
	}

	s.Offer(ctx, sampleFor("vent-07", t0.Add(time.Minute), 100))
	s.cycle(ctx)
	twin, _ = store.Get("vent-07")
	if twin.Status != twinguard.Synced {
		t.Errorf("status after recovery = %v, want %v", twin.Status, twinguard.Synced)
	}
}

func TestScheduler_stalledLaneSkipsOnlyItsDevice(t *testing.T) {
	t0 := time.Date(2026, time.March, 12, 9, 30, 0, 0, time.UTC)
	ctx := context.Background()

	store := twinguard.NewTwinStore(nil)
	scorer := newFakeScorer()
	s := New(Config{}, store, scorer, new(fakeDecider), nil, nil)

	// The slow device's lane blocks inside scoring until released.
	release := make(chan struct{})
	scorer.blocked["slow"] = release

	s.Offer(ctx, sampleFor("slow", t0, 100))
	s.Offer(ctx, sampleFor("mri-01", t0, 100))

	firstCycle := make(chan struct{})
	go func() {
		defer close(firstCycle)
		s.cycle(ctx)
	}()

	// Wait for the healthy lane of the first cycle to finish.
	waitFor(t, func() bool { return scorer.evaluations("mri-01") == 1 })

	// A second cycle starts on schedule: the stalled device is skipped, the
	// healthy device completes again.
	s.Offer(ctx, sampleFor("slow", t0.Add(time.Second), 100))
	s.Offer(ctx, sampleFor("mri-01", t0.Add(time.Second), 100))
	s.cycle(ctx)

	if got := scorer.evaluations("mri-01"); got != 2 {
		t.Errorf("healthy device evaluated %d times, want 2", got)
	}
	if got := scorer.evaluations("slow"); got != 1 {
		t.Errorf("stalled device evaluated %d times while its lane is open, want 1", got)
	}

	close(release)
	<-firstCycle

	// The skipped cycle requeued the stalled device's fresh sample; the next
	// cycle consumes it.
	s.cycle(ctx)
	if got := scorer.evaluations("slow"); got != 2 {
		t.Errorf("stalled device evaluated %d times after release, want 2", got)
	}
}

func TestScheduler_Retire(t *testing.T) {
	t0 := time.Date(2026, time.March, 12, 9, 30, 0, 0, time.UTC)
	ctx := context.Background()

	store := twinguard.NewTwinStore(nil)
	s := New(Config{}, store, newFakeScorer(), new(fakeDecider), nil, nil)

	s.Offer(ctx, sampleFor("mri-01", t0, 100))
	s.cycle(ctx)

	if err := s.Retire("mri-01"); err != nil {
		t.Fatalf("Retire() = %v", err)
	}

	twin, err := store.Get("mri-01")
	if err != nil {
		t.Fatalf("Get() after retirement = %v, want the twin preserved", err)
	}
	if !twin.Device.Retired {
		t.Error("twin not marked retired")
	}
	if got := len(s.intake.Tracked()); got != 0 {
		t.Errorf("intake still tracks %d devices after retirement, want 0", got)
	}
}

// waitFor polls the condition until it holds or the test deadline approaches.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached within 5s")
}
