// Package scheduler drives the fixed-cadence synchronisation loop of the
// orchestrator: every cycle it consumes the freshest telemetry sample per
// tracked device, synchronises each device's twin, hands the twin to the
// anomaly model for scoring, and forwards any resulting detection to the
// isolation decision engine.
//
// Within one device, sync -> score -> decide is strictly sequential. Across
// devices, lanes run concurrently on a bounded worker pool and no ordering is
// guaranteed. A slow or failed lane never stalls another device's lane: lanes
// left over from a previous cycle are skipped (their device is merely STALE
// that cycle), and a fresh cycle starts on schedule regardless of stragglers,
// up to a bounded overlap depth beyond which whole cycles are shed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danielorbach/go-component"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/twinguard/twinguard"
	"github.com/twinguard/twinguard/phenotype"
)

// A Scorer evaluates a twin against its class phenotype. The production
// implementation is phenotype.Model.
type Scorer interface {
	Evaluate(ctx context.Context, twin twinguard.DigitalTwin) (phenotype.Evaluation, error)
}

// A Decider consumes anomaly detections. The production implementation is
// isolation.Engine.
type Decider interface {
	HandleAnomaly(ctx context.Context, device twinguard.Device, anomaly twinguard.Anomaly)
}

// A ConnectivityObserver receives one up/down observation per device per
// cycle, feeding the availability arbiter's rolling uptime estimate. A device
// counts as up unless its twin is FAILED.
type ConnectivityObserver interface {
	Observe(id twinguard.DeviceID, up bool)
}

// Config tunes the cycle driver. The zero value gets defaults from
// applyDefaults.
type Config struct {
	// Interval is the target cycle cadence.
	Interval time.Duration
	// MaxDevices caps concurrent tracking; admission beyond it is deferred.
	MaxDevices int
	// Workers bounds the per-cycle lane pool. It defaults to MaxDevices: sized
	// to the device ceiling, never unbounded.
	Workers int
	// MaxOverlap caps how many cycles may be in flight at once. Excess load is
	// converted into shed cycles instead of unbounded queuing.
	MaxOverlap int
	// FailedAfter is the number of consecutive sample-less cycles after which
	// a device's twin transitions STALE -> FAILED and an alert is raised.
	FailedAfter int
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 500 * time.Millisecond
	}
	if c.MaxDevices <= 0 {
		c.MaxDevices = 50
	}
	if c.Workers <= 0 {
		c.Workers = c.MaxDevices
	}
	if c.MaxOverlap <= 0 {
		c.MaxOverlap = 3
	}
	if c.FailedAfter <= 0 {
		c.FailedAfter = 6
	}
}

// Scheduler is the synchronisation cycle driver.
type Scheduler struct {
	cfg      Config
	intake   *Intake
	store    *twinguard.TwinStore
	scorer   Scorer
	decider  Decider
	observer ConnectivityObserver // may be nil
	alerter  twinguard.Alerter    // may be nil

	mu       sync.Mutex
	misses   map[twinguard.DeviceID]int
	inflight map[twinguard.DeviceID]bool

	overlap *semaphore.Weighted
	now     func() time.Time
}

// New assembles a scheduler around its collaborators. Store, scorer, and
// decider are mandatory; observer and alerter may be nil.
func New(cfg Config, store *twinguard.TwinStore, scorer Scorer, decider Decider, observer ConnectivityObserver, alerter twinguard.Alerter) *Scheduler {
	if store == nil || scorer == nil || decider == nil {
		panic("scheduler: store, scorer, and decider are required")
	}
	cfg.applyDefaults()
	return &Scheduler{
		cfg:      cfg,
		intake:   NewIntake(cfg.MaxDevices, alerter),
		store:    store,
		scorer:   scorer,
		decider:  decider,
		observer: observer,
		alerter:  alerter,
		misses:   make(map[twinguard.DeviceID]int),
		inflight: make(map[twinguard.DeviceID]bool),
		overlap:  semaphore.NewWeighted(int64(cfg.MaxOverlap)),
		now:      time.Now,
	}
}

// Offer feeds one telemetry sample into the next cycle. It is the
// SampleHandler wired to the telemetry feed and never blocks.
func (s *Scheduler) Offer(ctx context.Context, sample twinguard.TelemetrySample) {
	s.intake.Offer(ctx, sample)
}

// Retire stops scheduling a device. Its twin is preserved by the store for
// audit continuity; intake capacity is freed for deferred devices.
func (s *Scheduler) Retire(id twinguard.DeviceID) error {
	if err := s.store.Retire(id); err != nil {
		return err
	}
	s.intake.Release(id)
	return nil
}

// Run returns the component.Proc that drives cycles at the configured cadence
// until the component winds down.
//
// A cycle that exceeds the interval is not aborted: its lanes complete and a
// fresh cycle starts on schedule. When the overlap cap is reached the fresh
// cycle is shed instead, raising the load-shedding signal.
func (s *Scheduler) Run() component.Proc {
	return func(l *component.L) {
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		for l.Continue() {
			select {
			case <-l.GraceContext().Done():
				return
			case <-ticker.C:
			}

			if !s.overlap.TryAcquire(1) {
				loadShed.Add(l.Context(), 1)
				shedCycles.Add(l.Context(), 1)
				l.Errorf("cycle overlap depth %d reached; shedding this cycle", s.cfg.MaxOverlap)
				continue
			}
			l.Go("cycle", func(l *component.L) {
				defer s.overlap.Release(1)
				s.cycle(l.Context())
			})
		}
	}
}

// cycle runs one full synchronisation pass over the tracked device set.
func (s *Scheduler) cycle(ctx context.Context) {
	start := s.now()

	samples := s.intake.Drain()
	tracked := s.intake.Tracked()
	trackedDevices.Record(ctx, int64(len(tracked)))

	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for _, id := range tracked {
		if !s.begin(id) {
			// The device's lane from an earlier cycle is still in flight. Skip
			// it; its pending sample (if any) was consumed by Drain, so requeue
			// for the next cycle rather than dropping the observation.
			if sample, ok := samples[id]; ok {
				s.intake.Offer(ctx, sample)
			}
			continue
		}
		sample, ok := samples[id]
		g.Go(func() error {
			defer s.end(id)
			s.lane(ctx, id, sample, ok)
			return nil
		})
	}
	g.Wait() // lane errors are handled inside each lane, never here

	elapsed := s.now().Sub(start)
	cycleDuration.Record(ctx, float64(elapsed)/float64(time.Millisecond))
	if elapsed > s.cfg.Interval {
		cycleOverruns.Add(ctx, 1)
	}
}

// lane synchronises, scores, and decides for one device. Failures are handled
// here, at the lowest level that detects them; a lane never propagates an
// error into its cycle or into other lanes.
func (s *Scheduler) lane(ctx context.Context, id twinguard.DeviceID, sample twinguard.TelemetrySample, fresh bool) {
	if !fresh {
		s.miss(ctx, id)
		return
	}
	s.resetMisses(id)

	twin, err := s.store.Upsert(ctx, sample)
	if err != nil {
		// Ingestion failure: the twin stays at its last good state, marked
		// STALE, and the device retries next cycle.
		laneFailures.Add(ctx, 1)
		component.Logger(ctx).Error("Couldn't synchronise twin", "device", id, "error", err)
		if !errors.Is(err, twinguard.ErrNotFound) {
			_ = s.store.MarkStatus(id, twinguard.Stale)
		}
		s.observe(id, true)
		return
	}
	syncLatency.Record(ctx, float64(s.now().Sub(sample.Timestamp))/float64(time.Millisecond))
	s.observe(id, true)

	eval, err := s.scorer.Evaluate(ctx, twin)
	if err != nil {
		// Model unevaluable even after its own fallback; it has already
		// alerted. The twin keeps its previous score - never a fabricated
		// zero.
		laneFailures.Add(ctx, 1)
		component.Logger(ctx).Error("Couldn't score twin", "device", id, "error", err)
		return
	}
	if err := s.store.SetScore(id, eval.Score); err != nil {
		component.Logger(ctx).Error("Couldn't record anomaly score", "device", id, "error", err)
	}

	if eval.Anomaly != nil {
		s.decider.HandleAnomaly(ctx, twin.Device, *eval.Anomaly)
	}
}

// miss accounts one sample-less cycle for a device. Missing one cycle is
// STALE, not an error; missing FailedAfter consecutive cycles is FAILED and
// alerts, while the device remains tracked for automatic recovery.
func (s *Scheduler) miss(ctx context.Context, id twinguard.DeviceID) {
	s.mu.Lock()
	s.misses[id]++
	n := s.misses[id]
	s.mu.Unlock()

	if n < s.cfg.FailedAfter {
		if err := s.store.MarkStatus(id, twinguard.Stale); err != nil && !errors.Is(err, twinguard.ErrNotFound) {
			component.Logger(ctx).Error("Couldn't mark twin stale", "device", id, "error", err)
		}
		s.observe(id, true)
		return
	}

	if err := s.store.MarkStatus(id, twinguard.Failed); err != nil && !errors.Is(err, twinguard.ErrNotFound) {
		component.Logger(ctx).Error("Couldn't mark twin failed", "device", id, "error", err)
	}
	s.observe(id, false)
	if n == s.cfg.FailedAfter && s.alerter != nil {
		// Alert once on the transition, not on every subsequent missed cycle.
		s.alerter.RaiseAlert(ctx, twinguard.Alert{
			Kind:     twinguard.AlertDeviceFailed,
			DeviceID: id,
			Message:  fmt.Sprintf("no telemetry for %d consecutive cycles", n),
		})
	}
}

func (s *Scheduler) resetMisses(id twinguard.DeviceID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.misses[id] = 0
}

func (s *Scheduler) observe(id twinguard.DeviceID, up bool) {
	if s.observer != nil {
		s.observer.Observe(id, up)
	}
}

// begin claims the device's lane, reporting false if a previous cycle's lane
// is still running.
func (s *Scheduler) begin(id twinguard.DeviceID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[id] {
		return false
	}
	s.inflight[id] = true
	return true
}

func (s *Scheduler) end(id twinguard.DeviceID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, id)
}
