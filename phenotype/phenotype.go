// Package phenotype owns one behavioural baseline per device class, refines it
// online from normal-operation telemetry, and scores twins for deviation from
// it.
//
// A phenotype starts LEARNING: it accumulates samples and computes scores, but
// its classifications are not actionable until both a minimum sample count and
// a minimum elapsed duration are satisfied. Thereafter it is ACTIVE and keeps
// refining on every sample. Updates are incremental (Welford's algorithm per
// metric), so update cost is independent of history length.
//
// Scorers read immutable snapshots while updates build a replacement and swap
// it in atomically, so readers never block behind a writer longer than one
// pointer exchange. The previous numerically stable snapshot is retained as a
// fallback for update or scoring failures.
package phenotype

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twinguard/twinguard"
)

// State of a class phenotype.
type State int

const (
	// Learning: accumulating a baseline; scores are computed but not
	// actionable.
	Learning State = iota
	// Active: the baseline is trustworthy and classifications are actionable.
	Active
)

func (s State) String() string {
	if s == Active {
		return "ACTIVE"
	}
	return "LEARNING"
}

// A FeatureProfile is the running statistical profile of one named metric:
// Welford running mean and sum of squared deviations (M2).
type FeatureProfile struct {
	Count int64
	Mean  float64
	M2    float64
}

// absorb folds one observation into the profile, Welford-style.
func (p FeatureProfile) absorb(x float64) FeatureProfile {
	p.Count++
	delta := x - p.Mean
	p.Mean += delta / float64(p.Count)
	p.M2 += delta * (x - p.Mean)
	return p
}

// Variance returns the population variance accumulated so far.
func (p FeatureProfile) Variance() float64 {
	if p.Count < 2 {
		return 0
	}
	return p.M2 / float64(p.Count)
}

// StdDev returns the standard deviation accumulated so far.
func (p FeatureProfile) StdDev() float64 { return math.Sqrt(p.Variance()) }

// stable reports whether the profile's accumulators are numerically sound.
func (p FeatureProfile) stable() bool {
	return !math.IsNaN(p.Mean) && !math.IsInf(p.Mean, 0) &&
		!math.IsNaN(p.M2) && !math.IsInf(p.M2, 0) && p.M2 >= 0
}

// A Snapshot is one immutable version of a class phenotype. Scorers hold a
// snapshot for the duration of a single scoring step; updates never mutate a
// published snapshot.
type Snapshot struct {
	Class       twinguard.DeviceClass
	State       State
	Features    map[string]FeatureProfile
	SampleCount int64
	Version     uint64
	FirstSample time.Time
	UpdatedAt   time.Time
}

// Confidence derives the phenotype's trustworthiness from its sample count,
// saturating towards 1 as the baseline accumulates beyond the learning
// minimum.
func (s *Snapshot) Confidence() float64 {
	min := float64(twinguard.ProfileOf(s.Class).MinLearningSamples)
	if min <= 0 {
		min = 1
	}
	n := float64(s.SampleCount)
	return n / (n + min)
}

// classPhenotype couples the currently published snapshot of one class with
// its last known-stable predecessor and serialises updates.
type classPhenotype struct {
	mu      sync.Mutex // serialises updates; scorers never take it
	current atomic.Pointer[Snapshot]
	stable  atomic.Pointer[Snapshot]
}

// ErrUnevaluable is returned when a twin cannot be scored even against the
// fallback snapshot. The caller must not substitute a score of zero.
var ErrUnevaluable = errors.New("phenotype: model unevaluable")

// Model is the phenotype registry and anomaly scorer. It is safe for
// concurrent use: scoring reads atomic snapshots, updates hold a short
// per-class critical section.
type Model struct {
	mu      sync.RWMutex
	classes map[twinguard.DeviceClass]*classPhenotype

	alerter twinguard.Alerter
	now     func() time.Time
}

// NewModel returns an empty registry. The alerter may be nil, in which case
// fallback conditions are only counted and logged.
func NewModel(alerter twinguard.Alerter) *Model {
	return &Model{
		classes: make(map[twinguard.DeviceClass]*classPhenotype),
		alerter: alerter,
		now:     time.Now,
	}
}

// Phenotype returns the currently published snapshot for the class, or false
// if the class has never been observed.
func (m *Model) Phenotype(class twinguard.DeviceClass) (*Snapshot, bool) {
	m.mu.RLock()
	cp, ok := m.classes[class]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return cp.current.Load(), true
}

// classFor returns the class's phenotype, creating an empty LEARNING one on
// first observation of the class.
func (m *Model) classFor(class twinguard.DeviceClass) *classPhenotype {
	m.mu.RLock()
	cp, ok := m.classes[class]
	m.mu.RUnlock()
	if ok {
		return cp
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cp, ok = m.classes[class]; ok {
		return cp
	}
	cp = &classPhenotype{}
	first := &Snapshot{
		Class:       class,
		State:       Learning,
		Features:    make(map[string]FeatureProfile),
		FirstSample: m.now().UTC(),
		UpdatedAt:   m.now().UTC(),
	}
	cp.current.Store(first)
	cp.stable.Store(first)
	m.classes[class] = cp
	return cp
}

// update absorbs the sample's metrics into a fresh snapshot and publishes it.
//
// The sample count of a class phenotype never decreases: a failed update
// leaves the published snapshot untouched and re-publishes the last stable
// version instead.
func (m *Model) update(ctx context.Context, cp *classPhenotype, sample twinguard.TelemetrySample) error {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	prev := cp.current.Load()
	next := &Snapshot{
		Class:       prev.Class,
		State:       prev.State,
		Features:    make(map[string]FeatureProfile, len(prev.Features)),
		SampleCount: prev.SampleCount + 1,
		Version:     prev.Version + 1,
		FirstSample: prev.FirstSample,
		UpdatedAt:   m.now().UTC(),
	}
	for name, p := range prev.Features {
		next.Features[name] = p
	}
	for name, x := range sample.Metrics {
		p := next.Features[name].absorb(x)
		if !p.stable() {
			// The incremental update destabilised this feature. Revert to the
			// last stable version and alert; the pipeline keeps flowing.
			cp.current.Store(cp.stable.Load())
			modelFallbacks.Add(ctx, 1)
			if m.alerter != nil {
				m.alerter.RaiseAlert(ctx, twinguard.Alert{
					Kind:     twinguard.AlertModelFallback,
					DeviceID: sample.DeviceID,
					Message:  fmt.Sprintf("phenotype %s: unstable update of feature %q, reverted to version %d", prev.Class, name, cp.stable.Load().Version),
				})
			}
			return fmt.Errorf("feature %q destabilised: %w", name, ErrUnevaluable)
		}
		next.Features[name] = p
	}

	profile := twinguard.ProfileOf(next.Class)
	if next.State == Learning &&
		next.SampleCount >= int64(profile.MinLearningSamples) &&
		m.now().Sub(next.FirstSample) >= profile.MinLearningPeriod {
		next.State = Active
	}

	cp.current.Store(next)
	cp.stable.Store(next)
	return nil
}
