package phenotype

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/twinguard/twinguard"
)

const (
	// squash calibrates the mapping from the maximal standardised deviation z
	// to the bounded score z^2 / (z^2 + squash): 3 sigma scores ~0.53, 5 sigma
	// ~0.76, 9 sigma ~0.91 against the default thresholds.
	squash = 8.0

	// zCap stands in for an infinite standardised deviation, i.e. any movement
	// of a metric that was perfectly constant during learning.
	zCap = 16.0

	// zContributing is the deviation above which a metric is reported as
	// contributing to the anomaly.
	zContributing = 3.0

	// desyncFeature is the synthetic metric name reported when state
	// divergence dominates the score.
	desyncFeature = "desync"
)

// An Evaluation is the outcome of scoring one twin against its class
// phenotype.
type Evaluation struct {
	Score        float64
	Severity     twinguard.Severity
	Contributing []string
	// State is the phenotype's state at scoring time. While LEARNING,
	// Actionable is false and the isolation engine must ignore the
	// classification.
	State      State
	Actionable bool
	// Anomaly is non-nil when the score crossed a classification threshold
	// (severity MEDIUM or above) on an ACTIVE phenotype.
	Anomaly *twinguard.Anomaly
}

// Evaluate scores the twin's latest telemetry against its class phenotype and
// then refines the phenotype online with that sample.
//
// Scoring is unsupervised and distance-based: each metric's standardised
// deviation from the learned baseline is computed, the maximum is squashed
// into [0, 1), and fixed per-class thresholds classify the result. A desync
// streak beyond the class tolerance pins the score to the scale ceiling
// regardless of the other metrics.
//
// The baseline absorbs only normal-operation samples: observations are not
// absorbed while desynced, and once the phenotype is ACTIVE only samples that
// classified LOW refine it further.
//
// If the published snapshot cannot be evaluated, Evaluate falls back to the
// last stable version and raises an alert; if even that fails, it returns
// ErrUnevaluable rather than fabricating a score.
func (m *Model) Evaluate(ctx context.Context, twin twinguard.DigitalTwin) (Evaluation, error) {
	defer func(start time.Time) {
		measureScoring(ctx, twin.Device.Class, time.Since(start))
	}(time.Now())

	profile := twinguard.ProfileOf(twin.Device.Class)
	cp := m.classFor(twin.Device.Class)

	snap := cp.current.Load()
	score, contributing, err := scoreAgainst(snap, twin, profile)
	if err != nil {
		// The published snapshot is corrupt. Retry against the last stable
		// version and alert; never block the pipeline on a broken model.
		stable := cp.stable.Load()
		modelFallbacks.Add(ctx, 1)
		if m.alerter != nil {
			m.alerter.RaiseAlert(ctx, twinguard.Alert{
				Kind:     twinguard.AlertModelFallback,
				DeviceID: twin.Device.ID,
				Message:  fmt.Sprintf("phenotype %s: scoring against version %d failed (%v), retrying version %d", snap.Class, snap.Version, err, stable.Version),
			})
		}
		snap = stable
		if score, contributing, err = scoreAgainst(snap, twin, profile); err != nil {
			return Evaluation{}, fmt.Errorf("score against stable version %d: %w", snap.Version, err)
		}
	}

	eval := Evaluation{
		Score:        score,
		Severity:     profile.Thresholds.Classify(score),
		Contributing: contributing,
		State:        snap.State,
		Actionable:   snap.State == Active,
	}
	if eval.Actionable && eval.Severity >= twinguard.SeverityMedium {
		anomaly := twinguard.NewAnomaly(twin.Device.ID, twin.Device.Class, score, contributing, profile.Thresholds)
		eval.Anomaly = &anomaly
	}

	if twin.DesyncStreak == 0 && (snap.State == Learning || eval.Severity == twinguard.SeverityLow) {
		if err := m.update(ctx, cp, twin.Telemetry); err != nil {
			// The evaluation itself is sound; the failed refinement was already
			// alerted and rolled back inside update.
			return eval, nil
		}
	}
	return eval, nil
}

// scoreAgainst computes the bounded anomaly score of the twin's telemetry
// against the given snapshot.
func scoreAgainst(snap *Snapshot, twin twinguard.DigitalTwin, profile twinguard.ClassProfile) (float64, []string, error) {
	// Persistent, unexplained divergence between the twin's recorded state and
	// physical telemetry dominates everything else.
	if twin.DesyncStreak > profile.DesyncTolerance {
		return 1, []string{desyncFeature}, nil
	}

	var (
		maxZ         float64
		maxName      string
		contributing []string
	)
	for name, x := range twin.Telemetry.Metrics {
		p, ok := snap.Features[name]
		if !ok || p.Count < 2 {
			// Unknown or barely-seen feature: no baseline to deviate from yet.
			continue
		}
		if !p.stable() {
			return 0, nil, fmt.Errorf("feature %q of phenotype %s version %d: %w", name, snap.Class, snap.Version, ErrUnevaluable)
		}

		var z float64
		switch sd := p.StdDev(); {
		case sd > 0:
			z = math.Abs(x-p.Mean) / sd
			if z > zCap {
				z = zCap
			}
		case x != p.Mean:
			// Any movement of a perfectly constant metric is maximal deviation.
			z = zCap
		}

		if z >= zContributing {
			contributing = append(contributing, name)
		}
		if z > maxZ {
			maxZ, maxName = z, name
		}
	}

	if len(contributing) == 0 && maxName != "" {
		contributing = []string{maxName}
	}
	sort.Strings(contributing)

	score := maxZ * maxZ / (maxZ*maxZ + squash)
	return score, contributing, nil
}
