package twinguard

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Severity is the ordered classification of an anomaly score. Raw scores are
// only comparable within one device class (each class has an independently
// scaled phenotype); across classes, compare severities, never scores.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

// Action is the response recommended alongside a detection.
type Action int

const (
	ActionMonitor Action = iota
	ActionAlert
	ActionIsolate
)

func (a Action) String() string {
	switch a {
	case ActionMonitor:
		return "MONITOR"
	case ActionAlert:
		return "ALERT"
	case ActionIsolate:
		return "ISOLATE"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// SeverityThresholds maps a bounded anomaly score (in [0, 1], higher is more
// anomalous) onto severity tiers. Thresholds are fixed per device class but
// administratively overridable; classification of an already-created anomaly
// is never revisited.
type SeverityThresholds struct {
	Medium   float64 `yaml:"medium"`
	High     float64 `yaml:"high"`
	Critical float64 `yaml:"critical"`
}

// DefaultThresholds is the classification applied to classes without an
// administrative override.
var DefaultThresholds = SeverityThresholds{
	Medium:   0.5,
	High:     0.75,
	Critical: 0.9,
}

// Classify maps a score to its severity tier. It is a pure function of the
// score: two equal scores always classify identically.
func (t SeverityThresholds) Classify(score float64) Severity {
	switch {
	case score >= t.Critical:
		return SeverityCritical
	case score >= t.High:
		return SeverityHigh
	case score >= t.Medium:
		return SeverityMedium
	}
	return SeverityLow
}

// Valid reports whether the thresholds are ordered and within the score scale.
func (t SeverityThresholds) Valid() bool {
	return 0 < t.Medium && t.Medium <= t.High && t.High <= t.Critical && t.Critical <= 1
}

// An Anomaly is a single detection result. It is created by the anomaly model
// when a twin's score crosses a classification threshold, is immutable from
// that moment, and is consumed by the isolation decision engine before being
// handed over to the audit sink.
type Anomaly struct {
	ID         string
	DeviceID   DeviceID
	Class      DeviceClass
	DetectedAt time.Time
	Severity   Severity
	Score      float64
	// Contributing names the metrics that drove the score, including the
	// synthetic "desync" feature when state divergence dominated.
	Contributing []string
	Recommended  Action
}

// NewAnomaly assembles a detection for the given device. The severity tier and
// recommended action are derived deterministically from the score at creation
// time and are never retroactively mutated.
func NewAnomaly(device DeviceID, class DeviceClass, score float64, contributing []string, t SeverityThresholds) Anomaly {
	severity := t.Classify(score)
	action := ActionMonitor
	switch {
	case severity >= SeverityHigh:
		action = ActionIsolate
	case severity >= SeverityMedium:
		action = ActionAlert
	}
	return Anomaly{
		ID:           uuid.NewString(),
		DeviceID:     device,
		Class:        class,
		DetectedAt:   time.Now().UTC(),
		Severity:     severity,
		Score:        score,
		Contributing: contributing,
		Recommended:  action,
	}
}
