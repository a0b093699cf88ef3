package twinguard

import (
	"fmt"
	"net/netip"
	"sync"
	"time"
)

// DeviceID uniquely identifies a physical medical device across the
// orchestrator and its external collaborators (capture subsystem, isolation
// runtime, audit sink).
type DeviceID string

// A DeviceClass groups devices with the same behavioural baseline. Each class
// owns exactly one phenotype, so two devices of the same class are scored
// against the same learned profile.
//
// The set of classes is open: new classes register a ClassProfile at startup
// and devices of unknown classes fall back to the standard profile.
type DeviceClass string

const (
	ClassMRI          DeviceClass = "MRI"
	ClassVentilator   DeviceClass = "VENTILATOR"
	ClassNurseStation DeviceClass = "NURSE_STATION"
)

// Criticality orders devices by the harm caused when they lose connectivity.
// The arbiter consults this tier before approving any isolation: a
// life-critical device is never fully quarantined while an alternative
// containment remains viable.
type Criticality int

// Higher values are more critical.
const (
	Standard Criticality = iota
	High
	LifeCritical
)

func (c Criticality) String() string {
	switch c {
	case LifeCritical:
		return "LIFE_CRITICAL"
	case High:
		return "HIGH"
	case Standard:
		return "STANDARD"
	}
	return fmt.Sprintf("Criticality(%d)", int(c))
}

// Device is the identity record of one tracked physical device. Devices are
// created on first telemetry observation and never deleted; decommissioned
// devices are marked Retired to preserve audit continuity.
type Device struct {
	ID          DeviceID
	Class       DeviceClass
	Criticality Criticality
	Addr        netip.Addr
	FirstSeen   time.Time
	Retired     bool
}

// A ClassProfile carries the class-specific tuning of a device class: its
// default criticality tier, the severity thresholds applied to that class's
// anomaly scores, and the learning-period guard of its phenotype.
//
// Dispatch is by class identity (a registry lookup), not by type
// specialisation, so new device classes are a registration away.
type ClassProfile struct {
	Class              DeviceClass
	DefaultCriticality Criticality
	Thresholds         SeverityThresholds

	// MinLearningSamples and MinLearningPeriod gate the phenotype's
	// LEARNING -> ACTIVE transition; both must be satisfied before anomaly
	// classifications of this class become actionable.
	MinLearningSamples int
	MinLearningPeriod  time.Duration

	// DesyncTolerance is the number of consecutive fingerprint mismatches
	// between the twin's recorded state and fresh physical telemetry tolerated
	// before desync dominates the anomaly score.
	DesyncTolerance int
}

// standardProfile serves devices of classes that never registered a profile.
var standardProfile = ClassProfile{
	DefaultCriticality: Standard,
	Thresholds:         DefaultThresholds,
	MinLearningSamples: 100,
	MinLearningPeriod:  10 * time.Minute,
	DesyncTolerance:    3,
}

var classProfiles = struct {
	sync.RWMutex
	m map[DeviceClass]ClassProfile
}{m: make(map[DeviceClass]ClassProfile)}

func init() {
	// The three classes we ship with. Deployments register further classes
	// (or override these) during startup.
	RegisterClass(ClassProfile{
		Class:              ClassMRI,
		DefaultCriticality: High,
		Thresholds:         DefaultThresholds,
		MinLearningSamples: 100,
		MinLearningPeriod:  10 * time.Minute,
		DesyncTolerance:    3,
	})
	RegisterClass(ClassProfile{
		Class:              ClassVentilator,
		DefaultCriticality: LifeCritical,
		Thresholds:         DefaultThresholds,
		MinLearningSamples: 200,
		MinLearningPeriod:  15 * time.Minute,
		DesyncTolerance:    5,
	})
	RegisterClass(ClassProfile{
		Class:              ClassNurseStation,
		DefaultCriticality: Standard,
		Thresholds:         DefaultThresholds,
		MinLearningSamples: 100,
		MinLearningPeriod:  10 * time.Minute,
		DesyncTolerance:    3,
	})
}

// RegisterClass registers (or replaces) the profile of a device class.
//
// RegisterClass is safe for concurrent use, so administrative overrides may be
// applied while the orchestrator is running.
func RegisterClass(p ClassProfile) {
	if p.Class == "" {
		panic("twinguard: registering a class profile without a class")
	}
	classProfiles.Lock()
	defer classProfiles.Unlock()
	classProfiles.m[p.Class] = p
}

// ProfileOf returns the registered profile of the given class, falling back to
// a conservative standard profile for classes that never registered one. The
// fallback keeps unknown devices tracked and scored rather than invisible.
func ProfileOf(class DeviceClass) ClassProfile {
	classProfiles.RLock()
	defer classProfiles.RUnlock()
	if p, ok := classProfiles.m[class]; ok {
		return p
	}
	p := standardProfile
	p.Class = class
	return p
}
