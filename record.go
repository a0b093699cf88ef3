package twinguard

import "time"

// Outcome summarises where an isolation action ended up.
type Outcome int

const (
	// OutcomeActive: the quarantine is confirmed and currently in force.
	OutcomeActive Outcome = iota
	// OutcomeRestored: connectivity was restored after investigation.
	OutcomeRestored
	// OutcomeFailed: the runtime rejected or timed out the action and the
	// alternate containment was exhausted.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeActive:
		return "ACTIVE"
	case OutcomeRestored:
		return "RESTORED"
	case OutcomeFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// An IsolationRecord tracks the lifecycle of one quarantine action on one
// device. At most one record per device is ACTIVE at any instant; the
// isolation decision engine enforces that invariant.
type IsolationRecord struct {
	ID        string
	DeviceID  DeviceID
	AnomalyID string
	StartedAt time.Time
	// EndedAt is zero while the record is ACTIVE.
	EndedAt time.Time
	Outcome Outcome
}
