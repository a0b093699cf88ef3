// Package isolation turns anomaly detections into bounded-latency, selective,
// reversible quarantine actions.
//
// The engine runs one state machine per device:
//
//	NORMAL -> EVALUATING -> ISOLATING -> ISOLATED -> RESTORING -> NORMAL
//
// with ISOLATION_FAILED reachable from ISOLATING. Every isolation action is
// scoped to exactly one device's network identity; the engine never issues an
// action affecting more than the implicated device, so unrelated devices keep
// their connectivity throughout.
package isolation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/google/uuid"
	"github.com/twinguard/twinguard"
)

// A Runtime is the external container/network isolation runtime. Both commands
// are idempotent: isolating an already-isolated device is a no-op success, as
// is restoring a device that was never isolated.
type Runtime interface {
	Isolate(ctx context.Context, id twinguard.DeviceID) error
	Restore(ctx context.Context, id twinguard.DeviceID) error
}

// A Shaper applies the coarser-grained alternative containment (traffic
// shaping instead of full quarantine). It is consulted when full isolation is
// exhausted, or when the arbiter rules that a life-critical device may only be
// shaped.
type Shaper interface {
	ShapeTraffic(ctx context.Context, id twinguard.DeviceID) error
}

// Decision is the arbiter's ruling on a proposed isolation.
type Decision int

const (
	// Approve: proceed with full quarantine.
	Approve Decision = iota
	// Shape: contain with traffic shaping only; full quarantine is vetoed.
	Shape
	// AlertOnly: no containment at all; surface the threat to an operator.
	AlertOnly
)

func (d Decision) String() string {
	switch d {
	case Approve:
		return "APPROVE"
	case Shape:
		return "SHAPE"
	case AlertOnly:
		return "ALERT_ONLY"
	}
	return fmt.Sprintf("Decision(%d)", int(d))
}

// A Verdict carries the arbiter's decision and its reasoning. Escalate set
// means a human operator must be notified; a vetoed threat is never silently
// dropped.
type Verdict struct {
	Decision Decision
	Reason   string
	Escalate bool
}

// A Gate reviews a proposed isolation before the engine may enter ISOLATING.
//
// Review is a pure function of the request: the gate holds no reference into
// engine state and is consulted synchronously. See the arbiter package for the
// production implementation.
type Gate interface {
	Review(req Request) Verdict
}

// A Request describes one proposed isolation for the gate's review.
type Request struct {
	Device  twinguard.Device
	Anomaly twinguard.Anomaly
}

// DeviceState enumerates the per-device state machine.
type DeviceState int

const (
	Normal DeviceState = iota
	Evaluating
	Isolating
	Isolated
	Restoring
	IsolationFailed
)

func (s DeviceState) String() string {
	switch s {
	case Normal:
		return "NORMAL"
	case Evaluating:
		return "EVALUATING"
	case Isolating:
		return "ISOLATING"
	case Isolated:
		return "ISOLATED"
	case Restoring:
		return "RESTORING"
	case IsolationFailed:
		return "ISOLATION_FAILED"
	}
	return fmt.Sprintf("DeviceState(%d)", int(s))
}

// Config tunes the engine's retry and latency behaviour. The zero value gets
// sensible defaults from applyDefaults.
type Config struct {
	// ActionTimeout bounds each individual runtime command; there is no
	// indefinite wait on the external runtime.
	ActionTimeout time.Duration
	// IsolateAttempts is the number of full-quarantine attempts before the
	// engine declares ISOLATION_FAILED and tries the alternate containment.
	IsolateAttempts int
	// LatencyBudget is the anomaly-arrival to confirmed-ISOLATED SLO. It is
	// measured and alerted on breach, never enforced as a hard bound.
	LatencyBudget time.Duration
}

func (c *Config) applyDefaults() {
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 750 * time.Millisecond
	}
	if c.IsolateAttempts <= 0 {
		c.IsolateAttempts = 2
	}
	if c.LatencyBudget <= 0 {
		c.LatencyBudget = 2 * time.Second
	}
}

// ErrNotIsolated is returned by Restore for a device that has no quarantine in
// force.
var ErrNotIsolated = errors.New("isolation: device not isolated")

// Engine is the isolation decision engine. It is safe for concurrent use;
// state is serialised per device, so one device's slow runtime call never
// blocks another device's decision.
type Engine struct {
	runtime Runtime
	shaper  Shaper // nil means no alternative containment is available
	gate    Gate
	auditor twinguard.Auditor
	alerter twinguard.Alerter
	cfg     Config

	mu    sync.Mutex
	lanes map[twinguard.DeviceID]*lane

	now func() time.Time
}

type lane struct {
	mu     sync.Mutex
	state  DeviceState
	record *twinguard.IsolationRecord // the device's ACTIVE record, if any
}

// NewEngine assembles an engine. The gate is mandatory (use the arbiter
// package); shaper, auditor, and alerter may be nil.
func NewEngine(runtime Runtime, shaper Shaper, gate Gate, auditor twinguard.Auditor, alerter twinguard.Alerter, cfg Config) *Engine {
	if runtime == nil {
		panic("isolation: engine requires a runtime")
	}
	if gate == nil {
		panic("isolation: engine requires a gate")
	}
	cfg.applyDefaults()
	return &Engine{
		runtime: runtime,
		shaper:  shaper,
		gate:    gate,
		auditor: auditor,
		alerter: alerter,
		cfg:     cfg,
		lanes:   make(map[twinguard.DeviceID]*lane),
		now:     time.Now,
	}
}

// State reports the device's current state; devices the engine has never acted
// on are NORMAL.
func (e *Engine) State(id twinguard.DeviceID) DeviceState {
	l := e.laneFor(id)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// ActiveRecord returns the device's ACTIVE isolation record, if one is in
// force. At most one exists per device at any instant.
func (e *Engine) ActiveRecord(id twinguard.DeviceID) (twinguard.IsolationRecord, bool) {
	l := e.laneFor(id)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.record == nil || l.record.Outcome != twinguard.OutcomeActive {
		return twinguard.IsolationRecord{}, false
	}
	return *l.record, true
}

func (e *Engine) laneFor(id twinguard.DeviceID) *lane {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.lanes[id]
	if !ok {
		l = &lane{state: Normal}
		e.lanes[id] = l
	}
	return l
}

// HandleAnomaly runs the decision path for one detection. Severities below
// MEDIUM are monitored and never enter the state machine. A MEDIUM detection
// evaluates and stands down as an alert-only outcome. HIGH and CRITICAL
// detections proceed to isolation if - and only if - the gate approves.
//
// The whole path, from anomaly arrival to confirmed ISOLATED or exhausted
// retries, is measured against the configured latency budget; a breach raises
// an operational alert.
func (e *Engine) HandleAnomaly(ctx context.Context, device twinguard.Device, anomaly twinguard.Anomaly) {
	e.audit(ctx, twinguard.AuditAnomaly, device.ID, anomaly.ID, anomaly.Severity.String(),
		fmt.Sprintf("score=%.4f contributing=%s", anomaly.Score, strings.Join(anomaly.Contributing, ",")))

	if anomaly.Severity < twinguard.SeverityMedium {
		return
	}

	l := e.laneFor(device.ID)
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case Normal:
		// proceed below
	case Isolated, Isolating, Restoring:
		// The device is already contained (or a containment decision is in
		// flight); a further detection changes nothing.
		return
	case IsolationFailed:
		// Containment is exhausted and an administrator was alerted; do not
		// hammer the runtime on every subsequent detection.
		return
	default:
		return
	}

	e.transition(ctx, l, device.ID, anomaly, Evaluating)

	if anomaly.Severity < twinguard.SeverityHigh {
		// Stand down on the severity gate alone; the arbiter is never
		// consulted, so this is an alert-only outcome, not an override.
		e.transition(ctx, l, device.ID, anomaly, Normal)
		e.audit(ctx, twinguard.AuditIsolationTransition, device.ID, anomaly.ID, "ALERT_ONLY",
			fmt.Sprintf("severity %s below isolation threshold", anomaly.Severity))
		return
	}

	verdict := e.gate.Review(Request{Device: device, Anomaly: anomaly})
	if verdict.Decision == AlertOnly {
		e.transition(ctx, l, device.ID, anomaly, Normal)
		e.audit(ctx, twinguard.AuditArbiterOverride, device.ID, anomaly.ID, "ALERT_ONLY", verdict.Reason)
		arbiterVetoes.Add(ctx, 1)
		if verdict.Escalate {
			e.alert(ctx, twinguard.AlertArbiterEscalation, device.ID,
				fmt.Sprintf("isolation vetoed for %s anomaly %s: %s", anomaly.Severity, anomaly.ID, verdict.Reason))
		}
		return
	}

	e.transition(ctx, l, device.ID, anomaly, Isolating)
	e.contain(ctx, l, device, anomaly, verdict)
}

// contain executes the approved containment, bounded by per-action timeouts
// and the configured retry budget. It is called with the device's lane held.
func (e *Engine) contain(ctx context.Context, l *lane, device twinguard.Device, anomaly twinguard.Anomaly, verdict Verdict) {
	containment := "quarantine"
	act := e.runtime.Isolate
	attempts := e.cfg.IsolateAttempts
	if verdict.Decision == Shape {
		if e.shaper == nil {
			// The arbiter ruled out full quarantine and no shaper is wired:
			// containment is impossible, treat as exhausted.
			e.fail(ctx, l, device.ID, anomaly, fmt.Errorf("shaping ruled but no shaper available"))
			return
		}
		containment = "shaping"
		act = e.shaper.ShapeTraffic
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = e.timebound(ctx, device.ID, act); err == nil {
			e.confirm(ctx, l, device.ID, anomaly, containment)
			return
		}
		component.Logger(ctx).Error("Containment attempt failed",
			"device", device.ID, "containment", containment, "attempt", attempt+1, "error", err)
	}

	// Full quarantine is exhausted; fall back to the coarser containment once
	// before giving up.
	e.transition(ctx, l, device.ID, anomaly, IsolationFailed)
	if verdict.Decision == Approve && e.shaper != nil {
		if err = e.timebound(ctx, device.ID, e.shaper.ShapeTraffic); err == nil {
			e.confirm(ctx, l, device.ID, anomaly, "shaping")
			return
		}
		component.Logger(ctx).Error("Alternate containment failed",
			"device", device.ID, "error", err)
	}
	e.fail(ctx, l, device.ID, anomaly, err)
}

// timebound runs one runtime command under the configured action timeout.
func (e *Engine) timebound(ctx context.Context, id twinguard.DeviceID, act func(context.Context, twinguard.DeviceID) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ActionTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- act(ctx, id) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// The runtime call may still be in flight, but we stop waiting for it;
		// both commands are idempotent so a late success is harmless.
		return fmt.Errorf("isolation runtime: %w", ctx.Err())
	}
}

// confirm finalises a successful containment. Called with the lane held.
func (e *Engine) confirm(ctx context.Context, l *lane, id twinguard.DeviceID, anomaly twinguard.Anomaly, containment string) {
	now := e.now().UTC()
	l.record = &twinguard.IsolationRecord{
		ID:        uuid.NewString(),
		DeviceID:  id,
		AnomalyID: anomaly.ID,
		StartedAt: now,
		Outcome:   twinguard.OutcomeActive,
	}
	e.transition(ctx, l, id, anomaly, Isolated)
	e.audit(ctx, twinguard.AuditIsolationTransition, id, anomaly.ID, "ACTIVE", "containment="+containment)

	elapsed := now.Sub(anomaly.DetectedAt)
	measureIsolationLatency(ctx, elapsed)
	if elapsed > e.cfg.LatencyBudget {
		e.alert(ctx, twinguard.AlertLatencyBreach, id,
			fmt.Sprintf("anomaly-to-isolation latency %v exceeded budget %v", elapsed, e.cfg.LatencyBudget))
	}
}

// fail finalises an exhausted containment. Called with the lane held.
func (e *Engine) fail(ctx context.Context, l *lane, id twinguard.DeviceID, anomaly twinguard.Anomaly, cause error) {
	if l.state != IsolationFailed {
		e.transition(ctx, l, id, anomaly, IsolationFailed)
	}
	now := e.now().UTC()
	l.record = &twinguard.IsolationRecord{
		ID:        uuid.NewString(),
		DeviceID:  id,
		AnomalyID: anomaly.ID,
		StartedAt: now,
		EndedAt:   now,
		Outcome:   twinguard.OutcomeFailed,
	}
	e.audit(ctx, twinguard.AuditIsolationTransition, id, anomaly.ID, "FAILED", fmt.Sprintf("cause=%v", cause))
	e.alert(ctx, twinguard.AlertIsolationFailed, id,
		fmt.Sprintf("containment exhausted for anomaly %s: %v", anomaly.ID, cause))
}

// Restore drives manual or policy-driven restoration after investigation:
// ISOLATED -> RESTORING -> NORMAL. Isolation of other devices is unaffected
// throughout. A device in ISOLATION_FAILED may also be restored, clearing the
// failure latch once an operator has intervened.
func (e *Engine) Restore(ctx context.Context, id twinguard.DeviceID) error {
	l := e.laneFor(id)
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case Isolated:
		// proceed below
	case IsolationFailed:
		l.state = Normal
		l.record = nil
		e.audit(ctx, twinguard.AuditIsolationTransition, id, "", "NORMAL", "failure latch cleared by operator")
		return nil
	default:
		return fmt.Errorf("device %q in state %s: %w", id, l.state, ErrNotIsolated)
	}

	e.transition(ctx, l, id, twinguard.Anomaly{}, Restoring)
	if err := e.timebound(ctx, id, e.runtime.Restore); err != nil {
		// Quarantine remains in force; the operator retries.
		l.state = Isolated
		return fmt.Errorf("restore %q: %w", id, err)
	}

	now := e.now().UTC()
	if l.record != nil {
		l.record.EndedAt = now
		l.record.Outcome = twinguard.OutcomeRestored
		e.audit(ctx, twinguard.AuditIsolationTransition, id, l.record.AnomalyID, "RESTORED", "")
	}
	l.record = nil
	e.transition(ctx, l, id, twinguard.Anomaly{}, Normal)
	return nil
}

// transition moves the lane to the next state and audits the edge. Called with
// the lane held.
func (e *Engine) transition(ctx context.Context, l *lane, id twinguard.DeviceID, anomaly twinguard.Anomaly, next DeviceState) {
	prev := l.state
	l.state = next
	component.Logger(ctx).Info("Isolation state transition",
		"device", id, "from", prev.String(), "to", next.String(), "anomaly", anomaly.ID)
	e.audit(ctx, twinguard.AuditIsolationTransition, id, anomaly.ID,
		prev.String()+"->"+next.String(), "")
}

func (e *Engine) audit(ctx context.Context, kind twinguard.AuditKind, id twinguard.DeviceID, anomalyID, classification, note string) {
	if e.auditor == nil {
		return
	}
	record := twinguard.AuditRecord{
		ID:             uuid.NewString(),
		Kind:           kind,
		DeviceID:       id,
		AnomalyID:      anomalyID,
		Classification: classification,
		Note:           note,
		At:             e.now().UTC(),
	}
	if err := e.auditor.Record(ctx, record); err != nil {
		// The audit trail is an external collaborator; a failed append never
		// blocks a protective action.
		component.Logger(ctx).Error("Couldn't append audit record",
			"error", err, "kind", string(kind), "device", id)
	}
}

func (e *Engine) alert(ctx context.Context, kind twinguard.AlertKind, id twinguard.DeviceID, message string) {
	if e.alerter == nil {
		return
	}
	e.alerter.RaiseAlert(ctx, twinguard.Alert{Kind: kind, DeviceID: id, Message: message})
}
