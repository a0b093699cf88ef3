// Package arbiter subordinates security action to care continuity.
//
// The availability arbiter is the single point where a proposed isolation can
// be vetoed or downgraded: it keeps a rolling uptime estimate of the
// non-implicated device population and a criticality map, and reviews every
// EVALUATING -> ISOLATING transition before the engine may proceed.
//
// The arbiter is a pure gate: state in, verdict out. It holds no reference
// into the isolation engine and is consulted synchronously, so there is no
// cyclic ownership between the two.
package arbiter

import (
	"fmt"
	"sync"

	"github.com/twinguard/twinguard"
	"github.com/twinguard/twinguard/isolation"
)

// Config tunes the arbiter. The zero value gets defaults from applyDefaults.
type Config struct {
	// UptimeFloor is the aggregate availability the device population must
	// retain; an isolation projected to breach it is downgraded to alert-only.
	UptimeFloor float64
	// Window is the number of most recent connectivity observations retained
	// per device for the rolling uptime estimate.
	Window int
	// ShapingViable reports whether a traffic-shaping containment is wired
	// into the deployment, making it a viable alternative to full quarantine
	// for life-critical devices.
	ShapingViable bool
}

func (c *Config) applyDefaults() {
	if c.UptimeFloor <= 0 || c.UptimeFloor > 1 {
		c.UptimeFloor = 0.999
	}
	if c.Window <= 0 {
		c.Window = 240 // two minutes of 500ms cycles
	}
}

// Arbiter implements isolation.Gate.
type Arbiter struct {
	cfg Config

	mu sync.Mutex
	// connectivity holds a fixed-size ring of up/down observations per device,
	// fed once per scheduler cycle.
	connectivity map[twinguard.DeviceID]*ring
	// overrides are administrative criticality overrides, consulted before the
	// device's own tier.
	overrides map[twinguard.DeviceID]twinguard.Criticality
}

// New returns an arbiter with an empty uptime window. Until observations
// accumulate, the population is assumed fully available, so early reviews are
// not spuriously vetoed.
func New(cfg Config) *Arbiter {
	cfg.applyDefaults()
	return &Arbiter{
		cfg:          cfg,
		connectivity: make(map[twinguard.DeviceID]*ring),
		overrides:    make(map[twinguard.DeviceID]twinguard.Criticality),
	}
}

// Observe feeds one connectivity observation for a device. The scheduler calls
// this once per device per cycle; up means the device's twin synchronised (or
// was merely stale), down means FAILED or quarantined.
func (a *Arbiter) Observe(id twinguard.DeviceID, up bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.connectivity[id]
	if !ok {
		r = newRing(a.cfg.Window)
		a.connectivity[id] = r
	}
	r.push(up)
}

// OverrideCriticality records an administrative criticality override for a
// device, taking precedence over the device's class default.
func (a *Arbiter) OverrideCriticality(id twinguard.DeviceID, tier twinguard.Criticality) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.overrides[id] = tier
}

// Review rules on one proposed isolation:
//
//  1. A LIFE_CRITICAL target is never fully quarantined. If traffic shaping is
//     viable the action is downgraded to shaping; otherwise it is downgraded
//     to alert-only. Either way a human operator is escalated to.
//  2. If executing the isolation would drop the population's aggregate uptime
//     below the configured floor, the action is downgraded to alert-only and
//     escalated - the threat is surfaced, never silently dropped.
//
// Review never mutates arbiter state and holds no reference to the caller.
func (a *Arbiter) Review(req isolation.Request) isolation.Verdict {
	a.mu.Lock()
	defer a.mu.Unlock()

	projected := a.projectedUptime(req.Device.ID)
	if projected < a.cfg.UptimeFloor {
		return isolation.Verdict{
			Decision: isolation.AlertOnly,
			Reason: fmt.Sprintf("isolating %s would drop aggregate uptime to %.4f, below the %.4f floor",
				req.Device.ID, projected, a.cfg.UptimeFloor),
			Escalate: true,
		}
	}

	if a.criticalityOf(req.Device) == twinguard.LifeCritical {
		if a.cfg.ShapingViable {
			return isolation.Verdict{
				Decision: isolation.Shape,
				Reason:   fmt.Sprintf("%s is LIFE_CRITICAL; containing with traffic shaping instead of quarantine", req.Device.ID),
				Escalate: true,
			}
		}
		return isolation.Verdict{
			Decision: isolation.AlertOnly,
			Reason:   fmt.Sprintf("%s is LIFE_CRITICAL and no alternative containment is viable", req.Device.ID),
			Escalate: true,
		}
	}

	return isolation.Verdict{Decision: isolation.Approve}
}

func (a *Arbiter) criticalityOf(device twinguard.Device) twinguard.Criticality {
	if tier, ok := a.overrides[device.ID]; ok {
		return tier
	}
	return device.Criticality
}

// projectedUptime estimates the population's aggregate uptime over the rolling
// window if the given device were isolated now: the target's window counts as
// fully down, every other device contributes its observed availability.
//
// Called with the mutex held.
func (a *Arbiter) projectedUptime(target twinguard.DeviceID) float64 {
	var up, total int
	for id, r := range a.connectivity {
		n := r.len()
		total += n
		if id == target {
			continue // fully down under the projection
		}
		up += r.ups()
	}
	if total == 0 {
		return 1
	}
	return float64(up) / float64(total)
}

// Uptime reports the current rolling uptime estimate across the population,
// exposed for operational metrics.
func (a *Arbiter) Uptime() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var up, total int
	for _, r := range a.connectivity {
		up += r.ups()
		total += r.len()
	}
	if total == 0 {
		return 1
	}
	return float64(up) / float64(total)
}

// ring is a fixed-capacity ring buffer of connectivity observations with a
// running count of up samples.
type ring struct {
	buf  []bool
	next int
	full bool
	up   int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]bool, capacity)}
}

func (r *ring) push(up bool) {
	if r.full && r.buf[r.next] {
		r.up--
	}
	r.buf[r.next] = up
	if up {
		r.up++
	}
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

func (r *ring) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

func (r *ring) ups() int { return r.up }
