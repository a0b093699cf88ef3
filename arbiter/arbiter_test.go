package arbiter

import (
	"fmt"
	"testing"

	"github.com/twinguard/twinguard"
	"github.com/twinguard/twinguard/isolation"
)

func request(id twinguard.DeviceID, tier twinguard.Criticality, severity twinguard.Severity) isolation.Request {
	return isolation.Request{
		Device: twinguard.Device{ID: id, Class: twinguard.ClassMRI, Criticality: tier},
		Anomaly: twinguard.Anomaly{
			ID:       "anom-" + string(id),
			DeviceID: id,
			Severity: severity,
		},
	}
}

// observe feeds n observations for the device, all with the given state.
func observe(a *Arbiter, id twinguard.DeviceID, n int, up bool) {
	for range n {
		a.Observe(id, up)
	}
}

func TestArbiter_Review(t *testing.T) {
	t.Run("approves standard devices", func(t *testing.T) {
		a := New(Config{UptimeFloor: 0.5})
		for i := range 10 {
			observe(a, twinguard.DeviceID(fmt.Sprintf("dev-%d", i)), 20, true)
		}

		verdict := a.Review(request("dev-0", twinguard.Standard, twinguard.SeverityHigh))
		if verdict.Decision != isolation.Approve {
			t.Errorf("Review() = %v (%s), want %v", verdict.Decision, verdict.Reason, isolation.Approve)
		}
	})

	t.Run("empty window assumes full availability", func(t *testing.T) {
		a := New(Config{})
		verdict := a.Review(request("dev-0", twinguard.Standard, twinguard.SeverityHigh))
		if verdict.Decision != isolation.Approve {
			t.Errorf("Review() with no observations = %v (%s), want %v", verdict.Decision, verdict.Reason, isolation.Approve)
		}
	})

	t.Run("life-critical downgrades to shaping", func(t *testing.T) {
		a := New(Config{UptimeFloor: 0.5, ShapingViable: true})
		for i := range 10 {
			observe(a, twinguard.DeviceID(fmt.Sprintf("dev-%d", i)), 20, true)
		}

		verdict := a.Review(request("dev-0", twinguard.LifeCritical, twinguard.SeverityCritical))
		if verdict.Decision != isolation.Shape {
			t.Errorf("Review() = %v (%s), want %v", verdict.Decision, verdict.Reason, isolation.Shape)
		}
		if !verdict.Escalate {
			t.Error("downgrading a critical threat must escalate to an operator")
		}
	})

	t.Run("life-critical without shaping is alert-only", func(t *testing.T) {
		a := New(Config{UptimeFloor: 0.5, ShapingViable: false})
		for i := range 10 {
			observe(a, twinguard.DeviceID(fmt.Sprintf("dev-%d", i)), 20, true)
		}

		verdict := a.Review(request("dev-0", twinguard.LifeCritical, twinguard.SeverityCritical))
		if verdict.Decision != isolation.AlertOnly {
			t.Errorf("Review() = %v (%s), want %v", verdict.Decision, verdict.Reason, isolation.AlertOnly)
		}
		if !verdict.Escalate {
			t.Error("vetoing a critical threat must escalate to an operator")
		}
	})

	t.Run("uptime floor breach vetoes even shaping-viable isolations", func(t *testing.T) {
		// Two devices: isolating either projects 50% aggregate uptime, far
		// below the default floor. The threat is surfaced, never actioned.
		a := New(Config{ShapingViable: true})
		observe(a, "dev-0", 20, true)
		observe(a, "dev-1", 20, true)

		verdict := a.Review(request("dev-0", twinguard.LifeCritical, twinguard.SeverityCritical))
		if verdict.Decision != isolation.AlertOnly {
			t.Errorf("Review() = %v (%s), want %v", verdict.Decision, verdict.Reason, isolation.AlertOnly)
		}
		if !verdict.Escalate {
			t.Error("floor-breach veto must escalate to an operator")
		}
	})

	t.Run("criticality override takes precedence", func(t *testing.T) {
		a := New(Config{UptimeFloor: 0.5, ShapingViable: true})
		for i := range 10 {
			observe(a, twinguard.DeviceID(fmt.Sprintf("dev-%d", i)), 20, true)
		}
		a.OverrideCriticality("dev-0", twinguard.LifeCritical)

		// The device's own record says STANDARD; the override wins.
		verdict := a.Review(request("dev-0", twinguard.Standard, twinguard.SeverityCritical))
		if verdict.Decision != isolation.Shape {
			t.Errorf("Review() = %v (%s), want %v", verdict.Decision, verdict.Reason, isolation.Shape)
		}
	})
}

func TestArbiter_Uptime(t *testing.T) {
	a := New(Config{Window: 10})

	if got := a.Uptime(); got != 1 {
		t.Errorf("Uptime() of an empty window = %v, want 1", got)
	}

	observe(a, "dev-0", 10, true)
	observe(a, "dev-1", 5, true)
	observe(a, "dev-1", 5, false)

	if got, want := a.Uptime(), 0.75; got != want {
		t.Errorf("Uptime() = %v, want %v", got, want)
	}
}

func TestRing(t *testing.T) {
	r := newRing(4)

	if r.len() != 0 || r.ups() != 0 {
		t.Fatalf("fresh ring: len=%d ups=%d, want 0/0", r.len(), r.ups())
	}

	r.push(true)
	r.push(false)
	r.push(true)
	if r.len() != 3 || r.ups() != 2 {
		t.Errorf("after 3 pushes: len=%d ups=%d, want 3/2", r.len(), r.ups())
	}

	// Fill past capacity; the oldest observations fall out of the window.
	r.push(true)  // window: T F T T
	r.push(false) // evicts the first T; window: F T T F
	r.push(false) // evicts the F; window: T T F F
	if r.len() != 4 {
		t.Errorf("len() = %d, want the capacity 4", r.len())
	}
	if r.ups() != 2 {
		t.Errorf("ups() = %d, want 2", r.ups())
	}
}
