// Package netquarantine contains and restores devices by driving the site's
// network enforcement tooling (nftables, SDN CLI, or whatever the deployment
// configures) through templated commands.
//
// It implements isolation.Runtime and isolation.Shaper. Both commands are
// idempotent, as the engine's contract requires: the package tracks which
// devices it has contained and skips commands that would have no effect.
package netquarantine

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/twinguard/twinguard"
)

// A Runner abstracts command execution so the package can be unit-tested
// without touching real network enforcement.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// OSRunner executes commands on the host via os/exec.
type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

// Commands holds the command templates, one argv each. Every element may
// contain the {device} placeholder, replaced with the target's device id.
// Shape may be empty when the deployment has no traffic-shaping tier.
type Commands struct {
	Isolate []string
	Restore []string
	Shape   []string
}

// containment is what the quarantine currently applies to a device.
type containment int

const (
	none containment = iota
	quarantined
	shaped
)

// Quarantine drives the enforcement commands. Safe for concurrent use; the
// isolation engine serialises per device but distinct devices act in parallel.
type Quarantine struct {
	runner Runner
	cmds   Commands

	mu    sync.Mutex
	state map[twinguard.DeviceID]containment
}

// New returns a quarantine executing the given command templates. A nil
// runner defaults to the host's os/exec.
func New(runner Runner, cmds Commands) (*Quarantine, error) {
	if len(cmds.Isolate) == 0 || len(cmds.Restore) == 0 {
		return nil, fmt.Errorf("netquarantine: isolate and restore commands are required")
	}
	if runner == nil {
		runner = OSRunner{}
	}
	return &Quarantine{
		runner: runner,
		cmds:   cmds,
		state:  make(map[twinguard.DeviceID]containment),
	}, nil
}

// Shapes reports whether a traffic-shaping command is configured. The arbiter
// consults this when deciding whether shaping is a viable containment.
func (q *Quarantine) Shapes() bool { return len(q.cmds.Shape) > 0 }

// Isolate cuts the device's network access. Already-isolated devices are a
// no-op success.
func (q *Quarantine) Isolate(ctx context.Context, id twinguard.DeviceID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state[id] == quarantined {
		return nil
	}
	if err := q.run(ctx, q.cmds.Isolate, id); err != nil {
		return fmt.Errorf("isolate %q: %w", id, err)
	}
	q.state[id] = quarantined
	return nil
}

// ShapeTraffic throttles the device instead of cutting it off.
func (q *Quarantine) ShapeTraffic(ctx context.Context, id twinguard.DeviceID) error {
	if !q.Shapes() {
		return fmt.Errorf("shape %q: no shaping command configured", id)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state[id] == shaped {
		return nil
	}
	if err := q.run(ctx, q.cmds.Shape, id); err != nil {
		return fmt.Errorf("shape %q: %w", id, err)
	}
	q.state[id] = shaped
	return nil
}

// Restore lifts whatever containment is in force. Devices that were never
// contained are a no-op success.
func (q *Quarantine) Restore(ctx context.Context, id twinguard.DeviceID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state[id] == none {
		return nil
	}
	if err := q.run(ctx, q.cmds.Restore, id); err != nil {
		return fmt.Errorf("restore %q: %w", id, err)
	}
	delete(q.state, id)
	return nil
}

// Contained reports whether any containment is in force for the device. It is
// the probe the runtimetest conformance suite consults.
func (q *Quarantine) Contained(ctx context.Context, id twinguard.DeviceID) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state[id] != none, nil
}

// run executes one expanded command template. Called with the mutex held so a
// device's state never races its own enforcement command.
func (q *Quarantine) run(ctx context.Context, template []string, id twinguard.DeviceID) error {
	argv := make([]string, len(template))
	for i, arg := range template {
		argv[i] = strings.ReplaceAll(arg, "{device}", string(id))
	}
	return q.runner.Run(ctx, argv[0], argv[1:]...)
}
