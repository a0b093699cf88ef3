/*
Package runtimetest provides a suite of tests designed to assess isolation
runtimes (e.g. in-memory fakes, SDN controllers, container-network backends).

The tests operate on the specific runtime via the [isolation.Runtime] interface
to check compliance with the behaviours the isolation engine depends on:
idempotent commands and strict single-device scoping.

Call runtimetest.Run in its own test to invoke the test-suite:

	func TestRuntime(t *testing.T) {
		rt := NewRuntime() // Create the runtime under test.
		// Pass the runtime together with a probe reporting whether a
		// device is currently contained.
		runtimetest.Run(t, rt, rt.Contained)
	}

The test cases in this suite focus on the containment contract:

  - Isolating and restoring a device, repeatedly and out of order.
  - Keeping every action scoped to exactly one device.

Specific runtimes are encouraged to perform additional tests which exercise
their own backend (rule tables, controller sessions, and so on).
*/
package runtimetest

import (
	"context"
	"fmt"
	"runtime"
	"testing"

	"github.com/twinguard/twinguard"
	"github.com/twinguard/twinguard/isolation"
)

// Devices the suite acts on. Scoping checks rely on there being more than one.
const (
	deviceOne = twinguard.DeviceID("runtimetest-1")
	deviceTwo = twinguard.DeviceID("runtimetest-2")
)

// A Probe reports whether the runtime currently contains the device. The suite
// consults it after every command to verify the runtime's effect.
type Probe func(ctx context.Context, id twinguard.DeviceID) (bool, error)

type testCase struct {
	// Subtest name.
	name string
	// A path leading to the test-case's file and line in the source code.
	location string
	// command executes a single runtime command.
	command func(ctx context.Context, rt isolation.Runtime) error
	// contained lists the devices expected to be contained once the command
	// returns. Devices absent from the list must not be contained.
	contained []twinguard.DeviceID
}

var cases = []testCase{
	{
		name:     "restore-never-isolated",
		location: locateSource(),
		command: func(ctx context.Context, rt isolation.Runtime) error {
			return rt.Restore(ctx, deviceOne)
		},
		contained: nil,
	},
	{
		name:     "isolate-device",
		location: locateSource(),
		command: func(ctx context.Context, rt isolation.Runtime) error {
			return rt.Isolate(ctx, deviceOne)
		},
		contained: []twinguard.DeviceID{deviceOne},
	},
	{
		name:     "isolate-is-idempotent",
		location: locateSource(),
		command: func(ctx context.Context, rt isolation.Runtime) error {
			return rt.Isolate(ctx, deviceOne)
		},
		contained: []twinguard.DeviceID{deviceOne},
	},
	{
		name:     "isolation-is-scoped",
		location: locateSource(),
		command: func(ctx context.Context, rt isolation.Runtime) error {
			// Containing the second device must leave the first exactly as it
			// was, and vice versa.
			return rt.Isolate(ctx, deviceTwo)
		},
		contained: []twinguard.DeviceID{deviceOne, deviceTwo},
	},
	{
		name:     "restore-is-scoped",
		location: locateSource(),
		command: func(ctx context.Context, rt isolation.Runtime) error {
			return rt.Restore(ctx, deviceOne)
		},
		contained: []twinguard.DeviceID{deviceTwo},
	},
	{
		name:     "restore-is-idempotent",
		location: locateSource(),
		command: func(ctx context.Context, rt isolation.Runtime) error {
			return rt.Restore(ctx, deviceOne)
		},
		contained: []twinguard.DeviceID{deviceTwo},
	},
	{
		name:     "reisolate-after-restore",
		location: locateSource(),
		command: func(ctx context.Context, rt isolation.Runtime) error {
			return rt.Isolate(ctx, deviceOne)
		},
		contained: []twinguard.DeviceID{deviceOne, deviceTwo},
	},
	{
		name:     "restore-all",
		location: locateSource(),
		command: func(ctx context.Context, rt isolation.Runtime) error {
			if err := rt.Restore(ctx, deviceOne); err != nil {
				return err
			}
			return rt.Restore(ctx, deviceTwo)
		},
		contained: nil,
	},
}

// Run executes a sequence of test cases on an isolation runtime. It verifies
// that commands are idempotent and that every action affects exactly one
// device.
//
// We deliberately avoid receiving a contextual argument for each test to
// ensure that the test suite runs under neutral conditions without external
// timeouts; the engine applies its own per-action deadlines in production, and
// this suite tests correctness rather than latency.
//
// The testing process requires all cases to execute in a strict sequence
// because the containment state at the end of one case is the starting point
// for the next. That is, a test case cannot run if the previous case had
// failed.
func Run(t *testing.T, rt isolation.Runtime, probe Probe) {
	t.Helper()

	ctx := context.Background()

	for _, c := range cases {
		// We encourage developers to read the source code directly, especially
		// when failures are not clear enough.
		t.Logf("Read the source for test-case %v at %v", c.name, c.location)
		if err := c.command(ctx, rt); err != nil {
			t.Fatalf("Command(%v) failed: %v", c.name, err)
		}
		checkContainment(ctx, t, c, probe)
	}
}

func checkContainment(ctx context.Context, t *testing.T, c testCase, probe Probe) {
	t.Helper()

	want := make(map[twinguard.DeviceID]bool, len(c.contained))
	for _, id := range c.contained {
		want[id] = true
	}
	for _, id := range []twinguard.DeviceID{deviceOne, deviceTwo} {
		got, err := probe(ctx, id)
		if err != nil {
			t.Fatalf("Probe(%v, %v) failed: %v", c.name, id, err)
		}
		if got != want[id] {
			t.Errorf("Check containment of %v: device %v contained = %v, want %v", c.name, id, got, want[id])
		}
	}
}

// Call this function to set the location of every test-case in the source
// file. The returned string guides developers of isolation runtimes to the
// appropriate test-case.
func locateSource() (path string) {
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		panic("runtime.Caller failed")
	}
	return fmt.Sprintf("%v:%v", file, line)
}
