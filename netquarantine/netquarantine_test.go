package netquarantine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/twinguard/twinguard/runtimetest"
)

// fakeRunner records every command it is asked to execute and can be scripted
// to fail.
type fakeRunner struct {
	mu   sync.Mutex
	runs []string
	fail error
}

func (r *fakeRunner) Run(_ context.Context, name string, args ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.runs = append(r.runs, strings.Join(append([]string{name}, args...), " "))
	return nil
}

func (r *fakeRunner) commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.runs...)
}

var testCommands = Commands{
	Isolate: []string{"nft", "add", "element", "inet", "hospital", "quarantine", "{device}"},
	Restore: []string{"nft", "delete", "element", "inet", "hospital", "quarantine", "{device}"},
	Shape:   []string{"tc", "limit", "{device}"},
}

func TestQuarantine_conformance(t *testing.T) {
	q, err := New(new(fakeRunner), testCommands)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	runtimetest.Run(t, q, q.Contained)
}

func TestNew(t *testing.T) {
	for _, tt := range []struct {
		name    string
		cmds    Commands
		wantErr bool
	}{
		{name: "full command set", cmds: testCommands},
		{name: "shape is optional", cmds: Commands{Isolate: testCommands.Isolate, Restore: testCommands.Restore}},
		{name: "missing isolate", cmds: Commands{Restore: testCommands.Restore}, wantErr: true},
		{name: "missing restore", cmds: Commands{Isolate: testCommands.Isolate}, wantErr: true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(new(fakeRunner), tt.cmds)
			if gotErr := err != nil; gotErr != tt.wantErr {
				t.Errorf("New() error = %v, want error %v", err, tt.wantErr)
			}
		})
	}
}

func TestQuarantine_expandsDevicePlaceholder(t *testing.T) {
	ctx := context.Background()
	runner := new(fakeRunner)
	q, err := New(runner, testCommands)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}

	if err := q.Isolate(ctx, "mri-01"); err != nil {
		t.Fatalf("Isolate() = %v", err)
	}
	if err := q.Restore(ctx, "mri-01"); err != nil {
		t.Fatalf("Restore() = %v", err)
	}
	if err := q.ShapeTraffic(ctx, "vent-07"); err != nil {
		t.Fatalf("ShapeTraffic() = %v", err)
	}

	want := []string{
		"nft add element inet hospital quarantine mri-01",
		"nft delete element inet hospital quarantine mri-01",
		"tc limit vent-07",
	}
	if diff := cmp.Diff(want, runner.commands()); diff != "" {
		t.Errorf("executed commands mismatch (-want +got):\n%s", diff)
	}
}

func TestQuarantine_idempotentCommands(t *testing.T) {
	ctx := context.Background()
	runner := new(fakeRunner)
	q, err := New(runner, testCommands)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}

	// Restoring a never-contained device must not reach the enforcement layer.
	if err := q.Restore(ctx, "mri-01"); err != nil {
		t.Fatalf("Restore() of uncontained device = %v", err)
	}
	if got := runner.commands(); len(got) != 0 {
		t.Errorf("Restore() of uncontained device executed %v, want nothing", got)
	}

	// Repeating a containment command must execute enforcement exactly once.
	for range 3 {
		if err := q.Isolate(ctx, "mri-01"); err != nil {
			t.Fatalf("Isolate() = %v", err)
		}
	}
	if got := runner.commands(); len(got) != 1 {
		t.Errorf("3 Isolate() calls executed %d commands, want 1", len(got))
	}
}

func TestQuarantine_shapingUnconfigured(t *testing.T) {
	q, err := New(new(fakeRunner), Commands{Isolate: testCommands.Isolate, Restore: testCommands.Restore})
	if err != nil {
		t.Fatalf("New() = %v", err)
	}

	if q.Shapes() {
		t.Error("Shapes() = true without a shape command")
	}
	if err := q.ShapeTraffic(context.Background(), "vent-07"); err == nil {
		t.Error("ShapeTraffic() without a shape command succeeded, want error")
	}
}

func TestQuarantine_failedCommandLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{fail: errors.New("nft: no such table")}
	q, err := New(runner, testCommands)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}

	if err := q.Isolate(ctx, "mri-01"); err == nil {
		t.Fatal("Isolate() with a failing runner succeeded, want error")
	}
	if contained, _ := q.Contained(ctx, "mri-01"); contained {
		t.Error("device recorded as contained although enforcement failed")
	}

	// Once the enforcement layer recovers, the retry must go through.
	runner.fail = nil
	if err := q.Isolate(ctx, "mri-01"); err != nil {
		t.Fatalf("Isolate() after recovery = %v", err)
	}
	if contained, _ := q.Contained(ctx, "mri-01"); !contained {
		t.Error("device not contained after successful retry")
	}
}
