package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/twinguard/twinguard"
)

// Intake is the mailbox between the telemetry feed and the cycle driver. It
// keeps at most one sample per device - the freshest - and hands each sample
// to exactly one cycle.
//
// Devices are admitted automatically on first observation, up to the
// concurrency ceiling. Beyond the ceiling, admission is deferred: the device's
// freshest sample is retained, a load-shedding signal is raised, and the
// device joins the tracked set as soon as capacity frees up.
type Intake struct {
	ceiling int
	alerter twinguard.Alerter

	mu sync.Mutex
	// admitted is the tracked device set; its samples feed cycles.
	admitted map[twinguard.DeviceID]struct{}
	// latest holds the freshest unconsumed sample per device, admitted or not.
	latest map[twinguard.DeviceID]twinguard.TelemetrySample
	// waiting preserves arrival order of devices deferred beyond the ceiling.
	waiting []twinguard.DeviceID
}

// NewIntake returns an intake with the given admission ceiling. The alerter
// may be nil.
func NewIntake(ceiling int, alerter twinguard.Alerter) *Intake {
	if ceiling <= 0 {
		ceiling = 50
	}
	return &Intake{
		ceiling:  ceiling,
		alerter:  alerter,
		admitted: make(map[twinguard.DeviceID]struct{}),
		latest:   make(map[twinguard.DeviceID]twinguard.TelemetrySample),
	}
}

// Offer stores the sample as the device's freshest observation, superseding
// any unconsumed predecessor. Unknown devices are admitted immediately when
// the tracked set has room; otherwise they are deferred and a load-shedding
// signal is raised.
//
// Offer never blocks: it is called from the feed's receive loop and from MQTT
// callbacks.
func (in *Intake) Offer(ctx context.Context, sample twinguard.TelemetrySample) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if prev, ok := in.latest[sample.DeviceID]; !ok || !sample.Timestamp.Before(prev.Timestamp) {
		in.latest[sample.DeviceID] = sample
	}

	if _, ok := in.admitted[sample.DeviceID]; ok {
		return
	}
	if len(in.admitted) < in.ceiling {
		in.admitted[sample.DeviceID] = struct{}{}
		return
	}

	// Over the ceiling: defer admission and shed load.
	for _, id := range in.waiting {
		if id == sample.DeviceID {
			return // already queued for admission
		}
	}
	in.waiting = append(in.waiting, sample.DeviceID)
	loadShed.Add(ctx, 1)
	if in.alerter != nil {
		in.alerter.RaiseAlert(ctx, twinguard.Alert{
			Kind:     twinguard.AlertLoadShed,
			DeviceID: sample.DeviceID,
			Message:  fmt.Sprintf("device ceiling %d reached; admission of %s deferred", in.ceiling, sample.DeviceID),
		})
	}
}

// Drain consumes the pending samples of all tracked devices (each sample is
// consumed exactly once) and promotes deferred devices into any freed
// capacity. It returns the consumed samples keyed by device.
func (in *Intake) Drain() map[twinguard.DeviceID]twinguard.TelemetrySample {
	in.mu.Lock()
	defer in.mu.Unlock()

	// Promote deferred devices first so their retained samples are consumed by
	// this very cycle.
	for len(in.waiting) > 0 && len(in.admitted) < in.ceiling {
		id := in.waiting[0]
		in.waiting = in.waiting[1:]
		in.admitted[id] = struct{}{}
	}

	samples := make(map[twinguard.DeviceID]twinguard.TelemetrySample, len(in.admitted))
	for id := range in.admitted {
		if sample, ok := in.latest[id]; ok {
			samples[id] = sample
			delete(in.latest, id)
		}
	}
	return samples
}

// Tracked returns the ids of all admitted devices, in unspecified order.
func (in *Intake) Tracked() []twinguard.DeviceID {
	in.mu.Lock()
	defer in.mu.Unlock()
	ids := make([]twinguard.DeviceID, 0, len(in.admitted))
	for id := range in.admitted {
		ids = append(ids, id)
	}
	return ids
}

// Release drops a device from the tracked set (e.g. after retirement), freeing
// capacity for deferred devices.
func (in *Intake) Release(id twinguard.DeviceID) {
	in.mu.Lock()
	defer in.mu.Unlock()
	delete(in.admitted, id)
	delete(in.latest, id)
}
