package twinguard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// SyncStatus describes how fresh a twin's projection of its physical device is.
type SyncStatus int

const (
	// Synced: the twin reflects the most recent observation of its device.
	Synced SyncStatus = iota
	// Stale: no new telemetry arrived in the last cycle, or ingestion failed
	// and the twin was left at its last good state. Stale is not an error.
	Stale
	// Failed: the device missed more consecutive cycles than allowed. The
	// twin remains tracked for automatic recovery.
	Failed
)

func (s SyncStatus) String() string {
	switch s {
	case Synced:
		return "SYNCED"
	case Stale:
		return "STALE"
	case Failed:
		return "FAILED"
	}
	return fmt.Sprintf("SyncStatus(%d)", int(s))
}

// A DigitalTwin is the live in-memory projection of one physical device: its
// last observed telemetry, sync freshness, and current anomaly score.
//
// Exactly one twin exists per live device. Twins are owned exclusively by a
// TwinStore; the values returned from its methods are copies and may be
// retained freely.
type DigitalTwin struct {
	Device    Device
	Telemetry TelemetrySample
	LastSync  time.Time
	Status    SyncStatus
	// Score is the current anomaly score in [0, 1]; only the anomaly model
	// writes it (through TwinStore.SetScore).
	Score float64
	// DesyncStreak counts consecutive observations whose declared fingerprint
	// disagreed with the fingerprint recomputed from their content. A streak
	// beyond the class's tolerance dominates the anomaly score.
	DesyncStreak int
}

// ErrNotFound is returned when no twin exists for the requested device.
var ErrNotFound = errors.New("twinguard: device not tracked")

// ErrStaleSample is returned by Upsert when the offered sample is older than
// the twin's current telemetry. Last-writer-wins is decided by the sample
// timestamp, so reordered deliveries never roll a twin backwards.
var ErrStaleSample = errors.New("twinguard: sample older than twin state")

// A TwinPublisher receives a twin-updated notification after every successful
// upsert. Implementations must be safe for concurrent use; see EventWriter for
// the pubsub-backed implementation used in production.
type TwinPublisher interface {
	PublishTwinUpdated(ctx context.Context, twin DigitalTwin)
}

// TwinStore owns the authoritative in-memory state of every tracked device's
// digital twin.
//
// The store serialises operations per device while keeping devices independent
// of one another: concurrent upserts for different devices never contend on a
// shared lock beyond the brief map lookup.
type TwinStore struct {
	mu    sync.RWMutex // guards the map, never held across an entry operation
	twins map[DeviceID]*twinEntry

	// publisher, when non-nil, is notified after each successful upsert.
	publisher TwinPublisher

	now func() time.Time // injectable for tests
}

type twinEntry struct {
	mu   sync.Mutex
	twin DigitalTwin
	// pub serialises publication in commit order. It is acquired before mu is
	// released, so events mirror the order of committed upserts without
	// holding mu across the publisher call.
	pub sync.Mutex
}

// NewTwinStore returns an empty store. The publisher may be nil when no
// external consumer cares about twin-updated events.
func NewTwinStore(publisher TwinPublisher) *TwinStore {
	return &TwinStore{
		twins:     make(map[DeviceID]*twinEntry),
		publisher: publisher,
		now:       time.Now,
	}
}

// Upsert applies the given sample to the device's twin, creating the device on
// first observation.
//
// Upsert is idempotent per fingerprint: re-applying a sample whose fingerprint
// equals the twin's current one leaves the twin (including LastSync) untouched.
// Samples older than the current snapshot are rejected with ErrStaleSample.
//
// A declared fingerprint that disagrees with the fingerprint recomputed from
// the sample's content marks a desync observation: the sample is still
// applied, but the twin's DesyncStreak grows and the anomaly model treats a
// persistent streak as a dominant score feature.
func (s *TwinStore) Upsert(ctx context.Context, sample TelemetrySample) (DigitalTwin, error) {
	if sample.DeviceID == "" {
		return DigitalTwin{}, fmt.Errorf("twinguard: upsert: sample without a device id")
	}

	entry := s.entryFor(sample)

	entry.mu.Lock()
	if sample.Fingerprint == entry.twin.Telemetry.Fingerprint && !sample.Fingerprint.IsZero() {
		// Identical state re-observed; nothing changed, including LastSync.
		twin := entry.twin
		entry.mu.Unlock()
		return twin, nil
	}
	if last := entry.twin.Telemetry.Timestamp; !last.IsZero() && sample.Timestamp.Before(last) {
		twin := entry.twin
		entry.mu.Unlock()
		return twin, fmt.Errorf("sample at %v, twin at %v: %w", sample.Timestamp, twin.Telemetry.Timestamp, ErrStaleSample)
	}

	if sample.Fingerprint == FingerprintState(sample.DeviceID, sample.Metrics) {
		entry.twin.DesyncStreak = 0
	} else {
		entry.twin.DesyncStreak++
	}
	entry.twin.Telemetry = sample
	entry.twin.LastSync = s.now().UTC()
	entry.twin.Status = Synced
	twin := entry.twin
	entry.pub.Lock()
	entry.mu.Unlock()

	if s.publisher != nil {
		s.publisher.PublishTwinUpdated(ctx, twin)
	}
	entry.pub.Unlock()
	return twin, nil
}

// entryFor returns the device's entry, admitting the device on first
// observation with its class's default criticality.
func (s *TwinStore) entryFor(sample TelemetrySample) *twinEntry {
	s.mu.RLock()
	entry, ok := s.twins[sample.DeviceID]
	s.mu.RUnlock()
	if ok {
		return entry
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok = s.twins[sample.DeviceID]; ok {
		return entry
	}
	entry = &twinEntry{twin: DigitalTwin{
		Device: Device{
			ID:          sample.DeviceID,
			Class:       sample.Class,
			Criticality: ProfileOf(sample.Class).DefaultCriticality,
			FirstSeen:   s.now().UTC(),
		},
		Status: Stale, // until the first upsert completes below
	}}
	s.twins[sample.DeviceID] = entry
	return entry
}

// Get returns a copy of the device's twin, or ErrNotFound.
func (s *TwinStore) Get(id DeviceID) (DigitalTwin, error) {
	entry, err := s.lookup(id)
	if err != nil {
		return DigitalTwin{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.twin, nil
}

// MarkStatus sets the twin's sync status without touching its telemetry.
func (s *TwinStore) MarkStatus(id DeviceID, status SyncStatus) error {
	entry, err := s.lookup(id)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.twin.Status = status
	return nil
}

// SetScore records the device's current anomaly score. This is the single
// mutation the anomaly model performs on twins.
func (s *TwinStore) SetScore(id DeviceID, score float64) error {
	entry, err := s.lookup(id)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.twin.Score = score
	return nil
}

// Reclassify updates the device's class and criticality in place, e.g. after
// an administrative override. The twin and its history are preserved.
func (s *TwinStore) Reclassify(id DeviceID, class DeviceClass, criticality Criticality) error {
	entry, err := s.lookup(id)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.twin.Device.Class = class
	entry.twin.Device.Criticality = criticality
	return nil
}

// Retire marks the device as decommissioned. The twin is never deleted, to
// preserve audit continuity; retired devices simply stop being scheduled.
func (s *TwinStore) Retire(id DeviceID) error {
	entry, err := s.lookup(id)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.twin.Device.Retired = true
	return nil
}

func (s *TwinStore) lookup(id DeviceID) (*twinEntry, error) {
	s.mu.RLock()
	entry, ok := s.twins[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("device %q: %w", id, ErrNotFound)
	}
	return entry, nil
}

// Len reports the number of tracked devices, retired ones included.
func (s *TwinStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.twins)
}

// Iter applies fn to a copy of each live (non-retired) twin. Iteration stops
// early when fn returns false. The iteration order is unspecified.
func (s *TwinStore) Iter(fn func(twin DigitalTwin) bool) {
	s.mu.RLock()
	entries := make([]*twinEntry, 0, len(s.twins))
	for _, entry := range s.twins {
		entries = append(entries, entry)
	}
	s.mu.RUnlock()

	for _, entry := range entries {
		entry.mu.Lock()
		twin := entry.twin
		entry.mu.Unlock()
		if twin.Device.Retired {
			continue
		}
		if !fn(twin) {
			return
		}
	}
}
