package twinguard

import (
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"sort"
	"time"
)

// A TelemetrySample is one device's observation at a point in time: a
// fixed-shape vector of named behavioural/network metrics produced by the
// external telemetry normaliser.
//
// Samples are immutable once produced and are consumed exactly once, by the
// scheduler cycle that ingests them.
type TelemetrySample struct {
	DeviceID  DeviceID
	Class     DeviceClass
	Timestamp time.Time
	Metrics   map[string]float64
	// Fingerprint is the content address of the observed state. Two
	// observations of an identical device state carry an identical
	// fingerprint, regardless of when they were captured.
	Fingerprint Fingerprint
}

// Fingerprinted returns a copy of the sample with its Fingerprint computed
// from the device identity and metric vector. The normaliser is expected to
// call this once at production time; the orchestrator never re-fingerprints.
func (s TelemetrySample) Fingerprinted() TelemetrySample {
	s.Fingerprint = FingerprintState(s.DeviceID, s.Metrics)
	return s
}

// FingerprintState computes the content address of an observed device state.
//
// The hash covers the device identity and the metric vector, with metric names
// sorted so the fingerprint is independent of map iteration order. Timestamps
// are deliberately excluded: the fingerprint identifies the state's content,
// and re-observing an unchanged state must yield the same fingerprint (the
// twin store relies on this for idempotent upserts).
//
// Since fingerprints are compared across processes and persisted by the audit
// sink, this encoding must remain stable as the software evolves.
func FingerprintState(id DeviceID, metrics map[string]float64) Fingerprint {
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha1.New()
	h.Write([]byte(id))
	var buf [8]byte
	for _, name := range names {
		h.Write([]byte(name))
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(metrics[name]))
		h.Write(buf[:])
	}
	return Fingerprint(h.Sum(nil))
}

// Fingerprint is a consistent hash (i.e., content address) over one device's
// observed state. It is computed over the observation's content, never
// assigned by a local store, so the same physical state hashes identically on
// the capture host and inside the orchestrator.
type Fingerprint [sha1.Size]byte

func (f Fingerprint) MarshalText() ([]byte, error) {
	text := make([]byte, hex.EncodedLen(len(f)))
	hex.Encode(text, f[:]) // always returns hex.EncodedLen(len(f)) (see hex.Encode)
	return text, nil
}

func (f *Fingerprint) UnmarshalText(text []byte) error {
	n, err := hex.Decode(f[:], text)
	if err != nil {
		return fmt.Errorf("decode hex: %w", err)
	}
	if n != len(f) { // always n <= len(f[:]) (see hex.Decode)
		return fmt.Errorf("not enough bytes: %w", io.ErrUnexpectedEOF)
	}
	return nil
}

func (f Fingerprint) String() string { return "state(" + hex.EncodeToString(f[:]) + ")" }

// IsZero reports whether f is the zero value of the type.
func (f Fingerprint) IsZero() bool { return f == Fingerprint{} }
