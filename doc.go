// Package twinguard maintains a live behavioural model (a digital twin) of
// every tracked medical device and converts high-confidence behavioural
// anomalies into bounded-latency, selective, reversible network isolation -
// without degrading care-critical connectivity.
//
// The orchestrator is a fixed-cadence loop: telemetry samples stream in from
// an external capture subsystem, the scheduler synchronises each device's twin
// against its freshest sample, the per-class phenotype scores the twin for
// deviation from learned normal behaviour, and the isolation engine - gated by
// the availability arbiter - decides whether to quarantine, alert, or stand
// down.
//
// This package owns the shared data model (devices, telemetry samples, twins,
// anomalies, isolation records), the in-memory twin state store, and the typed
// event streams that connect the orchestrator to its external collaborators.
// The loop itself lives in the scheduler, phenotype, isolation, and arbiter
// subpackages.
package twinguard
