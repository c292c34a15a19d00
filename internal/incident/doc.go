// Package incident defines the incident model shared across the remediation
// engine: incidents, their append-only event timelines, and the diagnosis
// snapshot supplied by the upstream health source.
//
// Incidents move forward only: open -> ack -> resolved -> closed. The Log
// helper enforces forward-only transitions and appends a timeline event for
// every status change, so callers never mutate incident status directly.
//
// The Diagnosis type is the key the engine ranks and escalates on. It is an
// input shape; this package performs no classification of its own.
package incident
