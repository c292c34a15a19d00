// Package run implements the playbook run state machine: run creation and
// validation, the mutual-exclusion start guard, sequential step execution
// against the action executor, post-step and post-plan verification, the
// ordered backward rollback walk, and cooperative abort with a run-level
// deadline.
//
// # State machine
//
//	pending -> running -> {succeeded, failed, rolled_back, aborted}
//
// All states but pending and running are terminal; a run never transitions
// backward. Callers observe outcomes solely through the run's status and its
// step-run / incident-event trail: executor failures, verification failures,
// and timeouts all resolve into a state transition, never an error from
// Execute. Only orchestrator-internal faults (a store that cannot persist)
// surface as errors, and even then the run is best-effort persisted as
// failed first.
//
// # Concurrency
//
// One logical task per run; steps within a run are strictly sequential.
// Independent (target, playbook) pairs may run concurrently. "One active run
// per (target, playbook)" is enforced with an in-memory compare-and-set
// guard at Start; a single orchestrator instance owns execution, so no
// distributed lock is needed.
//
// # Rollback
//
// The rollback walk is an explicit reverse traversal of already-executed
// steps, invoking each defined rollback action exactly once. A rollback
// action's own failure is a distinct fatal condition: the walk stops and the
// run ends failed, not rolled_back. If no executed step defines a rollback
// action the run ends failed (manual intervention) rather than pretending a
// rollback happened.
package run
