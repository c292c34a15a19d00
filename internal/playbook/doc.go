// Package playbook defines the remediation playbook catalog: playbooks,
// their ordered steps, verification checks, preconditions, and parameter
// schemas.
//
// The catalog is loaded once from YAML at startup and is immutable
// afterward; a playbook is superseded only by loading a new catalog.
// Validation is strict at load time (unique names, contiguous step order,
// rollback args only with a rollback action, check scoping) so the run
// orchestrator never has to re-check structural invariants.
//
// Preconditions are ordered field/op/value conditions evaluated with AND
// semantics against the diagnosis context. Supported operators: eq, neq,
// contains, gte, lte.
package playbook
