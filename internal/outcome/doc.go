// Package outcome maintains the learning ledger: one immutable OutcomeRecord
// per completed playbook run, plus rolling per-playbook statistics.
//
// The ledger write and the statistics upsert happen atomically as one unit
// via the store's transaction hook. A terminal run never produces one without
// the other; otherwise ranking and statistics drift from the ledger.
//
// success_rate is always recomputed as successful/total, never incremented
// independently, so it cannot drift over any sequence of writes.
package outcome
