// Package executor defines the action executor boundary: the interface the
// engine invokes to perform remediation actions, the tagged-union raw result
// shapes executors may return, and the normalizer that canonicalizes every
// shape into one ExecutionResult.
//
// Executors in the wild return four shapes: a fully typed result, a legacy
// ok/success map, a bare boolean, or an error. RawResult makes the shape an
// explicit tag rather than something sniffed at runtime, and Normalize is a
// pure function over it: normalizing the same RawResult twice yields an
// identical ExecutionResult.
//
// Concrete action implementations (restart a service, run a script, ...)
// live outside this module; hosts provide them via the Executor interface
// or the Func adapter.
package executor
