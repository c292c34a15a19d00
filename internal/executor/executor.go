package executor

import (
	"context"
	"time"
)

// Executor performs one remediation action. Implementations are external to
// the engine; a returned error is folded into the error shape of RawResult
// before normalization, so failures never bypass the canonical result path.
type Executor interface {
	Execute(ctx context.Context, action string, args map[string]any, timeout time.Duration) (RawResult, error)
}

// Func adapts a plain function to the Executor interface.
type Func func(ctx context.Context, action string, args map[string]any, timeout time.Duration) (RawResult, error)

// Execute implements Executor.
func (f Func) Execute(ctx context.Context, action string, args map[string]any, timeout time.Duration) (RawResult, error) {
	return f(ctx, action, args, timeout)
}

// ResultKind tags the shape of a raw executor return.
type ResultKind string

const (
	// KindTyped is a fully structured result.
	KindTyped ResultKind = "typed"
	// KindLegacyMap is a loose ok/success map from older executors.
	KindLegacyMap ResultKind = "legacy_map"
	// KindBool is a bare success/failure boolean.
	KindBool ResultKind = "bool"
	// KindError is an executor error (the "exception" shape).
	KindError ResultKind = "error"
)

// TypedResult is the structured shape modern executors return.
type TypedResult struct {
	Status        Status             `json:"status"`
	Output        map[string]any     `json:"output,omitempty"`
	Error         string             `json:"error,omitempty"`
	ErrorResolved bool               `json:"error_resolved"`
	Metrics       map[string]float64 `json:"metrics,omitempty"`
	Verified      bool               `json:"verified"`
}

// RawResult is the tagged union of the four executor return shapes. Construct
// values with TypedRaw, LegacyRaw, BoolRaw, or ErrorRaw; the zero value is an
// error-shaped result with no cause.
type RawResult struct {
	kind    ResultKind
	typed   *TypedResult
	legacy  map[string]any
	boolean bool
	err     error
}

// TypedRaw wraps a structured result.
func TypedRaw(r *TypedResult) RawResult {
	return RawResult{kind: KindTyped, typed: r}
}

// LegacyRaw wraps a loose ok/success map.
func LegacyRaw(m map[string]any) RawResult {
	return RawResult{kind: KindLegacyMap, legacy: m}
}

// BoolRaw wraps a bare boolean outcome.
func BoolRaw(ok bool) RawResult {
	return RawResult{kind: KindBool, boolean: ok}
}

// ErrorRaw wraps an executor error.
func ErrorRaw(err error) RawResult {
	return RawResult{kind: KindError, err: err}
}

// Kind returns the shape tag. The zero RawResult reports KindError.
func (r RawResult) Kind() ResultKind {
	if r.kind == "" {
		return KindError
	}
	return r.kind
}

// Err returns the wrapped error for error-shaped results, nil otherwise.
func (r RawResult) Err() error {
	return r.err
}
