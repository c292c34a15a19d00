package executor

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the canonical execution status.
type Status string

const (
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusPartial    Status = "partial"
	StatusRolledBack Status = "rolled_back"
	StatusPending    Status = "pending"
	StatusTimeout    Status = "timeout"
)

// Valid reports whether s is a known execution status.
func (s Status) Valid() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusPartial, StatusRolledBack, StatusPending, StatusTimeout:
		return true
	}
	return false
}

// ExecutionResult is the canonical outcome of one action execution. Every
// executor return shape normalizes into this type.
type ExecutionResult struct {
	Status        Status             `json:"status"`
	OK            bool               `json:"ok"`
	Result        map[string]any     `json:"result,omitempty"`
	Error         string             `json:"error,omitempty"`
	ErrorResolved bool               `json:"error_resolved"`
	Metrics       map[string]float64 `json:"metrics,omitempty"`
	DurationMS    int64              `json:"duration_ms"`
	Verified      bool               `json:"verified"`
	ActionType    string             `json:"action_type"`
	ExecutedAt    time.Time          `json:"executed_at"`
}

// Normalize canonicalizes a raw executor return. It is a pure function:
// the same inputs always produce an identical ExecutionResult. The executedAt
// timestamp and measured duration are inputs, not sampled here, to keep it so.
func Normalize(raw RawResult, actionType string, duration time.Duration, executedAt time.Time) ExecutionResult {
	res := ExecutionResult{
		Status:     StatusFailed,
		ActionType: actionType,
		DurationMS: duration.Milliseconds(),
		ExecutedAt: executedAt.UTC(),
	}

	switch raw.Kind() {
	case KindTyped:
		t := raw.typed
		if t == nil {
			res.Error = "typed result missing payload"
			return res
		}
		if t.Status.Valid() {
			res.Status = t.Status
		}
		res.Result = t.Output
		res.Error = t.Error
		res.ErrorResolved = t.ErrorResolved
		res.Metrics = t.Metrics
		res.Verified = t.Verified

	case KindLegacyMap:
		normalizeLegacy(raw.legacy, &res)

	case KindBool:
		if raw.boolean {
			res.Status = StatusSuccess
		}

	case KindError:
		err := raw.err
		if err == nil {
			err = errors.New("executor returned no result")
		}
		if errors.Is(err, context.DeadlineExceeded) {
			res.Status = StatusTimeout
		}
		res.Error = err.Error()
	}

	res.OK = res.Status == StatusSuccess
	if res.OK {
		res.ErrorResolved = res.ErrorResolved || res.Error == ""
	}
	return res
}

// normalizeLegacy maps the loose ok/success map shape. Recognized keys:
// "status" (string), "ok"/"success" (bool), "error"/"message" (string),
// "result"/"output" (map), "metrics" (map of numbers), "verified" (bool).
func normalizeLegacy(m map[string]any, res *ExecutionResult) {
	if m == nil {
		res.Error = "legacy result missing payload"
		return
	}

	if s, ok := m["status"].(string); ok && Status(s).Valid() {
		res.Status = Status(s)
	} else if ok := legacyBool(m, "ok"); ok != nil {
		if *ok {
			res.Status = StatusSuccess
		}
	} else if success := legacyBool(m, "success"); success != nil {
		if *success {
			res.Status = StatusSuccess
		}
	}

	if e, ok := m["error"].(string); ok {
		res.Error = e
	} else if msg, ok := m["message"].(string); ok && res.Status != StatusSuccess {
		res.Error = msg
	}

	if out, ok := m["result"].(map[string]any); ok {
		res.Result = out
	} else if out, ok := m["output"].(map[string]any); ok {
		res.Result = out
	}

	if metrics, ok := m["metrics"].(map[string]any); ok {
		converted := make(map[string]float64, len(metrics))
		for k, v := range metrics {
			if f, ok := toFloat(v); ok {
				converted[k] = f
			}
		}
		if len(converted) > 0 {
			res.Metrics = converted
		}
	}

	if v := legacyBool(m, "verified"); v != nil {
		res.Verified = *v
	}
	if v := legacyBool(m, "error_resolved"); v != nil {
		res.ErrorResolved = *v
	}
}

func legacyBool(m map[string]any, key string) *bool {
	v, ok := m[key]
	if !ok {
		return nil
	}
	b, ok := v.(bool)
	if !ok {
		return nil
	}
	return &b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Summary renders a one-line log entry for step-run records.
func (r ExecutionResult) Summary() string {
	if r.Error != "" {
		return fmt.Sprintf("%s: %s (%dms): %s", r.ActionType, r.Status, r.DurationMS, r.Error)
	}
	return fmt.Sprintf("%s: %s (%dms)", r.ActionType, r.Status, r.DurationMS)
}
