package playbook

import (
	"fmt"
	"strconv"
	"strings"
)

// Supported condition operators.
const (
	OpEq       = "eq"
	OpNeq      = "neq"
	OpContains = "contains"
	OpGte      = "gte"
	OpLte      = "lte"
)

// PreconditionsMet evaluates the playbook's preconditions against the
// diagnosis context with AND semantics. A missing field or unknown operator
// fails the condition.
func (p *Playbook) PreconditionsMet(ctx map[string]any) bool {
	for _, cond := range p.Preconditions {
		if !evaluate(cond, ctx) {
			return false
		}
	}
	return true
}

// UnmetPrecondition returns the first failing precondition, for error
// messages at run creation.
func (p *Playbook) UnmetPrecondition(ctx map[string]any) (Condition, bool) {
	for _, cond := range p.Preconditions {
		if !evaluate(cond, ctx) {
			return cond, true
		}
	}
	return Condition{}, false
}

func evaluate(cond Condition, ctx map[string]any) bool {
	actual, ok := ctx[cond.Field]
	if !ok {
		return false
	}

	switch cond.Op {
	case OpEq:
		return stringify(actual) == stringify(cond.Value)
	case OpNeq:
		return stringify(actual) != stringify(cond.Value)
	case OpContains:
		return strings.Contains(stringify(actual), stringify(cond.Value))
	case OpGte, OpLte:
		a, aok := numeric(actual)
		b, bok := numeric(cond.Value)
		if !aok || !bok {
			return false
		}
		if cond.Op == OpGte {
			return a >= b
		}
		return a <= b
	default:
		return false
	}
}

func stringify(v any) string {
	return fmt.Sprintf("%v", v)
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
