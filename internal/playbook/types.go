package playbook

import (
	"time"

	"github.com/fyrsmithlabs/healerd/internal/incident"
)

// Step is one unit of remediation work within a playbook.
type Step struct {
	// ID is the unique step identifier.
	ID string `json:"id"`

	// Order is the 1-based execution position within the playbook.
	Order int `json:"order"`

	// Action is the action executor's action identifier.
	Action string `json:"action"`

	// Args are passed to the executor verbatim.
	Args map[string]any `json:"args,omitempty"`

	// Timeout bounds the executor call for this step.
	Timeout time.Duration `json:"timeout"`

	// RollbackAction, when set, undoes this step during a rollback walk.
	RollbackAction string `json:"rollback_action,omitempty"`

	// RollbackArgs are passed to the rollback action.
	RollbackArgs map[string]any `json:"rollback_args,omitempty"`
}

// HasRollback reports whether this step defines a rollback action.
func (s Step) HasRollback() bool {
	return s.RollbackAction != ""
}

// CheckScope determines when a verification check runs.
type CheckScope string

const (
	// ScopePostStep runs after a step, gating continuation vs rollback.
	ScopePostStep CheckScope = "post_step"
	// ScopePostPlan runs after all steps, gating success vs rollback.
	ScopePostPlan CheckScope = "post_plan"
)

// CheckType classifies how a verification check probes the system.
type CheckType string

const (
	CheckHealthEndpoint CheckType = "health_endpoint"
	CheckMetric         CheckType = "metric"
	CheckScript         CheckType = "script"
	CheckSmoke          CheckType = "smoke"
)

// Valid reports whether t is a known check type.
func (t CheckType) Valid() bool {
	switch t {
	case CheckHealthEndpoint, CheckMetric, CheckScript, CheckSmoke:
		return true
	}
	return false
}

// Check is one verification check attached to a playbook, optionally scoped
// to a single step.
type Check struct {
	// ID is the unique check identifier.
	ID string `json:"id"`

	// Name labels the check in verification reports.
	Name string `json:"name"`

	// Scope is post_step or post_plan.
	Scope CheckScope `json:"scope"`

	// StepOrder scopes a post_step check to one step; 0 applies it to
	// every step.
	StepOrder int `json:"step_order,omitempty"`

	// Type classifies the probe.
	Type CheckType `json:"type"`

	// Config carries probe-specific settings (endpoint URL, metric query,
	// script path, ...).
	Config map[string]any `json:"config,omitempty"`

	// Timeout bounds the check's execution.
	Timeout time.Duration `json:"timeout"`
}

// Condition is one precondition entry evaluated against the diagnosis
// context.
type Condition struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value any    `json:"value"`
}

// ParamSpec declares one parameter a playbook accepts.
type ParamSpec struct {
	// Name is the parameter key.
	Name string `json:"name"`

	// Type is one of "string", "number", "bool". Empty accepts any type.
	Type string `json:"type,omitempty"`

	// Required rejects run creation when the parameter is absent.
	Required bool `json:"required"`
}

// Playbook is a named, ordered sequence of remediation steps for a class of
// incidents. Immutable once loaded.
type Playbook struct {
	// ID is the unique playbook identifier.
	ID string `json:"id"`

	// Name is the unique human-facing name.
	Name string `json:"name"`

	// Description explains what the playbook remediates.
	Description string `json:"description,omitempty"`

	// Services restricts applicability to these target services. Empty
	// means any service.
	Services []string `json:"services,omitempty"`

	// Severities restricts applicability to these severities. Empty means
	// any severity.
	Severities []incident.Severity `json:"severities,omitempty"`

	// Preconditions must all hold against the diagnosis context before a
	// run can be created.
	Preconditions []Condition `json:"preconditions,omitempty"`

	// Parameters is the accepted parameter schema.
	Parameters []ParamSpec `json:"parameters,omitempty"`

	// Steps execute in Order.
	Steps []Step `json:"steps"`

	// Checks are the verification checks for this playbook.
	Checks []Check `json:"checks,omitempty"`
}

// AppliesTo reports whether the playbook targets the given service and
// severity.
func (p *Playbook) AppliesTo(service string, severity incident.Severity) bool {
	if len(p.Services) > 0 && !containsString(p.Services, service) {
		return false
	}
	if len(p.Severities) > 0 {
		found := false
		for _, s := range p.Severities {
			if s == severity {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Step returns the step with the given order.
func (p *Playbook) Step(order int) (Step, bool) {
	for _, s := range p.Steps {
		if s.Order == order {
			return s, true
		}
	}
	return Step{}, false
}

// ChecksFor returns the checks for a scope in declared order. For
// ScopePostStep, stepOrder filters to checks bound to that step or to all
// steps.
func (p *Playbook) ChecksFor(scope CheckScope, stepOrder int) []Check {
	var out []Check
	for _, c := range p.Checks {
		if c.Scope != scope {
			continue
		}
		if scope == ScopePostStep && c.StepOrder != 0 && c.StepOrder != stepOrder {
			continue
		}
		out = append(out, c)
	}
	return out
}

// HasRollback reports whether any step defines a rollback action.
func (p *Playbook) HasRollback() bool {
	for _, s := range p.Steps {
		if s.HasRollback() {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
