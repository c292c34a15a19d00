package run

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/healerd/internal/executor"
	"github.com/fyrsmithlabs/healerd/internal/incident"
	"github.com/fyrsmithlabs/healerd/internal/verification"
)

// Common errors for run orchestration. Validation and conflict errors are
// rejected before any state is created; everything after start resolves into
// a terminal run status instead of an error.
var (
	ErrValidation        = errors.New("run validation failed")
	ErrRunConflict       = errors.New("conflicting active run for target and playbook")
	ErrInvalidTransition = errors.New("invalid run status transition")
	ErrNotActive         = errors.New("run is not active")
)

// Status is the lifecycle state of a playbook run.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
	StatusAborted    Status = "aborted"
)

// Terminal reports whether s is a terminal state.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusRolledBack, StatusAborted:
		return true
	}
	return false
}

// transitions is the forward-only state machine.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning},
	StatusRunning: {StatusSucceeded, StatusFailed, StatusRolledBack, StatusAborted},
}

func canTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Run is one remediation attempt of a playbook against a target.
type Run struct {
	// ID is the unique run identifier (UUID).
	ID string `json:"id"`

	// PlaybookID and PlaybookName reference the executed playbook.
	PlaybookID   string `json:"playbook_id"`
	PlaybookName string `json:"playbook_name"`

	// Target is the service the run remediates.
	Target string `json:"target"`

	// Status is the lifecycle state. Mutated only by the orchestrator.
	Status Status `json:"status"`

	// Requester identifies who or what triggered the run.
	Requester string `json:"requester,omitempty"`

	// ApprovalRef is the optional governance approval reference.
	ApprovalRef string `json:"approval_ref,omitempty"`

	// Parameters are the validated run parameters.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Diagnosis is the snapshot the run was created from.
	Diagnosis incident.Diagnosis `json:"diagnosis"`

	// IncidentID links the run to an incident timeline, if any.
	IncidentID string `json:"incident_id,omitempty"`

	// Reason explains terminal failure states (abort reason, rollback
	// cause, ...).
	Reason string `json:"reason,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Duration returns the run's wall-clock execution time, zero until ended.
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil || r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(*r.StartedAt)
}

// Step-run statuses. A step attempt is either success or failed; richer
// detail lives in the captured log.
const (
	StepStatusSuccess = "success"
	StepStatusFailed  = "failed"
)

// StepRun is one step attempt within a run. Append-only.
type StepRun struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	StepID     string    `json:"step_id"`
	Order      int       `json:"order"`
	Status     string    `json:"status"`
	Log        string    `json:"log,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	DurationMS int64     `json:"duration_ms"`
}

// RollbackInvocation records one rollback action call during the backward
// walk.
type RollbackInvocation struct {
	StepOrder int                      `json:"step_order"`
	Action    string                   `json:"action"`
	Result    executor.ExecutionResult `json:"result"`
}

// Result summarizes a completed Execute call.
type Result struct {
	Run          *Run                 `json:"run"`
	StepRuns     []*StepRun           `json:"step_runs"`
	Rollbacks    []RollbackInvocation `json:"rollbacks,omitempty"`
	Verification *verification.Result `json:"verification,omitempty"`
}

// Store persists runs and step runs.
type Store interface {
	// SaveRun creates or updates a run.
	SaveRun(ctx context.Context, r *Run) error

	// SaveStepRun appends one step-run row. Rows arrive in step order.
	SaveStepRun(ctx context.Context, sr *StepRun) error
}

// CreateRequest triggers a new run.
type CreateRequest struct {
	// Playbook is the playbook name (falls back to ID lookup).
	Playbook string

	// Target is the service to remediate. Defaults to the diagnosis
	// service.
	Target string

	Parameters  map[string]any
	Diagnosis   incident.Diagnosis
	Requester   string
	ApprovalRef string
	IncidentID  string
}
