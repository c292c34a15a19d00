package outcome

import "time"

// Record is one immutable ledger row for a completed run.
type Record struct {
	// ID is the unique record identifier (UUID).
	ID string `json:"id"`

	// PlaybookID is the executed playbook (the contract id).
	PlaybookID string `json:"playbook_id"`

	// ActionType summarizes the remediation (first step action by
	// convention).
	ActionType string `json:"action_type"`

	// DiagnosisCode is the diagnosis class the run remediated.
	DiagnosisCode string `json:"diagnosis_code"`

	// Success is true when the run reached succeeded.
	Success bool `json:"success"`

	// ConfidenceScore is the diagnosis confidence attached to the run.
	ConfidenceScore float64 `json:"confidence_score"`

	// ExecutionTimeSeconds is the run's wall-clock duration.
	ExecutionTimeSeconds float64 `json:"execution_time_seconds"`

	// ProblemResolved is true when verification confirmed recovery.
	ProblemResolved bool `json:"problem_resolved"`

	// RollbackOccurred is true when the run ended rolled_back.
	RollbackOccurred bool `json:"rollback_occurred"`

	// Tier classifies the remediation tier (severity by convention).
	Tier string `json:"tier,omitempty"`

	// Context carries free-form run context (service, requester, ...).
	Context map[string]any `json:"context,omitempty"`

	// CreatedAt is the ledger append time.
	CreatedAt time.Time `json:"created_at"`
}

// Statistics is the rolling aggregate for one playbook, upserted after every
// record.
type Statistics struct {
	PlaybookID string `json:"playbook_id"`

	TotalRuns      int64 `json:"total_runs"`
	SuccessfulRuns int64 `json:"successful_runs"`
	FailedRuns     int64 `json:"failed_runs"`
	RollbackRuns   int64 `json:"rollback_runs"`

	// SuccessRate is always successful/total.
	SuccessRate float64 `json:"success_rate"`

	// AvgConfidence and AvgExecutionSeconds are running means over all
	// records.
	AvgConfidence       float64 `json:"avg_confidence"`
	AvgExecutionSeconds float64 `json:"avg_execution_seconds"`

	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
}
