package store

import (
	"time"
)

// PlaybookRow mirrors a catalog playbook. The catalog is the source of
// truth; rows are refreshed by SyncCatalog at startup.
type PlaybookRow struct {
	ID            string        `gorm:"primaryKey;size:64"`
	Name          string        `gorm:"uniqueIndex;size:128;not null"`
	Description   string        `gorm:"type:text"`
	Services      JSONStrings   `gorm:"type:jsonb"`
	Severities    JSONStrings   `gorm:"type:jsonb"`
	Preconditions ConditionList `gorm:"type:jsonb"`
	Parameters    ParamSpecList `gorm:"type:jsonb"`
	CreatedAt     time.Time
	UpdatedAt     time.Time

	Steps  []PlaybookStepRow      `gorm:"foreignKey:PlaybookID;constraint:OnDelete:CASCADE"`
	Checks []VerificationCheckRow `gorm:"foreignKey:PlaybookID;constraint:OnDelete:CASCADE"`
}

func (PlaybookRow) TableName() string { return "playbooks" }

type PlaybookStepRow struct {
	ID             string  `gorm:"primaryKey;size:64"`
	PlaybookID     string  `gorm:"index;size:64;not null"`
	StepOrder      int     `gorm:"not null"`
	Action         string  `gorm:"size:128;not null"`
	Args           JSONMap `gorm:"type:jsonb"`
	TimeoutSeconds int
	RollbackAction string  `gorm:"size:128"`
	RollbackArgs   JSONMap `gorm:"type:jsonb"`
	CreatedAt      time.Time
}

func (PlaybookStepRow) TableName() string { return "playbook_steps" }

type VerificationCheckRow struct {
	ID             string  `gorm:"primaryKey;size:64"`
	PlaybookID     string  `gorm:"index;size:64;not null"`
	Name           string  `gorm:"size:128"`
	Scope          string  `gorm:"size:16;not null"`
	StepOrder      int
	CheckType      string  `gorm:"size:32;not null"`
	Config         JSONMap `gorm:"type:jsonb"`
	TimeoutSeconds int
	CreatedAt      time.Time
}

func (VerificationCheckRow) TableName() string { return "verification_checks" }

type PlaybookRunRow struct {
	ID           string        `gorm:"primaryKey;size:64"`
	PlaybookID   string        `gorm:"index;size:64;not null"`
	PlaybookName string        `gorm:"size:128;not null"`
	Target       string        `gorm:"index;size:128;not null"`
	Status       string        `gorm:"index;size:16;not null"`
	Requester    string        `gorm:"size:128"`
	ApprovalRef  string        `gorm:"size:128"`
	Parameters   JSONMap       `gorm:"type:jsonb"`
	Diagnosis    DiagnosisJSON `gorm:"type:jsonb"`
	IncidentID   string        `gorm:"index;size:64"`
	Reason       string        `gorm:"type:text"`
	CreatedAt    time.Time
	StartedAt    *time.Time
	EndedAt      *time.Time

	StepRuns []PlaybookStepRunRow `gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE"`
}

func (PlaybookRunRow) TableName() string { return "playbook_runs" }

type PlaybookStepRunRow struct {
	ID         string `gorm:"primaryKey;size:64"`
	RunID      string `gorm:"index;size:64;not null"`
	StepID     string `gorm:"size:64"`
	StepOrder  int    `gorm:"not null"`
	Status     string `gorm:"size:16;not null"`
	Log        string `gorm:"type:text"`
	StartedAt  time.Time
	EndedAt    time.Time
	DurationMS int64
}

func (PlaybookStepRunRow) TableName() string { return "playbook_step_runs" }

type IncidentRow struct {
	ID         string `gorm:"primaryKey;size:64"`
	Service    string `gorm:"index;size:128;not null"`
	Severity   string `gorm:"size:16;not null"`
	Status     string `gorm:"index;size:16;not null"`
	Title      string `gorm:"size:256"`
	Summary    string `gorm:"type:text"`
	StartedAt  time.Time
	CreatedAt  time.Time
	ResolvedAt *time.Time

	Events []IncidentEventRow `gorm:"foreignKey:IncidentID;constraint:OnDelete:CASCADE"`
}

func (IncidentRow) TableName() string { return "incidents" }

type IncidentEventRow struct {
	ID         string  `gorm:"primaryKey;size:64"`
	IncidentID string  `gorm:"index;size:64;not null"`
	EventType  string  `gorm:"size:64;not null"`
	Message    string  `gorm:"type:text"`
	Details    JSONMap `gorm:"type:jsonb"`
	CreatedAt  time.Time
}

func (IncidentEventRow) TableName() string { return "incident_events" }

type OutcomeRecordRow struct {
	ID                   string `gorm:"primaryKey;size:64"`
	PlaybookID           string `gorm:"index;size:64;not null"`
	ActionType           string `gorm:"size:128"`
	DiagnosisCode        string `gorm:"index;size:128"`
	Success              bool
	ConfidenceScore      float64
	ExecutionTimeSeconds float64
	ProblemResolved      bool
	RollbackOccurred     bool
	Tier                 string  `gorm:"size:16"`
	Context              JSONMap `gorm:"type:jsonb"`
	CreatedAt            time.Time `gorm:"index"`
}

func (OutcomeRecordRow) TableName() string { return "outcome_records" }

type PlaybookStatisticsRow struct {
	PlaybookID          string `gorm:"primaryKey;size:64"`
	TotalRuns           int64
	SuccessfulRuns      int64
	FailedRuns          int64
	RollbackRuns        int64
	SuccessRate         float64
	AvgConfidence       float64
	AvgExecutionSeconds float64
	LastSuccessAt       *time.Time
	LastFailureAt       *time.Time
	UpdatedAt           time.Time
}

func (PlaybookStatisticsRow) TableName() string { return "playbook_statistics" }
