// Package store is the Postgres persistence layer. One Store implements the
// run, incident, and outcome store interfaces over a shared gorm handle so a
// single database owns the whole remediation schema.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fyrsmithlabs/healerd/internal/incident"
	"github.com/fyrsmithlabs/healerd/internal/outcome"
	"github.com/fyrsmithlabs/healerd/internal/playbook"
	"github.com/fyrsmithlabs/healerd/internal/run"
)

// Interface conformance.
var (
	_ run.Store      = (*Store)(nil)
	_ incident.Store = (*Store)(nil)
	_ outcome.Store  = (*Store)(nil)
)

// Store persists the remediation schema.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open connects to Postgres and returns a store.
func Open(dsn string, logger *zap.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return New(db, logger)
}

// New wraps an existing gorm handle. logger may be nil.
func New(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("db handle is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}, nil
}

// AutoMigrate creates or updates the schema. Cascading deletes flow
// playbook to steps and checks, run to step runs, and incident to events.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(
		&PlaybookRow{},
		&PlaybookStepRow{},
		&VerificationCheckRow{},
		&PlaybookRunRow{},
		&PlaybookStepRunRow{},
		&IncidentRow{},
		&IncidentEventRow{},
		&OutcomeRecordRow{},
		&PlaybookStatisticsRow{},
	)
}

// SaveRun implements run.Store.
func (s *Store) SaveRun(ctx context.Context, r *run.Run) error {
	row := PlaybookRunRow{
		ID:           r.ID,
		PlaybookID:   r.PlaybookID,
		PlaybookName: r.PlaybookName,
		Target:       r.Target,
		Status:       string(r.Status),
		Requester:    r.Requester,
		ApprovalRef:  r.ApprovalRef,
		Parameters:   JSONMap(r.Parameters),
		Diagnosis:    DiagnosisJSON(r.Diagnosis),
		IncidentID:   r.IncidentID,
		Reason:       r.Reason,
		CreatedAt:    r.CreatedAt,
		StartedAt:    r.StartedAt,
		EndedAt:      r.EndedAt,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
}

// SaveStepRun implements run.Store.
func (s *Store) SaveStepRun(ctx context.Context, sr *run.StepRun) error {
	row := PlaybookStepRunRow{
		ID:         sr.ID,
		RunID:      sr.RunID,
		StepID:     sr.StepID,
		StepOrder:  sr.Order,
		Status:     sr.Status,
		Log:        sr.Log,
		StartedAt:  sr.StartedAt,
		EndedAt:    sr.EndedAt,
		DurationMS: sr.DurationMS,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// GetRun loads one run with its step runs in step order.
func (s *Store) GetRun(ctx context.Context, id string) (*run.Run, []*run.StepRun, error) {
	var row PlaybookRunRow
	err := s.db.WithContext(ctx).
		Preload("StepRuns", func(db *gorm.DB) *gorm.DB {
			return db.Order("step_order ASC")
		}).
		First(&row, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, fmt.Errorf("run %s not found", id)
		}
		return nil, nil, err
	}

	r := &run.Run{
		ID:           row.ID,
		PlaybookID:   row.PlaybookID,
		PlaybookName: row.PlaybookName,
		Target:       row.Target,
		Status:       run.Status(row.Status),
		Requester:    row.Requester,
		ApprovalRef:  row.ApprovalRef,
		Parameters:   map[string]any(row.Parameters),
		Diagnosis:    incident.Diagnosis(row.Diagnosis),
		IncidentID:   row.IncidentID,
		Reason:       row.Reason,
		CreatedAt:    row.CreatedAt,
		StartedAt:    row.StartedAt,
		EndedAt:      row.EndedAt,
	}
	steps := make([]*run.StepRun, len(row.StepRuns))
	for i, srow := range row.StepRuns {
		steps[i] = &run.StepRun{
			ID:         srow.ID,
			RunID:      srow.RunID,
			StepID:     srow.StepID,
			Order:      srow.StepOrder,
			Status:     srow.Status,
			Log:        srow.Log,
			StartedAt:  srow.StartedAt,
			EndedAt:    srow.EndedAt,
			DurationMS: srow.DurationMS,
		}
	}
	return r, steps, nil
}

// SaveIncident implements incident.Store.
func (s *Store) SaveIncident(ctx context.Context, inc *incident.Incident) error {
	row := IncidentRow{
		ID:         inc.ID,
		Service:    inc.Service,
		Severity:   string(inc.Severity),
		Status:     string(inc.Status),
		Title:      inc.Title,
		Summary:    inc.Summary,
		StartedAt:  inc.StartedAt,
		CreatedAt:  inc.CreatedAt,
		ResolvedAt: inc.ResolvedAt,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
}

// AppendEvent implements incident.Store.
func (s *Store) AppendEvent(ctx context.Context, ev *incident.Event) error {
	row := IncidentEventRow{
		ID:         ev.ID,
		IncidentID: ev.IncidentID,
		EventType:  ev.Type,
		Message:    ev.Message,
		Details:    JSONMap(ev.Details),
		CreatedAt:  ev.CreatedAt,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// InsertRecord implements outcome.Store.
func (s *Store) InsertRecord(ctx context.Context, rec *outcome.Record) error {
	row := OutcomeRecordRow{
		ID:                   rec.ID,
		PlaybookID:           rec.PlaybookID,
		ActionType:           rec.ActionType,
		DiagnosisCode:        rec.DiagnosisCode,
		Success:              rec.Success,
		ConfidenceScore:      rec.ConfidenceScore,
		ExecutionTimeSeconds: rec.ExecutionTimeSeconds,
		ProblemResolved:      rec.ProblemResolved,
		RollbackOccurred:     rec.RollbackOccurred,
		Tier:                 rec.Tier,
		Context:              JSONMap(rec.Context),
		CreatedAt:            rec.CreatedAt,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// GetStatistics implements outcome.Store.
func (s *Store) GetStatistics(ctx context.Context, playbookID string) (*outcome.Statistics, bool, error) {
	var row PlaybookStatisticsRow
	err := s.db.WithContext(ctx).First(&row, "playbook_id = ?", playbookID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return statsFromRow(row), true, nil
}

// UpsertStatistics implements outcome.Store.
func (s *Store) UpsertStatistics(ctx context.Context, stats *outcome.Statistics) error {
	row := PlaybookStatisticsRow{
		PlaybookID:          stats.PlaybookID,
		TotalRuns:           stats.TotalRuns,
		SuccessfulRuns:      stats.SuccessfulRuns,
		FailedRuns:          stats.FailedRuns,
		RollbackRuns:        stats.RollbackRuns,
		SuccessRate:         stats.SuccessRate,
		AvgConfidence:       stats.AvgConfidence,
		AvgExecutionSeconds: stats.AvgExecutionSeconds,
		LastSuccessAt:       stats.LastSuccessAt,
		LastFailureAt:       stats.LastFailureAt,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
}

// ListRecords implements outcome.Store, newest first.
func (s *Store) ListRecords(ctx context.Context, limit int) ([]*outcome.Record, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []OutcomeRecordRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*outcome.Record, len(rows))
	for i, row := range rows {
		out[i] = recordFromRow(row)
	}
	return out, nil
}

// InTx implements outcome.Store: the callback runs against a store bound to
// one database transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx outcome.Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, logger: s.logger})
	})
}

// SyncCatalog replaces the persisted playbook shape with the loaded catalog.
// Steps and checks are rewritten wholesale; cascades clean up removed ones.
func (s *Store) SyncCatalog(ctx context.Context, cat *playbook.Catalog) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, pb := range cat.All() {
			row := playbookToRow(pb)
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
				return fmt.Errorf("upsert playbook %s: %w", pb.Name, err)
			}
			if err := tx.Where("playbook_id = ?", pb.ID).Delete(&PlaybookStepRow{}).Error; err != nil {
				return err
			}
			if err := tx.Where("playbook_id = ?", pb.ID).Delete(&VerificationCheckRow{}).Error; err != nil {
				return err
			}
			for _, step := range pb.Steps {
				srow := stepToRow(pb.ID, step)
				if err := tx.Create(&srow).Error; err != nil {
					return fmt.Errorf("insert step %d of %s: %w", step.Order, pb.Name, err)
				}
			}
			for _, check := range pb.Checks {
				crow := checkToRow(pb.ID, check)
				if err := tx.Create(&crow).Error; err != nil {
					return fmt.Errorf("insert check %s of %s: %w", check.Name, pb.Name, err)
				}
			}
		}
		s.logger.Info("catalog synced", zap.Int("playbooks", cat.Len()))
		return nil
	})
}

func playbookToRow(pb *playbook.Playbook) PlaybookRow {
	sev := make(JSONStrings, len(pb.Severities))
	for i, s := range pb.Severities {
		sev[i] = string(s)
	}
	return PlaybookRow{
		ID:            pb.ID,
		Name:          pb.Name,
		Description:   pb.Description,
		Services:      JSONStrings(pb.Services),
		Severities:    sev,
		Preconditions: ConditionList(pb.Preconditions),
		Parameters:    ParamSpecList(pb.Parameters),
	}
}

func stepToRow(playbookID string, step playbook.Step) PlaybookStepRow {
	return PlaybookStepRow{
		ID:             stepRowID(playbookID, step),
		PlaybookID:     playbookID,
		StepOrder:      step.Order,
		Action:         step.Action,
		Args:           JSONMap(step.Args),
		TimeoutSeconds: int(step.Timeout / time.Second),
		RollbackAction: step.RollbackAction,
		RollbackArgs:   JSONMap(step.RollbackArgs),
	}
}

func stepRowID(playbookID string, step playbook.Step) string {
	if step.ID != "" {
		return step.ID
	}
	return fmt.Sprintf("%s-step-%d", playbookID, step.Order)
}

func checkToRow(playbookID string, check playbook.Check) VerificationCheckRow {
	id := check.ID
	if id == "" {
		id = fmt.Sprintf("%s-check-%s", playbookID, check.Name)
	}
	return VerificationCheckRow{
		ID:             id,
		PlaybookID:     playbookID,
		Name:           check.Name,
		Scope:          string(check.Scope),
		StepOrder:      check.StepOrder,
		CheckType:      string(check.Type),
		Config:         JSONMap(check.Config),
		TimeoutSeconds: int(check.Timeout / time.Second),
	}
}

func recordFromRow(row OutcomeRecordRow) *outcome.Record {
	return &outcome.Record{
		ID:                   row.ID,
		PlaybookID:           row.PlaybookID,
		ActionType:           row.ActionType,
		DiagnosisCode:        row.DiagnosisCode,
		Success:              row.Success,
		ConfidenceScore:      row.ConfidenceScore,
		ExecutionTimeSeconds: row.ExecutionTimeSeconds,
		ProblemResolved:      row.ProblemResolved,
		RollbackOccurred:     row.RollbackOccurred,
		Tier:                 row.Tier,
		Context:              map[string]any(row.Context),
		CreatedAt:            row.CreatedAt,
	}
}

func statsFromRow(row PlaybookStatisticsRow) *outcome.Statistics {
	return &outcome.Statistics{
		PlaybookID:          row.PlaybookID,
		TotalRuns:           row.TotalRuns,
		SuccessfulRuns:      row.SuccessfulRuns,
		FailedRuns:          row.FailedRuns,
		RollbackRuns:        row.RollbackRuns,
		SuccessRate:         row.SuccessRate,
		AvgConfidence:       row.AvgConfidence,
		AvgExecutionSeconds: row.AvgExecutionSeconds,
		LastSuccessAt:       row.LastSuccessAt,
		LastFailureAt:       row.LastFailureAt,
	}
}
