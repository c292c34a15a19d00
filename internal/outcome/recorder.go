package outcome

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/healerd/internal/outcome"

// Common errors for outcome recording.
var (
	ErrMissingPlaybook = errors.New("outcome record requires a playbook id")
)

// Store persists ledger records and statistics. InTx must run the callback
// atomically: either the record insert and the statistics upsert both commit
// or neither does.
type Store interface {
	InsertRecord(ctx context.Context, rec *Record) error
	GetStatistics(ctx context.Context, playbookID string) (*Statistics, bool, error)
	UpsertStatistics(ctx context.Context, stats *Statistics) error
	ListRecords(ctx context.Context, limit int) ([]*Record, error)
	InTx(ctx context.Context, fn func(tx Store) error) error
}

// Recorder appends outcome records and maintains playbook statistics.
type Recorder struct {
	store  Store
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewRecorder creates a recorder. logger may be nil.
func NewRecorder(store Store, logger *zap.Logger) (*Recorder, error) {
	if store == nil {
		return nil, errors.New("outcome store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		store:  store,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		now:    time.Now,
	}, nil
}

// Record appends one ledger row and upserts the playbook's statistics in a
// single transaction, returning the refreshed statistics.
func (r *Recorder) Record(ctx context.Context, rec *Record) (*Statistics, error) {
	ctx, span := r.tracer.Start(ctx, "outcome.record",
		trace.WithAttributes(
			attribute.String("outcome.playbook_id", rec.PlaybookID),
			attribute.Bool("outcome.success", rec.Success),
		))
	defer span.End()

	if rec.PlaybookID == "" {
		return nil, ErrMissingPlaybook
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now().UTC()
	}

	var updated *Statistics
	err := r.store.InTx(ctx, func(tx Store) error {
		if err := tx.InsertRecord(ctx, rec); err != nil {
			return fmt.Errorf("insert outcome record: %w", err)
		}
		stats, found, err := tx.GetStatistics(ctx, rec.PlaybookID)
		if err != nil {
			return fmt.Errorf("load playbook statistics: %w", err)
		}
		if !found {
			stats = &Statistics{PlaybookID: rec.PlaybookID}
		}
		applyRecord(stats, rec)
		if err := tx.UpsertStatistics(ctx, stats); err != nil {
			return fmt.Errorf("upsert playbook statistics: %w", err)
		}
		updated = stats
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("outcome recorded",
		zap.String("record_id", rec.ID),
		zap.String("playbook_id", rec.PlaybookID),
		zap.Bool("success", rec.Success),
		zap.Bool("rollback", rec.RollbackOccurred),
		zap.Float64("success_rate", updated.SuccessRate),
	)
	return updated, nil
}

// Records returns the most recent ledger rows, newest first. limit <= 0
// returns all.
func (r *Recorder) Records(ctx context.Context, limit int) ([]*Record, error) {
	return r.store.ListRecords(ctx, limit)
}

// applyRecord folds one record into the aggregate. Pure over its inputs:
// counters increment, success_rate is recomputed from the counters, and the
// running means incorporate the new value.
func applyRecord(stats *Statistics, rec *Record) {
	stats.TotalRuns++
	switch {
	case rec.Success:
		stats.SuccessfulRuns++
		at := rec.CreatedAt
		stats.LastSuccessAt = &at
	case rec.RollbackOccurred:
		stats.RollbackRuns++
		at := rec.CreatedAt
		stats.LastFailureAt = &at
	default:
		stats.FailedRuns++
		at := rec.CreatedAt
		stats.LastFailureAt = &at
	}

	stats.SuccessRate = float64(stats.SuccessfulRuns) / float64(stats.TotalRuns)

	n := float64(stats.TotalRuns)
	stats.AvgConfidence += (rec.ConfidenceScore - stats.AvgConfidence) / n
	stats.AvgExecutionSeconds += (rec.ExecutionTimeSeconds - stats.AvgExecutionSeconds) / n
}
