package outcome

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockStore is an in-memory Store whose InTx snapshots state and restores it
// when the callback fails, mimicking a real transaction.
type mockStore struct {
	records    []*Record
	stats      map[string]*Statistics
	failInsert error
	failUpsert error
}

func newMockStore() *mockStore {
	return &mockStore{stats: make(map[string]*Statistics)}
}

func (m *mockStore) InsertRecord(_ context.Context, rec *Record) error {
	if m.failInsert != nil {
		return m.failInsert
	}
	cp := *rec
	m.records = append(m.records, &cp)
	return nil
}

func (m *mockStore) GetStatistics(_ context.Context, playbookID string) (*Statistics, bool, error) {
	s, ok := m.stats[playbookID]
	if !ok {
		return nil, false, nil
	}
	cp := *s
	return &cp, true, nil
}

func (m *mockStore) UpsertStatistics(_ context.Context, stats *Statistics) error {
	if m.failUpsert != nil {
		return m.failUpsert
	}
	cp := *stats
	m.stats[stats.PlaybookID] = &cp
	return nil
}

func (m *mockStore) ListRecords(_ context.Context, limit int) ([]*Record, error) {
	out := make([]*Record, len(m.records))
	copy(out, m.records)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *mockStore) InTx(_ context.Context, fn func(Store) error) error {
	recordsBefore := len(m.records)
	statsBefore := make(map[string]*Statistics, len(m.stats))
	for k, v := range m.stats {
		cp := *v
		statsBefore[k] = &cp
	}
	if err := fn(m); err != nil {
		m.records = m.records[:recordsBefore]
		m.stats = statsBefore
		return err
	}
	return nil
}

func record(success, rollback bool) *Record {
	return &Record{
		PlaybookID:           "pb-restart",
		ActionType:           "restart_service",
		DiagnosisCode:        "service_unresponsive",
		Success:              success,
		RollbackOccurred:     rollback,
		ConfidenceScore:      0.8,
		ExecutionTimeSeconds: 30,
		CreatedAt:            time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestRecordUpdatesStatistics(t *testing.T) {
	store := newMockStore()
	rec, err := NewRecorder(store, nil)
	require.NoError(t, err)

	stats, err := rec.Record(context.Background(), record(true, false))
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalRuns)
	assert.Equal(t, int64(1), stats.SuccessfulRuns)
	assert.Equal(t, 1.0, stats.SuccessRate)
	assert.Equal(t, 0.8, stats.AvgConfidence)
	assert.Equal(t, 30.0, stats.AvgExecutionSeconds)
	require.NotNil(t, stats.LastSuccessAt)
	assert.Nil(t, stats.LastFailureAt)
}

func TestSuccessRateNeverDrifts(t *testing.T) {
	store := newMockStore()
	rec, err := NewRecorder(store, nil)
	require.NoError(t, err)

	outcomes := []struct{ success, rollback bool }{
		{true, false}, {false, false}, {true, false}, {false, true},
		{true, false}, {true, false}, {false, false}, {true, false},
	}
	var stats *Statistics
	var successes int64
	for i, o := range outcomes {
		stats, err = rec.Record(context.Background(), record(o.success, o.rollback))
		require.NoError(t, err)
		if o.success {
			successes++
		}
		assert.Equal(t, int64(i+1), stats.TotalRuns)
		assert.Equal(t, float64(successes)/float64(i+1), stats.SuccessRate)
		assert.Equal(t, stats.SuccessfulRuns+stats.FailedRuns+stats.RollbackRuns, stats.TotalRuns)
	}
	assert.Equal(t, int64(2), stats.FailedRuns)
	assert.Equal(t, int64(1), stats.RollbackRuns)
}

func TestRecordAtomicity(t *testing.T) {
	store := newMockStore()
	rec, err := NewRecorder(store, nil)
	require.NoError(t, err)

	store.failUpsert = errors.New("disk full")
	_, err = rec.Record(context.Background(), record(true, false))
	require.Error(t, err)

	// The ledger row must have rolled back with the statistics.
	assert.Empty(t, store.records)
	assert.Empty(t, store.stats)
}

func TestRecordRequiresPlaybook(t *testing.T) {
	store := newMockStore()
	rec, err := NewRecorder(store, nil)
	require.NoError(t, err)

	_, err = rec.Record(context.Background(), &Record{})
	assert.ErrorIs(t, err, ErrMissingPlaybook)
}

func TestRunningMeans(t *testing.T) {
	stats := &Statistics{PlaybookID: "pb"}
	r1 := record(true, false)
	r1.ConfidenceScore, r1.ExecutionTimeSeconds = 0.6, 10
	r2 := record(false, false)
	r2.ConfidenceScore, r2.ExecutionTimeSeconds = 0.8, 30

	applyRecord(stats, r1)
	applyRecord(stats, r2)

	assert.InDelta(t, 0.7, stats.AvgConfidence, 1e-9)
	assert.InDelta(t, 20.0, stats.AvgExecutionSeconds, 1e-9)
	assert.Equal(t, 0.5, stats.SuccessRate)
}
