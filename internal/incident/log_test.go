package incident

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	incidents map[string]*Incident
	events    []*Event
}

func newMockStore() *mockStore {
	return &mockStore{incidents: make(map[string]*Incident)}
}

func (m *mockStore) SaveIncident(_ context.Context, inc *Incident) error {
	cp := *inc
	m.incidents[inc.ID] = &cp
	return nil
}

func (m *mockStore) AppendEvent(_ context.Context, ev *Event) error {
	m.events = append(m.events, ev)
	return nil
}

func newTestIncident() *Incident {
	return &Incident{
		ID:        "inc-1",
		Service:   "checkout",
		Severity:  SeverityHigh,
		Status:    StatusOpen,
		Title:     "error rate spike",
		StartedAt: time.Now().Add(-5 * time.Minute),
		CreatedAt: time.Now(),
	}
}

func TestLogForwardOnlyTransitions(t *testing.T) {
	store := newMockStore()
	log := NewLog(store, nil)
	inc := newTestIncident()

	require.NoError(t, log.Acknowledge(context.Background(), inc, "oncall"))
	assert.Equal(t, StatusAck, inc.Status)

	require.NoError(t, log.Resolve(context.Background(), inc, "playbook succeeded"))
	assert.Equal(t, StatusResolved, inc.Status)
	require.NotNil(t, inc.ResolvedAt)

	// Backward transition rejected.
	err := log.Acknowledge(context.Background(), inc, "oncall")
	require.ErrorIs(t, err, ErrBackwardTransition)
	assert.Equal(t, StatusResolved, inc.Status)

	require.NoError(t, log.Close(context.Background(), inc))
	assert.Equal(t, StatusClosed, inc.Status)
}

func TestLogAppendsStatusEvents(t *testing.T) {
	store := newMockStore()
	log := NewLog(store, nil)
	inc := newTestIncident()

	require.NoError(t, log.Resolve(context.Background(), inc, "resolved"))
	require.Len(t, store.events, 1)
	ev := store.events[0]
	assert.Equal(t, "status_changed", ev.Type)
	assert.Equal(t, "inc-1", ev.IncidentID)
	assert.Equal(t, "open", ev.Details["from"])
	assert.Equal(t, "resolved", ev.Details["to"])
}

func TestLogAppendSkipsUnlinked(t *testing.T) {
	store := newMockStore()
	log := NewLog(store, nil)

	ev, err := log.Append(context.Background(), "", "run_started", "msg", nil)
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.Empty(t, store.events)
}

func TestResolutionTime(t *testing.T) {
	inc := newTestIncident()
	_, ok := inc.ResolutionTime()
	assert.False(t, ok, "unresolved incident has no resolution time")

	resolved := inc.StartedAt.Add(200 * time.Second)
	inc.ResolvedAt = &resolved
	d, ok := inc.ResolutionTime()
	require.True(t, ok)
	assert.Equal(t, 200*time.Second, d)

	// Negative intervals are undefined, not negative.
	bad := inc.StartedAt.Add(-time.Second)
	inc.ResolvedAt = &bad
	_, ok = inc.ResolutionTime()
	assert.False(t, ok)
}
