package incident

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store persists incidents and their timeline events.
type Store interface {
	// SaveIncident creates or updates an incident.
	SaveIncident(ctx context.Context, inc *Incident) error

	// AppendEvent appends one timeline event. Events are never updated.
	AppendEvent(ctx context.Context, ev *Event) error
}

// Log manages incident lifecycle transitions and the append-only timeline.
type Log struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewLog creates an incident log. logger may be nil.
func NewLog(store Store, logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Append records one timeline event under the incident. Events with an empty
// incident ID are dropped silently so callers can pass unlinked runs through
// without branching.
func (l *Log) Append(ctx context.Context, incidentID, eventType, message string, details map[string]any) (*Event, error) {
	if incidentID == "" {
		return nil, nil
	}
	ev := &Event{
		ID:         uuid.NewString(),
		IncidentID: incidentID,
		Type:       eventType,
		Message:    message,
		Details:    details,
		CreatedAt:  l.now().UTC(),
	}
	if err := l.store.AppendEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("append incident event: %w", err)
	}
	return ev, nil
}

// Acknowledge moves an incident open -> ack.
func (l *Log) Acknowledge(ctx context.Context, inc *Incident, by string) error {
	return l.transition(ctx, inc, StatusAck, fmt.Sprintf("acknowledged by %s", by))
}

// Resolve marks the incident resolved and stamps ResolvedAt.
func (l *Log) Resolve(ctx context.Context, inc *Incident, message string) error {
	if err := l.transition(ctx, inc, StatusResolved, message); err != nil {
		return err
	}
	return nil
}

// Close marks the incident closed.
func (l *Log) Close(ctx context.Context, inc *Incident) error {
	return l.transition(ctx, inc, StatusClosed, "incident closed")
}

func (l *Log) transition(ctx context.Context, inc *Incident, to Status, message string) error {
	fromRank, ok := statusRank[inc.Status]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, inc.Status)
	}
	toRank, ok := statusRank[to]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, to)
	}
	if toRank <= fromRank {
		return fmt.Errorf("%w: %s -> %s", ErrBackwardTransition, inc.Status, to)
	}

	from := inc.Status
	inc.Status = to
	if to == StatusResolved && inc.ResolvedAt == nil {
		t := l.now().UTC()
		inc.ResolvedAt = &t
	}
	if err := l.store.SaveIncident(ctx, inc); err != nil {
		inc.Status = from
		return fmt.Errorf("save incident: %w", err)
	}

	l.logger.Info("incident status changed",
		zap.String("incident_id", inc.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	_, err := l.Append(ctx, inc.ID, "status_changed", message, map[string]any{
		"from": string(from),
		"to":   string(to),
	})
	return err
}
