package incident

import (
	"errors"
	"time"
)

// Common errors for incident operations.
var (
	ErrBackwardTransition = errors.New("incident status cannot move backward")
	ErrUnknownStatus      = errors.New("unknown incident status")
)

// Severity classifies incident and diagnosis impact.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// Status is the lifecycle state of an incident.
type Status string

const (
	StatusOpen     Status = "open"
	StatusAck      Status = "ack"
	StatusResolved Status = "resolved"
	StatusClosed   Status = "closed"
)

// statusRank orders statuses for forward-only enforcement.
var statusRank = map[Status]int{
	StatusOpen:     0,
	StatusAck:      1,
	StatusResolved: 2,
	StatusClosed:   3,
}

// Incident is one detected problem on a service.
type Incident struct {
	// ID is the unique incident identifier (UUID).
	ID string `json:"id"`

	// Service is the affected service name.
	Service string `json:"service"`

	// Severity is the assessed impact.
	Severity Severity `json:"severity"`

	// Status is the lifecycle state.
	Status Status `json:"status"`

	// Title is a short human-readable summary.
	Title string `json:"title"`

	// Summary describes the incident in more detail.
	Summary string `json:"summary,omitempty"`

	// StartedAt is when the incident began (detection time).
	StartedAt time.Time `json:"started_at"`

	// CreatedAt is when the incident record was created.
	CreatedAt time.Time `json:"created_at"`

	// ResolvedAt is set when the incident is resolved.
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// ResolutionTime returns the time from start to resolution. It is defined
// only when ResolvedAt is set; ok is false otherwise or when the interval
// would be negative.
func (i *Incident) ResolutionTime() (time.Duration, bool) {
	if i.ResolvedAt == nil || i.StartedAt.IsZero() {
		return 0, false
	}
	d := i.ResolvedAt.Sub(i.StartedAt)
	if d < 0 {
		return 0, false
	}
	return d, true
}

// Event is one append-only timeline entry under an incident.
type Event struct {
	// ID is the unique event identifier (UUID).
	ID string `json:"id"`

	// IncidentID is the owning incident.
	IncidentID string `json:"incident_id"`

	// Type labels the event (e.g. "run_started", "status_changed").
	Type string `json:"type"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Details carries structured event context.
	Details map[string]any `json:"details,omitempty"`

	// CreatedAt is the wall-clock append time.
	CreatedAt time.Time `json:"created_at"`
}

// Diagnosis is the classification emitted by the upstream diagnosis/health
// source. It is the (service, code) key the ranking policy learns on and the
// input CAPA escalation gates on.
type Diagnosis struct {
	// Service is the diagnosed service.
	Service string `json:"service"`

	// Code identifies the diagnosis class (e.g. "db_connection_exhausted").
	Code string `json:"code"`

	// Severity is the assessed impact.
	Severity Severity `json:"severity"`

	// HealthStatus is the reported health state ("degraded", "failed",
	// "critical", ...). Empty when the source reports none.
	HealthStatus string `json:"health_status,omitempty"`

	// Confidence is the diagnosis model's confidence in [0,1].
	Confidence float64 `json:"confidence"`

	// Details carries free-form evidence from the diagnosis source.
	Details map[string]any `json:"details,omitempty"`
}

// Context flattens the diagnosis into the attribute map playbook
// preconditions evaluate against. Detail keys are prefixed to avoid
// colliding with the well-known fields.
func (d Diagnosis) Context() map[string]any {
	ctx := map[string]any{
		"service":       d.Service,
		"code":          d.Code,
		"severity":      string(d.Severity),
		"health_status": d.HealthStatus,
		"confidence":    d.Confidence,
	}
	for k, v := range d.Details {
		ctx["details."+k] = v
	}
	return ctx
}
