// Package capa opens Corrective and Preventive Action tickets for severe
// diagnoses. Escalation is a side channel off the diagnosis feed: it fires
// independently of whether a remediation run exists or succeeds.
package capa

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healerd/internal/incident"
	"github.com/fyrsmithlabs/healerd/internal/metrics"
)

const instrumentationName = "github.com/fyrsmithlabs/healerd/internal/capa"

// Category classifies what a CAPA ticket is about.
type Category string

const (
	CategorySecurity    Category = "security"
	CategoryPerformance Category = "performance"
	CategoryReliability Category = "reliability"
	CategoryCompliance  Category = "compliance"
	CategoryQuality     Category = "quality"
)

// categoryKeywords maps first-match keywords to a category. Order matters:
// security outranks performance for a diagnosis mentioning both.
var categoryKeywords = []struct {
	category Category
	keywords []string
}{
	{CategorySecurity, []string{"security", "vulnerability", "breach", "unauthorized", "exploit", "cve", "auth"}},
	{CategoryPerformance, []string{"performance", "latency", "slow", "saturation", "cpu", "memory", "throughput"}},
	{CategoryReliability, []string{"crash", "outage", "unavailable", "unresponsive", "restart", "down", "connection"}},
	{CategoryCompliance, []string{"compliance", "audit", "policy", "retention", "regulation"}},
}

// Ticket is one governance escalation artifact.
type Ticket struct {
	// ID is "capa_" plus the creation epoch in milliseconds.
	ID string `json:"id"`

	// Service is the diagnosed service.
	Service string `json:"service"`

	// Category is the keyword-derived classification.
	Category Category `json:"category"`

	// Severity is carried from the diagnosis.
	Severity incident.Severity `json:"severity"`

	// DiagnosisCode identifies the diagnosis class that triggered the
	// escalation.
	DiagnosisCode string `json:"diagnosis_code"`

	// Title is a short human-readable summary.
	Title string `json:"title"`

	// Details carries the diagnosis evidence.
	Details map[string]any `json:"details,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Sink receives created tickets (a ticketing system adapter, a queue, a
// store). May be nil; tickets are then only returned to the caller.
type Sink interface {
	CreateTicket(ctx context.Context, t *Ticket) error
}

// Config tunes the escalator.
type Config struct {
	// Enabled gates escalation globally. Disabled means every call is a
	// no-op returning (nil, nil).
	Enabled bool
}

// Escalator decides whether a diagnosis warrants a CAPA ticket and creates
// it.
type Escalator struct {
	cfg     Config
	sink    Sink
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewEscalator creates a CAPA escalator. sink, m, and logger may be nil.
func NewEscalator(cfg Config, sink Sink, m *metrics.Metrics, logger *zap.Logger) *Escalator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Escalator{
		cfg:     cfg,
		sink:    sink,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		now:     time.Now,
	}
}

// AutoCreateFromDiagnostic creates a ticket when the diagnosis qualifies:
// severity critical or high, and the reported health status either absent or
// one of degraded, failed, critical. A non-qualifying diagnosis returns
// (nil, nil).
func (e *Escalator) AutoCreateFromDiagnostic(ctx context.Context, diag incident.Diagnosis) (*Ticket, error) {
	if !e.cfg.Enabled {
		return nil, nil
	}

	ctx, span := e.tracer.Start(ctx, "capa.auto_create",
		trace.WithAttributes(
			attribute.String("capa.service", diag.Service),
			attribute.String("capa.severity", string(diag.Severity)),
		))
	defer span.End()

	if !qualifies(diag) {
		span.SetAttributes(attribute.Bool("capa.created", false))
		return nil, nil
	}

	created := e.now().UTC()
	t := &Ticket{
		ID:            fmt.Sprintf("capa_%d", created.UnixMilli()),
		Service:       diag.Service,
		Category:      Classify(diag),
		Severity:      diag.Severity,
		DiagnosisCode: diag.Code,
		Title:         fmt.Sprintf("%s: %s (%s)", diag.Service, diag.Code, diag.Severity),
		Details:       diag.Details,
		CreatedAt:     created,
	}

	if e.sink != nil {
		if err := e.sink.CreateTicket(ctx, t); err != nil {
			return nil, fmt.Errorf("create capa ticket: %w", err)
		}
	}

	if e.metrics != nil {
		e.metrics.CAPATicketsTotal.WithLabelValues(string(t.Category)).Inc()
	}
	e.logger.Info("capa ticket created",
		zap.String("ticket_id", t.ID),
		zap.String("service", t.Service),
		zap.String("category", string(t.Category)),
		zap.String("severity", string(t.Severity)),
	)
	span.SetAttributes(
		attribute.Bool("capa.created", true),
		attribute.String("capa.category", string(t.Category)),
	)
	return t, nil
}

func qualifies(diag incident.Diagnosis) bool {
	if diag.Severity != incident.SeverityCritical && diag.Severity != incident.SeverityHigh {
		return false
	}
	switch diag.HealthStatus {
	case "", "degraded", "failed", "critical":
		return true
	}
	return false
}

// Classify derives the ticket category from the diagnosis code and details
// by first-match keyword scan. Unmatched diagnoses default to quality.
func Classify(diag incident.Diagnosis) Category {
	text := strings.ToLower(diag.Code)
	for k, v := range diag.Details {
		text += " " + strings.ToLower(k) + " " + strings.ToLower(fmt.Sprintf("%v", v))
	}
	for _, entry := range categoryKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(text, kw) {
				return entry.category
			}
		}
	}
	return CategoryQuality
}
