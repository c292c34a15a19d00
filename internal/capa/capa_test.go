package capa

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/healerd/internal/incident"
)

type mockSink struct {
	tickets []*Ticket
	err     error
}

func (m *mockSink) CreateTicket(_ context.Context, t *Ticket) error {
	if m.err != nil {
		return m.err
	}
	m.tickets = append(m.tickets, t)
	return nil
}

func TestAutoCreateQualifyingDiagnosis(t *testing.T) {
	sink := &mockSink{}
	esc := NewEscalator(Config{Enabled: true}, sink, nil, nil)
	esc.now = func() time.Time { return time.UnixMilli(1700000000000).UTC() }

	ticket, err := esc.AutoCreateFromDiagnostic(context.Background(), incident.Diagnosis{
		Service:      "checkout",
		Code:         "service_unresponsive",
		Severity:     incident.SeverityCritical,
		HealthStatus: "failed",
	})
	require.NoError(t, err)
	require.NotNil(t, ticket)
	assert.Equal(t, "capa_1700000000000", ticket.ID)
	assert.Equal(t, CategoryReliability, ticket.Category)
	assert.Equal(t, "checkout", ticket.Service)
	require.Len(t, sink.tickets, 1)
}

func TestAutoCreateGating(t *testing.T) {
	tests := []struct {
		name    string
		diag    incident.Diagnosis
		created bool
	}{
		{
			name:    "low severity rejected",
			diag:    incident.Diagnosis{Service: "s", Code: "c", Severity: incident.SeverityLow},
			created: false,
		},
		{
			name:    "medium severity rejected",
			diag:    incident.Diagnosis{Service: "s", Code: "c", Severity: incident.SeverityMedium, HealthStatus: "failed"},
			created: false,
		},
		{
			name:    "high severity with absent status",
			diag:    incident.Diagnosis{Service: "s", Code: "c", Severity: incident.SeverityHigh},
			created: true,
		},
		{
			name:    "critical with degraded status",
			diag:    incident.Diagnosis{Service: "s", Code: "c", Severity: incident.SeverityCritical, HealthStatus: "degraded"},
			created: true,
		},
		{
			name:    "critical with healthy status rejected",
			diag:    incident.Diagnosis{Service: "s", Code: "c", Severity: incident.SeverityCritical, HealthStatus: "healthy"},
			created: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			esc := NewEscalator(Config{Enabled: true}, nil, nil, nil)
			ticket, err := esc.AutoCreateFromDiagnostic(context.Background(), tt.diag)
			require.NoError(t, err)
			assert.Equal(t, tt.created, ticket != nil)
		})
	}
}

func TestAutoCreateDisabledIsNoOp(t *testing.T) {
	sink := &mockSink{}
	esc := NewEscalator(Config{Enabled: false}, sink, nil, nil)

	ticket, err := esc.AutoCreateFromDiagnostic(context.Background(), incident.Diagnosis{
		Service:  "checkout",
		Code:     "security_breach",
		Severity: incident.SeverityCritical,
	})
	require.NoError(t, err)
	assert.Nil(t, ticket)
	assert.Empty(t, sink.tickets)
}

func TestAutoCreateSinkError(t *testing.T) {
	sink := &mockSink{err: errors.New("ticketing system down")}
	esc := NewEscalator(Config{Enabled: true}, sink, nil, nil)

	ticket, err := esc.AutoCreateFromDiagnostic(context.Background(), incident.Diagnosis{
		Service:  "checkout",
		Code:     "c",
		Severity: incident.SeverityHigh,
	})
	require.Error(t, err)
	assert.Nil(t, ticket)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		code    string
		details map[string]any
		want    Category
	}{
		{"unauthorized_access", nil, CategorySecurity},
		{"high_latency_p99", nil, CategoryPerformance},
		{"service_crash_loop", nil, CategoryReliability},
		{"audit_log_gap", nil, CategoryCompliance},
		{"flaky_canary", nil, CategoryQuality},
		{"generic_alert", map[string]any{"note": "CPU saturation"}, CategoryPerformance},
		// Security matches before performance when both keywords appear.
		{"slow_auth_endpoint", nil, CategorySecurity},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			got := Classify(incident.Diagnosis{Code: tt.code, Details: tt.details})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTicketIDFormat(t *testing.T) {
	esc := NewEscalator(Config{Enabled: true}, nil, nil, nil)
	ticket, err := esc.AutoCreateFromDiagnostic(context.Background(), incident.Diagnosis{
		Service:  "s",
		Code:     "c",
		Severity: incident.SeverityHigh,
	})
	require.NoError(t, err)
	require.NotNil(t, ticket)
	assert.True(t, strings.HasPrefix(ticket.ID, "capa_"))
}
