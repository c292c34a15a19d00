// Package metrics exposes Prometheus metrics for the remediation engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the remediation engine.
type Metrics struct {
	// Run lifecycle
	RunsStartedTotal  prometheus.Counter
	RunsTerminalTotal *prometheus.CounterVec
	StepDuration      *prometheus.HistogramVec
	RollbackStepsTotal prometheus.Counter

	// Recovery statistics
	MTTRSeconds      *prometheus.GaugeVec
	SLABreachesTotal prometheus.Counter

	// Escalation
	CAPATicketsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers engine metrics.
//
// Registration happens once per process via sync.Once to avoid duplicate
// collector panics; repeated calls return the same instance. All metrics are
// prefixed with "healerd_".
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			RunsStartedTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "healerd_runs_started_total",
				Help: "Total number of playbook runs started",
			}),

			RunsTerminalTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "healerd_runs_terminal_total",
					Help: "Total number of playbook runs reaching a terminal state",
				},
				[]string{"status"}, // succeeded, failed, rolled_back, aborted
			),

			StepDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "healerd_step_duration_seconds",
					Help:    "Duration of playbook step executions in seconds",
					Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
				},
				[]string{"playbook"},
			),

			RollbackStepsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "healerd_rollback_steps_total",
				Help: "Total number of rollback actions invoked",
			}),

			MTTRSeconds: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "healerd_mttr_seconds",
					Help: "Mean time to recovery in seconds",
				},
				[]string{"window"}, // all, short, long
			),

			SLABreachesTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "healerd_sla_breaches_total",
				Help: "Total number of resolutions exceeding their SLA target",
			}),

			CAPATicketsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "healerd_capa_tickets_total",
					Help: "Total number of auto-created CAPA tickets",
				},
				[]string{"category"},
			),
		}
	})
	return globalMetrics
}
