// Package mttr computes recovery-time statistics: mean and median MTTR over
// the full history and trailing windows, trend classification, regression
// detection, and per-severity SLA breach checks.
package mttr

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healerd/internal/incident"
)

// Common errors for MTTR tracking.
var (
	ErrNotResolved     = errors.New("incident is not resolved")
	ErrInvalidInterval = errors.New("resolved_at precedes started_at")
)

// Trend classifies the recent MTTR direction.
type Trend string

const (
	TrendImproving        Trend = "improving"
	TrendDegrading        Trend = "degrading"
	TrendStable           Trend = "stable"
	TrendInsufficientData Trend = "insufficient_data"
)

// Config tunes tracking thresholds. Zero values take defaults.
type Config struct {
	// SLATargets maps severity to the maximum acceptable resolution time.
	SLATargets map[incident.Severity]time.Duration

	// ShortWindow and LongWindow bound the trailing trend windows.
	ShortWindow time.Duration
	LongWindow  time.Duration

	// MinTrendSamples is the history size below which trend is
	// insufficient_data.
	MinTrendSamples int

	// MinRegressionSamples gates the regression flag.
	MinRegressionSamples int

	// RegressionRatio flags regression when short/long MTTR exceeds it.
	RegressionRatio float64

	// ImprovingRatio / DegradingRatio bound the stable band.
	ImprovingRatio float64
	DegradingRatio float64
}

// DefaultConfig returns the standard thresholds: SLA targets of 300s
// (critical), 900s (high), 1800s (medium), 3600s (low); 24h/168h windows;
// trend band [0.9, 1.1]; regression above 1.2 with at least 10 incidents.
func DefaultConfig() *Config {
	return &Config{
		SLATargets: map[incident.Severity]time.Duration{
			incident.SeverityCritical: 300 * time.Second,
			incident.SeverityHigh:     900 * time.Second,
			incident.SeverityMedium:   1800 * time.Second,
			incident.SeverityLow:      3600 * time.Second,
		},
		ShortWindow:          24 * time.Hour,
		LongWindow:           168 * time.Hour,
		MinTrendSamples:      5,
		MinRegressionSamples: 10,
		RegressionRatio:      1.2,
		ImprovingRatio:       0.9,
		DegradingRatio:       1.1,
	}
}

func (c *Config) withDefaults() *Config {
	def := DefaultConfig()
	if c == nil {
		return def
	}
	out := *c
	if out.SLATargets == nil {
		out.SLATargets = def.SLATargets
	}
	if out.ShortWindow <= 0 {
		out.ShortWindow = def.ShortWindow
	}
	if out.LongWindow <= 0 {
		out.LongWindow = def.LongWindow
	}
	if out.MinTrendSamples <= 0 {
		out.MinTrendSamples = def.MinTrendSamples
	}
	if out.MinRegressionSamples <= 0 {
		out.MinRegressionSamples = def.MinRegressionSamples
	}
	if out.RegressionRatio <= 0 {
		out.RegressionRatio = def.RegressionRatio
	}
	if out.ImprovingRatio <= 0 {
		out.ImprovingRatio = def.ImprovingRatio
	}
	if out.DegradingRatio <= 0 {
		out.DegradingRatio = def.DegradingRatio
	}
	return &out
}

// Sample is one resolved incident's recovery time.
type Sample struct {
	IncidentID     string            `json:"incident_id"`
	Service        string            `json:"service"`
	Severity       incident.Severity `json:"severity"`
	ResolvedAt     time.Time         `json:"resolved_at"`
	ResolutionTime time.Duration     `json:"resolution_time"`
}

// Report is the statistics snapshot produced after tracking one incident.
type Report struct {
	IncidentID     string        `json:"incident_id"`
	ResolutionTime time.Duration `json:"resolution_time"`
	SLATarget      time.Duration `json:"sla_target"`
	SLABreach      bool          `json:"sla_breach"`

	MeanAll     time.Duration `json:"mean_all"`
	MedianAll   time.Duration `json:"median_all"`
	MeanShort   time.Duration `json:"mean_short"`
	MeanLong    time.Duration `json:"mean_long"`
	Trend       Trend         `json:"trend"`
	Regression  bool          `json:"regression"`
	SampleCount int           `json:"sample_count"`
}

// Tracker accumulates resolution samples and derives statistics. Safe for
// concurrent use.
type Tracker struct {
	mu      sync.Mutex
	cfg     *Config
	history []Sample
	logger  *zap.Logger
	now     func() time.Time
}

// NewTracker creates a tracker. cfg and logger may be nil.
func NewTracker(cfg *Config, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
}

// TrackIncident folds a resolved incident into the history and returns the
// refreshed statistics. Unresolved incidents return ErrNotResolved and are
// never counted as a breach; a resolution time below zero is rejected.
func (t *Tracker) TrackIncident(inc *incident.Incident) (*Report, error) {
	if inc.ResolvedAt == nil {
		return nil, ErrNotResolved
	}
	resolution := inc.ResolvedAt.Sub(inc.StartedAt)
	if inc.StartedAt.IsZero() || resolution < 0 {
		return nil, ErrInvalidInterval
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.history = append(t.history, Sample{
		IncidentID:     inc.ID,
		Service:        inc.Service,
		Severity:       inc.Severity,
		ResolvedAt:     inc.ResolvedAt.UTC(),
		ResolutionTime: resolution,
	})

	report := t.buildReport(inc, resolution)
	t.logger.Info("tracked incident resolution",
		zap.String("incident_id", inc.ID),
		zap.Duration("resolution_time", resolution),
		zap.Bool("sla_breach", report.SLABreach),
		zap.String("trend", string(report.Trend)),
	)
	return report, nil
}

// History returns a copy of the accumulated samples.
func (t *Tracker) History() []Sample {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Sample, len(t.history))
	copy(out, t.history)
	return out
}

func (t *Tracker) buildReport(inc *incident.Incident, resolution time.Duration) *Report {
	now := t.now().UTC()
	report := &Report{
		IncidentID:     inc.ID,
		ResolutionTime: resolution,
		SampleCount:    len(t.history),
	}

	if target, ok := t.cfg.SLATargets[inc.Severity]; ok {
		report.SLATarget = target
		report.SLABreach = resolution > target
	}

	all := make([]time.Duration, 0, len(t.history))
	var short, long []time.Duration
	for _, s := range t.history {
		all = append(all, s.ResolutionTime)
		age := now.Sub(s.ResolvedAt)
		if age <= t.cfg.ShortWindow {
			short = append(short, s.ResolutionTime)
		}
		if age <= t.cfg.LongWindow {
			long = append(long, s.ResolutionTime)
		}
	}

	report.MeanAll = mean(all)
	report.MedianAll = median(all)
	report.MeanShort = mean(short)
	report.MeanLong = mean(long)
	report.Trend = t.classifyTrend(report.MeanShort, report.MeanLong)
	report.Regression = t.detectRegression(report.MeanShort, report.MeanLong)
	return report
}

func (t *Tracker) classifyTrend(short, long time.Duration) Trend {
	if len(t.history) < t.cfg.MinTrendSamples || long <= 0 || short <= 0 {
		return TrendInsufficientData
	}
	ratio := float64(short) / float64(long)
	switch {
	case ratio < t.cfg.ImprovingRatio:
		return TrendImproving
	case ratio > t.cfg.DegradingRatio:
		return TrendDegrading
	default:
		return TrendStable
	}
}

func (t *Tracker) detectRegression(short, long time.Duration) bool {
	if len(t.history) < t.cfg.MinRegressionSamples || long <= 0 {
		return false
	}
	return float64(short)/float64(long) > t.cfg.RegressionRatio
}

func mean(values []time.Duration) time.Duration {
	if len(values) == 0 {
		return 0
	}
	var sum time.Duration
	for _, v := range values {
		sum += v
	}
	return sum / time.Duration(len(values))
}

func median(values []time.Duration) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
