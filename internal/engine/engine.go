// Package engine is the remediation facade tying the pipeline together:
// diagnosis in, ranked playbook chosen, run executed and verified, recovery
// tracked, outcome recorded, and the ranking policy updated with the result.
// CAPA escalation fires off the diagnosis independently of the run.
package engine

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healerd/internal/capa"
	"github.com/fyrsmithlabs/healerd/internal/incident"
	"github.com/fyrsmithlabs/healerd/internal/metrics"
	"github.com/fyrsmithlabs/healerd/internal/mttr"
	"github.com/fyrsmithlabs/healerd/internal/outcome"
	"github.com/fyrsmithlabs/healerd/internal/playbook"
	"github.com/fyrsmithlabs/healerd/internal/ranking"
	"github.com/fyrsmithlabs/healerd/internal/run"
)

const instrumentationName = "github.com/fyrsmithlabs/healerd/internal/engine"

// ErrNoCandidates means no playbook in the catalog applies to the diagnosis.
var ErrNoCandidates = errors.New("no applicable playbook for diagnosis")

// Reward values fed back to the ranking policy per terminal status. The
// policy itself treats reward as an opaque scalar; this mapping is the
// engine's convention.
const (
	rewardSuccess = 1.0
	rewardFailure = -1.0
	rewardNeutral = 0.0
)

// Request asks the engine to remediate one diagnosis.
type Request struct {
	Diagnosis incident.Diagnosis

	// Incident, when set, receives timeline events and is resolved on a
	// successful run, feeding the MTTR tracker.
	Incident *incident.Incident

	Parameters  map[string]any
	Requester   string
	ApprovalRef string
}

// Outcome reports everything one remediation attempt produced.
type Outcome struct {
	// Candidates are the applicable playbook names in ranked order.
	Candidates []string

	// Chosen is the executed playbook name.
	Chosen string

	Run        *run.Run
	StepRuns   []*run.StepRun
	Rollbacks  []run.RollbackInvocation
	Ticket     *capa.Ticket
	Report     *mttr.Report
	Statistics *outcome.Statistics
}

// Options wires the engine's collaborators. Catalog, Orchestrator, Policy,
// and Recorder are required.
type Options struct {
	Catalog      *playbook.Catalog
	Orchestrator *run.Orchestrator
	Policy       *ranking.Policy
	Recorder     *outcome.Recorder
	Tracker      *mttr.Tracker
	Incidents    *incident.Log
	Escalator    *capa.Escalator
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
}

// Engine drives the remediation loop.
type Engine struct {
	catalog   *playbook.Catalog
	orch      *run.Orchestrator
	policy    *ranking.Policy
	recorder  *outcome.Recorder
	tracker   *mttr.Tracker
	incidents *incident.Log
	escalator *capa.Escalator
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
}

// New creates the remediation engine.
func New(opts Options) (*Engine, error) {
	if opts.Catalog == nil {
		return nil, errors.New("catalog is required")
	}
	if opts.Orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}
	if opts.Policy == nil {
		return nil, errors.New("ranking policy is required")
	}
	if opts.Recorder == nil {
		return nil, errors.New("outcome recorder is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		catalog:   opts.Catalog,
		orch:      opts.Orchestrator,
		policy:    opts.Policy,
		recorder:  opts.Recorder,
		tracker:   opts.Tracker,
		incidents: opts.Incidents,
		escalator: opts.Escalator,
		metrics:   opts.Metrics,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
	}, nil
}

// Remediate runs the full loop for one diagnosis. The returned Outcome is
// populated as far as the attempt got even when err is non-nil.
func (e *Engine) Remediate(ctx context.Context, req Request) (*Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "engine.remediate",
		trace.WithAttributes(
			attribute.String("diagnosis.service", req.Diagnosis.Service),
			attribute.String("diagnosis.code", req.Diagnosis.Code),
			attribute.String("diagnosis.severity", string(req.Diagnosis.Severity)),
		))
	defer span.End()

	out := &Outcome{}
	e.escalate(ctx, req.Diagnosis, out)

	candidates := e.catalog.Candidates(req.Diagnosis)
	if len(candidates) == 0 {
		span.SetStatus(codes.Error, ErrNoCandidates.Error())
		return out, fmt.Errorf("%w: service %q code %q",
			ErrNoCandidates, req.Diagnosis.Service, req.Diagnosis.Code)
	}
	names := make([]string, len(candidates))
	byName := make(map[string]*playbook.Playbook, len(candidates))
	for i, pb := range candidates {
		names[i] = pb.Name
		byName[pb.Name] = pb
	}
	out.Candidates = e.policy.Recommend(req.Diagnosis.Service, req.Diagnosis.Code, names)
	chosen := byName[out.Candidates[0]]
	out.Chosen = chosen.Name

	e.logger.Info("playbook chosen",
		zap.String("service", req.Diagnosis.Service),
		zap.String("diagnosis_code", req.Diagnosis.Code),
		zap.String("playbook", chosen.Name),
		zap.Int("candidates", len(out.Candidates)),
	)

	incidentID := ""
	if req.Incident != nil {
		incidentID = req.Incident.ID
	}
	r, err := e.orch.Create(ctx, run.CreateRequest{
		Playbook:    chosen.Name,
		Target:      req.Diagnosis.Service,
		Parameters:  req.Parameters,
		Diagnosis:   req.Diagnosis,
		Requester:   req.Requester,
		ApprovalRef: req.ApprovalRef,
		IncidentID:  incidentID,
	})
	if err != nil {
		return out, err
	}
	out.Run = r
	if err := e.orch.Start(ctx, r); err != nil {
		return out, err
	}
	res, err := e.orch.Execute(ctx, r)
	if res != nil {
		out.StepRuns = res.StepRuns
		out.Rollbacks = res.Rollbacks
	}
	if err != nil {
		return out, err
	}

	e.settle(ctx, req, chosen, res, out)
	span.SetAttributes(attribute.String("run.status", string(r.Status)))
	return out, nil
}

// escalate fires the CAPA check. An escalation fault never blocks
// remediation.
func (e *Engine) escalate(ctx context.Context, diag incident.Diagnosis, out *Outcome) {
	if e.escalator == nil {
		return
	}
	ticket, err := e.escalator.AutoCreateFromDiagnostic(ctx, diag)
	if err != nil {
		e.logger.Error("capa escalation failed",
			zap.String("service", diag.Service),
			zap.String("diagnosis_code", diag.Code),
			zap.Error(err),
		)
		return
	}
	out.Ticket = ticket
}

// settle runs the post-terminal bookkeeping: incident resolution and MTTR
// on success, outcome ledger write, and the policy reward update. Each leg
// is best-effort and logged on failure; the run's terminal state is already
// durable.
func (e *Engine) settle(ctx context.Context, req Request, chosen *playbook.Playbook, res *run.Result, out *Outcome) {
	r := res.Run

	if r.Status == run.StatusSucceeded && req.Incident != nil {
		e.resolveIncident(ctx, req.Incident, r, out)
	}

	rec := &outcome.Record{
		PlaybookID:           chosen.ID,
		ActionType:           firstAction(chosen),
		DiagnosisCode:        req.Diagnosis.Code,
		Success:              r.Status == run.StatusSucceeded,
		ConfidenceScore:      req.Diagnosis.Confidence,
		ExecutionTimeSeconds: r.Duration().Seconds(),
		ProblemResolved:      res.Verification != nil && res.Verification.Passed,
		RollbackOccurred:     r.Status == run.StatusRolledBack,
		Tier:                 string(req.Diagnosis.Severity),
		Context: map[string]any{
			"service":   r.Target,
			"run_id":    r.ID,
			"requester": r.Requester,
		},
	}
	stats, err := e.recorder.Record(ctx, rec)
	if err != nil {
		e.logger.Error("outcome record failed",
			zap.String("run_id", r.ID),
			zap.Error(err),
		)
	} else {
		out.Statistics = stats
	}

	e.policy.RecordExperience(ranking.Experience{
		IncidentID:    r.IncidentID,
		Service:       req.Diagnosis.Service,
		DiagnosisCode: req.Diagnosis.Code,
		Candidates:    out.Candidates,
		Chosen:        chosen.Name,
		Reward:        rewardFor(r.Status),
	})
}

func (e *Engine) resolveIncident(ctx context.Context, inc *incident.Incident, r *run.Run, out *Outcome) {
	if e.incidents != nil {
		msg := fmt.Sprintf("remediated by playbook %q (run %s)", r.PlaybookName, r.ID)
		if err := e.incidents.Resolve(ctx, inc, msg); err != nil {
			e.logger.Error("incident resolve failed",
				zap.String("incident_id", inc.ID),
				zap.Error(err),
			)
			return
		}
	}
	if e.tracker == nil {
		return
	}
	report, err := e.tracker.TrackIncident(inc)
	if err != nil {
		e.logger.Warn("mttr tracking skipped",
			zap.String("incident_id", inc.ID),
			zap.Error(err),
		)
		return
	}
	out.Report = report
	if e.metrics != nil {
		e.metrics.MTTRSeconds.WithLabelValues("all").Set(report.MeanAll.Seconds())
		e.metrics.MTTRSeconds.WithLabelValues("short").Set(report.MeanShort.Seconds())
		e.metrics.MTTRSeconds.WithLabelValues("long").Set(report.MeanLong.Seconds())
		if report.SLABreach {
			e.metrics.SLABreachesTotal.Inc()
		}
	}
}

// RehydratePolicy rebuilds the ranking policy's score table by replaying the
// outcome ledger oldest first. Records whose service cannot be recovered
// from context are skipped.
func (e *Engine) RehydratePolicy(ctx context.Context) (int, error) {
	records, err := e.recorder.Records(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("load outcome records: %w", err)
	}

	replayed := 0
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		service, _ := rec.Context["service"].(string)
		if service == "" || rec.DiagnosisCode == "" {
			continue
		}
		name := rec.PlaybookID
		if pb, ok := e.catalog.ByID(rec.PlaybookID); ok {
			name = pb.Name
		}
		reward := rewardFailure
		if rec.Success {
			reward = rewardSuccess
		}
		e.policy.RecordExperience(ranking.Experience{
			Service:       service,
			DiagnosisCode: rec.DiagnosisCode,
			Chosen:        name,
			Reward:        reward,
			RecordedAt:    rec.CreatedAt,
		})
		replayed++
	}
	e.logger.Info("ranking policy rehydrated",
		zap.Int("records", len(records)),
		zap.Int("replayed", replayed),
	)
	return replayed, nil
}

// rewardFor maps a terminal run status to the policy reward scalar.
func rewardFor(status run.Status) float64 {
	switch status {
	case run.StatusSucceeded:
		return rewardSuccess
	case run.StatusFailed, run.StatusRolledBack:
		return rewardFailure
	default:
		return rewardNeutral
	}
}

func firstAction(pb *playbook.Playbook) string {
	if len(pb.Steps) == 0 {
		return ""
	}
	return pb.Steps[0].Action
}
