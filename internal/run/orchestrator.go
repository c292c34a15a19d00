package run

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healerd/internal/executor"
	"github.com/fyrsmithlabs/healerd/internal/incident"
	"github.com/fyrsmithlabs/healerd/internal/metrics"
	"github.com/fyrsmithlabs/healerd/internal/playbook"
	"github.com/fyrsmithlabs/healerd/internal/verification"
)

const instrumentationName = "github.com/fyrsmithlabs/healerd/internal/run"

// DefaultRunTimeout bounds a whole run unless configured otherwise.
const DefaultRunTimeout = 10 * time.Minute

// Config tunes the orchestrator.
type Config struct {
	// RunTimeout forces an abort with reason "timeout" when exceeded.
	RunTimeout time.Duration
}

func (c *Config) withDefaults() *Config {
	out := Config{}
	if c != nil {
		out = *c
	}
	if out.RunTimeout <= 0 {
		out.RunTimeout = DefaultRunTimeout
	}
	return &out
}

// Options wires the orchestrator's collaborators. Catalog, Executor,
// Verifier, and Store are required; the rest may be nil.
type Options struct {
	Catalog  *playbook.Catalog
	Executor executor.Executor
	Verifier *verification.Engine
	Store    Store
	Events   *incident.Log
	Metrics  *metrics.Metrics
	Config   *Config
	Logger   *zap.Logger
}

// Orchestrator owns the playbook run state machine.
type Orchestrator struct {
	catalog  *playbook.Catalog
	exec     executor.Executor
	verifier *verification.Engine
	store    Store
	events   *incident.Log
	metrics  *metrics.Metrics
	cfg      *Config
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time

	mu     sync.Mutex
	active map[activeKey]*activeRun
}

type activeKey struct {
	target     string
	playbookID string
}

type activeRun struct {
	runID  string
	cancel context.CancelCauseFunc
}

// abortCause carries a cooperative abort request through context
// cancellation.
type abortCause struct {
	reason   string
	rollback bool
}

func (a *abortCause) Error() string {
	return "run aborted: " + a.reason
}

// NewOrchestrator creates a run orchestrator.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Catalog == nil {
		return nil, errors.New("catalog is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("executor is required")
	}
	if opts.Verifier == nil {
		return nil, errors.New("verification engine is required")
	}
	if opts.Store == nil {
		return nil, errors.New("run store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		catalog:  opts.Catalog,
		exec:     opts.Executor,
		verifier: opts.Verifier,
		store:    opts.Store,
		events:   opts.Events,
		metrics:  opts.Metrics,
		cfg:      opts.Config.withDefaults(),
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		now:      time.Now,
		active:   make(map[activeKey]*activeRun),
	}, nil
}

// Create validates the request and returns a pending run. Unknown playbooks,
// unmet preconditions, and bad parameters are rejected with ErrValidation
// before any state exists.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (*Run, error) {
	ctx, span := o.tracer.Start(ctx, "run.create",
		trace.WithAttributes(attribute.String("run.playbook", req.Playbook)))
	defer span.End()

	pb, ok := o.catalog.Get(req.Playbook)
	if !ok {
		pb, ok = o.catalog.ByID(req.Playbook)
	}
	if !ok {
		return nil, fmt.Errorf("%w: unknown playbook %q", ErrValidation, req.Playbook)
	}

	if cond, unmet := pb.UnmetPrecondition(req.Diagnosis.Context()); unmet {
		return nil, fmt.Errorf("%w: precondition %s %s %v not met for playbook %q",
			ErrValidation, cond.Field, cond.Op, cond.Value, pb.Name)
	}
	if err := pb.ValidateParams(req.Parameters); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	target := req.Target
	if target == "" {
		target = req.Diagnosis.Service
	}

	r := &Run{
		ID:           uuid.NewString(),
		PlaybookID:   pb.ID,
		PlaybookName: pb.Name,
		Target:       target,
		Status:       StatusPending,
		Requester:    req.Requester,
		ApprovalRef:  req.ApprovalRef,
		Parameters:   req.Parameters,
		Diagnosis:    req.Diagnosis,
		IncidentID:   req.IncidentID,
		CreatedAt:    o.now().UTC(),
	}
	if err := o.store.SaveRun(ctx, r); err != nil {
		return nil, fmt.Errorf("save run: %w", err)
	}

	o.logger.Info("run created",
		zap.String("run_id", r.ID),
		zap.String("playbook", r.PlaybookName),
		zap.String("target", r.Target),
	)
	o.appendEvent(ctx, r, "run_created", fmt.Sprintf("playbook %q queued against %s", r.PlaybookName, r.Target))
	return r, nil
}

// Start transitions pending -> running. The compare-and-set guard rejects a
// second active run for the same (target, playbook) pair with
// ErrRunConflict.
func (o *Orchestrator) Start(ctx context.Context, r *Run) error {
	if r.Status != StatusPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, StatusRunning)
	}

	key := activeKey{target: r.Target, playbookID: r.PlaybookID}
	o.mu.Lock()
	if holder, busy := o.active[key]; busy {
		o.mu.Unlock()
		return fmt.Errorf("%w: run %s already active for (%s, %s)",
			ErrRunConflict, holder.runID, r.Target, r.PlaybookName)
	}
	o.active[key] = &activeRun{runID: r.ID}
	o.mu.Unlock()

	started := o.now().UTC()
	r.Status = StatusRunning
	r.StartedAt = &started
	if err := o.store.SaveRun(ctx, r); err != nil {
		o.release(key)
		r.Status = StatusPending
		r.StartedAt = nil
		return fmt.Errorf("save run: %w", err)
	}

	if o.metrics != nil {
		o.metrics.RunsStartedTotal.Inc()
	}
	o.logger.Info("run started",
		zap.String("run_id", r.ID),
		zap.String("playbook", r.PlaybookName),
		zap.String("target", r.Target),
	)
	o.appendEvent(ctx, r, "run_started", fmt.Sprintf("playbook %q started against %s", r.PlaybookName, r.Target))
	return nil
}

// Abort cooperatively stops a running run: an in-flight step completes or
// times out, then the run transitions to aborted with the given reason.
// Completed steps are not rolled back unless rollbackExecuted is set.
func (o *Orchestrator) Abort(ctx context.Context, r *Run, reason string, rollbackExecuted bool) error {
	if r.Status != StatusRunning {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, StatusAborted)
	}

	key := activeKey{target: r.Target, playbookID: r.PlaybookID}
	o.mu.Lock()
	entry, ok := o.active[key]
	if ok && entry.runID != r.ID {
		ok = false
	}
	var cancel context.CancelCauseFunc
	if ok {
		cancel = entry.cancel
	}
	o.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: run %s", ErrNotActive, r.ID)
	}
	if cancel == nil {
		// Started but never executed: transition directly.
		return o.transition(ctx, r, StatusAborted, reason, nil)
	}
	cancel(&abortCause{reason: reason, rollback: rollbackExecuted})
	return nil
}

// transition moves the run forward, persists it, and emits the side effects
// every transition carries. Terminal transitions release the active guard.
func (o *Orchestrator) transition(ctx context.Context, r *Run, to Status, reason string, ev map[string]any) error {
	if !canTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	from := r.Status
	r.Status = to
	r.Reason = reason
	if to.Terminal() {
		ended := o.now().UTC()
		r.EndedAt = &ended
	}

	if err := o.store.SaveRun(ctx, r); err != nil {
		// Losing a terminal state silently is a correctness bug; the
		// guard is still released so the pair is not wedged forever.
		if to.Terminal() {
			o.release(activeKey{target: r.Target, playbookID: r.PlaybookID})
		}
		return fmt.Errorf("persist %s -> %s for run %s: %w", from, to, r.ID, err)
	}

	if to.Terminal() {
		o.release(activeKey{target: r.Target, playbookID: r.PlaybookID})
		if o.metrics != nil {
			o.metrics.RunsTerminalTotal.WithLabelValues(string(to)).Inc()
		}
	}

	o.logger.Info("run status changed",
		zap.String("run_id", r.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason),
	)
	msg := fmt.Sprintf("run %s", to)
	if reason != "" {
		msg = fmt.Sprintf("run %s: %s", to, reason)
	}
	o.appendEvent(ctx, r, "run_"+string(to), msg, ev)
	return nil
}

func (o *Orchestrator) release(key activeKey) {
	o.mu.Lock()
	delete(o.active, key)
	o.mu.Unlock()
}

func (o *Orchestrator) appendEvent(ctx context.Context, r *Run, eventType, message string, details ...map[string]any) {
	if o.events == nil || r.IncidentID == "" {
		return
	}
	var det map[string]any
	if len(details) > 0 && details[0] != nil {
		det = details[0]
	} else {
		det = map[string]any{}
	}
	det["run_id"] = r.ID
	det["playbook"] = r.PlaybookName
	if _, err := o.events.Append(ctx, r.IncidentID, eventType, message, det); err != nil {
		o.logger.Warn("failed to append incident event",
			zap.String("run_id", r.ID),
			zap.String("event", eventType),
			zap.Error(err),
		)
	}
}
