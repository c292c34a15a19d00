package run

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healerd/internal/executor"
	"github.com/fyrsmithlabs/healerd/internal/playbook"
)

// Execute drives a running run to a terminal state: the sequential step
// loop, post-step and post-plan verification, the rollback walk, and the
// run-level deadline. The returned error is non-nil only for
// orchestrator-internal faults; every executor or verification failure
// resolves into the run's terminal status instead.
func (o *Orchestrator) Execute(ctx context.Context, r *Run) (*Result, error) {
	ctx, span := o.tracer.Start(ctx, "run.execute",
		trace.WithAttributes(
			attribute.String("run.id", r.ID),
			attribute.String("run.playbook", r.PlaybookName),
			attribute.String("run.target", r.Target),
		))
	defer span.End()

	res := &Result{Run: r}
	if r.Status != StatusRunning {
		return res, fmt.Errorf("%w: execute requires a running run, got %s", ErrInvalidTransition, r.Status)
	}

	pb, ok := o.catalog.ByID(r.PlaybookID)
	if !ok {
		err := fmt.Errorf("playbook %q vanished from catalog", r.PlaybookID)
		span.SetStatus(codes.Error, err.Error())
		return res, o.fatal(ctx, r, res, err)
	}

	runCtx, cancelTimeout := context.WithTimeout(ctx, o.cfg.RunTimeout)
	defer cancelTimeout()
	runCtx, cancelCause := context.WithCancelCause(runCtx)
	defer cancelCause(nil)
	o.registerCancel(r, cancelCause)

	var executed []playbook.Step
	var lastResult executor.ExecutionResult

	for _, step := range pb.Steps {
		if reason, rollback, interrupted := o.interrupted(runCtx); interrupted {
			return o.finishAborted(ctx, r, res, executed, reason, rollback)
		}

		stepRes, err := o.executeStep(ctx, runCtx, r, pb, step)
		if err != nil {
			return res, o.fatal(ctx, r, res, err)
		}
		executed = append(executed, step)
		res.StepRuns = append(res.StepRuns, stepRes.stepRun)
		lastResult = stepRes.result

		if stepRes.result.OK {
			continue
		}

		// The run deadline may have expired mid-step; that is an abort,
		// not a rollback trigger.
		if reason, rollback, interrupted := o.interrupted(runCtx); interrupted {
			return o.finishAborted(ctx, r, res, executed, reason, rollback)
		}

		vres := o.verifier.Check(runCtx, playbook.ScopePostStep, pb, step.Order, stepRes.result)
		res.Verification = &vres
		if vres.Passed && len(vres.ChecksPerformed) > 0 {
			// Tolerating a failed step needs positive evidence that the
			// system is still healthy; a playbook with no post-step checks
			// cannot provide it.
			o.logger.Warn("step failed but post-step verification passed, continuing",
				zap.String("run_id", r.ID),
				zap.Int("step", step.Order),
			)
			o.appendEvent(ctx, r, "step_failure_tolerated",
				fmt.Sprintf("step %d failed but verification passed", step.Order))
			continue
		}

		reason := fmt.Sprintf("step %d (%s) failed and post-step verification failed", step.Order, step.Action)
		return o.finishWithRollback(ctx, r, pb, res, executed, reason)
	}

	if reason, rollback, interrupted := o.interrupted(runCtx); interrupted {
		return o.finishAborted(ctx, r, res, executed, reason, rollback)
	}

	vres := o.verifier.Check(runCtx, playbook.ScopePostPlan, pb, 0, lastResult)
	res.Verification = &vres
	if vres.Passed {
		if err := o.transition(ctx, r, StatusSucceeded, "", nil); err != nil {
			return res, err
		}
		span.SetAttributes(attribute.String("run.status", string(r.Status)))
		return res, nil
	}

	return o.finishWithRollback(ctx, r, pb, res, executed, "post-plan verification failed")
}

type stepOutcome struct {
	result  executor.ExecutionResult
	stepRun *StepRun
}

// executeStep invokes the executor for one step, normalizes the raw return,
// and persists the step-run row. Persisting rows in step order is what makes
// the step trail replayable.
func (o *Orchestrator) executeStep(ctx, runCtx context.Context, r *Run, pb *playbook.Playbook, step playbook.Step) (stepOutcome, error) {
	stepCtx, cancel := context.WithTimeout(runCtx, step.Timeout)
	defer cancel()

	start := o.now().UTC()
	raw, execErr := o.exec.Execute(stepCtx, step.Action, step.Args, step.Timeout)
	end := o.now().UTC()
	if execErr != nil {
		raw = executor.ErrorRaw(execErr)
	}
	result := executor.Normalize(raw, step.Action, end.Sub(start), start)

	status := StepStatusFailed
	if result.OK {
		status = StepStatusSuccess
	}
	sr := &StepRun{
		ID:         uuid.NewString(),
		RunID:      r.ID,
		StepID:     step.ID,
		Order:      step.Order,
		Status:     status,
		Log:        result.Summary(),
		StartedAt:  start,
		EndedAt:    end,
		DurationMS: result.DurationMS,
	}
	if err := o.store.SaveStepRun(ctx, sr); err != nil {
		return stepOutcome{}, fmt.Errorf("save step run %d: %w", step.Order, err)
	}

	if o.metrics != nil {
		o.metrics.StepDuration.WithLabelValues(pb.Name).Observe(end.Sub(start).Seconds())
	}
	o.logger.Info("step executed",
		zap.String("run_id", r.ID),
		zap.Int("step", step.Order),
		zap.String("action", step.Action),
		zap.String("status", string(result.Status)),
		zap.Int64("duration_ms", result.DurationMS),
	)
	if !result.OK {
		o.appendEvent(ctx, r, "step_failed",
			fmt.Sprintf("step %d (%s) %s", step.Order, step.Action, result.Status),
			map[string]any{"error": result.Error})
	}
	return stepOutcome{result: result, stepRun: sr}, nil
}

// finishWithRollback runs the backward rollback walk and settles the run:
// rolled_back when every defined rollback action succeeded, failed when no
// rollback exists or a rollback action itself failed.
func (o *Orchestrator) finishWithRollback(ctx context.Context, r *Run, pb *playbook.Playbook, res *Result, executed []playbook.Step, reason string) (*Result, error) {
	if !anyRollbackDefined(executed) {
		// Pretending a rollback happened would hide that manual
		// intervention is required.
		full := reason + "; no rollback actions defined, manual intervention required"
		if err := o.transition(ctx, r, StatusFailed, full, nil); err != nil {
			return res, err
		}
		return res, nil
	}

	walkErr := o.rollbackWalk(ctx, r, executed, res)
	if walkErr != nil {
		full := fmt.Sprintf("%s; %v", reason, walkErr)
		if err := o.transition(ctx, r, StatusFailed, full, nil); err != nil {
			return res, err
		}
		return res, nil
	}

	if err := o.transition(ctx, r, StatusRolledBack, reason, nil); err != nil {
		return res, err
	}
	return res, nil
}

// rollbackWalk replays executed steps backward, invoking each defined
// rollback action exactly once. A failed rollback action stops the walk and
// is returned as a fatal condition for the run; it is not retried.
func (o *Orchestrator) rollbackWalk(ctx context.Context, r *Run, executed []playbook.Step, res *Result) error {
	for i := len(executed) - 1; i >= 0; i-- {
		step := executed[i]
		if !step.HasRollback() {
			continue
		}

		stepCtx, cancel := context.WithTimeout(ctx, step.Timeout)
		start := o.now().UTC()
		raw, execErr := o.exec.Execute(stepCtx, step.RollbackAction, step.RollbackArgs, step.Timeout)
		end := o.now().UTC()
		cancel()
		if execErr != nil {
			raw = executor.ErrorRaw(execErr)
		}
		result := executor.Normalize(raw, step.RollbackAction, end.Sub(start), start)

		res.Rollbacks = append(res.Rollbacks, RollbackInvocation{
			StepOrder: step.Order,
			Action:    step.RollbackAction,
			Result:    result,
		})
		if o.metrics != nil {
			o.metrics.RollbackStepsTotal.Inc()
		}
		o.logger.Info("rollback action invoked",
			zap.String("run_id", r.ID),
			zap.Int("step", step.Order),
			zap.String("action", step.RollbackAction),
			zap.String("status", string(result.Status)),
		)
		o.appendEvent(ctx, r, "rollback_step",
			fmt.Sprintf("rollback of step %d via %s: %s", step.Order, step.RollbackAction, result.Status))

		if !result.OK {
			return fmt.Errorf("rollback action %s for step %d failed: %s",
				step.RollbackAction, step.Order, result.Status)
		}
	}
	return nil
}

// finishAborted settles an interrupted run. Abort never implicitly rolls
// back; the walk runs only when the aborter asked for it.
func (o *Orchestrator) finishAborted(ctx context.Context, r *Run, res *Result, executed []playbook.Step, reason string, rollback bool) (*Result, error) {
	if rollback && anyRollbackDefined(executed) {
		if walkErr := o.rollbackWalk(ctx, r, executed, res); walkErr != nil {
			o.logger.Error("rollback during abort failed",
				zap.String("run_id", r.ID),
				zap.Error(walkErr),
			)
			reason = fmt.Sprintf("%s; %v", reason, walkErr)
		}
	}
	if err := o.transition(ctx, r, StatusAborted, reason, nil); err != nil {
		return res, err
	}
	return res, nil
}

// fatal is the path for orchestrator-internal faults: best-effort persist
// the run as failed, then surface the error. Silent loss of run state is a
// correctness bug.
func (o *Orchestrator) fatal(ctx context.Context, r *Run, res *Result, cause error) error {
	if terr := o.transition(ctx, r, StatusFailed, fmt.Sprintf("internal fault: %v", cause), nil); terr != nil {
		o.logger.Error("failed to persist run failure after internal fault",
			zap.String("run_id", r.ID),
			zap.NamedError("fault", cause),
			zap.Error(terr),
		)
	}
	return cause
}

func (o *Orchestrator) registerCancel(r *Run, cancel context.CancelCauseFunc) {
	key := activeKey{target: r.Target, playbookID: r.PlaybookID}
	o.mu.Lock()
	if entry, ok := o.active[key]; ok && entry.runID == r.ID {
		entry.cancel = cancel
	}
	o.mu.Unlock()
}

// interrupted inspects the run context for a deadline or cooperative abort.
func (o *Orchestrator) interrupted(runCtx context.Context) (reason string, rollback bool, yes bool) {
	cause := context.Cause(runCtx)
	if cause == nil {
		return "", false, false
	}
	var ac *abortCause
	if errors.As(cause, &ac) {
		return ac.reason, ac.rollback, true
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		return "timeout", false, true
	}
	return cause.Error(), false, true
}

func anyRollbackDefined(executed []playbook.Step) bool {
	for _, s := range executed {
		if s.HasRollback() {
			return true
		}
	}
	return false
}
