// Package verification runs post-step and post-plan checks and decides
// whether a playbook run must roll back.
//
// Checks run sequentially in declared order and combine with AND semantics:
// any failing or erroring check fails the whole verification and requests
// rollback. A check's own runtime error is reported as a failed check, never
// surfaced as an engine error; an engine-level fault (no playbook to resolve
// checks from) fails closed.
package verification

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healerd/internal/executor"
	"github.com/fyrsmithlabs/healerd/internal/playbook"
)

const instrumentationName = "github.com/fyrsmithlabs/healerd/internal/verification"

// Runner executes one verification check against the live system. Concrete
// probes (health endpoints, metric queries, scripts, smoke tests) are
// provided by the host.
type Runner interface {
	RunCheck(ctx context.Context, check playbook.Check, last executor.ExecutionResult) (passed bool, details string, err error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, check playbook.Check, last executor.ExecutionResult) (bool, string, error)

// RunCheck implements Runner.
func (f RunnerFunc) RunCheck(ctx context.Context, check playbook.Check, last executor.ExecutionResult) (bool, string, error) {
	return f(ctx, check, last)
}

// CheckResult reports one check's outcome.
type CheckResult struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Details string `json:"details,omitempty"`
}

// Result is the combined verification verdict.
type Result struct {
	Passed          bool          `json:"passed"`
	ChecksPerformed []CheckResult `json:"checks_performed"`
	RollbackNeeded  bool          `json:"rollback_needed"`
}

// Engine resolves and runs verification checks for a playbook.
type Engine struct {
	runner Runner
	logger *zap.Logger
	tracer trace.Tracer
}

// NewEngine creates a verification engine. logger may be nil.
func NewEngine(runner Runner, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		runner: runner,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
	}
}

// Check runs all checks for the given scope. For ScopePostStep, stepOrder
// selects the step the checks are bound to. A nil playbook or missing runner
// fails closed with rollback requested.
func (e *Engine) Check(ctx context.Context, scope playbook.CheckScope, pb *playbook.Playbook, stepOrder int, last executor.ExecutionResult) Result {
	ctx, span := e.tracer.Start(ctx, "verification.check",
		trace.WithAttributes(
			attribute.String("verification.scope", string(scope)),
			attribute.Int("verification.step_order", stepOrder),
		))
	defer span.End()

	if pb == nil || e.runner == nil {
		e.logger.Error("verification engine fault, failing closed",
			zap.Bool("playbook_missing", pb == nil),
			zap.Bool("runner_missing", e.runner == nil),
		)
		return Result{
			Passed:         false,
			RollbackNeeded: true,
			ChecksPerformed: []CheckResult{{
				Name:    "engine",
				Passed:  false,
				Details: "verification engine fault: cannot resolve checks",
			}},
		}
	}

	checks := pb.ChecksFor(scope, stepOrder)
	result := Result{Passed: true}
	for _, check := range checks {
		cr := e.runOne(ctx, check, last)
		result.ChecksPerformed = append(result.ChecksPerformed, cr)
		if !cr.Passed {
			result.Passed = false
		}
	}
	result.RollbackNeeded = !result.Passed

	span.SetAttributes(
		attribute.Int("verification.checks", len(result.ChecksPerformed)),
		attribute.Bool("verification.passed", result.Passed),
	)
	return result
}

func (e *Engine) runOne(ctx context.Context, check playbook.Check, last executor.ExecutionResult) CheckResult {
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = playbook.DefaultCheckTimeout
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	passed, details, err := e.runner.RunCheck(checkCtx, check, last)
	elapsed := time.Since(start)

	if err != nil {
		// A check's own error is a failed check, never a crashed run.
		e.logger.Warn("verification check errored",
			zap.String("check", check.Name),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return CheckResult{
			Name:    check.Name,
			Passed:  false,
			Details: fmt.Sprintf("check error: %v", err),
		}
	}

	e.logger.Debug("verification check finished",
		zap.String("check", check.Name),
		zap.Bool("passed", passed),
		zap.Duration("elapsed", elapsed),
	)
	return CheckResult{Name: check.Name, Passed: passed, Details: details}
}
