package run

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/healerd/internal/executor"
	"github.com/fyrsmithlabs/healerd/internal/incident"
	"github.com/fyrsmithlabs/healerd/internal/playbook"
	"github.com/fyrsmithlabs/healerd/internal/verification"
)

// mockExecutor scripts outcomes per action and records invocation order.
type mockExecutor struct {
	mu      sync.Mutex
	results map[string]executor.RawResult
	errs    map[string]error
	delays  map[string]time.Duration
	calls   []string
}

func newMockExecutor() *mockExecutor {
	return &mockExecutor{
		results: make(map[string]executor.RawResult),
		errs:    make(map[string]error),
		delays:  make(map[string]time.Duration),
	}
}

func (m *mockExecutor) Execute(ctx context.Context, action string, _ map[string]any, _ time.Duration) (executor.RawResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, action)
	delay := m.delays[action]
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return executor.RawResult{}, context.Cause(ctx)
		}
	}
	if err, ok := m.errs[action]; ok {
		return executor.RawResult{}, err
	}
	if raw, ok := m.results[action]; ok {
		return raw, nil
	}
	return executor.BoolRaw(true), nil
}

func (m *mockExecutor) callLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// mockRunStore records runs and step runs in memory.
type mockRunStore struct {
	mu       sync.Mutex
	runs     map[string]Run
	stepRuns []StepRun
	failSave error
}

func newMockRunStore() *mockRunStore {
	return &mockRunStore{runs: make(map[string]Run)}
}

func (m *mockRunStore) SaveRun(_ context.Context, r *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave != nil {
		return m.failSave
	}
	m.runs[r.ID] = *r
	return nil
}

func (m *mockRunStore) SaveStepRun(_ context.Context, sr *StepRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stepRuns = append(m.stepRuns, *sr)
	return nil
}

func (m *mockRunStore) steps() []StepRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StepRun, len(m.stepRuns))
	copy(out, m.stepRuns)
	return out
}

type mockIncidentStore struct {
	mu     sync.Mutex
	events []*incident.Event
}

func (m *mockIncidentStore) SaveIncident(_ context.Context, _ *incident.Incident) error {
	return nil
}

func (m *mockIncidentStore) AppendEvent(_ context.Context, ev *incident.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *mockIncidentStore) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, ev := range m.events {
		out[i] = ev.Type
	}
	return out
}

func twoStepPlaybook() *playbook.Playbook {
	return &playbook.Playbook{
		ID:   "pb-restart",
		Name: "restart-service",
		Steps: []playbook.Step{
			{ID: "s1", Order: 1, Action: "drain", Timeout: 5 * time.Second},
			{ID: "s2", Order: 2, Action: "restart", Timeout: 5 * time.Second,
				RollbackAction: "restore", RollbackArgs: map[string]any{"force": true}},
		},
	}
}

type fixture struct {
	orch      *Orchestrator
	exec      *mockExecutor
	store     *mockRunStore
	incidents *mockIncidentStore
	verify    *bool // post-step/post-plan checks pass when true
}

func newFixture(t *testing.T, pb *playbook.Playbook, cfg *Config) *fixture {
	t.Helper()
	cat, err := playbook.NewCatalog(pb)
	require.NoError(t, err)

	pass := true
	f := &fixture{
		exec:      newMockExecutor(),
		store:     newMockRunStore(),
		incidents: &mockIncidentStore{},
		verify:    &pass,
	}
	runner := verification.RunnerFunc(func(_ context.Context, _ playbook.Check, _ executor.ExecutionResult) (bool, string, error) {
		return *f.verify, "", nil
	})
	f.orch, err = NewOrchestrator(Options{
		Catalog:  cat,
		Executor: f.exec,
		Verifier: verification.NewEngine(runner, nil),
		Store:    f.store,
		Events:   incident.NewLog(f.incidents, nil),
		Config:   cfg,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) createAndStart(t *testing.T, pb *playbook.Playbook) *Run {
	t.Helper()
	r, err := f.orch.Create(context.Background(), CreateRequest{
		Playbook:   pb.Name,
		Target:     "checkout",
		Requester:  "auto-heal",
		IncidentID: "inc-1",
		Diagnosis: incident.Diagnosis{
			Service:  "checkout",
			Code:     "service_unresponsive",
			Severity: incident.SeverityHigh,
		},
	})
	require.NoError(t, err)
	require.Equal(t, StatusPending, r.Status)
	require.NoError(t, f.orch.Start(context.Background(), r))
	require.Equal(t, StatusRunning, r.Status)
	return r
}

func TestExecuteAllStepsSucceed(t *testing.T) {
	pb := twoStepPlaybook()
	pb.Checks = []playbook.Check{{Name: "smoke", Scope: playbook.ScopePostPlan, Type: playbook.CheckSmoke}}
	f := newFixture(t, pb, nil)
	r := f.createAndStart(t, pb)

	res, err := f.orch.Execute(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, r.Status)
	require.NotNil(t, r.EndedAt)
	require.Len(t, res.StepRuns, 2)
	assert.Equal(t, []string{"drain", "restart"}, f.exec.callLog())
	assert.Empty(t, res.Rollbacks)
	require.NotNil(t, res.Verification)
	assert.True(t, res.Verification.Passed)
}

func TestExecuteStepFailureRollsBack(t *testing.T) {
	// P = [S1 (no rollback), S2 (rollback "restore")]; S2 fails and
	// post-step verification fails: only restore is invoked and the run
	// ends rolled_back with step_runs = [S1 success, S2 failed].
	pb := twoStepPlaybook()
	f := newFixture(t, pb, nil)
	f.exec.results["restart"] = executor.BoolRaw(false)
	*f.verify = false
	r := f.createAndStart(t, pb)

	res, err := f.orch.Execute(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, r.Status)

	steps := f.store.steps()
	require.Len(t, steps, 2)
	assert.Equal(t, StepStatusSuccess, steps[0].Status)
	assert.Equal(t, 1, steps[0].Order)
	assert.Equal(t, StepStatusFailed, steps[1].Status)
	assert.Equal(t, 2, steps[1].Order)

	require.Len(t, res.Rollbacks, 1)
	assert.Equal(t, 2, res.Rollbacks[0].StepOrder)
	assert.Equal(t, "restore", res.Rollbacks[0].Action)
	assert.Equal(t, []string{"drain", "restart", "restore"}, f.exec.callLog())
}

func TestRollbackWalkReverseOrder(t *testing.T) {
	pb := &playbook.Playbook{
		ID:   "pb-multi",
		Name: "multi",
		Steps: []playbook.Step{
			{Order: 1, Action: "a1", Timeout: time.Second, RollbackAction: "r1"},
			{Order: 2, Action: "a2", Timeout: time.Second, RollbackAction: "r2"},
			{Order: 3, Action: "a3", Timeout: time.Second, RollbackAction: "r3"},
		},
	}
	f := newFixture(t, pb, nil)
	f.exec.results["a3"] = executor.BoolRaw(false)
	*f.verify = false
	r := f.createAndStart(t, pb)

	res, err := f.orch.Execute(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, r.Status)

	require.Len(t, res.Rollbacks, 3)
	assert.Equal(t, []string{"a1", "a2", "a3", "r3", "r2", "r1"}, f.exec.callLog())
	assert.Equal(t, 3, res.Rollbacks[0].StepOrder)
	assert.Equal(t, 1, res.Rollbacks[2].StepOrder)
}

func TestNoRollbackActionsMeansFailed(t *testing.T) {
	pb := &playbook.Playbook{
		ID:    "pb-plain",
		Name:  "plain",
		Steps: []playbook.Step{{Order: 1, Action: "fix", Timeout: time.Second}},
	}
	f := newFixture(t, pb, nil)
	f.exec.results["fix"] = executor.BoolRaw(false)
	*f.verify = false
	r := f.createAndStart(t, pb)

	res, err := f.orch.Execute(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, r.Status)
	assert.Contains(t, r.Reason, "manual intervention")
	assert.Empty(t, res.Rollbacks)
}

func TestRollbackActionFailureIsFatal(t *testing.T) {
	pb := twoStepPlaybook()
	f := newFixture(t, pb, nil)
	f.exec.results["restart"] = executor.BoolRaw(false)
	f.exec.results["restore"] = executor.BoolRaw(false)
	*f.verify = false
	r := f.createAndStart(t, pb)

	res, err := f.orch.Execute(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, r.Status)
	assert.Contains(t, r.Reason, "rollback action restore")
	// The failed rollback is recorded once and never retried.
	require.Len(t, res.Rollbacks, 1)
}

func TestPostPlanVerificationFailureRollsBack(t *testing.T) {
	pb := twoStepPlaybook()
	pb.Checks = []playbook.Check{{Name: "smoke", Scope: playbook.ScopePostPlan, Type: playbook.CheckSmoke}}
	f := newFixture(t, pb, nil)
	*f.verify = false
	r := f.createAndStart(t, pb)

	res, err := f.orch.Execute(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, r.Status)
	assert.Contains(t, r.Reason, "post-plan")
	require.Len(t, res.Rollbacks, 1)
}

func TestStepFailureToleratedWhenVerificationPasses(t *testing.T) {
	pb := twoStepPlaybook()
	pb.Checks = []playbook.Check{{Name: "health", Scope: playbook.ScopePostStep, Type: playbook.CheckHealthEndpoint}}
	f := newFixture(t, pb, nil)
	f.exec.results["drain"] = executor.BoolRaw(false)
	r := f.createAndStart(t, pb)

	_, err := f.orch.Execute(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, r.Status)
	assert.Equal(t, []string{"drain", "restart"}, f.exec.callLog())
}

func TestStartConflictGuard(t *testing.T) {
	pb := twoStepPlaybook()
	f := newFixture(t, pb, nil)
	r1 := f.createAndStart(t, pb)

	r2, err := f.orch.Create(context.Background(), CreateRequest{
		Playbook: pb.Name,
		Target:   "checkout",
		Diagnosis: incident.Diagnosis{
			Service: "checkout", Code: "service_unresponsive", Severity: incident.SeverityHigh,
		},
	})
	require.NoError(t, err)
	err = f.orch.Start(context.Background(), r2)
	require.ErrorIs(t, err, ErrRunConflict)

	// A different target is an independent pair.
	r3, err := f.orch.Create(context.Background(), CreateRequest{
		Playbook: pb.Name,
		Target:   "payments",
		Diagnosis: incident.Diagnosis{
			Service: "payments", Code: "service_unresponsive", Severity: incident.SeverityHigh,
		},
	})
	require.NoError(t, err)
	require.NoError(t, f.orch.Start(context.Background(), r3))

	// Finishing the first run frees the pair.
	_, err = f.orch.Execute(context.Background(), r1)
	require.NoError(t, err)
	require.True(t, r1.Status.Terminal())
	require.NoError(t, f.orch.Start(context.Background(), r2))
}

func TestForwardOnlyTransitions(t *testing.T) {
	pb := twoStepPlaybook()
	f := newFixture(t, pb, nil)
	r := f.createAndStart(t, pb)

	// Starting a running run is rejected.
	err := f.orch.Start(context.Background(), r)
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.orch.Execute(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, r.Status)

	// Terminal states never revert.
	err = f.orch.Abort(context.Background(), r, "too late", false)
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.orch.Execute(context.Background(), r)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCreateValidation(t *testing.T) {
	pb := twoStepPlaybook()
	pb.Preconditions = []playbook.Condition{{Field: "code", Op: playbook.OpEq, Value: "service_unresponsive"}}
	pb.Parameters = []playbook.ParamSpec{{Name: "reason", Type: "string", Required: true}}
	f := newFixture(t, pb, nil)

	diag := incident.Diagnosis{Service: "checkout", Code: "service_unresponsive", Severity: incident.SeverityHigh}

	_, err := f.orch.Create(context.Background(), CreateRequest{Playbook: "nope", Diagnosis: diag})
	require.ErrorIs(t, err, ErrValidation)

	_, err = f.orch.Create(context.Background(), CreateRequest{
		Playbook:  pb.Name,
		Diagnosis: incident.Diagnosis{Service: "checkout", Code: "other", Severity: incident.SeverityHigh},
		Parameters: map[string]any{"reason": "x"},
	})
	require.ErrorIs(t, err, ErrValidation)

	_, err = f.orch.Create(context.Background(), CreateRequest{Playbook: pb.Name, Diagnosis: diag})
	require.ErrorIs(t, err, ErrValidation, "missing required parameter")

	r, err := f.orch.Create(context.Background(), CreateRequest{
		Playbook:   pb.Name,
		Diagnosis:  diag,
		Parameters: map[string]any{"reason": "oncall"},
	})
	require.NoError(t, err)
	assert.Equal(t, "checkout", r.Target, "target defaults to diagnosis service")
}

func TestRunTimeoutAborts(t *testing.T) {
	pb := &playbook.Playbook{
		ID:   "pb-slow",
		Name: "slow",
		Steps: []playbook.Step{
			{Order: 1, Action: "slow", Timeout: 5 * time.Second, RollbackAction: "undo"},
		},
	}
	f := newFixture(t, pb, &Config{RunTimeout: 50 * time.Millisecond})
	f.exec.delays["slow"] = 2 * time.Second
	r := f.createAndStart(t, pb)

	res, err := f.orch.Execute(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, r.Status)
	assert.Equal(t, "timeout", r.Reason)
	// Timeout aborts never implicitly roll back.
	assert.Empty(t, res.Rollbacks)
}

func TestAbortCooperative(t *testing.T) {
	pb := &playbook.Playbook{
		ID:   "pb-slow",
		Name: "slow",
		Steps: []playbook.Step{
			{Order: 1, Action: "slow", Timeout: 10 * time.Second, RollbackAction: "undo"},
			{Order: 2, Action: "next", Timeout: time.Second},
		},
	}
	f := newFixture(t, pb, nil)
	f.exec.delays["slow"] = 5 * time.Second
	r := f.createAndStart(t, pb)

	done := make(chan *Result, 1)
	go func() {
		res, _ := f.orch.Execute(context.Background(), r)
		done <- res
	}()

	require.Eventually(t, func() bool {
		return len(f.exec.callLog()) > 0
	}, time.Second, 5*time.Millisecond, "step must be in flight")

	require.NoError(t, f.orch.Abort(context.Background(), r, "operator abort", false))

	select {
	case res := <-done:
		assert.Equal(t, StatusAborted, r.Status)
		assert.Equal(t, "operator abort", r.Reason)
		assert.Empty(t, res.Rollbacks, "abort never implicitly rolls back")
	case <-time.After(3 * time.Second):
		t.Fatal("execute did not return after abort")
	}
	assert.Equal(t, []string{"slow"}, f.exec.callLog(), "second step must not run")
}

func TestIncidentEventTrail(t *testing.T) {
	pb := twoStepPlaybook()
	f := newFixture(t, pb, nil)
	f.exec.results["restart"] = executor.BoolRaw(false)
	*f.verify = false
	r := f.createAndStart(t, pb)

	_, err := f.orch.Execute(context.Background(), r)
	require.NoError(t, err)

	types := f.incidents.types()
	assert.Equal(t, []string{
		"run_created",
		"run_started",
		"step_failed",
		"rollback_step",
		"run_rolled_back",
	}, types)
}

func TestFatalPersistsFailureBeforeSurfacing(t *testing.T) {
	pb := twoStepPlaybook()
	f := newFixture(t, pb, nil)
	r := f.createAndStart(t, pb)

	// Vanishing playbook is an orchestrator-internal fault.
	r.PlaybookID = "gone"
	_, err := f.orch.Execute(context.Background(), r)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, r.Status)
	assert.Contains(t, r.Reason, "internal fault")
}

func TestExecutorErrorBecomesFailedStep(t *testing.T) {
	pb := twoStepPlaybook()
	f := newFixture(t, pb, nil)
	f.exec.errs["restart"] = errors.New("agent unreachable")
	*f.verify = false
	r := f.createAndStart(t, pb)

	_, err := f.orch.Execute(context.Background(), r)
	require.NoError(t, err, "executor errors resolve into run state, not errors")
	assert.Equal(t, StatusRolledBack, r.Status)

	steps := f.store.steps()
	require.Len(t, steps, 2)
	assert.Contains(t, steps[1].Log, "agent unreachable")
}
