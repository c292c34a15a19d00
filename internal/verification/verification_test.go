package verification

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/healerd/internal/executor"
	"github.com/fyrsmithlabs/healerd/internal/playbook"
)

func testPlaybook(checks ...playbook.Check) *playbook.Playbook {
	return &playbook.Playbook{
		ID:     "pb",
		Name:   "pb",
		Steps:  []playbook.Step{{Order: 1, Action: "noop"}},
		Checks: checks,
	}
}

func planCheck(name string) playbook.Check {
	return playbook.Check{
		ID:    name,
		Name:  name,
		Scope: playbook.ScopePostPlan,
		Type:  playbook.CheckSmoke,
	}
}

func TestCheckAllPass(t *testing.T) {
	runner := RunnerFunc(func(_ context.Context, _ playbook.Check, _ executor.ExecutionResult) (bool, string, error) {
		return true, "ok", nil
	})
	engine := NewEngine(runner, nil)

	res := engine.Check(context.Background(), playbook.ScopePostPlan, testPlaybook(planCheck("a"), planCheck("b")), 0, executor.ExecutionResult{})

	assert.True(t, res.Passed)
	assert.False(t, res.RollbackNeeded)
	require.Len(t, res.ChecksPerformed, 2)
	assert.Equal(t, "a", res.ChecksPerformed[0].Name)
	assert.Equal(t, "b", res.ChecksPerformed[1].Name)
}

func TestCheckAndSemantics(t *testing.T) {
	runner := RunnerFunc(func(_ context.Context, check playbook.Check, _ executor.ExecutionResult) (bool, string, error) {
		return check.Name != "b", "", nil
	})
	engine := NewEngine(runner, nil)

	res := engine.Check(context.Background(), playbook.ScopePostPlan, testPlaybook(planCheck("a"), planCheck("b"), planCheck("c")), 0, executor.ExecutionResult{})

	assert.False(t, res.Passed)
	assert.True(t, res.RollbackNeeded)
	// All checks still run; a failure does not short-circuit reporting.
	require.Len(t, res.ChecksPerformed, 3)
	assert.True(t, res.ChecksPerformed[0].Passed)
	assert.False(t, res.ChecksPerformed[1].Passed)
	assert.True(t, res.ChecksPerformed[2].Passed)
}

func TestCheckErrorBecomesFailedCheck(t *testing.T) {
	runner := RunnerFunc(func(_ context.Context, _ playbook.Check, _ executor.ExecutionResult) (bool, string, error) {
		return false, "", errors.New("probe unreachable")
	})
	engine := NewEngine(runner, nil)

	res := engine.Check(context.Background(), playbook.ScopePostPlan, testPlaybook(planCheck("a")), 0, executor.ExecutionResult{})

	assert.False(t, res.Passed)
	assert.True(t, res.RollbackNeeded)
	require.Len(t, res.ChecksPerformed, 1)
	assert.Contains(t, res.ChecksPerformed[0].Details, "probe unreachable")
}

func TestCheckNoChecksPasses(t *testing.T) {
	runner := RunnerFunc(func(_ context.Context, _ playbook.Check, _ executor.ExecutionResult) (bool, string, error) {
		t.Fatal("runner must not be called without checks")
		return false, "", nil
	})
	engine := NewEngine(runner, nil)

	res := engine.Check(context.Background(), playbook.ScopePostPlan, testPlaybook(), 0, executor.ExecutionResult{})
	assert.True(t, res.Passed)
	assert.False(t, res.RollbackNeeded)
	assert.Empty(t, res.ChecksPerformed)
}

func TestCheckFailsClosedOnEngineFault(t *testing.T) {
	engine := NewEngine(nil, nil)
	res := engine.Check(context.Background(), playbook.ScopePostPlan, nil, 0, executor.ExecutionResult{})
	assert.False(t, res.Passed)
	assert.True(t, res.RollbackNeeded)
}

func TestCheckStepScoping(t *testing.T) {
	bound := playbook.Check{
		Name:      "after-step-2",
		Scope:     playbook.ScopePostStep,
		StepOrder: 2,
		Type:      playbook.CheckMetric,
	}
	anyStep := playbook.Check{
		Name:  "every-step",
		Scope: playbook.ScopePostStep,
		Type:  playbook.CheckMetric,
	}
	runner := RunnerFunc(func(_ context.Context, _ playbook.Check, _ executor.ExecutionResult) (bool, string, error) {
		return true, "", nil
	})
	engine := NewEngine(runner, nil)

	res := engine.Check(context.Background(), playbook.ScopePostStep, testPlaybook(bound, anyStep), 1, executor.ExecutionResult{})
	require.Len(t, res.ChecksPerformed, 1)
	assert.Equal(t, "every-step", res.ChecksPerformed[0].Name)

	res = engine.Check(context.Background(), playbook.ScopePostStep, testPlaybook(bound, anyStep), 2, executor.ExecutionResult{})
	require.Len(t, res.ChecksPerformed, 2)
}
