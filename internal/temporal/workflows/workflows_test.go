package workflows

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"

	"github.com/jordanhubbard/tripdesk/internal/scheduler"
	"github.com/jordanhubbard/tripdesk/internal/temporal/activities"
)

func newEnv(t *testing.T) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	env.RegisterActivity(&activities.Activities{})
	return env
}

func TestBackupSweepWorkflow_ContinuesAsNew(t *testing.T) {
	env := newEnv(t)
	var a *activities.Activities
	env.OnActivity(a.SweepActivity, mock.Anything, activities.SweepInput{Trigger: scheduler.TriggerWorkflow}).
		Return(&activities.SweepResult{SweepID: "s", BatchesOpened: 1}, nil).Times(3)

	env.ExecuteWorkflow(BackupSweepWorkflow, SweepWorkflowInput{Interval: time.Minute, MaxIterations: 3})

	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)
	assert.True(t, workflow.IsContinueAsNewError(err), "expected continue-as-new, got %v", err)
	env.AssertExpectations(t)
}

func TestBackupSweepWorkflow_SignalSweepsEarly(t *testing.T) {
	env := newEnv(t)
	var a *activities.Activities
	var triggers []string
	env.OnActivity(a.SweepActivity, mock.Anything, mock.Anything).
		Return(func(ctx context.Context, in activities.SweepInput) (*activities.SweepResult, error) {
			triggers = append(triggers, in.Trigger)
			return &activities.SweepResult{SweepID: in.Trigger}, nil
		})

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SweepNowSignal, "admin request")
	}, time.Minute)

	env.ExecuteWorkflow(BackupSweepWorkflow, SweepWorkflowInput{Interval: time.Hour, MaxIterations: 2})

	require.True(t, env.IsWorkflowCompleted())
	assert.Equal(t, []string{scheduler.TriggerWorkflow, scheduler.TriggerManual}, triggers)
}

func TestBackupSweepWorkflow_LastResultQuery(t *testing.T) {
	env := newEnv(t)
	var a *activities.Activities
	env.OnActivity(a.SweepActivity, mock.Anything, mock.Anything).
		Return(&activities.SweepResult{SweepID: "latest", Escalations: 2}, nil)

	env.RegisterDelayedCallback(func() {
		value, err := env.QueryWorkflow(LastResultQuery)
		if !assert.NoError(t, err) {
			return
		}
		var result *activities.SweepResult
		if assert.NoError(t, value.Get(&result)) && assert.NotNil(t, result) {
			assert.Equal(t, "latest", result.SweepID)
			assert.Equal(t, 2, result.Escalations)
		}
	}, 30*time.Second)

	env.ExecuteWorkflow(BackupSweepWorkflow, SweepWorkflowInput{Interval: time.Minute, MaxIterations: 1})
	require.True(t, env.IsWorkflowCompleted())
}

func TestBackupSweepWorkflow_ActivityFailureKeepsLooping(t *testing.T) {
	env := newEnv(t)
	var a *activities.Activities
	env.OnActivity(a.SweepActivity, mock.Anything, mock.Anything).
		Return(nil, temporal.NewNonRetryableApplicationError("database unavailable", "Store", nil)).Once()
	env.OnActivity(a.SweepActivity, mock.Anything, mock.Anything).
		Return(&activities.SweepResult{SweepID: "recovered"}, nil).Once()

	env.ExecuteWorkflow(BackupSweepWorkflow, SweepWorkflowInput{Interval: time.Minute, MaxIterations: 2})

	require.True(t, env.IsWorkflowCompleted())
	assert.True(t, workflow.IsContinueAsNewError(env.GetWorkflowError()))
}
