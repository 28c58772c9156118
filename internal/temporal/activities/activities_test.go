package activities

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"github.com/jordanhubbard/tripdesk/internal/scheduler"
)

type fakeSweeper struct {
	trigger string
	report  *scheduler.SweepReport
	err     error
}

func (f *fakeSweeper) TriggerSweep(ctx context.Context, trigger string) (*scheduler.SweepReport, error) {
	f.trigger = trigger
	return f.report, f.err
}

func TestSweepActivity(t *testing.T) {
	sweeper := &fakeSweeper{report: &scheduler.SweepReport{
		ID:              "sw-1",
		Enabled:         true,
		RequestsExpired: 2,
		BatchesOpened:   1,
		Trips: []scheduler.TripResult{
			{TripID: "a", Outcome: scheduler.OutcomeBatchOpened},
			{TripID: "b", Outcome: scheduler.OutcomeError, Error: "boom"},
		},
	}}

	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestActivityEnvironment()
	env.RegisterActivity(NewActivities(sweeper))

	value, err := env.ExecuteActivity((&Activities{}).SweepActivity, SweepInput{})
	require.NoError(t, err)

	var result SweepResult
	require.NoError(t, value.Get(&result))
	assert.Equal(t, scheduler.TriggerWorkflow, sweeper.trigger)
	assert.Equal(t, "sw-1", result.SweepID)
	assert.Equal(t, 2, result.TripsSeen)
	assert.Equal(t, 2, result.RequestsExpired)
	assert.Equal(t, 1, result.BatchesOpened)
	assert.Equal(t, 1, result.Errors)
}

func TestSweepActivity_Error(t *testing.T) {
	sweeper := &fakeSweeper{err: errors.New("store down")}

	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestActivityEnvironment()
	env.RegisterActivity(NewActivities(sweeper))

	_, err := env.ExecuteActivity((&Activities{}).SweepActivity, SweepInput{Trigger: scheduler.TriggerManual})
	require.Error(t, err)
	assert.Equal(t, scheduler.TriggerManual, sweeper.trigger)
}
