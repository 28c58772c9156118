package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/jordanhubbard/tripdesk/internal/scheduler"
	"github.com/jordanhubbard/tripdesk/internal/temporal/activities"
)

const (
	// SweepNowSignal wakes the sweep workflow before its timer fires
	SweepNowSignal = "sweep-now"
	// LastResultQuery returns the most recent SweepResult
	LastResultQuery = "last-result"

	defaultMaxIterations = 100
)

// SweepWorkflowInput contains input for the sweep workflow
type SweepWorkflowInput struct {
	Interval      time.Duration
	MaxIterations int // Sweeps per run before continuing as new
}

// BackupSweepWorkflow runs SweepActivity on a fixed interval. A sweep-now
// signal cuts the wait short. History is bounded by continuing as new
// after MaxIterations sweeps.
func BackupSweepWorkflow(ctx workflow.Context, input SweepWorkflowInput) error {
	logger := workflow.GetLogger(ctx)
	if input.Interval <= 0 {
		input.Interval = 15 * time.Minute
	}
	if input.MaxIterations <= 0 {
		input.MaxIterations = defaultMaxIterations
	}
	logger.Info("Backup sweep workflow started", "interval", input.Interval)

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval: 5 * time.Second,
			MaximumAttempts: 3,
		},
	})

	var last *activities.SweepResult
	if err := workflow.SetQueryHandler(ctx, LastResultQuery, func() (*activities.SweepResult, error) {
		return last, nil
	}); err != nil {
		return err
	}

	sweepNow := workflow.GetSignalChannel(ctx, SweepNowSignal)
	var a *activities.Activities
	trigger := scheduler.TriggerWorkflow

	for i := 0; i < input.MaxIterations; i++ {
		var result activities.SweepResult
		err := workflow.ExecuteActivity(ctx, a.SweepActivity, activities.SweepInput{Trigger: trigger}).Get(ctx, &result)
		if err != nil {
			logger.Error("Sweep activity failed", "error", err)
		} else {
			last = &result
		}

		timerCtx, cancelTimer := workflow.WithCancel(ctx)
		timer := workflow.NewTimer(timerCtx, input.Interval)

		selector := workflow.NewSelector(ctx)
		selector.AddFuture(timer, func(f workflow.Future) {
			trigger = scheduler.TriggerWorkflow
		})
		selector.AddReceive(sweepNow, func(c workflow.ReceiveChannel, more bool) {
			var reason string
			c.Receive(ctx, &reason)
			logger.Info("Sweep requested", "reason", reason)
			cancelTimer()
			trigger = scheduler.TriggerManual
		})
		selector.Select(ctx)
		cancelTimer()
	}

	logger.Info("Backup sweep workflow continuing as new")
	return workflow.NewContinueAsNewError(ctx, BackupSweepWorkflow, input)
}
