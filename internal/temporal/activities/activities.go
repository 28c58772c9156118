package activities

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/activity"

	"github.com/jordanhubbard/tripdesk/internal/scheduler"
)

// Sweeper runs one reconciliation pass over trips needing a backup
type Sweeper interface {
	TriggerSweep(ctx context.Context, trigger string) (*scheduler.SweepReport, error)
}

// SweepInput is the argument of SweepActivity
type SweepInput struct {
	Trigger string
}

// SweepResult is the serializable summary returned to the workflow
type SweepResult struct {
	SweepID         string
	Enabled         bool
	TripsSeen       int
	RequestsExpired int
	BatchesOpened   int
	Escalations     int
	Errors          int
}

// Activities provides Temporal activities for the assignment engine
type Activities struct {
	sweeper Sweeper
}

// NewActivities creates a new activities instance
func NewActivities(sweeper Sweeper) *Activities {
	return &Activities{sweeper: sweeper}
}

// SweepActivity runs a single sweep
func (a *Activities) SweepActivity(ctx context.Context, input SweepInput) (*SweepResult, error) {
	if a.sweeper == nil {
		return nil, fmt.Errorf("no sweeper configured")
	}
	trigger := input.Trigger
	if trigger == "" {
		trigger = scheduler.TriggerWorkflow
	}

	report, err := a.sweeper.TriggerSweep(ctx, trigger)
	if err != nil {
		return nil, err
	}
	activity.GetLogger(ctx).Info("Sweep finished",
		"sweepID", report.ID, "batches", report.BatchesOpened, "escalations", report.Escalations)

	return &SweepResult{
		SweepID:         report.ID,
		Enabled:         report.Enabled,
		TripsSeen:       len(report.Trips),
		RequestsExpired: report.RequestsExpired,
		BatchesOpened:   report.BatchesOpened,
		Escalations:     report.Escalations,
		Errors:          report.Count(scheduler.OutcomeError),
	}, nil
}
