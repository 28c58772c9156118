package temporal

import (
	"context"
	"errors"
	"fmt"
	"log"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/jordanhubbard/tripdesk/internal/temporal/activities"
	temporalclient "github.com/jordanhubbard/tripdesk/internal/temporal/client"
	"github.com/jordanhubbard/tripdesk/internal/temporal/workflows"
	"github.com/jordanhubbard/tripdesk/pkg/config"
)

// SweepWorkflowID is the single long-running sweep workflow per namespace
const SweepWorkflowID = "tripdesk-sweep"

// Manager runs the Temporal worker that drives periodic sweeps
type Manager struct {
	client *temporalclient.Client
	worker worker.Worker
	config *config.TemporalConfig
}

// NewManager connects to Temporal and registers the sweep workflow and
// activity against sweeper.
func NewManager(ctx context.Context, cfg *config.TemporalConfig, sweeper activities.Sweeper) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("temporal config cannot be nil")
	}

	c, err := temporalclient.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create temporal client: %w", err)
	}

	w := worker.New(c.GetClient(), cfg.TaskQueue, worker.Options{})
	w.RegisterWorkflow(workflows.BackupSweepWorkflow)
	w.RegisterActivity(activities.NewActivities(sweeper))

	log.Printf("[Temporal] Worker registered for task queue: %s", cfg.TaskQueue)

	return &Manager{
		client: c,
		worker: w,
		config: cfg,
	}, nil
}

// Start starts the worker and makes sure the sweep workflow is running
func (m *Manager) Start(ctx context.Context) error {
	if err := m.worker.Start(); err != nil {
		return fmt.Errorf("failed to start temporal worker: %w", err)
	}
	log.Println("[Temporal] Worker started")
	return m.StartSweepWorkflow(ctx)
}

// Stop stops the worker and closes the client
func (m *Manager) Stop() {
	if m.worker != nil {
		m.worker.Stop()
	}
	if m.client != nil {
		m.client.Close()
	}
	log.Println("[Temporal] Manager stopped")
}

// StartSweepWorkflow starts the sweep workflow. An already running
// workflow is left alone.
func (m *Manager) StartSweepWorkflow(ctx context.Context) error {
	options := client.StartWorkflowOptions{
		ID:                  SweepWorkflowID,
		TaskQueue:           m.config.TaskQueue,
		WorkflowTaskTimeout: m.config.WorkflowTaskTimeout,
	}
	input := workflows.SweepWorkflowInput{Interval: m.config.SweepInterval}

	_, err := m.client.ExecuteWorkflow(ctx, options, workflows.BackupSweepWorkflow, input)
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			log.Printf("[Temporal] Sweep workflow %s already running", SweepWorkflowID)
			return nil
		}
		return fmt.Errorf("failed to start sweep workflow: %w", err)
	}
	log.Printf("[Temporal] Started sweep workflow %s every %v", SweepWorkflowID, m.config.SweepInterval)
	return nil
}

// SignalSweepNow asks the running workflow to sweep immediately
func (m *Manager) SignalSweepNow(ctx context.Context, reason string) error {
	return m.client.SignalWorkflow(ctx, SweepWorkflowID, "", workflows.SweepNowSignal, reason)
}

// LastResult queries the workflow for its most recent sweep summary
func (m *Manager) LastResult(ctx context.Context) (*activities.SweepResult, error) {
	value, err := m.client.QueryWorkflow(ctx, SweepWorkflowID, "", workflows.LastResultQuery)
	if err != nil {
		return nil, err
	}
	var result *activities.SweepResult
	if err := value.Get(&result); err != nil {
		return nil, err
	}
	return result, nil
}
