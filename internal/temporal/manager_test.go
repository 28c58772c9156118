package temporal

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jordanhubbard/tripdesk/internal/scheduler"
	"github.com/jordanhubbard/tripdesk/pkg/config"
)

type stubSweeper struct{}

func (stubSweeper) TriggerSweep(ctx context.Context, trigger string) (*scheduler.SweepReport, error) {
	return &scheduler.SweepReport{ID: "stub", Trigger: trigger, Enabled: true}, nil
}

func temporalTestConfig() *config.TemporalConfig {
	host := os.Getenv("TEMPORAL_HOST")
	if host == "" {
		host = "localhost:7233"
	}
	return &config.TemporalConfig{
		Host:                host,
		Namespace:           "default",
		TaskQueue:           "tripdesk-test",
		WorkflowTaskTimeout: 10 * time.Second,
		SweepInterval:       time.Minute,
		ConnectAttempts:     1,
	}
}

func temporalRequired() bool {
	value := strings.ToLower(os.Getenv("TEMPORAL_REQUIRED"))
	return value == "true" || value == "1" || value == "yes"
}

func TestManagerStartIsIdempotent(t *testing.T) {
	if os.Getenv("TEMPORAL_HOST") == "" && !temporalRequired() {
		t.Skip("TEMPORAL_HOST not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	manager, err := NewManager(ctx, temporalTestConfig(), stubSweeper{})
	if err != nil {
		if temporalRequired() {
			t.Fatalf("Temporal server not available: %v", err)
		}
		t.Skipf("Temporal server not available: %v", err)
	}
	defer manager.Stop()

	if err := manager.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := manager.StartSweepWorkflow(ctx); err != nil {
		t.Fatalf("second start should tolerate a running workflow: %v", err)
	}
	if err := manager.SignalSweepNow(ctx, "test"); err != nil {
		t.Fatalf("SignalSweepNow: %v", err)
	}
}

func TestNewManagerRejectsNilConfig(t *testing.T) {
	if _, err := NewManager(context.Background(), nil, stubSweeper{}); err == nil {
		t.Fatal("expected error for nil config")
	}
}
