package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/tripdesk/internal/eventbus"
	"github.com/jordanhubbard/tripdesk/internal/lifecycle"
	"github.com/jordanhubbard/tripdesk/internal/scheduler"
	"github.com/jordanhubbard/tripdesk/internal/settings"
	"github.com/jordanhubbard/tripdesk/internal/storage"
	"github.com/jordanhubbard/tripdesk/pkg/config"
	"github.com/jordanhubbard/tripdesk/pkg/models"
)

func newTestEngine(t *testing.T) (*Engine, *storage.Storage) {
	t.Helper()
	start := time.Now().AddDate(0, 1, 0).Truncate(24 * time.Hour)
	s := storage.New()
	require.NoError(t, s.UpsertTrip(&models.Trip{
		ID:             "kyoto",
		Theme:          "zen hiking",
		StartDate:      start,
		EndDate:        start.AddDate(0, 0, 4),
		RequiresBackup: true,
	}))
	for _, id := range []string{"alpha", "bravo"} {
		require.NoError(t, s.UpsertSensei(&models.SenseiCandidate{
			ID:           id,
			Specialties:  []string{"zen hiking"},
			Level:        3,
			Rating:       5,
			Active:       true,
			Availability: []models.DateRange{{Start: start, End: start.AddDate(0, 0, 4)}},
		}))
	}

	cfg := config.DefaultConfig()
	cfg.Database.Type = "memory"
	e, err := NewWithStore(cfg, s)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Shutdown(ctx)
	})
	return e, s
}

func TestNewMemoryEngine(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Database.Type = "memory"
	e, err := New(cfg)
	require.NoError(t, err)
	defer e.Shutdown(context.Background())

	assert.Equal(t, models.DefaultAutomationSettings(), e.GetSettings())
	assert.True(t, e.Healthy(context.Background()))
	assert.Equal(t, "ok", e.Health(context.Background())["engine"])
	assert.NotNil(t, e.GetStore())
}

func TestNewRejectsUnknownDatabase(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Database.Type = "mongo"
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestSweepAndAccept(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	report, err := e.TriggerSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, scheduler.TriggerManual, report.Trigger)
	assert.Equal(t, 1, report.BatchesOpened)

	reqs, err := e.GetRequestsForTrip(ctx, "kyoto")
	require.NoError(t, err)
	require.Len(t, reqs, 2)

	accepted, err := e.RespondToRequest(ctx, reqs[0].ID, "accept", "")
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusAccepted, accepted.Status)

	_, err = e.RespondToRequest(ctx, reqs[1].ID, "accept", "")
	require.Error(t, err)
	assert.True(t, lifecycle.IsConflict(err))

	trip, err := s.GetTrip(ctx, "kyoto")
	require.NoError(t, err)
	assert.Equal(t, accepted.SenseiID, trip.BackupSenseiID)

	mine, err := e.GetRequestsForSensei(ctx, accepted.SenseiID)
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	require.Eventually(t, func() bool {
		return len(e.RecentEvents(10, "kyoto", string(eventbus.EventTypeBackupAssigned))) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		history, err := e.TripHistory(ctx, "kyoto", 100)
		return err == nil && len(history) > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRespondRejectsUnknownDecision(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.RespondToRequest(context.Background(), "whatever", "maybe", "")
	assert.ErrorIs(t, err, lifecycle.ErrInvalidDecision)
}

func TestUnknownTripAndSensei(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.GetRequestsForTrip(ctx, "atlantis")
	assert.True(t, IsNotFound(err))
	_, err = e.GetRequestsForSensei(ctx, "nobody")
	assert.True(t, IsNotFound(err))
	_, err = e.TripState(ctx, "atlantis")
	assert.True(t, IsNotFound(err))
}

func TestOverrideRequiresAdmin(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.OverrideAssign(ctx, "kyoto", "alpha", false)
	assert.ErrorIs(t, err, lifecycle.ErrForbidden)

	result, err := e.OverrideAssign(ctx, "kyoto", "alpha", true)
	require.NoError(t, err)
	assert.Equal(t, "alpha", result.Trip.BackupSenseiID)
}

func TestUpdateSettingsReachesScheduler(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	next := e.GetSettings()
	next.MaxRequestsPerTrip = 1
	require.NoError(t, e.UpdateSettings(next))
	assert.Equal(t, 1, e.GetSettings().MaxRequestsPerTrip)

	raw, ok, err := s.GetConfigValue(settings.ConfigKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, raw, `"max_requests_per_trip":1`)

	report, err := e.TriggerSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.BatchesOpened)
	pending, err := s.ListPending(ctx, "kyoto")
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	require.Eventually(t, func() bool {
		return len(e.RecentEvents(10, "", string(eventbus.EventTypeSettingsUpdated))) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUpdateSettingsRejectsInvalid(t *testing.T) {
	e, _ := newTestEngine(t)
	before := e.GetSettings()

	bad := before
	bad.MinMatchScore = 0
	err := e.UpdateSettings(bad)
	require.Error(t, err)
	assert.True(t, settings.IsValidationError(err))
	assert.Equal(t, before, e.GetSettings())
}

func TestConfiguredSettingsSeedEmptyStore(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Database.Type = "memory"
	cfg.Automation.MinMatchScore = 80

	s := storage.New()
	e, err := NewWithStore(cfg, s)
	require.NoError(t, err)
	defer e.Shutdown(context.Background())
	assert.Equal(t, 80, e.GetSettings().MinMatchScore)

	// A second engine over the same store keeps the stored value
	cfg.Automation.MinMatchScore = 90
	e2, err := NewWithStore(cfg, s)
	require.NoError(t, err)
	defer e2.Shutdown(context.Background())
	assert.Equal(t, 80, e2.GetSettings().MinMatchScore)
}

func TestResolveEscalationUnknownTrip(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.ResolveEscalation(context.Background(), "atlantis")
	assert.True(t, IsNotFound(err))

	alerts, err := e.ListAlerts(context.Background(), true)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestInitializeRunsLocalScheduler(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Initialize(context.Background()))

	ctx := context.Background()
	report, err := e.TriggerSweep(ctx)
	require.NoError(t, err)
	assert.True(t, report.Enabled)
}
