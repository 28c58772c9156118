// Package scheduler runs the periodic and on-demand sweep that keeps every
// trip needing a backup moving: it opens batches, waits out cool-downs
// between attempts, and escalates trips that exhausted their retries.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/jordanhubbard/tripdesk/internal/audit"
	"github.com/jordanhubbard/tripdesk/internal/eventbus"
	"github.com/jordanhubbard/tripdesk/internal/lifecycle"
	"github.com/jordanhubbard/tripdesk/internal/locking"
	"github.com/jordanhubbard/tripdesk/internal/metrics"
	"github.com/jordanhubbard/tripdesk/internal/store"
	"github.com/jordanhubbard/tripdesk/internal/telemetry"
	"github.com/jordanhubbard/tripdesk/pkg/models"
)

const eventSource = "scheduler"

// Trips starting within this window escalate as critical
const criticalWindow = 72 * time.Hour

// Sweep triggers
const (
	TriggerManual   = "manual"
	TriggerPeriodic = "periodic"
	TriggerWorkflow = "workflow"
)

// Outcome is what a sweep did with one trip
type Outcome string

const (
	OutcomeBatchOpened Outcome = "batch_opened"
	OutcomeAwaiting    Outcome = "awaiting_responses"
	OutcomeCoolingDown Outcome = "cooling_down"
	OutcomeNoEligible  Outcome = "no_eligible"
	OutcomeEscalated   Outcome = "escalated"
	OutcomeOnHold      Outcome = "on_hold" // Escalated earlier, waiting for an administrator
	OutcomeCovered     Outcome = "covered"
	OutcomeBusy        Outcome = "busy" // Another sweep holds the trip
	OutcomeError       Outcome = "error"
)

// TripResult reports one trip's reconciliation
type TripResult struct {
	TripID  string  `json:"trip_id"`
	Outcome Outcome `json:"outcome"`
	Retries int     `json:"retries_so_far"`
	Error   string  `json:"error,omitempty"`
}

// SweepReport summarizes one sweep
type SweepReport struct {
	ID              string        `json:"id"`
	Trigger         string        `json:"trigger"`
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration"`
	Enabled         bool          `json:"enabled"`
	RequestsExpired int           `json:"requests_expired"`
	BatchesOpened   int           `json:"batches_opened"`
	Escalations     int           `json:"escalations"`
	Trips           []TripResult  `json:"trips"`
}

// Count returns how many trips ended with outcome o
func (r *SweepReport) Count(o Outcome) int {
	n := 0
	for _, t := range r.Trips {
		if t.Outcome == o {
			n++
		}
	}
	return n
}

// Config wires a Scheduler. Store and Lifecycle are required.
type Config struct {
	Store       store.Store
	Lifecycle   *lifecycle.Manager
	Locker      locking.Locker
	Emitter     audit.Emitter
	Metrics     *metrics.Metrics
	Settings    models.AutomationSettings
	Interval    time.Duration // Periodic sweep interval; defaults to 15 minutes
	Concurrency int           // Trips reconciled in parallel; defaults to 4
	Now         func() time.Time
}

// Scheduler drives per-trip retry and escalation
type Scheduler struct {
	store       store.Store
	lifecycle   *lifecycle.Manager
	locker      locking.Locker
	emitter     audit.Emitter
	metrics     *metrics.Metrics
	settings    atomic.Pointer[models.AutomationSettings]
	interval    time.Duration
	concurrency int
	now         func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a scheduler holding the given settings snapshot
func New(cfg Config) *Scheduler {
	s := &Scheduler{
		store:       cfg.Store,
		lifecycle:   cfg.Lifecycle,
		locker:      cfg.Locker,
		emitter:     cfg.Emitter,
		metrics:     cfg.Metrics,
		interval:    cfg.Interval,
		concurrency: cfg.Concurrency,
		now:         cfg.Now,
		stopCh:      make(chan struct{}),
	}
	if s.locker == nil {
		s.locker = locking.NewKeyedMutex()
	}
	if s.interval <= 0 {
		s.interval = 15 * time.Minute
	}
	if s.concurrency <= 0 {
		s.concurrency = 4
	}
	if s.now == nil {
		s.now = time.Now
	}
	settings := cfg.Settings
	s.settings.Store(&settings)
	return s
}

// SweepLockKey is held while a sweep reconciles a trip
func SweepLockKey(tripID string) string {
	return "sweep:" + tripID
}

// UpdateSettings swaps in a new snapshot; sweeps already running keep theirs
func (s *Scheduler) UpdateSettings(settings models.AutomationSettings) {
	s.settings.Store(&settings)
}

// Settings returns the snapshot the next sweep will use
func (s *Scheduler) Settings() models.AutomationSettings {
	return *s.settings.Load()
}

// Run sweeps every interval until ctx is cancelled or Stop is called
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("[Scheduler] Starting backup sweeps with %s interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.TriggerSweep(ctx, TriggerPeriodic); err != nil {
				log.Printf("[Scheduler] Periodic sweep failed: %v", err)
			}
		}
	}
}

// Stop ends Run
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// TriggerSweep runs one reconciliation pass. It is safe to call while another
// sweep is running; each trip is reconciled by at most one sweep at a time.
func (s *Scheduler) TriggerSweep(ctx context.Context, trigger string) (*SweepReport, error) {
	if trigger == "" {
		trigger = TriggerManual
	}
	settings := s.Settings()
	report := &SweepReport{
		ID:        uuid.New().String(),
		Trigger:   trigger,
		StartedAt: s.now(),
		Enabled:   settings.Enabled,
		Trips:     make([]TripResult, 0),
	}
	ctx, span := telemetry.StartSpan(ctx, "scheduler.Sweep",
		attribute.String("trigger", trigger), attribute.Bool("enabled", settings.Enabled))
	defer span.End()
	started := time.Now()

	expired, err := s.lifecycle.SweepExpired(ctx)
	report.RequestsExpired = expired
	if err != nil {
		s.finish(ctx, report, started, "error", 0)
		return report, fmt.Errorf("failed to expire requests: %w", err)
	}

	if !settings.Enabled {
		s.finish(ctx, report, started, "disabled", 0)
		return report, nil
	}

	trips, err := s.store.TripsNeedingBackup(ctx)
	if err != nil {
		s.finish(ctx, report, started, "error", 0)
		return report, fmt.Errorf("failed to list trips needing backup: %w", err)
	}

	results := make([]TripResult, len(trips))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, trip := range trips {
		g.Go(func() error {
			results[i] = s.reconcile(gctx, trip, settings)
			return nil
		})
	}
	_ = g.Wait()

	result := "ok"
	for _, r := range results {
		switch r.Outcome {
		case OutcomeBatchOpened:
			report.BatchesOpened++
		case OutcomeEscalated:
			report.Escalations++
		case OutcomeError:
			result = "partial"
		}
	}
	report.Trips = results
	s.finish(ctx, report, started, result, len(trips))
	return report, nil
}

func (s *Scheduler) finish(ctx context.Context, report *SweepReport, started time.Time, result string, trips int) {
	report.Duration = time.Since(started)
	pending := 0
	if reqs, err := s.store.ListPending(ctx, ""); err == nil {
		pending = len(reqs)
	}
	s.metrics.RecordSweep(report.Trigger, result, report.Duration, trips, pending)
	telemetry.RecordSweep(ctx, report.Trigger, report.BatchesOpened, report.Duration)

	s.emit(eventbus.EventTypeSweepCompleted, "", map[string]interface{}{
		"sweep_id":         report.ID,
		"trigger":          report.Trigger,
		"result":           result,
		"trips":            trips,
		"requests_expired": report.RequestsExpired,
		"batches_opened":   report.BatchesOpened,
		"escalations":      report.Escalations,
	})
	log.Printf("[Scheduler] Sweep %s (%s) %s: %d trip(s), %d batch(es) opened, %d expired, %d escalated in %s",
		report.ID, report.Trigger, result, trips, report.BatchesOpened, report.RequestsExpired, report.Escalations, report.Duration)
}

// reconcile advances one trip through the retry state machine
func (s *Scheduler) reconcile(ctx context.Context, trip *models.Trip, settings models.AutomationSettings) TripResult {
	res := TripResult{TripID: trip.ID}
	fail := func(err error) TripResult {
		log.Printf("[Scheduler] Trip %s: %v", trip.ID, err)
		res.Outcome = OutcomeError
		res.Error = err.Error()
		return res
	}

	unlock, ok, err := s.locker.TryLock(ctx, SweepLockKey(trip.ID))
	if err != nil {
		return fail(err)
	}
	if !ok {
		res.Outcome = OutcomeBusy
		return res
	}
	defer unlock()

	if trip.HasBackup() {
		res.Outcome = OutcomeCovered
		return res
	}

	state, err := s.store.GetTripState(ctx, trip.ID)
	if err != nil {
		return fail(err)
	}
	res.Retries = state.RetriesSoFar

	// Requests still inside their window: expiry is the only work to do
	if _, err := s.lifecycle.SweepExpiredForTrip(ctx, trip.ID); err != nil {
		return fail(err)
	}
	pending, err := s.store.ListPending(ctx, trip.ID)
	if err != nil {
		return fail(err)
	}
	if len(pending) > 0 {
		res.Outcome = OutcomeAwaiting
		return res
	}

	if state.OpenBatchID != "" {
		if err := s.closeBatch(ctx, state); err != nil {
			return fail(err)
		}
	}

	if state.Escalated {
		res.Outcome = OutcomeOnHold
		return res
	}

	now := s.now()
	if state.RetriesSoFar >= settings.EscalateAfterRetries {
		if err := s.escalate(ctx, trip, state, settings, now); err != nil {
			return fail(err)
		}
		res.Outcome = OutcomeEscalated
		return res
	}

	if state.LastBatchClosedAt != nil && now.Before(state.LastBatchClosedAt.Add(settings.RetryAfter())) {
		res.Outcome = OutcomeCoolingDown
		return res
	}

	batch, err := s.lifecycle.OpenBatch(ctx, trip.ID, settings)
	switch {
	case err == nil:
		state.RetriesSoFar++
		state.OpenBatchID = batch.ID
		state.LastAttemptError = ""
		res.Outcome = OutcomeBatchOpened
	case errors.Is(err, lifecycle.ErrNoEligibleCandidates):
		state.RetriesSoFar++
		closed := now
		state.LastBatchClosedAt = &closed
		state.LastAttemptError = err.Error()
		res.Outcome = OutcomeNoEligible
		s.emit(eventbus.EventTypeBatchFailed, trip.ID, map[string]interface{}{
			"attempt": state.RetriesSoFar,
			"error":   err.Error(),
		})
		log.Printf("[Scheduler] Trip %s attempt %d found no eligible candidates", trip.ID, state.RetriesSoFar)
	case errors.Is(err, lifecycle.ErrBatchInProgress):
		res.Outcome = OutcomeAwaiting
		return res
	case errors.Is(err, lifecycle.ErrTripCovered):
		res.Outcome = OutcomeCovered
		return res
	default:
		return fail(err)
	}

	if err := s.store.SaveTripState(ctx, state); err != nil {
		return fail(err)
	}
	res.Retries = state.RetriesSoFar
	return res
}

// closeBatch records when the trip's last batch became fully terminal
func (s *Scheduler) closeBatch(ctx context.Context, state *models.TripAutomationState) error {
	reqs, err := s.store.ListByTrip(ctx, state.TripID)
	if err != nil {
		return err
	}
	var closed time.Time
	for _, r := range reqs {
		if r.BatchID != state.OpenBatchID {
			continue
		}
		if r.Status == models.RequestStatusPending && !r.Flagged {
			return nil
		}
		if r.ResolvedAt != nil && r.ResolvedAt.After(closed) {
			closed = *r.ResolvedAt
		}
	}
	if closed.IsZero() {
		closed = s.now()
	}
	state.LastBatchClosedAt = &closed
	state.OpenBatchID = ""
	return s.store.SaveTripState(ctx, state)
}

// escalate raises at most one alert per unresolved trip and stops retries
func (s *Scheduler) escalate(ctx context.Context, trip *models.Trip, state *models.TripAutomationState, settings models.AutomationSettings, now time.Time) error {
	severity := models.SeverityHigh
	if trip.StartDate.Sub(now) <= criticalWindow {
		severity = models.SeverityCritical
	}
	reason := fmt.Sprintf("no backup sensei accepted after %d attempt(s)", state.RetriesSoFar)
	if state.LastAttemptError != "" {
		reason += ": " + state.LastAttemptError
	}
	alert := &models.EscalationAlert{
		ID:         uuid.New().String(),
		TripID:     trip.ID,
		Reason:     reason,
		Severity:   severity,
		RetryCount: state.RetriesSoFar,
		LastScores: s.lastScores(ctx, trip.ID, settings),
		CreatedAt:  now,
	}

	err := s.store.CreateAlert(ctx, alert)
	if err != nil && !errors.Is(err, store.ErrAlertAlreadyPending) {
		return fmt.Errorf("failed to create alert: %w", err)
	}
	state.Escalated = true
	if err := s.store.SaveTripState(ctx, state); err != nil {
		return err
	}
	if err == nil {
		s.metrics.RecordEscalation(string(severity))
		if s.emitter != nil {
			s.emitter.RaiseAlert(alert)
		}
		log.Printf("[Scheduler] Escalated trip %s (%s) after %d attempt(s)", trip.ID, severity, state.RetriesSoFar)
	}
	return nil
}

// lastScores prefers the most recent batch's scores and falls back to a fresh ranking
func (s *Scheduler) lastScores(ctx context.Context, tripID string, settings models.AutomationSettings) map[string]int {
	scores := make(map[string]int)
	reqs, err := s.store.ListByTrip(ctx, tripID)
	if err == nil && len(reqs) > 0 {
		latest := reqs[len(reqs)-1]
		for _, r := range reqs {
			if r.BatchID == latest.BatchID {
				scores[r.SenseiID] = r.MatchScore
			}
		}
		return scores
	}
	ranked, err := s.lifecycle.RankCandidates(ctx, tripID, settings)
	if err != nil {
		log.Printf("[Scheduler] Could not rank trip %s for alert: %v", tripID, err)
		return scores
	}
	for _, rc := range ranked {
		scores[rc.SenseiID] = rc.Score
	}
	return scores
}

// ResolveEscalation closes a trip's open alerts and resumes automatic retries
// with a fresh attempt budget.
func (s *Scheduler) ResolveEscalation(ctx context.Context, tripID string) (int, error) {
	if _, err := s.store.GetTrip(ctx, tripID); err != nil {
		return 0, err
	}
	unlock, err := s.locker.Lock(ctx, SweepLockKey(tripID))
	if err != nil {
		return 0, fmt.Errorf("failed to lock trip %s: %w", tripID, err)
	}
	defer unlock()

	now := s.now()
	n, err := s.store.ResolveAlerts(ctx, tripID, now)
	if err != nil {
		return 0, err
	}
	state, err := s.store.GetTripState(ctx, tripID)
	if err != nil {
		return n, err
	}
	state.Escalated = false
	state.RetriesSoFar = 0
	state.LastAttemptError = ""
	state.LastBatchClosedAt = nil
	if err := s.store.SaveTripState(ctx, state); err != nil {
		return n, err
	}

	s.emit(eventbus.EventTypeEscalationResolved, tripID, map[string]interface{}{"alerts_resolved": n})
	log.Printf("[Scheduler] Resolved %d alert(s) for trip %s; retries reset", n, tripID)
	return n, nil
}

// TripState exposes the scheduler's bookkeeping for a trip
func (s *Scheduler) TripState(ctx context.Context, tripID string) (*models.TripAutomationState, error) {
	return s.store.GetTripState(ctx, tripID)
}

func (s *Scheduler) emit(eventType eventbus.EventType, tripID string, data map[string]interface{}) {
	if s.emitter == nil {
		return
	}
	s.emitter.AppendLifecycleEvent(&eventbus.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: s.now(),
		Source:    eventSource,
		TripID:    tripID,
		Data:      data,
	})
}
