// Package lifecycle creates, tracks and resolves backup requests.
//
// Every mutation of a trip's requests happens under the trip's lock
// ("trip:<id>"), and acceptance is a single conditional write in the store, so
// concurrent responders and sweeps can never produce two accepted requests or
// two pending batches for the same trip.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jordanhubbard/tripdesk/internal/audit"
	"github.com/jordanhubbard/tripdesk/internal/conflict"
	"github.com/jordanhubbard/tripdesk/internal/eventbus"
	"github.com/jordanhubbard/tripdesk/internal/locking"
	"github.com/jordanhubbard/tripdesk/internal/matching"
	"github.com/jordanhubbard/tripdesk/internal/metrics"
	"github.com/jordanhubbard/tripdesk/internal/store"
	"github.com/jordanhubbard/tripdesk/internal/telemetry"
	"github.com/jordanhubbard/tripdesk/pkg/models"
)

const eventSource = "lifecycle"

// Ranker orders candidates for a trip
type Ranker interface {
	Rank(trip *models.Trip, candidates []matching.Candidate, opts matching.Options) []matching.RankedCandidate
}

// Config wires a Manager's collaborators. Store is required; the rest default.
type Config struct {
	Store    store.Store
	Ranker   Ranker
	Resolver *conflict.Resolver
	Locker   locking.Locker
	Emitter  audit.Emitter
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// Manager owns the backup request state machine
type Manager struct {
	store    store.Store
	ranker   Ranker
	resolver *conflict.Resolver
	locker   locking.Locker
	emitter  audit.Emitter
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Batch is the result of a successful OpenBatch
type Batch struct {
	ID       string                     `json:"id"`
	TripID   string                     `json:"trip_id"`
	Deadline time.Time                  `json:"response_deadline"`
	Requests []*models.BackupRequest    `json:"requests"`
	Ranked   []matching.RankedCandidate `json:"ranked"`
}

// OverrideResult describes an administrator assignment
type OverrideResult struct {
	Trip       *models.Trip            `json:"trip"`
	Conflicts  []models.ConflictReason `json:"conflicts,omitempty"` // Ignored, reported for the record
	Superseded []*models.BackupRequest `json:"superseded,omitempty"`
}

// NewManager creates a lifecycle manager
func NewManager(cfg Config) *Manager {
	m := &Manager{
		store:    cfg.Store,
		ranker:   cfg.Ranker,
		resolver: cfg.Resolver,
		locker:   cfg.Locker,
		emitter:  cfg.Emitter,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
	}
	if m.ranker == nil {
		m.ranker = matching.NewEngine()
	}
	if m.resolver == nil {
		m.resolver = conflict.NewResolver(cfg.Store)
	}
	if m.locker == nil {
		m.locker = locking.NewKeyedMutex()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// TripLockKey is the lock every trip-mutating operation holds
func TripLockKey(tripID string) string {
	return "trip:" + tripID
}

func (m *Manager) lockTrip(ctx context.Context, tripID string) (locking.Unlock, error) {
	unlock, err := m.locker.Lock(ctx, TripLockKey(tripID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock trip %s: %w", tripID, err)
	}
	return unlock, nil
}

// OpenBatch offers the trip to the top MaxRequestsPerTrip auto-assignable
// candidates. All requests share one response deadline.
func (m *Manager) OpenBatch(ctx context.Context, tripID string, settings models.AutomationSettings) (*Batch, error) {
	ctx, span := telemetry.StartSpan(ctx, "lifecycle.OpenBatch", attribute.String("trip_id", tripID))
	defer span.End()

	unlock, err := m.lockTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	trip, err := m.store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if trip.HasBackup() {
		return nil, ErrTripCovered
	}

	pending, err := m.store.ListPending(ctx, tripID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending requests: %w", err)
	}
	if len(pending) > 0 {
		return nil, ErrBatchInProgress
	}

	ranked, err := m.rankTrip(ctx, trip, settings)
	if err != nil {
		return nil, err
	}

	selected := make([]matching.RankedCandidate, 0, settings.MaxRequestsPerTrip)
	for _, rc := range ranked {
		if len(selected) >= settings.MaxRequestsPerTrip {
			break
		}
		if rc.AutoAssignable && rc.Score >= settings.MinMatchScore {
			selected = append(selected, rc)
		}
	}
	if len(selected) == 0 {
		scores := make(map[string]int, len(ranked))
		for _, rc := range ranked {
			scores[rc.SenseiID] = rc.Score
		}
		m.metrics.RecordBatchFailure("no_eligible")
		return nil, &NoEligibleError{TripID: tripID, Scores: scores}
	}

	now := m.now()
	batch := &Batch{
		ID:       uuid.New().String(),
		TripID:   tripID,
		Deadline: now.Add(settings.ResponseTimeout()),
		Ranked:   ranked,
	}
	scores := make([]int, 0, len(selected))
	for _, rc := range selected {
		batch.Requests = append(batch.Requests, &models.BackupRequest{
			ID:               uuid.New().String(),
			TripID:           tripID,
			SenseiID:         rc.SenseiID,
			BatchID:          batch.ID,
			MatchScore:       rc.Score,
			Status:           models.RequestStatusPending,
			RequestedAt:      now,
			ResponseDeadline: batch.Deadline,
		})
		scores = append(scores, rc.Score)
	}

	if err := m.store.CreateBatch(ctx, batch.Requests); err != nil {
		if errors.Is(err, store.ErrPendingBatchExists) {
			return nil, ErrBatchInProgress
		}
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}
	m.metrics.RecordBatch(scores)

	m.emit(eventbus.EventTypeBatchOpened, tripID, map[string]interface{}{
		"batch_id":          batch.ID,
		"request_count":     len(batch.Requests),
		"response_deadline": batch.Deadline,
	})
	for _, r := range batch.Requests {
		m.emitRequest(eventbus.EventTypeRequestCreated, r)
	}
	log.Printf("[Lifecycle] Opened batch %s for trip %s with %d request(s), deadline %s",
		batch.ID, tripID, len(batch.Requests), batch.Deadline.Format(time.RFC3339))
	return batch, nil
}

// rankTrip gathers candidates with their conflicts and ranks them. Senseis
// who declined this trip before are left out unless settings re-offer them.
func (m *Manager) rankTrip(ctx context.Context, trip *models.Trip, settings models.AutomationSettings) ([]matching.RankedCandidate, error) {
	pool, err := m.store.EligibleCandidates(ctx, trip.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load candidates: %w", err)
	}
	grants, err := m.store.PermissionGrants(ctx, trip.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load permission grants: %w", err)
	}

	excluded := make(map[string]bool)
	if !settings.ReofferDeclined {
		history, err := m.store.ListByTrip(ctx, trip.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load request history: %w", err)
		}
		for _, r := range history {
			if r.Status == models.RequestStatusDeclined {
				excluded[r.SenseiID] = true
			}
		}
	}

	candidates := make([]matching.Candidate, 0, len(pool))
	for _, s := range pool {
		if excluded[s.ID] {
			continue
		}
		reasons, err := m.resolver.Check(ctx, trip, s, grants)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, matching.Candidate{Sensei: s, Conflicts: reasons})
	}
	return m.ranker.Rank(trip, candidates, matching.OptionsFromSettings(settings, grants)), nil
}

// RankCandidates scores a trip's pool without opening a batch
func (m *Manager) RankCandidates(ctx context.Context, tripID string, settings models.AutomationSettings) ([]matching.RankedCandidate, error) {
	trip, err := m.store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	return m.rankTrip(ctx, trip, settings)
}

// Respond applies a sensei's decision to a pending request
func (m *Manager) Respond(ctx context.Context, requestID string, decision models.Decision, reason string) (*models.BackupRequest, error) {
	if decision != models.DecisionAccept && decision != models.DecisionDecline {
		return nil, ErrInvalidDecision
	}
	ctx, span := telemetry.StartSpan(ctx, "lifecycle.Respond",
		attribute.String("request_id", requestID), attribute.String("decision", string(decision)))
	defer span.End()

	req, err := m.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	unlock, err := m.lockTrip(ctx, req.TripID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-read under the lock
	req, err = m.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Flagged {
		return nil, m.conflict(req, "request was flagged for review")
	}
	if req.Status != models.RequestStatusPending {
		return nil, m.conflict(req, "request already "+string(req.Status))
	}

	trip, err := m.store.GetTrip(ctx, req.TripID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, m.flag(ctx, req, err)
		}
		return nil, err
	}

	now := m.now()
	if now.After(req.ResponseDeadline) {
		if _, err := m.expire(ctx, req); err != nil {
			return nil, err
		}
		return nil, m.conflict(req, "response deadline passed")
	}

	if decision == models.DecisionDecline {
		responded := now
		updated, err := m.store.ApplyTransition(ctx, store.Transition{
			RequestID:   req.ID,
			From:        models.RequestStatusPending,
			To:          models.RequestStatusDeclined,
			At:          now,
			RespondedAt: &responded,
			Reason:      reason,
		})
		if err != nil {
			if errors.Is(err, store.ErrStaleTransition) {
				return nil, m.conflict(req, "request already resolved")
			}
			return nil, fmt.Errorf("failed to decline request: %w", err)
		}
		m.metrics.RecordTransition(string(models.RequestStatusDeclined))
		m.emitRequest(eventbus.EventTypeRequestDeclined, updated)
		log.Printf("[Lifecycle] Sensei %s declined request %s for trip %s", updated.SenseiID, updated.ID, updated.TripID)
		return updated, nil
	}

	if trip.HasBackup() {
		return nil, m.lose(ctx, req, now)
	}
	res, err := m.store.Accept(ctx, req.ID, now, reason)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrBackupAlreadySet):
			return nil, m.lose(ctx, req, now)
		case errors.Is(err, store.ErrStaleTransition):
			return nil, m.conflict(req, "request already resolved")
		}
		return nil, fmt.Errorf("failed to accept request: %w", err)
	}

	m.metrics.RecordTransition(string(models.RequestStatusAccepted))
	m.metrics.RecordAssignment("accept")
	m.emitRequest(eventbus.EventTypeRequestAccepted, res.Request)
	m.emit(eventbus.EventTypeBackupAssigned, req.TripID, map[string]interface{}{
		"sensei_id":  req.SenseiID,
		"request_id": req.ID,
		"method":     "accept",
	})
	for _, s := range res.Superseded {
		m.metrics.RecordTransition(string(models.RequestStatusSuperseded))
		m.emitRequest(eventbus.EventTypeRequestSuperseded, s)
	}
	log.Printf("[Lifecycle] Sensei %s accepted trip %s (request %s), superseded %d sibling(s)",
		req.SenseiID, req.TripID, req.ID, len(res.Superseded))
	return res.Request, nil
}

// lose terminalizes a request whose trip was filled by someone else
func (m *Manager) lose(ctx context.Context, req *models.BackupRequest, now time.Time) error {
	updated, err := m.store.ApplyTransition(ctx, store.Transition{
		RequestID: req.ID,
		From:      models.RequestStatusPending,
		To:        models.RequestStatusSuperseded,
		At:        now,
		Reason:    "trip already has a backup sensei",
	})
	if err == nil {
		m.metrics.RecordTransition(string(models.RequestStatusSuperseded))
		m.emitRequest(eventbus.EventTypeRequestSuperseded, updated)
	} else if !errors.Is(err, store.ErrStaleTransition) {
		log.Printf("[Lifecycle] Failed to supersede losing request %s: %v", req.ID, err)
	}
	return m.conflict(req, "trip already has a backup sensei")
}

func (m *Manager) conflict(req *models.BackupRequest, reason string) error {
	m.metrics.RecordConflict()
	return &ConflictError{RequestID: req.ID, TripID: req.TripID, Reason: reason}
}

// flag excludes a request whose trip is gone and returns the FatalError
func (m *Manager) flag(ctx context.Context, req *models.BackupRequest, cause error) error {
	fe := &FatalError{RequestID: req.ID, TripID: req.TripID, Err: cause}
	if err := m.store.Flag(ctx, req.ID, fe.Error()); err != nil {
		log.Printf("[Lifecycle] Failed to flag request %s: %v", req.ID, err)
	}
	m.metrics.RecordFlagged()
	m.emit(eventbus.EventTypeRequestFlagged, req.TripID, map[string]interface{}{
		"request_id": req.ID,
		"sensei_id":  req.SenseiID,
		"reason":     fe.Error(),
	})
	log.Printf("[Lifecycle] FATAL: %v; request flagged for manual cleanup", fe)
	return fe
}

func (m *Manager) expire(ctx context.Context, req *models.BackupRequest) (*models.BackupRequest, error) {
	updated, err := m.store.ApplyTransition(ctx, store.Transition{
		RequestID: req.ID,
		From:      models.RequestStatusPending,
		To:        models.RequestStatusExpired,
		At:        req.ResponseDeadline,
		Reason:    "no response before deadline",
	})
	if err != nil {
		return nil, err
	}
	m.metrics.RecordTransition(string(models.RequestStatusExpired))
	m.emitRequest(eventbus.EventTypeRequestExpired, updated)
	return updated, nil
}

// SweepExpired expires every overdue pending request. Running it again with
// nothing newly overdue changes nothing.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	pending, err := m.store.ListPending(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("failed to list pending requests: %w", err)
	}
	now := m.now()
	trips := make([]string, 0)
	seen := make(map[string]bool)
	for _, r := range pending {
		if r.IsOverdue(now) && !seen[r.TripID] {
			seen[r.TripID] = true
			trips = append(trips, r.TripID)
		}
	}

	total := 0
	for _, tripID := range trips {
		n, err := m.SweepExpiredForTrip(ctx, tripID)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// SweepExpiredForTrip expires one trip's overdue requests and flags requests
// whose trip no longer exists.
func (m *Manager) SweepExpiredForTrip(ctx context.Context, tripID string) (int, error) {
	unlock, err := m.lockTrip(ctx, tripID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	pending, err := m.store.ListPending(ctx, tripID)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending requests: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	if _, err := m.store.GetTrip(ctx, tripID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return 0, err
		}
		for _, r := range pending {
			_ = m.flag(ctx, r, err)
		}
		return 0, nil
	}

	now := m.now()
	expired := 0
	for _, r := range pending {
		if !r.IsOverdue(now) {
			continue
		}
		if _, err := m.expire(ctx, r); err != nil {
			if errors.Is(err, store.ErrStaleTransition) {
				continue
			}
			return expired, fmt.Errorf("failed to expire request %s: %w", r.ID, err)
		}
		expired++
	}
	if expired > 0 {
		log.Printf("[Lifecycle] Expired %d request(s) for trip %s", expired, tripID)
	}
	return expired, nil
}

// OverrideAssign lets an administrator fill a trip's backup slot directly,
// regardless of conflicts. Pending requests for the trip are superseded.
func (m *Manager) OverrideAssign(ctx context.Context, tripID, senseiID string, admin bool) (*OverrideResult, error) {
	if !admin {
		return nil, ErrForbidden
	}
	ctx, span := telemetry.StartSpan(ctx, "lifecycle.OverrideAssign",
		attribute.String("trip_id", tripID), attribute.String("sensei_id", senseiID))
	defer span.End()

	unlock, err := m.lockTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	trip, err := m.store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	sensei, err := m.store.GetSensei(ctx, senseiID)
	if err != nil {
		return nil, err
	}
	grants, err := m.store.PermissionGrants(ctx, tripID)
	if err != nil {
		return nil, fmt.Errorf("failed to load permission grants: %w", err)
	}
	reasons, err := m.resolver.Check(ctx, trip, sensei, grants)
	if err != nil {
		return nil, err
	}

	if err := m.store.SetTripBackup(ctx, tripID, senseiID); err != nil {
		if errors.Is(err, store.ErrBackupAlreadySet) {
			return nil, &ConflictError{TripID: tripID, Reason: "trip already has a backup sensei"}
		}
		return nil, fmt.Errorf("failed to set trip backup: %w", err)
	}
	now := m.now()
	superseded, err := m.store.SupersedePending(ctx, tripID, now, "superseded by administrator override")
	if err != nil {
		// The slot is already filled; pending requests will fail to accept
		log.Printf("[Lifecycle] Failed to supersede pending requests for trip %s: %v", tripID, err)
	}

	m.metrics.RecordAssignment("override")
	conflictData := make([]string, len(reasons))
	for i, r := range reasons {
		conflictData[i] = r.String()
	}
	m.emit(eventbus.EventTypeBackupAssigned, tripID, map[string]interface{}{
		"sensei_id": senseiID,
		"method":    "override",
		"conflicts": conflictData,
	})
	for _, s := range superseded {
		m.metrics.RecordTransition(string(models.RequestStatusSuperseded))
		m.emitRequest(eventbus.EventTypeRequestSuperseded, s)
	}
	if len(reasons) > 0 {
		log.Printf("[Lifecycle] Override assigned %s to trip %s despite %d conflict(s)", senseiID, tripID, len(reasons))
	} else {
		log.Printf("[Lifecycle] Override assigned %s to trip %s", senseiID, tripID)
	}

	trip, err = m.store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	return &OverrideResult{Trip: trip, Conflicts: reasons, Superseded: superseded}, nil
}

// RequestsForTrip returns every request ever created for a trip
func (m *Manager) RequestsForTrip(ctx context.Context, tripID string) ([]*models.BackupRequest, error) {
	return m.store.ListByTrip(ctx, tripID)
}

// RequestsForSensei returns every request ever offered to a sensei
func (m *Manager) RequestsForSensei(ctx context.Context, senseiID string) ([]*models.BackupRequest, error) {
	return m.store.ListBySensei(ctx, senseiID)
}

func (m *Manager) emit(eventType eventbus.EventType, tripID string, data map[string]interface{}) {
	if m.emitter == nil {
		return
	}
	m.emitter.AppendLifecycleEvent(&eventbus.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: m.now(),
		Source:    eventSource,
		TripID:    tripID,
		Data:      data,
	})
}

func (m *Manager) emitRequest(eventType eventbus.EventType, r *models.BackupRequest) {
	data := map[string]interface{}{
		"request_id":  r.ID,
		"sensei_id":   r.SenseiID,
		"batch_id":    r.BatchID,
		"match_score": r.MatchScore,
		"status":      string(r.Status),
	}
	if r.ResponseReason != "" {
		data["reason"] = r.ResponseReason
	}
	m.emit(eventType, r.TripID, data)
}
