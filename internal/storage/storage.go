package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jordanhubbard/tripdesk/internal/store"
	"github.com/jordanhubbard/tripdesk/pkg/models"
)

// Storage provides in-memory storage for the backup engine
type Storage struct {
	trips    map[string]*models.Trip
	senseis  map[string]*models.SenseiCandidate
	grants   map[string]map[string]int // trip ID -> sensei ID -> level
	requests map[string]*models.BackupRequest
	order    []string // request IDs in insertion order
	states   map[string]*models.TripAutomationState
	alerts   []*models.EscalationAlert
	kv       map[string]string
	mu       sync.RWMutex
}

var _ store.Store = (*Storage)(nil)

// New creates a new Storage instance
func New() *Storage {
	return &Storage{
		trips:    make(map[string]*models.Trip),
		senseis:  make(map[string]*models.SenseiCandidate),
		grants:   make(map[string]map[string]int),
		requests: make(map[string]*models.BackupRequest),
		states:   make(map[string]*models.TripAutomationState),
		kv:       make(map[string]string),
	}
}

// Directory seeding

func (s *Storage) UpsertTrip(trip *models.Trip) error {
	if trip == nil || trip.ID == "" {
		return fmt.Errorf("trip ID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *trip
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	c.UpdatedAt = time.Now()
	s.trips[trip.ID] = &c
	return nil
}

// DeleteTrip removes a trip; requests pointing at it are left behind.
func (s *Storage) DeleteTrip(tripID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.trips, tripID)
}

func (s *Storage) UpsertSensei(sensei *models.SenseiCandidate) error {
	if sensei == nil || sensei.ID == "" {
		return fmt.Errorf("sensei ID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.senseis[sensei.ID] = cloneSensei(sensei)
	return nil
}

func (s *Storage) GrantPermission(tripID, senseiID string, level int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grants[tripID] == nil {
		s.grants[tripID] = make(map[string]int)
	}
	s.grants[tripID][senseiID] = level
}

// Directory

func (s *Storage) TripsNeedingBackup(ctx context.Context) ([]*models.Trip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trips := make([]*models.Trip, 0)
	for _, t := range s.trips {
		if t.RequiresBackup && t.BackupSenseiID == "" {
			c := *t
			trips = append(trips, &c)
		}
	}
	sort.Slice(trips, func(i, j int) bool {
		if !trips[i].StartDate.Equal(trips[j].StartDate) {
			return trips[i].StartDate.Before(trips[j].StartDate)
		}
		return trips[i].ID < trips[j].ID
	})
	return trips, nil
}

func (s *Storage) GetTrip(ctx context.Context, tripID string) (*models.Trip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trips[tripID]
	if !ok {
		return nil, fmt.Errorf("trip %s: %w", tripID, store.ErrNotFound)
	}
	c := *t
	return &c, nil
}

func (s *Storage) EligibleCandidates(ctx context.Context, tripID string) ([]*models.SenseiCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	trip, ok := s.trips[tripID]
	if !ok {
		return nil, fmt.Errorf("trip %s: %w", tripID, store.ErrNotFound)
	}
	grants := s.grants[tripID]

	out := make([]*models.SenseiCandidate, 0)
	for _, c := range s.senseis {
		if !c.Active || c.ID == trip.PrimarySenseiID {
			continue
		}
		level := c.Level
		if g, ok := grants[c.ID]; ok && g > level {
			level = g
		}
		if level < trip.RequiredPermissionLevel {
			continue
		}
		out = append(out, cloneSensei(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Storage) GetSensei(ctx context.Context, senseiID string) (*models.SenseiCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.senseis[senseiID]
	if !ok {
		return nil, fmt.Errorf("sensei %s: %w", senseiID, store.ErrNotFound)
	}
	return cloneSensei(c), nil
}

func (s *Storage) CommittedTrips(ctx context.Context, senseiID string) ([]*models.Trip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Trip, 0)
	for _, t := range s.trips {
		if t.PrimarySenseiID == senseiID || t.BackupSenseiID == senseiID {
			c := *t
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Storage) PermissionGrants(ctx context.Context, tripID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.grants[tripID]))
	for k, v := range s.grants[tripID] {
		out[k] = v
	}
	return out, nil
}

func (s *Storage) SetTripBackup(ctx context.Context, tripID, senseiID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setTripBackupLocked(tripID, senseiID)
}

func (s *Storage) setTripBackupLocked(tripID, senseiID string) error {
	t, ok := s.trips[tripID]
	if !ok {
		return fmt.Errorf("trip %s: %w", tripID, store.ErrNotFound)
	}
	if t.BackupSenseiID != "" {
		return store.ErrBackupAlreadySet
	}
	t.BackupSenseiID = senseiID
	t.UpdatedAt = time.Now()
	return nil
}

// Requests

func (s *Storage) CreateBatch(ctx context.Context, reqs []*models.BackupRequest) error {
	if len(reqs) == 0 {
		return fmt.Errorf("batch cannot be empty")
	}
	tripID := reqs[0].TripID

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.requests {
		if r.TripID == tripID && r.Status == models.RequestStatusPending {
			return store.ErrPendingBatchExists
		}
	}
	seen := make(map[string]bool, len(reqs))
	for _, r := range reqs {
		if r.TripID != tripID {
			return fmt.Errorf("batch mixes trips %s and %s", tripID, r.TripID)
		}
		if seen[r.SenseiID] {
			return fmt.Errorf("batch offers trip %s to sensei %s twice", tripID, r.SenseiID)
		}
		if _, exists := s.requests[r.ID]; exists {
			return fmt.Errorf("request %s already exists", r.ID)
		}
		seen[r.SenseiID] = true
	}
	for _, r := range reqs {
		s.requests[r.ID] = r.Clone()
		s.order = append(s.order, r.ID)
	}
	return nil
}

func (s *Storage) GetRequest(ctx context.Context, requestID string) (*models.BackupRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[requestID]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", requestID, store.ErrNotFound)
	}
	return r.Clone(), nil
}

func (s *Storage) ListByTrip(ctx context.Context, tripID string) ([]*models.BackupRequest, error) {
	return s.filter(func(r *models.BackupRequest) bool { return r.TripID == tripID }), nil
}

func (s *Storage) ListBySensei(ctx context.Context, senseiID string) ([]*models.BackupRequest, error) {
	return s.filter(func(r *models.BackupRequest) bool { return r.SenseiID == senseiID }), nil
}

func (s *Storage) ListPending(ctx context.Context, tripID string) ([]*models.BackupRequest, error) {
	return s.filter(func(r *models.BackupRequest) bool {
		if r.Status != models.RequestStatusPending || r.Flagged {
			return false
		}
		return tripID == "" || r.TripID == tripID
	}), nil
}

func (s *Storage) filter(keep func(*models.BackupRequest) bool) []*models.BackupRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.BackupRequest, 0)
	for _, id := range s.order {
		if r := s.requests[id]; keep(r) {
			out = append(out, r.Clone())
		}
	}
	return out
}

func (s *Storage) ApplyTransition(ctx context.Context, t store.Transition) (*models.BackupRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[t.RequestID]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", t.RequestID, store.ErrNotFound)
	}
	if r.Status != t.From {
		return nil, store.ErrStaleTransition
	}
	applyLocked(r, t.To, t.At, t.RespondedAt, t.Reason)
	return r.Clone(), nil
}

func (s *Storage) Accept(ctx context.Context, requestID string, at time.Time, reason string) (*store.AcceptResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[requestID]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", requestID, store.ErrNotFound)
	}
	if r.Status != models.RequestStatusPending {
		return nil, store.ErrStaleTransition
	}
	if err := s.setTripBackupLocked(r.TripID, r.SenseiID); err != nil {
		return nil, err
	}

	responded := at
	applyLocked(r, models.RequestStatusAccepted, at, &responded, reason)
	result := &store.AcceptResult{Request: r.Clone()}
	for _, id := range s.order {
		sib := s.requests[id]
		if sib.TripID != r.TripID || sib.ID == r.ID || sib.Status != models.RequestStatusPending {
			continue
		}
		applyLocked(sib, models.RequestStatusSuperseded, at, nil, "superseded by request "+r.ID)
		result.Superseded = append(result.Superseded, sib.Clone())
	}
	return result, nil
}

func (s *Storage) SupersedePending(ctx context.Context, tripID string, at time.Time, reason string) ([]*models.BackupRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.BackupRequest, 0)
	for _, id := range s.order {
		r := s.requests[id]
		if r.TripID != tripID || r.Status != models.RequestStatusPending {
			continue
		}
		applyLocked(r, models.RequestStatusSuperseded, at, nil, reason)
		out = append(out, r.Clone())
	}
	return out, nil
}

func (s *Storage) Flag(ctx context.Context, requestID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[requestID]
	if !ok {
		return fmt.Errorf("request %s: %w", requestID, store.ErrNotFound)
	}
	r.Flagged = true
	r.FlagReason = reason
	return nil
}

func applyLocked(r *models.BackupRequest, to models.RequestStatus, at time.Time, respondedAt *time.Time, reason string) {
	r.Status = to
	resolved := at
	r.ResolvedAt = &resolved
	if respondedAt != nil {
		t := *respondedAt
		r.RespondedAt = &t
	}
	if reason != "" {
		r.ResponseReason = reason
	}
}

// Automation state and alerts

func (s *Storage) GetTripState(ctx context.Context, tripID string) (*models.TripAutomationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[tripID]
	if !ok {
		return &models.TripAutomationState{TripID: tripID}, nil
	}
	c := *st
	if st.LastBatchClosedAt != nil {
		t := *st.LastBatchClosedAt
		c.LastBatchClosedAt = &t
	}
	return &c, nil
}

func (s *Storage) SaveTripState(ctx context.Context, state *models.TripAutomationState) error {
	if state == nil || state.TripID == "" {
		return fmt.Errorf("trip state requires a trip ID")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *state
	c.UpdatedAt = time.Now()
	s.states[state.TripID] = &c
	return nil
}

func (s *Storage) CreateAlert(ctx context.Context, alert *models.EscalationAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		if a.TripID == alert.TripID && a.ResolvedAt == nil {
			return store.ErrAlertAlreadyPending
		}
	}
	c := *alert
	s.alerts = append(s.alerts, &c)
	return nil
}

func (s *Storage) ListAlerts(ctx context.Context, includeResolved bool) ([]*models.EscalationAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.EscalationAlert, 0, len(s.alerts))
	for _, a := range s.alerts {
		if a.ResolvedAt != nil && !includeResolved {
			continue
		}
		c := *a
		out = append(out, &c)
	}
	return out, nil
}

func (s *Storage) ResolveAlerts(ctx context.Context, tripID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.alerts {
		if a.TripID == tripID && a.ResolvedAt == nil {
			resolved := at
			a.ResolvedAt = &resolved
			n++
		}
	}
	return n, nil
}

// Configuration KV

func (s *Storage) SetConfigValue(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = value
	return nil
}

func (s *Storage) GetConfigValue(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.kv[key]
	return v, ok, nil
}

func cloneSensei(c *models.SenseiCandidate) *models.SenseiCandidate {
	out := *c
	out.Specialties = append([]string(nil), c.Specialties...)
	out.Availability = append([]models.DateRange(nil), c.Availability...)
	if c.Restriction != nil {
		r := *c.Restriction
		out.Restriction = &r
	}
	return &out
}
