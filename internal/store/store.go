// Package store defines the persistence contracts the backup engine depends on.
// The memory implementation lives in internal/storage and the SQL one in
// internal/database.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jordanhubbard/tripdesk/pkg/models"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrBackupAlreadySet    = errors.New("trip already has a backup sensei")
	ErrPendingBatchExists  = errors.New("trip already has pending backup requests")
	ErrStaleTransition     = errors.New("request is no longer in the expected state")
	ErrAlertAlreadyPending = errors.New("trip already has an unresolved escalation alert")
)

// Directory is the trip and sensei source of truth.
type Directory interface {
	// TripsNeedingBackup lists trips flagged requires_backup whose backup slot is empty.
	TripsNeedingBackup(ctx context.Context) ([]*models.Trip, error)
	GetTrip(ctx context.Context, tripID string) (*models.Trip, error)
	// EligibleCandidates returns the active senseis that may be considered for a trip.
	EligibleCandidates(ctx context.Context, tripID string) ([]*models.SenseiCandidate, error)
	GetSensei(ctx context.Context, senseiID string) (*models.SenseiCandidate, error)
	// CommittedTrips returns trips the sensei leads or backs up.
	CommittedTrips(ctx context.Context, senseiID string) ([]*models.Trip, error)
	// PermissionGrants maps sensei ID to a trip-specific elevated level.
	PermissionGrants(ctx context.Context, tripID string) (map[string]int, error)
	// SetTripBackup is a conditional write that fails with ErrBackupAlreadySet
	// unless the trip's backup slot is empty.
	SetTripBackup(ctx context.Context, tripID, senseiID string) error
}

// Transition describes a conditional status change of one request.
type Transition struct {
	RequestID   string
	From        models.RequestStatus
	To          models.RequestStatus
	At          time.Time
	RespondedAt *time.Time
	Reason      string
}

// AcceptResult reports what an atomic acceptance changed.
type AcceptResult struct {
	Request    *models.BackupRequest
	Superseded []*models.BackupRequest
}

// RequestStore persists backup requests. Requests are never deleted.
type RequestStore interface {
	// CreateBatch inserts pending requests for one trip atomically. It fails
	// with ErrPendingBatchExists when the trip already has a pending request.
	CreateBatch(ctx context.Context, reqs []*models.BackupRequest) error
	GetRequest(ctx context.Context, requestID string) (*models.BackupRequest, error)
	ListByTrip(ctx context.Context, tripID string) ([]*models.BackupRequest, error)
	ListBySensei(ctx context.Context, senseiID string) ([]*models.BackupRequest, error)
	// ListPending returns unflagged pending requests, optionally for one trip.
	ListPending(ctx context.Context, tripID string) ([]*models.BackupRequest, error)
	// ApplyTransition changes status only if the request is still in t.From;
	// otherwise it returns ErrStaleTransition.
	ApplyTransition(ctx context.Context, t Transition) (*models.BackupRequest, error)
	// Accept sets the trip's backup, accepts the request and supersedes every
	// sibling pending request as one atomic operation.
	Accept(ctx context.Context, requestID string, at time.Time, reason string) (*AcceptResult, error)
	// SupersedePending terminalizes all pending requests of a trip.
	SupersedePending(ctx context.Context, tripID string, at time.Time, reason string) ([]*models.BackupRequest, error)
	Flag(ctx context.Context, requestID, reason string) error
}

// StateStore persists scheduler bookkeeping and escalation alerts.
type StateStore interface {
	// GetTripState returns a zero state for trips never seen before.
	GetTripState(ctx context.Context, tripID string) (*models.TripAutomationState, error)
	SaveTripState(ctx context.Context, state *models.TripAutomationState) error
	// CreateAlert fails with ErrAlertAlreadyPending when an unresolved alert exists.
	CreateAlert(ctx context.Context, alert *models.EscalationAlert) error
	ListAlerts(ctx context.Context, includeResolved bool) ([]*models.EscalationAlert, error)
	ResolveAlerts(ctx context.Context, tripID string, at time.Time) (int, error)
}

// Store bundles everything the engine persists.
type Store interface {
	Directory
	RequestStore
	StateStore
}
