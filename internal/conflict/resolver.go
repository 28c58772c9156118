// Package conflict checks whether a sensei can take a trip's backup slot
// without scheduling, permission, or eligibility problems.
package conflict

import (
	"context"
	"fmt"

	"github.com/jordanhubbard/tripdesk/internal/store"
	"github.com/jordanhubbard/tripdesk/pkg/models"
)

// Resolver reports conflicts between a trip and a candidate sensei
type Resolver struct {
	dir store.Directory
}

// NewResolver creates a resolver backed by the trip/sensei directory
func NewResolver(dir store.Directory) *Resolver {
	return &Resolver{dir: dir}
}

// CheckConflicts loads the trip and sensei and returns every conflict found.
// An empty result means the sensei may be auto-assigned.
func (r *Resolver) CheckConflicts(ctx context.Context, tripID, senseiID string) ([]models.ConflictReason, error) {
	trip, err := r.dir.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	sensei, err := r.dir.GetSensei(ctx, senseiID)
	if err != nil {
		return nil, err
	}
	grants, err := r.dir.PermissionGrants(ctx, tripID)
	if err != nil {
		return nil, fmt.Errorf("failed to load permission grants: %w", err)
	}
	return r.Check(ctx, trip, sensei, grants)
}

// Check evaluates an already-loaded trip and sensei
func (r *Resolver) Check(ctx context.Context, trip *models.Trip, sensei *models.SenseiCandidate, grants map[string]int) ([]models.ConflictReason, error) {
	committed, err := r.dir.CommittedTrips(ctx, sensei.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load committed trips for %s: %w", sensei.ID, err)
	}
	return Evaluate(trip, sensei, grants, committed), nil
}

// Evaluate is the pure part of the check, usable without a directory
func Evaluate(trip *models.Trip, sensei *models.SenseiCandidate, grants map[string]int, committed []*models.Trip) []models.ConflictReason {
	reasons := make([]models.ConflictReason, 0)

	if trip.PrimarySenseiID != "" && trip.PrimarySenseiID == sensei.ID {
		reasons = append(reasons, models.ConflictReason{
			Code:    models.ConflictPrimarySensei,
			Message: "sensei already leads this trip",
		})
	}

	// (a) date overlap with other committed trips
	for _, other := range committed {
		if other == nil || other.ID == trip.ID {
			continue
		}
		if trip.Dates().Overlaps(other.Dates()) {
			reasons = append(reasons, models.ConflictReason{
				Code:          models.ConflictDateOverlap,
				Message:       fmt.Sprintf("committed to %s from %s to %s", other.Destination, other.StartDate.Format("2006-01-02"), other.EndDate.Format("2006-01-02")),
				RelatedTripID: other.ID,
			})
		}
	}

	// (b) level against the trip's required permission, honouring grants
	if level := EffectiveLevel(sensei, grants); level < trip.RequiredPermissionLevel {
		reasons = append(reasons, models.ConflictReason{
			Code:    models.ConflictInsufficientLevel,
			Message: fmt.Sprintf("level %d below required %d", level, trip.RequiredPermissionLevel),
		})
	}

	// (c) active restrictions
	if !sensei.Active {
		reasons = append(reasons, models.ConflictReason{Code: models.ConflictInactive, Message: "sensei is not active"})
	}
	if rs := sensei.Restriction; rs != nil {
		if rs.Suspended {
			reasons = append(reasons, models.ConflictReason{Code: models.ConflictSuspended, Message: restrictionMessage("sensei is suspended", rs.Note)})
		}
		if rs.Warrantied {
			reasons = append(reasons, models.ConflictReason{Code: models.ConflictWarrantied, Message: restrictionMessage("sensei is under warranty review", rs.Note)})
		}
		if rs.RestrictedUntil != nil && !rs.RestrictedUntil.Before(trip.StartDate) {
			reasons = append(reasons, models.ConflictReason{
				Code:    models.ConflictRestricted,
				Message: restrictionMessage("restricted until "+rs.RestrictedUntil.Format("2006-01-02"), rs.Note),
			})
		}
	}

	return reasons
}

// EffectiveLevel is the sensei's level raised by any trip-specific grant
func EffectiveLevel(sensei *models.SenseiCandidate, grants map[string]int) int {
	level := sensei.Level
	if g, ok := grants[sensei.ID]; ok && g > level {
		level = g
	}
	return level
}

func restrictionMessage(msg, note string) string {
	if note == "" {
		return msg
	}
	return msg + " (" + note + ")"
}
