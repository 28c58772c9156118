package lifecycle

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jordanhubbard/tripdesk/internal/store"
)

var (
	ErrNoEligibleCandidates = errors.New("no eligible candidates")
	ErrBatchInProgress      = errors.New("trip already has a pending batch")
	ErrTripCovered          = errors.New("trip already has a backup sensei")
	ErrForbidden            = errors.New("override requires administrator privileges")
	ErrInvalidDecision      = errors.New("decision must be accept or decline")
	ErrNotFound             = store.ErrNotFound
)

// NoEligibleError reports a batch attempt that found nobody to ask. It
// matches ErrNoEligibleCandidates with errors.Is.
type NoEligibleError struct {
	TripID string
	Scores map[string]int // Scores of ranked but unselected candidates
}

func (e *NoEligibleError) Error() string {
	if len(e.Scores) == 0 {
		return fmt.Sprintf("trip %s: %v", e.TripID, ErrNoEligibleCandidates)
	}
	ids := make([]string, 0, len(e.Scores))
	for id := range e.Scores {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%s=%d", id, e.Scores[id])
	}
	return fmt.Sprintf("trip %s: %v (blocked: %s)", e.TripID, ErrNoEligibleCandidates, strings.Join(parts, ", "))
}

func (e *NoEligibleError) Is(target error) bool {
	return target == ErrNoEligibleCandidates
}

// ConflictError is returned to a responder whose request can no longer be
// accepted or declined.
type ConflictError struct {
	RequestID string
	TripID    string
	Reason    string
}

func (e *ConflictError) Error() string {
	if e.Reason == "" {
		return "request no longer available"
	}
	return "request no longer available: " + e.Reason
}

// FatalError reports a referential integrity failure. The request involved
// has been flagged and is excluded from further sweeps.
type FatalError struct {
	RequestID string
	TripID    string
	Err       error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("request %s references trip %s: %v", e.RequestID, e.TripID, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsConflict reports whether err is a ConflictError
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsFatal reports whether err is a FatalError
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
