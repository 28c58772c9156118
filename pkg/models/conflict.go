package models

import "fmt"

// ConflictCode identifies a scheduling, permission, or eligibility conflict
type ConflictCode string

const (
	ConflictDateOverlap       ConflictCode = "date_overlap"
	ConflictInsufficientLevel ConflictCode = "insufficient_level"
	ConflictSuspended         ConflictCode = "suspended"
	ConflictWarrantied        ConflictCode = "warrantied"
	ConflictRestricted        ConflictCode = "restricted"
	ConflictInactive          ConflictCode = "inactive"
	ConflictPrimarySensei     ConflictCode = "primary_sensei"
)

// ConflictReason explains why a sensei cannot be auto-assigned to a trip
type ConflictReason struct {
	Code          ConflictCode `json:"code"`
	Message       string       `json:"message"`
	RelatedTripID string       `json:"related_trip_id,omitempty"`
}

func (c ConflictReason) String() string {
	if c.RelatedTripID != "" {
		return fmt.Sprintf("%s: %s (trip %s)", c.Code, c.Message, c.RelatedTripID)
	}
	return fmt.Sprintf("%s: %s", c.Code, c.Message)
}
