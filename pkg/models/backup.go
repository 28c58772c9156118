package models

import (
	"strings"
	"time"
)

// RequestStatus represents the state of a backup request
type RequestStatus string

const (
	RequestStatusPending    RequestStatus = "pending"
	RequestStatusAccepted   RequestStatus = "accepted"
	RequestStatusDeclined   RequestStatus = "declined"
	RequestStatusExpired    RequestStatus = "expired"
	RequestStatusSuperseded RequestStatus = "superseded"
)

// IsTerminal reports whether no further transition is possible from this status
func (s RequestStatus) IsTerminal() bool {
	return s != RequestStatusPending
}

// Valid reports whether s is one of the known statuses
func (s RequestStatus) Valid() bool {
	switch s {
	case RequestStatusPending, RequestStatusAccepted, RequestStatusDeclined,
		RequestStatusExpired, RequestStatusSuperseded:
		return true
	}
	return false
}

// Decision is a sensei's answer to a backup request
type Decision string

const (
	DecisionAccept  Decision = "accept"
	DecisionDecline Decision = "decline"
)

// ParseDecision normalizes user input into a Decision
func ParseDecision(s string) (Decision, bool) {
	switch Decision(strings.ToLower(strings.TrimSpace(s))) {
	case DecisionAccept, "accepted", "yes":
		return DecisionAccept, true
	case DecisionDecline, "declined", "no":
		return DecisionDecline, true
	}
	return "", false
}

// DateRange is an inclusive span of calendar days
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Overlaps reports whether two ranges share at least one instant
func (r DateRange) Overlaps(o DateRange) bool {
	return !r.End.Before(o.Start) && !o.End.Before(r.Start)
}

// Contains reports whether t falls within the range
func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

// Trip represents a scheduled trip that may require a backup sensei
type Trip struct {
	ID                      string    `json:"id"`
	Theme                   string    `json:"theme"`
	Destination             string    `json:"destination"`
	StartDate               time.Time `json:"start_date"`
	EndDate                 time.Time `json:"end_date"`
	Difficulty              string    `json:"difficulty"` // "easy", "moderate", "challenging", "expert"
	RequiredPermissionLevel int       `json:"required_permission_level"`
	RequiresBackup          bool      `json:"requires_backup"`
	PrimarySenseiID         string    `json:"primary_sensei_id,omitempty"`
	BackupSenseiID          string    `json:"backup_sensei_id,omitempty"` // Empty until a backup is accepted or assigned
	CreatedAt               time.Time `json:"created_at"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// Dates returns the trip's date span
func (t *Trip) Dates() DateRange {
	return DateRange{Start: t.StartDate, End: t.EndDate}
}

// HasBackup reports whether the accepted slot is taken
func (t *Trip) HasBackup() bool {
	return t.BackupSenseiID != ""
}

// Restriction describes an active limitation on a sensei's ability to take trips
type Restriction struct {
	Suspended       bool       `json:"suspended,omitempty"`
	Warrantied      bool       `json:"warrantied,omitempty"`
	RestrictedUntil *time.Time `json:"restricted_until,omitempty"`
	Note            string     `json:"note,omitempty"`
}

// SenseiCandidate is a guide who may be offered a backup slot
type SenseiCandidate struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Specialties  []string     `json:"specialties"`
	Level        int          `json:"level"`
	Rating       float64      `json:"rating"` // 0-5
	Availability []DateRange  `json:"availability"`
	Active       bool         `json:"active"`
	Restriction  *Restriction `json:"restriction,omitempty"`
}

// BackupRequest is one offer of a trip's backup slot to one sensei
type BackupRequest struct {
	ID               string        `json:"id"`
	TripID           string        `json:"trip_id"`
	SenseiID         string        `json:"sensei_id"`
	BatchID          string        `json:"batch_id"`
	MatchScore       int           `json:"match_score"`
	Status           RequestStatus `json:"status"`
	RequestedAt      time.Time     `json:"requested_at"`
	ResponseDeadline time.Time     `json:"response_deadline"`
	RespondedAt      *time.Time    `json:"responded_at,omitempty"`
	ResponseReason   string        `json:"response_reason,omitempty"`
	ResolvedAt       *time.Time    `json:"resolved_at,omitempty"` // When the request became terminal
	Flagged          bool          `json:"flagged,omitempty"`     // Excluded from sweeps pending manual cleanup
	FlagReason       string        `json:"flag_reason,omitempty"`
}

// IsOverdue reports whether a pending request has passed its deadline at now
func (r *BackupRequest) IsOverdue(now time.Time) bool {
	return r.Status == RequestStatusPending && now.After(r.ResponseDeadline)
}

// Clone returns a deep copy safe to hand out of a store
func (r *BackupRequest) Clone() *BackupRequest {
	if r == nil {
		return nil
	}
	c := *r
	if r.RespondedAt != nil {
		t := *r.RespondedAt
		c.RespondedAt = &t
	}
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

// AutomationSettings holds the thresholds that drive automatic backup assignment
type AutomationSettings struct {
	MaxRequestsPerTrip   int  `json:"max_requests_per_trip" yaml:"max_requests_per_trip" validate:"gt=0,lte=50"`
	ResponseTimeoutHours int  `json:"response_timeout_hours" yaml:"response_timeout_hours" validate:"gt=0"`
	MinMatchScore        int  `json:"min_match_score" yaml:"min_match_score" validate:"gt=0,lte=100"`
	RetryAfterHours      int  `json:"retry_after_hours" yaml:"retry_after_hours" validate:"gt=0"`
	EscalateAfterRetries int  `json:"escalate_after_retries" yaml:"escalate_after_retries" validate:"gt=0"`
	Enabled              bool `json:"enabled" yaml:"enabled"`

	AutoAssignScore int  `json:"auto_assign_score,omitempty" yaml:"auto_assign_score" validate:"gte=0,lte=100"` // 0 means MinMatchScore
	ReofferDeclined bool `json:"reoffer_declined,omitempty" yaml:"reoffer_declined"`
}

// ResponseTimeout returns the response window as a duration
func (s AutomationSettings) ResponseTimeout() time.Duration {
	return time.Duration(s.ResponseTimeoutHours) * time.Hour
}

// RetryAfter returns the wait between a closed batch and the next attempt
func (s AutomationSettings) RetryAfter() time.Duration {
	return time.Duration(s.RetryAfterHours) * time.Hour
}

// AutoAssignThreshold returns the score a candidate needs to be auto-assignable
func (s AutomationSettings) AutoAssignThreshold() int {
	if s.AutoAssignScore > 0 {
		return s.AutoAssignScore
	}
	return s.MinMatchScore
}

// DefaultAutomationSettings returns the settings used when none are stored
func DefaultAutomationSettings() AutomationSettings {
	return AutomationSettings{
		MaxRequestsPerTrip:   3,
		ResponseTimeoutHours: 24,
		MinMatchScore:        60,
		RetryAfterHours:      12,
		EscalateAfterRetries: 3,
		Enabled:              true,
	}
}

// AlertSeverity grades escalation urgency
type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "warning"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// EscalationAlert asks an administrator to resolve a trip's backup coverage by hand
type EscalationAlert struct {
	ID         string         `json:"id"`
	TripID     string         `json:"trip_id"`
	Reason     string         `json:"reason"`
	Severity   AlertSeverity  `json:"severity"`
	RetryCount int            `json:"retry_count"`
	LastScores map[string]int `json:"last_scores,omitempty"` // sensei ID -> match score from the last batch
	CreatedAt  time.Time      `json:"created_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

// TripAutomationState is the scheduler's per-trip bookkeeping
type TripAutomationState struct {
	TripID            string     `json:"trip_id"`
	RetriesSoFar      int        `json:"retries_so_far"` // Batch attempts, including ones with no eligible candidates
	OpenBatchID       string     `json:"open_batch_id,omitempty"`
	LastBatchClosedAt *time.Time `json:"last_batch_closed_at,omitempty"`
	LastAttemptError  string     `json:"last_attempt_error,omitempty"`
	Escalated         bool       `json:"escalated"`
	UpdatedAt         time.Time  `json:"updated_at"`
}
