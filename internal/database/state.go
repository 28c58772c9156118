package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jordanhubbard/tripdesk/internal/store"
	"github.com/jordanhubbard/tripdesk/pkg/models"
)

// Automation state

func (d *Database) GetTripState(ctx context.Context, tripID string) (*models.TripAutomationState, error) {
	query := `
		SELECT trip_id, retries_so_far, open_batch_id, last_batch_closed_at, last_attempt_error, escalated, updated_at
		FROM trip_automation_state WHERE trip_id = ?
	`
	var st models.TripAutomationState
	var closed sql.NullTime
	err := d.db.QueryRowContext(ctx, d.q(query), tripID).Scan(
		&st.TripID, &st.RetriesSoFar, &st.OpenBatchID, &closed, &st.LastAttemptError, &st.Escalated, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return &models.TripAutomationState{TripID: tripID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trip state: %w", err)
	}
	st.LastBatchClosedAt = timePtr(closed)
	return &st, nil
}

func (d *Database) SaveTripState(ctx context.Context, state *models.TripAutomationState) error {
	if state == nil || state.TripID == "" {
		return fmt.Errorf("trip state requires a trip ID")
	}
	query := `
		INSERT INTO trip_automation_state (trip_id, retries_so_far, open_batch_id, last_batch_closed_at, last_attempt_error, escalated, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trip_id) DO UPDATE SET
			retries_so_far = excluded.retries_so_far,
			open_batch_id = excluded.open_batch_id,
			last_batch_closed_at = excluded.last_batch_closed_at,
			last_attempt_error = excluded.last_attempt_error,
			escalated = excluded.escalated,
			updated_at = excluded.updated_at
	`
	_, err := d.db.ExecContext(ctx, d.q(query),
		state.TripID, state.RetriesSoFar, state.OpenBatchID, nullTime(state.LastBatchClosedAt),
		state.LastAttemptError, state.Escalated, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save trip state: %w", err)
	}
	return nil
}

// Escalation alerts

func (d *Database) CreateAlert(ctx context.Context, alert *models.EscalationAlert) error {
	var scores sql.NullString
	if len(alert.LastScores) > 0 {
		b, err := json.Marshal(alert.LastScores)
		if err != nil {
			return fmt.Errorf("failed to marshal alert scores: %w", err)
		}
		scores = sql.NullString{String: string(b), Valid: true}
	}
	// The partial unique index keeps one unresolved alert per trip
	query := `
		INSERT INTO escalation_alerts (id, trip_id, reason, severity, retry_count, last_scores_json, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (trip_id) WHERE resolved_at IS NULL DO NOTHING
	`
	result, err := d.db.ExecContext(ctx, d.q(query),
		alert.ID, alert.TripID, alert.Reason, string(alert.Severity), alert.RetryCount, scores,
		alert.CreatedAt.UTC(), nullTime(alert.ResolvedAt))
	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check alert insert: %w", err)
	}
	if n == 0 {
		return store.ErrAlertAlreadyPending
	}
	return nil
}

func (d *Database) ListAlerts(ctx context.Context, includeResolved bool) ([]*models.EscalationAlert, error) {
	query := `SELECT id, trip_id, reason, severity, retry_count, last_scores_json, created_at, resolved_at
		FROM escalation_alerts`
	if !includeResolved {
		query += ` WHERE resolved_at IS NULL`
	}
	query += ` ORDER BY created_at, id`

	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	out := make([]*models.EscalationAlert, 0)
	for rows.Next() {
		var a models.EscalationAlert
		var severity string
		var scores sql.NullString
		var resolved sql.NullTime
		if err := rows.Scan(&a.ID, &a.TripID, &a.Reason, &severity, &a.RetryCount, &scores, &a.CreatedAt, &resolved); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.Severity = models.AlertSeverity(severity)
		a.ResolvedAt = timePtr(resolved)
		if scores.Valid && scores.String != "" {
			if err := json.Unmarshal([]byte(scores.String), &a.LastScores); err != nil {
				return nil, fmt.Errorf("failed to decode scores for alert %s: %w", a.ID, err)
			}
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (d *Database) ResolveAlerts(ctx context.Context, tripID string, at time.Time) (int, error) {
	result, err := d.db.ExecContext(ctx,
		d.q(`UPDATE escalation_alerts SET resolved_at = ? WHERE trip_id = ? AND resolved_at IS NULL`),
		at.UTC(), tripID)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve alerts: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}
