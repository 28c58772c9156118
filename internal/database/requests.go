package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jordanhubbard/tripdesk/internal/store"
	"github.com/jordanhubbard/tripdesk/pkg/models"
)

const requestColumns = `id, trip_id, sensei_id, batch_id, match_score, status, requested_at,
	response_deadline, responded_at, response_reason, resolved_at, flagged, flag_reason`

const requestOrder = ` ORDER BY requested_at, batch_id, position`

func (d *Database) CreateBatch(ctx context.Context, reqs []*models.BackupRequest) error {
	if len(reqs) == 0 {
		return fmt.Errorf("batch cannot be empty")
	}
	tripID := reqs[0].TripID

	return d.WithTransaction(ctx, func(tx *sql.Tx) error {
		// Serializes batch creation per trip on PostgreSQL
		var locked string
		err := tx.QueryRowContext(ctx, d.q(d.forUpdate(`SELECT id FROM trips WHERE id = ?`)), tripID).Scan(&locked)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("failed to lock trip: %w", err)
		}

		var pending int
		err = tx.QueryRowContext(ctx,
			d.q(`SELECT COUNT(*) FROM backup_requests WHERE trip_id = ? AND status = ?`),
			tripID, string(models.RequestStatusPending)).Scan(&pending)
		if err != nil {
			return fmt.Errorf("failed to count pending requests: %w", err)
		}
		if pending > 0 {
			return store.ErrPendingBatchExists
		}

		seen := make(map[string]bool, len(reqs))
		query := `
			INSERT INTO backup_requests (id, trip_id, sensei_id, batch_id, position, match_score, status,
				requested_at, response_deadline, responded_at, response_reason, resolved_at, flagged, flag_reason)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		for i, r := range reqs {
			if r.TripID != tripID {
				return fmt.Errorf("batch mixes trips %s and %s", tripID, r.TripID)
			}
			if seen[r.SenseiID] {
				return fmt.Errorf("batch offers trip %s to sensei %s twice", tripID, r.SenseiID)
			}
			seen[r.SenseiID] = true
			_, err := tx.ExecContext(ctx, d.q(query),
				r.ID, r.TripID, r.SenseiID, r.BatchID, i, r.MatchScore, string(r.Status),
				r.RequestedAt.UTC(), r.ResponseDeadline.UTC(), nullTime(r.RespondedAt), r.ResponseReason,
				nullTime(r.ResolvedAt), r.Flagged, r.FlagReason)
			if err != nil {
				return fmt.Errorf("failed to insert request %s: %w", r.ID, err)
			}
		}
		return nil
	})
}

func (d *Database) GetRequest(ctx context.Context, requestID string) (*models.BackupRequest, error) {
	return d.getRequest(ctx, d.db, requestID)
}

func (d *Database) getRequest(ctx context.Context, q queryer, requestID string) (*models.BackupRequest, error) {
	row := q.QueryRowContext(ctx, d.q(`SELECT `+requestColumns+` FROM backup_requests WHERE id = ?`), requestID)
	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("request %s: %w", requestID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return r, nil
}

func (d *Database) ListByTrip(ctx context.Context, tripID string) ([]*models.BackupRequest, error) {
	return d.queryRequests(ctx, d.db, `WHERE trip_id = ?`, tripID)
}

func (d *Database) ListBySensei(ctx context.Context, senseiID string) ([]*models.BackupRequest, error) {
	return d.queryRequests(ctx, d.db, `WHERE sensei_id = ?`, senseiID)
}

func (d *Database) ListPending(ctx context.Context, tripID string) ([]*models.BackupRequest, error) {
	pending := string(models.RequestStatusPending)
	if tripID == "" {
		return d.queryRequests(ctx, d.db, `WHERE status = ? AND flagged = ?`, pending, false)
	}
	return d.queryRequests(ctx, d.db, `WHERE status = ? AND flagged = ? AND trip_id = ?`, pending, false, tripID)
}

func (d *Database) ApplyTransition(ctx context.Context, t store.Transition) (*models.BackupRequest, error) {
	var out *models.BackupRequest
	err := d.WithTransaction(ctx, func(tx *sql.Tx) error {
		r, err := d.getRequest(ctx, tx, t.RequestID)
		if err != nil {
			return err
		}
		if r.Status != t.From {
			return store.ErrStaleTransition
		}
		apply(r, t.To, t.At, t.RespondedAt, t.Reason)
		if err := d.writeStatus(ctx, tx, r, t.From); err != nil {
			return err
		}
		out = r
		return nil
	})
	return out, err
}

func (d *Database) Accept(ctx context.Context, requestID string, at time.Time, reason string) (*store.AcceptResult, error) {
	var result *store.AcceptResult
	err := d.WithTransaction(ctx, func(tx *sql.Tx) error {
		r, err := d.getRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if r.Status != models.RequestStatusPending {
			return store.ErrStaleTransition
		}
		if err := d.setTripBackup(ctx, tx, r.TripID, r.SenseiID); err != nil {
			return err
		}

		responded := at
		apply(r, models.RequestStatusAccepted, at, &responded, reason)
		if err := d.writeStatus(ctx, tx, r, models.RequestStatusPending); err != nil {
			return err
		}

		superseded, err := d.supersedePending(ctx, tx, r.TripID, at, "superseded by request "+r.ID)
		if err != nil {
			return err
		}
		result = &store.AcceptResult{Request: r, Superseded: superseded}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (d *Database) SupersedePending(ctx context.Context, tripID string, at time.Time, reason string) ([]*models.BackupRequest, error) {
	var out []*models.BackupRequest
	err := d.WithTransaction(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = d.supersedePending(ctx, tx, tripID, at, reason)
		return err
	})
	return out, err
}

func (d *Database) supersedePending(ctx context.Context, tx *sql.Tx, tripID string, at time.Time, reason string) ([]*models.BackupRequest, error) {
	pending, err := d.queryRequests(ctx, tx, `WHERE trip_id = ? AND status = ?`, tripID, string(models.RequestStatusPending))
	if err != nil {
		return nil, err
	}
	out := make([]*models.BackupRequest, 0, len(pending))
	for _, r := range pending {
		apply(r, models.RequestStatusSuperseded, at, nil, reason)
		if err := d.writeStatus(ctx, tx, r, models.RequestStatusPending); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (d *Database) Flag(ctx context.Context, requestID, reason string) error {
	result, err := d.db.ExecContext(ctx,
		d.q(`UPDATE backup_requests SET flagged = ?, flag_reason = ? WHERE id = ?`), true, reason, requestID)
	if err != nil {
		return fmt.Errorf("failed to flag request: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("request %s: %w", requestID, store.ErrNotFound)
	}
	return nil
}

// writeStatus persists a status change only if the row is still in from
func (d *Database) writeStatus(ctx context.Context, tx *sql.Tx, r *models.BackupRequest, from models.RequestStatus) error {
	query := `
		UPDATE backup_requests
		SET status = ?, resolved_at = ?, responded_at = ?, response_reason = ?
		WHERE id = ? AND status = ?
	`
	result, err := tx.ExecContext(ctx, d.q(query),
		string(r.Status), nullTime(r.ResolvedAt), nullTime(r.RespondedAt), r.ResponseReason,
		r.ID, string(from))
	if err != nil {
		return fmt.Errorf("failed to update request %s: %w", r.ID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check request update: %w", err)
	}
	if n == 0 {
		return store.ErrStaleTransition
	}
	return nil
}

func (d *Database) queryRequests(ctx context.Context, q queryer, where string, args ...any) ([]*models.BackupRequest, error) {
	rows, err := q.QueryContext(ctx, d.q(`SELECT `+requestColumns+` FROM backup_requests `+where+requestOrder), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query requests: %w", err)
	}
	defer rows.Close()
	out := make([]*models.BackupRequest, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRequest(row rowScanner) (*models.BackupRequest, error) {
	var r models.BackupRequest
	var status string
	var responded, resolved sql.NullTime
	err := row.Scan(
		&r.ID,
		&r.TripID,
		&r.SenseiID,
		&r.BatchID,
		&r.MatchScore,
		&status,
		&r.RequestedAt,
		&r.ResponseDeadline,
		&responded,
		&r.ResponseReason,
		&resolved,
		&r.Flagged,
		&r.FlagReason,
	)
	if err != nil {
		return nil, err
	}
	r.Status = models.RequestStatus(status)
	r.RequestedAt = r.RequestedAt.UTC()
	r.ResponseDeadline = r.ResponseDeadline.UTC()
	r.RespondedAt = timePtr(responded)
	r.ResolvedAt = timePtr(resolved)
	return &r, nil
}

func apply(r *models.BackupRequest, to models.RequestStatus, at time.Time, respondedAt *time.Time, reason string) {
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
