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

const tripColumns = `id, theme, destination, start_date, end_date, difficulty, required_permission_level,
	requires_backup, primary_sensei_id, backup_sensei_id, created_at, updated_at`

// UpsertTrip inserts or replaces a trip. The backup slot is only written on
// insert; afterwards it changes through SetTripBackup alone.
func (d *Database) UpsertTrip(ctx context.Context, trip *models.Trip) error {
	if trip == nil || trip.ID == "" {
		return fmt.Errorf("trip ID is required")
	}
	now := time.Now().UTC()
	if trip.CreatedAt.IsZero() {
		trip.CreatedAt = now
	}
	trip.UpdatedAt = now

	query := `
		INSERT INTO trips (` + tripColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			theme = excluded.theme,
			destination = excluded.destination,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			difficulty = excluded.difficulty,
			required_permission_level = excluded.required_permission_level,
			requires_backup = excluded.requires_backup,
			primary_sensei_id = excluded.primary_sensei_id,
			updated_at = excluded.updated_at
	`
	_, err := d.db.ExecContext(ctx, d.q(query),
		trip.ID,
		trip.Theme,
		trip.Destination,
		trip.StartDate.UTC(),
		trip.EndDate.UTC(),
		trip.Difficulty,
		trip.RequiredPermissionLevel,
		trip.RequiresBackup,
		trip.PrimarySenseiID,
		trip.BackupSenseiID,
		trip.CreatedAt.UTC(),
		trip.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert trip: %w", err)
	}
	return nil
}

// DeleteTrip removes a trip; requests pointing at it are left behind.
func (d *Database) DeleteTrip(ctx context.Context, tripID string) error {
	_, err := d.db.ExecContext(ctx, d.q(`DELETE FROM trips WHERE id = ?`), tripID)
	if err != nil {
		return fmt.Errorf("failed to delete trip: %w", err)
	}
	return nil
}

func (d *Database) UpsertSensei(ctx context.Context, sensei *models.SenseiCandidate) error {
	if sensei == nil || sensei.ID == "" {
		return fmt.Errorf("sensei ID is required")
	}
	specialties, err := json.Marshal(nonNilStrings(sensei.Specialties))
	if err != nil {
		return fmt.Errorf("failed to marshal specialties: %w", err)
	}
	availability, err := json.Marshal(nonNilRanges(sensei.Availability))
	if err != nil {
		return fmt.Errorf("failed to marshal availability: %w", err)
	}
	var restriction sql.NullString
	if sensei.Restriction != nil {
		b, err := json.Marshal(sensei.Restriction)
		if err != nil {
			return fmt.Errorf("failed to marshal restriction: %w", err)
		}
		restriction = sql.NullString{String: string(b), Valid: true}
	}

	query := `
		INSERT INTO senseis (id, name, specialties_json, level, rating, availability_json, active, restriction_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			specialties_json = excluded.specialties_json,
			level = excluded.level,
			rating = excluded.rating,
			availability_json = excluded.availability_json,
			active = excluded.active,
			restriction_json = excluded.restriction_json
	`
	_, err = d.db.ExecContext(ctx, d.q(query),
		sensei.ID, sensei.Name, string(specialties), sensei.Level, sensei.Rating,
		string(availability), sensei.Active, restriction)
	if err != nil {
		return fmt.Errorf("failed to upsert sensei: %w", err)
	}
	return nil
}

func (d *Database) GrantPermission(ctx context.Context, tripID, senseiID string, level int) error {
	query := `
		INSERT INTO permission_grants (trip_id, sensei_id, level)
		VALUES (?, ?, ?)
		ON CONFLICT(trip_id, sensei_id) DO UPDATE SET level = excluded.level
	`
	if _, err := d.db.ExecContext(ctx, d.q(query), tripID, senseiID, level); err != nil {
		return fmt.Errorf("failed to grant permission: %w", err)
	}
	return nil
}

// Directory

func (d *Database) TripsNeedingBackup(ctx context.Context) ([]*models.Trip, error) {
	query := `SELECT ` + tripColumns + ` FROM trips
		WHERE requires_backup = ? AND backup_sensei_id = ''
		ORDER BY start_date, id`
	return d.queryTrips(ctx, d.q(query), true)
}

func (d *Database) GetTrip(ctx context.Context, tripID string) (*models.Trip, error) {
	return d.getTrip(ctx, d.db, tripID)
}

func (d *Database) getTrip(ctx context.Context, q queryer, tripID string) (*models.Trip, error) {
	row := q.QueryRowContext(ctx, d.q(`SELECT `+tripColumns+` FROM trips WHERE id = ?`), tripID)
	trip, err := scanTrip(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("trip %s: %w", tripID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trip: %w", err)
	}
	return trip, nil
}

func (d *Database) EligibleCandidates(ctx context.Context, tripID string) ([]*models.SenseiCandidate, error) {
	trip, err := d.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	grants, err := d.PermissionGrants(ctx, tripID)
	if err != nil {
		return nil, err
	}

	query := `SELECT id, name, specialties_json, level, rating, availability_json, active, restriction_json
		FROM senseis WHERE active = ? AND id <> ? ORDER BY id`
	rows, err := d.db.QueryContext(ctx, d.q(query), true, trip.PrimarySenseiID)
	if err != nil {
		return nil, fmt.Errorf("failed to query senseis: %w", err)
	}
	defer rows.Close()

	out := make([]*models.SenseiCandidate, 0)
	for rows.Next() {
		c, err := scanSensei(rows)
		if err != nil {
			return nil, err
		}
		level := c.Level
		if g, ok := grants[c.ID]; ok && g > level {
			level = g
		}
		if level < trip.RequiredPermissionLevel {
			continue
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (d *Database) GetSensei(ctx context.Context, senseiID string) (*models.SenseiCandidate, error) {
	query := `SELECT id, name, specialties_json, level, rating, availability_json, active, restriction_json
		FROM senseis WHERE id = ?`
	c, err := scanSensei(d.db.QueryRowContext(ctx, d.q(query), senseiID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sensei %s: %w", senseiID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sensei: %w", err)
	}
	return c, nil
}

func (d *Database) CommittedTrips(ctx context.Context, senseiID string) ([]*models.Trip, error) {
	query := `SELECT ` + tripColumns + ` FROM trips
		WHERE primary_sensei_id = ? OR backup_sensei_id = ?
		ORDER BY id`
	return d.queryTrips(ctx, d.q(query), senseiID, senseiID)
}

func (d *Database) PermissionGrants(ctx context.Context, tripID string) (map[string]int, error) {
	rows, err := d.db.QueryContext(ctx, d.q(`SELECT sensei_id, level FROM permission_grants WHERE trip_id = ?`), tripID)
	if err != nil {
		return nil, fmt.Errorf("failed to query grants: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var id string
		var level int
		if err := rows.Scan(&id, &level); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		out[id] = level
	}
	return out, rows.Err()
}

func (d *Database) SetTripBackup(ctx context.Context, tripID, senseiID string) error {
	return d.WithTransaction(ctx, func(tx *sql.Tx) error {
		return d.setTripBackup(ctx, tx, tripID, senseiID)
	})
}

// setTripBackup is the conditional write guarding the accepted slot
func (d *Database) setTripBackup(ctx context.Context, q queryer, tripID, senseiID string) error {
	query := `UPDATE trips SET backup_sensei_id = ?, updated_at = ? WHERE id = ? AND backup_sensei_id = ''`
	result, err := q.ExecContext(ctx, d.q(query), senseiID, time.Now().UTC(), tripID)
	if err != nil {
		return fmt.Errorf("failed to set trip backup: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check trip backup update: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := d.getTrip(ctx, q, tripID); err != nil {
		return err
	}
	return store.ErrBackupAlreadySet
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (d *Database) queryTrips(ctx context.Context, query string, args ...any) ([]*models.Trip, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trips: %w", err)
	}
	defer rows.Close()
	out := make([]*models.Trip, 0)
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trip: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTrip(row rowScanner) (*models.Trip, error) {
	var t models.Trip
	err := row.Scan(
		&t.ID,
		&t.Theme,
		&t.Destination,
		&t.StartDate,
		&t.EndDate,
		&t.Difficulty,
		&t.RequiredPermissionLevel,
		&t.RequiresBackup,
		&t.PrimarySenseiID,
		&t.BackupSenseiID,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.StartDate = t.StartDate.UTC()
	t.EndDate = t.EndDate.UTC()
	return &t, nil
}

func scanSensei(row rowScanner) (*models.SenseiCandidate, error) {
	var c models.SenseiCandidate
	var specialties, availability string
	var restriction sql.NullString
	if err := row.Scan(&c.ID, &c.Name, &specialties, &c.Level, &c.Rating, &availability, &c.Active, &restriction); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(specialties), &c.Specialties); err != nil {
		return nil, fmt.Errorf("failed to decode specialties for %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(availability), &c.Availability); err != nil {
		return nil, fmt.Errorf("failed to decode availability for %s: %w", c.ID, err)
	}
	if restriction.Valid && restriction.String != "" {
		c.Restriction = &models.Restriction{}
		if err := json.Unmarshal([]byte(restriction.String), c.Restriction); err != nil {
			return nil, fmt.Errorf("failed to decode restriction for %s: %w", c.ID, err)
		}
	}
	return &c, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilRanges(r []models.DateRange) []models.DateRange {
	if r == nil {
		return []models.DateRange{}
	}
	return r
}
