package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jordanhubbard/tripdesk/internal/store"
)

// Database is the SQL implementation of store.Store. SQLite serves single-node
// deployments and tests; PostgreSQL adds cross-instance locking.
type Database struct {
	db         *sql.DB
	supportsHA bool
}

var _ store.Store = (*Database)(nil)

// queryer is satisfied by both *sql.DB and *sql.Tx
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New opens a SQLite database and initializes the schema. Use ":memory:" for
// a throwaway database.
func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer; one connection also keeps ":memory:" shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	d := &Database{db: db}
	if err := d.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return d, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// DB exposes the connection for components that keep their own tables
func (d *Database) DB() *sql.DB {
	return d.db
}

// IsPostgres reports whether queries need $N placeholders
func (d *Database) IsPostgres() bool {
	return d.supportsHA
}

// Ping checks the connection
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *Database) q(query string) string {
	if d.supportsHA {
		return rebind(query)
	}
	return query
}

// The schema is written in the subset both SQLite and PostgreSQL accept.
const schema = `
	CREATE TABLE IF NOT EXISTS config_kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS distributed_locks (
		lock_name TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL,
		acquired_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		heartbeat_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS trips (
		id TEXT PRIMARY KEY,
		theme TEXT NOT NULL DEFAULT '',
		destination TEXT NOT NULL DEFAULT '',
		start_date TIMESTAMP NOT NULL,
		end_date TIMESTAMP NOT NULL,
		difficulty TEXT NOT NULL DEFAULT '',
		required_permission_level INTEGER NOT NULL DEFAULT 0,
		requires_backup BOOLEAN NOT NULL DEFAULT FALSE,
		primary_sensei_id TEXT NOT NULL DEFAULT '',
		backup_sensei_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS senseis (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		specialties_json TEXT NOT NULL DEFAULT '[]',
		level INTEGER NOT NULL DEFAULT 0,
		rating REAL NOT NULL DEFAULT 0,
		availability_json TEXT NOT NULL DEFAULT '[]',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		restriction_json TEXT
	);

	CREATE TABLE IF NOT EXISTS permission_grants (
		trip_id TEXT NOT NULL,
		sensei_id TEXT NOT NULL,
		level INTEGER NOT NULL,
		PRIMARY KEY (trip_id, sensei_id)
	);

	CREATE TABLE IF NOT EXISTS backup_requests (
		id TEXT PRIMARY KEY,
		trip_id TEXT NOT NULL,
		sensei_id TEXT NOT NULL,
		batch_id TEXT NOT NULL,
		position INTEGER NOT NULL DEFAULT 0,
		match_score INTEGER NOT NULL,
		status TEXT NOT NULL,
		requested_at TIMESTAMP NOT NULL,
		response_deadline TIMESTAMP NOT NULL,
		responded_at TIMESTAMP,
		response_reason TEXT NOT NULL DEFAULT '',
		resolved_at TIMESTAMP,
		flagged BOOLEAN NOT NULL DEFAULT FALSE,
		flag_reason TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS trip_automation_state (
		trip_id TEXT PRIMARY KEY,
		retries_so_far INTEGER NOT NULL DEFAULT 0,
		open_batch_id TEXT NOT NULL DEFAULT '',
		last_batch_closed_at TIMESTAMP,
		last_attempt_error TEXT NOT NULL DEFAULT '',
		escalated BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS escalation_alerts (
		id TEXT PRIMARY KEY,
		trip_id TEXT NOT NULL,
		reason TEXT NOT NULL,
		severity TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_scores_json TEXT,
		created_at TIMESTAMP NOT NULL,
		resolved_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_trips_needing_backup ON trips(requires_backup, backup_sensei_id);
	CREATE INDEX IF NOT EXISTS idx_requests_trip_status ON backup_requests(trip_id, status);
	CREATE INDEX IF NOT EXISTS idx_requests_sensei ON backup_requests(sensei_id);
	CREATE INDEX IF NOT EXISTS idx_distributed_locks_expires_at ON distributed_locks(expires_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_open_per_trip ON escalation_alerts(trip_id) WHERE resolved_at IS NULL;
	`

func (d *Database) initSchema() error {
	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Configuration KV

func (d *Database) SetConfigValue(key string, value string) error {
	query := `
		INSERT INTO config_kv (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	_, err := d.db.Exec(d.q(query), key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set config value: %w", err)
	}
	return nil
}

func (d *Database) GetConfigValue(key string) (string, bool, error) {
	query := `SELECT value FROM config_kv WHERE key = ?`
	var value string
	err := d.db.QueryRow(d.q(query), key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get config value: %w", err)
	}
	return value, true, nil
}

// WithTransaction executes a function within a database transaction.
func (d *Database) WithTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
