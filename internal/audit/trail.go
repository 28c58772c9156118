package audit

import (
	"container/ring"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/jordanhubbard/tripdesk/internal/eventbus"
	"github.com/jordanhubbard/tripdesk/pkg/models"
)

// MaxTrailSize is the number of entries kept in memory
const MaxTrailSize = 5000

const (
	EntryKindEvent = "event"
	EntryKindAlert = "alert"
)

// Entry is one line of the audit trail
type Entry struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Kind      string                 `json:"kind"`
	Type      string                 `json:"type"`
	TripID    string                 `json:"trip_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Trail is a Sink that keeps recent entries in a ring buffer and, when given a
// database, persists every entry to the audit_trail table.
type Trail struct {
	mu       sync.RWMutex
	buffer   *ring.Ring
	db       *sql.DB
	postgres bool
}

var _ Sink = (*Trail)(nil)

// NewTrail creates a trail. db may be nil for memory-only operation.
func NewTrail(db *sql.DB, postgres bool) *Trail {
	t := &Trail{
		buffer:   ring.New(MaxTrailSize),
		db:       db,
		postgres: postgres,
	}
	if err := t.initSchema(); err != nil {
		log.Printf("[Audit] Warning: failed to initialize trail schema: %v", err)
	}
	return t
}

// Name implements Named
func (t *Trail) Name() string { return "trail" }

func (t *Trail) rebind(query string) string {
	if !t.postgres {
		return query
	}
	n := 1
	var out strings.Builder
	for _, ch := range query {
		if ch == '?' {
			fmt.Fprintf(&out, "$%d", n)
			n++
		} else {
			out.WriteRune(ch)
		}
	}
	return out.String()
}

func (t *Trail) initSchema() error {
	if t.db == nil {
		return nil
	}
	_, err := t.db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_trail (
			id TEXT PRIMARY KEY,
			timestamp TIMESTAMP NOT NULL,
			kind TEXT NOT NULL,
			type TEXT NOT NULL,
			trip_id TEXT,
			data_json TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create audit_trail table: %w", err)
	}
	if _, err := t.db.Exec("CREATE INDEX IF NOT EXISTS idx_audit_trail_trip ON audit_trail(trip_id, timestamp)"); err != nil {
		log.Printf("[Audit] Warning: failed to create index: %v", err)
	}
	return nil
}

// AppendLifecycleEvent implements Sink
func (t *Trail) AppendLifecycleEvent(ctx context.Context, event *eventbus.Event) error {
	return t.record(ctx, Entry{
		ID:        event.ID,
		Timestamp: event.Timestamp,
		Kind:      EntryKindEvent,
		Type:      string(event.Type),
		TripID:    event.TripID,
		Data:      event.Data,
	})
}

// RaiseAlert implements Sink
func (t *Trail) RaiseAlert(ctx context.Context, alert *models.EscalationAlert) error {
	scores := make(map[string]interface{}, len(alert.LastScores))
	for k, v := range alert.LastScores {
		scores[k] = v
	}
	return t.record(ctx, Entry{
		ID:        alert.ID,
		Timestamp: alert.CreatedAt,
		Kind:      EntryKindAlert,
		Type:      string(alert.Severity),
		TripID:    alert.TripID,
		Data: map[string]interface{}{
			"reason":      alert.Reason,
			"retry_count": alert.RetryCount,
			"last_scores": scores,
		},
	})
}

func (t *Trail) record(ctx context.Context, e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	t.mu.Lock()
	t.buffer.Value = e
	t.buffer = t.buffer.Next()
	t.mu.Unlock()

	if t.db == nil {
		return nil
	}
	var dataJSON *string
	if len(e.Data) > 0 {
		if data, err := json.Marshal(e.Data); err == nil {
			s := string(data)
			dataJSON = &s
		}
	}
	var tripID *string
	if e.TripID != "" {
		tripID = &e.TripID
	}
	// Redelivery after a timed-out attempt must not fail on the primary key
	_, err := t.db.ExecContext(ctx, t.rebind(`
		INSERT INTO audit_trail (id, timestamp, kind, type, trip_id, data_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`), e.ID, e.Timestamp, e.Kind, e.Type, tripID, dataJSON)
	if err != nil {
		return fmt.Errorf("failed to persist audit entry %s: %w", e.ID, err)
	}
	return nil
}

// Recent returns up to limit entries newest-first, optionally for one trip
func (t *Trail) Recent(limit int, tripID string) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if limit <= 0 || limit > MaxTrailSize {
		limit = 100
	}
	out := make([]Entry, 0, limit)
	// Walk backwards from the most recent slot
	r := t.buffer.Prev()
	for i := 0; i < MaxTrailSize && len(out) < limit; i++ {
		if e, ok := r.Value.(Entry); ok && (tripID == "" || e.TripID == tripID) {
			out = append(out, e)
		}
		r = r.Prev()
	}
	return out
}

// Query reads persisted entries for a trip, oldest first
func (t *Trail) Query(ctx context.Context, tripID string, limit int) ([]Entry, error) {
	if t.db == nil {
		entries := t.Recent(limit, tripID)
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
		return entries, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.db.QueryContext(ctx, t.rebind(`
		SELECT id, timestamp, kind, type, COALESCE(trip_id, ''), COALESCE(data_json, '')
		FROM audit_trail WHERE trip_id = ? ORDER BY timestamp ASC, id ASC LIMIT ?
	`), tripID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit trail: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		var data string
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Kind, &e.Type, &e.TripID, &data); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if data != "" {
			_ = json.Unmarshal([]byte(data), &e.Data)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
