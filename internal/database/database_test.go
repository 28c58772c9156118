package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jordanhubbard/tripdesk/internal/store"
	"github.com/jordanhubbard/tripdesk/pkg/models"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// newPostgresTestDB skips unless TRIPDESK_TEST_POSTGRES holds a DSN
func newPostgresTestDB(t *testing.T) *Database {
	t.Helper()
	dsn := os.Getenv("TRIPDESK_TEST_POSTGRES")
	if dsn == "" {
		t.Skip("TRIPDESK_TEST_POSTGRES not set")
	}
	db, err := NewPostgres(dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	for _, table := range []string{"trips", "senseis", "permission_grants", "backup_requests",
		"trip_automation_state", "escalation_alerts", "config_kv", "distributed_locks"} {
		if _, err := db.db.Exec("TRUNCATE " + table); err != nil {
			t.Fatalf("failed to truncate %s: %v", table, err)
		}
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func day(m time.Month, d int) time.Time {
	return time.Date(2026, m, d, 0, 0, 0, 0, time.UTC)
}

func seed(t *testing.T, db *Database) {
	t.Helper()
	ctx := context.Background()
	trips := []*models.Trip{
		{ID: "kyoto", Theme: "temples", StartDate: day(6, 1), EndDate: day(6, 5), RequiredPermissionLevel: 2, RequiresBackup: true, PrimarySenseiID: "lead"},
		{ID: "osaka", Theme: "food", StartDate: day(5, 20), EndDate: day(5, 22), RequiresBackup: true},
		{ID: "nara", Theme: "deer", StartDate: day(7, 1), EndDate: day(7, 2), RequiresBackup: false},
	}
	for _, trip := range trips {
		if err := db.UpsertTrip(ctx, trip); err != nil {
			t.Fatalf("UpsertTrip(%s): %v", trip.ID, err)
		}
	}
	senseis := []*models.SenseiCandidate{
		{ID: "lead", Level: 5, Active: true},
		{ID: "alpha", Name: "Alpha", Specialties: []string{"temples"}, Level: 3, Rating: 4.5, Active: true,
			Availability: []models.DateRange{{Start: day(6, 1), End: day(6, 5)}}},
		{ID: "bravo", Level: 1, Rating: 4, Active: true},
		{ID: "charlie", Level: 3, Active: false},
		{ID: "delta", Level: 2, Active: true, Restriction: &models.Restriction{Suspended: true, Note: "paperwork"}},
	}
	for _, s := range senseis {
		if err := db.UpsertSensei(ctx, s); err != nil {
			t.Fatalf("UpsertSensei(%s): %v", s.ID, err)
		}
	}
}

func batch(tripID, batchID string, at time.Time, senseis ...string) []*models.BackupRequest {
	out := make([]*models.BackupRequest, 0, len(senseis))
	for i, s := range senseis {
		out = append(out, &models.BackupRequest{
			ID:               fmt.Sprintf("%s-%s", batchID, s),
			TripID:           tripID,
			SenseiID:         s,
			BatchID:          batchID,
			MatchScore:       90 - i,
			Status:           models.RequestStatusPending,
			RequestedAt:      at,
			ResponseDeadline: at.Add(24 * time.Hour),
		})
	}
	return out
}

func TestDirectory(t *testing.T) {
	db := newTestDB(t)
	seed(t, db)
	ctx := context.Background()

	trips, err := db.TripsNeedingBackup(ctx)
	if err != nil {
		t.Fatalf("TripsNeedingBackup: %v", err)
	}
	if len(trips) != 2 || trips[0].ID != "osaka" || trips[1].ID != "kyoto" {
		t.Fatalf("expected [osaka kyoto], got %v", tripIDs(trips))
	}

	trip, err := db.GetTrip(ctx, "kyoto")
	if err != nil {
		t.Fatalf("GetTrip: %v", err)
	}
	if !trip.StartDate.Equal(day(6, 1)) || trip.PrimarySenseiID != "lead" {
		t.Errorf("unexpected trip: %+v", trip)
	}

	if _, err := db.GetTrip(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	alpha, err := db.GetSensei(ctx, "alpha")
	if err != nil {
		t.Fatalf("GetSensei: %v", err)
	}
	if len(alpha.Specialties) != 1 || len(alpha.Availability) != 1 || alpha.Rating != 4.5 {
		t.Errorf("sensei did not round-trip: %+v", alpha)
	}
	delta, _ := db.GetSensei(ctx, "delta")
	if delta.Restriction == nil || !delta.Restriction.Suspended {
		t.Errorf("restriction lost: %+v", delta)
	}
}

func TestEligibleCandidates(t *testing.T) {
	db := newTestDB(t)
	seed(t, db)
	ctx := context.Background()

	got, err := db.EligibleCandidates(ctx, "kyoto")
	if err != nil {
		t.Fatalf("EligibleCandidates: %v", err)
	}
	// lead is the primary, bravo lacks the level, charlie is inactive
	if ids := senseiIDs(got); fmt.Sprint(ids) != "[alpha delta]" {
		t.Fatalf("expected [alpha delta], got %v", ids)
	}

	if err := db.GrantPermission(ctx, "kyoto", "bravo", 2); err != nil {
		t.Fatalf("GrantPermission: %v", err)
	}
	got, _ = db.EligibleCandidates(ctx, "kyoto")
	if ids := senseiIDs(got); fmt.Sprint(ids) != "[alpha bravo delta]" {
		t.Fatalf("grant not honored: %v", ids)
	}

	grants, _ := db.PermissionGrants(ctx, "kyoto")
	if grants["bravo"] != 2 {
		t.Errorf("expected grant level 2, got %v", grants)
	}
}

func TestSetTripBackupIsConditional(t *testing.T) {
	db := newTestDB(t)
	seed(t, db)
	ctx := context.Background()

	if err := db.SetTripBackup(ctx, "kyoto", "alpha"); err != nil {
		t.Fatalf("SetTripBackup: %v", err)
	}
	if err := db.SetTripBackup(ctx, "kyoto", "delta"); !errors.Is(err, store.ErrBackupAlreadySet) {
		t.Fatalf("expected ErrBackupAlreadySet, got %v", err)
	}
	if err := db.SetTripBackup(ctx, "missing", "alpha"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// Re-upserting the trip must not clear the slot
	trip, _ := db.GetTrip(ctx, "kyoto")
	trip.BackupSenseiID = ""
	if err := db.UpsertTrip(ctx, trip); err != nil {
		t.Fatalf("UpsertTrip: %v", err)
	}
	trip, _ = db.GetTrip(ctx, "kyoto")
	if trip.BackupSenseiID != "alpha" {
		t.Errorf("backup overwritten by upsert: %q", trip.BackupSenseiID)
	}

	committed, _ := db.CommittedTrips(ctx, "alpha")
	if len(committed) != 1 || committed[0].ID != "kyoto" {
		t.Errorf("expected alpha committed to kyoto, got %v", tripIDs(committed))
	}
}

func TestCreateBatch(t *testing.T) {
	db := newTestDB(t)
	seed(t, db)
	ctx := context.Background()
	now := day(5, 1)

	if err := db.CreateBatch(ctx, batch("kyoto", "b1", now, "alpha", "delta")); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	err := db.CreateBatch(ctx, batch("kyoto", "b2", now, "bravo"))
	if !errors.Is(err, store.ErrPendingBatchExists) {
		t.Fatalf("expected ErrPendingBatchExists, got %v", err)
	}
	if err := db.CreateBatch(ctx, batch("osaka", "b3", now, "alpha", "alpha")); err == nil {
		t.Fatal("expected duplicate sensei to be rejected")
	}
	if reqs, _ := db.ListByTrip(ctx, "osaka"); len(reqs) != 0 {
		t.Fatalf("failed batch must not leave rows, got %d", len(reqs))
	}

	reqs, err := db.ListByTrip(ctx, "kyoto")
	if err != nil {
		t.Fatalf("ListByTrip: %v", err)
	}
	if len(reqs) != 2 || reqs[0].SenseiID != "alpha" || reqs[1].SenseiID != "delta" {
		t.Fatalf("unexpected requests: %+v", reqs)
	}
	if !reqs[0].ResponseDeadline.Equal(now.Add(24*time.Hour)) || reqs[0].ResolvedAt != nil {
		t.Errorf("request did not round-trip: %+v", reqs[0])
	}
}

func TestAcceptSupersedesSiblings(t *testing.T) {
	db := newTestDB(t)
	seed(t, db)
	ctx := context.Background()
	now := day(5, 1)

	if err := db.CreateBatch(ctx, batch("kyoto", "b1", now, "alpha", "delta")); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	at := now.Add(time.Hour)
	res, err := db.Accept(ctx, "b1-alpha", at, "happy to")
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if res.Request.Status != models.RequestStatusAccepted || res.Request.RespondedAt == nil {
		t.Errorf("unexpected accepted request: %+v", res.Request)
	}
	if len(res.Superseded) != 1 || res.Superseded[0].ID != "b1-delta" {
		t.Fatalf("expected b1-delta superseded, got %+v", res.Superseded)
	}

	sib, _ := db.GetRequest(ctx, "b1-delta")
	if sib.Status != models.RequestStatusSuperseded || sib.ResolvedAt == nil || !sib.ResolvedAt.Equal(at) {
		t.Errorf("sibling not superseded at accept time: %+v", sib)
	}
	trip, _ := db.GetTrip(ctx, "kyoto")
	if trip.BackupSenseiID != "alpha" {
		t.Errorf("trip backup not set: %q", trip.BackupSenseiID)
	}

	if _, err := db.Accept(ctx, "b1-delta", at, ""); !errors.Is(err, store.ErrStaleTransition) {
		t.Errorf("expected ErrStaleTransition, got %v", err)
	}
}

func TestAcceptRollsBackWhenSlotTaken(t *testing.T) {
	db := newTestDB(t)
	seed(t, db)
	ctx := context.Background()
	now := day(5, 1)

	if err := db.CreateBatch(ctx, batch("kyoto", "b1", now, "alpha")); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if err := db.SetTripBackup(ctx, "kyoto", "delta"); err != nil {
		t.Fatalf("SetTripBackup: %v", err)
	}
	if _, err := db.Accept(ctx, "b1-alpha", now, ""); !errors.Is(err, store.ErrBackupAlreadySet) {
		t.Fatalf("expected ErrBackupAlreadySet, got %v", err)
	}
	r, _ := db.GetRequest(ctx, "b1-alpha")
	if r.Status != models.RequestStatusPending {
		t.Errorf("request must stay pending after a failed accept, got %s", r.Status)
	}
}

func TestConcurrentAccept(t *testing.T) {
	db := newTestDB(t)
	seed(t, db)
	ctx := context.Background()
	now := day(5, 1)

	senseis := []string{"alpha", "bravo", "delta", "lead"}
	if err := db.CreateBatch(ctx, batch("kyoto", "b1", now, senseis...)); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for _, s := range senseis {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := db.Accept(ctx, "b1-"+id, now, ""); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, store.ErrStaleTransition) && !errors.Is(err, store.ErrBackupAlreadySet) {
				t.Errorf("unexpected error for %s: %v", id, err)
			}
		}(s)
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one accept to win, got %d", wins)
	}
	reqs, _ := db.ListByTrip(ctx, "kyoto")
	accepted := 0
	for _, r := range reqs {
		if r.Status == models.RequestStatusAccepted {
			accepted++
		} else if r.Status != models.RequestStatusSuperseded {
			t.Errorf("request %s left in %s", r.ID, r.Status)
		}
	}
	if accepted != 1 {
		t.Errorf("expected one accepted request, got %d", accepted)
	}
}

func TestApplyTransitionAndFlag(t *testing.T) {
	db := newTestDB(t)
	seed(t, db)
	ctx := context.Background()
	now := day(5, 1)

	if err := db.CreateBatch(ctx, batch("kyoto", "b1", now, "alpha", "delta")); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	r, err := db.ApplyTransition(ctx, store.Transition{
		RequestID: "b1-alpha",
		From:      models.RequestStatusPending,
		To:        models.RequestStatusDeclined,
		At:        now,
		Reason:    "busy",
	})
	if err != nil {
		t.Fatalf("ApplyTransition: %v", err)
	}
	if r.Status != models.RequestStatusDeclined || r.ResponseReason != "busy" {
		t.Errorf("unexpected transition result: %+v", r)
	}
	_, err = db.ApplyTransition(ctx, store.Transition{
		RequestID: "b1-alpha", From: models.RequestStatusPending, To: models.RequestStatusExpired, At: now,
	})
	if !errors.Is(err, store.ErrStaleTransition) {
		t.Errorf("expected ErrStaleTransition, got %v", err)
	}

	if err := db.Flag(ctx, "b1-delta", "trip vanished"); err != nil {
		t.Fatalf("Flag: %v", err)
	}
	pending, _ := db.ListPending(ctx, "")
	if len(pending) != 0 {
		t.Errorf("flagged request must not be listed as pending: %+v", pending)
	}
	if err := db.Flag(ctx, "nope", ""); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	bySensei, _ := db.ListBySensei(ctx, "delta")
	if len(bySensei) != 1 || !bySensei[0].Flagged || bySensei[0].FlagReason != "trip vanished" {
		t.Errorf("flag not persisted: %+v", bySensei)
	}

	superseded, err := db.SupersedePending(ctx, "kyoto", now, "override")
	if err != nil {
		t.Fatalf("SupersedePending: %v", err)
	}
	if len(superseded) != 1 || superseded[0].ID != "b1-delta" {
		t.Errorf("expected b1-delta superseded, got %+v", superseded)
	}
}

func TestTripState(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	st, err := db.GetTripState(ctx, "kyoto")
	if err != nil {
		t.Fatalf("GetTripState: %v", err)
	}
	if st.TripID != "kyoto" || st.RetriesSoFar != 0 {
		t.Fatalf("expected zero state, got %+v", st)
	}

	closed := day(5, 2)
	st.RetriesSoFar = 2
	st.LastBatchClosedAt = &closed
	st.OpenBatchID = "b2"
	st.Escalated = true
	if err := db.SaveTripState(ctx, st); err != nil {
		t.Fatalf("SaveTripState: %v", err)
	}
	got, _ := db.GetTripState(ctx, "kyoto")
	if got.RetriesSoFar != 2 || got.OpenBatchID != "b2" || !got.Escalated ||
		got.LastBatchClosedAt == nil || !got.LastBatchClosedAt.Equal(closed) {
		t.Errorf("state did not round-trip: %+v", got)
	}

	got.LastBatchClosedAt = nil
	got.OpenBatchID = ""
	if err := db.SaveTripState(ctx, got); err != nil {
		t.Fatalf("SaveTripState: %v", err)
	}
	got, _ = db.GetTripState(ctx, "kyoto")
	if got.LastBatchClosedAt != nil || got.OpenBatchID != "" {
		t.Errorf("expected cleared fields, got %+v", got)
	}
}

func TestAlerts(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := day(5, 1)

	alert := &models.EscalationAlert{ID: "a1", TripID: "kyoto", Reason: "no takers", Severity: models.SeverityHigh,
		RetryCount: 3, LastScores: map[string]int{"alpha": 55}, CreatedAt: now}
	if err := db.CreateAlert(ctx, alert); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	dup := *alert
	dup.ID = "a2"
	if err := db.CreateAlert(ctx, &dup); !errors.Is(err, store.ErrAlertAlreadyPending) {
		t.Fatalf("expected ErrAlertAlreadyPending, got %v", err)
	}

	alerts, _ := db.ListAlerts(ctx, false)
	if len(alerts) != 1 || alerts[0].LastScores["alpha"] != 55 || alerts[0].Severity != models.SeverityHigh {
		t.Fatalf("unexpected alerts: %+v", alerts)
	}

	n, err := db.ResolveAlerts(ctx, "kyoto", now.Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("ResolveAlerts: n=%d err=%v", n, err)
	}
	if open, _ := db.ListAlerts(ctx, false); len(open) != 0 {
		t.Errorf("expected no open alerts, got %d", len(open))
	}
	if err := db.CreateAlert(ctx, &dup); err != nil {
		t.Errorf("a new alert is allowed once the old one is resolved: %v", err)
	}
	if all, _ := db.ListAlerts(ctx, true); len(all) != 2 {
		t.Errorf("expected 2 alerts in history, got %d", len(all))
	}
}

func TestConfigKV(t *testing.T) {
	db := newTestDB(t)

	if _, ok, err := db.GetConfigValue("missing"); err != nil || ok {
		t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
	}
	if err := db.SetConfigValue("k", "v1"); err != nil {
		t.Fatalf("SetConfigValue: %v", err)
	}
	if err := db.SetConfigValue("k", "v2"); err != nil {
		t.Fatalf("SetConfigValue: %v", err)
	}
	v, ok, err := db.GetConfigValue("k")
	if err != nil || !ok || v != "v2" {
		t.Errorf("expected v2, got %q ok=%v err=%v", v, ok, err)
	}
}

func TestDistributedLock(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	lock, err := db.AcquireLock(ctx, "sweep", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if _, err := db.AcquireLock(ctx, "sweep", time.Minute); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
	if err := lock.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := lock.Release(ctx); err != nil {
		t.Fatalf("second Release should be a no-op: %v", err)
	}

	again, err := db.AcquireLock(ctx, "sweep", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock after release: %v", err)
	}
	defer again.Release(ctx)
}

func TestExpiredLockIsStolen(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	_, err := db.db.Exec(`INSERT INTO distributed_locks (lock_name, instance_id, acquired_at, expires_at, heartbeat_at)
		VALUES (?, ?, ?, ?, ?)`, "stale", "dead-instance", past, past, past)
	if err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	lock, err := db.AcquireLock(ctx, "stale", time.Minute)
	if err != nil {
		t.Fatalf("expected to steal expired lock: %v", err)
	}
	defer lock.Release(ctx)
	if lock.instanceID == "dead-instance" {
		t.Error("lock should carry a new instance ID")
	}
}

func TestLocker(t *testing.T) {
	db := newTestDB(t)
	locker := db.NewLocker(time.Minute)
	ctx := context.Background()

	unlock, ok, err := locker.TryLock(ctx, "trip:kyoto")
	if err != nil || !ok {
		t.Fatalf("TryLock: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := locker.TryLock(ctx, "trip:kyoto"); ok {
		t.Fatal("second TryLock should fail while held")
	}

	waitCtx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	if _, err := locker.Lock(waitCtx, "trip:kyoto"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	unlock()
	unlock2, err := locker.Lock(ctx, "trip:kyoto")
	if err != nil {
		t.Fatalf("Lock after unlock: %v", err)
	}
	unlock2()
}

func TestRebind(t *testing.T) {
	got := rebind("SELECT * FROM t WHERE a = ? AND b = ?")
	if got != "SELECT * FROM t WHERE a = $1 AND b = $2" {
		t.Errorf("unexpected rebind: %s", got)
	}
	db := &Database{}
	if db.forUpdate("SELECT 1") != "SELECT 1" {
		t.Error("sqlite queries must not take row locks")
	}
}

func TestPostgresAcceptRace(t *testing.T) {
	db := newPostgresTestDB(t)
	seed(t, db)
	ctx := context.Background()
	now := day(5, 1)

	if err := db.CreateBatch(ctx, batch("kyoto", "b1", now, "alpha", "delta")); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, id := range []string{"b1-alpha", "b1-delta"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := db.Accept(ctx, id, now, "")
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)
	wins := 0
	for err := range errs {
		if err == nil {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func tripIDs(trips []*models.Trip) []string {
	out := make([]string, len(trips))
	for i, t := range trips {
		out[i] = t.ID
	}
	return out
}

func senseiIDs(cs []*models.SenseiCandidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}
