package database

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jordanhubbard/tripdesk/internal/locking"
)

// ErrLockHeld is returned by AcquireLock when another instance owns the lock
var ErrLockHeld = errors.New("lock held by another instance")

// DistributedLock represents a distributed lock for coordination.
type DistributedLock struct {
	db         *Database
	lockName   string
	instanceID string
	ttl        time.Duration
	stopCh     chan struct{}
	once       sync.Once
}

// AcquireLock attempts to acquire a distributed lock.
// Returns a lock object if successful, or ErrLockHeld if another instance has it.
func (d *Database) AcquireLock(ctx context.Context, lockName string, ttl time.Duration) (*DistributedLock, error) {
	instanceID := uuid.New().String()
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	query := `
		INSERT INTO distributed_locks (lock_name, instance_id, acquired_at, expires_at, heartbeat_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (lock_name) DO NOTHING
	`
	result, err := d.db.ExecContext(ctx, d.q(query), lockName, instanceID, now, expiresAt, now)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check lock acquisition: %w", err)
	}

	if rows == 0 {
		// Held by someone; take it over only if it has expired
		query = `
			UPDATE distributed_locks
			SET instance_id = ?, expires_at = ?, heartbeat_at = ?, acquired_at = ?
			WHERE lock_name = ? AND expires_at < ?
		`
		result, err = d.db.ExecContext(ctx, d.q(query), instanceID, expiresAt, now, now, lockName, now)
		if err != nil {
			return nil, fmt.Errorf("failed to steal expired lock: %w", err)
		}
		rows, _ = result.RowsAffected()
		if rows == 0 {
			return nil, ErrLockHeld
		}
	}

	lock := &DistributedLock{
		db:         d,
		lockName:   lockName,
		instanceID: instanceID,
		ttl:        ttl,
		stopCh:     make(chan struct{}),
	}

	go lock.heartbeat()

	return lock, nil
}

// heartbeat periodically refreshes the lock to prevent expiration.
func (dl *DistributedLock) heartbeat() {
	ticker := time.NewTicker(dl.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			now := time.Now().UTC()

			query := `
				UPDATE distributed_locks
				SET heartbeat_at = ?, expires_at = ?
				WHERE lock_name = ? AND instance_id = ?
			`
			_, err := dl.db.db.ExecContext(ctx, dl.db.q(query), now, now.Add(dl.ttl), dl.lockName, dl.instanceID)
			cancel()

			if err != nil {
				log.Printf("[Database] Lost lock %s: %v", dl.lockName, err)
				return
			}

		case <-dl.stopCh:
			return
		}
	}
}

// Release releases the distributed lock. Releasing twice is a no-op.
func (dl *DistributedLock) Release(ctx context.Context) error {
	var err error
	dl.once.Do(func() {
		close(dl.stopCh)

		query := `
			DELETE FROM distributed_locks
			WHERE lock_name = ? AND instance_id = ?
		`
		if _, execErr := dl.db.db.ExecContext(ctx, dl.db.q(query), dl.lockName, dl.instanceID); execErr != nil {
			err = fmt.Errorf("failed to release lock: %w", execErr)
		}
	})
	return err
}

// CleanupExpiredLocks removes expired locks from the database.
func (d *Database) CleanupExpiredLocks(ctx context.Context) (int, error) {
	result, err := d.db.ExecContext(ctx, d.q(`DELETE FROM distributed_locks WHERE expires_at < ?`), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup locks: %w", err)
	}

	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// Locker exposes the lock table as a locking.Locker so several engine
// instances sharing one PostgreSQL database serialize per trip.
type Locker struct {
	db        *Database
	prefix    string
	ttl       time.Duration
	retryWait time.Duration
}

var _ locking.Locker = (*Locker)(nil)

// NewLocker returns a Locker whose leases last ttl between heartbeats
func (d *Database) NewLocker(ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Locker{db: d, prefix: "tripdesk:", ttl: ttl, retryWait: 100 * time.Millisecond}
}

// TryLock implements locking.Locker
func (l *Locker) TryLock(ctx context.Context, key string) (locking.Unlock, bool, error) {
	lock, err := l.db.AcquireLock(ctx, l.prefix+key, l.ttl)
	if errors.Is(err, ErrLockHeld) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return func() {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Release(rctx); err != nil {
			log.Printf("[Database] %v", err)
		}
	}, true, nil
}

// Lock implements locking.Locker by polling TryLock
func (l *Locker) Lock(ctx context.Context, key string) (locking.Unlock, error) {
	ticker := time.NewTicker(l.retryWait)
	defer ticker.Stop()
	for {
		unlock, ok, err := l.TryLock(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return unlock, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
