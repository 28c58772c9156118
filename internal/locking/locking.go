// Package locking provides per-key mutual exclusion for trip-level operations.
//
// The in-process KeyedMutex serves a single instance. RedisLocker and the
// database lock in internal/database coordinate several instances sharing
// one store.
package locking

import (
	"context"
	"errors"
	"sync"
)

// ErrNotAcquired is returned by TryLock implementations that report failure as an error
var ErrNotAcquired = errors.New("lock held by another owner")

// Unlock releases a held lock. Calling it more than once is a no-op.
type Unlock func()

// Locker serializes work per key
type Locker interface {
	// Lock blocks until the key is held or ctx is done
	Lock(ctx context.Context, key string) (Unlock, error)
	// TryLock returns immediately; ok is false when someone else holds the key
	TryLock(ctx context.Context, key string) (unlock Unlock, ok bool, err error)
}

type keyEntry struct {
	ch   chan struct{}
	refs int
}

// KeyedMutex is an in-process Locker. Entries are dropped once no goroutine
// holds or waits for them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyEntry
}

var _ Locker = (*KeyedMutex)(nil)

// NewKeyedMutex creates an empty KeyedMutex
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyEntry)}
}

func (k *KeyedMutex) ref(key string) *keyEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	return e
}

func (k *KeyedMutex) unref(key string, e *keyEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

func (k *KeyedMutex) unlocker(key string, e *keyEntry) Unlock {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.unref(key, e)
		})
	}
}

// Lock implements Locker
func (k *KeyedMutex) Lock(ctx context.Context, key string) (Unlock, error) {
	e := k.ref(key)
	select {
	case e.ch <- struct{}{}:
		return k.unlocker(key, e), nil
	case <-ctx.Done():
		k.unref(key, e)
		return nil, ctx.Err()
	}
}

// TryLock implements Locker
func (k *KeyedMutex) TryLock(ctx context.Context, key string) (Unlock, bool, error) {
	e := k.ref(key)
	select {
	case e.ch <- struct{}{}:
		return k.unlocker(key, e), true, nil
	default:
		k.unref(key, e)
		return nil, false, nil
	}
}

// Held reports how many keys currently have a holder or waiter
func (k *KeyedMutex) Held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
