package locking

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	km := NewKeyedMutex()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := km.Lock(ctx, "trip:kyoto")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, km.Held(), "entries should be dropped after release")
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	km := NewKeyedMutex()
	ctx := context.Background()

	a, err := km.Lock(ctx, "a")
	require.NoError(t, err)
	defer a()

	b, ok, err := km.TryLock(ctx, "b")
	require.NoError(t, err)
	require.True(t, ok)
	b()
}

func TestKeyedMutex_TryLockWhenHeld(t *testing.T) {
	km := NewKeyedMutex()
	ctx := context.Background()

	unlock, ok, _ := km.TryLock(ctx, "sweep:kyoto")
	require.True(t, ok)

	_, ok, err := km.TryLock(ctx, "sweep:kyoto")
	require.NoError(t, err)
	assert.False(t, ok)

	unlock()
	unlock() // double release is harmless

	again, ok, _ := km.TryLock(ctx, "sweep:kyoto")
	assert.True(t, ok)
	again()
}

func TestKeyedMutex_LockHonoursContext(t *testing.T) {
	km := NewKeyedMutex()
	unlock, err := km.Lock(context.Background(), "k")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = km.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("TRIPDESK_TEST_REDIS")
	if addr == "" {
		t.Skip("TRIPDESK_TEST_REDIS not set")
	}
	ctx := context.Background()
	rl, err := NewRedisLocker(ctx, RedisConfig{Addr: addr, KeyPrefix: "tripdesk:test:lock:", TTL: 5 * time.Second})
	require.NoError(t, err)
	defer rl.Close()

	unlock, ok, err := rl.TryLock(ctx, "trip:redis")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = rl.TryLock(ctx, "trip:redis")
	require.NoError(t, err)
	assert.False(t, ok)

	unlock()
	waited, err := rl.Lock(ctx, "trip:redis")
	require.NoError(t, err)
	waited()
}
