package locking

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still carries our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig configures a RedisLocker
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string        // Defaults to "tripdesk:lock:"
	TTL       time.Duration // Lock lease; held locks expire after this if the holder dies
	RetryWait time.Duration // Poll interval for blocking Lock
}

// RedisLocker is a Locker backed by SET NX PX leases in Redis
type RedisLocker struct {
	client    redis.UniversalClient
	prefix    string
	ttl       time.Duration
	retryWait time.Duration
}

var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker connects to Redis and verifies the connection
func NewRedisLocker(ctx context.Context, cfg RedisConfig) (*RedisLocker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	log.Printf("[Locking] Connected to Redis at %s", cfg.Addr)
	return NewRedisLockerWithClient(client, cfg), nil
}

// NewRedisLockerWithClient wraps an existing client
func NewRedisLockerWithClient(client redis.UniversalClient, cfg RedisConfig) *RedisLocker {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "tripdesk:lock:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = 50 * time.Millisecond
	}
	return &RedisLocker{
		client:    client,
		prefix:    cfg.KeyPrefix,
		ttl:       cfg.TTL,
		retryWait: cfg.RetryWait,
	}
}

// Lock implements Locker by polling TryLock until it succeeds or ctx ends
func (r *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	ticker := time.NewTicker(r.retryWait)
	defer ticker.Stop()
	for {
		unlock, ok, err := r.TryLock(ctx, key)
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

// TryLock implements Locker
func (r *RedisLocker) TryLock(ctx context.Context, key string) (Unlock, bool, error) {
	full := r.prefix + key
	token := uuid.New().String()
	ok, err := r.client.SetNX(ctx, full, token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, r.client, []string{full}, token).Err(); err != nil {
			log.Printf("[Locking] Failed to release %s: %v", full, err)
		}
	}, true, nil
}

// Close closes the underlying client
func (r *RedisLocker) Close() error {
	return r.client.Close()
}
