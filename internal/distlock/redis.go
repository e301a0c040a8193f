package distlock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// releaseScript deletes the key only when it still holds the caller's token.
// Running it server-side keeps check and delete atomic, so a holder that lost
// its lock to TTL expiry can never release the next holder's lock.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end`

// RedisManager implements Manager on top of Redis SET NX PX with random tokens
type RedisManager struct {
	rdb       *redis.Client
	keyPrefix string
}

// NewRedisManager creates a Redis-backed lock manager and verifies connectivity
func NewRedisManager(addr, password string) (*RedisManager, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("error connecting to redis at %s: %w", addr, err)
	}

	slog.Info("Redis distributed lock manager initialized", "addr", addr)
	return &RedisManager{rdb: rdb, keyPrefix: "inventory:lock:"}, nil
}

// Acquire takes the lock for key with the given TTL. Returns ErrBusy when the
// key is held by someone else.
func (rm *RedisManager) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.New().String()

	ok, err := rm.rdb.SetNX(ctx, rm.keyPrefix+key, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("error acquiring distributed lock for %s: %w", key, err)
	}
	if !ok {
		slog.Debug("Distributed lock busy", "key", key)
		return "", ErrBusy
	}

	slog.Debug("Distributed lock acquired", "key", key, "ttl", ttl.String())
	return token, nil
}

// Release frees the lock if token is still the holder
func (rm *RedisManager) Release(ctx context.Context, key string, token string) error {
	deleted, err := rm.rdb.Eval(ctx, releaseScript, []string{rm.keyPrefix + key}, token).Result()
	if err != nil {
		return fmt.Errorf("error releasing distributed lock for %s: %w", key, err)
	}

	if n, ok := deleted.(int64); !ok || n == 0 {
		slog.Warn("Distributed lock release skipped, token no longer holder", "key", key)
		return ErrNotHeld
	}

	slog.Debug("Distributed lock released", "key", key)
	return nil
}

// Close shuts down the underlying Redis client
func (rm *RedisManager) Close() error {
	return rm.rdb.Close()
}
