package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "vaulttec:lock:"

// releaseScript deletes the key only if this locker still owns it, so an
// expired lock taken over by another instance is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker implements Locker with SET NX and a TTL, making the
// flash-save single-flight guarantee hold across service instances.
type RedisLocker struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedis connects a Redis-backed locker. TTL bounds how long a crashed
// holder can block other instances.
func NewRedis(redisURL string, ttl time.Duration, logger *zap.Logger) (*RedisLocker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisLocker{rdb: rdb, ttl: ttl, logger: logger}, nil
}

// Acquire takes the key or fails with ErrLocked if another holder owns it.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.New().String()
	fullKey := keyPrefix + key

	ok, err := l.rdb.SetNX(ctx, fullKey, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLocked
	}

	return func() {
		if err := releaseScript.Run(context.Background(), l.rdb, []string{fullKey}, token).Err(); err != nil && err != redis.Nil {
			l.logger.Warn("lock release failed", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

// Close shuts down the Redis connection.
func (l *RedisLocker) Close() error {
	return l.rdb.Close()
}
