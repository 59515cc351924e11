package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Compare-and-delete so an expired holder never releases someone else's lock.
const unlockScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// DefaultLockTTL bounds how long a crashed holder can block a document.
const DefaultLockTTL = 30 * time.Second

const (
	minRetry = 10 * time.Millisecond
	maxRetry = 250 * time.Millisecond
)

// redisClient is the part of *redis.Client the locker needs.
type redisClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// RedisLockerConfig holds the connection settings.
type RedisLockerConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	Prefix   string
}

// RedisLocker is a lock shared by every process using the same Redis.
type RedisLocker struct {
	client redisClient
	ttl    time.Duration
	prefix string
	log    *zap.Logger
}

// NewRedisLocker connects to Redis.
func NewRedisLocker(cfg RedisLockerConfig, log *zap.Logger) *RedisLocker {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	return newRedisLocker(client, cfg.TTL, cfg.Prefix, log)
}

func newRedisLocker(client redisClient, ttl time.Duration, prefix string, log *zap.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	if prefix == "" {
		prefix = "pdfsigner:lock:"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisLocker{client: client, ttl: ttl, prefix: prefix, log: log}
}

// Lock polls SET NX with growing pauses until it wins or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, docID string) (func(), error) {
	key := l.prefix + docID
	token := uuid.NewString()
	wait := minRetry
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			break
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		wait = min(wait*2, maxRetry)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err := l.client.Eval(ctx, unlockScript, []string{key}, token).Err()
			if err != nil && !errors.Is(err, redis.Nil) {
				l.log.Warn("redis unlock failed", zap.String("key", key), zap.Error(err))
			}
		})
	}, nil
}
