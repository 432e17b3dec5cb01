package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisConfig controls redis client behavior.
// Keep it config-driven; defaults should be safe and conservative.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	PoolSize        int
	MinIdleConns    int
	PoolTimeout     time.Duration
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	PingTimeout time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.PoolSize <= 0 {
		out.PoolSize = 20
	}
	if out.MinIdleConns < 0 {
		out.MinIdleConns = 0
	}
	if out.PoolTimeout <= 0 {
		out.PoolTimeout = 4 * time.Second
	}
	if out.ConnMaxIdleTime <= 0 {
		out.ConnMaxIdleTime = 5 * time.Minute
	}
	if out.ConnMaxLifetime <= 0 {
		out.ConnMaxLifetime = 30 * time.Minute
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

// OpenRedis initializes a Redis client and validates connectivity via PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
		PoolTimeout:     cfg.PoolTimeout,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// unlockScript deletes the lock key only if it still holds our token, so an
// expired-and-reacquired lock is never released by the previous owner.
var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var errNilRedis = errors.New("redis client is nil")

// TryLock acquires key for ttl using SET NX. When ok is false another holder
// owns the key. The returned unlock is safe to call more than once.
func TryLock(ctx context.Context, rdb *redis.Client, key string, ttl time.Duration) (unlock func(context.Context) error, ok bool, err error) {
	if rdb == nil {
		return nil, false, errNilRedis
	}
	if key == "" {
		return nil, false, fmt.Errorf("key is required")
	}
	if ttl <= 0 {
		return nil, false, fmt.Errorf("ttl must be > 0")
	}

	token := uuid.NewString()
	ok, err = rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	return func(ctx context.Context) error {
		return unlockScript.Run(ctx, rdb, []string{key}, token).Err()
	}, true, nil
}

// OnceWithin returns true for the first caller to claim key within window and
// false for every other caller until the window lapses.
func OnceWithin(ctx context.Context, rdb *redis.Client, key string, window time.Duration) (bool, error) {
	if rdb == nil {
		return false, errNilRedis
	}
	if key == "" {
		return false, fmt.Errorf("key is required")
	}
	if window <= 0 {
		return false, fmt.Errorf("window must be > 0")
	}
	return rdb.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), window).Result()
}

// ForgetOnce releases a key claimed by OnceWithin.
func ForgetOnce(ctx context.Context, rdb *redis.Client, key string) error {
	if rdb == nil {
		return errNilRedis
	}
	return rdb.Del(ctx, key).Err()
}
