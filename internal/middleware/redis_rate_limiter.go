package middleware

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "kontext:ratelimit:"

// RedisRateLimiter enforces the same fixed window across multiple server
// instances by keeping counters in Redis. INCR creates the counter, EXPIRE
// arms the window on the first hit, and TTL supplies Retry-After.
//
// Redis failures fail open: a limiter outage must not take ingestion down
// with it.
type RedisRateLimiter struct {
	rdb    *redis.Client
	window time.Duration
	max    int
	logger *log.Logger
}

// NewRedisRateLimiter connects to Redis and verifies the connection.
// Returns the limiter and any connection error (caller decides whether to
// fall back to the in-memory limiter).
func NewRedisRateLimiter(addr, password string, db int, window time.Duration, max int) (*RedisRateLimiter, error) {
	if window <= 0 {
		window = time.Minute
	}
	if max <= 0 {
		max = 100
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	return &RedisRateLimiter{
		rdb:    rdb,
		window: window,
		max:    max,
		logger: log.New(log.Writer(), "[REDIS-LIMIT] ", log.LstdFlags),
	}, nil
}

// Check counts one request from ip. The counter key expires with the
// window, so a fresh INCR after expiry reopens the window at 1.
func (rl *RedisRateLimiter) Check(ip string) (bool, int) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := redisKeyPrefix + ip

	count, err := rl.rdb.Incr(ctx, key).Result()
	if err != nil {
		rl.logger.Printf("INCR failed, allowing request: %v", err)
		return true, 0
	}

	if count == 1 {
		if err := rl.rdb.Expire(ctx, key, rl.window).Err(); err != nil {
			rl.logger.Printf("EXPIRE failed for %s: %v", key, err)
		}
		return true, 0
	}

	if count > int64(rl.max) {
		ttl, err := rl.rdb.TTL(ctx, key).Result()
		if err != nil || ttl <= 0 {
			return false, int(rl.window.Seconds())
		}
		return false, int(math.Ceil(ttl.Seconds()))
	}

	return true, 0
}

// Close shuts down the underlying redis client.
func (rl *RedisRateLimiter) Close() error {
	return rl.rdb.Close()
}

var _ Limiter = (*RedisRateLimiter)(nil)
