package config

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const maxConnectAttempts = 8

// NewRedisClient builds a Redis client from the environment and verifies the
// connection with a bounded retry. Callers own the client's lifecycle: open it
// from main() and Close() on shutdown. There is no package-level client; jobs
// receive the handle they use.
func NewRedisClient(ctx context.Context, logger *logrus.Logger) (*redis.Client, error) {
	addr := os.Getenv("REDIS_ADDRESS")
	if addr == "" {
		addr = "localhost:6379"
		logger.Warnf("REDIS_ADDRESS not set; defaulting to %s", addr)
	}

	db := 0
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			db = n
		}
	}
	poolSize := 100
	if v := os.Getenv("REDIS_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			poolSize = n
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxConnectAttempts; attempt++ {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       db,
			PoolSize: poolSize,
		})
		if err := rdb.Ping(ctx).Err(); err == nil {
			logger.Infof("connected to redis (attempt=%d addr=%s db=%d)", attempt, addr, db)
			return rdb, nil
		} else {
			lastErr = err
			_ = rdb.Close()
			sleep := time.Second * time.Duration(1<<min(attempt, 5))
			if sleep > 30*time.Second {
				sleep = 30 * time.Second
			}
			logger.Warnf("failed to connect redis (attempt=%d addr=%s): %v; retrying in %s", attempt, addr, err, sleep)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(sleep):
			}
		}
	}
	return nil, lastErr
}

// NewLocker wraps the client for best-effort job overlap locks.
func NewLocker(rdb *redis.Client) *redislock.Client {
	return redislock.New(rdb)
}
