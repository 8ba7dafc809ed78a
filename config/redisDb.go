package config

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/records_backend/utils"
	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ConnectRedisWithRetry returns the Redis client and the lock client built on it.
// An empty address disables Redis: both return values are nil and callers run without locks.
func ConnectRedisWithRetry(ctx context.Context, addr string, maxAttempts int, logg *logrus.Logger) (*redis.Client, *redislock.Client, error) {
	if addr == "" {
		logg.WithFields(logrus.Fields{"field": "redis"}).Warn("REDIS_ADDRESS not set; automation locks disabled")
		return nil, nil, nil
	}

	var attempt int
	for {
		attempt++
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			DB:       0,
			PoolSize: 100,
		})
		err := rdb.Ping(ctx).Err()
		if err == nil {
			logg.WithFields(logrus.Fields{
				"field":   "redis",
				"addr":    addr,
				"attempt": attempt,
			}).Info("connected to redis")
			return rdb, redislock.New(rdb), nil
		}
		_ = rdb.Close()

		if maxAttempts > 0 && attempt >= maxAttempts {
			return nil, nil, fmt.Errorf("connect redis %s after %d attempt(s): %w", addr, attempt, err)
		}
		sleep := utils.RetryBackoff(attempt)
		logg.WithFields(logrus.Fields{
			"field":   "redis",
			"addr":    addr,
			"attempt": attempt,
		}).Warn("failed to connect redis; retrying in " + sleep.String() + ": " + err.Error())
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}
