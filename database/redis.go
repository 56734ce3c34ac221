package database

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"lanlobby/config"
)

// ConnectRedis opens the redis client used for the room-list cache. The
// lobby works without it; callers treat a nil client as "cache disabled".
func ConnectRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}
