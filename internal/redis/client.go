package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/paulomaciel91/cactosaude-sub003/config"
	"github.com/redis/go-redis/v9"
)

var client *redis.Client

// Connect initializes the shared Redis client and verifies it with a PING.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	c := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	client = c
	return c, nil
}

// Close closes the shared Redis connection
func Close() error {
	if client != nil {
		err := client.Close()
		client = nil
		return err
	}
	return nil
}

// GetClient returns the shared Redis client, nil before Connect.
func GetClient() *redis.Client {
	return client
}

// IsNil reports whether err is the "key does not exist" reply.
func IsNil(err error) bool {
	return err == redis.Nil
}
