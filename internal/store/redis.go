// Package store holds the Redis-backed persistence for position trails,
// the per-vehicle latest projection, and the vehicle write leases.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"fleettrack-svr/internal/fleet"
)

// InitRedis opens the process-wide Redis client, verifies the connection and
// loads the server-side scripts. Called once at startup; the returned pool is
// shared by every adapter for the life of the process.
func InitRedis(addr string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	if err := releaseScript.Load(ctx, client).Err(); err != nil {
		return nil, fmt.Errorf("redis script load failed: %w", err)
	}
	return client, nil
}

func transientErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", fleet.ErrTransientStore, op, err)
}
