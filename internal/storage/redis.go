package storage

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/s33g/promptkit/internal/config"
)

// Client is the Redis connection shared by the tree store and the
// conversation store. Every key it hands out carries the configured prefix.
type Client struct {
	rdb  *redis.Client
	keys *Keys
}

// NewClient connects to Redis and checks the connection. The password is
// read from the environment variable named by cfg.PasswordEnv.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	password := ""
	if cfg.PasswordEnv != "" {
		password = os.Getenv(cfg.PasswordEnv)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}

	return &Client{
		rdb:  rdb,
		keys: NewKeys(cfg.KeyPrefix),
	}, nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks that Redis is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Redis returns the underlying client for pipelines and scripts.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Keys returns the prefixed key generator for trees and conversations.
func (c *Client) Keys() *Keys {
	return c.keys
}
