package redis

import (
	"context"
	"fmt"
	"time"

	"telesync/internal/config"
	"telesync/internal/observability"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes a lease key only when it still holds the caller's
// token, so an expired lease taken over by another node is never released
// out from under it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Client wraps the Redis client with observability. A nil Client is valid and
// reports every lease as acquired, which lets single-node deployments run
// without Redis.
type Client struct {
	client *redis.Client
	logger *observability.Logger
}

// NewClient creates a new Redis client. Returns (nil, nil) when Redis is
// disabled in config.
func NewClient(cfg config.RedisConfig, logger *observability.Logger) (*Client, error) {
	if !cfg.Enabled {
		logger.Info(context.Background(), "Redis is disabled, skipping client initialization")
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info(ctx, "successfully connected to Redis",
		observability.Field{Key: "host", Value: cfg.Host},
		observability.Field{Key: "port", Value: cfg.Port},
		observability.Field{Key: "db", Value: cfg.DB},
	)

	return &Client{
		client: client,
		logger: logger,
	}, nil
}

// GetClient exposes the underlying go-redis client for callers that need
// commands the wrapper does not cover. Nil when disabled.
func (c *Client) GetClient() *redis.Client {
	if c == nil {
		return nil
	}
	return c.client
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// IsEnabled returns whether Redis is enabled.
func (c *Client) IsEnabled() bool {
	return c != nil && c.client != nil
}

// AcquireLease takes a named lease with SET NX for the given TTL. The token
// identifies this holder for release. Returns false when another holder owns
// the lease.
func (c *Client) AcquireLease(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if !c.IsEnabled() {
		return true, nil
	}
	ok, err := c.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %q: %w", key, err)
	}
	return ok, nil
}

// ReleaseLease releases a lease if the token still owns it.
func (c *Client) ReleaseLease(ctx context.Context, key, token string) error {
	if !c.IsEnabled() {
		return nil
	}
	if err := releaseScript.Run(ctx, c.client, []string{key}, token).Err(); err != nil {
		return fmt.Errorf("failed to release lease %q: %w", key, err)
	}
	return nil
}

// Publish sends a message on a pub/sub channel. A disabled client drops the
// message silently; subscribers are best-effort consumers.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	if !c.IsEnabled() {
		return nil
	}
	if err := c.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %q: %w", channel, err)
	}
	return nil
}

// Set stores a value with a TTL.
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if !c.IsEnabled() {
		return fmt.Errorf("Redis client not initialized")
	}
	return c.client.Set(ctx, key, value, ttl).Err()
}

// Get fetches a value. Returns redis.Nil when the key is absent.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	if !c.IsEnabled() {
		return nil, fmt.Errorf("Redis client not initialized")
	}
	return c.client.Get(ctx, key).Bytes()
}

// Del deletes keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if !c.IsEnabled() {
		return fmt.Errorf("Redis client not initialized")
	}
	return c.client.Del(ctx, keys...).Err()
}
