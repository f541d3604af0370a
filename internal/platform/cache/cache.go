// Package cache holds the Redis/Dragonfly connection used to coordinate
// quota sweeps between service instances.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SweepLatchKey is the key every instance contends on before a monthly reset.
const SweepLatchKey = "pai-quota:sweep"

// Cache owns the Redis client. Nothing is cached in it today; it only backs
// latches and the readiness check.
type Cache struct {
	Client *redis.Client
}

// ParseURL checks a redis:// or rediss:// URL and applies connection
// timeouts suited to short latch commands.
func ParseURL(url string) (*redis.Options, error) {
	if url == "" {
		return nil, fmt.Errorf("cache URL is empty")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid cache URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	// One latch call per sweep plus readiness probes.
	opts.PoolSize = 4
	return opts, nil
}

// New connects and pings.
func New(ctx context.Context, url string) (*Cache, error) {
	opts, err := ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging cache at %s: %w", opts.Addr, err)
	}
	return &Cache{Client: client}, nil
}

// SweepLatch returns the shared monthly reset latch.
func (c *Cache) SweepLatch(ttl time.Duration) *Latch {
	return NewLatch(c.Client, SweepLatchKey, ttl)
}

func (c *Cache) Close() error {
	return c.Client.Close()
}

// HealthCheck pings Redis. It backs the "redis" readiness check.
func (c *Cache) HealthCheck(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}
